package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	gorilla "github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tawk/internal/models"
	"tawk/internal/store"
	"tawk/internal/websocket"
)

type contextKey string

const (
	userContextKey contextKey = "user"

	authCookie = "auth_token"
	tokenTTL   = 30 * 24 * time.Hour
)

// OriginPolicy decides which browser origins may call the API or open a
// websocket session.
type OriginPolicy interface {
	OriginAllowed(origin string) bool
}

type Handlers struct {
	store    store.Store
	hub      *websocket.Hub
	secret   []byte
	origins  OriginPolicy
	logger   *zap.Logger
	upgrader gorilla.Upgrader
	now      func() time.Time
}

func NewHandlers(st store.Store, hub *websocket.Hub, secret string, origins OriginPolicy, logger *zap.Logger) *Handlers {
	h := &Handlers{
		store:   st,
		hub:     hub,
		secret:  []byte(secret),
		origins: origins,
		logger:  logger,
		now:     time.Now,
	}
	h.upgrader = gorilla.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return h.origins.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	return h
}

// envelope is the JSON body of every /api/users response.
type envelope struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the store error taxonomy onto HTTP status codes. Storage
// failures are logged and reported without their cause.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	msg := "internal server error"
	switch {
	case errors.Is(err, store.ErrValidation):
		code, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, store.ErrNotFound):
		code, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrConflict):
		code, msg = http.StatusConflict, err.Error()
	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, code, envelope{Status: "error", Message: msg})
}

func (h *Handlers) issueToken(userID string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     h.now().Add(tokenTTL).Unix(),
	})
	signed, err := token.SignedString(h.secret)
	return signed, errors.Wrap(err, "sign token")
}

// parseToken validates a signed token and returns the user id it carries.
func (h *Handlers) parseToken(raw string) (string, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return h.secret, nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid token")
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", errors.New("invalid user id in token")
	}
	return userID, nil
}

// requestToken reads the session token from the auth cookie or a Bearer
// Authorization header.
func requestToken(r *http.Request) string {
	if cookie, err := r.Cookie(authCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func (h *Handlers) authenticate(r *http.Request) (*models.User, error) {
	raw := requestToken(r)
	if raw == "" {
		return nil, errors.New("missing token")
	}
	userID, err := h.parseToken(raw)
	if err != nil {
		return nil, err
	}
	return h.store.GetUser(r.Context(), userID)
}

func currentUser(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(userContextKey).(*models.User)
	return u, ok && u != nil
}

var publicPaths = map[string]bool{
	"/api/auth/login":    true,
	"/api/auth/register": true,
	"/api/auth/verify":   true,
	"/api/auth/logout":   true,
}

func (h *Handlers) WithAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		user, err := h.authenticate(r)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, envelope{Status: "error", Message: "unauthorized"})
			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handlers) WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && h.origins.OriginAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handshakeUserID extracts the user id a websocket handshake claims. The
// literal strings "null" and "undefined" count as absent.
func handshakeUserID(r *http.Request) string {
	id := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if id == "null" || id == "undefined" {
		return ""
	}
	return id
}

// HandleWebSocket upgrades the request and hands the connection to the hub.
// A valid session token names the user; otherwise the user_id query
// parameter does. Neither is required.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID := handshakeUserID(r)
	if raw := requestToken(r); raw != "" {
		if id, err := h.parseToken(raw); err == nil {
			userID = id
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	h.hub.Serve(conn, userID)
}

// Routes wires every endpoint. mw, if non-nil, wraps each API handler; the
// websocket endpoint bypasses it along with CORS and auth.
func (h *Handlers) Routes(mw func(http.HandlerFunc) http.HandlerFunc) http.Handler {
	if mw == nil {
		mw = func(next http.HandlerFunc) http.HandlerFunc { return next }
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", mw(h.HandleRegister))
	mux.HandleFunc("/api/auth/login", mw(h.HandleLogin))
	mux.HandleFunc("/api/auth/verify", mw(h.HandleVerify))
	mux.HandleFunc("/api/auth/logout", mw(h.HandleLogout))

	mux.HandleFunc("/api/users", mw(h.HandleUsers))
	mux.HandleFunc("/api/users/requests", mw(h.HandleRequests))
	mux.HandleFunc("/api/users/friends", mw(h.HandleFriends))
	mux.HandleFunc("/api/users/me", mw(h.HandleUpdateMe))

	api := h.WithCORS(h.WithAuth(mux))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			h.HandleWebSocket(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}
