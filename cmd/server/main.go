package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tawk/internal/api"
	"tawk/internal/chat"
	"tawk/internal/config"
	"tawk/internal/db"
	"tawk/internal/logger"
	"tawk/internal/mongostore"
	"tawk/internal/presence"
	"tawk/internal/store"
	"tawk/internal/websocket"
)

func main() {
	isLoadTest := flag.Bool("loadtest", false, "Run server with load testing configuration")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("load configuration", zap.Error(err))
	}

	log := logger.New(cfg.LogLevel).Named("server")
	defer log.Sync()

	if *isLoadTest {
		if err := useLoadTestDatabase(cfg); err != nil {
			log.Fatal("prepare load test database", zap.Error(err))
		}
		log.Info("using load testing database", zap.String("path", cfg.CleanDatabasePath()))
	}

	log.Info("starting server",
		zap.String("address", cfg.ServerAddress),
		zap.String("store", cfg.Store),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.Duration("op_timeout", cfg.OpTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	hubCtx, stopHub := context.WithCancel(context.Background())
	directory := presence.NewDirectory(st, log.Named("presence"))
	service := chat.NewService(st, directory, log.Named("chat"))
	router := chat.NewRouter(service, log.Named("chat"))
	hub := websocket.NewHub(hubCtx, directory, router, log.Named("websocket"), cfg.OpTimeout)
	go hub.Run()

	handlers := api.NewHandlers(st, hub, cfg.JWTSecret, cfg, log.Named("api"))
	server := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: handlers.Routes(logRequest(log.Named("http"))),
	}

	go func() {
		log.Info("listening", zap.String("address", cfg.ServerAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	stopHub()
	<-hub.Done()
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		return mongostore.New(connectCtx, mongostore.Config{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
		}, log.Named("mongo"))
	default:
		database, err := db.NewDB(cfg.CleanDatabasePath())
		if err != nil {
			return nil, err
		}
		log.Info("database connection established", zap.String("path", cfg.CleanDatabasePath()))
		return database, nil
	}
}

// useLoadTestDatabase points the SQLite store at loadtest/loadtest.db so
// load runs never touch the regular database.
func useLoadTestDatabase(cfg *config.Config) error {
	if cfg.Store != config.StoreSQLite {
		return errors.Errorf("-loadtest requires the sqlite store, got %q", cfg.Store)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return errors.Wrap(err, "working directory")
	}
	dir := filepath.Join(cwd, "loadtest")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create loadtest directory")
	}
	cfg.UpdateDatabasePath(filepath.Join(dir, "loadtest.db"))
	return nil
}

func logRequest(log *zap.Logger) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := newLoggingResponseWriter(w)

			next.ServeHTTP(lrw, r)

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", lrw.statusCode),
				zap.Duration("duration", time.Since(start)))
		}
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	return &loggingResponseWriter{w, http.StatusOK}
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
