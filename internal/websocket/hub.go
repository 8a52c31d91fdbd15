// Package websocket owns the connection lifecycle: it registers users in the
// presence directory on connect, feeds inbound frames to a dispatcher and
// releases the user when the transport drops.
package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tawk/internal/models"
	"tawk/internal/presence"
)

// Dispatcher handles one inbound event. Replies go to reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, reply presence.Handle, msg models.WebSocketMessage)
}

type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex

	directory  *presence.Directory
	dispatcher Dispatcher
	logger     *zap.Logger

	// ctx is the hub's lifetime. Store operations started on behalf of a
	// connection are bounded by opTimeout only, so shutdown lets them finish.
	ctx       context.Context
	opTimeout time.Duration

	// pumps counts read pumps still running; stopped closes once they have
	// all exited after quit.
	pumps   sync.WaitGroup
	quit    chan struct{}
	stopped chan struct{}
}

func NewHub(ctx context.Context, dir *presence.Directory, dispatcher Dispatcher, logger *zap.Logger, opTimeout time.Duration) *Hub {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		directory:  dir,
		dispatcher: dispatcher,
		logger:     logger,
		ctx:        ctx,
		opTimeout:  opTimeout,
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Run tracks the set of open clients until the hub's context is cancelled,
// then closes every remaining connection and waits for in-flight events to
// finish.
func (h *Hub) Run() {
	h.logger.Info("websocket hub started")
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.pumps.Add(1)
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			client.logger.Info("client connected", zap.Int("clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.logger.Info("client disconnected", zap.Int("clients", len(h.clients)))
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			close(h.quit)

			h.pumps.Wait()
			h.directory.Close()
			h.logger.Info("websocket hub stopped")
			return
		}
	}
}

// Done is closed once Run has returned and every read pump has exited.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}

// Serve takes ownership of conn. A non-empty userID is registered in the
// presence directory; an empty one leaves the connection anonymous, able to
// send events but never a push target.
func (h *Hub) Serve(conn *websocket.Conn, userID string) {
	client := NewClient(h, conn, userID)

	select {
	case h.register <- client:
	case <-h.ctx.Done():
		conn.Close()
		return
	}

	if userID != "" {
		ctx, cancel := h.opContext()
		h.directory.Register(ctx, userID, client)
		cancel()
	}

	go client.WritePump()
	go client.ReadPump()
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// disconnect runs once per client when its read pump exits. The user is
// only released if this client is still their registered handle.
func (h *Hub) disconnect(c *Client) {
	c.Close()

	if c.userID != "" {
		ctx, cancel := h.opContext()
		h.directory.Release(ctx, c.userID, c)
		cancel()
	}

	select {
	case h.unregister <- c:
	case <-h.quit:
	}
	h.pumps.Done()
}

func (h *Hub) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), h.opTimeout)
}
