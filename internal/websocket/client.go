package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tawk/internal/models"
)

const (
	writeWait      = 10 * time.Second
	closeWait      = time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	ErrClientClosed = errors.New("client closed")
	ErrSlowClient   = errors.New("client send buffer full")
)

// Client is one websocket connection. It implements presence.Handle so the
// directory can hand it out as a push target.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		userID: userID,
		logger: hub.logger.With(zap.String("user_id", userID), zap.String("remote", conn.RemoteAddr().String())),
		done:   make(chan struct{}),
	}
}

// Send queues msg for the write pump without blocking. A client whose queue
// is full is closed.
func (c *Client) Send(msg models.WebSocketMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", msg.Event)
	}

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		c.logger.Warn("send buffer full, closing client", zap.String("event", msg.Event))
		c.shutdown(true)
		return ErrSlowClient
	}
}

// Close stops both pumps. It is safe to call more than once.
func (c *Client) Close() {
	c.shutdown(false)
}

// shutdown marks the client closed at once. With async set the close frame
// and socket teardown happen on their own goroutine, so a caller pushing to
// a stalled peer does not wait on its write deadline.
func (c *Client) shutdown(async bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		if async {
			go c.closeConn()
			return
		}
		c.closeConn()
	})
}

func (c *Client) closeConn() {
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeWait))
	c.conn.Close()
}

func (c *Client) ReadPump() {
	defer c.hub.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg models.WebSocketMessage
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Info("connection lost", zap.Error(err))
			}
			return
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug("invalid frame", zap.Error(err))
			c.Send(models.WebSocketMessage{
				Event:   models.EventError,
				Payload: models.ErrorPayload{Message: "invalid message format"},
			})
			continue
		}

		if msg.Event == models.EventEnd {
			c.end(msg)
			return
		}

		ctx, cancel := c.hub.opContext()
		c.hub.dispatcher.Dispatch(ctx, c, msg)
		cancel()
	}
}

// end handles an explicit logout: the named user is unregistered
// unconditionally, then the connection is closed.
func (c *Client) end(msg models.WebSocketMessage) {
	var p models.UserPayload
	if msg.Payload != nil {
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "json",
			WeaklyTypedInput: true,
			Result:           &p,
		})
		if err == nil {
			if err := dec.Decode(msg.Payload); err != nil {
				c.logger.Debug("decode end payload", zap.Error(err))
			}
		}
	}
	userID := p.UserID
	if userID == "" {
		userID = c.userID
	}
	if userID == "" {
		return
	}

	ctx, cancel := c.hub.opContext()
	defer cancel()
	c.hub.directory.Unregister(ctx, userID)
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
