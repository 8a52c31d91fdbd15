package chat

import (
	"context"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tawk/internal/models"
	"tawk/internal/presence"
	"tawk/internal/store"
)

type handlerFunc func(ctx context.Context, reply presence.Handle, payload interface{}) (interface{}, error)

// Router dispatches inbound events from one connection to the service and
// answers correlation ids with an ack frame.
type Router struct {
	service  *Service
	logger   *zap.Logger
	handlers map[string]handlerFunc
}

func NewRouter(service *Service, logger *zap.Logger) *Router {
	r := &Router{service: service, logger: logger}
	r.handlers = map[string]handlerFunc{
		models.EventFriendRequest:          r.friendRequest,
		models.EventAcceptRequest:          r.acceptRequest,
		models.EventGetDirectConversations: r.getDirectConversations,
		models.EventStartConversation:      r.startConversation,
		models.EventGetMessage:             r.getMessages,
		models.EventTextMessage:            r.textMessage,
		models.EventFileMessage:            r.fileMessage,
	}
	return r
}

// Dispatch handles one inbound frame. Failures are always reported back to
// reply: as a failed ack when the frame carried a correlation id, otherwise
// as an error event.
func (r *Router) Dispatch(ctx context.Context, reply presence.Handle, msg models.WebSocketMessage) {
	handle, ok := r.handlers[msg.Event]
	if !ok {
		r.fail(reply, msg, store.Invalid("unknown event %q", msg.Event))
		return
	}

	data, err := handle(ctx, reply, msg.Payload)
	if err != nil {
		r.fail(reply, msg, err)
		return
	}
	if msg.Ack != "" {
		r.send(reply, models.WebSocketMessage{
			Event:   models.EventAck,
			Ack:     msg.Ack,
			Payload: models.AckPayload{OK: true, Data: data},
		})
	}
}

func (r *Router) fail(reply presence.Handle, msg models.WebSocketMessage, err error) {
	level := r.logger.Warn
	if errors.Is(err, store.ErrValidation) || errors.Is(err, store.ErrNotFound) {
		level = r.logger.Info
	}
	level("event failed", zap.String("event", msg.Event), zap.Error(err))

	if msg.Ack != "" {
		r.send(reply, models.WebSocketMessage{
			Event:   models.EventAck,
			Ack:     msg.Ack,
			Payload: models.AckPayload{OK: false, Error: err.Error()},
		})
		return
	}
	r.send(reply, models.WebSocketMessage{
		Event:   models.EventError,
		Payload: models.ErrorPayload{Event: msg.Event, Message: err.Error()},
	})
}

func (r *Router) send(reply presence.Handle, msg models.WebSocketMessage) {
	if err := reply.Send(msg); err != nil {
		r.logger.Debug("reply dropped", zap.String("event", msg.Event), zap.Error(err))
	}
}

// decode maps a loosely typed JSON payload onto out. Numbers and strings are
// converted where needed so ids sent as numbers still decode.
func decode(payload interface{}, out interface{}) error {
	if payload == nil {
		return store.Invalid("missing data")
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return errors.Wrap(err, "new decoder")
	}
	if err := dec.Decode(payload); err != nil {
		return store.Invalid("decode data: %v", err)
	}
	return nil
}

func (r *Router) friendRequest(ctx context.Context, _ presence.Handle, payload interface{}) (interface{}, error) {
	var p models.FriendRequestPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return r.service.SendRequest(ctx, p.From, p.To)
}

func (r *Router) acceptRequest(ctx context.Context, _ presence.Handle, payload interface{}) (interface{}, error) {
	var p models.AcceptRequestPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return r.service.AcceptRequest(ctx, p.RequestID)
}

func (r *Router) getDirectConversations(ctx context.Context, _ presence.Handle, payload interface{}) (interface{}, error) {
	var p models.UserPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return r.service.ListConversations(ctx, p.UserID)
}

// startConversation answers the initiating connection with start_chat for a
// new conversation and open_chat for an existing one.
func (r *Router) startConversation(ctx context.Context, reply presence.Handle, payload interface{}) (interface{}, error) {
	var p models.StartConversationPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	conv, created, err := r.service.StartConversation(ctx, p.From, p.To)
	if err != nil {
		return nil, err
	}

	event := models.EventOpenChat
	if created {
		event = models.EventStartChat
	}
	r.send(reply, models.WebSocketMessage{Event: event, Payload: conv})
	return conv, nil
}

func (r *Router) getMessages(ctx context.Context, _ presence.Handle, payload interface{}) (interface{}, error) {
	var p models.ConversationPayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return r.service.GetMessages(ctx, p.ConversationID)
}

func (r *Router) textMessage(ctx context.Context, _ presence.Handle, payload interface{}) (interface{}, error) {
	var p models.TextMessagePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	return r.service.SendMessage(ctx, p.ConversationID, p.From, p.To, p.Message, models.MessageType(p.Type))
}

func (r *Router) fileMessage(ctx context.Context, _ presence.Handle, payload interface{}) (interface{}, error) {
	var p models.FileMessagePayload
	if err := decode(payload, &p); err != nil {
		return nil, err
	}
	name, err := r.service.SendFile(ctx, p.From, p.To, p.File)
	if err != nil {
		return nil, err
	}
	return models.FileStoredPayload{FileName: name}, nil
}
