// Package chat implements the friend-request workflow and the messaging
// router on top of a store and the presence directory.
package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tawk/internal/models"
	"tawk/internal/presence"
	"tawk/internal/store"
)

// Presence is the lookup half of the presence directory.
type Presence interface {
	Lookup(userID string) (presence.Handle, bool)
}

type Service struct {
	store    store.Store
	presence Presence
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(st store.Store, p Presence, logger *zap.Logger) *Service {
	return &Service{
		store:    st,
		presence: p,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// push delivers msg to userID if online. Delivery is best-effort: offline
// users and failed sends are dropped.
func (s *Service) push(userID string, msg models.WebSocketMessage) {
	h, ok := s.presence.Lookup(userID)
	if !ok {
		s.logger.Debug("recipient offline", zap.String("user_id", userID), zap.String("event", msg.Event))
		return
	}
	if err := h.Send(msg); err != nil {
		s.logger.Debug("push failed", zap.String("user_id", userID), zap.String("event", msg.Event), zap.Error(err))
	}
}

// StartConversation returns the conversation between from and to, creating
// it on first contact. created is false when one already existed.
func (s *Service) StartConversation(ctx context.Context, from, to string) (*models.Conversation, bool, error) {
	if from == "" || to == "" {
		return nil, false, store.Invalid("start conversation needs both from and to")
	}
	if from == to {
		return nil, false, store.Invalid("cannot start a conversation with yourself")
	}

	conv, created, err := s.store.CreateConversationIfAbsent(ctx, from, to)
	if err != nil {
		return nil, false, err
	}
	s.logger.Info("conversation opened",
		zap.String("conversation_id", conv.ID),
		zap.String("from", from),
		zap.String("to", to),
		zap.Bool("created", created))
	return conv, created, nil
}

// SendMessage appends a message to the conversation and pushes new_message
// to both participants that are online.
func (s *Service) SendMessage(ctx context.Context, conversationID, from, to, text string, typ models.MessageType) (*models.Message, error) {
	if conversationID == "" || from == "" || to == "" {
		return nil, store.Invalid("message needs conversation_id, from and to")
	}
	if typ == "" {
		typ = models.MessageText
	}
	if !typ.Valid() {
		return nil, store.Invalid("unknown message type %q", typ)
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		From:           from,
		To:             to,
		Type:           typ,
		CreatedAt:      s.now(),
	}
	if typ == models.MessageFile {
		msg.File = text
	} else {
		msg.Text = text
	}

	if _, err := s.store.AppendMessage(ctx, conversationID, msg); err != nil {
		return nil, err
	}

	out := models.WebSocketMessage{
		Event:   models.EventNewMessage,
		Payload: models.NewMessagePayload{ConversationID: conversationID, Message: *msg},
	}
	s.push(to, out)
	s.push(from, out)
	return msg, nil
}

// SendFile derives the stored name for an uploaded file. The upload itself
// is handled outside this service.
func (s *Service) SendFile(ctx context.Context, from, to string, file models.FileInfo) (string, error) {
	if file.Name == "" {
		return "", store.Invalid("file message needs a file name")
	}
	name := StoredFileName(file.Name, s.now())
	s.logger.Info("file message",
		zap.String("from", from),
		zap.String("to", to),
		zap.String("original", file.Name),
		zap.String("stored", name))
	return name, nil
}

func (s *Service) ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	if userID == "" {
		return nil, store.Invalid("user_id is required")
	}
	return s.store.ListConversations(ctx, userID)
}

func (s *Service) GetMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	if conversationID == "" {
		return nil, store.Invalid("conversation_id is required")
	}
	return s.store.GetMessages(ctx, conversationID)
}
