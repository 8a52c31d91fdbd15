package chat

import (
	"context"

	"go.uber.org/zap"

	"tawk/internal/models"
	"tawk/internal/store"
)

// SendRequest records a pending friend request from -> to and notifies both
// sides if they are online. A request that is already pending for the same
// direction is reused rather than duplicated.
func (s *Service) SendRequest(ctx context.Context, from, to string) (*models.FriendRequest, error) {
	if from == "" || to == "" {
		return nil, store.Invalid("friend request needs both from and to")
	}
	if from == to {
		return nil, store.Invalid("cannot send a friend request to yourself")
	}

	req, created, err := s.store.CreateFriendRequestIfAbsent(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("friend request created",
			zap.String("request_id", req.ID),
			zap.String("from", from),
			zap.String("to", to))
	} else {
		s.logger.Debug("friend request already pending", zap.String("request_id", req.ID))
	}

	s.push(to, models.WebSocketMessage{
		Event:   models.EventNewFriendRequest,
		Payload: models.NoticePayload{Message: "New friend request received", Request: req},
	})
	s.push(from, models.WebSocketMessage{
		Event:   models.EventRequestSent,
		Payload: models.NoticePayload{Message: "Request sent successfully!", Request: req},
	})
	return req, nil
}

// AcceptRequest commits the friendship for requestID and deletes the
// request. Both friend-set saves happen before the delete so that a crash
// in between leaves a request that can be accepted again; re-adding an
// existing friend is a no-op.
func (s *Service) AcceptRequest(ctx context.Context, requestID string) (*models.FriendRequest, error) {
	if requestID == "" {
		return nil, store.Invalid("request_id is required")
	}

	req, err := s.store.GetFriendRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	sender, err := s.store.GetUser(ctx, req.Sender)
	if err != nil {
		return nil, err
	}
	recipient, err := s.store.GetUser(ctx, req.Recipient)
	if err != nil {
		return nil, err
	}

	if err := s.store.AddFriend(ctx, recipient.ID, sender.ID); err != nil {
		return nil, err
	}
	if err := s.store.AddFriend(ctx, sender.ID, recipient.ID); err != nil {
		return nil, err
	}
	if err := s.store.DeleteFriendRequest(ctx, req.ID); err != nil {
		return nil, err
	}

	s.logger.Info("friend request accepted",
		zap.String("request_id", req.ID),
		zap.String("sender", sender.ID),
		zap.String("recipient", recipient.ID))

	notice := models.WebSocketMessage{
		Event:   models.EventRequestAccepted,
		Payload: models.NoticePayload{Message: "Friend Request Accepted", RequestID: req.ID},
	}
	s.push(sender.ID, notice)
	s.push(recipient.ID, notice)
	return req, nil
}
