// Package store defines the persistence contract shared by the SQLite and
// MongoDB backends, along with the error taxonomy callers match against.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"tawk/internal/models"
)

type Users interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	UpdateProfile(ctx context.Context, id string, update models.ProfileUpdate) (*models.User, error)
	SetStatus(ctx context.Context, id string, status models.Status) error
	// AddFriend inserts friendID into userID's friend set. Adding an existing
	// friend is a no-op.
	AddFriend(ctx context.Context, userID, friendID string) error
	ListFriends(ctx context.Context, userID string) ([]models.Participant, error)
}

type FriendRequests interface {
	// CreateFriendRequestIfAbsent returns the single pending request from ->
	// to, creating it when none exists. created reports whether this call
	// inserted it.
	CreateFriendRequestIfAbsent(ctx context.Context, from, to string) (req *models.FriendRequest, created bool, err error)
	FindPendingRequest(ctx context.Context, from, to string) (*models.FriendRequest, error)
	GetFriendRequest(ctx context.Context, id string) (*models.FriendRequest, error)
	DeleteFriendRequest(ctx context.Context, id string) error
	ListIncomingRequests(ctx context.Context, userID string) ([]models.FriendRequestView, error)
}

type Conversations interface {
	FindConversationByPair(ctx context.Context, a, b string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.ConversationSummary, error)
	// CreateConversationIfAbsent returns the single conversation for the
	// unordered pair {a, b}, creating it when none exists. created reports
	// whether this call inserted it.
	CreateConversationIfAbsent(ctx context.Context, a, b string) (conv *models.Conversation, created bool, err error)
	// AppendMessage atomically appends msg to the conversation. msg.From and
	// msg.To must be the conversation's participants.
	AppendMessage(ctx context.Context, conversationID string, msg *models.Message) (*models.Conversation, error)
	GetMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

type Store interface {
	Users
	FriendRequests
	Conversations
	Close() error
}

// NormalizePair orders a pair of user ids so that a conversation between
// them has exactly one storage key regardless of who started it.
func NormalizePair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// PairKey is the normalized pair joined into one string.
func PairKey(a, b string) string {
	lo, hi := NormalizePair(a, b)
	return lo + ":" + hi
}

// StampMessage fills the fields AppendMessage owns: the conversation id,
// and an id and timestamp when the caller left them empty.
func StampMessage(conversationID string, msg *models.Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.ConversationID = conversationID
}
