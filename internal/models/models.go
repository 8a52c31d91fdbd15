package models

import "time"

type Status string

const (
	StatusOnline  Status = "Online"
	StatusOffline Status = "Offline"
)

type User struct {
	ID        string    `json:"id" bson:"_id"`
	Username  string    `json:"username" bson:"username"`
	Password  string    `json:"-" bson:"password"`
	FirstName string    `json:"first_name" bson:"first_name"`
	LastName  string    `json:"last_name" bson:"last_name"`
	About     string    `json:"about" bson:"about"`
	Avatar    string    `json:"avatar" bson:"avatar"`
	Status    Status    `json:"status" bson:"status"`
	Friends   []string  `json:"friends" bson:"friends"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// HasFriend reports whether id is in the user's friend set.
func (u *User) HasFriend(id string) bool {
	for _, f := range u.Friends {
		if f == id {
			return true
		}
	}
	return false
}

// Participant is the display projection of a user used in listings.
type Participant struct {
	ID        string `json:"id" bson:"_id"`
	FirstName string `json:"first_name" bson:"first_name"`
	LastName  string `json:"last_name" bson:"last_name"`
	Avatar    string `json:"avatar" bson:"avatar"`
	Status    Status `json:"status" bson:"status"`
}

type FriendRequest struct {
	ID        string    `json:"id" bson:"_id"`
	Sender    string    `json:"sender" bson:"sender"`
	Recipient string    `json:"recipient" bson:"recipient"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// FriendRequestView is an incoming request with the sender resolved.
type FriendRequestView struct {
	ID        string      `json:"id"`
	Sender    Participant `json:"sender"`
	CreatedAt time.Time   `json:"created_at"`
}

type MessageType string

const (
	MessageText MessageType = "text"
	MessageLink MessageType = "link"
	MessageFile MessageType = "file"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageLink, MessageFile:
		return true
	}
	return false
}

type Message struct {
	ID             string      `json:"id" bson:"id"`
	ConversationID string      `json:"conversation_id" bson:"conversation_id"`
	From           string      `json:"from" bson:"from"`
	To             string      `json:"to" bson:"to"`
	Type           MessageType `json:"type" bson:"type"`
	Text           string      `json:"text,omitempty" bson:"text,omitempty"`
	File           string      `json:"file,omitempty" bson:"file,omitempty"`
	CreatedAt      time.Time   `json:"created_at" bson:"created_at"`
}

// Conversation is a direct thread between exactly two users. Participants
// are kept in normalized order (lower id first).
type Conversation struct {
	ID           string    `json:"id"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
}

// ConversationSummary is a conversation listing entry with participants resolved.
type ConversationSummary struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	CreatedAt    time.Time     `json:"created_at"`
}

// ProfileUpdate carries the user-editable profile fields. Empty fields are left unchanged.
type ProfileUpdate struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	About     string `json:"about"`
	Avatar    string `json:"avatar"`
}

// Request/Response structures
type RegisterRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Avatar    string `json:"avatar"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
