package models

// WebSocketMessage is the envelope for every frame in both directions.
// Ack carries a client-chosen correlation id; responses to it are sent
// as an EventAck frame with the same id.
type WebSocketMessage struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data,omitempty"`
	Ack     string      `json:"ack,omitempty"`
}

// Inbound events.
const (
	EventFriendRequest          = "friend_request"
	EventAcceptRequest          = "accept_request"
	EventGetDirectConversations = "get_direct_conversations"
	EventStartConversation      = "start_conversation"
	EventGetMessage             = "get_message"
	EventTextMessage            = "text_message"
	EventFileMessage            = "file_message"
	EventEnd                    = "end"
)

// Outbound events.
const (
	EventNewFriendRequest = "new_friend_request"
	EventRequestSent      = "request_sent"
	EventRequestAccepted  = "request_accepted"
	EventStartChat        = "start_chat"
	EventOpenChat         = "open_chat"
	EventNewMessage       = "new_message"
	EventAck              = "ack"
	EventError            = "error"
)

type FriendRequestPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
}

type AcceptRequestPayload struct {
	RequestID string `json:"request_id"`
}

type UserPayload struct {
	UserID string `json:"user_id"`
}

type StartConversationPayload struct {
	To   string `json:"to"`
	From string `json:"from"`
}

type ConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

type TextMessagePayload struct {
	To             string `json:"to"`
	From           string `json:"from"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id"`
	Type           string `json:"type"`
}

type FileInfo struct {
	Name string `json:"name"`
}

type FileMessagePayload struct {
	To   string   `json:"to"`
	From string   `json:"from"`
	File FileInfo `json:"file"`
}

// NoticePayload is the human-readable body of friend-request notifications.
type NoticePayload struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Request   *FriendRequest `json:"request,omitempty"`
}

type NewMessagePayload struct {
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

type FileStoredPayload struct {
	FileName string `json:"file_name"`
}

type AckPayload struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}
