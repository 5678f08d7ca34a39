package model

import (
	"encoding/json"
	"time"
)

// EventType names a frame exchanged over the live connection.
type EventType string

// Client to server events.
const (
	EventAuthenticate EventType = "authenticate"
	EventJoinThread   EventType = "join_thread"
	EventLeaveThread  EventType = "leave_thread"
	EventSendMessage  EventType = "send_message"
	EventTyping       EventType = "typing"
	EventMarkRead     EventType = "mark_read"
)

// Server to client events.
const (
	EventAuthenticated          EventType = "authenticated"
	EventError                  EventType = "error"
	EventAck                    EventType = "ack"
	EventNewMessage             EventType = "new_message"
	EventNewMessageNotification EventType = "new_message_notification"
	EventTypingIndicator        EventType = "typing_indicator"
	EventMessagesRead           EventType = "messages_read"
	EventUserStatus             EventType = "user_status"
)

// Frame is the wire envelope for every socket message.
type Frame struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   *int64          `json:"ack,omitempty"`
}

// EncodeEvent marshals an outbound frame.
func EncodeEvent(event EventType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// AuthenticatePayload is sent by the client to bind an identity to the connection.
type AuthenticatePayload struct {
	UserID   string   `json:"userId"`
	UserType UserType `json:"userType"`
	Token    string   `json:"token"`
}

// ThreadPayload carries only a thread id (join_thread, leave_thread).
type ThreadPayload struct {
	ThreadID string `json:"threadId"`
}

// SendMessagePayload is the socket form of a send.
type SendMessagePayload struct {
	ThreadID    string       `json:"threadId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// TypingPayload is the client typing signal.
type TypingPayload struct {
	ThreadID string `json:"threadId"`
	IsTyping *bool  `json:"isTyping"`
}

// MarkReadPayload is the socket read receipt.
type MarkReadPayload struct {
	ThreadID   string   `json:"threadId"`
	MessageIDs []string `json:"messageIds,omitempty"`
}

// AckPayload answers an acked client event.
type AckPayload struct {
	Success bool     `json:"success"`
	ID      string   `json:"id,omitempty"`
	Message *Message `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessageEvent is broadcast to a thread room.
type NewMessageEvent struct {
	Message      Message      `json:"message"`
	ThreadID     string       `json:"threadId"`
	UnreadCounts UnreadCounts `json:"unreadCounts"`
}

// NewMessageNotification is sent to the recipient's user channel.
type NewMessageNotification struct {
	ThreadID string `json:"threadId"`
	SenderID string `json:"senderId"`
	Preview  string `json:"preview"`
}

// TypingIndicatorEvent is broadcast to a room, excluding the typist.
type TypingIndicatorEvent struct {
	ThreadID string   `json:"threadId"`
	UserID   string   `json:"userId"`
	IsTyping bool     `json:"isTyping"`
	UserType UserType `json:"userType"`
}

// MessagesReadEvent tells a sender their messages were seen.
type MessagesReadEvent struct {
	ThreadID string `json:"threadId"`
	ReaderID string `json:"readerId"`
}

// UserStatusEvent is broadcast when a user comes online or goes offline.
type UserStatusEvent struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}

// TypingStatus is the polling view of the other party's typing signal.
type TypingStatus struct {
	IsTyping   bool       `json:"isTyping"`
	LastUpdate *time.Time `json:"lastUpdate"`
}

// TypingRequest is the polling typing body.
type TypingRequest struct {
	IsTyping *bool `json:"isTyping"`
}
