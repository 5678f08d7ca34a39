package model

import (
	"time"
)

// Message is a single immutable chat message inside a thread.
type Message struct {
	// Identity
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`

	// Sender
	SenderID   string   `json:"senderId"`
	SenderType UserType `json:"senderType"`

	// Content (nil when the message only carries attachments)
	Content     *string      `json:"content"`
	Attachments []Attachment `json:"attachments"`

	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// Attachment is a stored file referenced by a message.
type Attachment struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// SendMessageRequest is the JSON body for sending a message over HTTP.
type SendMessageRequest struct {
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SendMessageResponse is the response after sending a message.
type SendMessageResponse struct {
	Message *Message `json:"message"`
}

// ListMessagesResponse is the response for a thread history fetch.
type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
}

// MarkReadRequest is the body for an explicit read receipt.
type MarkReadRequest struct {
	MessageIDs []string `json:"messageIds,omitempty"`
}

// MarkReadResponse reports how many messages changed state.
type MarkReadResponse struct {
	Success bool `json:"success"`
	Updated int  `json:"updated"`
}
