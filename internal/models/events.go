package models

import "time"

type ClientEventType string

const (
	ClientEventJoin     ClientEventType = "join"
	ClientEventMarkRead ClientEventType = "mark_read"
	ClientEventTyping   ClientEventType = "typing"
)

type ServerEventType string

const (
	ServerEventNewMessage      ServerEventType = "new_message"
	ServerEventTyping          ServerEventType = "typing"
	ServerEventMessageRead     ServerEventType = "message_read"
	ServerEventPresenceOnline  ServerEventType = "presence_online"
	ServerEventPresenceOffline ServerEventType = "presence_offline"
)

// ClientEvent is written by the client to the event channel.
type ClientEvent struct {
	Type           ClientEventType `json:"type"`
	UserID         string          `json:"userId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
}

// ServerEvent is pushed by the server over the event channel.
// Which fields are set depends on Type.
type ServerEvent struct {
	Type           ServerEventType `json:"type"`
	ConversationID string          `json:"conversationId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	ReadAt         time.Time       `json:"readAt,omitempty"`
	Message        *Message        `json:"message,omitempty"`
}
