package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is a single entry of a one-to-one conversation.
// While DeliveryState is pending the ID is a local temporary token,
// afterwards it is the server-assigned id.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Content        string        `json:"content"`
	Attachments    []Attachment  `json:"attachments,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	DeliveryState  DeliveryState `json:"deliveryState,omitempty"`
}

// Conversation is read-only on the client.
type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs [2]string `json:"participantIds"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
}

// Peer returns the participant that is not userID.
func (c Conversation) Peer(userID string) string {
	if c.ParticipantIDs[0] == userID {
		return c.ParticipantIDs[1]
	}
	return c.ParticipantIDs[0]
}

type AttachmentType string

const (
	AttachmentTypeImage AttachmentType = "image"
	AttachmentTypeVideo AttachmentType = "video"
)

type Attachment struct {
	ID           string         `json:"id"`
	Type         AttachmentType `json:"type"`
	URL          string         `json:"url"`
	ThumbnailURL string         `json:"thumbnailUrl,omitempty"`
}

// ReadReceipt means the peer has read up through MessageID.
type ReadReceipt struct {
	MessageID string    `json:"messageId"`
	ReadAt    time.Time `json:"readAt"`
}

// Presence represents the online status of a user.
type Presence struct {
	Online    bool      `json:"online"`
	ChangedAt time.Time `json:"changedAt"`
}

// HistoryPage is one page of the message history endpoint.
// Messages are ordered newest first.
type HistoryPage struct {
	Messages   []Message `json:"messages"`
	NextCursor *string   `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

type SendRequest struct {
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Upload is a local file that has to go through the media collaborator
// before a message can reference it.
type Upload struct {
	Name string
	Data []byte
}

// UploadResult is what the media collaborator returns.
type UploadResult struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// Draft is the unsent input of a conversation. Attachments are already
// uploaded and can be referenced by a send as they are.
type Draft struct {
	ConversationID string       `json:"conversationId"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

func (d Draft) Empty() bool {
	return d.Content == "" && len(d.Attachments) == 0
}
