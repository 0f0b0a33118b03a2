// Package remote defines the contract of the remote message store and its
// implementations. Every write is idempotent by id: repeating a call with
// the same arguments leaves the remote state unchanged.
package remote

import (
	"context"
	"errors"
)

// ErrUnreachable is returned when the backend cannot be contacted.
var ErrUnreachable = errors.New("remote backend unreachable")

// SetField names a per-message receipt set.
type SetField string

const (
	ReadBy      SetField = "readBy"
	DeliveredTo SetField = "deliveredTo"
)

// Valid reports whether f is a known receipt set.
func (f SetField) Valid() bool {
	return f == ReadBy || f == DeliveredTo
}

// Fields are the immutable message fields written remotely. Receipt sets
// are not part of a message write; they only grow through AppendToSet.
type Fields struct {
	ChatID         string `redis:"chat_id" json:"chat_id"`
	SenderID       string `redis:"sender_id" json:"sender_id"`
	SenderName     string `redis:"sender_name" json:"sender_name"`
	Content        string `redis:"content" json:"content"`
	Kind           string `redis:"kind" json:"kind"`
	ImageRef       string `redis:"image_ref" json:"image_ref,omitempty"`
	CreatedAt      int64  `redis:"created_at" json:"created_at"`
	DeliveryStatus string `redis:"delivery_status" json:"delivery_status"`
}

// Snapshot is a chat's denormalized last message.
type Snapshot struct {
	Content   string `redis:"content" json:"content"`
	SenderID  string `redis:"sender_id" json:"sender_id"`
	Timestamp int64  `redis:"timestamp" json:"timestamp"`
}

// Receipt records that a participant joined a message's receipt set.
type Receipt struct {
	MessageID     string   `json:"message_id"`
	Field         SetField `json:"field"`
	ParticipantID string   `json:"participant_id"`
}

// Message is a message as seen by other devices.
type Message struct {
	ID string `json:"id"`
	Fields
}

// Envelope is one inbound change observed on the backend.
type Envelope struct {
	Message *Message `json:"message,omitempty"`
	Receipt *Receipt `json:"receipt,omitempty"`
}

// Backend is the remote store the sync adapter pushes to.
type Backend interface {
	WriteMessage(ctx context.Context, id string, f Fields) error
	WriteChatLastMessage(ctx context.Context, chatID string, s Snapshot) error
	AppendToSet(ctx context.Context, messageID string, field SetField, participantID string) error
	SetPresence(ctx context.Context, userID string, online bool) error
	Ping(ctx context.Context) error
}

// Watcher streams inbound changes until ctx is cancelled.
type Watcher interface {
	Watch(ctx context.Context, fn func(Envelope)) error
}
