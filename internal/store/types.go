package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/matheus3301/outpost/internal/status"
)

// Kind is the content kind of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
)

// ChatKind distinguishes one-to-one chats from groups.
type ChatKind string

const (
	ChatDirect ChatKind = "direct"
	ChatGroup  ChatKind = "group"
)

// AttachmentKind classifies derived attachment metadata.
type AttachmentKind string

const (
	AttachmentPhoto    AttachmentKind = "photo"
	AttachmentLink     AttachmentKind = "link"
	AttachmentDocument AttachmentKind = "document"
	AttachmentLocation AttachmentKind = "location"
)

// Chat is a conversation container. The engine only reads participants and
// writes the last-message snapshot.
type Chat struct {
	ID                 string   `db:"id" json:"id"`
	Kind               ChatKind `db:"kind" json:"kind"`
	Name               string   `db:"name" json:"name"`
	Participants       IDSet    `db:"participants" json:"participants"`
	Admins             IDSet    `db:"admins" json:"admins"`
	LastMessageContent string   `db:"last_message_content" json:"last_message_content"`
	LastMessageSender  string   `db:"last_message_sender" json:"last_message_sender"`
	LastMessageAt      int64    `db:"last_message_at" json:"last_message_at"`
	CreatedAt          int64    `db:"created_at" json:"created_at"`
	UpdatedAt          int64    `db:"updated_at" json:"updated_at"`
}

// Message is a single chat message. Content fields are immutable once
// created; only the status fields and receipt sets change.
type Message struct {
	ID             string          `db:"id" json:"id"`
	ChatID         string          `db:"chat_id" json:"chat_id"`
	SenderID       string          `db:"sender_id" json:"sender_id"`
	SenderName     string          `db:"sender_name" json:"sender_name"`
	Content        string          `db:"content" json:"content"`
	Kind           Kind            `db:"kind" json:"kind"`
	ImageRef       string          `db:"image_ref" json:"image_ref,omitempty"`
	CreatedAt      int64           `db:"created_at" json:"created_at"`
	SyncStatus     status.Sync     `db:"sync_status" json:"sync_status"`
	DeliveryStatus status.Delivery `db:"delivery_status" json:"delivery_status"`
	ReadBy         IDSet           `db:"read_by" json:"read_by"`
	DeliveredTo    IDSet           `db:"delivered_to" json:"delivered_to"`
}

// Preview is the text shown for m in chat lists.
func (m *Message) Preview() string {
	if m.Kind == KindImage && m.Content == "" {
		return "[image]"
	}
	return truncate(m.Content, previewLen)
}

// Attachment is metadata derived from a message for the browse surface.
type Attachment struct {
	ID        string         `db:"id" json:"id"`
	MessageID string         `db:"message_id" json:"message_id"`
	ChatID    string         `db:"chat_id" json:"chat_id"`
	Kind      AttachmentKind `db:"kind" json:"kind"`
	Locator   string         `db:"locator" json:"locator"`
	Metadata  Metadata       `db:"metadata" json:"metadata"`
	Timestamp int64          `db:"timestamp" json:"timestamp"`
}

// StatusUpdate is a partial status change. Zero fields are left untouched.
type StatusUpdate struct {
	Sync     status.Sync
	Delivery status.Delivery
}

// RankedMessage holds a search hit with its score and a highlighted snippet.
type RankedMessage struct {
	Message Message `json:"message"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
	Exact   bool    `json:"exact"`
}

// IDSet is a sorted set of participant ids persisted as a JSON array.
type IDSet []string

// NewIDSet builds a set from ids, dropping blanks and duplicates.
func NewIDSet(ids ...string) IDSet {
	out := make(IDSet, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Contains reports whether id is in the set.
func (s IDSet) Contains(id string) bool {
	_, found := slices.BinarySearch(s, id)
	return found
}

// Add returns the set with id inserted and whether it was newly added.
func (s IDSet) Add(id string) (IDSet, bool) {
	if id == "" {
		return s, false
	}
	i, found := slices.BinarySearch(s, id)
	if found {
		return s, false
	}
	return slices.Insert(slices.Clone(s), i, id), true
}

// Union returns the union of s and other.
func (s IDSet) Union(other IDSet) IDSet {
	return NewIDSet(append(slices.Clone(s), other...)...)
}

func (s IDSet) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *IDSet) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = IDSet{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan IDSet: unsupported type %T", src)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return fmt.Errorf("scan IDSet: %w", err)
	}
	*s = NewIDSet(ids...)
	return nil
}

// Metadata is free-form attachment metadata persisted as a JSON object.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = Metadata{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("scan Metadata: unsupported type %T", src)
	}
	out := Metadata{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("scan Metadata: %w", err)
	}
	*m = out
	return nil
}
