package api

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/outpost/internal/core"
	"github.com/matheus3301/outpost/internal/store"
)

type SubmitTextRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type SubmitImageRequest struct {
	ChatID   string `json:"chat_id"`
	ImageRef string `json:"image_ref"`
}

type LoadMessagesRequest struct {
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit"`
}

type ReceiptRequest struct {
	ChatID        string `json:"chat_id"`
	MessageID     string `json:"message_id"`
	ParticipantID string `json:"participant_id"`
}

type MarkAllReadRequest struct {
	ChatID        string `json:"chat_id"`
	ParticipantID string `json:"participant_id"`
}

type SearchRequest struct {
	Query  string `json:"query"`
	ChatID string `json:"chat_id,omitempty"`
	Limit  int    `json:"limit"`
}

type ListChatsRequest struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type SetReachableRequest struct {
	Online bool `json:"online"`
}

// WatchRequest filters the event stream by kind prefix; empty means all.
type WatchRequest struct {
	Prefix string `json:"prefix"`
}

type MessageResponse struct {
	Message *store.Message `json:"message"`
}

type MessagesResponse struct {
	Messages []store.Message `json:"messages"`
}

type MarkAllReadResponse struct {
	MessageIDs []string `json:"message_ids"`
}

type SearchResponse struct {
	Results []store.RankedMessage `json:"results"`
}

type ChatResponse struct {
	Chat *store.Chat `json:"chat"`
}

type ChatsResponse struct {
	Chats []store.Chat `json:"chats"`
}

type RecoverResponse struct {
	Enqueued int `json:"enqueued"`
}

type SetReachableResponse struct {
	Online  bool `json:"online"`
	Changed bool `json:"changed"`
}

type StatusResponse = core.Status

// Event is one bus event on the WatchEvents stream.
type Event struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	TimestampMs int64           `json:"timestamp_ms"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type empty struct{}

// toStruct converts a JSON-serializable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return out, nil
}

// fromStruct decodes a Struct into v. A nil Struct leaves v untouched.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
