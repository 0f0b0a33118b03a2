package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/outpost/internal/store"
)

// Client talks to a daemon's Outpost service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return fromStruct(out, resp)
}

func (c *Client) SubmitText(ctx context.Context, chatID, text string) (*store.Message, error) {
	var resp MessageResponse
	err := c.call(ctx, MethodSubmitText, SubmitTextRequest{ChatID: chatID, Text: text}, &resp)
	return resp.Message, err
}

func (c *Client) SubmitImage(ctx context.Context, chatID, imageRef string) (*store.Message, error) {
	var resp MessageResponse
	err := c.call(ctx, MethodSubmitImage, SubmitImageRequest{ChatID: chatID, ImageRef: imageRef}, &resp)
	return resp.Message, err
}

func (c *Client) LoadMessages(ctx context.Context, chatID string, limit int) ([]store.Message, error) {
	var resp MessagesResponse
	err := c.call(ctx, MethodLoadMessages, LoadMessagesRequest{ChatID: chatID, Limit: limit}, &resp)
	return resp.Messages, err
}

func (c *Client) MarkDelivered(ctx context.Context, chatID, messageID, participantID string) error {
	return c.call(ctx, MethodMarkDelivered, ReceiptRequest{ChatID: chatID, MessageID: messageID, ParticipantID: participantID}, nil)
}

func (c *Client) MarkRead(ctx context.Context, chatID, messageID, participantID string) error {
	return c.call(ctx, MethodMarkRead, ReceiptRequest{ChatID: chatID, MessageID: messageID, ParticipantID: participantID}, nil)
}

func (c *Client) MarkAllRead(ctx context.Context, chatID, participantID string) ([]string, error) {
	var resp MarkAllReadResponse
	err := c.call(ctx, MethodMarkAllRead, MarkAllReadRequest{ChatID: chatID, ParticipantID: participantID}, &resp)
	return resp.MessageIDs, err
}

func (c *Client) Search(ctx context.Context, query, chatID string, limit int) ([]store.RankedMessage, error) {
	var resp SearchResponse
	err := c.call(ctx, MethodSearch, SearchRequest{Query: query, ChatID: chatID, Limit: limit}, &resp)
	return resp.Results, err
}

func (c *Client) UpsertChat(ctx context.Context, chat *store.Chat) error {
	return c.call(ctx, MethodUpsertChat, chat, nil)
}

func (c *Client) ListChats(ctx context.Context, limit, offset int) ([]store.Chat, error) {
	var resp ChatsResponse
	err := c.call(ctx, MethodListChats, ListChatsRequest{Limit: limit, Offset: offset}, &resp)
	return resp.Chats, err
}

func (c *Client) Recover(ctx context.Context) (int, error) {
	var resp RecoverResponse
	err := c.call(ctx, MethodRecover, empty{}, &resp)
	return resp.Enqueued, err
}

func (c *Client) SetReachable(ctx context.Context, online bool) (*SetReachableResponse, error) {
	var resp SetReachableResponse
	if err := c.call(ctx, MethodSetReachable, SetReachableRequest{Online: online}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, MethodStatus, empty{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WatchEvents calls fn for every event matching prefix until ctx is
// cancelled, the server ends the stream or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], FullMethod(MethodWatchEvents))
	if err != nil {
		return err
	}
	in, err := toStruct(WatchRequest{Prefix: prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt Event
		if err := fromStruct(out, &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
