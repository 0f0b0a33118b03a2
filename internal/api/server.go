// Package api exposes the engine to outpostctl over gRPC.
package api

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/outpost/internal/bus"
	"github.com/matheus3301/outpost/internal/core"
	"github.com/matheus3301/outpost/internal/errs"
	"github.com/matheus3301/outpost/internal/observability"
	"github.com/matheus3301/outpost/internal/store"
)

// Server implements OutpostServer on top of the core facade.
type Server struct {
	core   *core.Core
	bus    *bus.Bus
	logger *zap.Logger
}

// NewServer creates the gRPC service implementation.
func NewServer(c *core.Core, b *bus.Bus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{core: c, bus: b, logger: logger}
}

// NewGRPCServer creates a grpc.Server with srv registered and the metrics
// and logging interceptors installed.
func NewGRPCServer(srv OutpostServer, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		observability.GRPCServerMetricsUnaryInterceptor(),
		loggingInterceptor(logger),
	))
	RegisterOutpostServer(s, srv)
	return s
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			code := grpcstatus.Code(err)
			if code == codes.Internal || code == codes.Unknown {
				logger.Error("rpc failed", zap.String("method", info.FullMethod), zap.Error(err))
			} else {
				logger.Debug("rpc rejected", zap.String("method", info.FullMethod), zap.Error(err))
			}
		}
		return resp, err
	}
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return grpcstatus.Error(codes.Canceled, err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}
	var code codes.Code
	switch errs.CodeOf(err) {
	case errs.CodeNotFound:
		code = codes.NotFound
	case errs.CodeInvalidArgument:
		code = codes.InvalidArgument
	case errs.CodeConstraint:
		code = codes.AlreadyExists
	case errs.CodePersistence:
		code = codes.Internal
	case errs.CodeSync:
		code = codes.Unavailable
	default:
		code = codes.Unknown
	}
	return grpcstatus.Error(code, err.Error())
}

func decode[T any](in *structpb.Struct) (T, error) {
	var req T
	if err := fromStruct(in, &req); err != nil {
		return req, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	return req, nil
}

func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(v)
	if err != nil {
		return nil, grpcstatus.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) SubmitText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[SubmitTextRequest](in)
	if err != nil {
		return nil, err
	}
	m, err := s.core.SubmitText(ctx, req.ChatID, req.Text)
	return reply(MessageResponse{Message: m}, err)
}

func (s *Server) SubmitImage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[SubmitImageRequest](in)
	if err != nil {
		return nil, err
	}
	m, err := s.core.SubmitImage(ctx, req.ChatID, req.ImageRef)
	return reply(MessageResponse{Message: m}, err)
}

func (s *Server) LoadMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[LoadMessagesRequest](in)
	if err != nil {
		return nil, err
	}
	msgs, err := s.core.LoadMessages(ctx, req.ChatID, req.Limit)
	return reply(MessagesResponse{Messages: msgs}, err)
}

func (s *Server) MarkDelivered(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[ReceiptRequest](in)
	if err != nil {
		return nil, err
	}
	return reply(empty{}, s.core.MarkDelivered(ctx, req.ChatID, req.MessageID, req.ParticipantID))
}

func (s *Server) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[ReceiptRequest](in)
	if err != nil {
		return nil, err
	}
	return reply(empty{}, s.core.MarkRead(ctx, req.ChatID, req.MessageID, req.ParticipantID))
}

func (s *Server) MarkAllRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[MarkAllReadRequest](in)
	if err != nil {
		return nil, err
	}
	ids, err := s.core.MarkAllRead(ctx, req.ChatID, req.ParticipantID)
	return reply(MarkAllReadResponse{MessageIDs: ids}, err)
}

func (s *Server) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[SearchRequest](in)
	if err != nil {
		return nil, err
	}
	hits, err := s.core.SearchChat(ctx, req.ChatID, req.Query, req.Limit)
	return reply(SearchResponse{Results: hits}, err)
}

func (s *Server) UpsertChat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	chat, err := decode[store.Chat](in)
	if err != nil {
		return nil, err
	}
	if err := s.core.UpsertChat(ctx, &chat); err != nil {
		return nil, toStatus(err)
	}
	return reply(ChatResponse{Chat: &chat}, nil)
}

func (s *Server) ListChats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[ListChatsRequest](in)
	if err != nil {
		return nil, err
	}
	chats, err := s.core.ListChats(ctx, req.Limit, req.Offset)
	return reply(ChatsResponse{Chats: chats}, err)
}

func (s *Server) Recover(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.core.Recover(ctx)
	return reply(RecoverResponse{Enqueued: n}, err)
}

func (s *Server) SetReachable(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decode[SetReachableRequest](in)
	if err != nil {
		return nil, err
	}
	t := s.core.SetReachable(ctx, req.Online)
	return reply(SetReachableResponse{Online: req.Online, Changed: t != nil}, nil)
}

func (s *Server) Status(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.core.Status(ctx)
	return reply(st, err)
}

// WatchEvents streams bus events whose kind starts with the requested
// prefix until the client goes away.
func (s *Server) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	req, err := decode[WatchRequest](in)
	if err != nil {
		return err
	}
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	ctx := stream.Context()
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			out, err := s.encodeEvent(evt)
			if err != nil {
				s.logger.Warn("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) encodeEvent(evt bus.Event) (*structpb.Struct, error) {
	e := Event{ID: uuid.NewString(), Kind: evt.Kind, TimestampMs: evt.Timestamp.UnixMilli()}
	if evt.Payload != nil {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return nil, err
		}
		e.Payload = raw
	}
	return toStruct(e)
}
