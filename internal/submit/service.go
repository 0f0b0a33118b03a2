// Package submit is the only sanctioned way to create an outbound message:
// the message is durably written before it is handed to the delivery queue.
package submit

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/outpost/internal/bus"
	"github.com/matheus3301/outpost/internal/errs"
	"github.com/matheus3301/outpost/internal/status"
	"github.com/matheus3301/outpost/internal/store"
)

// Identity is the authenticated local user.
type Identity struct {
	UserID      string
	DisplayName string
}

// Inserter durably writes a new message.
type Inserter interface {
	Insert(ctx context.Context, m *store.Message) error
}

// Enqueuer accepts message ids for delivery.
type Enqueuer interface {
	Enqueue(id string) bool
}

// Service creates messages on behalf of the local user.
type Service struct {
	store  Inserter
	queue  Enqueuer
	bus    *bus.Bus
	clock  clockwork.Clock
	self   Identity
	logger *zap.Logger

	mu     sync.Mutex
	lastTs int64
}

// New creates a submission service. A nil clock uses the real clock.
func New(s Inserter, q Enqueuer, b *bus.Bus, clock clockwork.Clock, self Identity, logger *zap.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, queue: q, bus: b, clock: clock, self: self, logger: logger}
}

// Identity returns the user messages are sent as.
func (s *Service) Identity() Identity {
	return s.self
}

// SubmitText creates a text message in chatID.
func (s *Service) SubmitText(ctx context.Context, chatID, content string) (*store.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errs.InvalidArgument("submit text", "content is required")
	}
	return s.submit(ctx, &store.Message{ChatID: chatID, Kind: store.KindText, Content: content})
}

// SubmitImage creates an image message in chatID referring to imageRef.
func (s *Service) SubmitImage(ctx context.Context, chatID, imageRef string) (*store.Message, error) {
	if strings.TrimSpace(imageRef) == "" {
		return nil, errs.InvalidArgument("submit image", "image ref is required")
	}
	return s.submit(ctx, &store.Message{ChatID: chatID, Kind: store.KindImage, ImageRef: imageRef})
}

// submit returns once the message is durable. Delivery happens in the
// background; a failed durable write queues nothing.
func (s *Service) submit(ctx context.Context, m *store.Message) (*store.Message, error) {
	if chatID := strings.TrimSpace(m.ChatID); chatID == "" {
		return nil, errs.InvalidArgument("submit", "chat id is required")
	}
	if s.self.UserID == "" {
		return nil, errs.InvalidArgument("submit", "no local identity configured")
	}

	m.ID = uuid.NewString()
	m.SenderID = s.self.UserID
	m.SenderName = s.self.DisplayName
	m.CreatedAt = s.nextTimestamp()
	m.SyncStatus = status.Pending
	m.DeliveryStatus = status.Sending
	m.ReadBy = store.NewIDSet(s.self.UserID)
	m.DeliveredTo = store.NewIDSet(s.self.UserID)

	if err := s.store.Insert(ctx, m); err != nil {
		switch errs.CodeOf(err) {
		case errs.CodeNotFound, errs.CodeInvalidArgument:
		case errs.CodeConstraint:
			s.logger.Error("duplicate message id", zap.String("msg_id", m.ID), zap.Error(err))
		case errs.CodePersistence:
			s.logger.Error("durable write failed", zap.String("chat_id", m.ChatID), zap.Error(err))
		default:
			s.logger.Error("durable write failed", zap.String("chat_id", m.ChatID), zap.Error(err))
			err = errs.Persistence("submit", err)
		}
		return nil, err
	}

	s.logger.Debug("message submitted", zap.String("msg_id", m.ID), zap.String("chat_id", m.ChatID))
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(bus.KindMessageSubmitted, m.ID))
	}
	s.queue.Enqueue(m.ID)
	return m, nil
}

// nextTimestamp returns the current time in milliseconds, bumped so that
// timestamps from this sender strictly increase even if the clock stalls or
// steps backwards.
func (s *Service) nextTimestamp() int64 {
	now := s.clock.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now <= s.lastTs {
		now = s.lastTs + 1
	}
	s.lastTs = now
	return now
}

// Seed raises the timestamp floor, typically to the newest message this
// user already has on disk.
func (s *Service) Seed(ts int64) {
	s.mu.Lock()
	if ts > s.lastTs {
		s.lastTs = ts
	}
	s.mu.Unlock()
}
