package sync

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matheus3301/outpost/internal/errs"
	"github.com/matheus3301/outpost/internal/remote"
	"github.com/matheus3301/outpost/internal/status"
	"github.com/matheus3301/outpost/internal/store"
)

// CheckpointLastPush records when a push last completed.
const CheckpointLastPush = "push.last_success_at"

// Adapter pushes a single message to the remote backend and folds the
// acknowledgement back into the local store.
type Adapter struct {
	db          *store.DB
	backend     remote.Backend
	checkpoints *Reconciler
	tracer      trace.Tracer
	logger      *zap.Logger
}

// NewAdapter creates a sync adapter. A nil tracer provider uses the global one.
func NewAdapter(db *store.DB, backend remote.Backend, tp trace.TracerProvider, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Adapter{
		db:          db,
		backend:     backend,
		checkpoints: NewReconciler(db, logger),
		tracer:      tp.Tracer("github.com/matheus3301/outpost/internal/sync"),
		logger:      logger,
	}
}

// Push writes the message remotely, then the chat's last-message snapshot,
// then marks it synced and sent locally. Any failing step is reported as a
// single SyncError; the whole push is safe to repeat.
func (a *Adapter) Push(ctx context.Context, m *store.Message) error {
	ctx, span := a.tracer.Start(ctx, "sync.push", trace.WithAttributes(
		attribute.String("message.id", m.ID),
		attribute.String("chat.id", m.ChatID),
	))
	defer span.End()

	fail := func(step string, err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, step)
		return errs.Sync(step, err)
	}

	fields := remote.Fields{
		ChatID:         m.ChatID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Kind:           string(m.Kind),
		ImageRef:       m.ImageRef,
		CreatedAt:      m.CreatedAt,
		DeliveryStatus: string(status.AdvanceDelivery(m.DeliveryStatus, status.Sent)),
	}
	if err := a.backend.WriteMessage(ctx, m.ID, fields); err != nil {
		return fail("write message", err)
	}

	snapshot := remote.Snapshot{Content: m.Preview(), SenderID: m.SenderID, Timestamp: m.CreatedAt}
	if err := a.backend.WriteChatLastMessage(ctx, m.ChatID, snapshot); err != nil {
		return fail("write chat last message", err)
	}

	if err := a.db.UpdateStatus(ctx, m.ID, store.StatusUpdate{Sync: status.Synced, Delivery: status.Sent}); err != nil {
		return fail("update local status", err)
	}

	if err := a.checkpoints.Touch(ctx, CheckpointLastPush); err != nil {
		a.logger.Warn("failed to record push checkpoint", zap.Error(err))
	}
	span.SetStatus(codes.Ok, "")
	return nil
}
