package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/outpost/internal/bus"
	"github.com/matheus3301/outpost/internal/errs"
	"github.com/matheus3301/outpost/internal/remote"
	"github.com/matheus3301/outpost/internal/status"
	"github.com/matheus3301/outpost/internal/store"
	"go.uber.org/zap"
)

// CheckpointLastReceipt records when an inbound receipt was last applied.
const CheckpointLastReceipt = "ingest.last_receipt_at"

// Engine folds changes made on other devices into the local store.
// It subscribes to "remote." events on the bus and processes them in order.
type Engine struct {
	db          *store.DB
	bus         *bus.Bus
	checkpoints *Reconciler
	logger      *zap.Logger
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:          db,
		bus:         b,
		checkpoints: NewReconciler(db, logger),
		logger:      logger,
	}
}

// Start subscribes to inbound remote events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("remote.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return
				}
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Follow forwards changes observed on the backend onto the bus.
func (e *Engine) Follow(ctx context.Context, w remote.Watcher) error {
	return w.Watch(ctx, func(env remote.Envelope) {
		switch {
		case env.Receipt != nil:
			e.bus.Publish(bus.NewEvent(bus.KindRemoteReceipt, *env.Receipt))
		case env.Message != nil:
			e.bus.Publish(bus.NewEvent(bus.KindRemoteMessage, *env.Message))
		}
	})
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindRemoteReceipt:
		r, ok := evt.Payload.(remote.Receipt)
		if !ok {
			return
		}
		if err := e.ApplyReceipt(ctx, r); err != nil {
			e.logger.Error("failed to apply receipt", zap.Error(err), zap.String("msg_id", r.MessageID))
		}
	case bus.KindRemoteMessage:
		m, ok := evt.Payload.(remote.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(ctx, m); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", m.ID))
		}
	}
}

// ApplyReceipt adds the participant to the message's receipt set. Receipts
// for messages that no longer exist locally are dropped.
func (e *Engine) ApplyReceipt(ctx context.Context, r remote.Receipt) error {
	var (
		m   *store.Message
		err error
	)
	switch r.Field {
	case remote.ReadBy:
		m, err = e.db.MarkRead(ctx, r.MessageID, r.ParticipantID)
	case remote.DeliveredTo:
		m, err = e.db.MarkDelivered(ctx, r.MessageID, r.ParticipantID)
	default:
		return errs.InvalidArgument("apply receipt", fmt.Sprintf("unknown set field %q", r.Field))
	}
	if errs.IsNotFound(err) {
		e.logger.Debug("receipt for unknown message", zap.String("msg_id", r.MessageID))
		return nil
	}
	if err != nil {
		return err
	}

	if err := e.checkpoints.Touch(ctx, CheckpointLastReceipt); err != nil {
		e.logger.Warn("failed to record receipt checkpoint", zap.Error(err))
	}
	e.bus.Publish(bus.NewEvent(bus.KindReceiptApplied, m))
	return nil
}

// IngestMessage applies a message written by another device (idempotent).
// The chat row is created if this device has not seen it yet.
func (e *Engine) IngestMessage(ctx context.Context, rm remote.Message) error {
	if err := e.db.EnsureChat(ctx, rm.ChatID, rm.SenderID); err != nil {
		return fmt.Errorf("ensure chat: %w", err)
	}

	msg := &store.Message{
		ID:             rm.ID,
		ChatID:         rm.ChatID,
		SenderID:       rm.SenderID,
		SenderName:     rm.SenderName,
		Content:        rm.Content,
		Kind:           store.Kind(rm.Kind),
		ImageRef:       rm.ImageRef,
		CreatedAt:      rm.CreatedAt,
		SyncStatus:     status.Synced,
		DeliveryStatus: status.Delivery(rm.DeliveryStatus),
	}
	if err := e.db.Upsert(ctx, msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	e.bus.Publish(bus.NewEvent(bus.KindMessageUpserted, map[string]string{
		"chat_id": msg.ChatID,
		"msg_id":  msg.ID,
	}))
	return nil
}
