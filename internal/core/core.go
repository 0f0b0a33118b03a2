// Package core is the application-facing surface of the engine: message
// submission, history, receipts, search and connectivity in one place.
package core

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/matheus3301/outpost/internal/connectivity"
	"github.com/matheus3301/outpost/internal/errs"
	"github.com/matheus3301/outpost/internal/outbox"
	"github.com/matheus3301/outpost/internal/remote"
	"github.com/matheus3301/outpost/internal/store"
	"github.com/matheus3301/outpost/internal/submit"
	syncengine "github.com/matheus3301/outpost/internal/sync"
)

// Options tunes search ranking and remote receipt writes.
type Options struct {
	RecencyWindow     time.Duration
	TopCorrespondents int
	CorrespondentTTL  time.Duration
	RemoteTimeout     time.Duration
}

// DefaultOptions returns a 7-day recency window and the top 5 correspondents
// cached for 10 minutes.
func DefaultOptions() Options {
	return Options{
		RecencyWindow:     7 * 24 * time.Hour,
		TopCorrespondents: 5,
		CorrespondentTTL:  10 * time.Minute,
		RemoteTimeout:     5 * time.Second,
	}
}

// Status summarizes the engine for control surfaces.
type Status struct {
	UserID        string            `json:"user_id"`
	DisplayName   string            `json:"display_name"`
	Online        bool              `json:"online"`
	SearchIndexed bool              `json:"search_indexed"`
	Chats         int64             `json:"chats"`
	Messages      int64             `json:"messages"`
	Sync          map[string]int    `json:"sync"`
	Queue         outbox.Snapshot   `json:"queue"`
	Checkpoints   map[string]string `json:"checkpoints"`
}

// Core wires the store, submission service, delivery queue and monitor.
type Core struct {
	db          *store.DB
	submit      *submit.Service
	queue       *outbox.Queue
	monitor     *connectivity.Monitor
	backend     remote.Backend
	checkpoints *syncengine.Reconciler
	clock       clockwork.Clock
	opts        Options
	logger      *zap.Logger

	correspondents *expirable.LRU[string, []string]
}

// New creates the facade. A nil clock uses the real clock.
func New(
	db *store.DB,
	sub *submit.Service,
	q *outbox.Queue,
	mon *connectivity.Monitor,
	backend remote.Backend,
	clock clockwork.Clock,
	opts Options,
	logger *zap.Logger,
) *Core {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 5 * time.Second
	}
	ttl := opts.CorrespondentTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Core{
		db:             db,
		submit:         sub,
		queue:          q,
		monitor:        mon,
		backend:        backend,
		checkpoints:    syncengine.NewReconciler(db, logger),
		clock:          clock,
		opts:           opts,
		logger:         logger,
		correspondents: expirable.NewLRU[string, []string](16, nil, ttl),
	}
}

func (c *Core) SubmitText(ctx context.Context, chatID, content string) (*store.Message, error) {
	return c.submit.SubmitText(ctx, chatID, content)
}

func (c *Core) SubmitImage(ctx context.Context, chatID, imageRef string) (*store.Message, error) {
	return c.submit.SubmitImage(ctx, chatID, imageRef)
}

// LoadMessages returns the latest limit messages of a chat, oldest first.
func (c *Core) LoadMessages(ctx context.Context, chatID string, limit int) ([]store.Message, error) {
	msgs, err := c.db.ListMessages(ctx, chatID, 0, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// MarkDelivered records that participantID received the message.
func (c *Core) MarkDelivered(ctx context.Context, chatID, messageID, participantID string) error {
	return c.receipt(ctx, chatID, messageID, participantID, remote.DeliveredTo)
}

// MarkRead records that participantID read the message, which also counts
// as delivery.
func (c *Core) MarkRead(ctx context.Context, chatID, messageID, participantID string) error {
	return c.receipt(ctx, chatID, messageID, participantID, remote.ReadBy)
}

// receipt applies the receipt locally and then mirrors it to the backend.
// The remote write is best effort; the local write is what callers observe.
func (c *Core) receipt(ctx context.Context, chatID, messageID, participantID string, field remote.SetField) error {
	op := "mark " + string(field)
	if participantID == "" {
		return errs.InvalidArgument(op, "participant id is required")
	}
	m, err := c.db.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	if chatID != "" && m.ChatID != chatID {
		return errs.InvalidArgument(op, fmt.Sprintf("message %s is not in chat %s", messageID, chatID))
	}

	if field == remote.ReadBy {
		_, err = c.db.MarkRead(ctx, messageID, participantID)
	} else {
		_, err = c.db.MarkDelivered(ctx, messageID, participantID)
	}
	if errs.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	c.mirror(ctx, messageID, participantID, field)
	return nil
}

// MarkAllRead marks every message in the chat read by participantID and
// returns the ids that changed.
func (c *Core) MarkAllRead(ctx context.Context, chatID, participantID string) ([]string, error) {
	if participantID == "" {
		return nil, errs.InvalidArgument("mark all read", "participant id is required")
	}
	ids, err := c.db.MarkAllRead(ctx, chatID, participantID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		c.mirror(ctx, id, participantID, remote.ReadBy)
	}
	return ids, nil
}

func (c *Core) mirror(ctx context.Context, messageID, participantID string, field remote.SetField) {
	if c.backend == nil || (c.monitor != nil && !c.monitor.Online()) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.RemoteTimeout)
	defer cancel()

	fields := []remote.SetField{field}
	if field == remote.ReadBy {
		fields = append(fields, remote.DeliveredTo)
	}
	for _, f := range fields {
		if err := c.backend.AppendToSet(ctx, messageID, f, participantID); err != nil {
			c.logger.Warn("remote receipt failed",
				zap.String("msg_id", messageID),
				zap.String("field", string(f)),
				zap.Error(err),
			)
			return
		}
	}
}

// Search ranks messages across every chat.
func (c *Core) Search(ctx context.Context, query string, limit int) ([]store.RankedMessage, error) {
	return c.SearchChat(ctx, "", query, limit)
}

// SearchChat ranks messages within one chat, or every chat if chatID is empty.
func (c *Core) SearchChat(ctx context.Context, chatID, query string, limit int) ([]store.RankedMessage, error) {
	top, err := c.topCorrespondents(ctx)
	if err != nil {
		c.logger.Warn("top correspondents unavailable", zap.Error(err))
	}
	return c.db.Search(ctx, query, store.RankingInputs{
		Now:               c.clock.Now(),
		RecencyWindow:     c.opts.RecencyWindow,
		TopCorrespondents: top,
		ChatID:            chatID,
		Limit:             limit,
	})
}

func (c *Core) topCorrespondents(ctx context.Context) ([]string, error) {
	user := c.submit.Identity().UserID
	if top, ok := c.correspondents.Get(user); ok {
		return top, nil
	}
	top, err := c.db.TopCorrespondents(ctx, user, c.opts.TopCorrespondents)
	if err != nil {
		return nil, err
	}
	c.correspondents.Add(user, top)
	return top, nil
}

// OnConnectivityChange registers listener; it is called at once with the
// current state and then on every transition.
func (c *Core) OnConnectivityChange(listener connectivity.Listener) (unsubscribe func()) {
	return c.monitor.Subscribe(listener)
}

func (c *Core) UpsertChat(ctx context.Context, chat *store.Chat) error {
	return c.db.UpsertChat(ctx, chat)
}

func (c *Core) ListChats(ctx context.Context, limit, offset int) ([]store.Chat, error) {
	return c.db.ListChats(ctx, limit, offset)
}

// Recover runs a recovery sweep with a fresh retry budget for every
// unsynced message.
func (c *Core) Recover(ctx context.Context) (int, error) {
	return c.queue.RecoverPending(ctx)
}

// SetReachable overrides reachability. A backend that supports toggling
// (the in-memory one) is switched as well, so the next probe agrees.
func (c *Core) SetReachable(ctx context.Context, reachable bool) *connectivity.Transition {
	if t, ok := c.backend.(interface{ SetReachable(bool) }); ok {
		t.SetReachable(reachable)
	}
	return c.monitor.Update(ctx, reachable)
}

func (c *Core) Status(ctx context.Context) (*Status, error) {
	counts, err := c.db.CountBySyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	chats, err := c.db.ChatCount(ctx)
	if err != nil {
		return nil, err
	}
	messages, err := c.db.MessageCount(ctx)
	if err != nil {
		return nil, err
	}
	checkpoints, err := c.checkpoints.Checkpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoints: %w", err)
	}

	bySync := make(map[string]int, len(counts))
	for k, v := range counts {
		bySync[string(k)] = v
	}
	self := c.submit.Identity()
	return &Status{
		UserID:        self.UserID,
		DisplayName:   self.DisplayName,
		Online:        c.monitor.Online(),
		SearchIndexed: c.db.SearchIndexed(),
		Chats:         chats,
		Messages:      messages,
		Sync:          bySync,
		Queue:         c.queue.Snapshot(),
		Checkpoints:   checkpoints,
	}, nil
}
