// Package outbox drains locally committed messages to the remote backend.
// A single consumer pushes one message at a time in FIFO order; failures
// are retried with capped exponential backoff until the budget runs out.
package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/outpost/internal/bus"
	"github.com/matheus3301/outpost/internal/observability"
	"github.com/matheus3301/outpost/internal/status"
	"github.com/matheus3301/outpost/internal/store"
)

// Pusher performs one push of one message.
type Pusher interface {
	Push(ctx context.Context, m *store.Message) error
}

// Store is the subset of the local store the queue reads and writes.
type Store interface {
	GetMessage(ctx context.Context, id string) (*store.Message, error)
	ListPending(ctx context.Context) ([]store.Message, error)
	UpdateStatus(ctx context.Context, id string, u store.StatusUpdate) error
}

// RetryPolicy bounds the retry schedule. The delay before retry n is
// min(Base*2^(n-1), Cap); after MaxRetries retries have failed the message
// is marked failed and left for the next recovery sweep.
type RetryPolicy struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

// DefaultRetryPolicy returns 1s base, 30s cap and five retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: time.Second, Cap: 30 * time.Second, MaxRetries: 5}
}

// Delay returns the wait before retry n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	b := p.newBackOff()
	var d time.Duration
	for range max(n, 1) {
		d = b.NextBackOff()
	}
	return d
}

func (p RetryPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Base,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.Cap,
	}
	b.Reset()
	return b
}

// RetryScheduled is the payload of a message.retry_scheduled event.
type RetryScheduled struct {
	ID      string
	Attempt int
	Delay   time.Duration
}

// Exhausted is the payload of a message.sync_exhausted event.
type Exhausted struct {
	ID       string
	Attempts int
	Err      string
}

// Snapshot is a point-in-time view of the queue.
type Snapshot struct {
	Queued    []string         `json:"queued"`
	InFlight  string           `json:"in_flight,omitempty"`
	Scheduled map[string]int64 `json:"scheduled"`
	Attempts  map[string]int   `json:"attempts"`
	Exhausted []string         `json:"exhausted"`
}

// retryState is the per-message retry bookkeeping. gen identifies the
// current timer so a timer that lost a race with Stop never acts.
type retryState struct {
	attempts  int
	backoff   *backoff.ExponentialBackOff
	timer     clockwork.Timer
	gen       uint64
	dueAt     time.Time
	exhausted bool
}

// Queue is the delivery queue.
type Queue struct {
	store  Store
	pusher Pusher
	bus    *bus.Bus
	clock  clockwork.Clock
	policy RetryPolicy
	logger *zap.Logger

	mu       sync.Mutex
	items    []string
	queued   map[string]bool
	inFlight string
	retries  map[string]*retryState
	wake     chan struct{}

	recovery singleflight.Group
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a delivery queue. A nil clock uses the real clock.
func New(s Store, p Pusher, b *bus.Bus, clock clockwork.Clock, policy RetryPolicy, logger *zap.Logger) *Queue {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if b == nil {
		b = bus.New()
	}
	return &Queue{
		store:   s,
		pusher:  p,
		bus:     b,
		clock:   clock,
		policy:  policy,
		logger:  logger,
		queued:  make(map[string]bool),
		retries: make(map[string]*retryState),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the consumer. Items enqueued before Start are kept.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	go q.loop(ctx)
}

// Stop cancels every retry timer and waits for the consumer to exit. A push
// in progress is abandoned; the message stays pending in the store.
func (q *Queue) Stop() {
	if q.cancel == nil {
		return
	}
	q.cancel()
	<-q.done

	q.mu.Lock()
	for _, st := range q.retries {
		st.stop()
	}
	q.mu.Unlock()
}

// Enqueue appends id unless it is already queued, in flight or waiting on a
// retry timer. It reports whether the id was added.
func (q *Queue) Enqueue(id string) bool {
	q.mu.Lock()
	added := q.enqueueLocked(id)
	depth := len(q.items)
	q.mu.Unlock()

	if added {
		observability.SetQueueDepth(depth)
		q.bus.Publish(bus.NewEvent(bus.KindQueueEnqueued, id))
	}
	return added
}

func (q *Queue) enqueueLocked(id string) bool {
	if id == "" || q.queued[id] || q.inFlight == id {
		return false
	}
	if st, ok := q.retries[id]; ok && st.timer != nil {
		return false
	}
	q.items = append(q.items, id)
	q.queued[id] = true
	q.signal()
	return true
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// RecoverPending clears every retry timer and attempt counter, then
// re-enqueues all pending and failed messages oldest first. Concurrent
// calls share one sweep. It returns the number of ids newly enqueued.
func (q *Queue) RecoverPending(ctx context.Context) (int, error) {
	v, err, _ := q.recovery.Do("recover", func() (any, error) {
		return q.recoverPending(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (q *Queue) recoverPending(ctx context.Context) (int, error) {
	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return 0, err
	}

	for _, m := range pending {
		if m.SyncStatus != status.Failed {
			continue
		}
		if err := q.store.UpdateStatus(ctx, m.ID, store.StatusUpdate{Sync: status.Pending}); err != nil {
			q.logger.Warn("failed to reset exhausted message", zap.String("msg_id", m.ID), zap.Error(err))
		}
	}

	q.mu.Lock()
	for id, st := range q.retries {
		st.stop()
		delete(q.retries, id)
	}
	added := 0
	for _, m := range pending {
		if q.enqueueLocked(m.ID) {
			added++
		}
	}
	depth := len(q.items)
	q.mu.Unlock()

	observability.SetQueueDepth(depth)
	q.logger.Info("recovery sweep", zap.Int("pending", len(pending)), zap.Int("enqueued", added))
	q.bus.Publish(bus.NewEvent(bus.KindQueueRecovered, added))
	return added, nil
}

// Snapshot returns the current queue contents and retry bookkeeping.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Snapshot{
		Queued:    append([]string(nil), q.items...),
		InFlight:  q.inFlight,
		Scheduled: make(map[string]int64),
		Attempts:  make(map[string]int),
	}
	for id, st := range q.retries {
		s.Attempts[id] = st.attempts
		if st.timer != nil {
			s.Scheduled[id] = st.dueAt.UnixMilli()
		}
		if st.exhausted {
			s.Exhausted = append(s.Exhausted, id)
		}
	}
	slices.Sort(s.Exhausted)
	return s
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)
	for {
		id, ok := q.next()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		q.process(ctx, id)
		if ctx.Err() != nil {
			return
		}
	}
}

// next pops the head of the queue and marks it in flight.
func (q *Queue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	delete(q.queued, id)
	q.inFlight = id
	observability.SetQueueDepth(len(q.items))
	return id, true
}

func (q *Queue) process(ctx context.Context, id string) {
	m, err := q.store.GetMessage(ctx, id)
	if err != nil {
		q.fail(ctx, id, err)
		return
	}
	if m == nil || m.SyncStatus == status.Synced {
		// Deleted, or synced by another path since it was queued.
		q.succeed(id, false)
		return
	}

	start := q.clock.Now()
	err = q.pusher.Push(ctx, m)
	observability.ObservePush(err, q.clock.Since(start))
	if err != nil {
		q.fail(ctx, id, err)
		return
	}
	q.succeed(id, true)
}

func (q *Queue) succeed(id string, pushed bool) {
	q.mu.Lock()
	if st, ok := q.retries[id]; ok {
		st.stop()
		delete(q.retries, id)
	}
	q.inFlight = ""
	q.mu.Unlock()

	if pushed {
		q.logger.Info("message synced", zap.String("msg_id", id))
		q.bus.Publish(bus.NewEvent(bus.KindMessageSynced, id))
	}
}

func (q *Queue) fail(ctx context.Context, id string, cause error) {
	if ctx.Err() != nil {
		// Stopping: the message stays pending for the next start.
		q.mu.Lock()
		q.inFlight = ""
		q.mu.Unlock()
		return
	}

	q.mu.Lock()
	q.inFlight = ""
	st, ok := q.retries[id]
	if !ok {
		st = &retryState{backoff: q.policy.newBackOff()}
		q.retries[id] = st
	}
	st.attempts++
	attempt := st.attempts

	if attempt > q.policy.MaxRetries {
		st.stop()
		st.exhausted = true
		q.mu.Unlock()
		q.exhaust(ctx, id, attempt, cause)
		return
	}

	delay := st.backoff.NextBackOff()
	st.gen++
	gen := st.gen
	st.dueAt = q.clock.Now().Add(delay)
	st.timer = q.clock.AfterFunc(delay, func() { q.fire(id, gen) })
	q.mu.Unlock()

	observability.IncRetryScheduled()
	q.logger.Warn("sync failed, retry scheduled",
		zap.String("msg_id", id),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	q.bus.Publish(bus.NewEvent(bus.KindRetryScheduled, RetryScheduled{ID: id, Attempt: attempt, Delay: delay}))
}

func (q *Queue) exhaust(ctx context.Context, id string, attempts int, cause error) {
	if err := q.store.UpdateStatus(ctx, id, store.StatusUpdate{Sync: status.Failed}); err != nil {
		q.logger.Error("failed to mark message failed", zap.String("msg_id", id), zap.Error(err))
	}
	observability.IncSyncExhausted()
	q.logger.Warn("sync retries exhausted",
		zap.String("msg_id", id),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	q.bus.Publish(bus.NewEvent(bus.KindSyncExhausted, Exhausted{ID: id, Attempts: attempts, Err: cause.Error()}))
}

// fire re-enqueues id when its retry timer elapses, unless the timer was
// superseded or cancelled in the meantime.
func (q *Queue) fire(id string, gen uint64) {
	q.mu.Lock()
	st, ok := q.retries[id]
	if !ok || st.gen != gen || st.timer == nil {
		q.mu.Unlock()
		return
	}
	st.timer = nil
	added := q.enqueueLocked(id)
	depth := len(q.items)
	q.mu.Unlock()

	if added {
		observability.SetQueueDepth(depth)
		q.bus.Publish(bus.NewEvent(bus.KindQueueEnqueued, id))
	}
}

func (st *retryState) stop() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
}
