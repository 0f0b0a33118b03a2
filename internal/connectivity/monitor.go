// Package connectivity tracks whether the remote backend is reachable and
// drives recovery and presence on transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/outpost/internal/bus"
	"github.com/matheus3301/outpost/internal/observability"
)

// Recoverer re-enqueues unsynced messages.
type Recoverer interface {
	RecoverPending(ctx context.Context) (int, error)
}

// PresenceSetter records the local user's online flag remotely.
type PresenceSetter interface {
	SetPresence(ctx context.Context, userID string, online bool) error
}

// Listener observes reachability. Listeners run outside the monitor's
// locks, one at a time and in state order, so a listener may call Update,
// Subscribe or an unsubscribe func. Notifications raised from inside a
// listener are delivered after it returns. Likewise a concurrent Update may
// return before its notifications reach listeners; the caller already
// draining delivers them.
type Listener func(online bool)

// Transition describes an actual state change. Presence and Recovery each
// deliver one result and are then closed; callers may ignore them. Recovery
// is closed without a value on a transition to offline.
type Transition struct {
	Online   bool
	Presence <-chan error
	Recovery <-chan error
}

// Monitor holds the single reachability flag. It starts offline.
type Monitor struct {
	recoverer Recoverer
	presence  PresenceSetter
	userID    string
	bus       *bus.Bus
	logger    *zap.Logger
	timeout   time.Duration

	mu        sync.Mutex
	online    bool
	listeners map[int]Listener
	next      int
	// pending holds notifications in state order; whichever caller finds
	// draining unset delivers them.
	pending  []notification
	draining bool
}

type notification struct {
	id     int
	online bool
}

// NewMonitor creates a monitor. timeout bounds each presence write.
func NewMonitor(r Recoverer, p PresenceSetter, userID string, b *bus.Bus, timeout time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	observability.SetOnline(false)
	return &Monitor{
		recoverer: r,
		presence:  p,
		userID:    userID,
		bus:       b,
		logger:    logger,
		timeout:   timeout,
		listeners: make(map[int]Listener),
	}
}

// Online returns the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Update applies a platform reachability signal. Repeated identical signals
// return nil. On a change to online it starts a recovery sweep and marks
// the user online; on a change to offline it marks the user offline. Both
// run in the background and never block the caller.
func (m *Monitor) Update(ctx context.Context, reachable bool) *Transition {
	m.mu.Lock()
	if m.online == reachable {
		m.mu.Unlock()
		return nil
	}
	m.online = reachable
	for i := 0; i < m.next; i++ {
		if _, ok := m.listeners[i]; ok {
			m.pending = append(m.pending, notification{id: i, online: reachable})
		}
	}
	observability.SetOnline(reachable)
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.KindConnectivityChanged, reachable))
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", reachable))

	bg := context.WithoutCancel(ctx)
	t := &Transition{Online: reachable, Presence: m.setPresence(bg, reachable)}
	if reachable {
		t.Recovery = m.recover(bg)
	} else {
		done := make(chan error)
		close(done)
		t.Recovery = done
	}

	m.drain()
	return t
}

// Subscribe registers fn and calls it with the current state before any
// later transition.
func (m *Monitor) Subscribe(fn Listener) (unsubscribe func()) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners[id] = fn
	m.pending = append(m.pending, notification{id: id, online: m.online})
	m.mu.Unlock()

	m.drain()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// drain delivers pending notifications unless another caller already is.
// Notifications for listeners removed in the meantime are skipped.
func (m *Monitor) drain() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		n := m.pending[0]
		m.pending = m.pending[1:]
		fn, ok := m.listeners[n.id]
		if !ok {
			continue
		}
		m.mu.Unlock()
		fn(n.online)
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Monitor) setPresence(ctx context.Context, online bool) <-chan error {
	out := make(chan error, 1)
	if m.presence == nil || m.userID == "" {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		ctx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		err := m.presence.SetPresence(ctx, m.userID, online)
		if err != nil {
			m.logger.Warn("presence update failed", zap.Bool("online", online), zap.Error(err))
		}
		out <- err
	}()
	return out
}

func (m *Monitor) recover(ctx context.Context) <-chan error {
	out := make(chan error, 1)
	if m.recoverer == nil {
		close(out)
		return out
	}
	go func() {
		defer close(out)
		_, err := m.recoverer.RecoverPending(ctx)
		if err != nil {
			m.logger.Warn("recovery sweep failed", zap.Error(err))
		}
		out <- err
	}()
	return out
}
