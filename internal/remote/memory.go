package remote

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrInjected is returned by Memory for failures queued with FailNext.
var ErrInjected = errors.New("injected remote failure")

// Memory is an in-process Backend. It supports failure injection and
// reachability toggling, and records how often each operation was called.
type Memory struct {
	mu        sync.Mutex
	reachable bool
	failNext  map[string]int

	messages map[string]Fields
	sets     map[string]map[SetField][]string
	last     map[string]Snapshot
	presence map[string]bool
	calls    map[string]int

	watchers map[int]func(Envelope)
	nextID   int
	onCall   func(op, key string)
}

// Operation names used by FailNext, Calls and OnCall.
const (
	OpWriteMessage     = "write_message"
	OpWriteLastMessage = "write_last_message"
	OpAppendToSet      = "append_to_set"
	OpSetPresence      = "set_presence"
	OpPing             = "ping"
)

// NewMemory returns a reachable, empty backend.
func NewMemory() *Memory {
	return &Memory{
		reachable: true,
		failNext:  make(map[string]int),
		messages:  make(map[string]Fields),
		sets:      make(map[string]map[SetField][]string),
		last:      make(map[string]Snapshot),
		presence:  make(map[string]bool),
		calls:     make(map[string]int),
		watchers:  make(map[int]func(Envelope)),
	}
}

// SetReachable toggles whether every call fails with ErrUnreachable.
func (m *Memory) SetReachable(reachable bool) {
	m.mu.Lock()
	m.reachable = reachable
	m.mu.Unlock()
}

// FailNext makes the next n calls of op fail with ErrInjected.
func (m *Memory) FailNext(op string, n int) {
	m.mu.Lock()
	m.failNext[op] += n
	m.mu.Unlock()
}

// OnCall registers a hook run at the start of every call, outside the lock.
func (m *Memory) OnCall(fn func(op, key string)) {
	m.mu.Lock()
	m.onCall = fn
	m.mu.Unlock()
}

func (m *Memory) enter(op, key string) error {
	m.mu.Lock()
	hook := m.onCall
	m.mu.Unlock()
	if hook != nil {
		hook(op, key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[op]++
	if !m.reachable {
		return ErrUnreachable
	}
	if m.failNext[op] > 0 {
		m.failNext[op]--
		return ErrInjected
	}
	return nil
}

func (m *Memory) WriteMessage(ctx context.Context, id string, f Fields) error {
	if err := m.enter(OpWriteMessage, id); err != nil {
		return err
	}
	m.mu.Lock()
	m.messages[id] = f
	m.addLocked(id, ReadBy, f.SenderID)
	m.addLocked(id, DeliveredTo, f.SenderID)
	m.mu.Unlock()
	m.Publish(Envelope{Message: &Message{ID: id, Fields: f}})
	return nil
}

func (m *Memory) WriteChatLastMessage(ctx context.Context, chatID string, s Snapshot) error {
	if err := m.enter(OpWriteLastMessage, chatID); err != nil {
		return err
	}
	m.mu.Lock()
	if cur, ok := m.last[chatID]; !ok || cur.Timestamp <= s.Timestamp {
		m.last[chatID] = s
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) AppendToSet(ctx context.Context, messageID string, field SetField, participantID string) error {
	if err := m.enter(OpAppendToSet, messageID); err != nil {
		return err
	}
	m.mu.Lock()
	added := m.addLocked(messageID, field, participantID)
	m.mu.Unlock()
	if added {
		m.Publish(Envelope{Receipt: &Receipt{MessageID: messageID, Field: field, ParticipantID: participantID}})
	}
	return nil
}

func (m *Memory) SetPresence(ctx context.Context, userID string, online bool) error {
	if err := m.enter(OpSetPresence, userID); err != nil {
		return err
	}
	m.mu.Lock()
	m.presence[userID] = online
	m.mu.Unlock()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.enter(OpPing, "")
}

// Watch registers fn until ctx is cancelled.
func (m *Memory) Watch(ctx context.Context, fn func(Envelope)) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = fn
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}()
	return nil
}

// Publish delivers env to every watcher, simulating a change made by
// another device.
func (m *Memory) Publish(env Envelope) {
	m.mu.Lock()
	fns := make([]func(Envelope), 0, len(m.watchers))
	for _, fn := range m.watchers {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

func (m *Memory) addLocked(id string, field SetField, participant string) bool {
	sets, ok := m.sets[id]
	if !ok {
		sets = make(map[SetField][]string)
		m.sets[id] = sets
	}
	if slices.Contains(sets[field], participant) {
		return false
	}
	sets[field] = append(sets[field], participant)
	slices.Sort(sets[field])
	return true
}

// Message returns the stored fields for id.
func (m *Memory) Message(id string) (Fields, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.messages[id]
	return f, ok
}

// MessageCount returns the number of distinct messages stored.
func (m *Memory) MessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// Set returns a copy of a message's receipt set.
func (m *Memory) Set(id string, field SetField) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sets[id][field])
}

// LastMessage returns the chat's last-message snapshot.
func (m *Memory) LastMessage(chatID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.last[chatID]
	return s, ok
}

// Presence returns the last online flag written for userID.
func (m *Memory) Presence(userID string) (online, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	online, ok = m.presence[userID]
	return online, ok
}

// Calls returns how many times op was invoked, failures included.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}
