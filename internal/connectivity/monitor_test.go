package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/matheus3301/outpost/internal/bus"
	"github.com/matheus3301/outpost/internal/remote"
)

type countingRecoverer struct {
	calls atomic.Int32
}

func (r *countingRecoverer) RecoverPending(ctx context.Context) (int, error) {
	r.calls.Add(1)
	return 0, nil
}

func recvErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for background result")
		return nil
	}
}

func TestMonitorStartsOffline(t *testing.T) {
	m := NewMonitor(nil, nil, "", nil, 0, nil)
	if m.Online() {
		t.Fatal("monitor should start offline")
	}
	if tr := m.Update(context.Background(), false); tr != nil {
		t.Fatalf("offline to offline should not transition, got %+v", tr)
	}
}

func TestMonitorTransitions(t *testing.T) {
	rec := &countingRecoverer{}
	backend := remote.NewMemory()
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindConnectivityChanged, 4)
	defer unsub()

	m := NewMonitor(rec, backend, "alice", b, time.Second, nil)

	tr := m.Update(context.Background(), true)
	if tr == nil || !tr.Online {
		t.Fatalf("expected online transition, got %+v", tr)
	}
	if err := recvErr(t, tr.Recovery); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if err := recvErr(t, tr.Presence); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if rec.calls.Load() != 1 {
		t.Fatalf("expected one recovery, got %d", rec.calls.Load())
	}
	if online, ok := backend.Presence("alice"); !ok || !online {
		t.Fatal("expected alice online remotely")
	}

	if tr := m.Update(context.Background(), true); tr != nil {
		t.Fatal("repeated online should not transition")
	}
	if rec.calls.Load() != 1 {
		t.Fatal("repeated online must not trigger recovery")
	}

	tr = m.Update(context.Background(), false)
	if tr == nil || tr.Online {
		t.Fatalf("expected offline transition, got %+v", tr)
	}
	if err := recvErr(t, tr.Presence); err != nil {
		t.Fatalf("presence: %v", err)
	}
	if _, open := <-tr.Recovery; open {
		t.Fatal("offline transition should not run recovery")
	}
	if online, _ := backend.Presence("alice"); online {
		t.Fatal("expected alice offline remotely")
	}

	for _, want := range []bool{true, false} {
		select {
		case evt := <-events:
			if evt.Payload != want {
				t.Fatalf("event payload = %v, want %v", evt.Payload, want)
			}
		case <-time.After(time.Second):
			t.Fatal("missing connectivity event")
		}
	}
}

func TestMonitorPresenceFailureIsReported(t *testing.T) {
	backend := remote.NewMemory()
	backend.FailNext(remote.OpSetPresence, 1)
	m := NewMonitor(nil, backend, "alice", nil, time.Second, nil)

	tr := m.Update(context.Background(), true)
	if err := recvErr(t, tr.Presence); err == nil {
		t.Fatal("expected presence error")
	}
	if !m.Online() {
		t.Fatal("presence failure must not change state")
	}
}

func TestMonitorSubscribe(t *testing.T) {
	m := NewMonitor(nil, nil, "", nil, 0, nil)
	m.Update(context.Background(), true)

	var mu sync.Mutex
	var seen []bool
	unsub := m.Subscribe(func(online bool) {
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})

	m.Update(context.Background(), false)
	m.Update(context.Background(), false)
	m.Update(context.Background(), true)
	unsub()
	m.Update(context.Background(), false)

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
}

func TestMonitorListenerMaySubscribeAndUpdate(t *testing.T) {
	m := NewMonitor(nil, nil, "", nil, 0, nil)

	var mu sync.Mutex
	var outer, inner []bool
	record := func(dst *[]bool, online bool) {
		mu.Lock()
		*dst = append(*dst, online)
		mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var once sync.Once
		m.Subscribe(func(online bool) {
			record(&outer, online)
			once.Do(func() {
				m.Subscribe(func(online bool) { record(&inner, online) })
				m.Update(context.Background(), true)
			})
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener calling Subscribe and Update deadlocked")
	}

	if !m.Online() {
		t.Fatal("update from inside a listener was not applied")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(outer) != 2 || outer[0] || !outer[1] {
		t.Fatalf("outer saw %v, want [false true]", outer)
	}
	if len(inner) != 2 || inner[0] || !inner[1] {
		t.Fatalf("inner saw %v, want [false true]", inner)
	}
}

func TestProberFollowsBackend(t *testing.T) {
	backend := remote.NewMemory()
	backend.SetReachable(false)
	rec := &countingRecoverer{}
	m := NewMonitor(rec, nil, "", nil, time.Second, nil)

	states := make(chan bool, 8)
	m.Subscribe(func(online bool) { states <- online })
	<-states // current state

	clock := clockwork.NewFakeClock()
	p := NewProber(backend, m, clock, 5*time.Second, time.Second, nil)
	p.Start(context.Background())
	defer p.Stop()

	// First probe runs immediately and finds the backend down.
	waitCalls(t, backend, 1)
	if m.Online() {
		t.Fatal("unreachable backend should keep monitor offline")
	}

	backend.SetReachable(true)
	if err := clock.BlockUntilContext(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	clock.Advance(5 * time.Second)

	select {
	case online := <-states:
		if !online {
			t.Fatal("expected online")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not report online")
	}
}

func waitCalls(t *testing.T, backend *remote.Memory, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for backend.Calls(remote.OpPing) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d pings, got %d", n, backend.Calls(remote.OpPing))
		}
		time.Sleep(5 * time.Millisecond)
	}
}
