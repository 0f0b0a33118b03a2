package connectivity

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Pinger checks whether the backend answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Prober turns periodic pings into reachability signals for a Monitor.
type Prober struct {
	pinger   Pinger
	monitor  *Monitor
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProber creates a prober. A nil clock uses the real clock.
func NewProber(p Pinger, m *Monitor, clock clockwork.Clock, interval, timeout time.Duration, logger *zap.Logger) *Prober {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		pinger:   p,
		monitor:  m,
		clock:    clock,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Start probes once immediately and then on every interval.
func (p *Prober) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	ticker := p.clock.NewTicker(p.interval)

	go func() {
		defer close(p.done)
		defer ticker.Stop()
		p.Probe(ctx)
		for {
			select {
			case <-ticker.Chan():
				p.Probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops probing.
func (p *Prober) Stop() {
	if p.cancel != nil {
		p.cancel()
		<-p.done
	}
}

// Probe pings the backend once and feeds the result to the monitor.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err := p.pinger.Ping(ctx)
	if err != nil {
		p.logger.Debug("probe failed", zap.Error(err))
	}
	p.monitor.Update(ctx, err == nil)
	return err == nil
}
