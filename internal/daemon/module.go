// Package daemon wires the engine into an fx application: the store, the
// delivery queue, connectivity probing, the remote follower and the gRPC
// and HTTP surfaces.
package daemon

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/outpost/internal/api"
	"github.com/matheus3301/outpost/internal/bus"
	"github.com/matheus3301/outpost/internal/config"
	"github.com/matheus3301/outpost/internal/connectivity"
	"github.com/matheus3301/outpost/internal/core"
	"github.com/matheus3301/outpost/internal/httpapi"
	"github.com/matheus3301/outpost/internal/lock"
	"github.com/matheus3301/outpost/internal/logging"
	"github.com/matheus3301/outpost/internal/outbox"
	"github.com/matheus3301/outpost/internal/remote"
	"github.com/matheus3301/outpost/internal/session"
	"github.com/matheus3301/outpost/internal/store"
	"github.com/matheus3301/outpost/internal/submit"
	intsync "github.com/matheus3301/outpost/internal/sync"
	"github.com/matheus3301/outpost/internal/telemetry"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	Dir        string           // optional override for testing; empty = session.Dir(Profile)
	SocketPath string           // optional override; empty = <dir>/daemon.sock
	Settings   *config.Settings // nil = load <dir>/outpost.toml
	Clock      clockwork.Clock  // nil = real clock
}

func (p Params) dir() string {
	if p.Dir != "" {
		return p.Dir
	}
	return session.Dir(p.Profile)
}

func (p Params) socketPath() string {
	if p.SocketPath != "" {
		return p.SocketPath
	}
	if p.Dir != "" {
		return filepath.Join(p.Dir, "daemon.sock")
	}
	return session.SocketPath(p.Profile)
}

func (p Params) dbPath() string {
	if p.Dir != "" {
		return filepath.Join(p.Dir, "outpost.db")
	}
	return session.DBPath(p.Profile)
}

func (p Params) logPath() string {
	if p.Dir != "" {
		return filepath.Join(p.Dir, "logs", "outpostd.log")
	}
	return session.LogPath(p.Profile)
}

func (p Params) settingsPath() string {
	if p.Dir != "" {
		return filepath.Join(p.Dir, "outpost.toml")
	}
	return session.SettingsPath(p.Profile)
}

// Remote is a backend that also streams changes made by other devices.
type Remote interface {
	remote.Backend
	remote.Watcher
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideSettings,
			provideClock,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideTracer,
			provideAdapter,
			provideQueue,
			provideSyncEngine,
			provideSubmit,
			provideMonitor,
			provideProber,
			provideCore,
			api.NewServer,
			NewServer,
			provideHTTP,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.logPath(), p.Profile)
}

func provideSettings(p Params, logger *zap.Logger) (*config.Settings, error) {
	if p.Settings != nil {
		return p.Settings, p.Settings.Validate()
	}
	path := p.settingsPath()
	s, err := config.LoadSettings(path)
	if err != nil {
		return nil, err
	}
	logger.Info("settings loaded", zap.String("path", path), zap.String("backend", s.Remote.Backend))
	return s, nil
}

func provideClock(p Params) clockwork.Clock {
	if p.Clock != nil {
		return p.Clock
	}
	return clockwork.NewRealClock()
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(p.dir())
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second
// daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.dbPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	if err := db.EnsureSearchIndex(context.Background()); err != nil {
		logger.Warn("full-text index unavailable, falling back to substring search", zap.Error(err))
	}
	logger.Info("store initialized", zap.String("path", dbPath), zap.Bool("search_indexed", db.SearchIndexed()))
	return db, nil
}

func provideRemote(s *config.Settings, logger *zap.Logger) Remote {
	switch s.Remote.Backend {
	case config.BackendRedis:
		logger.Info("using redis backend", zap.String("addr", s.Remote.Addr))
		return remote.NewRedis(remote.RedisOptions{
			Addr:      s.Remote.Addr,
			Password:  s.Remote.Password,
			DB:        s.Remote.DB,
			KeyPrefix: s.Remote.KeyPrefix,
		}, logger)
	default:
		logger.Info("using in-memory backend")
		return remote.NewMemory()
	}
}

func provideTracer(p Params, s *config.Settings, logger *zap.Logger) (*telemetry.Provider, error) {
	return telemetry.New(telemetry.Options{
		ServiceName: "outpostd",
		Profile:     p.Profile,
		Stdout:      s.Telemetry.TraceStdout,
	}, logger)
}

func provideAdapter(db *store.DB, r Remote, tp *telemetry.Provider, logger *zap.Logger) *intsync.Adapter {
	return intsync.NewAdapter(db, r, tp.TracerProvider, logger.Named("sync"))
}

func provideQueue(db *store.DB, a *intsync.Adapter, b *bus.Bus, clock clockwork.Clock, s *config.Settings, logger *zap.Logger) *outbox.Queue {
	policy := outbox.RetryPolicy{
		Base:       s.Queue.RetryBase.Std(),
		Cap:        s.Queue.RetryCap.Std(),
		MaxRetries: s.Queue.MaxRetries,
	}
	return outbox.New(db, a, b, clock, policy, logger.Named("queue"))
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger.Named("ingest"))
}

func provideSubmit(db *store.DB, q *outbox.Queue, b *bus.Bus, clock clockwork.Clock, s *config.Settings, logger *zap.Logger) (*submit.Service, error) {
	self := submit.Identity{UserID: s.Identity.UserID, DisplayName: s.Identity.DisplayName}
	svc := submit.New(db, q, b, clock, self, logger.Named("submit"))
	last, err := db.LatestSentAt(context.Background(), self.UserID)
	if err != nil {
		return nil, err
	}
	svc.Seed(last)
	return svc, nil
}

func provideMonitor(q *outbox.Queue, r Remote, b *bus.Bus, s *config.Settings, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(q, r, s.Identity.UserID, b, s.Connectivity.ProbeTimeout.Std(), logger.Named("connectivity"))
}

func provideProber(r Remote, m *connectivity.Monitor, clock clockwork.Clock, s *config.Settings, logger *zap.Logger) *connectivity.Prober {
	return connectivity.NewProber(r, m, clock, s.Connectivity.ProbeInterval.Std(), s.Connectivity.ProbeTimeout.Std(), logger.Named("prober"))
}

func provideCore(db *store.DB, sub *submit.Service, q *outbox.Queue, m *connectivity.Monitor, r Remote, clock clockwork.Clock, s *config.Settings, logger *zap.Logger) *core.Core {
	opts := core.Options{
		RecencyWindow:     s.Search.RecencyWindow.Std(),
		TopCorrespondents: s.Search.TopCorrespondents,
		CorrespondentTTL:  s.Search.CorrespondentTTL.Std(),
		RemoteTimeout:     s.Connectivity.ProbeTimeout.Std(),
	}
	return core.New(db, sub, q, m, r, clock, opts, logger.Named("core"))
}

// provideHTTP returns nil when the HTTP listener is disabled.
func provideHTTP(s *config.Settings, c *core.Core, logger *zap.Logger) *httpapi.Server {
	if s.HTTP.Addr == "" {
		return nil
	}
	return httpapi.NewServer(s.HTTP.Addr, c, logger.Named("http"))
}

// follower subscribes to the backend's change stream. A backend that cannot
// be reached at startup is retried on every transition to online.
type follower struct {
	engine *intsync.Engine
	remote Remote
	logger *zap.Logger
	active atomic.Bool
}

func (f *follower) follow(ctx context.Context) {
	if !f.active.CompareAndSwap(false, true) {
		return
	}
	if err := f.engine.Follow(ctx, f.remote); err != nil {
		f.active.Store(false)
		f.logger.Warn("remote follow failed, will retry when online", zap.Error(err))
		return
	}
	f.logger.Info("following remote changes")
}

type lifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Lock      *lock.Lock
	DB        *store.DB
	Remote    Remote
	Tracer    *telemetry.Provider
	Engine    *intsync.Engine
	Queue     *outbox.Queue
	Monitor   *connectivity.Monitor
	Prober    *connectivity.Prober
	GRPC      *Server
	HTTP      *httpapi.Server
	Logger    *zap.Logger
}

func registerLifecycle(p lifecycleParams) {
	logger := p.Logger
	runCtx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	var unsubscribe func()

	f := &follower{engine: p.Engine, remote: p.Remote, logger: logger}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			var httpLis net.Listener
			if p.HTTP != nil {
				lis, err := p.HTTP.Listen()
				if err != nil {
					return fmt.Errorf("listen http: %w", err)
				}
				httpLis = lis
			}

			// Inbound changes are applied by the engine's bus subscription.
			p.Engine.Start(runCtx)
			f.follow(runCtx)
			unsubscribe = p.Monitor.Subscribe(func(online bool) {
				if online {
					go f.follow(runCtx)
				}
			})

			p.Queue.Start(runCtx)
			if n, err := p.Queue.RecoverPending(ctx); err != nil {
				logger.Error("startup recovery failed", zap.Error(err))
			} else {
				logger.Info("startup recovery", zap.Int("enqueued", n))
			}

			g.Go(func() error {
				if err := p.GRPC.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
					return err
				}
				return nil
			})

			if httpLis != nil {
				g.Go(func() error {
					if err := p.HTTP.Serve(httpLis); err != nil {
						logger.Error("HTTP server error", zap.Error(err))
						return err
					}
					return nil
				})
			}

			p.Prober.Start(runCtx)
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Prober.Stop()
			if unsubscribe != nil {
				unsubscribe()
			}
			p.Queue.Stop()
			cancel()
			p.Engine.Stop()

			p.GRPC.Stop(ctx)
			if p.HTTP != nil {
				if err := p.HTTP.Shutdown(ctx); err != nil {
					logger.Warn("HTTP shutdown", zap.Error(err))
				}
			}
			_ = g.Wait()

			if err := p.Tracer.Shutdown(ctx); err != nil {
				logger.Warn("tracer shutdown", zap.Error(err))
			}
			if c, ok := p.Remote.(interface{ Close() error }); ok {
				_ = c.Close()
			}
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
