package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/analysis"
	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/bus"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/connectivity"
	"github.com/matheus3301/convsync/internal/lock"
	"github.com/matheus3301/convsync/internal/logging"
	"github.com/matheus3301/convsync/internal/outbox"
	"github.com/matheus3301/convsync/internal/profile"
	"github.com/matheus3301/convsync/internal/store"
	engine "github.com/matheus3301/convsync/internal/sync"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	// Config, when nil, is loaded from profile.ConfigPath().
	Config *config.Config
	// Backend, when set, replaces the configured remote. Used by tests.
	Backend *Backend
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideOutbox,
			provideObserver,
			provideProber,
			provideBackend,
			provideAnalysis,
			provideDrainer,
			provideRegistry,
			provideService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOrDefault(profile.ConfigPath()); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if p.Backend == nil {
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, cfg.Log.Level)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is never opened by a second
// daemon of the same profile.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideOutbox(db *store.DB, cfg *config.Config) *outbox.Queue {
	return outbox.NewQueue(db, cfg.Sync.OutboxMaxRetries)
}

func provideObserver(b *bus.Bus) *connectivity.Observer {
	return connectivity.NewObserver(false, b)
}

// provideProber returns nil when no probe address is configured.
func provideProber(cfg *config.Config, o *connectivity.Observer, logger *zap.Logger) *connectivity.Prober {
	if cfg.Remote.ProbeAddress == "" {
		return nil
	}
	return connectivity.NewProber(cfg.Remote.ProbeAddress, cfg.Remote.ProbeInterval, o, logger.Named("prober"))
}

func provideBackend(p Params, cfg *config.Config, o *connectivity.Observer, logger *zap.Logger) (*Backend, error) {
	if p.Backend != nil {
		return p.Backend, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	b, err := NewBackend(ctx, cfg, o, logger.Named("remote"))
	if err != nil {
		return nil, err
	}
	logger.Info("remote backend configured", zap.String("backend", b.Name))
	return b, nil
}

func provideAnalysis(cfg *config.Config, logger *zap.Logger) analysis.Notifier {
	if cfg.Analysis.URL == "" {
		return analysis.Nop{}
	}
	return analysis.New(cfg.Analysis.URL, cfg.Analysis.Timeout, logger.Named("analysis"))
}

func provideDrainer(q *outbox.Queue, db *store.DB, b *Backend, o *connectivity.Observer, events *bus.Bus, n analysis.Notifier, logger *zap.Logger) *outbox.Drainer {
	return outbox.NewDrainer(q, b.Remote, db, o, events, n, logger.Named("drainer"))
}

func provideRegistry(cfg *config.Config, b *Backend, db *store.DB, q *outbox.Queue, o *connectivity.Observer, events *bus.Bus, n analysis.Notifier, logger *zap.Logger) *engine.Registry {
	return engine.NewRegistry(engine.Deps{
		Remote:       b.Remote,
		Cache:        db,
		Outbox:       q,
		Connectivity: o,
		Identity:     b.Identity,
		Analyzer:     n,
		Bus:          events,
		Logger:       logger.Named("sync"),
		ReadWindow:   cfg.Sync.ReadReceiptWindow,
	})
}

func provideService(p Params, r *engine.Registry, q *outbox.Queue, o *connectivity.Observer, b *Backend, events *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(r, q, o, b.Identity, events, api.Options{Profile: p.ProfileName, Backend: b.Name}, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, backend *Backend, prober *connectivity.Prober, drainer *outbox.Drainer, registry *engine.Registry, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Components outlive the start context.
			backend.Start(context.Background())
			if prober != nil {
				prober.Start(context.Background())
			}
			drainer.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Closing the views first ends open watch streams, which would
			// otherwise hold up the graceful stop.
			registry.CloseAll()
			srv.Stop(ctx)
			drainer.Stop()
			if prober != nil {
				prober.Stop()
			}
			backend.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
