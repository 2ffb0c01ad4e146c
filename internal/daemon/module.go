// Package daemon composes the engine with fx: providers for every
// component, lifecycle hooks for startup and shutdown ordering.
package daemon

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/andrecp/telemirror/internal/admin"
	"github.com/andrecp/telemirror/internal/bus"
	"github.com/andrecp/telemirror/internal/checkpoint"
	"github.com/andrecp/telemirror/internal/config"
	"github.com/andrecp/telemirror/internal/crawl"
	"github.com/andrecp/telemirror/internal/listener"
	"github.com/andrecp/telemirror/internal/lock"
	"github.com/andrecp/telemirror/internal/logging"
	"github.com/andrecp/telemirror/internal/media"
	"github.com/andrecp/telemirror/internal/paths"
	"github.com/andrecp/telemirror/internal/remote"
	"github.com/andrecp/telemirror/internal/status"
	"github.com/andrecp/telemirror/internal/store"
)

// Params holds overrides passed to the fx module. Empty fields fall back
// to the defaults under ~/.telemirror.
type Params struct {
	ConfigPath string
	SocketPath string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCheckpoint,
			provideDedup,
			provideClient,
			provideEngine,
			provideScheduler,
			provideListener,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	path := p.ConfigPath
	if path == "" {
		path = paths.ConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.DBPath == "" {
		cfg.DBPath = paths.DBPath()
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = paths.MediaDir()
	}
	return cfg, nil
}

func provideLogger() (*zap.Logger, error) {
	return logging.New(paths.LogPath())
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring archive lock", zap.String("dir", paths.BaseDir()))
	l, err := lock.Acquire(paths.BaseDir())
	if err != nil {
		return nil, err
	}
	logger.Info("archive lock acquired")
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath)
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
	logger.Info("store initialized", zap.String("path", cfg.DBPath))
	return db, nil
}

func provideCheckpoint(db *store.DB) *checkpoint.Manager {
	return checkpoint.NewManager(db)
}

func provideDedup(cfg *config.Config) *media.Dedup {
	return media.New(cfg.MediaDir, cfg.Media.MaxSizeBytes)
}

func provideClient(cfg *config.Config, logger *zap.Logger) remote.Client {
	return remote.NewGatewayClient(cfg.Remote.GatewayURL, logger)
}

func provideEngine(db *store.DB, ckpt *checkpoint.Manager, client remote.Client, dedup *media.Dedup, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *crawl.Engine {
	return crawl.NewEngine(db, ckpt, client, dedup, cfg, b, logger)
}

func provideScheduler(engine *crawl.Engine, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *crawl.Scheduler {
	return crawl.NewScheduler(engine, machine, cfg.CrawlInterval(), logger)
}

func provideListener(db *store.DB, ckpt *checkpoint.Manager, client remote.Client, dedup *media.Dedup, cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *listener.Listener {
	return listener.New(db, ckpt, client, dedup, cfg, machine, b, logger)
}

func provideServer(p Params, db *store.DB, ckpt *checkpoint.Manager, engine *crawl.Engine, scheduler *crawl.Scheduler, l *listener.Listener, machine *status.Machine, logger *zap.Logger) *admin.Server {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = paths.SocketPath()
	}
	return admin.NewServer(db, ckpt, engine, scheduler, l, machine, socketPath, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *admin.Server, lk *lock.Lock, scheduler *crawl.Scheduler, l *listener.Listener, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := srv.Start(); err != nil {
				return err
			}
			_ = machine.Transition(status.Idle)

			// Scheduler first: the immediate cycle closes any gap left by
			// downtime before live events start arriving on top of it.
			scheduler.Start(context.Background())
			l.Start(context.Background())

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			l.Stop()
			scheduler.Stop()
			if err := srv.Stop(ctx); err != nil {
				logger.Warn("error stopping admin server", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
