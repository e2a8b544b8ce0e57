package engine

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/aperturehq/lenstalk/internal/backend"
	"github.com/aperturehq/lenstalk/internal/bus"
	"github.com/aperturehq/lenstalk/internal/cache"
	"github.com/aperturehq/lenstalk/internal/call"
	"github.com/aperturehq/lenstalk/internal/config"
	"github.com/aperturehq/lenstalk/internal/directory"
	"github.com/aperturehq/lenstalk/internal/lock"
	"github.com/aperturehq/lenstalk/internal/logging"
	"github.com/aperturehq/lenstalk/internal/media"
	"github.com/aperturehq/lenstalk/internal/mic"
	"github.com/aperturehq/lenstalk/internal/sched"
	"github.com/aperturehq/lenstalk/internal/session"
	"github.com/aperturehq/lenstalk/internal/store"
	"github.com/aperturehq/lenstalk/internal/thread"
	"github.com/aperturehq/lenstalk/internal/transport"
	"github.com/aperturehq/lenstalk/internal/typing"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
}

// Module returns the fx module for the engine, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideScheduler,
			provideLock,
			provideStore,
			provideBackend,
			provideIdentity,
			provideGuard,
			provideTransport,
			provideThread,
			provideTyping,
			provideAttachments,
			provideRecorder,
			provideCallManager,
			provideDirectory,
			provideRouter,
			provideCacheWriter,
			NewEngine,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideScheduler() sched.Scheduler {
	return sched.New(clockwork.NewRealClock())
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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
	logger.Info("offline cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(cfg *config.Config, logger *zap.Logger) (*backend.HTTP, error) {
	return backend.NewHTTP(cfg.APIBaseURL, cfg.AuthToken, logger)
}

func provideIdentity(cfg *config.Config, api *backend.HTTP, logger *zap.Logger) (backend.Identity, error) {
	if cfg.UserID != "" {
		return backend.Identity{UserID: cfg.UserID, DisplayName: cfg.DisplayName}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := api.Me(ctx)
	if err != nil {
		return backend.Identity{}, err
	}
	logger.Info("identity resolved", zap.String("user_id", id.UserID))
	return *id, nil
}

func provideGuard() *mic.Guard {
	return &mic.Guard{}
}

func provideTransport(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *transport.Channel {
	return transport.New(cfg.SocketURL, b, logger)
}

func provideThread(id backend.Identity, api *backend.HTTP, db *store.DB, b *bus.Bus, logger *zap.Logger) *thread.Engine {
	return thread.NewEngine(id, api, api, db, b, logger)
}

func provideTyping(id backend.Identity, ch *transport.Channel, s sched.Scheduler, b *bus.Bus, logger *zap.Logger) *typing.Coordinator {
	return typing.NewCoordinator(id, ch, s, b, logger)
}

func provideAttachments(cfg *config.Config, api *backend.HTTP, logger *zap.Logger) *media.AttachmentPipeline {
	return media.NewAttachmentPipeline(api, cfg.MaxAttachmentBytes, logger)
}

func provideRecorder(api *backend.HTTP, guard *mic.Guard, s sched.Scheduler, b *bus.Bus, logger *zap.Logger) *media.Recorder {
	return media.NewRecorder(media.NewArecordMicrophone(logger), guard, api, s, b, logger)
}

func provideCallManager(id backend.Identity, cfg *config.Config, ch *transport.Channel, guard *mic.Guard, b *bus.Bus, logger *zap.Logger) *call.Manager {
	devices := call.NewPionDevices(call.ArecordOpenSource, call.PCMUCodec, logger)
	factory := call.NewPionFactory(cfg.STUNServers, logger)
	return call.NewManager(id, devices, factory, ch, guard, b, logger)
}

func provideDirectory(id backend.Identity, api *backend.HTTP, ch *transport.Channel, db *store.DB, th *thread.Engine, ty *typing.Coordinator, b *bus.Bus, logger *zap.Logger) *directory.Directory {
	return directory.New(id, api, api, ch, db, th, ty, b, logger)
}

func provideRouter(th *thread.Engine, dir *directory.Directory, ty *typing.Coordinator, calls *call.Manager, logger *zap.Logger) *Router {
	return NewRouter(th, dir, ty, calls, logger)
}

func provideCacheWriter(db *store.DB, b *bus.Bus, logger *zap.Logger) *cache.Writer {
	return cache.NewWriter(db, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, eng *Engine, router *Router, writer *cache.Writer, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Cache writer first so nothing observed is lost.
			writer.Start(context.Background())

			eng.Transport.AddHandler(router.Route)
			if err := eng.Transport.Connect(context.Background()); err != nil {
				// Reconnect loop keeps trying; offline boots serve the cache.
				logger.Warn("socket connect failed, continuing offline", zap.Error(err))
			}

			go func() {
				if err := eng.Directory.Load(context.Background()); err != nil {
					logger.Warn("initial conversation list load failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			// Resource teardown order: live devices first, then transport,
			// then storage.
			eng.Recorder.Close()
			eng.Calls.HangUp()
			eng.Typing.Detach()
			writer.Stop()
			eng.Transport.Disconnect()
			if err := db.Close(); err != nil {
				logger.Warn("error closing offline cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("engine stopped")
			return nil
		},
	})
}
