package daemon

import (
	"context"
	"path/filepath"

	"github.com/matheus3301/huddle/internal/api"
	"github.com/matheus3301/huddle/internal/bus"
	"github.com/matheus3301/huddle/internal/config"
	"github.com/matheus3301/huddle/internal/conversation"
	"github.com/matheus3301/huddle/internal/janitor"
	"github.com/matheus3301/huddle/internal/lock"
	"github.com/matheus3301/huddle/internal/logging"
	"github.com/matheus3301/huddle/internal/metrics"
	"github.com/matheus3301/huddle/internal/outbox"
	"github.com/matheus3301/huddle/internal/presence"
	"github.com/matheus3301/huddle/internal/profile"
	"github.com/matheus3301/huddle/internal/receipts"
	"github.com/matheus3301/huddle/internal/remote/sqlstore"
	"github.com/matheus3301/huddle/internal/status"
	intsync "github.com/matheus3301/huddle/internal/sync"
	"github.com/matheus3301/huddle/internal/typing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile    string
	Debug      bool
	SocketPath string         // optional override for testing; empty = use default
	Config     *config.Config // optional; nil = load from the profile's config path
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideRegistry,
			provideMetrics,
			provideLock,
			provideStore,
			provideClient,
			provideStateMachine,
			provideSender,
			provideSession,
			provideTyping,
			providePresence,
			provideTracker,
			provideEngine,
			provideJanitor,
			provideLimiterPool,
			provideServices,
			NewServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadOrDefault(profile.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), p.Profile, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func provideMetrics(reg *prometheus.Registry, b *bus.Bus) *metrics.Metrics {
	return metrics.New(reg, b.Dropped)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore opens the configured remote store. The lock is taken first
// so two daemons never migrate the same profile database.
func provideStore(p Params, cfg *config.Config, _ *lock.Lock, b *bus.Bus, logger *zap.Logger) (*sqlstore.DB, error) {
	dbPath := cfg.Remote.DSN
	if dbPath == "" {
		dbPath = profile.DBPath(p.Profile)
	}
	db, err := sqlstore.Open(filepath.Clean(dbPath), b)
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
	logger.Info("remote store initialized", zap.String("driver", cfg.Remote.Driver), zap.String("path", dbPath))
	return db, nil
}

func provideClient(db *sqlstore.DB) *sqlstore.Client {
	return db.Client()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideSender(c *sqlstore.Client, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(c, b, m, logger.Named("outbox"))
}

func provideSession(c *sqlstore.Client, sender *outbox.Sender, machine *status.Machine, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *conversation.Session {
	return conversation.NewSession(c, sender, machine, b, m, logger.Named("conversation"))
}

func provideTyping(c *sqlstore.Client, cfg *config.Config, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *typing.Controller {
	return typing.New(c, cfg.Typing.Timeout.Duration, b, m, logger.Named("typing"))
}

func providePresence(c *sqlstore.Client, cfg *config.Config, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *presence.Controller {
	return presence.New(c, cfg.Presence.Interval.Duration, b, m, logger.Named("presence"))
}

func provideTracker(c *sqlstore.Client, s *conversation.Session, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *receipts.Tracker {
	return receipts.New(c, s, cfg.Receipts.VisibilityDelay.Duration, cfg.Receipts.ClusterWindow.Duration, m, logger.Named("receipts"))
}

func provideEngine(c *sqlstore.Client, b *bus.Bus, s *conversation.Session, t *typing.Controller, pc *presence.Controller, tr *receipts.Tracker, m *metrics.Metrics, logger *zap.Logger) *intsync.Engine {
	e := intsync.NewEngine(c, s, t, pc, tr, m, logger.Named("sync"))
	e.WatchDrops(b.Dropped)
	return e
}

func provideJanitor(db *sqlstore.DB, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*janitor.Janitor, error) {
	return janitor.New(db, cfg.Janitor.Cron, cfg.Typing.Timeout.Duration, cfg.Presence.StaleAfter.Duration, m, logger.Named("janitor"))
}

func provideLimiterPool(cfg *config.Config) *api.LimiterPool {
	return api.NewLimiterPool(cfg.API.RPS, cfg.API.Burst)
}

func provideServices(p Params, c *sqlstore.Client, s *conversation.Session, t *typing.Controller, pc *presence.Controller, tr *receipts.Tracker, b *bus.Bus, logger *zap.Logger) *api.Services {
	return &api.Services{
		Session:      api.NewSessionService(p.Profile, c, s, pc, logger.Named("api")),
		Conversation: api.NewConversationService(p.Profile, s, b),
		Typing:       api.NewTypingService(s, t, c),
		Presence:     api.NewPresenceService(pc),
		Receipts:     api.NewReceiptsService(s, tr),
	}
}

type lifecycleParams struct {
	fx.In

	Config   *config.Config
	Server   *Server
	Metrics  *MetricsServer
	Lock     *lock.Lock
	DB       *sqlstore.DB
	Session  *conversation.Session
	Typing   *typing.Controller
	Presence *presence.Controller
	Tracker  *receipts.Tracker
	Engine   *intsync.Engine
	Janitor  *janitor.Janitor
	Services *api.Services
	Logger   *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, lp lifecycleParams) {
	logger := lp.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// The engine subscribes before the session loads, so it goes first.
			lp.Session.AddObserver(lp.Engine)
			lp.Session.AddObserver(lp.Typing)
			lp.Session.AddObserver(lp.Tracker)
			lp.Engine.Start()
			lp.Janitor.Start(context.Background())

			if err := lp.Metrics.Start(); err != nil {
				return err
			}

			go func() {
				if err := lp.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if email := lp.Config.User.Email; email != "" {
				if _, err := lp.Services.Session.SignIn(ctx, &api.SignInRequest{Email: email}); err != nil {
					logger.Error("auto sign-in failed", zap.Error(err), zap.String("email", email))
				}
			} else {
				logger.Info("no user configured, sign-in required")
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			lp.Presence.Stop()
			lp.Session.Close()
			lp.Typing.Close()
			lp.Tracker.Wait()
			lp.Engine.Stop()
			lp.Janitor.Stop()
			lp.Server.Stop(ctx)
			lp.Metrics.Stop(ctx)
			if err := lp.DB.Close(); err != nil {
				logger.Warn("error closing remote store", zap.Error(err))
			}
			if err := lp.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
