package appwatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pkt.systems/appwatch/httpapi"
	"pkt.systems/appwatch/internal/appstore"
	"pkt.systems/appwatch/internal/command"
	"pkt.systems/appwatch/internal/metrics"
	"pkt.systems/appwatch/internal/monitor"
	"pkt.systems/appwatch/internal/notify"
	"pkt.systems/appwatch/internal/persist"
	"pkt.systems/appwatch/internal/telegram"
	"pkt.systems/appwatch/schema"
	"pkt.systems/pslog"
)

// Server composes the Telegram bot, the update checker and the health endpoint.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	DataDir             string
	Telegram            telegram.Config
	Lookup              appstore.Config
	Notify              notify.Config
	Monitor             monitor.Config
	Command             command.HandlerConfig
	HTTPAddr            string
	DisableAuditLogging bool
}

// Services bundles the long-lived components shared by the bot and the checker.
type Services struct {
	Store    *persist.Store
	Lookup   *appstore.Client
	Notifier *notify.Dispatcher
	Metrics  *metrics.Metrics
}

// NewServices opens the data directory and builds the shared components.
func NewServices(ctx context.Context, cfg ServerConfig) (*Services, error) {
	store, err := persist.NewStoreWithLogger(cfg.DataDir, pslog.Ctx(ctx))
	if err != nil {
		if errors.Is(err, schema.ErrDataDirUnwritable) {
			return nil, fmt.Errorf("data directory preflight: %w", err)
		}
		return nil, err
	}
	return &Services{
		Store:    store,
		Lookup:   appstore.New(cfg.Lookup),
		Notifier: notify.New(cfg.Notify),
		Metrics:  metrics.New(),
	}, nil
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableBot     bool
	enableMonitor bool
	enableHTTP    bool
}

// WithBot enables Telegram long polling.
func WithBot() ServerOption {
	return func(o *serverOptions) { o.enableBot = true }
}

// WithMonitor enables the scheduled update check.
func WithMonitor() ServerOption {
	return func(o *serverOptions) { o.enableMonitor = true }
}

// WithHTTP enables the health and metrics endpoint. It requires the monitor.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

type component struct {
	name string
	run  func(ctx context.Context) error
}

// New constructs a composable appwatch server.
func New(ctx context.Context, cfg ServerConfig, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableBot && !options.enableMonitor && !options.enableHTTP {
		return nil, errors.New("no services enabled")
	}
	if options.enableHTTP && !options.enableMonitor {
		return nil, errors.New("http health endpoint requires the monitor")
	}
	if options.enableHTTP && cfg.HTTPAddr == "" {
		return nil, errors.New("http address is required")
	}

	svc, err := NewServices(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var (
		checker *monitor.Checker
		bot     *telegram.Bot
	)
	handlerCfg := cfg.Command
	handlerCfg.DisableAuditLogging = handlerCfg.DisableAuditLogging || cfg.DisableAuditLogging
	if options.enableMonitor {
		handlerCfg.LastCheck = func() (last time.Time) {
			if checker != nil {
				last = checker.LastRun()
			}
			return last
		}
	}
	handlerCfg.BotUsername = func() string { return bot.Username() }
	handler := command.NewHandler(svc.Store, svc.Lookup, svc.Notifier, handlerCfg)
	tgCfg := cfg.Telegram
	tgCfg.Metrics = svc.Metrics
	bot, err = telegram.New(ctx, tgCfg, handler)
	if err != nil {
		return nil, err
	}

	var components []component
	if options.enableBot {
		components = append(components, component{name: "telegram", run: bot.Run})
	}
	if options.enableMonitor {
		monCfg := cfg.Monitor
		monCfg.Metrics = svc.Metrics
		checker = monitor.New(svc.Store, svc.Lookup, bot, svc.Notifier, monCfg)
		components = append(components, component{name: "monitor", run: checker.Run})
	}
	if options.enableHTTP {
		health := httpapi.NewServer(checker, TotalApps(svc.Store), svc.Metrics.Handler())
		addr := cfg.HTTPAddr
		components = append(components, component{name: "http", run: func(ctx context.Context) error {
			return httpapi.ListenAndServe(ctx, addr, health.Handler())
		}})
	}
	return &compositeServer{cfg: cfg, options: options, components: components}, nil
}

// TotalApps counts monitored entries across all users.
func TotalApps(store monitor.Store) httpapi.AppCounter {
	return func() (int, error) {
		apps, err := store.Snapshot()
		if err != nil {
			return 0, err
		}
		total := 0
		for _, entries := range apps {
			total += len(entries)
		}
		return total, nil
	}
}

type compositeServer struct {
	cfg        ServerConfig
	options    serverOptions
	components []component
	logger     pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"bot", s.options.enableBot,
		"monitor", s.options.enableMonitor,
		"http", s.options.enableHTTP,
		"http_addr", s.cfg.HTTPAddr,
	)
	group, gctx := errgroup.WithContext(s.ctx)
	for _, c := range s.components {
		group.Go(func() error {
			if err := c.run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error(c.name+" failed", "err", err)
				return fmt.Errorf("%s: %w", c.name, err)
			}
			return nil
		})
	}
	go func() {
		s.err = group.Wait()
		close(s.done)
	}()
	return nil
}

// Wait blocks until every component has returned. The first component
// failure cancels the others and is returned.
func (s *compositeServer) Wait() error {
	s.mu.Lock()
	done := s.done
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	<-done
	if s.err != nil {
		log.Error("server stopped", "err", s.err)
	}
	return s.err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	log.Info("server stop requested")
	cancel()
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}
