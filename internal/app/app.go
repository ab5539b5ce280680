// Package app assembles a crewsync process from configuration.
//
// New opens and repairs the Local Store and builds every component; Run
// starts the long-running loops (orchestrator, connectivity prober,
// realtime listener, cross-context broadcaster and dashboard) and blocks
// until its context is cancelled or one of them fails.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crewdesk/crewsync/internal/broadcast"
	"github.com/crewdesk/crewsync/internal/config"
	"github.com/crewdesk/crewsync/internal/conflict"
	"github.com/crewdesk/crewsync/internal/connectivity"
	"github.com/crewdesk/crewsync/internal/dashboard"
	"github.com/crewdesk/crewsync/internal/events"
	"github.com/crewdesk/crewsync/internal/orchestrator"
	"github.com/crewdesk/crewsync/internal/queue"
	"github.com/crewdesk/crewsync/internal/realtime"
	"github.com/crewdesk/crewsync/internal/reconcile"
	"github.com/crewdesk/crewsync/internal/remote"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/service"
	"github.com/crewdesk/crewsync/internal/store"
)

// Options override components that New would otherwise build from
// configuration.
type Options struct {
	// Remote replaces the HTTP client for the remote store.
	Remote remote.Store

	// Feed replaces the websocket change feed.
	Feed remote.Feed

	// Connectivity replaces the health-check prober.
	Connectivity connectivity.Source

	// IDs mints temporary and operation ids.
	IDs schema.IDGenerator

	// Logger for every component (default: no-op)
	Logger *zap.Logger
}

// App is an assembled crewsync process.
type App struct {
	Config       *config.Config
	Logger       *zap.Logger
	DB           *store.DB
	Queue        *queue.Queue
	Bus          *events.Bus
	Service      *service.Service
	Orchestrator *orchestrator.Orchestrator

	// Broadcaster is nil when broadcast.driver is none.
	Broadcaster *broadcast.Broadcaster

	// Listener is nil when realtime is disabled or the process is offline.
	Listener *realtime.Listener

	// Report is the result of the startup reconciliation pass.
	Report reconcile.Report

	remote   remote.Store
	source   connectivity.Source
	prober   *connectivity.Prober
	channel  broadcast.Channel
	dash     *dashboard.Server
	dashHand *dashboard.Handler
}

// New opens the Local Store, runs the reconciliation pass and builds every
// component. The caller must Close the returned App.
func New(ctx context.Context, cfg *config.Config, opts *Options) (*App, error) {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := store.Open(cfg.Store.Path, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: logger, DB: db}

	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts *Options) error {
	cfg := a.Config

	if err := a.DB.InitSchemaContext(ctx); err != nil {
		return err
	}
	report, err := reconcile.Run(ctx, a.DB, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to reconcile local store: %w", err)
	}
	a.Report = report

	ids := opts.IDs
	if ids == nil {
		ids = schema.DefaultIDGenerator
	}
	a.Bus = events.NewBus()
	a.Queue = queue.New(a.DB, queue.WithIDGenerator(ids), queue.WithLogger(a.Logger))

	var feed remote.Feed
	switch {
	case opts.Remote != nil:
		a.remote = opts.Remote
		feed = opts.Feed
	default:
		client := remote.NewHTTPClient(cfg.Remote.URL,
			remote.WithAPIKey(cfg.Remote.APIKey),
			remote.WithHTTPClient(&http.Client{Timeout: cfg.Remote.Timeout}))
		a.remote = client
		feed = opts.Feed
		if feed == nil {
			feed = remote.NewWSFeed(cfg.Remote.URL, cfg.Remote.APIKey, a.Logger)
		}
		if opts.Connectivity == nil && !cfg.Sync.Offline {
			a.prober = connectivity.NewProber(client.Health, &connectivity.ProberConfig{
				Interval: cfg.Sync.ProbeInterval,
				Timeout:  cfg.Sync.ProbeTimeout,
				Logger:   a.Logger,
			})
		}
	}

	switch {
	case cfg.Sync.Offline:
		a.source = connectivity.NewManual(false)
	case opts.Connectivity != nil:
		a.source = opts.Connectivity
	case a.prober != nil:
		a.source = a.prober
	default:
		a.source = connectivity.NewManual(true)
	}

	if err := a.buildBroadcast(ctx); err != nil {
		return err
	}

	var publisher orchestrator.Publisher
	if a.Broadcaster != nil {
		publisher = a.Broadcaster
	}
	a.Orchestrator, err = orchestrator.New(orchestrator.Deps{
		Store:        a.DB,
		Queue:        a.Queue,
		Remote:       a.remote,
		Connectivity: a.source,
		Publisher:    publisher,
		Invalidator:  a.Bus,
	}, &orchestrator.Config{
		SyncInterval: cfg.Sync.Interval,
		OnDropped:    a.onDropped,
		Logger:       a.Logger,
	})
	if err != nil {
		return err
	}

	if cfg.Realtime.Enabled && !cfg.Sync.Offline && feed != nil {
		a.Listener = realtime.New(feed, a.DB, publisher, a.Bus, &realtime.Config{
			ReconnectDelay: cfg.Realtime.ReconnectDelay,
			Logger:         a.Logger,
		})
	}

	a.Service = service.New(a.DB, a.Queue, &service.Config{
		IDs:         ids,
		Invalidator: a.Bus,
		Logger:      a.Logger,
	})

	if cfg.Dashboard.Enabled {
		a.dash = dashboard.NewServer(a.Orchestrator, &dashboard.Config{
			Host:   cfg.Dashboard.Host,
			Port:   cfg.Dashboard.Port,
			Logger: a.Logger,
		})
		a.dashHand = dashboard.NewHandler(a.dash, a.DB, a.Logger)
	}
	return nil
}

func (a *App) buildBroadcast(ctx context.Context) error {
	cfg := a.Config.Broadcast
	var err error
	switch cfg.Driver {
	case config.DriverNone:
		return nil
	case config.DriverRedis:
		a.channel, err = broadcast.NewRedisChannel(ctx, broadcast.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
			Channel:  cfg.Redis.Channel,
		})
	default:
		a.channel, err = broadcast.NewFileChannel(cfg.Dir)
	}
	if err != nil {
		return err
	}

	a.Broadcaster = broadcast.New(a.DB, a.channel, &broadcast.Config{
		Comparator:  conflict.ForStrategy(conflict.Strategy(a.Config.Sync.ConflictStrategy)),
		Invalidator: a.Bus,
		Logger:      a.Logger,
	})
	return nil
}

func (a *App) onDropped(op *schema.Operation, err error) {
	if a.dashHand != nil {
		a.dashHand.OnDropped(op, err)
	}
}

// CheckConnectivity probes the remote store once and applies the result.
// It reports whether the process is online.
func (a *App) CheckConnectivity(ctx context.Context) bool {
	if a.prober != nil {
		a.Orchestrator.SetOnline(a.prober.Probe(ctx))
	}
	return a.source.Online()
}

// DashboardAddr returns the dashboard's listening address, or "" when the
// dashboard is disabled.
func (a *App) DashboardAddr() string {
	if a.dash == nil {
		return ""
	}
	return a.dash.GetAddr()
}

// Run starts every long-running component and blocks until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.dash != nil {
		if err := a.dash.Start(); err != nil {
			return err
		}
		unsubscribeStatus := a.Orchestrator.Subscribe(a.dashHand.OnStatus)
		signals, unsubscribeBus := a.Bus.Subscribe()
		g.Go(func() error {
			a.dashHand.Run(ctx, signals)
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			unsubscribeStatus()
			unsubscribeBus()
			return a.dash.Stop()
		})
	}

	if a.prober != nil {
		g.Go(func() error {
			a.prober.Run(ctx)
			return nil
		})
	}
	if a.Broadcaster != nil {
		g.Go(func() error {
			if err := a.Broadcaster.Run(ctx); err != nil {
				return fmt.Errorf("broadcast: %w", err)
			}
			return nil
		})
	}
	if a.Listener != nil {
		g.Go(func() error {
			a.Listener.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		a.Orchestrator.Run(ctx)
		return nil
	})

	a.Logger.Info("crewsync running",
		zap.String("store", a.DB.Path()),
		zap.Bool("online", a.source.Online()),
		zap.String("dashboard", a.DashboardAddr()))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the broadcast channel and the Local Store.
func (a *App) Close() error {
	var errs []error
	if a.channel != nil {
		errs = append(errs, a.channel.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
