package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/connectivity"
	"github.com/crewdesk/crewsync/internal/queue"
	"github.com/crewdesk/crewsync/internal/remote"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

var (
	// ErrOffline is returned by operations that need connectivity.
	ErrOffline = errors.New("offline")

	// ErrSyncInProgress is returned by ForceSync while a pass is running.
	ErrSyncInProgress = errors.New("sync already in progress")
)

// Trigger names what started a drain pass.
type Trigger string

const (
	TriggerEnqueue   Trigger = "enqueue"
	TriggerTick      Trigger = "tick"
	TriggerReconnect Trigger = "reconnect"
	TriggerForce     Trigger = "force"
)

// Publisher shares the local snapshot with other execution contexts.
type Publisher interface {
	Publish(ctx context.Context) error
}

// Invalidator tells readers that the Local Store changed.
type Invalidator interface {
	Notify()
}

// Deps are the collaborators of an Orchestrator. Store, Queue, Remote and
// Connectivity are required.
type Deps struct {
	Store        *store.DB
	Queue        *queue.Queue
	Remote       remote.Store
	Connectivity connectivity.Source
	Publisher    Publisher
	Invalidator  Invalidator
}

// Config holds orchestrator configuration.
type Config struct {
	// SyncInterval is how often a drain pass runs while online (default: 30s)
	SyncInterval time.Duration

	// OnDropped is called for every operation dropped after exhausting its
	// retries. It runs on the draining goroutine and must not block.
	OnDropped func(op *schema.Operation, err error)

	// Logger for orchestrator activity (default: no-op)
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 30 * time.Second,
		Logger:       zap.NewNop(),
	}
}

// Orchestrator coordinates connectivity, the Sync Queue and the remote
// store. Create one with New and start it with Run.
type Orchestrator struct {
	deps   Deps
	config *Config
	logger *zap.Logger

	online  atomic.Bool
	syncing atomic.Bool

	mu        sync.RWMutex
	lastSync  time.Time
	lastError string
	dropped   int

	subsMu sync.Mutex
	subs   map[int]func(Status)
	nextID int

	triggers chan Trigger
}

// New creates an orchestrator. The initial state is taken from the
// connectivity source's current value. New registers itself as the
// queue's notifier so that enqueues trigger a drain while online.
func New(deps Deps, config *Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if deps.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if deps.Remote == nil {
		return nil, fmt.Errorf("remote cannot be nil")
	}
	if deps.Connectivity == nil {
		return nil, fmt.Errorf("connectivity cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = 30 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		deps:     deps,
		config:   config,
		logger:   logger.Named("orchestrator"),
		subs:     make(map[int]func(Status)),
		triggers: make(chan Trigger, 1),
	}
	o.online.Store(deps.Connectivity.Online())

	last, err := deps.Store.LastSyncAt(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to load last sync time: %w", err)
	}
	o.lastSync = last

	deps.Queue.SetNotifier(func() { o.Trigger(TriggerEnqueue) })
	return o, nil
}

// Run consumes connectivity changes, triggers and timer ticks until ctx is
// cancelled. If the orchestrator starts online, a first pass runs at once.
// Connectivity changes are applied on their own goroutine, so a pass in
// progress sees a loss of connectivity before its next operation.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.config.SyncInterval)
	defer ticker.Stop()

	o.logger.Info("started",
		zap.Bool("online", o.online.Load()),
		zap.Duration("interval", o.config.SyncInterval))
	o.publishStatus(ctx)
	if o.online.Load() {
		o.Trigger(TriggerReconnect)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.watchConnectivity(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("stopped")
			return

		case t := <-o.triggers:
			o.pass(ctx, t)

		case <-ticker.C:
			o.pass(ctx, TriggerTick)
		}
	}
}

func (o *Orchestrator) watchConnectivity(ctx context.Context) {
	changes := o.deps.Connectivity.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-changes:
			if !ok {
				return
			}
			o.SetOnline(online)
		}
	}
}

// Trigger requests a drain pass without blocking. Triggers coalesce, and
// are ignored while offline.
func (o *Orchestrator) Trigger(t Trigger) {
	if !o.online.Load() {
		return
	}
	select {
	case o.triggers <- t:
	default:
	}
}

// SetOnline applies a connectivity transition. Going online triggers a
// drain pass.
func (o *Orchestrator) SetOnline(online bool) {
	if o.online.Swap(online) == online {
		return
	}
	if online {
		o.logger.Info("connectivity restored")
	} else {
		o.logger.Warn("connectivity lost")
	}
	o.publishStatus(context.Background())
	if online {
		o.Trigger(TriggerReconnect)
	}
}

// ForceSync runs a drain pass on the calling goroutine.
func (o *Orchestrator) ForceSync(ctx context.Context) (Result, error) {
	return o.runPass(ctx, TriggerForce)
}

// pass runs a pass from the loop, where offline and busy are expected.
func (o *Orchestrator) pass(ctx context.Context, t Trigger) {
	res, err := o.runPass(ctx, t)
	switch {
	case errors.Is(err, ErrOffline), errors.Is(err, ErrSyncInProgress):
		o.logger.Debug("pass skipped", zap.String("trigger", string(t)), zap.Error(err))
	case err != nil:
		o.logger.Error("pass failed", zap.String("trigger", string(t)), zap.Error(err))
	case res.Attempted > 0:
		o.logger.Info("pass complete",
			zap.String("trigger", string(t)),
			zap.Int("attempted", res.Attempted),
			zap.Int("succeeded", res.Succeeded),
			zap.Int("failed", res.Failed),
			zap.Int("dropped", res.Dropped),
			zap.Int("deferred", res.Deferred))
	}
}

// DownloadAll replaces the local working set with the remote store's
// contents. Records with unconfirmed local writes are kept as they are.
// Synced records that no longer exist remotely are removed.
func (o *Orchestrator) DownloadAll(ctx context.Context) (int, error) {
	if !o.online.Load() {
		return 0, ErrOffline
	}

	stored := 0
	for _, c := range schema.Collections {
		recs, err := o.deps.Remote.SelectAll(ctx, c)
		if err != nil {
			return stored, fmt.Errorf("failed to download %s: %w", c, err)
		}

		local, err := o.deps.Store.All(ctx, c)
		if err != nil {
			return stored, err
		}
		pending := make(map[string]bool, len(local))
		for _, rec := range local {
			if rec.Meta().IsOffline {
				pending[rec.RecordID()] = true
			}
		}

		seen := make(map[string]bool, len(recs))
		for _, rec := range recs {
			seen[rec.RecordID()] = true
			if pending[rec.RecordID()] {
				continue
			}
			if err := o.deps.Store.Put(ctx, rec, store.OriginServer); err != nil {
				o.logger.Warn("skipping downloaded record",
					zap.String("collection", c.String()),
					zap.String("id", rec.RecordID()),
					zap.Error(err))
				continue
			}
			stored++
		}

		for _, rec := range local {
			id := rec.RecordID()
			if seen[id] || rec.Meta().IsOffline || schema.IsTempID(id) {
				continue
			}
			if _, err := o.deps.Store.Delete(ctx, c, id); err != nil {
				return stored, err
			}
		}
	}

	o.logger.Info("download complete", zap.Int("records", stored))
	o.afterChange(ctx)
	o.publishStatus(ctx)
	return stored, nil
}

// ClearAll destroys every local record, every pending operation and the
// sync bookkeeping.
func (o *Orchestrator) ClearAll(ctx context.Context) error {
	if err := o.deps.Store.Clear(ctx); err != nil {
		return err
	}
	o.mu.Lock()
	o.lastSync = time.Time{}
	o.lastError = ""
	o.dropped = 0
	o.mu.Unlock()

	o.logger.Warn("local data cleared")
	if o.deps.Invalidator != nil {
		o.deps.Invalidator.Notify()
	}
	o.publishStatus(ctx)
	return nil
}

// afterChange fans a local change out to peers and readers.
func (o *Orchestrator) afterChange(ctx context.Context) {
	if o.deps.Publisher != nil {
		if err := o.deps.Publisher.Publish(ctx); err != nil {
			o.logger.Warn("failed to publish snapshot", zap.Error(err))
		}
	}
	if o.deps.Invalidator != nil {
		o.deps.Invalidator.Notify()
	}
}
