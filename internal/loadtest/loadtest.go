// Package loadtest exercises the write path and the drain loop under
// concurrent writers.
//
// A run opens a scratch Local Store and lets N writers create, edit and
// complete tasks while offline. It then reconnects, waits for the Sync
// Queue to empty and checks that the remote store and the Local Store hold
// the same tasks under canonical ids.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crewdesk/crewsync/internal/connectivity"
	"github.com/crewdesk/crewsync/internal/orchestrator"
	"github.com/crewdesk/crewsync/internal/queue"
	"github.com/crewdesk/crewsync/internal/remote"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/service"
	"github.com/crewdesk/crewsync/internal/store"
)

// Config holds load test configuration.
type Config struct {
	// Dir holds the scratch database (required)
	Dir string

	// Writers is the number of concurrent writers (default: 8)
	Writers int

	// TasksPerWriter is how many tasks each writer creates (default: 25)
	TasksPerWriter int

	// Remote receives the drained operations (default: in-memory store)
	Remote remote.Store

	// SyncInterval of the background drain loop (default: 50ms)
	SyncInterval time.Duration

	// DrainTimeout bounds the final drain (default: 30s)
	DrainTimeout time.Duration

	// Logger (default: no-op)
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Writers:        8,
		TasksPerWriter: 25,
		SyncInterval:   50 * time.Millisecond,
		DrainTimeout:   30 * time.Second,
		Logger:         zap.NewNop(),
	}
}

// LatencyStats captures the latency distribution of local writes.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Report is the outcome of a run.
type Report struct {
	Writes    LatencyStats
	Errors    int
	Tasks     int
	Queued    int
	Delivered int
	Dropped   int
	Drain     time.Duration
	Elapsed   time.Duration

	// Converged is true when the queue is empty and the remote store holds
	// exactly the local tasks, none under a temporary id.
	Converged bool
	Mismatch  string
}

// Run executes one load test.
func Run(ctx context.Context, config *Config) (*Report, error) {
	if config == nil || config.Dir == "" {
		return nil, fmt.Errorf("loadtest requires a scratch directory")
	}
	def := DefaultConfig()
	if config.Writers <= 0 {
		config.Writers = def.Writers
	}
	if config.TasksPerWriter <= 0 {
		config.TasksPerWriter = def.TasksPerWriter
	}
	if config.SyncInterval <= 0 {
		config.SyncInterval = def.SyncInterval
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Remote == nil {
		config.Remote = remote.NewMemory()
	}
	logger := config.Logger.Named("loadtest")

	db, err := store.Open(filepath.Join(config.Dir, "loadtest.db"), store.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.InitSchemaContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	q := queue.New(db, queue.WithLogger(logger))
	link := connectivity.NewManual(false)
	orch, err := orchestrator.New(orchestrator.Deps{
		Store:        db,
		Queue:        q,
		Remote:       config.Remote,
		Connectivity: link,
	}, &orchestrator.Config{SyncInterval: config.SyncInterval, Logger: logger})
	if err != nil {
		return nil, err
	}
	svc := service.New(db, q, &service.Config{Logger: logger})

	runCtx, stop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		orch.Run(runCtx)
	}()
	defer func() {
		stop()
		<-loopDone
	}()

	start := time.Now()
	durations, errCount := write(ctx, svc, config)
	report := &Report{Writes: computeLatencyStats(durations), Errors: errCount}
	if report.Queued, err = q.Count(ctx); err != nil {
		return report, err
	}

	// Reconnect: the loop starts draining and drain forces passes until
	// the queue is empty.
	drainStart := time.Now()
	link.Set(true)
	if err := drain(ctx, orch, q, config.DrainTimeout); err != nil {
		return report, err
	}
	report.Drain = time.Since(drainStart)
	report.Elapsed = time.Since(start)

	report.Dropped = orch.Status(ctx).DroppedOperations
	report.Delivered = report.Queued - report.Dropped

	if err := verify(ctx, db, config.Remote, report); err != nil {
		return report, err
	}
	logger.Info("load test complete",
		zap.Int("writers", config.Writers),
		zap.Int("tasks", report.Tasks),
		zap.Duration("p95", report.Writes.P95),
		zap.Bool("converged", report.Converged))
	return report, nil
}

// write runs the writers. Each writer creates its tasks, renames every
// other one and completes every third, so queued creates are followed by
// updates still under temporary ids.
func write(ctx context.Context, svc *service.Service, config *Config) ([]time.Duration, int) {
	var (
		mu        sync.Mutex
		durations []time.Duration
		errCount  int
	)
	record := func(d time.Duration, err error) {
		mu.Lock()
		defer mu.Unlock()
		durations = append(durations, d)
		if err != nil {
			errCount++
		}
	}

	var g errgroup.Group
	for w := 0; w < config.Writers; w++ {
		g.Go(func() error {
			for i := 0; i < config.TasksPerWriter; i++ {
				begin := time.Now()
				task, err := svc.CreateTask(ctx, &schema.Task{
					Title:    fmt.Sprintf("Writer %d task %d", w, i),
					Priority: []string{schema.PriorityLow, schema.PriorityMedium, schema.PriorityHigh}[i%3],
				})
				record(time.Since(begin), err)
				if err != nil {
					continue
				}

				if i%2 == 0 {
					task.Title += " (revised)"
					begin = time.Now()
					record(time.Since(begin), svc.UpdateTask(ctx, task))
				}
				if i%3 == 0 {
					begin = time.Now()
					record(time.Since(begin), svc.SetTaskStatus(ctx, task.ID, schema.StatusCompleted))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return durations, errCount
}

// drain forces passes until the queue is empty or timeout elapses.
func drain(ctx context.Context, orch *orchestrator.Orchestrator, q *queue.Queue, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		pending, err := q.Count(ctx)
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}

		// ErrOffline until the loop has seen the reconnect.
		_, err = orch.ForceSync(ctx)
		if err != nil && !errors.Is(err, orchestrator.ErrSyncInProgress) && !errors.Is(err, orchestrator.ErrOffline) {
			return fmt.Errorf("drain failed: %w", err)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("drain did not finish within %s (%d operations pending)", timeout, pending)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func verify(ctx context.Context, db *store.DB, rs remote.Store, report *Report) error {
	local, err := store.AllOf[*schema.Task](ctx, db)
	if err != nil {
		return err
	}
	remoteTasks, err := rs.SelectAll(ctx, schema.CollectionTasks)
	if err != nil {
		return fmt.Errorf("failed to read remote tasks: %w", err)
	}
	report.Tasks = len(local)

	remoteByID := make(map[string]*schema.Task, len(remoteTasks))
	for _, rec := range remoteTasks {
		if t, ok := rec.(*schema.Task); ok {
			remoteByID[t.ID] = t
		}
	}

	if len(local) != len(remoteByID) {
		report.Mismatch = fmt.Sprintf("local has %d tasks, remote has %d", len(local), len(remoteByID))
		return nil
	}
	for _, t := range local {
		if schema.IsTempID(t.ID) {
			report.Mismatch = fmt.Sprintf("task %s still has a temporary id", t.ID)
			return nil
		}
		r, ok := remoteByID[t.ID]
		if !ok {
			report.Mismatch = fmt.Sprintf("task %s missing remotely", t.ID)
			return nil
		}
		if r.Title != t.Title || r.Status != t.Status {
			report.Mismatch = fmt.Sprintf("task %s differs: local %q/%s, remote %q/%s", t.ID, t.Title, t.Status, r.Title, r.Status)
			return nil
		}
	}
	report.Converged = true
	return nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}
