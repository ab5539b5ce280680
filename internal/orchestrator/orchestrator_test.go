package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdesk/crewsync/internal/connectivity"
	"github.com/crewdesk/crewsync/internal/events"
	"github.com/crewdesk/crewsync/internal/queue"
	"github.com/crewdesk/crewsync/internal/remote"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type countingPublisher struct{ n atomic.Int32 }

func (p *countingPublisher) Publish(context.Context) error {
	p.n.Add(1)
	return nil
}

type fixture struct {
	db     *store.DB
	queue  *queue.Queue
	remote *remote.Memory
	conn   *connectivity.Manual
	pub    *countingPublisher
	bus    *events.Bus
	orch   *Orchestrator
	ids    *schema.SequenceGenerator

	droppedMu sync.Mutex
	dropped   []*schema.Operation
}

func setup(t *testing.T, online bool) *fixture {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "crewsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())

	f := &fixture{
		db:     db,
		remote: remote.NewMemory(),
		conn:   connectivity.NewManual(online),
		pub:    &countingPublisher{},
		bus:    events.NewBus(),
		ids:    &schema.SequenceGenerator{},
	}
	f.queue = queue.New(db, queue.WithIDGenerator(f.ids))

	f.orch, err = New(Deps{
		Store:        db,
		Queue:        f.queue,
		Remote:       f.remote,
		Connectivity: f.conn,
		Publisher:    f.pub,
		Invalidator:  f.bus,
	}, &Config{
		SyncInterval: time.Hour,
		OnDropped: func(op *schema.Operation, err error) {
			f.droppedMu.Lock()
			f.dropped = append(f.dropped, op)
			f.droppedMu.Unlock()
		},
	})
	require.NoError(t, err)
	return f
}

// createLocal writes rec optimistically and queues its create.
func (f *fixture) createLocal(t *testing.T, rec schema.Record) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.db.Put(ctx, rec, store.OriginLocal))
	_, err := f.queue.Enqueue(ctx, schema.OpCreate, rec)
	require.NoError(t, err)
}

func newTask(id, title string) *schema.Task {
	task := &schema.Task{ID: id, Title: title, CreatedAt: t0, UpdatedAt: t0}
	task.SetDefaults()
	return task
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{}, nil)
	assert.Error(t, err)
}

func TestInitialStateFollowsConnectivity(t *testing.T) {
	assert.Equal(t, StateOffline, setup(t, false).orch.State())
	assert.Equal(t, StateOnlineIdle, setup(t, true).orch.State())
}

func TestForceSync_Offline(t *testing.T) {
	f := setup(t, false)
	_, err := f.orch.ForceSync(context.Background())
	assert.ErrorIs(t, err, ErrOffline)
}

func TestTempIDReconciliation(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	f.createLocal(t, newTask(f.ids.NewTempID(), "Inspect generator"))

	res, err := f.orch.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	tasks, err := store.AllOf[*schema.Task](ctx, f.db)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.False(t, schema.IsTempID(tasks[0].ID))
	assert.False(t, tasks[0].IsOffline)

	_, err = f.db.Get(ctx, schema.CollectionTasks, "offline_1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1, f.pub.n.Load())
}

func TestTempIDReconciliation_RebindsChildrenAndQueuedOps(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	task := newTask(f.ids.NewTempID(), "Inspect generator")
	f.createLocal(t, task)
	asg := &schema.TaskAssignment{ID: f.ids.NewTempID(), TaskID: task.ID, StaffID: "staff-1", AssignedAt: t0}
	f.createLocal(t, asg)

	_, err := f.orch.ForceSync(ctx)
	require.NoError(t, err)

	tasks, err := store.AllOf[*schema.Task](ctx, f.db)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	canonical := tasks[0].ID

	asgs, err := store.AllOf[*schema.TaskAssignment](ctx, f.db)
	require.NoError(t, err)
	require.Len(t, asgs, 1)
	assert.Equal(t, canonical, asgs[0].TaskID)
	assert.False(t, schema.IsTempID(asgs[0].ID))

	remoteAsgs, err := f.remote.SelectAll(ctx, schema.CollectionTaskAssignments)
	require.NoError(t, err)
	require.Len(t, remoteAsgs, 1)
	assert.Equal(t, canonical, remoteAsgs[0].(*schema.TaskAssignment).TaskID)
}

func TestDeletedBeforeSync(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	task := newTask(f.ids.NewTempID(), "Short lived")
	f.createLocal(t, task)
	_, err := f.db.Delete(ctx, schema.CollectionTasks, task.ID)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, schema.OpDelete, task)
	require.NoError(t, err)

	res, err := f.orch.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	n, err := f.db.Count(ctx, schema.CollectionTasks)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.remote.Len(schema.CollectionTasks))
}

func TestReplaceFailureIsRetriedNextPass(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	_, err := f.db.RawDB().ExecContext(ctx, `
	CREATE TRIGGER hold_canonical BEFORE INSERT ON tasks
	WHEN substr(NEW.id, 1, 8) != 'offline_'
	BEGIN SELECT RAISE(ABORT, 'database is locked'); END`)
	require.NoError(t, err)

	f.createLocal(t, newTask(f.ids.NewTempID(), "Inspect generator"))

	res, err := f.orch.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	_, err = f.db.Get(ctx, schema.CollectionTasks, "offline_1")
	require.NoError(t, err, "temporary row survives the failed replacement")
	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the create is not sent twice")

	pending, err := f.db.MetaWithPrefix(ctx, rekeyPrefix)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = f.db.RawDB().ExecContext(ctx, "DROP TRIGGER hold_canonical")
	require.NoError(t, err)

	res, err = f.orch.ForceSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	tasks, err := store.AllOf[*schema.Task](ctx, f.db)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.False(t, schema.IsTempID(tasks[0].ID))
	assert.False(t, tasks[0].IsOffline)

	_, err = f.db.Get(ctx, schema.CollectionTasks, "offline_1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, f.remote.Len(schema.CollectionTasks))
	assert.Equal(t, 1, f.remote.Calls("insert"))

	pending, err = f.db.MetaWithPrefix(ctx, rekeyPrefix)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUpdateConfirmsRecord(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	staff := &schema.Staff{ID: "staff-1", Name: "Ada", CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, f.remote.Seed(staff))

	staff.Name = "Ada Lovelace"
	staff.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, f.db.Put(ctx, staff, store.OriginLocal))
	_, err := f.queue.Enqueue(ctx, schema.OpUpdate, staff)
	require.NoError(t, err)

	_, err = f.orch.ForceSync(ctx)
	require.NoError(t, err)

	got, err := store.GetOf[*schema.Staff](ctx, f.db, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", got.Name)
	assert.False(t, got.IsOffline)
	assert.False(t, f.orch.Status(ctx).LastSyncTimestamp.IsZero())
}

func TestRetryCeiling(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	f.remote.SetFailure(func(op string, c schema.Collection, id string) error {
		if op == "update" {
			return errors.New("503 service unavailable")
		}
		return nil
	})

	task := newTask("task-1", "Never lands")
	require.NoError(t, f.db.Put(ctx, task, store.OriginLocal))
	_, err := f.queue.Enqueue(ctx, schema.OpUpdate, task)
	require.NoError(t, err)

	for pass := 1; pass <= queue.MaxRetries; pass++ {
		res, err := f.orch.ForceSync(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed, "pass %d", pass)

		n, err := f.queue.Count(ctx)
		require.NoError(t, err)
		if pass < queue.MaxRetries {
			assert.Equal(t, 1, n, "pass %d", pass)
			assert.Zero(t, res.Dropped)
		} else {
			assert.Zero(t, n)
			assert.Equal(t, 1, res.Dropped)
		}
	}

	res, err := f.orch.ForceSync(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)
	assert.Equal(t, queue.MaxRetries, f.remote.Calls("update"))

	status := f.orch.Status(ctx)
	assert.Zero(t, status.PendingOperationCount)
	assert.Equal(t, 1, status.DroppedOperations)
	assert.Contains(t, status.LastError, "503")

	f.droppedMu.Lock()
	defer f.droppedMu.Unlock()
	require.Len(t, f.dropped, 1)
	assert.Equal(t, "task-1", f.dropped[0].RecordID)
}

func TestFailedOpDoesNotBlockOthers(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	f.remote.FailNext(1, errors.New("timeout"))
	f.createLocal(t, newTask(f.ids.NewTempID(), "first"))
	f.createLocal(t, newTask(f.ids.NewTempID(), "second"))

	res, err := f.orch.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Succeeded)

	res, err = f.orch.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Empty(t, f.orch.Status(ctx).LastError)
	assert.Equal(t, 2, f.remote.Len(schema.CollectionTasks))
}

func TestFailedCreateHoldsLaterOpsForSameRecord(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	task := newTask(f.ids.NewTempID(), "Short lived")
	f.createLocal(t, task)
	_, err := f.db.Delete(ctx, schema.CollectionTasks, task.ID)
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, schema.OpDelete, task)
	require.NoError(t, err)

	f.remote.FailNext(1, errors.New("timeout"))

	res, err := f.orch.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempted)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.Succeeded)
	assert.Equal(t, 1, res.Deferred)
	assert.Zero(t, f.remote.Calls("delete"))

	ops, err := f.queue.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, 1, ops[0].RetryCount)
	assert.Zero(t, ops[1].RetryCount, "held operation keeps its retry budget")

	res, err = f.orch.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Zero(t, res.Deferred)
	assert.Zero(t, f.remote.Len(schema.CollectionTasks), "delete lands after the create")

	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailedCreateHoldsRecordsReferencingIt(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	staff := &schema.Staff{ID: f.ids.NewTempID(), Name: "Ada", CreatedAt: t0, UpdatedAt: t0}
	f.createLocal(t, staff)
	task := newTask(f.ids.NewTempID(), "Inspect generator")
	f.createLocal(t, task)
	asg := &schema.TaskAssignment{ID: f.ids.NewTempID(), TaskID: task.ID, StaffID: staff.ID, AssignedAt: t0}
	f.createLocal(t, asg)

	f.remote.FailNext(1, errors.New("timeout"))

	res, err := f.orch.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Succeeded, "the task does not depend on the staff record")
	assert.Equal(t, 1, res.Deferred)
	assert.Zero(t, f.remote.Len(schema.CollectionTaskAssignments))

	res, err = f.orch.ForceSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	staffRecs, err := f.remote.SelectAll(ctx, schema.CollectionStaff)
	require.NoError(t, err)
	require.Len(t, staffRecs, 1)
	remoteAsgs, err := f.remote.SelectAll(ctx, schema.CollectionTaskAssignments)
	require.NoError(t, err)
	require.Len(t, remoteAsgs, 1)
	assert.Equal(t, staffRecs[0].RecordID(), remoteAsgs[0].(*schema.TaskAssignment).StaffID)
}

// blockingRemote holds Insert until release is closed.
type blockingRemote struct {
	*remote.Memory
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRemote) Insert(ctx context.Context, rec schema.Record) (schema.Record, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.Memory.Insert(ctx, rec)
}

func TestForceSync_ReentrancyGuard(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	br := &blockingRemote{Memory: f.remote, entered: make(chan struct{}), release: make(chan struct{})}
	orch, err := New(Deps{Store: f.db, Queue: f.queue, Remote: br, Connectivity: f.conn}, nil)
	require.NoError(t, err)

	f.createLocal(t, newTask(f.ids.NewTempID(), "slow"))

	done := make(chan error, 1)
	go func() {
		_, err := orch.ForceSync(ctx)
		done <- err
	}()
	<-br.entered

	assert.Equal(t, StateSyncing, orch.State())
	_, err = orch.ForceSync(ctx)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	// Losing connectivity mid-pass does not cancel the in-flight call.
	orch.SetOnline(false)
	close(br.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateOffline, orch.State())
	assert.Equal(t, 1, f.remote.Len(schema.CollectionTasks))
}

func TestRun_ConnectivityLossStopsPassInProgress(t *testing.T) {
	f := setup(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	br := &blockingRemote{Memory: f.remote, entered: make(chan struct{}), release: make(chan struct{})}
	orch, err := New(Deps{Store: f.db, Queue: f.queue, Remote: br, Connectivity: f.conn},
		&Config{SyncInterval: time.Hour})
	require.NoError(t, err)

	f.createLocal(t, newTask(f.ids.NewTempID(), "first"))
	f.createLocal(t, newTask(f.ids.NewTempID(), "second"))

	stopped := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(stopped)
	}()
	<-br.entered

	f.conn.Set(false)
	require.Eventually(t, func() bool {
		s := orch.Status(ctx)
		return !s.IsOnline && s.IsSyncing && s.State == StateOffline
	}, 5*time.Second, 10*time.Millisecond, "status reflects the loss while the pass is running")

	close(br.release)
	require.Eventually(t, func() bool {
		return !orch.Status(ctx).IsSyncing
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, f.remote.Len(schema.CollectionTasks))
	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "nothing is dispatched after connectivity is lost")

	cancel()
	<-stopped
}

func TestScenario_OfflineCreateThenReconnect(t *testing.T) {
	f := setup(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu         sync.Mutex
		sawOffline bool
		sawSyncing bool
		last       Status
	)
	unsubscribe := f.orch.Subscribe(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		sawOffline = sawOffline || s.State == StateOffline
		sawSyncing = sawSyncing || s.State == StateSyncing
		last = s
	})
	defer unsubscribe()

	go f.orch.Run(ctx)

	task := newTask(f.ids.NewTempID(), "Inspect generator")
	require.Equal(t, "offline_1", task.ID)
	f.createLocal(t, task)

	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "nothing is delivered while offline")

	f.conn.Set(true)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawSyncing && last.State == StateOnlineIdle && last.PendingOperationCount == 0
	}, 5*time.Second, 10*time.Millisecond)

	tasks, err := store.AllOf[*schema.Task](ctx, f.db)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.NotEqual(t, "offline_1", tasks[0].ID)
	assert.Equal(t, "Inspect generator", tasks[0].Title)

	_, err = f.db.Get(ctx, schema.CollectionTasks, "offline_1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	n, err = f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, sawOffline)
	assert.False(t, last.LastSyncTimestamp.IsZero())
}

func TestScenario_QueueExhaustion(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	f.remote.SetFailure(func(op string, c schema.Collection, id string) error {
		return errors.New("permission denied")
	})

	staff := &schema.Staff{ID: "staff-9", Name: "Grace", CreatedAt: t0, UpdatedAt: t0}
	require.NoError(t, f.db.Put(ctx, staff, store.OriginLocal))
	_, err := f.queue.Enqueue(ctx, schema.OpUpdate, staff)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.orch.ForceSync(ctx)
		require.NoError(t, err)
	}

	n, err := f.queue.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.orch.Status(ctx).PendingOperationCount)
	assert.Zero(t, f.remote.Len(schema.CollectionStaff))
}

func TestEnqueueTriggersDrainWhileOnline(t *testing.T) {
	f := setup(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go f.orch.Run(ctx)
	f.createLocal(t, newTask(f.ids.NewTempID(), "Kick me"))

	require.Eventually(t, func() bool {
		return f.remote.Len(schema.CollectionTasks) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDownloadAll(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	require.NoError(t, f.remote.Seed(&schema.Staff{ID: "s-remote", Name: "Remote", CreatedAt: t0, UpdatedAt: t0}))
	require.NoError(t, f.remote.Seed(&schema.Staff{ID: "s-pending", Name: "Server copy", CreatedAt: t0, UpdatedAt: t0}))

	require.NoError(t, f.db.Put(ctx, &schema.Staff{ID: "s-gone", Name: "Gone", CreatedAt: t0, UpdatedAt: t0}, store.OriginServer))
	require.NoError(t, f.db.Put(ctx, &schema.Staff{ID: "s-pending", Name: "Local edit", CreatedAt: t0, UpdatedAt: t0}, store.OriginLocal))
	require.NoError(t, f.db.Put(ctx, &schema.Staff{ID: "offline_7", Name: "New hire", CreatedAt: t0, UpdatedAt: t0}, store.OriginLocal))

	signals, unsubscribe := f.bus.Subscribe()
	defer unsubscribe()

	n, err := f.orch.DownloadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	staff, err := store.AllOf[*schema.Staff](ctx, f.db)
	require.NoError(t, err)
	names := map[string]string{}
	for _, s := range staff {
		names[s.ID] = s.Name
	}
	assert.Equal(t, map[string]string{
		"s-remote":  "Remote",
		"s-pending": "Local edit",
		"offline_7": "New hire",
	}, names)
	assert.Len(t, signals, 1)

	f.conn.Set(false)
	f.orch.SetOnline(false)
	_, err = f.orch.DownloadAll(ctx)
	assert.ErrorIs(t, err, ErrOffline)
}

func TestClearAll(t *testing.T) {
	f := setup(t, true)
	ctx := context.Background()

	f.createLocal(t, newTask(f.ids.NewTempID(), "doomed"))
	require.NoError(t, f.orch.ClearAll(ctx))

	status := f.orch.Status(ctx)
	assert.Zero(t, status.PendingOperationCount)
	assert.True(t, status.LastSyncTimestamp.IsZero())

	n, err := f.db.Count(ctx, schema.CollectionTasks)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	f := setup(t, false)

	var calls atomic.Int32
	unsubscribe := f.orch.Subscribe(func(Status) { calls.Add(1) })
	f.orch.SetOnline(true)
	assert.EqualValues(t, 1, calls.Load())

	unsubscribe()
	f.orch.SetOnline(false)
	assert.EqualValues(t, 1, calls.Load())
}
