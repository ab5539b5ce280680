package broadcast

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdesk/crewsync/internal/events"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func setupDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "crewsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.InitSchema())
	return db
}

func peerBlob(t *testing.T, origin string, recs ...schema.Record) []byte {
	t.Helper()
	snap := &schema.Snapshot{Origin: origin, Timestamp: t0}
	for _, rec := range recs {
		require.NoError(t, snap.Add(rec))
	}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	return data
}

func staffVersion(name string, updated time.Time) *schema.Staff {
	return &schema.Staff{ID: "staff-1", Name: name, CreatedAt: t0, UpdatedAt: updated}
}

func TestMerge_LastWriteWinsConvergence(t *testing.T) {
	v1 := staffVersion("T1 version", t0.Add(time.Minute))
	v2 := staffVersion("T2 version", t0.Add(2*time.Minute))

	orders := map[string][]*schema.Staff{
		"older first": {v1, v2},
		"newer first": {v2, v1},
	}

	for name, order := range orders {
		t.Run(name, func(t *testing.T) {
			db := setupDB(t)
			ch, err := NewFileChannel(t.TempDir())
			require.NoError(t, err)
			b := New(db, ch, &Config{Origin: "self"})

			for _, v := range order {
				_, err := b.Merge(context.Background(), peerBlob(t, "peer", v))
				require.NoError(t, err)
			}

			got, err := store.GetOf[*schema.Staff](context.Background(), db, "staff-1")
			require.NoError(t, err)
			assert.Equal(t, "T2 version", got.Name)
			assert.False(t, got.IsOffline)
		})
	}
}

func TestMerge_IgnoresOwnOrigin(t *testing.T) {
	db := setupDB(t)
	ch, err := NewFileChannel(t.TempDir())
	require.NoError(t, err)
	b := New(db, ch, &Config{Origin: "self"})

	n, err := b.Merge(context.Background(), peerBlob(t, "self", staffVersion("x", t0)))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = db.Get(context.Background(), schema.CollectionStaff, "staff-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMerge_KeepsNewerLocalAndNotifies(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	bus := events.NewBus()
	signals, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	ch, err := NewFileChannel(t.TempDir())
	require.NoError(t, err)
	b := New(db, ch, &Config{Origin: "self", Invalidator: bus})

	require.NoError(t, db.Put(ctx, staffVersion("local", t0.Add(time.Hour)), store.OriginLocal))

	task := &schema.Task{ID: "task-1", Title: "From peer", CreatedAt: t0, UpdatedAt: t0}
	task.SetDefaults()
	n, err := b.Merge(ctx, peerBlob(t, "peer", staffVersion("stale", t0), task))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, signals, 1)

	got, err := store.GetOf[*schema.Staff](ctx, db, "staff-1")
	require.NoError(t, err)
	assert.Equal(t, "local", got.Name)

	n, err = b.Merge(ctx, peerBlob(t, "peer", staffVersion("stale", t0), task))
	require.NoError(t, err)
	assert.Zero(t, n, "re-merging the same snapshot changes nothing")
}

func TestMerge_SkipsUndeliveredRecords(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	ch, err := NewFileChannel(t.TempDir())
	require.NoError(t, err)
	b := New(db, ch, &Config{Origin: "self"})

	pending := &schema.Task{ID: "offline_1", Title: "Check boiler", CreatedAt: t0, UpdatedAt: t0}
	pending.SetDefaults()
	assignment := &schema.TaskAssignment{ID: "asg-1", TaskID: "offline_1", StaffID: "staff-1", AssignedAt: t0}

	n, err := b.Merge(ctx, peerBlob(t, "peer", pending, assignment))
	require.NoError(t, err)
	assert.Zero(t, n)

	// The peer reconciles and publishes the canonical copy.
	delivered := &schema.Task{ID: "c-1", Title: "Check boiler", CreatedAt: t0, UpdatedAt: t0}
	delivered.SetDefaults()
	n, err = b.Merge(ctx, peerBlob(t, "peer", pending, delivered))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	tasks, err := store.AllOf[*schema.Task](ctx, db)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "c-1", tasks[0].ID)

	count, err := db.Count(ctx, schema.CollectionTaskAssignments)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMerge_MalformedBlob(t *testing.T) {
	db := setupDB(t)
	ch, err := NewFileChannel(t.TempDir())
	require.NoError(t, err)
	_, err = New(db, ch, nil).Merge(context.Background(), []byte("{not json"))
	assert.Error(t, err)
}

func TestFileChannel_ReadWrite(t *testing.T) {
	dir := t.TempDir()
	ch, err := NewFileChannel(dir)
	require.NoError(t, err)
	defer ch.Close()
	ctx := context.Background()

	_, err = ch.Read(ctx)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, ch.Write(ctx, []byte(`{"a":1}`)))
	require.NoError(t, ch.Write(ctx, []byte(`{"a":2}`)))

	data, err := ch.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":2}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestTwoContextsConverge(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbA, dbB := setupDB(t), setupDB(t)
	chA, err := NewFileChannel(dir)
	require.NoError(t, err)
	defer chA.Close()
	chB, err := NewFileChannel(dir)
	require.NoError(t, err)
	defer chB.Close()

	a := New(dbA, chA, &Config{Origin: "tab-a"})
	b := New(dbB, chB, &Config{Origin: "tab-b"})

	watching, err := chB.Watch(ctx)
	require.NoError(t, err)
	go func() {
		for blob := range watching {
			_, _ = b.Merge(ctx, blob)
		}
	}()

	require.NoError(t, dbA.Put(ctx, staffVersion("Ada", t0), store.OriginLocal))
	require.NoError(t, a.Publish(ctx))

	require.Eventually(t, func() bool {
		_, err := dbB.Get(ctx, schema.CollectionStaff, "staff-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	snapA, err := dbA.Snapshot(ctx)
	require.NoError(t, err)
	snapB, err := dbB.Snapshot(ctx)
	require.NoError(t, err)
	ignoreSync := cmp.Options{
		cmpopts.IgnoreFields(schema.Snapshot{}, "Timestamp", "Origin"),
		cmpopts.IgnoreFields(schema.Staff{}, "SyncMeta"),
	}
	assert.Empty(t, cmp.Diff(snapA, snapB, ignoreSync))
}

func TestRun_CatchesUpOnStart(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbA, dbB := setupDB(t), setupDB(t)
	chA, err := NewFileChannel(dir)
	require.NoError(t, err)
	chB, err := NewFileChannel(dir)
	require.NoError(t, err)

	require.NoError(t, dbA.Put(ctx, staffVersion("Ada", t0), store.OriginLocal))
	require.NoError(t, New(dbA, chA, &Config{Origin: "a"}).Publish(ctx))

	done := make(chan error, 1)
	go func() { done <- New(dbB, chB, &Config{Origin: "b"}).Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := dbB.Get(ctx, schema.CollectionStaff, "staff-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
