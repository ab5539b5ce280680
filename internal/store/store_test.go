package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdesk/crewsync/internal/schema"
)

// fakeClock is a settable time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// setupTestDB opens a fresh database file in a temp directory.
func setupTestDB(t *testing.T) (*DB, *fakeClock) {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)}
	db, err := Open(filepath.Join(t.TempDir(), "crewsync.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.InitSchema())
	return db, clock
}

func newTask(id, title string, created time.Time) *schema.Task {
	task := &schema.Task{
		ID:        id,
		Title:     title,
		CreatedAt: created,
		UpdatedAt: created,
	}
	task.SetDefaults()
	return task
}

func TestOpen_CreatesDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "crewsync.db")

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, path, db.Path())
}

func TestInitSchema_Idempotent(t *testing.T) {
	db, _ := setupTestDB(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.InitSchema(), "iteration %d", i)
	}
}

func TestPut_LocalStampsOffline(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	task := newTask("offline_1", "Inspect generator", clock.Now())
	require.NoError(t, db.Put(ctx, task, OriginLocal))

	got, err := GetOf[*schema.Task](ctx, db, "offline_1")
	require.NoError(t, err)
	assert.True(t, got.IsOffline)
	assert.True(t, got.LastSyncedAt.Equal(clock.Now()))
	assert.Equal(t, "Inspect generator", got.Title)
}

func TestPut_LocalLastSyncedAtNeverMovesBackwards(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	task := newTask("t1", "Check boiler", clock.Now())
	require.NoError(t, db.Put(ctx, task, OriginLocal))
	first := task.LastSyncedAt

	// Wall clock jumps back an hour.
	clock.Advance(-time.Hour)
	task.Title = "Check boiler pressure"
	require.NoError(t, db.Put(ctx, task, OriginLocal))

	got, err := GetOf[*schema.Task](ctx, db, "t1")
	require.NoError(t, err)
	assert.False(t, got.LastSyncedAt.Before(first))
}

func TestPut_AuthoritativeIsIdempotent(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	staff := &schema.Staff{ID: "s1", Name: "Ada", CreatedAt: clock.Now(), UpdatedAt: clock.Now()}
	require.NoError(t, db.Put(ctx, staff, OriginRemote))
	first, err := db.Get(ctx, schema.CollectionStaff, "s1")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	again := &schema.Staff{ID: "s1", Name: "Ada", CreatedAt: staff.CreatedAt, UpdatedAt: staff.UpdatedAt}
	require.NoError(t, db.Put(ctx, again, OriginRemote))
	second, err := db.Get(ctx, schema.CollectionStaff, "s1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.False(t, second.Meta().IsOffline)
}

func TestPut_RejectsInvalid(t *testing.T) {
	db, _ := setupTestDB(t)
	err := db.Put(context.Background(), &schema.Staff{ID: "s1"}, OriginLocal)
	assert.Error(t, err)
}

func TestGet_NotFound(t *testing.T) {
	db, _ := setupTestDB(t)
	_, err := db.Get(context.Background(), schema.CollectionTasks, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWhere(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()

	for i, title := range []string{"a", "b", "c"} {
		task := newTask(string(rune('1'+i)), title, clock.Now().Add(time.Duration(i)*time.Second))
		if title == "b" {
			task.Status = schema.StatusCompleted
		}
		require.NoError(t, db.Put(ctx, task, OriginServer))
	}

	done, err := db.Where(ctx, schema.CollectionTasks, func(r schema.Record) bool {
		return r.(*schema.Task).Status == schema.StatusCompleted
	})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "b", done[0].(*schema.Task).Title)

	all, err := db.All(ctx, schema.CollectionTasks)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDelete_CascadesTeamMembers(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()
	now := clock.Now()

	team := &schema.Team{ID: "team-1", Name: "Night shift", CreatedAt: now, UpdatedAt: now}
	require.NoError(t, db.Put(ctx, team, OriginServer))
	for _, sid := range []string{"s1", "s2", "s3"} {
		m := &schema.TeamMember{ID: "m-" + sid, TeamID: "team-1", StaffID: sid, JoinedAt: now}
		require.NoError(t, db.Put(ctx, m, OriginServer))
	}
	other := &schema.TeamMember{ID: "m-x", TeamID: "team-2", StaffID: "s1", JoinedAt: now}
	require.NoError(t, db.Put(ctx, other, OriginServer))

	removed, err := db.Delete(ctx, schema.CollectionTeams, "team-1")
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	members, err := db.All(ctx, schema.CollectionTeamMembers)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "m-x", members[0].RecordID())

	// Idempotent.
	removed, err = db.Delete(ctx, schema.CollectionTeams, "team-1")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestReplaceTemp(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()
	now := clock.Now()

	task := newTask("offline_1", "Inspect generator", now)
	require.NoError(t, db.Put(ctx, task, OriginLocal))
	asg := &schema.TaskAssignment{ID: "offline_2", TaskID: "offline_1", StaffID: "s1", AssignedAt: now}
	require.NoError(t, db.Put(ctx, asg, OriginLocal))

	canonical := newTask("task-100", "Inspect generator", now)
	require.NoError(t, db.ReplaceTemp(ctx, schema.CollectionTasks, "offline_1", canonical))

	_, err := db.Get(ctx, schema.CollectionTasks, "offline_1")
	assert.True(t, errors.Is(err, ErrNotFound))

	tasks, err := AllOf[*schema.Task](ctx, db)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-100", tasks[0].ID)
	assert.False(t, tasks[0].IsOffline)

	got, err := GetOf[*schema.TaskAssignment](ctx, db, "offline_2")
	require.NoError(t, err)
	assert.Equal(t, "task-100", got.TaskID)
	assert.True(t, got.IsOffline, "rebinding must not clear the child's pending state")

	children, err := db.ChildrenOf(ctx, schema.CollectionTaskAssignments, "task-100")
	require.NoError(t, err)
	assert.Len(t, children, 1)
}

func TestSnapshotAndClear(t *testing.T) {
	db, clock := setupTestDB(t)
	ctx := context.Background()
	now := clock.Now()

	require.NoError(t, db.Put(ctx, &schema.Staff{ID: "s1", Name: "Ada", CreatedAt: now, UpdatedAt: now}, OriginLocal))
	require.NoError(t, db.Put(ctx, newTask("t1", "x", now), OriginLocal))

	snap, err := db.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Staff, 1)
	assert.Len(t, snap.Tasks, 1)
	assert.NotNil(t, snap.Teams)
	assert.True(t, snap.Timestamp.Equal(now))

	require.NoError(t, db.SetLastSyncAt(ctx, now))
	require.NoError(t, db.Clear(ctx))

	snap, err = db.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, snap.Len())

	last, err := db.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}

func TestMetaWithPrefixAndDelete(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.SetMeta(ctx, "rekey:tasks:offline_1", "a"))
	require.NoError(t, db.SetMeta(ctx, "rekey:staff:offline_2", "b"))
	require.NoError(t, db.SetMeta(ctx, "other", "c"))

	entries, err := db.MetaWithPrefix(ctx, "rekey:")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"rekey:tasks:offline_1": "a",
		"rekey:staff:offline_2": "b",
	}, entries)

	require.NoError(t, db.DeleteMeta(ctx, "rekey:tasks:offline_1"))
	require.NoError(t, db.DeleteMeta(ctx, "missing"))

	entries, err = db.MetaWithPrefix(ctx, "rekey:")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = db.GetMeta(ctx, "rekey:tasks:offline_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRawRoundTrip_SkipsUndecodable(t *testing.T) {
	db, _ := setupTestDB(t)
	ctx := context.Background()

	bad := []byte(`{"id":"t9","title":"x","status":"pending","priority":"low","assignment_mode":"individual","repeat_config":{"frequency":"daily"}}`)
	require.NoError(t, db.PutRaw(ctx, schema.CollectionTasks, "t9", bad))

	raws, err := db.RawAll(ctx, schema.CollectionTasks)
	require.NoError(t, err)
	require.Len(t, raws, 1)
	assert.JSONEq(t, string(bad), string(raws[0].Data))

	all, err := db.All(ctx, schema.CollectionTasks)
	require.NoError(t, err)
	assert.Empty(t, all)
}
