package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdesk/crewsync/internal/schema"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func newTask(id, title string) *schema.Task {
	task := &schema.Task{ID: id, Title: title, CreatedAt: t0, UpdatedAt: t0}
	task.SetDefaults()
	return task
}

func TestMemory_InsertAssignsCanonicalID(t *testing.T) {
	m := NewMemory(WithMemoryIDs(&schema.SequenceGenerator{}))
	ctx := context.Background()

	local := newTask("offline_abc", "Inspect generator")
	local.IsOffline = true

	stored, err := m.Insert(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, "op_1", stored.RecordID())
	assert.False(t, stored.Meta().IsOffline)
	assert.Equal(t, "offline_abc", local.ID, "caller's record is not modified")

	canonical := newTask("task-9", "Keep my id")
	stored, err = m.Insert(ctx, canonical)
	require.NoError(t, err)
	assert.Equal(t, "task-9", stored.RecordID())
	assert.Equal(t, 2, m.Len(schema.CollectionTasks))
}

func TestMemory_UpdateMissing(t *testing.T) {
	m := NewMemory()
	_, err := m.Update(context.Background(), newTask("nope", "x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_DeleteCascades(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Seed(&schema.Team{ID: "team-1", Name: "Ops", CreatedAt: t0}))
	for _, sid := range []string{"s1", "s2", "s3"} {
		require.NoError(t, m.Seed(&schema.TeamMember{ID: "m-" + sid, TeamID: "team-1", StaffID: sid, JoinedAt: t0}))
	}

	require.NoError(t, m.Delete(ctx, schema.CollectionTeams, "team-1"))
	assert.Zero(t, m.Len(schema.CollectionTeams))
	assert.Zero(t, m.Len(schema.CollectionTeamMembers))

	require.NoError(t, m.Delete(ctx, schema.CollectionTeams, "team-1"))
}

func TestMemory_FailureInjection(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	boom := errors.New("boom")

	m.FailNext(2, boom)
	_, err := m.Insert(ctx, newTask("t1", "a"))
	assert.ErrorIs(t, err, boom)
	_, err = m.SelectAll(ctx, schema.CollectionTasks)
	assert.ErrorIs(t, err, boom)
	_, err = m.Insert(ctx, newTask("t1", "a"))
	assert.NoError(t, err)

	m.SetFailure(func(op string, c schema.Collection, id string) error {
		if op == "update" {
			return boom
		}
		return nil
	})
	_, err = m.Update(ctx, newTask("t1", "b"))
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, m.Delete(ctx, schema.CollectionTasks, "t1"))

	assert.Equal(t, 2, m.Calls("insert"))
	assert.Equal(t, 1, m.Calls("update"))
}

func TestMemory_FeedDeliversChanges(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := m.Subscribe(ctx, schema.CollectionTasks)
	require.NoError(t, err)

	_, err = m.Insert(ctx, newTask("t1", "a"))
	require.NoError(t, err)
	_, err = m.Update(ctx, newTask("t1", "b"))
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, schema.CollectionTasks, "t1"))

	var got []ChangeType
	for i := 0; i < 3; i++ {
		select {
		case ev := <-events:
			got = append(got, ev.Type)
			assert.Equal(t, "t1", ev.RecordID())
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
	assert.Equal(t, []ChangeType{ChangeInsert, ChangeUpdate, ChangeDelete}, got)

	m.DropSubscriptions(schema.CollectionTasks)
	_, open := <-events
	assert.False(t, open)
	assert.Zero(t, m.Subscribers(schema.CollectionTasks))
}

func TestMemory_SubscriptionEndsWithContext(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	events, err := m.Subscribe(ctx, schema.CollectionStaff)
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-events:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}

func TestChangeEvent_WireForm(t *testing.T) {
	ev := ChangeEvent{Type: ChangeDelete, Collection: schema.CollectionStaff,
		Old: &schema.Staff{ID: "s1", Name: "Ada", CreatedAt: t0}}

	data, err := ev.MarshalJSON()
	require.NoError(t, err)

	var back ChangeEvent
	require.NoError(t, back.UnmarshalJSON(data))
	assert.Equal(t, ChangeDelete, back.Type)
	assert.Nil(t, back.New)
	require.IsType(t, &schema.Staff{}, back.Old)
	assert.Equal(t, "s1", back.RecordID())

	assert.Error(t, back.UnmarshalJSON([]byte(`{"type":"UPSERT","collection":"staff"}`)))
}
