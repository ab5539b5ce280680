package ui

import (
	"bytes"
	"testing"
	"time"

	"github.com/muesli/termenv"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"

	"github.com/crewdesk/crewsync/internal/orchestrator"
	"github.com/crewdesk/crewsync/internal/reconcile"
	"github.com/crewdesk/crewsync/internal/schema"
)

var now = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func plain() *Printer {
	return NewPrinterWithProfile(&bytes.Buffer{}, termenv.Ascii)
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestStatus_Golden(t *testing.T) {
	tests := []struct {
		name   string
		status orchestrator.Status
	}{
		{
			name: "status_online",
			status: orchestrator.Status{
				State:                 orchestrator.StateOnlineIdle,
				IsOnline:              true,
				LastSyncTimestamp:     now.Add(-3 * time.Minute),
				PendingOperationCount: 2,
			},
		},
		{
			name: "status_offline_never_synced",
			status: orchestrator.Status{
				State: orchestrator.StateOffline,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			golden(t).Assert(t, tt.name, []byte(plain().Status(tt.status, now)))
		})
	}
}

func TestTasks_Golden(t *testing.T) {
	due := now.Add(3 * 24 * time.Hour)
	tasks := []*schema.Task{
		{ID: "task-1", Title: "Inspect generator", Status: schema.StatusPending, Priority: schema.PriorityMedium},
		{ID: "offline_2", Title: "Fire drill", Status: schema.StatusCompleted, Priority: schema.PriorityHigh,
			DueDate: &due, SyncMeta: schema.SyncMeta{IsOffline: true}},
	}
	golden(t).Assert(t, "tasks", []byte(plain().Tasks(tasks, now)))
}

func TestStatus_ShowsErrors(t *testing.T) {
	out := plain().Status(orchestrator.Status{
		State:             orchestrator.StateOnlineIdle,
		LastError:         "create tasks/offline_1: boom",
		DroppedOperations: 1,
	}, now)
	assert.Contains(t, out, "dropped")
	assert.Contains(t, out, "create tasks/offline_1: boom")
}

func TestEmptyTables(t *testing.T) {
	p := plain()
	assert.Equal(t, "(none)", p.Staff(nil))
	assert.Equal(t, "(none)", p.Teams(nil, nil))
}

func TestTeamsAndStaff(t *testing.T) {
	p := plain()
	out := p.Teams([]*schema.Team{{ID: "team-1", Name: "Grounds"}}, map[string]int{"team-1": 3})
	assert.Equal(t, "ID      NAME     MEMBERS\nteam-1  Grounds  3", out)

	out = p.Staff([]*schema.Staff{{ID: "s1", Name: "Ada", Role: "engineer"}})
	assert.Equal(t, "ID  NAME  ROLE      EMAIL\ns1  Ada   engineer", out)
}

func TestReport(t *testing.T) {
	p := plain()
	assert.Equal(t, "local store is consistent", p.Report(reconcile.Report{}))
	out := p.Report(reconcile.Report{DuplicatesRemoved: 2, AssignmentsRemoved: 4})
	assert.Contains(t, out, "duplicates  2")
	assert.Contains(t, out, "assignments 4")
}
