package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/crewdesk/crewsync/internal/schema"
)

func staffAt(name string, at time.Time) *schema.Staff {
	return &schema.Staff{ID: "s1", Name: name, CreatedAt: at, UpdatedAt: at}
}

func TestLastWriteWins(t *testing.T) {
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	older := staffAt("old", base)
	newer := staffAt("new", base.Add(time.Second))
	same := staffAt("same", base)

	tests := []struct {
		name     string
		incoming schema.Record
		local    schema.Record
		want     bool
	}{
		{"newer incoming wins", newer, older, true},
		{"older incoming loses", older, newer, false},
		{"tie keeps local", same, older, false},
		{"missing locally wins", older, nil, true},
		{"nil incoming loses", nil, older, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LastWriteWins{}.Wins(tt.incoming, tt.local))
		})
	}
}

func TestLastWriteWins_JoinRecordsUseSyncStamp(t *testing.T) {
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	local := &schema.TeamMember{ID: "m1", TeamID: "t", StaffID: "s", JoinedAt: base}
	incoming := &schema.TeamMember{ID: "m1", TeamID: "t", StaffID: "s", JoinedAt: base}
	incoming.LastSyncedAt = base.Add(time.Minute)

	assert.True(t, Default.Wins(incoming, local))
	assert.False(t, Default.Wins(local, incoming))
}

func TestForStrategy(t *testing.T) {
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	older := staffAt("old", base)
	newer := staffAt("new", base.Add(time.Hour))

	assert.IsType(t, LastWriteWins{}, ForStrategy(""))
	assert.IsType(t, LastWriteWins{}, ForStrategy(StrategyLastWriteWins))

	keep := ForStrategy(StrategyPreferLocal)
	assert.False(t, keep.Wins(newer, older))
	assert.True(t, keep.Wins(newer, nil))
}
