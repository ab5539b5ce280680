package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Collection names one of the synchronized record collections.
type Collection string

const (
	CollectionStaff           Collection = "staff"
	CollectionTeams           Collection = "teams"
	CollectionTeamMembers     Collection = "team_members"
	CollectionTasks           Collection = "tasks"
	CollectionTaskAssignments Collection = "task_assignments"
)

// Collections lists every collection in dependency order: parents before
// the join records that reference them.
var Collections = []Collection{
	CollectionStaff,
	CollectionTeams,
	CollectionTeamMembers,
	CollectionTasks,
	CollectionTaskAssignments,
}

// IsValid reports whether c names a known collection.
func (c Collection) IsValid() bool {
	switch c {
	case CollectionStaff, CollectionTeams, CollectionTeamMembers,
		CollectionTasks, CollectionTaskAssignments:
		return true
	}
	return false
}

// Children returns the collection whose records cascade-delete with a
// record of c, or "" if c has no children.
func (c Collection) Children() Collection {
	switch c {
	case CollectionTeams:
		return CollectionTeamMembers
	case CollectionTasks:
		return CollectionTaskAssignments
	}
	return ""
}

func (c Collection) String() string { return string(c) }

// SyncMeta is the offline/sync metadata stamped on every stored record.
type SyncMeta struct {
	// IsOffline is true while the latest local write has not been
	// confirmed by the remote store.
	IsOffline bool `json:"isOffline"`

	// LastSyncedAt is the time of the last write to this record by the
	// local writer, or the server's stamp for authoritative writes.
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// Meta returns the embedded metadata. It makes every record type that
// embeds SyncMeta satisfy the Meta half of Record.
func (m *SyncMeta) Meta() *SyncMeta { return m }

// Record is implemented by every synchronized entity.
type Record interface {
	Collection() Collection
	RecordID() string
	SetRecordID(id string)
	Meta() *SyncMeta

	// ModifiedAt is the last-write-wins timestamp.
	ModifiedAt() time.Time

	// CreatedTime is when the record was first created.
	CreatedTime() time.Time

	// ParentID is the id of the record this one cascades from, or "".
	ParentID() string

	// Rebind replaces every id or foreign key equal to oldID with newID.
	// It reports whether anything changed.
	Rebind(oldID, newID string) bool

	Validate() error
}

// New returns a zero record for the collection.
func New(c Collection) (Record, error) {
	switch c {
	case CollectionStaff:
		return &Staff{}, nil
	case CollectionTeams:
		return &Team{}, nil
	case CollectionTeamMembers:
		return &TeamMember{}, nil
	case CollectionTasks:
		return &Task{}, nil
	case CollectionTaskAssignments:
		return &TaskAssignment{}, nil
	default:
		return nil, fmt.Errorf("unknown collection %q", c)
	}
}

// Decode parses a JSON payload into the concrete record type of c.
func Decode(c Collection, data []byte) (Record, error) {
	rec, err := New(c)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s record: %w", c, err)
	}
	return rec, nil
}

// Clone returns a deep copy of rec by round-tripping it through JSON.
func Clone(rec Record) (Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s record: %w", rec.Collection(), err)
	}
	return Decode(rec.Collection(), data)
}

// rebind replaces *field with newID when it equals oldID.
func rebind(field *string, oldID, newID string) bool {
	if *field != "" && *field == oldID {
		*field = newID
		return true
	}
	return false
}

// rebindAll replaces every element of ids equal to oldID with newID.
func rebindAll(ids []string, oldID, newID string) bool {
	changed := false
	for i := range ids {
		if ids[i] == oldID {
			ids[i] = newID
			changed = true
		}
	}
	return changed
}
