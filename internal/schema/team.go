package schema

import (
	"fmt"
	"time"
)

// Team groups staff under a leader.
type Team struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	LeaderID    string    `json:"leader_id,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	SyncMeta
}

func (t *Team) Collection() Collection { return CollectionTeams }
func (t *Team) RecordID() string { return t.ID }
func (t *Team) SetRecordID(id string) { t.ID = id }
func (t *Team) ModifiedAt() time.Time { return t.UpdatedAt }
func (t *Team) CreatedTime() time.Time { return t.CreatedAt }
func (t *Team) ParentID() string { return "" }

// Rebind rewrites the team id and the leader reference.
func (t *Team) Rebind(oldID, newID string) bool {
	a := rebind(&t.ID, oldID, newID)
	b := rebind(&t.LeaderID, oldID, newID)
	return a || b
}

// Validate checks required fields.
func (t *Team) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}
