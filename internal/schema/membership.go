package schema

import (
	"fmt"
	"time"
)

// TeamMember links a staff member to a team. (TeamID, StaffID) is unique.
type TeamMember struct {
	ID       string    `json:"id"`
	TeamID   string    `json:"team_id"`
	StaffID  string    `json:"staff_id"`
	JoinedAt time.Time `json:"joined_at"`
	SyncMeta
}

func (m *TeamMember) Collection() Collection { return CollectionTeamMembers }
func (m *TeamMember) RecordID() string { return m.ID }
func (m *TeamMember) SetRecordID(id string) { m.ID = id }
func (m *TeamMember) CreatedTime() time.Time { return m.JoinedAt }
func (m *TeamMember) ParentID() string { return m.TeamID }

// ModifiedAt falls back to JoinedAt for records never stamped by a store.
func (m *TeamMember) ModifiedAt() time.Time {
	if m.LastSyncedAt.IsZero() {
		return m.JoinedAt
	}
	return m.LastSyncedAt
}

func (m *TeamMember) Rebind(oldID, newID string) bool {
	a := rebind(&m.ID, oldID, newID)
	b := rebind(&m.TeamID, oldID, newID)
	c := rebind(&m.StaffID, oldID, newID)
	return a || b || c
}

// Key returns the composite uniqueness key.
func (m *TeamMember) Key() string { return m.TeamID + "/" + m.StaffID }

func (m *TeamMember) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.TeamID == "" {
		return fmt.Errorf("team_id is required")
	}
	if m.StaffID == "" {
		return fmt.Errorf("staff_id is required")
	}
	return nil
}

// TaskAssignment links a staff member to a task. (TaskID, StaffID) is unique.
type TaskAssignment struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	StaffID    string    `json:"staff_id"`
	AssignedAt time.Time `json:"assigned_at"`
	SyncMeta
}

func (a *TaskAssignment) Collection() Collection { return CollectionTaskAssignments }
func (a *TaskAssignment) RecordID() string { return a.ID }
func (a *TaskAssignment) SetRecordID(id string) { a.ID = id }
func (a *TaskAssignment) CreatedTime() time.Time { return a.AssignedAt }
func (a *TaskAssignment) ParentID() string { return a.TaskID }

// ModifiedAt falls back to AssignedAt for records never stamped by a store.
func (a *TaskAssignment) ModifiedAt() time.Time {
	if a.LastSyncedAt.IsZero() {
		return a.AssignedAt
	}
	return a.LastSyncedAt
}

func (a *TaskAssignment) Rebind(oldID, newID string) bool {
	x := rebind(&a.ID, oldID, newID)
	y := rebind(&a.TaskID, oldID, newID)
	z := rebind(&a.StaffID, oldID, newID)
	return x || y || z
}

// Key returns the composite uniqueness key.
func (a *TaskAssignment) Key() string { return a.TaskID + "/" + a.StaffID }

func (a *TaskAssignment) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if a.StaffID == "" {
		return fmt.Errorf("staff_id is required")
	}
	return nil
}
