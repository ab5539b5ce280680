package schema

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Task status values.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Task priority values.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// AssignmentMode selects who a task is assigned to.
type AssignmentMode string

const (
	AssignIndividual AssignmentMode = "individual"
	AssignTeam       AssignmentMode = "team"
)

// Task is a unit of maintenance or operational work.
//
// RepeatConfig holds a RepeatConfig serialized as a JSON string; it is kept
// in serialized form end to end so that the local, remote and peer copies
// compare equal byte for byte.
type Task struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description,omitempty"`
	Status           string         `json:"status"`
	Priority         string         `json:"priority"`
	AssignmentMode   AssignmentMode `json:"assignment_mode"`
	AssignedStaffIDs []string       `json:"assigned_staff_ids"`
	AssignedTeamIDs  []string       `json:"assigned_team_ids"`
	StartDate        *time.Time     `json:"start_date,omitempty"`
	DueDate          *time.Time     `json:"due_date,omitempty"`
	RepeatConfig     string         `json:"repeat_config,omitempty"`
	SupportFiles     []string       `json:"support_files,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	SyncMeta
}

func (t *Task) Collection() Collection { return CollectionTasks }
func (t *Task) RecordID() string { return t.ID }
func (t *Task) SetRecordID(id string) { t.ID = id }
func (t *Task) ModifiedAt() time.Time { return t.UpdatedAt }
func (t *Task) CreatedTime() time.Time { return t.CreatedAt }
func (t *Task) ParentID() string { return "" }

// Rebind rewrites the task id and any assigned staff or team reference.
func (t *Task) Rebind(oldID, newID string) bool {
	a := rebind(&t.ID, oldID, newID)
	b := rebindAll(t.AssignedStaffIDs, oldID, newID)
	c := rebindAll(t.AssignedTeamIDs, oldID, newID)
	return a || b || c
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	switch t.Status {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
	default:
		return fmt.Errorf("invalid status %q", t.Status)
	}
	switch t.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
	default:
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	switch t.AssignmentMode {
	case AssignIndividual, AssignTeam:
	default:
		return fmt.Errorf("invalid assignment mode %q", t.AssignmentMode)
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.RepeatConfig != "" {
		if _, err := t.Repeat(); err != nil {
			return err
		}
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.AssignmentMode == "" {
		t.AssignmentMode = AssignIndividual
	}
	if t.AssignedStaffIDs == nil {
		t.AssignedStaffIDs = []string{}
	}
	if t.AssignedTeamIDs == nil {
		t.AssignedTeamIDs = []string{}
	}
}

// DuplicateKey identifies tasks that are the same piece of work: equal
// title and description and the same staff and team sets, in any order and
// ignoring repeats.
func (t *Task) DuplicateKey() string {
	return strings.Join([]string{
		t.Title,
		t.Description,
		idSet(t.AssignedStaffIDs),
		idSet(t.AssignedTeamIDs),
	}, "\x1f")
}

// idSet renders ids as a sorted, repeat-free list.
func idSet(ids []string) string {
	set := append([]string(nil), ids...)
	sort.Strings(set)
	set = slices.Compact(set)
	return strings.Join(set, "\x1e")
}

// RepeatConfig describes a recurring task schedule.
type RepeatConfig struct {
	// Frequency is daily, weekly or monthly.
	Frequency string     `json:"frequency"`
	Interval  int        `json:"interval,omitempty"`
	Weekdays  []int      `json:"weekdays,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// Repeat parses RepeatConfig. It returns nil when the task does not repeat.
func (t *Task) Repeat() (*RepeatConfig, error) {
	if t.RepeatConfig == "" {
		return nil, nil
	}
	var rc RepeatConfig
	if err := json.Unmarshal([]byte(t.RepeatConfig), &rc); err != nil {
		return nil, fmt.Errorf("invalid repeat_config: %w", err)
	}
	return &rc, nil
}

// SetRepeat serializes rc into RepeatConfig. A nil rc clears it.
func (t *Task) SetRepeat(rc *RepeatConfig) error {
	if rc == nil {
		t.RepeatConfig = ""
		return nil
	}
	data, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("failed to marshal repeat config: %w", err)
	}
	t.RepeatConfig = string(data)
	return nil
}
