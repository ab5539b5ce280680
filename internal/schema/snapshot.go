package schema

import (
	"fmt"
	"time"
)

// Snapshot is the full contents of every collection, as exchanged between
// execution contexts on the same device.
type Snapshot struct {
	Staff           []*Staff          `json:"staff"`
	Teams           []*Team           `json:"teams"`
	Tasks           []*Task           `json:"tasks"`
	TaskAssignments []*TaskAssignment `json:"taskAssignments"`
	TeamMembers     []*TeamMember     `json:"teamMembers"`
	Timestamp       time.Time         `json:"timestamp"`

	// Origin identifies the context that published the snapshot so that a
	// context can ignore its own broadcasts.
	Origin string `json:"origin,omitempty"`
}

// Add appends rec to the slice matching its collection.
func (s *Snapshot) Add(rec Record) error {
	switch r := rec.(type) {
	case *Staff:
		s.Staff = append(s.Staff, r)
	case *Team:
		s.Teams = append(s.Teams, r)
	case *TeamMember:
		s.TeamMembers = append(s.TeamMembers, r)
	case *Task:
		s.Tasks = append(s.Tasks, r)
	case *TaskAssignment:
		s.TaskAssignments = append(s.TaskAssignments, r)
	default:
		return fmt.Errorf("unsupported record type %T", rec)
	}
	return nil
}

// Records returns every record in collection order.
func (s *Snapshot) Records() []Record {
	out := make([]Record, 0, s.Len())
	for _, r := range s.Staff {
		out = append(out, r)
	}
	for _, r := range s.Teams {
		out = append(out, r)
	}
	for _, r := range s.TeamMembers {
		out = append(out, r)
	}
	for _, r := range s.Tasks {
		out = append(out, r)
	}
	for _, r := range s.TaskAssignments {
		out = append(out, r)
	}
	return out
}

// Len returns the total number of records.
func (s *Snapshot) Len() int {
	return len(s.Staff) + len(s.Teams) + len(s.TeamMembers) +
		len(s.Tasks) + len(s.TaskAssignments)
}
