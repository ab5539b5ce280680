package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

// CreateTask adds a task and assigns it. In individual mode the task is
// assigned to its staff ids; in team mode to every member of its teams.
func (s *Service) CreateTask(ctx context.Context, task *schema.Task) (*schema.Task, error) {
	task.SetDefaults()
	now := s.now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now
	if err := s.create(ctx, task); err != nil {
		return nil, err
	}
	if err := s.syncAssignments(ctx, task); err != nil {
		return task, err
	}
	s.changed()
	return task, nil
}

// UpdateTask replaces an existing task. Assignments are brought in line
// with the new staff and team sets.
func (s *Service) UpdateTask(ctx context.Context, task *schema.Task) error {
	prev, err := store.GetOf[*schema.Task](ctx, s.db, task.ID)
	if err != nil {
		return err
	}
	task.SetDefaults()
	task.CreatedAt = prev.CreatedAt
	task.UpdatedAt = s.stamp(prev.UpdatedAt)
	if err := s.update(ctx, task); err != nil {
		return err
	}
	if err := s.syncAssignments(ctx, task); err != nil {
		return err
	}
	s.changed()
	return nil
}

// SetTaskStatus moves a task to status.
func (s *Service) SetTaskStatus(ctx context.Context, id, status string) error {
	task, err := store.GetOf[*schema.Task](ctx, s.db, id)
	if err != nil {
		return err
	}
	task.Status = status
	return s.UpdateTask(ctx, task)
}

// DeleteTask removes a task and its assignments.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if err := s.remove(ctx, schema.CollectionTasks, id); err != nil {
		return err
	}
	s.changed()
	return nil
}

// AssignTask assigns taskID to staffID. An existing assignment is returned
// unchanged.
func (s *Service) AssignTask(ctx context.Context, taskID, staffID string) (*schema.TaskAssignment, error) {
	a, err := s.assign(ctx, taskID, staffID)
	if err != nil {
		return nil, err
	}
	s.changed()
	return a, nil
}

// UnassignTask removes the assignment of taskID to staffID.
func (s *Service) UnassignTask(ctx context.Context, taskID, staffID string) error {
	a, err := s.findAssignment(ctx, taskID, staffID)
	if err != nil {
		return err
	}
	if err := s.remove(ctx, schema.CollectionTaskAssignments, a.ID); err != nil {
		return err
	}
	s.changed()
	return nil
}

func (s *Service) assign(ctx context.Context, taskID, staffID string) (*schema.TaskAssignment, error) {
	if existing, err := s.findAssignment(ctx, taskID, staffID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	a := &schema.TaskAssignment{TaskID: taskID, StaffID: staffID, AssignedAt: s.now().UTC()}
	if err := s.create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) assignments(ctx context.Context, taskID string) ([]*schema.TaskAssignment, error) {
	recs, err := s.db.ChildrenOf(ctx, schema.CollectionTaskAssignments, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*schema.TaskAssignment, 0, len(recs))
	for _, rec := range recs {
		if a, ok := rec.(*schema.TaskAssignment); ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Service) findAssignment(ctx context.Context, taskID, staffID string) (*schema.TaskAssignment, error) {
	all, err := s.assignments(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, a := range all {
		if a.StaffID == staffID {
			return a, nil
		}
	}
	return nil, fmt.Errorf("assignment of %s to %s: %w", taskID, staffID, store.ErrNotFound)
}

// assignees resolves the staff a task should be assigned to.
func (s *Service) assignees(ctx context.Context, task *schema.Task) ([]string, error) {
	if task.AssignmentMode != schema.AssignTeam {
		return task.AssignedStaffIDs, nil
	}

	seen := make(map[string]bool)
	var staff []string
	for _, teamID := range task.AssignedTeamIDs {
		members, err := s.db.ChildrenOf(ctx, schema.CollectionTeamMembers, teamID)
		if err != nil {
			return nil, err
		}
		for _, rec := range members {
			m, ok := rec.(*schema.TeamMember)
			if !ok || seen[m.StaffID] {
				continue
			}
			seen[m.StaffID] = true
			staff = append(staff, m.StaffID)
		}
	}
	return staff, nil
}

// syncAssignments creates missing assignments and removes stale ones.
func (s *Service) syncAssignments(ctx context.Context, task *schema.Task) error {
	want, err := s.assignees(ctx, task)
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(want))
	for _, staffID := range want {
		wanted[staffID] = true
		if _, err := s.assign(ctx, task.ID, staffID); err != nil {
			return fmt.Errorf("failed to assign %s: %w", staffID, err)
		}
	}

	current, err := s.assignments(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, a := range current {
		if wanted[a.StaffID] {
			continue
		}
		if err := s.remove(ctx, schema.CollectionTaskAssignments, a.ID); err != nil {
			return err
		}
	}
	return nil
}
