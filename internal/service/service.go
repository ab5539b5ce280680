// Package service is the optimistic write path used by the UI and the CLI.
//
// Every mutation is applied to the Local Store first, marked offline, and
// then appended to the Sync Queue. Callers never wait for the remote
// store: a mutation that returns nil is visible locally at once and will
// be delivered by the orchestrator when connectivity allows.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/queue"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

// Invalidator tells readers that the Local Store changed.
type Invalidator interface {
	Notify()
}

// Config holds service configuration.
type Config struct {
	// IDs mints temporary ids for new records (default: uuid based)
	IDs schema.IDGenerator

	// Invalidator is notified after every mutation
	Invalidator Invalidator

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time

	// Logger for mutations (default: no-op)
	Logger *zap.Logger
}

// Service applies mutations locally and queues them for delivery.
type Service struct {
	db          *store.DB
	queue       *queue.Queue
	ids         schema.IDGenerator
	invalidator Invalidator
	now         func() time.Time
	logger      *zap.Logger
}

// New creates a service.
func New(db *store.DB, q *queue.Queue, config *Config) *Service {
	if config == nil {
		config = &Config{}
	}
	s := &Service{
		db:          db,
		queue:       q,
		ids:         config.IDs,
		invalidator: config.Invalidator,
		now:         config.Clock,
		logger:      config.Logger,
	}
	if s.ids == nil {
		s.ids = schema.DefaultIDGenerator
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("service")
	return s
}

// create stores rec under a temporary id and queues its creation.
func (s *Service) create(ctx context.Context, rec schema.Record) error {
	if rec.RecordID() == "" {
		rec.SetRecordID(s.ids.NewTempID())
	}
	if err := s.db.Put(ctx, rec, store.OriginLocal); err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, schema.OpCreate, rec); err != nil {
		return fmt.Errorf("failed to queue create: %w", err)
	}
	s.logger.Debug("created",
		zap.String("collection", rec.Collection().String()),
		zap.String("id", rec.RecordID()))
	return nil
}

// update stores rec over an existing record and queues the update.
func (s *Service) update(ctx context.Context, rec schema.Record) error {
	if _, err := s.db.Get(ctx, rec.Collection(), rec.RecordID()); err != nil {
		return err
	}
	if err := s.db.Put(ctx, rec, store.OriginLocal); err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, schema.OpUpdate, rec); err != nil {
		return fmt.Errorf("failed to queue update: %w", err)
	}
	return nil
}

// remove deletes a record and its children locally and queues a delete of
// the record alone; the remote store cascades on its side.
func (s *Service) remove(ctx context.Context, c schema.Collection, id string) error {
	rec, err := s.db.Get(ctx, c, id)
	if err != nil {
		return err
	}
	removed, err := s.db.Delete(ctx, c, id)
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, schema.OpDelete, rec); err != nil {
		return fmt.Errorf("failed to queue delete: %w", err)
	}
	s.logger.Debug("deleted",
		zap.String("collection", c.String()),
		zap.String("id", id),
		zap.Int("rows", removed))
	return nil
}

func (s *Service) changed() {
	if s.invalidator != nil {
		s.invalidator.Notify()
	}
}

// stamp returns the time to use for a write that replaces prev: now, or
// just after prev when the clock has not moved past it.
func (s *Service) stamp(prev time.Time) time.Time {
	now := s.now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}

// CreateStaff adds a staff member.
func (s *Service) CreateStaff(ctx context.Context, staff *schema.Staff) (*schema.Staff, error) {
	now := s.now().UTC()
	staff.CreatedAt, staff.UpdatedAt = now, now
	if err := s.create(ctx, staff); err != nil {
		return nil, err
	}
	s.changed()
	return staff, nil
}

// UpdateStaff replaces an existing staff member.
func (s *Service) UpdateStaff(ctx context.Context, staff *schema.Staff) error {
	prev, err := store.GetOf[*schema.Staff](ctx, s.db, staff.ID)
	if err != nil {
		return err
	}
	staff.CreatedAt = prev.CreatedAt
	staff.UpdatedAt = s.stamp(prev.UpdatedAt)
	if err := s.update(ctx, staff); err != nil {
		return err
	}
	s.changed()
	return nil
}

// DeleteStaff removes a staff member.
func (s *Service) DeleteStaff(ctx context.Context, id string) error {
	if err := s.remove(ctx, schema.CollectionStaff, id); err != nil {
		return err
	}
	s.changed()
	return nil
}

// CreateTeam adds a team.
func (s *Service) CreateTeam(ctx context.Context, team *schema.Team) (*schema.Team, error) {
	now := s.now().UTC()
	team.CreatedAt, team.UpdatedAt = now, now
	if err := s.create(ctx, team); err != nil {
		return nil, err
	}
	s.changed()
	return team, nil
}

// UpdateTeam replaces an existing team.
func (s *Service) UpdateTeam(ctx context.Context, team *schema.Team) error {
	prev, err := store.GetOf[*schema.Team](ctx, s.db, team.ID)
	if err != nil {
		return err
	}
	team.CreatedAt = prev.CreatedAt
	team.UpdatedAt = s.stamp(prev.UpdatedAt)
	if err := s.update(ctx, team); err != nil {
		return err
	}
	s.changed()
	return nil
}

// DeleteTeam removes a team and its memberships.
func (s *Service) DeleteTeam(ctx context.Context, id string) error {
	if err := s.remove(ctx, schema.CollectionTeams, id); err != nil {
		return err
	}
	s.changed()
	return nil
}

// AddTeamMember adds staffID to teamID. An existing membership is returned
// unchanged.
func (s *Service) AddTeamMember(ctx context.Context, teamID, staffID string) (*schema.TeamMember, error) {
	if existing, err := s.findMember(ctx, teamID, staffID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	m := &schema.TeamMember{TeamID: teamID, StaffID: staffID, JoinedAt: s.now().UTC()}
	if err := s.create(ctx, m); err != nil {
		return nil, err
	}
	s.changed()
	return m, nil
}

// RemoveTeamMember removes staffID from teamID.
func (s *Service) RemoveTeamMember(ctx context.Context, teamID, staffID string) error {
	m, err := s.findMember(ctx, teamID, staffID)
	if err != nil {
		return err
	}
	if err := s.remove(ctx, schema.CollectionTeamMembers, m.ID); err != nil {
		return err
	}
	s.changed()
	return nil
}

func (s *Service) findMember(ctx context.Context, teamID, staffID string) (*schema.TeamMember, error) {
	recs, err := s.db.ChildrenOf(ctx, schema.CollectionTeamMembers, teamID)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if m, ok := rec.(*schema.TeamMember); ok && m.StaffID == staffID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("member %s of team %s: %w", staffID, teamID, store.ErrNotFound)
}
