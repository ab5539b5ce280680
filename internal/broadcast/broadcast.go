// Package broadcast keeps several execution contexts on one device
// eventually consistent without a round trip to the remote store.
//
// After every local change a context publishes its full snapshot to a
// shared Channel. Peers merge received snapshots record by record: the
// incoming copy is stored when the configured conflict.Comparator prefers
// it (by default, when it is strictly newer or missing locally).
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/conflict"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

// Invalidator tells readers that the Local Store changed.
type Invalidator interface {
	Notify()
}

// Config holds broadcaster configuration.
type Config struct {
	// Origin identifies this context (default: a random uuid)
	Origin string

	// Comparator decides merges (default: conflict.LastWriteWins)
	Comparator conflict.Comparator

	// Invalidator is notified after a merge that changed anything
	Invalidator Invalidator

	// Logger for broadcast activity (default: no-op)
	Logger *zap.Logger
}

// Broadcaster publishes local snapshots and merges peer snapshots.
type Broadcaster struct {
	db          *store.DB
	ch          Channel
	origin      string
	cmp         conflict.Comparator
	invalidator Invalidator
	logger      *zap.Logger
}

// New creates a broadcaster over ch.
func New(db *store.DB, ch Channel, config *Config) *Broadcaster {
	if config == nil {
		config = &Config{}
	}
	b := &Broadcaster{
		db:          db,
		ch:          ch,
		origin:      config.Origin,
		cmp:         config.Comparator,
		invalidator: config.Invalidator,
		logger:      config.Logger,
	}
	if b.origin == "" {
		b.origin = uuid.NewString()
	}
	if b.cmp == nil {
		b.cmp = conflict.Default
	}
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	b.logger = b.logger.Named("broadcast")
	return b
}

// Origin returns this context's identifier.
func (b *Broadcaster) Origin() string {
	return b.origin
}

// Publish writes the current Local Store snapshot to the channel.
func (b *Broadcaster) Publish(ctx context.Context) error {
	snap, err := b.db.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to take snapshot: %w", err)
	}
	snap.Origin = b.origin
	snap.Timestamp = time.Now().UTC()

	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := b.ch.Write(ctx, blob); err != nil {
		return err
	}
	b.logger.Debug("published snapshot", zap.Int("records", snap.Len()))
	return nil
}

// Run merges whatever a peer published before this context started, then
// merges every snapshot published until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) error {
	updates, err := b.ch.Watch(ctx)
	if err != nil {
		return err
	}

	if blob, err := b.ch.Read(ctx); err == nil {
		b.mergeLogged(ctx, blob)
	} else if !errors.Is(err, ErrEmpty) {
		b.logger.Warn("failed to read current snapshot", zap.Error(err))
	}

	for blob := range updates {
		b.mergeLogged(ctx, blob)
	}
	return nil
}

func (b *Broadcaster) mergeLogged(ctx context.Context, blob []byte) {
	n, err := b.Merge(ctx, blob)
	if err != nil {
		b.logger.Warn("failed to merge peer snapshot", zap.Error(err))
		return
	}
	if n > 0 {
		b.logger.Debug("merged peer snapshot", zap.Int("changed", n))
	}
}

// Merge applies a peer snapshot and returns the number of records stored.
// Snapshots published by this context are ignored, and so are records the
// publisher has not yet delivered (temporary ids and their children).
func (b *Broadcaster) Merge(ctx context.Context, blob []byte) (int, error) {
	var snap schema.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return 0, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.Origin == b.origin {
		return 0, nil
	}

	changed := 0
	for _, rec := range snap.Records() {
		// Records under a temporary id belong to the publisher's queued
		// create. They reach this context under their canonical id.
		if schema.IsTempID(rec.RecordID()) || schema.IsTempID(rec.ParentID()) {
			continue
		}

		local, err := b.db.Get(ctx, rec.Collection(), rec.RecordID())
		if errors.Is(err, store.ErrNotFound) {
			local = nil
		} else if err != nil {
			return changed, err
		}

		if !b.cmp.Wins(rec, local) {
			continue
		}
		if err := b.db.Put(ctx, rec, store.OriginPeer); err != nil {
			b.logger.Warn("skipping peer record",
				zap.String("collection", rec.Collection().String()),
				zap.String("id", rec.RecordID()),
				zap.Error(err))
			continue
		}
		changed++
	}

	if changed > 0 && b.invalidator != nil {
		b.invalidator.Notify()
	}
	return changed, nil
}
