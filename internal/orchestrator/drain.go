package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/queue"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

// Result summarizes one drain pass.
type Result struct {
	Trigger   Trigger
	Attempted int
	Succeeded int
	Failed    int
	Dropped   int

	// Deferred counts operations left queued because an earlier operation
	// for the same record failed in this pass.
	Deferred int
}

// runPass performs one drain pass under the re-entrancy guard.
func (o *Orchestrator) runPass(ctx context.Context, t Trigger) (Result, error) {
	res := Result{Trigger: t}
	if !o.online.Load() {
		return res, ErrOffline
	}
	if !o.syncing.CompareAndSwap(false, true) {
		return res, ErrSyncInProgress
	}
	o.publishStatus(ctx)
	defer func() {
		o.syncing.Store(false)
		o.publishStatus(ctx)
	}()

	o.retryRekeys(ctx)

	ops, err := o.deps.Queue.Drain(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to read sync queue: %w", err)
	}

	blocked := make(blockedSet)
	for i, op := range ops {
		if ctx.Err() != nil || !o.online.Load() {
			break
		}
		if blocked.holds(op) {
			res.Deferred++
			continue
		}
		res.Attempted++

		if err := o.dispatch(ctx, op, ops[i+1:]); err != nil {
			res.Failed++
			blocked[op.RecordID] = true
			if dropped := o.fail(ctx, op, err); dropped {
				res.Dropped++
			}
		} else {
			res.Succeeded++
			if err := o.deps.Queue.Remove(ctx, op.ID); err != nil {
				o.logger.Error("failed to remove delivered operation",
					zap.String("op_id", op.ID), zap.Error(err))
			}
			o.markDelivered(ctx)
		}
		o.publishStatus(ctx)
	}

	if res.Failed == 0 && res.Attempted > 0 {
		o.mu.Lock()
		o.lastError = ""
		o.mu.Unlock()
	}
	if res.Succeeded > 0 {
		o.afterChange(ctx)
	}
	return res, nil
}

// dispatch delivers one operation and applies the remote store's answer
// locally. rest holds the operations still to be dispatched in this pass.
func (o *Orchestrator) dispatch(ctx context.Context, op *schema.Operation, rest []*schema.Operation) error {
	switch op.Kind {
	case schema.OpCreate:
		canonical, err := o.deps.Remote.Insert(ctx, op.Record)
		if err != nil {
			return err
		}
		return o.applyCreate(ctx, op, canonical, rest)

	case schema.OpUpdate:
		stored, err := o.deps.Remote.Update(ctx, op.Record)
		if err != nil {
			return err
		}
		o.confirm(ctx, op, stored)
		return nil

	case schema.OpDelete:
		return o.deps.Remote.Delete(ctx, op.Collection, op.RecordID)

	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
}

// applyCreate reconciles a successful create. Under a temporary id the
// local record is re-keyed to the canonical record, and both the persisted
// queue and the rest of this pass are rebound to the canonical id.
func (o *Orchestrator) applyCreate(ctx context.Context, op *schema.Operation, canonical schema.Record, rest []*schema.Operation) error {
	tempID := op.RecordID
	canonicalID := canonical.RecordID()

	if !schema.IsTempID(tempID) || tempID == canonicalID {
		o.confirm(ctx, op, canonical)
		return nil
	}

	// The record may have been deleted locally while the create was queued.
	// Its queued delete is rebound below and removes it remotely.
	if _, err := o.deps.Store.Get(ctx, op.Collection, tempID); err == nil {
		if err := o.deps.Store.ReplaceTemp(ctx, op.Collection, tempID, canonical); err != nil {
			o.logger.Warn("deferring temporary id replacement",
				zap.String("collection", op.Collection.String()),
				zap.String("temp_id", tempID),
				zap.String("id", canonicalID),
				zap.Error(err))
			if err := o.deferRekey(ctx, op.Collection, tempID, canonical); err != nil {
				return err
			}
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("deferring temporary id replacement",
			zap.String("temp_id", tempID), zap.Error(err))
		if err := o.deferRekey(ctx, op.Collection, tempID, canonical); err != nil {
			return err
		}
	} else if _, err := o.deps.Store.RebindReferences(ctx, tempID, canonicalID); err != nil {
		o.logger.Error("failed to rebind references",
			zap.String("temp_id", tempID), zap.Error(err))
	}

	if err := o.deps.Queue.Rebind(ctx, tempID, canonicalID); err != nil {
		o.logger.Error("failed to rebind queue", zap.String("temp_id", tempID), zap.Error(err))
	}
	for _, next := range rest {
		next.Record.Rebind(tempID, canonicalID)
		if next.RecordID == tempID {
			next.RecordID = canonicalID
		}
	}

	o.logger.Debug("temporary id reconciled",
		zap.String("collection", op.Collection.String()),
		zap.String("temp_id", tempID),
		zap.String("id", canonicalID))
	return nil
}

// rekeyPrefix marks sync_meta entries holding a canonical record whose
// temporary local row could not be replaced yet.
const rekeyPrefix = "rekey:"

func rekeyKey(c schema.Collection, tempID string) string {
	return rekeyPrefix + c.String() + ":" + tempID
}

// deferRekey persists a replacement that failed so that the next pass can
// finish it. The remote store already holds canonical.
func (o *Orchestrator) deferRekey(ctx context.Context, c schema.Collection, tempID string, canonical schema.Record) error {
	data, err := json.Marshal(canonical)
	if err != nil {
		return fmt.Errorf("failed to encode canonical %s record: %w", c, err)
	}
	if err := o.deps.Store.SetMeta(ctx, rekeyKey(c, tempID), string(data)); err != nil {
		return fmt.Errorf("failed to defer replacement of %s: %w", tempID, err)
	}
	return nil
}

// retryRekeys finishes replacements deferred by earlier passes. Entries
// that fail again stay for the next pass.
func (o *Orchestrator) retryRekeys(ctx context.Context) {
	pending, err := o.deps.Store.MetaWithPrefix(ctx, rekeyPrefix)
	if err != nil {
		o.logger.Error("failed to list deferred replacements", zap.Error(err))
		return
	}

	for key, value := range pending {
		name, tempID, ok := strings.Cut(strings.TrimPrefix(key, rekeyPrefix), ":")
		c := schema.Collection(name)
		if !ok || !c.IsValid() {
			o.logger.Warn("discarding malformed deferred replacement", zap.String("key", key))
			_ = o.deps.Store.DeleteMeta(ctx, key)
			continue
		}
		canonical, err := schema.Decode(c, []byte(value))
		if err != nil {
			o.logger.Warn("discarding undecodable deferred replacement",
				zap.String("key", key), zap.Error(err))
			_ = o.deps.Store.DeleteMeta(ctx, key)
			continue
		}
		canonicalID := canonical.RecordID()

		_, err = o.deps.Store.Get(ctx, c, tempID)
		switch {
		case err == nil:
			err = o.deps.Store.ReplaceTemp(ctx, c, tempID, canonical)
		case errors.Is(err, store.ErrNotFound):
			_, err = o.deps.Store.RebindReferences(ctx, tempID, canonicalID)
		}
		if err == nil {
			err = o.deps.Queue.Rebind(ctx, tempID, canonicalID)
		}
		if err != nil {
			o.logger.Warn("deferred replacement failed again",
				zap.String("temp_id", tempID), zap.String("id", canonicalID), zap.Error(err))
			continue
		}

		if err := o.deps.Store.DeleteMeta(ctx, key); err != nil {
			o.logger.Error("failed to clear deferred replacement", zap.String("key", key), zap.Error(err))
		}
		o.logger.Info("deferred temporary id reconciled",
			zap.String("collection", c.String()),
			zap.String("temp_id", tempID),
			zap.String("id", canonicalID))
	}
}

// blockedSet holds the record ids whose operation failed in this pass.
// Later operations on those records wait for the next pass, so that they
// never reach the remote store ahead of the failed one.
type blockedSet map[string]bool

func (b blockedSet) holds(op *schema.Operation) bool {
	if len(b) == 0 {
		return false
	}
	if b[op.RecordID] || b[op.Record.ParentID()] {
		return true
	}
	// A record that refers to a temporary id cannot be delivered before
	// the create that introduces the id.
	for id := range b {
		if schema.IsTempID(id) && refersTo(op.Record, id) {
			return true
		}
	}
	return false
}

func refersTo(rec schema.Record, id string) bool {
	clone, err := schema.Clone(rec)
	if err != nil {
		return true
	}
	return clone.Rebind(id, id+"~")
}

// confirm stores the remote copy as synced, unless the local record was
// written again after op was enqueued.
func (o *Orchestrator) confirm(ctx context.Context, op *schema.Operation, stored schema.Record) {
	local, err := o.deps.Store.Get(ctx, op.Collection, op.RecordID)
	if err != nil {
		return
	}
	if local.Meta().LastSyncedAt.After(op.Record.Meta().LastSyncedAt) {
		return
	}
	if err := o.deps.Store.Put(ctx, stored, store.OriginServer); err != nil {
		o.logger.Warn("failed to confirm record",
			zap.String("op", op.String()), zap.Error(err))
	}
}

// fail records a failed delivery and reports whether op was dropped.
func (o *Orchestrator) fail(ctx context.Context, op *schema.Operation, cause error) bool {
	o.mu.Lock()
	o.lastError = fmt.Sprintf("%s: %v", op, cause)
	o.mu.Unlock()

	err := o.deps.Queue.Fail(ctx, op, cause)
	switch {
	case errors.Is(err, queue.ErrRetriesExhausted):
		o.mu.Lock()
		o.dropped++
		o.mu.Unlock()

		o.logger.Error("operation dropped after exhausting retries",
			zap.String("op_id", op.ID),
			zap.String("op", op.String()),
			zap.Int("retry_count", op.RetryCount),
			zap.Error(cause))
		if o.config.OnDropped != nil {
			o.config.OnDropped(op, cause)
		}
		return true

	case err != nil:
		o.logger.Error("failed to record delivery failure",
			zap.String("op_id", op.ID), zap.Error(err))

	default:
		o.logger.Warn("delivery failed",
			zap.String("op", op.String()),
			zap.Int("retry_count", op.RetryCount),
			zap.Error(cause))
	}
	return false
}

func (o *Orchestrator) markDelivered(ctx context.Context) {
	now := o.deps.Store.Now()
	o.mu.Lock()
	o.lastSync = now
	o.mu.Unlock()
	if err := o.deps.Store.SetLastSyncAt(ctx, now); err != nil {
		o.logger.Warn("failed to persist last sync time", zap.Error(err))
	}
}
