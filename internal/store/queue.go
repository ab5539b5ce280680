package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/schema"
)

// InsertOperation appends op to the sync queue and sets op.Seq.
func (db *DB) InsertOperation(ctx context.Context, op *schema.Operation) error {
	if err := op.Validate(); err != nil {
		return fmt.Errorf("invalid operation: %w", err)
	}
	payload, err := json.Marshal(op.Record)
	if err != nil {
		return fmt.Errorf("failed to marshal operation payload: %w", err)
	}

	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_queue (id, collection, kind, record_id, payload, enqueued_at, retry_count, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		op.ID,
		string(op.Collection),
		string(op.Kind),
		op.RecordID,
		string(payload),
		formatTime(op.EnqueuedAt),
		op.RetryCount,
		nullString(op.LastError),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", op, err)
	}

	seq, err := res.LastInsertId()
	if err == nil {
		op.Seq = seq
	}
	return nil
}

// ListOperations returns every queued operation in enqueue order.
// Operations whose payload cannot be decoded are logged and skipped.
func (db *DB) ListOperations(ctx context.Context) ([]*schema.Operation, error) {
	return db.queryOperations(ctx, "")
}

func (db *DB) queryOperations(ctx context.Context, where string, args ...any) ([]*schema.Operation, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT seq, id, collection, kind, record_id, payload, enqueued_at, retry_count, last_error
	FROM sync_queue `+where+` ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var ops []*schema.Operation
	for rows.Next() {
		var (
			op         schema.Operation
			collection string
			kind       string
			payload    string
			enqueuedAt sql.NullString
			lastError  sql.NullString
		)
		if err := rows.Scan(&op.Seq, &op.ID, &collection, &kind, &op.RecordID,
			&payload, &enqueuedAt, &op.RetryCount, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		op.Collection = schema.Collection(collection)
		op.Kind = schema.OpKind(kind)
		op.EnqueuedAt = parseTime(enqueuedAt)
		op.LastError = lastError.String

		rec, err := schema.Decode(op.Collection, []byte(payload))
		if err != nil {
			db.logger.Warn("skipping undecodable operation",
				zap.String("op_id", op.ID),
				zap.Error(err))
			continue
		}
		op.Record = rec
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync queue: %w", err)
	}
	return ops, nil
}

// UpdateOperation persists op's retry count, last error and payload.
func (db *DB) UpdateOperation(ctx context.Context, op *schema.Operation) error {
	payload, err := json.Marshal(op.Record)
	if err != nil {
		return fmt.Errorf("failed to marshal operation payload: %w", err)
	}
	res, err := db.conn.ExecContext(ctx, `
	UPDATE sync_queue
	SET record_id = ?, payload = ?, retry_count = ?, last_error = ?
	WHERE id = ?
	`, op.RecordID, string(payload), op.RetryCount, nullString(op.LastError), op.ID)
	if err != nil {
		return fmt.Errorf("failed to update operation %s: %w", op.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("operation %s: %w", op.ID, ErrNotFound)
	}
	return nil
}

// DeleteOperation removes an operation from the queue. Removing a missing
// operation is not an error.
func (db *DB) DeleteOperation(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete operation %s: %w", id, err)
	}
	return nil
}

// CountOperations returns the number of queued operations.
func (db *DB) CountOperations(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return n, nil
}

// RebindOperations rewrites queued payloads that refer to oldID so they
// target newID. It returns the number of operations rewritten.
func (db *DB) RebindOperations(ctx context.Context, oldID, newID string) (int, error) {
	ops, err := db.queryOperations(ctx, "WHERE instr(payload, ?) > 0 OR record_id = ?", oldID, oldID)
	if err != nil {
		return 0, err
	}

	rewritten := 0
	for _, op := range ops {
		changed := op.Record.Rebind(oldID, newID)
		if op.RecordID == oldID {
			op.RecordID = newID
			changed = true
		}
		if !changed {
			continue
		}
		if err := db.UpdateOperation(ctx, op); err != nil {
			return rewritten, err
		}
		rewritten++
	}
	return rewritten, nil
}

// Last sync bookkeeping lives in sync_meta.
const lastSyncKey = "last_sync_at"

// LastSyncAt returns the time of the last successful delivery, or the zero
// time if nothing has been delivered yet.
func (db *DB) LastSyncAt(ctx context.Context) (time.Time, error) {
	v, err := db.GetMeta(ctx, lastSyncKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s value %q: %w", lastSyncKey, v, err)
	}
	return t, nil
}

// SetLastSyncAt records the time of a successful delivery.
func (db *DB) SetLastSyncAt(ctx context.Context, t time.Time) error {
	return db.SetMeta(ctx, lastSyncKey, t.UTC().Format(time.RFC3339Nano))
}
