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

// Origin identifies which path a write came from. It decides how the
// record's SyncMeta is stamped.
type Origin int

const (
	// OriginLocal is an optimistic write from the UI path. The record is
	// marked offline and LastSyncedAt is set to now.
	OriginLocal Origin = iota

	// OriginServer is a record returned by the remote store (drain
	// acknowledgement or full download).
	OriginServer

	// OriginRemote is a record pushed by the realtime change feed.
	OriginRemote

	// OriginPeer is a record merged from another execution context.
	OriginPeer
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginServer:
		return "server"
	case OriginRemote:
		return "remote"
	case OriginPeer:
		return "peer"
	default:
		return "unknown"
	}
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Put inserts or updates rec by id, stamping its SyncMeta for origin.
//
// Local writes set IsOffline and move LastSyncedAt forward to now (never
// backwards). Every other origin clears IsOffline and keeps the record's
// own LastSyncedAt, defaulting to its ModifiedAt, so applying the same
// authoritative record twice stores identical bytes.
func (db *DB) Put(ctx context.Context, rec schema.Record, origin Origin) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid %s record: %w", rec.Collection(), err)
	}

	meta := rec.Meta()
	switch origin {
	case OriginLocal:
		now := db.now().UTC()
		prev, err := db.lastSyncedAt(ctx, db.conn, rec.Collection(), rec.RecordID())
		if err != nil {
			return err
		}
		if prev.After(now) {
			now = prev
		}
		meta.IsOffline = true
		meta.LastSyncedAt = now
	default:
		meta.IsOffline = false
		if meta.LastSyncedAt.IsZero() {
			meta.LastSyncedAt = rec.ModifiedAt().UTC()
		}
	}

	return db.writeRecord(ctx, db.conn, rec)
}

// writeRecord upserts rec without touching its SyncMeta.
func (db *DB) writeRecord(ctx context.Context, q queryer, rec schema.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", rec.Collection(), err)
	}

	meta := rec.Meta()
	query := fmt.Sprintf(`
	INSERT INTO %s (id, parent_id, data, is_offline, last_synced_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		parent_id = excluded.parent_id,
		data = excluded.data,
		is_offline = excluded.is_offline,
		last_synced_at = excluded.last_synced_at,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
	`, rec.Collection())

	_, err = q.ExecContext(ctx, query,
		rec.RecordID(),
		nullString(rec.ParentID()),
		string(data),
		boolToInt(meta.IsOffline),
		formatTime(meta.LastSyncedAt),
		formatTime(rec.CreatedTime()),
		formatTime(rec.ModifiedAt()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", rec.Collection(), rec.RecordID(), err)
	}
	return nil
}

func (db *DB) lastSyncedAt(ctx context.Context, q queryer, c schema.Collection, id string) (time.Time, error) {
	var ns sql.NullString
	query := fmt.Sprintf("SELECT last_synced_at FROM %s WHERE id = ?", c)
	err := q.QueryRowContext(ctx, query, id).Scan(&ns)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read %s %s: %w", c, id, err)
	}
	return parseTime(ns), nil
}

// Get returns the record with the given id, or ErrNotFound.
func (db *DB) Get(ctx context.Context, c schema.Collection, id string) (schema.Record, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("unknown collection %q", c)
	}

	var data string
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = ?", c)
	err := db.conn.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", c, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s %s: %w", c, id, err)
	}

	return schema.Decode(c, []byte(data))
}

// All returns every record of the collection ordered by creation time.
// Rows that cannot be decoded are logged and skipped.
func (db *DB) All(ctx context.Context, c schema.Collection) ([]schema.Record, error) {
	return db.Where(ctx, c, nil)
}

// Where returns the records of the collection for which pred returns true.
// A nil pred matches everything.
func (db *DB) Where(ctx context.Context, c schema.Collection, pred func(schema.Record) bool) ([]schema.Record, error) {
	return db.selectRecords(ctx, db.conn, c, "", nil, pred)
}

// ChildrenOf returns the records of c whose parent is parentID.
func (db *DB) ChildrenOf(ctx context.Context, c schema.Collection, parentID string) ([]schema.Record, error) {
	return db.selectRecords(ctx, db.conn, c, "WHERE parent_id = ?", []any{parentID}, nil)
}

func (db *DB) selectRecords(ctx context.Context, q queryer, c schema.Collection, where string, args []any, pred func(schema.Record) bool) ([]schema.Record, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("unknown collection %q", c)
	}

	query := fmt.Sprintf("SELECT id, data FROM %s %s ORDER BY created_at, id", c, where)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c, err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", c, err)
		}
		rec, err := schema.Decode(c, []byte(data))
		if err != nil {
			db.logger.Warn("skipping undecodable record",
				zap.String("collection", c.String()),
				zap.String("id", id),
				zap.Error(err))
			continue
		}
		if pred != nil && !pred(rec) {
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", c, err)
	}
	return out, nil
}

// Count returns the number of rows in the collection.
func (db *DB) Count(ctx context.Context, c schema.Collection) (int, error) {
	if !c.IsValid() {
		return 0, fmt.Errorf("unknown collection %q", c)
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", c)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", c, err)
	}
	return n, nil
}

// Delete removes the record and cascades to its children (task ->
// assignments, team -> memberships). It returns the number of rows removed.
//
// Children are deleted first, then the parent, as separate statements.
// Deleting a missing record is not an error.
func (db *DB) Delete(ctx context.Context, c schema.Collection, id string) (int, error) {
	if !c.IsValid() {
		return 0, fmt.Errorf("unknown collection %q", c)
	}

	removed := 0
	if child := c.Children(); child != "" {
		res, err := db.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE parent_id = ?", child), id)
		if err != nil {
			return 0, fmt.Errorf("failed to cascade delete %s of %s %s: %w", child, c, id, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}

	res, err := db.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", c), id)
	if err != nil {
		return removed, fmt.Errorf("failed to delete %s %s: %w", c, id, err)
	}
	n, _ := res.RowsAffected()
	removed += int(n)

	return removed, nil
}

// ReplaceTemp re-keys a record created under a temporary id to the
// canonical record returned by the remote store. The temporary row is
// deleted and the canonical row inserted in one transaction, so the record
// is never visible under both ids. Afterwards every foreign key that still
// points at tempID is rebound to the canonical id.
func (db *DB) ReplaceTemp(ctx context.Context, c schema.Collection, tempID string, canonical schema.Record) error {
	if canonical.Collection() != c {
		return fmt.Errorf("canonical record is %s, expected %s", canonical.Collection(), c)
	}
	if err := canonical.Validate(); err != nil {
		return fmt.Errorf("invalid canonical %s record: %w", c, err)
	}
	meta := canonical.Meta()
	meta.IsOffline = false
	meta.LastSyncedAt = db.now().UTC()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", c), tempID); err != nil {
		return fmt.Errorf("failed to delete temporary %s %s: %w", c, tempID, err)
	}
	if err := db.writeRecord(ctx, tx, canonical); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit id replacement: %w", err)
	}

	if tempID == canonical.RecordID() {
		return nil
	}
	_, err = db.RebindReferences(ctx, tempID, canonical.RecordID())
	return err
}

// RebindReferences rewrites every stored record that refers to oldID so
// that it refers to newID instead. SyncMeta is left untouched. It returns
// the number of records rewritten.
func (db *DB) RebindReferences(ctx context.Context, oldID, newID string) (int, error) {
	rewritten := 0
	for _, c := range schema.Collections {
		recs, err := db.selectRecords(ctx, db.conn, c, "WHERE instr(data, ?) > 0", []any{oldID}, nil)
		if err != nil {
			return rewritten, err
		}
		for _, rec := range recs {
			origID := rec.RecordID()
			if !rec.Rebind(oldID, newID) {
				continue
			}
			if rec.RecordID() != origID {
				if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", c), origID); err != nil {
					return rewritten, fmt.Errorf("failed to re-key %s %s: %w", c, origID, err)
				}
			}
			if err := db.writeRecord(ctx, db.conn, rec); err != nil {
				return rewritten, err
			}
			rewritten++
		}
	}
	return rewritten, nil
}

// Snapshot returns the full contents of every collection.
func (db *DB) Snapshot(ctx context.Context) (*schema.Snapshot, error) {
	snap := &schema.Snapshot{
		Staff:           []*schema.Staff{},
		Teams:           []*schema.Team{},
		Tasks:           []*schema.Task{},
		TaskAssignments: []*schema.TaskAssignment{},
		TeamMembers:     []*schema.TeamMember{},
		Timestamp:       db.now().UTC(),
	}
	for _, c := range schema.Collections {
		recs, err := db.All(ctx, c)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if err := snap.Add(rec); err != nil {
				return nil, err
			}
		}
	}
	return snap, nil
}

// RawRecord is an undecoded row, used by repair passes that must handle
// documents the typed decoder rejects.
type RawRecord struct {
	ID   string
	Data json.RawMessage
}

// RawAll returns every row of the collection without decoding it.
func (db *DB) RawAll(ctx context.Context, c schema.Collection) ([]RawRecord, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	rows, err := db.conn.QueryContext(ctx, fmt.Sprintf("SELECT id, data FROM %s ORDER BY created_at, id", c))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c, err)
	}
	defer rows.Close()

	var out []RawRecord
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", c, err)
		}
		out = append(out, RawRecord{ID: id, Data: json.RawMessage(data)})
	}
	return out, rows.Err()
}

// PutRaw overwrites the stored document of an existing row, or inserts a
// bare row when id is new. The typed columns are left as they are.
func (db *DB) PutRaw(ctx context.Context, c schema.Collection, id string, data []byte) error {
	if !c.IsValid() {
		return fmt.Errorf("unknown collection %q", c)
	}
	query := fmt.Sprintf(`
	INSERT INTO %s (id, data) VALUES (?, ?)
	ON CONFLICT(id) DO UPDATE SET data = excluded.data
	`, c)
	if _, err := db.conn.ExecContext(ctx, query, id, string(data)); err != nil {
		return fmt.Errorf("failed to write raw %s %s: %w", c, id, err)
	}
	return nil
}

// AllOf returns every record of T's collection as T.
func AllOf[T schema.Record](ctx context.Context, db *DB) ([]T, error) {
	var zero T
	recs, err := db.All(ctx, zero.Collection())
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		if typed, ok := rec.(T); ok {
			out = append(out, typed)
		}
	}
	return out, nil
}

// GetOf returns the record with the given id as T.
func GetOf[T schema.Record](ctx context.Context, db *DB, id string) (T, error) {
	var zero T
	rec, err := db.Get(ctx, zero.Collection(), id)
	if err != nil {
		return zero, err
	}
	typed, ok := rec.(T)
	if !ok {
		return zero, fmt.Errorf("%s %s has unexpected type %T", zero.Collection(), id, rec)
	}
	return typed, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
