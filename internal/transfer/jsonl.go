// Package transfer exports the local working set as JSON Lines and imports
// such a file back, merging it under the configured conflict policy.
package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/conflict"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

// Line is one exported record.
type Line struct {
	Collection schema.Collection `json:"collection"`
	Record     json.RawMessage   `json:"record"`
}

// ExportResult contains statistics about an export.
type ExportResult struct {
	Records      int
	ByCollection map[schema.Collection]int
}

// Export writes every local record to w, one Line per line, parents
// before children.
func Export(ctx context.Context, db *store.DB, w io.Writer) (*ExportResult, error) {
	snap, err := db.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read local store: %w", err)
	}

	res := &ExportResult{ByCollection: make(map[schema.Collection]int)}
	enc := json.NewEncoder(w)
	for _, rec := range snap.Records() {
		data, err := json.Marshal(rec)
		if err != nil {
			return res, fmt.Errorf("failed to encode %s %s: %w", rec.Collection(), rec.RecordID(), err)
		}
		if err := enc.Encode(Line{Collection: rec.Collection(), Record: data}); err != nil {
			return res, fmt.Errorf("failed to write export: %w", err)
		}
		res.Records++
		res.ByCollection[rec.Collection()]++
	}
	return res, nil
}

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	// DryRun reports what would change without writing.
	DryRun bool

	// Comparator decides whether an imported record replaces the local
	// copy (default: last write wins)
	Comparator conflict.Comparator

	// Logger for skipped lines (default: no-op)
	Logger *zap.Logger
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Read     int
	Imported int

	// Unchanged counts records the local copy won against.
	Unchanged int

	// Pending counts records under a temporary id. They were never
	// confirmed by the remote store and are not imported.
	Pending int

	Errors []string
}

// Import reads Lines from r and merges them into the local store. Imported
// records are stored as synced. A malformed or invalid line is recorded in
// Errors and the import continues.
func Import(ctx context.Context, db *store.DB, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	cmp := opts.Comparator
	if cmp == nil {
		cmp = conflict.Default
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("import")

	res := &ImportResult{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Read++

		rec, err := decodeLine(scanner.Bytes())
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		if schema.IsTempID(rec.RecordID()) {
			res.Pending++
			continue
		}

		local, err := db.Get(ctx, rec.Collection(), rec.RecordID())
		if errors.Is(err, store.ErrNotFound) {
			local = nil
		} else if err != nil {
			return res, err
		}
		if !cmp.Wins(rec, local) {
			res.Unchanged++
			continue
		}

		if !opts.DryRun {
			if err := db.Put(ctx, rec, store.OriginPeer); err != nil {
				logger.Warn("skipping record",
					zap.Int("line", lineNum),
					zap.String("collection", rec.Collection().String()),
					zap.String("id", rec.RecordID()),
					zap.Error(err))
				res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
				continue
			}
		}
		res.Imported++
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read import: %w", err)
	}
	return res, nil
}

func decodeLine(data []byte) (schema.Record, error) {
	var line Line
	if err := json.Unmarshal(data, &line); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if !line.Collection.IsValid() {
		return nil, fmt.Errorf("unknown collection %q", line.Collection)
	}
	rec, err := schema.Decode(line.Collection, line.Record)
	if err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}
