// Package reconcile repairs the Local Store before normal operation.
//
// Older writers persisted some task sub-fields in the wrong shape and could
// create the same task more than once. Run normalizes the stored documents
// in place and removes duplicate tasks, keeping the earliest-created copy.
// Running it again on a repaired store changes nothing.
package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

// Report summarizes one pass.
type Report struct {
	// Normalized counts task documents rewritten to the canonical shape.
	Normalized int `json:"normalized"`

	// DuplicatesRemoved counts duplicate tasks deleted.
	DuplicatesRemoved int `json:"duplicatesRemoved"`

	// AssignmentsRemoved counts assignments deleted with those tasks.
	AssignmentsRemoved int `json:"assignmentsRemoved"`
}

// Changed reports whether the pass modified the store.
func (r Report) Changed() bool {
	return r.Normalized+r.DuplicatesRemoved+r.AssignmentsRemoved > 0
}

// Fields stored as serialized strings.
var stringFields = []string{"repeat_config"}

// Fields stored as arrays.
var arrayFields = []string{"assigned_staff_ids", "assigned_team_ids", "support_files"}

// Run normalizes every task document and removes duplicate tasks.
func Run(ctx context.Context, db *store.DB, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("reconcile")

	var report Report
	n, err := normalizeTasks(ctx, db, logger)
	if err != nil {
		return report, err
	}
	report.Normalized = n

	dups, assignments, err := removeDuplicates(ctx, db, logger)
	if err != nil {
		return report, err
	}
	report.DuplicatesRemoved = dups
	report.AssignmentsRemoved = assignments

	if report.Changed() {
		logger.Info("local store repaired",
			zap.Int("normalized", report.Normalized),
			zap.Int("duplicates_removed", report.DuplicatesRemoved),
			zap.Int("assignments_removed", report.AssignmentsRemoved))
	}
	return report, nil
}

func normalizeTasks(ctx context.Context, db *store.DB, logger *zap.Logger) (int, error) {
	rows, err := db.RawAll(ctx, schema.CollectionTasks)
	if err != nil {
		return 0, err
	}

	normalized := 0
	for _, row := range rows {
		data, changed, err := Normalize(row.Data)
		if err != nil {
			logger.Warn("failed to normalize task", zap.String("id", row.ID), zap.Error(err))
			continue
		}
		if !changed {
			continue
		}
		if err := db.PutRaw(ctx, schema.CollectionTasks, row.ID, data); err != nil {
			return normalized, err
		}
		normalized++
	}
	return normalized, nil
}

// Normalize rewrites a task document into the canonical shape and reports
// whether anything changed. repeat_config persisted as an object becomes
// its serialized string; array fields persisted as a JSON-encoded string
// become arrays.
func Normalize(doc []byte) ([]byte, bool, error) {
	if !gjson.ValidBytes(doc) {
		return doc, false, fmt.Errorf("document is not valid JSON")
	}

	out := doc
	changed := false
	for _, field := range stringFields {
		v := gjson.GetBytes(out, field)
		if !v.IsObject() && !v.IsArray() {
			continue
		}
		next, err := sjson.SetBytes(out, field, v.Raw)
		if err != nil {
			return doc, false, fmt.Errorf("failed to rewrite %s: %w", field, err)
		}
		out, changed = next, true
	}

	for _, field := range arrayFields {
		v := gjson.GetBytes(out, field)
		if v.Type != gjson.String {
			continue
		}
		raw := arrayFromString(v.Str)
		next, err := sjson.SetRawBytes(out, field, []byte(raw))
		if err != nil {
			return doc, false, fmt.Errorf("failed to rewrite %s: %w", field, err)
		}
		out, changed = next, true
	}
	return out, changed, nil
}

// arrayFromString returns the JSON array a string field should have held.
// An empty string is an empty array and a bare id is a one-element array.
func arrayFromString(s string) string {
	if s == "" {
		return "[]"
	}
	if gjson.Valid(s) {
		if parsed := gjson.Parse(s); parsed.IsArray() {
			return parsed.Raw
		}
	}
	raw, _ := sjson.Set("[]", "-1", s)
	return raw
}

func removeDuplicates(ctx context.Context, db *store.DB, logger *zap.Logger) (int, int, error) {
	tasks, err := store.AllOf[*schema.Task](ctx, db)
	if err != nil {
		return 0, 0, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	keep := make(map[string]string, len(tasks))
	duplicates, assignments := 0, 0
	for _, task := range tasks {
		key := task.DuplicateKey()
		original, seen := keep[key]
		if !seen {
			keep[key] = task.ID
			continue
		}

		removed, err := db.Delete(ctx, schema.CollectionTasks, task.ID)
		if err != nil {
			return duplicates, assignments, err
		}
		duplicates++
		if removed > 1 {
			assignments += removed - 1
		}
		logger.Debug("removed duplicate task",
			zap.String("id", task.ID),
			zap.String("kept", original),
			zap.String("title", task.Title))
	}
	return duplicates, assignments, nil
}
