// Package remote defines the contract with the authoritative remote store
// and its change feed, plus the adapters the engine ships with:
//
//   - HTTPClient and WSFeed talk to a server over REST and websocket
//   - Memory is an in-process store with failure injection
//   - Server exposes a Memory over HTTP for local development
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crewdesk/crewsync/internal/schema"
)

// ErrNotFound is returned when the remote store has no record with the
// requested id.
var ErrNotFound = errors.New("remote record not found")

// Store is the request/response surface of the remote store.
type Store interface {
	// Insert creates rec and returns the stored copy. The remote store
	// assigns a canonical id when rec carries a temporary one.
	Insert(ctx context.Context, rec schema.Record) (schema.Record, error)

	// Update overwrites the record with rec's id and returns the stored copy.
	Update(ctx context.Context, rec schema.Record) (schema.Record, error)

	// Delete removes the record and its children. Deleting a missing
	// record is not an error.
	Delete(ctx context.Context, c schema.Collection, id string) error

	// SelectAll returns every record of the collection.
	SelectAll(ctx context.Context, c schema.Collection) ([]schema.Record, error)
}

// Feed is the push channel of the remote store.
type Feed interface {
	// Subscribe streams change events for one collection. The channel is
	// closed when the subscription drops or ctx is cancelled.
	Subscribe(ctx context.Context, c schema.Collection) (<-chan ChangeEvent, error)
}

// ChangeType is the kind of change carried by a ChangeEvent.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one change pushed by the remote store. New is set for
// inserts and updates, Old for deletes.
type ChangeEvent struct {
	Type       ChangeType
	Collection schema.Collection
	New        schema.Record
	Old        schema.Record
}

// RecordID returns the id of the changed record.
func (e ChangeEvent) RecordID() string {
	if e.New != nil {
		return e.New.RecordID()
	}
	if e.Old != nil {
		return e.Old.RecordID()
	}
	return ""
}

type wireEvent struct {
	Type       ChangeType        `json:"type"`
	Collection schema.Collection `json:"collection"`
	New        json.RawMessage   `json:"new,omitempty"`
	Old        json.RawMessage   `json:"old,omitempty"`
}

// MarshalJSON encodes the event in its wire form.
func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type, Collection: e.Collection}
	var err error
	if e.New != nil {
		if w.New, err = json.Marshal(e.New); err != nil {
			return nil, err
		}
	}
	if e.Old != nil {
		if w.Old, err = json.Marshal(e.Old); err != nil {
			return nil, err
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form, typing New and Old by collection.
func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
	default:
		return fmt.Errorf("unknown change type %q", w.Type)
	}

	ev := ChangeEvent{Type: w.Type, Collection: w.Collection}
	if len(w.New) > 0 && string(w.New) != "null" {
		rec, err := schema.Decode(w.Collection, w.New)
		if err != nil {
			return err
		}
		ev.New = rec
	}
	if len(w.Old) > 0 && string(w.Old) != "null" {
		rec, err := schema.Decode(w.Collection, w.Old)
		if err != nil {
			return err
		}
		ev.Old = rec
	}
	*e = ev
	return nil
}
