package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crewdesk/crewsync/internal/schema"
)

// FailureFunc decides whether a remote call fails. op is one of "insert",
// "update", "delete" or "select".
type FailureFunc func(op string, c schema.Collection, id string) error

// Memory is an in-process remote store. It implements both Store and Feed:
// every successful mutation is pushed to the subscribers of its collection.
type Memory struct {
	mu      sync.Mutex
	records map[schema.Collection]map[string]schema.Record
	ids     schema.IDGenerator
	fail    FailureFunc
	failN   int
	failErr error
	calls   map[string]int

	subsMu sync.Mutex
	subs   map[schema.Collection]map[int]chan ChangeEvent
	nextID int
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithMemoryIDs sets the generator used for canonical ids.
func WithMemoryIDs(g schema.IDGenerator) MemoryOption {
	return func(m *Memory) {
		if g != nil {
			m.ids = g
		}
	}
}

// NewMemory returns an empty in-process remote store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		records: make(map[schema.Collection]map[string]schema.Record),
		ids:     schema.DefaultIDGenerator,
		calls:   make(map[string]int),
		subs:    make(map[schema.Collection]map[int]chan ChangeEvent),
	}
	for _, c := range schema.Collections {
		m.records[c] = make(map[string]schema.Record)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetFailure installs fn to be consulted before every call. nil clears it.
func (m *Memory) SetFailure(fn FailureFunc) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

// FailNext makes the next n calls fail with err.
func (m *Memory) FailNext(n int, err error) {
	m.mu.Lock()
	m.failN = n
	m.failErr = err
	m.mu.Unlock()
}

// Calls returns how many times op was attempted, failed or not.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// checkFailure must be called with m.mu held.
func (m *Memory) checkFailure(op string, c schema.Collection, id string) error {
	m.calls[op]++
	if m.failN > 0 {
		m.failN--
		return m.failErr
	}
	if m.fail != nil {
		return m.fail(op, c, id)
	}
	return nil
}

// Insert stores a copy of rec. Temporary and empty ids are replaced by a
// canonical id.
func (m *Memory) Insert(ctx context.Context, rec schema.Record) (schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, err := schema.Clone(rec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if err := m.checkFailure("insert", rec.Collection(), rec.RecordID()); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if id := stored.RecordID(); id == "" || schema.IsTempID(id) {
		stored.SetRecordID(m.ids.NewID())
	}
	stored.Meta().IsOffline = false
	m.records[stored.Collection()][stored.RecordID()] = stored
	out, err := schema.Clone(stored)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.emit(ChangeEvent{Type: ChangeInsert, Collection: stored.Collection(), New: stored})
	return out, nil
}

// Update overwrites an existing record. It returns ErrNotFound when the id
// is unknown.
func (m *Memory) Update(ctx context.Context, rec schema.Record) (schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stored, err := schema.Clone(rec)
	if err != nil {
		return nil, err
	}
	stored.Meta().IsOffline = false

	m.mu.Lock()
	if err := m.checkFailure("update", rec.Collection(), rec.RecordID()); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if _, ok := m.records[stored.Collection()][stored.RecordID()]; !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", stored.Collection(), stored.RecordID(), ErrNotFound)
	}
	m.records[stored.Collection()][stored.RecordID()] = stored
	out, err := schema.Clone(stored)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	m.emit(ChangeEvent{Type: ChangeUpdate, Collection: stored.Collection(), New: stored})
	return out, nil
}

// Delete removes the record and cascades to its children.
func (m *Memory) Delete(ctx context.Context, c schema.Collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if err := m.checkFailure("delete", c, id); err != nil {
		m.mu.Unlock()
		return err
	}
	var removed []ChangeEvent
	if child := c.Children(); child != "" {
		for cid, rec := range m.records[child] {
			if rec.ParentID() == id {
				delete(m.records[child], cid)
				removed = append(removed, ChangeEvent{Type: ChangeDelete, Collection: child, Old: rec})
			}
		}
	}
	if rec, ok := m.records[c][id]; ok {
		delete(m.records[c], id)
		removed = append(removed, ChangeEvent{Type: ChangeDelete, Collection: c, Old: rec})
	}
	m.mu.Unlock()

	for _, ev := range removed {
		m.emit(ev)
	}
	return nil
}

// SelectAll returns copies of every record of c ordered by creation time.
func (m *Memory) SelectAll(ctx context.Context, c schema.Collection) ([]schema.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkFailure("select", c, ""); err != nil {
		return nil, err
	}
	out := make([]schema.Record, 0, len(m.records[c]))
	for _, rec := range m.records[c] {
		cp, err := schema.Clone(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CreatedTime(), out[j].CreatedTime()
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return out[i].RecordID() < out[j].RecordID()
	})
	return out, nil
}

// Seed stores rec as-is without consulting failure injection and without
// notifying subscribers.
func (m *Memory) Seed(rec schema.Record) error {
	stored, err := schema.Clone(rec)
	if err != nil {
		return err
	}
	stored.Meta().IsOffline = false
	m.mu.Lock()
	m.records[stored.Collection()][stored.RecordID()] = stored
	m.mu.Unlock()
	return nil
}

// Len returns the number of records stored in c.
func (m *Memory) Len(c schema.Collection) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[c])
}

// Subscribe implements Feed.
func (m *Memory) Subscribe(ctx context.Context, c schema.Collection) (<-chan ChangeEvent, error) {
	if !c.IsValid() {
		return nil, fmt.Errorf("unknown collection %q", c)
	}
	ch := make(chan ChangeEvent, 64)

	m.subsMu.Lock()
	if m.subs[c] == nil {
		m.subs[c] = make(map[int]chan ChangeEvent)
	}
	id := m.nextID
	m.nextID++
	m.subs[c][id] = ch
	m.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		m.unsubscribe(c, id)
	}()
	return ch, nil
}

func (m *Memory) unsubscribe(c schema.Collection, id int) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if ch, ok := m.subs[c][id]; ok {
		delete(m.subs[c], id)
		close(ch)
	}
}

// DropSubscriptions closes every open subscription of c, as a lost
// connection would.
func (m *Memory) DropSubscriptions(c schema.Collection) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for id, ch := range m.subs[c] {
		delete(m.subs[c], id)
		close(ch)
	}
}

// Subscribers returns the number of open subscriptions on c.
func (m *Memory) Subscribers(c schema.Collection) int {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	return len(m.subs[c])
}

// Emit pushes ev to the subscribers of its collection, as a change made by
// another client would.
func (m *Memory) Emit(ev ChangeEvent) {
	m.emit(ev)
}

// emit delivers a private copy of ev to each subscriber. Slow subscribers
// miss events rather than stall writers.
func (m *Memory) emit(ev ChangeEvent) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs[ev.Collection] {
		select {
		case ch <- ev.clone():
		default:
		}
	}
}

func (e ChangeEvent) clone() ChangeEvent {
	out := e
	if e.New != nil {
		if rec, err := schema.Clone(e.New); err == nil {
			out.New = rec
		}
	}
	if e.Old != nil {
		if rec, err := schema.Clone(e.Old); err == nil {
			out.Old = rec
		}
	}
	return out
}

var (
	_ Store = (*Memory)(nil)
	_ Feed  = (*Memory)(nil)
)
