package schema

import (
	"fmt"
	"time"
)

// OpKind is the kind of mutation carried by an Operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// IsValid reports whether k is a known operation kind.
func (k OpKind) IsValid() bool {
	switch k {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Operation is a pending mutation intent awaiting delivery to the remote
// store.
type Operation struct {
	ID         string
	Seq        int64
	Collection Collection
	Kind       OpKind
	RecordID   string

	// Record is the mutated record. For deletes it carries at least the id.
	Record Record

	EnqueuedAt time.Time
	RetryCount int
	LastError  string
}

// Validate checks that the operation can be persisted and dispatched.
func (op *Operation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("operation id is required")
	}
	if !op.Collection.IsValid() {
		return fmt.Errorf("invalid collection %q", op.Collection)
	}
	if !op.Kind.IsValid() {
		return fmt.Errorf("invalid operation kind %q", op.Kind)
	}
	if op.RecordID == "" {
		return fmt.Errorf("record id is required")
	}
	if op.Record == nil {
		return fmt.Errorf("payload is required")
	}
	if op.Record.Collection() != op.Collection {
		return fmt.Errorf("payload is a %s record, operation targets %s", op.Record.Collection(), op.Collection)
	}
	return nil
}

func (op *Operation) String() string {
	return fmt.Sprintf("%s %s/%s", op.Kind, op.Collection, op.RecordID)
}
