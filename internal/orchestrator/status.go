package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// State is the orchestrator's coarse state.
type State string

const (
	StateOffline    State = "offline"
	StateOnlineIdle State = "online_idle"
	StateSyncing    State = "syncing"
)

// Status is the snapshot published to subscribers.
type Status struct {
	State                 State     `json:"state"`
	IsOnline              bool      `json:"isOnline"`
	IsSyncing             bool      `json:"isSyncing"`
	LastSyncTimestamp     time.Time `json:"lastSyncTimestamp"`
	PendingOperationCount int       `json:"pendingOperationCount"`
	LastError             string    `json:"lastError,omitempty"`

	// DroppedOperations counts operations dropped after exhausting their
	// retries since the process started.
	DroppedOperations int `json:"droppedOperations"`
}

// State returns the current state.
func (o *Orchestrator) State() State {
	switch {
	case !o.online.Load():
		return StateOffline
	case o.syncing.Load():
		return StateSyncing
	default:
		return StateOnlineIdle
	}
}

// Status returns a snapshot of the current status.
func (o *Orchestrator) Status(ctx context.Context) Status {
	pending, err := o.deps.Queue.Count(ctx)
	if err != nil {
		o.logger.Warn("failed to count pending operations", zap.Error(err))
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	return Status{
		State:                 o.State(),
		IsOnline:              o.online.Load(),
		IsSyncing:             o.syncing.Load(),
		LastSyncTimestamp:     o.lastSync,
		PendingOperationCount: pending,
		LastError:             o.lastError,
		DroppedOperations:     o.dropped,
	}
}

// Subscribe registers fn to receive every published status. fn runs on the
// publishing goroutine and must not block. The returned function
// unsubscribes.
func (o *Orchestrator) Subscribe(fn func(Status)) func() {
	o.subsMu.Lock()
	id := o.nextID
	o.nextID++
	o.subs[id] = fn
	o.subsMu.Unlock()

	return func() {
		o.subsMu.Lock()
		delete(o.subs, id)
		o.subsMu.Unlock()
	}
}

func (o *Orchestrator) publishStatus(ctx context.Context) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	s := o.Status(ctx)

	o.subsMu.Lock()
	subs := make([]func(Status), 0, len(o.subs))
	for _, fn := range o.subs {
		subs = append(subs, fn)
	}
	o.subsMu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}
