// Package orchestrator provides the Sync Orchestrator: the connectivity
// aware coordinator that drains the Sync Queue against the remote store.
//
// # States
//
// The orchestrator is in exactly one of three states:
//
//	Offline     no connectivity; enqueues and ticks are ignored
//	OnlineIdle  connected, no drain pass in flight
//	Syncing     a drain pass is in flight
//
// Connectivity transitions arrive on the Source's channel and are applied
// as soon as they arrive, even while a pass is in flight. Restoring
// connectivity immediately starts a drain pass. Losing it mid-pass lets the
// in-flight remote call finish and then ends the pass; the remaining
// operations stay queued.
//
// # Drain pass
//
// A pass takes the queue's contents at call time and dispatches each
// operation in enqueue order. A create against a temporary id is followed
// by replacing the local record with the canonical record returned by the
// remote store, and by rebinding every queued payload that still refers to
// the temporary id. If the local replacement fails, the canonical record is
// kept in sync_meta and the replacement is retried at the start of the next
// pass.
//
// A failed operation stays queued for the next pass until it has failed
// queue.MaxRetries times, then it is dropped, logged at error level and
// handed to Config.OnDropped. Later operations in the same pass on the
// failed record, or on records that refer to its temporary id, are held
// back to the next pass without spending their retries.
//
// At most one pass runs at a time. A trigger that arrives while a pass is
// in flight is a no-op; the next tick picks up whatever is left.
//
// # Usage
//
//	orch, err := orchestrator.New(orchestrator.Deps{
//	    Store:        db,
//	    Queue:        q,
//	    Remote:       client,
//	    Connectivity: prober,
//	}, nil)
//	if err != nil {
//	    return err
//	}
//	unsubscribe := orch.Subscribe(func(s orchestrator.Status) {
//	    fmt.Println(s.State, s.PendingOperationCount)
//	})
//	defer unsubscribe()
//	go orch.Run(ctx)
package orchestrator
