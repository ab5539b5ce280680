// Package realtime applies changes pushed by the remote store's change
// feed directly to the Local Store, bypassing the Sync Queue.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crewdesk/crewsync/internal/remote"
	"github.com/crewdesk/crewsync/internal/schema"
	"github.com/crewdesk/crewsync/internal/store"
)

// Publisher shares the local snapshot with other execution contexts.
type Publisher interface {
	Publish(ctx context.Context) error
}

// Invalidator tells readers that the Local Store changed.
type Invalidator interface {
	Notify()
}

// Config holds listener configuration.
type Config struct {
	// Collections to subscribe to (default: all)
	Collections []schema.Collection

	// ReconnectDelay is how long to wait before resubscribing after a
	// subscription drops. Zero disables resubscription.
	ReconnectDelay time.Duration

	// Logger for listener activity (default: no-op)
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Collections:    schema.Collections,
		ReconnectDelay: 5 * time.Second,
		Logger:         zap.NewNop(),
	}
}

// Listener consumes one subscription per collection.
type Listener struct {
	feed        remote.Feed
	db          *store.DB
	publisher   Publisher
	invalidator Invalidator
	config      *Config
	logger      *zap.Logger

	mu      sync.Mutex
	applied int
}

// New creates a listener. publisher and invalidator may be nil.
func New(feed remote.Feed, db *store.DB, publisher Publisher, invalidator Invalidator, config *Config) *Listener {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Collections) == 0 {
		config.Collections = schema.Collections
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		feed:        feed,
		db:          db,
		publisher:   publisher,
		invalidator: invalidator,
		config:      config,
		logger:      logger.Named("realtime"),
	}
}

// Run subscribes to every configured collection and applies events until
// ctx is cancelled. Subscription failures are logged, never returned.
func (l *Listener) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range l.config.Collections {
		wg.Add(1)
		go func(c schema.Collection) {
			defer wg.Done()
			l.consume(ctx, c)
		}(c)
	}
	wg.Wait()
}

// consume keeps one collection's subscription alive.
func (l *Listener) consume(ctx context.Context, c schema.Collection) {
	log := l.logger.With(zap.String("collection", c.String()))
	for {
		events, err := l.feed.Subscribe(ctx, c)
		if err != nil {
			log.Warn("subscription failed", zap.Error(err))
		} else {
			log.Debug("subscribed")
			for ev := range events {
				if err := l.Apply(ctx, ev); err != nil {
					log.Warn("failed to apply change event",
						zap.String("type", string(ev.Type)),
						zap.String("id", ev.RecordID()),
						zap.Error(err))
				}
			}
			if ctx.Err() == nil {
				log.Warn("subscription dropped")
			}
		}

		if ctx.Err() != nil || l.config.ReconnectDelay <= 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.config.ReconnectDelay):
		}
	}
}

// Apply writes one change event to the Local Store and fans the change out.
// Inserts and updates are stored as authoritative; deletes cascade.
func (l *Listener) Apply(ctx context.Context, ev remote.ChangeEvent) error {
	switch ev.Type {
	case remote.ChangeInsert, remote.ChangeUpdate:
		if ev.New == nil {
			return fmt.Errorf("%s event without a record", ev.Type)
		}
		if err := l.db.Put(ctx, ev.New, store.OriginRemote); err != nil {
			return err
		}

	case remote.ChangeDelete:
		id := ev.RecordID()
		if id == "" {
			return fmt.Errorf("delete event without a record id")
		}
		if _, err := l.db.Delete(ctx, ev.Collection, id); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown change type %q", ev.Type)
	}

	l.mu.Lock()
	l.applied++
	l.mu.Unlock()

	if l.invalidator != nil {
		l.invalidator.Notify()
	}
	if l.publisher != nil {
		if err := l.publisher.Publish(ctx); err != nil {
			l.logger.Warn("failed to publish snapshot", zap.Error(err))
		}
	}
	return nil
}

// Applied returns how many events have been applied.
func (l *Listener) Applied() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applied
}
