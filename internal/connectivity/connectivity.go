// Package connectivity reports whether the remote store is reachable.
//
// A Source exposes its current value and a channel of transitions. Prober
// derives reachability by polling a health check; Manual is set by hand
// and backs the --offline flag and tests.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Source reports connectivity.
type Source interface {
	// Online returns the current value.
	Online() bool

	// Changes delivers the new value after every transition. Only the most
	// recent pending value is kept.
	Changes() <-chan bool
}

// notifier holds the current value and a one-slot transition channel that
// always carries the latest value.
type notifier struct {
	mu     sync.Mutex
	online bool
	ch     chan bool
}

func newNotifier(initial bool) *notifier {
	return &notifier{online: initial, ch: make(chan bool, 1)}
}

func (n *notifier) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) Changes() <-chan bool {
	return n.ch
}

// set stores v and reports whether it was a transition.
func (n *notifier) set(v bool) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.online == v {
		return false
	}
	n.online = v

	// Replace any unconsumed value with the latest one.
	select {
	case <-n.ch:
	default:
	}
	n.ch <- v
	return true
}

// Manual is a Source set explicitly.
type Manual struct {
	*notifier
}

// NewManual returns a Manual source with the given initial value.
func NewManual(online bool) *Manual {
	return &Manual{notifier: newNotifier(online)}
}

// Set changes the value. Setting the current value is a no-op.
func (m *Manual) Set(online bool) {
	m.set(online)
}

// CheckFunc returns nil when the remote store is reachable.
type CheckFunc func(ctx context.Context) error

// ProberConfig holds Prober configuration.
type ProberConfig struct {
	// Interval between checks (default: 10s)
	Interval time.Duration

	// Timeout for a single check (default: 5s)
	Timeout time.Duration

	// Initial is the value reported before the first check completes.
	Initial bool

	// Logger for transitions (default: no-op)
	Logger *zap.Logger
}

// DefaultProberConfig returns sensible defaults.
func DefaultProberConfig() *ProberConfig {
	return &ProberConfig{
		Interval: 10 * time.Second,
		Timeout:  5 * time.Second,
		Logger:   zap.NewNop(),
	}
}

// Prober is a Source that polls a health check.
type Prober struct {
	*notifier
	check  CheckFunc
	config *ProberConfig
	logger *zap.Logger
}

// NewProber returns a prober for check. Call Run to start polling.
func NewProber(check CheckFunc, config *ProberConfig) *Prober {
	if config == nil {
		config = DefaultProberConfig()
	}
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		notifier: newNotifier(config.Initial),
		check:    check,
		config:   config,
		logger:   logger.Named("connectivity"),
	}
}

// Run checks immediately and then every Interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe runs one check and updates the value.
func (p *Prober) Probe(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	err := p.check(cctx)
	cancel()

	online := err == nil
	if p.set(online) {
		if online {
			p.logger.Info("remote reachable")
		} else {
			p.logger.Warn("remote unreachable", zap.Error(err))
		}
	}
	return online
}
