// Package conflict decides which of two copies of the same record wins
// when copies from different writers meet.
package conflict

import (
	"github.com/crewdesk/crewsync/internal/schema"
)

// Comparator reports whether incoming should replace local. local is nil
// when the record does not exist locally.
type Comparator interface {
	Wins(incoming, local schema.Record) bool
}

// ComparatorFunc adapts a function to Comparator.
type ComparatorFunc func(incoming, local schema.Record) bool

func (f ComparatorFunc) Wins(incoming, local schema.Record) bool { return f(incoming, local) }

// LastWriteWins prefers the copy with the strictly later ModifiedAt. A
// record missing locally always wins. Ties keep the local copy, so applying
// the same copy twice is a no-op.
//
// Timestamps come from each writer's wall clock; skew between writers can
// make an older edit win.
type LastWriteWins struct{}

func (LastWriteWins) Wins(incoming, local schema.Record) bool {
	if incoming == nil {
		return false
	}
	if local == nil {
		return true
	}
	return incoming.ModifiedAt().After(local.ModifiedAt())
}

// Default is the comparator used when none is configured.
var Default Comparator = LastWriteWins{}

// Strategy names a comparator in configuration.
type Strategy string

const (
	StrategyLastWriteWins Strategy = "last_write_wins"
	StrategyPreferLocal   Strategy = "prefer_local"
)

// ForStrategy returns the comparator for s, falling back to Default.
func ForStrategy(s Strategy) Comparator {
	switch s {
	case StrategyPreferLocal:
		return ComparatorFunc(func(incoming, local schema.Record) bool {
			return local == nil && incoming != nil
		})
	default:
		return Default
	}
}
