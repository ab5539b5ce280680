package schema

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// TempIDPrefix marks client-minted identifiers awaiting a canonical id.
const TempIDPrefix = "offline_"

// IsTempID reports whether id was minted locally and not yet confirmed.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// IDGenerator mints identifiers for new local records and queue entries.
type IDGenerator interface {
	NewTempID() string
	NewID() string
}

// UUIDGenerator mints random UUID-based identifiers.
type UUIDGenerator struct{}

func (UUIDGenerator) NewTempID() string { return TempIDPrefix + uuid.NewString() }
func (UUIDGenerator) NewID() string { return uuid.NewString() }

// DefaultIDGenerator is used when no generator is configured.
var DefaultIDGenerator IDGenerator = UUIDGenerator{}

// SequenceGenerator mints predictable identifiers (offline_1, offline_2, ...).
// Tests use it to refer to temporary ids by name.
type SequenceGenerator struct {
	n atomic.Int64
}

func (g *SequenceGenerator) NewTempID() string {
	return fmt.Sprintf("%s%d", TempIDPrefix, g.n.Add(1))
}

func (g *SequenceGenerator) NewID() string {
	return fmt.Sprintf("op_%d", g.n.Add(1))
}
