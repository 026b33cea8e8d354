// Package id generates time-sortable run identifiers.
package id

import (
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces ULID strings from an injectable entropy source, so
// callers that need reproducible identifiers can supply a seeded reader.
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewGenerator builds a generator over an entropy reader. A nil reader falls
// back to a monotonic source seeded from the wall clock.
func NewGenerator(entropy io.Reader) *Generator {
	if entropy == nil {
		entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	}
	return &Generator{entropy: entropy, now: time.Now}
}

// New returns a ULID string. ULIDs sort lexicographically by generation time,
// which keeps run listings and sqlite indexes in chronological order.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(g.now().UTC()), g.entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}

var std = NewGenerator(nil)

// New returns a ULID from the package-level generator. Run IDs are metadata
// only; nothing numeric in a run depends on them, so the wall-clock component
// does not break run determinism.
func New() string {
	return std.New()
}
