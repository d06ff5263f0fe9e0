package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// idGenerator produces unique, lexicographically creation-ordered mutation
// ids: a zero-padded Unix-nanosecond prefix followed by a UUID suffix. The
// prefix gives replay order; the suffix guarantees uniqueness when two
// mutations land on the same nanosecond. A mutex keeps the timestamp
// strictly monotonic even if the wall clock steps backwards.
type idGenerator struct {
	mu      sync.Mutex
	lastNS  int64
	nowFunc func() time.Time // injectable for testing
}

func newIDGenerator() *idGenerator {
	return &idGenerator{nowFunc: time.Now}
}

// next returns a new mutation id and its creation timestamp.
func (g *idGenerator) next() (string, int64) {
	g.mu.Lock()

	ns := g.nowFunc().UnixNano()
	if ns <= g.lastNS {
		ns = g.lastNS + 1
	}

	g.lastNS = ns
	g.mu.Unlock()

	return fmt.Sprintf("%020d-%s", ns, uuid.NewString()), ns
}
