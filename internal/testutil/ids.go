package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates "<prefix>-1", "<prefix>-2", ... as idempotency
// tokens.
//
// Unlike eventsync.FixedGenerator, which panics once its list runs out,
// SequentialIDs never exhausts. Each replica in a scenario gets its own
// prefix so tokens stay unique across the room.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialIDs creates a generator. An empty prefix defaults to "evt".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "evt"
	}
	return &SequentialIDs{prefix: prefix}
}

// Generate returns the next token.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}
