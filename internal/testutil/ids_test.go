package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDs_Increments(t *testing.T) {
	ids := NewSequentialIDs("alice")
	assert.Equal(t, "alice-1", ids.Generate())
	assert.Equal(t, "alice-2", ids.Generate())
}

func TestSequentialIDs_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "evt-1", NewSequentialIDs("").Generate())
}

func TestSequentialIDs_ThreadSafe(t *testing.T) {
	ids := NewSequentialIDs("p")
	const numGoroutines = 100

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			id := ids.Generate()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, numGoroutines, "all tokens should be unique")
}
