package ids

import (
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDStrictlyIncreasing(t *testing.T) {
	prev := NewID()
	for i := 0; i < 200; i++ {
		next := NewID()
		require.Len(t, next, 26)
		_, err := ulid.Parse(next)
		require.NoError(t, err)
		require.Less(t, prev, next)
		prev = next
	}
}

func TestNewIDConcurrentUniqueness(t *testing.T) {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				id := NewLockToken()
				mu.Lock()
				_, dup := seen[id]
				seen[id] = struct{}{}
				mu.Unlock()
				assert.False(t, dup, "duplicate id %s", id)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 400)
}

func TestCreatedAt(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	at, ok := CreatedAt(NewID())
	require.True(t, ok)
	assert.False(t, at.Before(before.Truncate(time.Millisecond)))

	_, ok = CreatedAt("not-a-ulid")
	assert.False(t, ok)
}
