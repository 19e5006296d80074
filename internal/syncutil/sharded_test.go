package syncutil

import (
	"sync"
	"testing"
)

func TestShardedMutex(t *testing.T) {
	m := NewShardedMutex(8)

	// Unsynchronized increments under the same key must serialize on one
	// shard, so every increment survives.
	for _, key := range []string{"user-001", "user-002", "user-003"} {
		t.Run(key, func(t *testing.T) {
			var count int
			var wg sync.WaitGroup

			for i := 0; i < 200; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					m.Lock(key)
					defer m.Unlock(key)
					count++
				}()
			}
			wg.Wait()

			if count != 200 {
				t.Errorf("expected 200 increments, got %d", count)
			}
		})
	}
}

func TestShardedMutexDefaultSize(t *testing.T) {
	m := NewShardedMutex(0)
	if len(m.shards) != 32 {
		t.Errorf("expected 32 default shards, got %d", len(m.shards))
	}

	// Must not panic
	m.Lock("key")
	m.Unlock("key")
}
