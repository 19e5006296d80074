// Package syncutil provides small concurrency helpers.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex spreads lock contention for string-keyed critical sections
// across a fixed set of mutexes. Two keys on the same shard serialize; that
// is acceptable for correctness, sharding only reduces contention.
type ShardedMutex struct {
	shards []sync.Mutex
}

// NewShardedMutex creates a sharded mutex with the given shard count.
func NewShardedMutex(shards int) *ShardedMutex {
	if shards <= 0 {
		shards = 32
	}
	return &ShardedMutex{shards: make([]sync.Mutex, shards)}
}

// Lock acquires the shard owning key.
func (m *ShardedMutex) Lock(key string) {
	m.shards[m.index(key)].Lock()
}

// Unlock releases the shard owning key.
func (m *ShardedMutex) Unlock(key string) {
	m.shards[m.index(key)].Unlock()
}

func (m *ShardedMutex) index(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
