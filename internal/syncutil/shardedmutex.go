// Package syncutil contains small concurrency helpers shared by the
// escrow and dispute services.
package syncutil

import (
	"hash/fnv"
	"sync"
)

// ShardedMutex is a fixed-size pool of mutexes keyed by string. It gives
// per-entity critical sections with bounded memory no matter how many
// entity IDs pass through, at the cost of occasional false sharing between
// keys that hash to the same shard.
//
// The escrow and dispute services share one instance so that operations
// touching the same escrow from either side serialize in process. Never
// acquire a second key while holding one; two keys can land on the same
// shard.
type ShardedMutex struct {
	shards [256]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%256]
}
