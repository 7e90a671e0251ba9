// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// KeyedMutex is a fixed pool of channel-based mutexes keyed by string.
// Memory stays bounded no matter how many keys are seen; keys that hash to
// the same shard occasionally contend with each other.
type KeyedMutex struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// Lock acquires the mutex for key and returns its unlock function.
func (m *KeyedMutex) Lock(key string) func() {
	m.init()
	shard := m.shards[shardIdx(key)]
	<-shard
	return func() { shard <- struct{}{} }
}

// LockContext is Lock but gives up when ctx is done. On cancellation it
// returns a nil unlock function and the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := m.shards[shardIdx(key)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
