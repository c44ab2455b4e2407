// Package syncutil provides keyed locking for serializing work on one key.
package syncutil

import (
	"context"
	"hash/fnv"
)

const defaultShards = 256

// KeyLock is a fixed pool of channel-based locks addressed by string key.
// Distinct keys may share a shard. Memory stays bounded regardless of how
// many keys are seen.
type KeyLock struct {
	shards []chan struct{}
}

// NewKeyLock creates a lock pool with n shards. n <= 0 selects 256.
func NewKeyLock(n int) *KeyLock {
	if n <= 0 {
		n = defaultShards
	}
	k := &KeyLock{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock acquires the lock for key or returns ctx's error if ctx ends first.
// The caller must call the returned unlock function exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (unlock func(), err error) {
	ch := k.shards[k.index(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeyLock) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.shards))
}
