package session

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyedMutex serializes work per flow_token by hashing tokens onto a fixed
// set of mutex shards. Two tokens may share a shard; a token never spans two.
type keyedMutex struct {
	shards [lockShards]sync.Mutex
}

func (k *keyedMutex) shard(token string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(token))
	return &k.shards[h.Sum32()%lockShards]
}

// Lock acquires the shard for token and returns its unlock func.
func (k *keyedMutex) Lock(token string) func() {
	mu := k.shard(token)
	mu.Lock()
	return mu.Unlock
}
