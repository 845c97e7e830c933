package ledger

import (
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
)

const lockShards = 128

// keyLocks serializes writers per (user, currency) pair using a fixed
// set of striped mutexes. This is the in-process fast path; the
// cross-process guarantee is the ordinal unique index in the store.
type keyLocks struct {
	shards [lockShards]sync.Mutex
}

func shardOf(userID uuid.UUID, currency string) int {
	h := fnv.New32a()
	h.Write(userID[:])
	h.Write([]byte(currency))
	return int(h.Sum32() % lockShards)
}

// lock locks the shard for the pair and returns the unlock func
func (l *keyLocks) lock(userID uuid.UUID, currency string) func() {
	i := shardOf(userID, currency)
	l.shards[i].Lock()
	return l.shards[i].Unlock
}

// lockPair locks the shards for two pairs in index order so two-leg
// trades cannot deadlock against each other.
func (l *keyLocks) lockPair(userID uuid.UUID, curA, curB string) func() {
	a, b := shardOf(userID, curA), shardOf(userID, curB)
	if a == b {
		l.shards[a].Lock()
		return l.shards[a].Unlock
	}
	if a > b {
		a, b = b, a
	}
	l.shards[a].Lock()
	l.shards[b].Lock()
	return func() {
		l.shards[b].Unlock()
		l.shards[a].Unlock()
	}
}
