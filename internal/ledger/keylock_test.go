package ledger

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestKeyLockSerializesSamePair(t *testing.T) {
	var locks keyLocks
	user := uuid.New()

	const workers = 32
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.lock(user, "BTC")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	require.Equal(t, workers, counter)
}

func TestKeyLockPairNoDeadlock(t *testing.T) {
	var locks keyLocks
	user := uuid.New()

	// Opposite acquisition orders would deadlock without the sorted
	// shard ordering.
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := locks.lockPair(user, "BTC", "USDT")
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := locks.lockPair(user, "USDT", "BTC")
			unlock()
		}()
	}
	wg.Wait()
}

func TestKeyLockSameShardPair(t *testing.T) {
	var locks keyLocks
	user := uuid.New()

	// Two currencies hashing to the same shard must collapse to one
	// acquisition instead of self-deadlocking.
	var a, b string
	found := false
	codes := []string{"BTC", "ETH", "USDT", "SOL", "ADA", "DOT", "XRP", "LTC", "BNB", "DOGE", "AVAX", "LINK", "ATOM", "NEAR", "APT", "ARB"}
	for i := 0; i < len(codes) && !found; i++ {
		for j := i + 1; j < len(codes); j++ {
			if shardOf(user, codes[i]) == shardOf(user, codes[j]) {
				a, b, found = codes[i], codes[j], true
				break
			}
		}
	}
	if !found {
		t.Skip("no same-shard currency pair among samples for this user id")
	}

	unlock := locks.lockPair(user, a, b)
	unlock()
	// Lockable again after release.
	unlock = locks.lock(user, a)
	unlock()
	require.True(t, found)
}
