package contactgate

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultMemoryStoreMaxKeys bounds the fallback store when no size is configured
const DefaultMemoryStoreMaxKeys = 10000

// NewMemoryCounterStore returns an in-process CounterStore. It is only
// consistent within one process and is meant for local development or as a
// degraded fallback when no redis is configured. It is never authoritative.
func NewMemoryCounterStore(maxKeys int, logger logrus.FieldLogger, reporter MetricReporter) (*MemoryCounterStore, error) {
	if maxKeys <= 0 {
		maxKeys = DefaultMemoryStoreMaxKeys
	}

	cache, err := lru.New(maxKeys)
	if err != nil {
		return nil, errors.Wrap(err, "error creating memory counter store cache")
	}

	return &MemoryCounterStore{
		cache:    cache,
		logger:   logger,
		reporter: reporter,
		now:      time.Now,
	}, nil
}

type memoryEntry struct {
	score  int64
	member string
}

type memorySet struct {
	entries  []memoryEntry // sorted by score, then member
	expireAt time.Time
}

func (s *memorySet) expired(now time.Time) bool {
	return !s.expireAt.IsZero() && !now.Before(s.expireAt)
}

// MemoryCounterStore is a CounterStore kept in an LRU bounded map. The mutex
// makes every operation atomic per key.
type MemoryCounterStore struct {
	sync.Mutex
	cache    *lru.Cache
	logger   logrus.FieldLogger
	reporter MetricReporter
	now      func() time.Time
}

// get returns the live set for key. Expired sets are dropped. Callers must
// hold the lock.
func (ms *MemoryCounterStore) get(key string) (*memorySet, bool) {
	value, ok := ms.cache.Get(key)
	if !ok {
		return nil, false
	}

	set := value.(*memorySet)
	if set.expired(ms.now()) {
		ms.cache.Remove(key)
		return nil, false
	}

	return set, true
}

func (ms *MemoryCounterStore) Prune(ctx context.Context, key string, maxScore int64) error {
	ms.Lock()
	defer ms.Unlock()

	set, ok := ms.get(key)
	if !ok {
		return nil
	}

	i := sort.Search(len(set.entries), func(i int) bool { return set.entries[i].score > maxScore })
	set.entries = set.entries[i:]
	if len(set.entries) == 0 {
		ms.cache.Remove(key)
	}

	return nil
}

func (ms *MemoryCounterStore) Count(ctx context.Context, key string) (int64, error) {
	ms.Lock()
	defer ms.Unlock()

	set, ok := ms.get(key)
	if !ok {
		return 0, nil
	}

	return int64(len(set.entries)), nil
}

func (ms *MemoryCounterStore) CountSince(ctx context.Context, key string, minScore int64) (int64, error) {
	ms.Lock()
	defer ms.Unlock()

	set, ok := ms.get(key)
	if !ok {
		return 0, nil
	}

	i := sort.Search(len(set.entries), func(i int) bool { return set.entries[i].score > minScore })
	return int64(len(set.entries) - i), nil
}

func (ms *MemoryCounterStore) Add(ctx context.Context, key string, score int64, member string) error {
	ms.Lock()
	defer ms.Unlock()

	set, ok := ms.get(key)
	if !ok {
		set = &memorySet{}
		ms.cache.Add(key, set)
	}

	// sorted set semantics: re-adding a member updates its score
	for i, entry := range set.entries {
		if entry.member == member {
			set.entries = append(set.entries[:i], set.entries[i+1:]...)
			break
		}
	}

	entry := memoryEntry{score: score, member: member}
	i := sort.Search(len(set.entries), func(i int) bool {
		e := set.entries[i]
		return e.score > score || (e.score == score && e.member > member)
	})
	set.entries = append(set.entries, memoryEntry{})
	copy(set.entries[i+1:], set.entries[i:])
	set.entries[i] = entry

	return nil
}

func (ms *MemoryCounterStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ms.Lock()
	defer ms.Unlock()

	set, ok := ms.get(key)
	if !ok {
		return errors.Errorf("expire not set, key %v does not exist", key)
	}

	set.expireAt = ms.now().Add(ttl)
	return nil
}

func (ms *MemoryCounterStore) Oldest(ctx context.Context, key string, minScore int64) (int64, bool, error) {
	ms.Lock()
	defer ms.Unlock()

	set, ok := ms.get(key)
	if !ok {
		return 0, false, nil
	}

	i := sort.Search(len(set.entries), func(i int) bool { return set.entries[i].score > minScore })
	if i == len(set.entries) {
		return 0, false, nil
	}

	return set.entries[i].score, true, nil
}

func (ms *MemoryCounterStore) Delete(ctx context.Context, key string) error {
	ms.Lock()
	defer ms.Unlock()

	ms.cache.Remove(key)
	return nil
}

func (ms *MemoryCounterStore) Ping(ctx context.Context) error {
	return nil
}

// Run sweeps expired keys every pruneInterval until stop is closed
func (ms *MemoryCounterStore) Run(pruneInterval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			ms.logger.Info("received signal to stop pruning memory counter store")
			return
		case <-ticker.C:
			ms.pruneExpired()
		}
	}
}

func (ms *MemoryCounterStore) pruneExpired() {
	start := time.Now()

	ms.Lock()
	now := ms.now()
	size := ms.cache.Len()
	pruned := 0
	for _, key := range ms.cache.Keys() {
		value, ok := ms.cache.Peek(key)
		if !ok {
			continue
		}
		if value.(*memorySet).expired(now) {
			ms.cache.Remove(key)
			pruned++
		}
	}
	ms.Unlock()

	ms.logger.Debugf("pruned %d of %d keys from memory counter store", pruned, size)
	ms.reporter.MemoryStorePruned(time.Since(start), float64(size), float64(pruned))
}
