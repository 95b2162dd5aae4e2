package contactgate

import (
	"context"
	"time"
)

// CounterStore persists one sorted set of request timestamps per key. Scores
// are unix milliseconds. Each operation must be atomic for a single key, the
// sequence of operations is not.
type CounterStore interface {
	// Prune removes every member with a score <= maxScore
	Prune(ctx context.Context, key string, maxScore int64) error
	// Count returns the cardinality of the set
	Count(ctx context.Context, key string) (int64, error)
	// CountSince counts members with a score > minScore without mutating the set
	CountSince(ctx context.Context, key string, minScore int64) (int64, error)
	Add(ctx context.Context, key string, score int64, member string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Oldest returns the lowest score > minScore. ok is false for an empty range.
	Oldest(ctx context.Context, key string, minScore int64) (score int64, ok bool, err error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}
