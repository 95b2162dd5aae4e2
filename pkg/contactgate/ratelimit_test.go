package contactgate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// FakeCounterStore wraps a real store and fails or blocks the named operation
type FakeCounterStore struct {
	CounterStore
	injectedErr error
	failOn      string // empty fails every operation
	block       bool
}

func (f *FakeCounterStore) fail(ctx context.Context, op string) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.injectedErr != nil && (f.failOn == "" || f.failOn == op) {
		return f.injectedErr
	}
	return nil
}

func (f *FakeCounterStore) Prune(ctx context.Context, key string, maxScore int64) error {
	if err := f.fail(ctx, "prune"); err != nil {
		return err
	}
	return f.CounterStore.Prune(ctx, key, maxScore)
}

func (f *FakeCounterStore) Count(ctx context.Context, key string) (int64, error) {
	if err := f.fail(ctx, "count"); err != nil {
		return 0, err
	}
	return f.CounterStore.Count(ctx, key)
}

func (f *FakeCounterStore) CountSince(ctx context.Context, key string, minScore int64) (int64, error) {
	if err := f.fail(ctx, "countSince"); err != nil {
		return 0, err
	}
	return f.CounterStore.CountSince(ctx, key, minScore)
}

func (f *FakeCounterStore) Add(ctx context.Context, key string, score int64, member string) error {
	if err := f.fail(ctx, "add"); err != nil {
		return err
	}
	return f.CounterStore.Add(ctx, key, score, member)
}

func (f *FakeCounterStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.fail(ctx, "expire"); err != nil {
		return err
	}
	return f.CounterStore.Expire(ctx, key, ttl)
}

func (f *FakeCounterStore) Oldest(ctx context.Context, key string, minScore int64) (int64, bool, error) {
	if err := f.fail(ctx, "oldest"); err != nil {
		return 0, false, err
	}
	return f.CounterStore.Oldest(ctx, key, minScore)
}

func (f *FakeCounterStore) Ping(ctx context.Context) error {
	if err := f.fail(ctx, "ping"); err != nil {
		return err
	}
	return f.CounterStore.Ping(ctx)
}

var testPolicy = RateLimitPolicy{Limit: 5, Window: time.Hour, Namespace: "rate_limit"}

// forEachLimiter runs f against a limiter backed by each CounterStore
func forEachLimiter(t *testing.T, f func(t *testing.T, limiter *SlidingWindowLimiter, clock *testClock)) {
	forEachCounterStore(t, func(t *testing.T, store CounterStore) {
		clock := newTestClock()
		if ms, ok := store.(*MemoryCounterStore); ok {
			ms.now = clock.Now
		}
		limiter := NewSlidingWindowLimiter(store, TestingLogger, NullReporter{}, WithClock(clock.Now), WithTimeout(time.Second))
		f(t, limiter, clock)
	})
}

func TestRateLimitPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  RateLimitPolicy
		errored bool
	}{
		{name: "Default", policy: DefaultRateLimitPolicy},
		{name: "ZeroLimit", policy: RateLimitPolicy{Limit: 0, Window: time.Hour, Namespace: "rl"}, errored: true},
		{name: "ZeroWindow", policy: RateLimitPolicy{Limit: 1, Window: 0, Namespace: "rl"}, errored: true},
		{name: "NoNamespace", policy: RateLimitPolicy{Limit: 1, Window: time.Hour}, errored: true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.policy.Validate()
			if test.errored != (err != nil) {
				t.Fatalf("expected error: %v received: %v", test.errored, err)
			}
		})
	}
}

func TestRateLimitPolicyString(t *testing.T) {
	expected := "RateLimitPolicy(5 per 1h0m0s, namespace: rate_limit)"
	if got := DefaultRateLimitPolicy.String(); got != expected {
		t.Fatalf("expected: %v received: %v", expected, got)
	}
}

func TestRateLimitPolicyTTLRoundsUp(t *testing.T) {
	policy := RateLimitPolicy{Limit: 1, Window: 1500 * time.Millisecond, Namespace: "rl"}
	if got := policy.ttl(); got != 2*time.Second {
		t.Fatalf("expected: %v received: %v", 2*time.Second, got)
	}
}

func TestSlidingWindowLimiterCheck(t *testing.T) {
	forEachLimiter(t, func(t *testing.T, limiter *SlidingWindowLimiter, clock *testClock) {
		ctx := context.Background()
		identity := "203.0.113.5"

		for i := uint64(0); i < testPolicy.Limit; i++ {
			result := limiter.Check(ctx, identity, testPolicy)
			expected := RateLimitResult{
				Allowed:           true,
				Count:             i + 1,
				Remaining:         testPolicy.Limit - i - 1,
				ResetTime:         clock.Now().Add(time.Hour),
				RetryAfterSeconds: 0,
			}
			if diff := cmp.Diff(expected, result); diff != "" {
				t.Fatalf("request %d: unexpected result (-want +got):\n%s", i+1, diff)
			}
		}

		denied := limiter.Check(ctx, identity, testPolicy)
		expected := RateLimitResult{
			Allowed:           false,
			Count:             testPolicy.Limit,
			Remaining:         0,
			ResetTime:         clock.Now().Add(time.Hour),
			RetryAfterSeconds: 3600,
		}
		if diff := cmp.Diff(expected, denied); diff != "" {
			t.Fatalf("unexpected denial (-want +got):\n%s", diff)
		}

		// denials are not recorded
		status := limiter.Status(ctx, identity, testPolicy)
		if status.Count != testPolicy.Limit {
			t.Fatalf("expected: %v received: %v", testPolicy.Limit, status.Count)
		}

		clock.Advance(time.Hour + time.Millisecond)

		result := limiter.Check(ctx, identity, testPolicy)
		if !result.Allowed || result.Remaining != testPolicy.Limit-1 {
			t.Fatalf("expected admission after the window elapsed, received: %+v", result)
		}
	})
}

func TestSlidingWindowLimiterSlides(t *testing.T) {
	forEachLimiter(t, func(t *testing.T, limiter *SlidingWindowLimiter, clock *testClock) {
		ctx := context.Background()
		identity := "198.51.100.9"
		start := clock.Now()

		limiter.Check(ctx, identity, testPolicy)
		clock.Advance(30 * time.Minute)
		for i := 0; i < 4; i++ {
			limiter.Check(ctx, identity, testPolicy)
		}

		denied := limiter.Check(ctx, identity, testPolicy)
		if denied.Allowed {
			t.Fatalf("expected denial, received: %+v", denied)
		}
		if !denied.ResetTime.Equal(start.Add(time.Hour)) {
			t.Fatalf("expected: %v received: %v", start.Add(time.Hour), denied.ResetTime)
		}
		if denied.RetryAfterSeconds != 1800 {
			t.Fatalf("expected: %v received: %v", 1800, denied.RetryAfterSeconds)
		}

		// only the first request has aged out
		clock.Advance(30*time.Minute + time.Millisecond)

		admitted := limiter.Check(ctx, identity, testPolicy)
		if !admitted.Allowed || admitted.Remaining != 0 || admitted.Count != 5 {
			t.Fatalf("expected the limit-th admission, received: %+v", admitted)
		}

		denied = limiter.Check(ctx, identity, testPolicy)
		if denied.Allowed {
			t.Fatalf("expected denial, received: %+v", denied)
		}
		if denied.RetryAfterSeconds != 1800 {
			t.Fatalf("expected: %v received: %v", 1800, denied.RetryAfterSeconds)
		}
		if !denied.ResetTime.After(clock.Now()) {
			t.Fatalf("reset time %v is not after now %v", denied.ResetTime, clock.Now())
		}
	})
}

func TestSlidingWindowLimiterIdentitiesIndependent(t *testing.T) {
	forEachLimiter(t, func(t *testing.T, limiter *SlidingWindowLimiter, clock *testClock) {
		ctx := context.Background()
		policy := RateLimitPolicy{Limit: 1, Window: time.Minute, Namespace: "rate_limit"}

		if !limiter.Check(ctx, "10.0.0.1", policy).Allowed {
			t.Fatal("first identity should be admitted")
		}
		if limiter.Check(ctx, "10.0.0.1", policy).Allowed {
			t.Fatal("first identity should be denied")
		}
		if !limiter.Check(ctx, "10.0.0.2", policy).Allowed {
			t.Fatal("second identity should be admitted")
		}

		other := RateLimitPolicy{Limit: 1, Window: time.Minute, Namespace: "other"}
		if !limiter.Check(ctx, "10.0.0.1", other).Allowed {
			t.Fatal("identity should be admitted under another namespace")
		}
	})
}

func TestSlidingWindowLimiterStatus(t *testing.T) {
	forEachLimiter(t, func(t *testing.T, limiter *SlidingWindowLimiter, clock *testClock) {
		ctx := context.Background()
		identity := "192.0.2.10"

		status := limiter.Status(ctx, identity, testPolicy)
		expected := RateLimitResult{
			Allowed:   true,
			Count:     0,
			Remaining: testPolicy.Limit,
			ResetTime: clock.Now().Add(time.Hour),
		}
		if diff := cmp.Diff(expected, status); diff != "" {
			t.Fatalf("unexpected status (-want +got):\n%s", diff)
		}

		for i := 0; i < 3; i++ {
			limiter.Status(ctx, identity, testPolicy)
		}
		limiter.Check(ctx, identity, testPolicy)

		status = limiter.Status(ctx, identity, testPolicy)
		if status.Count != 1 || status.Remaining != testPolicy.Limit-1 {
			t.Fatalf("status consumed quota: %+v", status)
		}

		for i := 0; i < 4; i++ {
			limiter.Check(ctx, identity, testPolicy)
		}

		clock.Advance(time.Minute)
		status = limiter.Status(ctx, identity, testPolicy)
		if status.Allowed || status.RetryAfterSeconds != 3540 {
			t.Fatalf("expected full window with 3540s retry, received: %+v", status)
		}
	})
}

func TestSlidingWindowLimiterReset(t *testing.T) {
	forEachLimiter(t, func(t *testing.T, limiter *SlidingWindowLimiter, clock *testClock) {
		ctx := context.Background()
		policy := RateLimitPolicy{Limit: 1, Window: time.Hour, Namespace: "rate_limit"}

		limiter.Check(ctx, "10.1.1.1", policy)
		if limiter.Check(ctx, "10.1.1.1", policy).Allowed {
			t.Fatal("expected denial before reset")
		}

		if err := limiter.Reset(ctx, "10.1.1.1", policy); err != nil {
			t.Fatalf("got error: %v", err)
		}

		if !limiter.Check(ctx, "10.1.1.1", policy).Allowed {
			t.Fatal("expected admission after reset")
		}
	})
}

func TestSlidingWindowLimiterFailsOpen(t *testing.T) {
	tests := []struct {
		name    string
		failOn  string
		prefill int

		expectedFailedOpen bool
		expectedCount      uint64
	}{
		{name: "AllOperations", failOn: "", expectedFailedOpen: true},
		{name: "Prune", failOn: "prune", expectedFailedOpen: true},
		{name: "Count", failOn: "count", expectedFailedOpen: true},
		{name: "Add", failOn: "add", expectedFailedOpen: true},
		{name: "OldestOnFullWindow", failOn: "oldest", prefill: 5, expectedFailedOpen: true},
		// the request is already recorded when the expiry fails
		{name: "ExpireOnly", failOn: "expire", expectedFailedOpen: false, expectedCount: 1},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			clock := newTestClock()
			memory := newTestMemoryCounterStore(t, 100, clock)
			store := &FakeCounterStore{CounterStore: memory}
			limiter := NewSlidingWindowLimiter(store, TestingLogger, NullReporter{}, WithClock(clock.Now))

			ctx := context.Background()
			identity := "203.0.113.9"
			for i := 0; i < test.prefill; i++ {
				limiter.Check(ctx, identity, testPolicy)
			}

			store.injectedErr = fmt.Errorf("connection refused")
			store.failOn = test.failOn

			result := limiter.Check(ctx, identity, testPolicy)
			if !result.Allowed {
				t.Fatalf("expected fail open admission, received: %+v", result)
			}
			if result.FailedOpen != test.expectedFailedOpen {
				t.Fatalf("expected: %v received: %v", test.expectedFailedOpen, result.FailedOpen)
			}
			if result.Count != test.expectedCount {
				t.Fatalf("expected: %v received: %v", test.expectedCount, result.Count)
			}
			if test.expectedFailedOpen {
				expected := failOpenResult(testPolicy, clock.Now())
				if diff := cmp.Diff(expected, result); diff != "" {
					t.Fatalf("unexpected result (-want +got):\n%s", diff)
				}
			}
		})
	}
}

func TestSlidingWindowLimiterStatusFailsOpen(t *testing.T) {
	clock := newTestClock()
	store := &FakeCounterStore{
		CounterStore: newTestMemoryCounterStore(t, 100, clock),
		injectedErr:  fmt.Errorf("timeout"),
	}
	limiter := NewSlidingWindowLimiter(store, TestingLogger, NullReporter{}, WithClock(clock.Now))

	result := limiter.Status(context.Background(), "203.0.113.9", testPolicy)
	if diff := cmp.Diff(failOpenResult(testPolicy, clock.Now()), result); diff != "" {
		t.Fatalf("unexpected result (-want +got):\n%s", diff)
	}
}

func TestSlidingWindowLimiterTimesOut(t *testing.T) {
	clock := newTestClock()
	store := &FakeCounterStore{CounterStore: newTestMemoryCounterStore(t, 100, clock), block: true}
	limiter := NewSlidingWindowLimiter(store, TestingLogger, NullReporter{}, WithClock(clock.Now), WithTimeout(20*time.Millisecond))

	start := time.Now()
	result := limiter.Check(context.Background(), "203.0.113.9", testPolicy)
	elapsed := time.Since(start)

	if !result.Allowed || !result.FailedOpen {
		t.Fatalf("expected fail open admission, received: %+v", result)
	}
	if elapsed > time.Second {
		t.Fatalf("check blocked for %v", elapsed)
	}
}

// slowCountStore answers Count late and ignores cancellation, like a redis
// command already on the wire
type slowCountStore struct {
	CounterStore
	delay time.Duration
}

func (s *slowCountStore) Count(ctx context.Context, key string) (int64, error) {
	time.Sleep(s.delay)
	return s.CounterStore.Count(ctx, key)
}

func TestSlidingWindowLimiterRecordsNothingAfterTimeout(t *testing.T) {
	clock := newTestClock()
	inner := newTestMemoryCounterStore(t, 100, clock)
	store := &slowCountStore{CounterStore: inner, delay: 100 * time.Millisecond}
	limiter := NewSlidingWindowLimiter(store, TestingLogger, NullReporter{}, WithClock(clock.Now), WithTimeout(20*time.Millisecond))

	result := limiter.Check(context.Background(), "203.0.113.9", testPolicy)
	if !result.Allowed || !result.FailedOpen || result.Remaining != testPolicy.Limit {
		t.Fatalf("expected fail open admission, received: %+v", result)
	}

	// let the abandoned check finish
	time.Sleep(300 * time.Millisecond)

	count, err := inner.CountSince(context.Background(), testPolicy.Key("203.0.113.9"), 0)
	if err != nil {
		t.Fatalf("got error: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected: %v received: %v", 0, count)
	}
}

type panickingStore struct {
	CounterStore
}

func (panickingStore) Prune(ctx context.Context, key string, maxScore int64) error {
	panic("boom")
}

func TestSlidingWindowLimiterRecoversStorePanic(t *testing.T) {
	limiter := NewSlidingWindowLimiter(panickingStore{}, TestingLogger, NullReporter{})

	result := limiter.Check(context.Background(), "203.0.113.9", testPolicy)
	if !result.Allowed || !result.FailedOpen {
		t.Fatalf("expected fail open admission, received: %+v", result)
	}
}

func TestSlidingWindowLimiterInvalidPolicyFailsOpen(t *testing.T) {
	clock := newTestClock()
	limiter := NewSlidingWindowLimiter(newTestMemoryCounterStore(t, 100, clock), TestingLogger, NullReporter{}, WithClock(clock.Now))

	result := limiter.Check(context.Background(), "203.0.113.9", RateLimitPolicy{Limit: 0, Window: time.Hour, Namespace: "rl"})
	if !result.Allowed || !result.FailedOpen {
		t.Fatalf("expected fail open admission, received: %+v", result)
	}

	if err := limiter.Reset(context.Background(), "203.0.113.9", RateLimitPolicy{}); err == nil {
		t.Fatal("expected error but received nil")
	}
}

func TestSlidingWindowLimiterConcurrentStrict(t *testing.T) {
	tests := []struct {
		name       string
		newLimiter func(t *testing.T) (*SlidingWindowLimiter, func())
	}{
		{
			name: "MemoryWithKeyedMutex",
			newLimiter: func(t *testing.T) (*SlidingWindowLimiter, func()) {
				store := newTestMemoryCounterStore(t, 100, newTestClock())
				limiter := NewSlidingWindowLimiter(store, TestingLogger, NullReporter{}, WithLocker(NewKeyedMutexLocker()), WithTimeout(5*time.Second))
				return limiter, func() {}
			},
		},
		{
			name: "RedisWithRedisLock",
			newLimiter: func(t *testing.T) (*SlidingWindowLimiter, func()) {
				client, s := newTestRedis(t)
				store := NewRedisCounterStore(client, TestingLogger)
				locker := NewRedisLocker(client, TestingLogger)
				limiter := NewSlidingWindowLimiter(store, TestingLogger, NullReporter{}, WithLocker(locker), WithTimeout(5*time.Second))
				return limiter, s.Close
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			limiter, cleanup := test.newLimiter(t)
			defer cleanup()

			// every burst must be serialized, not only the first one
			for burst := 0; burst < 6; burst++ {
				identity := fmt.Sprintf("203.0.113.%v", 20+burst)

				const requests = 6
				results := make(chan RateLimitResult, requests)
				start := make(chan struct{})
				wg := sync.WaitGroup{}

				for i := 0; i < requests; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						results <- limiter.Check(context.Background(), identity, testPolicy)
					}()
				}

				close(start)
				wg.Wait()
				close(results)

				remaining := []uint64{}
				denied := 0
				for result := range results {
					if result.FailedOpen {
						t.Fatalf("burst %v unexpected fail open: %+v", burst, result)
					}
					if !result.Allowed {
						denied++
						continue
					}
					remaining = append(remaining, result.Remaining)
				}

				sort.Slice(remaining, func(i, j int) bool { return remaining[i] < remaining[j] })
				if diff := cmp.Diff([]uint64{0, 1, 2, 3, 4}, remaining); diff != "" {
					t.Fatalf("burst %v unexpected remaining values (-want +got):\n%s", burst, diff)
				}
				if denied != 1 {
					t.Fatalf("burst %v expected: %v received: %v", burst, 1, denied)
				}
			}
		})
	}
}

func TestKeyedMutexLockerHonorsContext(t *testing.T) {
	locker := NewKeyedMutexLocker()

	unlock, err := locker.Lock(context.Background(), "key")
	if err != nil {
		t.Fatalf("got error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := locker.Lock(ctx, "key"); err == nil {
		t.Fatal("expected error but received nil")
	}

	unlock()
	unlock()

	unlock, err = locker.Lock(context.Background(), "key")
	if err != nil {
		t.Fatalf("got error: %v", err)
	}
	unlock()

	if len(locker.locks) != 0 {
		t.Fatalf("expected: %v received: %v", 0, len(locker.locks))
	}
}

func TestUniqueMember(t *testing.T) {
	now := time.Now()
	a, b := uniqueMember(now), uniqueMember(now)
	if a == b {
		t.Fatalf("members collided: %v", a)
	}
}

func TestDecision(t *testing.T) {
	if got := (RateLimitResult{Allowed: true}).Decision(); got != Allow {
		t.Fatalf("expected: %v received: %v", Allow, got)
	}
	if got := (RateLimitResult{Allowed: false}).Decision(); got != Deny {
		t.Fatalf("expected: %v received: %v", Deny, got)
	}
}
