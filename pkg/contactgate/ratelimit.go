package contactgate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultLimiterTimeout bounds every Check and Status call
const DefaultLimiterTimeout = 500 * time.Millisecond

// DefaultRateLimitPolicy governs the contact endpoint: 5 submissions per
// rolling hour per client address
var DefaultRateLimitPolicy = RateLimitPolicy{Limit: 5, Window: time.Hour, Namespace: "rate_limit"}

// RateLimitPolicy allows Limit requests per rolling Window for each identity.
// Counters live under NamespacedKey(Namespace, identity).
type RateLimitPolicy struct {
	Limit     uint64        `yaml:"limit" json:"limit"`
	Window    time.Duration `yaml:"window" json:"window"`
	Namespace string        `yaml:"namespace" json:"namespace"`
}

func (p RateLimitPolicy) String() string {
	return fmt.Sprintf("RateLimitPolicy(%d per %v, namespace: %v)", p.Limit, p.Window, p.Namespace)
}

func (p RateLimitPolicy) Validate() error {
	if p.Limit == 0 {
		return errors.New("limit must be greater than zero")
	}
	if p.Window <= 0 {
		return errors.New("window must be greater than zero")
	}
	if len(p.Namespace) == 0 {
		return errors.New("namespace must not be empty")
	}
	return nil
}

// Key returns the counter store key holding identity's timestamps
func (p RateLimitPolicy) Key(identity string) string {
	return NamespacedKey(p.Namespace, identity)
}

// ttl is the safety net expiry on a counter key, whole seconds rounded up
func (p RateLimitPolicy) ttl() time.Duration {
	return time.Duration(ceilDiv(int64(p.Window), int64(time.Second))) * time.Second
}

type Decision int

const (
	Allow Decision = iota
	Deny
)

func (d Decision) String() string {
	if d == Deny {
		return "deny"
	}
	return "allow"
}

// RateLimitResult is the quota state of one identity after a Check or Status.
// FailedOpen is set when the counter store could not be consulted.
type RateLimitResult struct {
	Allowed           bool
	Count             uint64
	Remaining         uint64
	ResetTime         time.Time
	RetryAfterSeconds int64
	FailedOpen        bool
}

func (r RateLimitResult) Decision() Decision {
	if r.Allowed {
		return Allow
	}
	return Deny
}

func failOpenResult(policy RateLimitPolicy, now time.Time) RateLimitResult {
	return RateLimitResult{
		Allowed:           true,
		Count:             0,
		Remaining:         policy.Limit,
		ResetTime:         now.Add(policy.Window),
		RetryAfterSeconds: 0,
		FailedOpen:        true,
	}
}

type LimiterOption func(*SlidingWindowLimiter)

// WithTimeout bounds the counter store round trips of a single call
func WithTimeout(timeout time.Duration) LimiterOption {
	return func(l *SlidingWindowLimiter) {
		if timeout > 0 {
			l.timeout = timeout
		}
	}
}

func WithClock(now func() time.Time) LimiterOption {
	return func(l *SlidingWindowLimiter) {
		l.now = now
	}
}

// WithLocker serializes Check per identity. Without a locker concurrent
// requests from one identity can overshoot the limit slightly.
func WithLocker(locker Locker) LimiterOption {
	return func(l *SlidingWindowLimiter) {
		l.locker = locker
	}
}

func WithMemberFunc(member func(now time.Time) string) LimiterOption {
	return func(l *SlidingWindowLimiter) {
		l.member = member
	}
}

func NewSlidingWindowLimiter(store CounterStore, logger logrus.FieldLogger, reporter MetricReporter, opts ...LimiterOption) *SlidingWindowLimiter {
	l := &SlidingWindowLimiter{
		store:       store,
		timeout:     DefaultLimiterTimeout,
		now:         time.Now,
		member:      uniqueMember,
		logger:      logger,
		reporter:    reporter,
		warnLimiter: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// SlidingWindowLimiter counts requests per identity over a rolling window.
// Check and Status never return errors: when the store fails or times out the
// request is allowed.
type SlidingWindowLimiter struct {
	store       CounterStore
	locker      Locker
	timeout     time.Duration
	now         func() time.Time
	member      func(now time.Time) string
	logger      logrus.FieldLogger
	reporter    MetricReporter
	warnLimiter *rate.Limiter
}

// Check admits or denies one request from identity. An admitted request is
// recorded against the window, a denied one is not.
func (l *SlidingWindowLimiter) Check(ctx context.Context, identity string, policy RateLimitPolicy) RateLimitResult {
	start := time.Now()
	now := l.now()

	result := l.run(ctx, "check", identity, policy, now, func(ctx context.Context) (RateLimitResult, error) {
		return l.check(ctx, identity, policy, now)
	})

	l.logger.Debugf("check for %v under %v: %+v", identity, policy, result)
	l.reporter.HandledRateLimit(result.Allowed, result.FailedOpen, time.Since(start))
	return result
}

// Status reports identity's quota without consuming it
func (l *SlidingWindowLimiter) Status(ctx context.Context, identity string, policy RateLimitPolicy) RateLimitResult {
	now := l.now()

	return l.run(ctx, "status", identity, policy, now, func(ctx context.Context) (RateLimitResult, error) {
		return l.status(ctx, identity, policy, now)
	})
}

// Reset forgets every request recorded for identity
func (l *SlidingWindowLimiter) Reset(ctx context.Context, identity string, policy RateLimitPolicy) error {
	if err := policy.Validate(); err != nil {
		return errors.Wrap(err, "invalid rate limit policy")
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	return l.store.Delete(ctx, policy.Key(identity))
}

type limiterOutcome struct {
	result RateLimitResult
	err    error
}

// run bounds fn by the limiter timeout and maps every failure to the fail
// open result. fn keeps running after a timeout until the store gives up,
// but it records nothing once ctx is done.
func (l *SlidingWindowLimiter) run(ctx context.Context, op string, identity string, policy RateLimitPolicy, now time.Time, fn func(context.Context) (RateLimitResult, error)) RateLimitResult {
	if err := policy.Validate(); err != nil {
		l.logger.WithError(err).Errorf("invalid policy %v, failing open", policy)
		return failOpenResult(policy, now)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	done := make(chan limiterOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- limiterOutcome{err: fmt.Errorf("counter store panicked: %v", r)}
			}
		}()

		result, err := fn(ctx)
		done <- limiterOutcome{result: result, err: err}
	}()

	select {
	case outcome := <-done:
		if outcome.err != nil {
			l.warnFailOpen(outcome.err, op, identity)
			return failOpenResult(policy, now)
		}
		return outcome.result
	case <-ctx.Done():
		l.warnFailOpen(errors.Wrap(ctx.Err(), "counter store did not answer in time"), op, identity)
		return failOpenResult(policy, now)
	}
}

func (l *SlidingWindowLimiter) warnFailOpen(err error, op string, identity string) {
	entry := l.logger.WithError(err).WithField("identity", identity)
	if l.warnLimiter.Allow() {
		entry.Warnf("rate limit %v failed, failing open", op)
		return
	}
	entry.Debugf("rate limit %v failed, failing open", op)
}

func (l *SlidingWindowLimiter) check(ctx context.Context, identity string, policy RateLimitPolicy, now time.Time) (RateLimitResult, error) {
	key := policy.Key(identity)
	nowMs := now.UnixMilli()
	windowStart := nowMs - policy.Window.Milliseconds()

	if l.locker != nil {
		unlock, err := l.locker.Lock(ctx, key)
		if err != nil {
			return RateLimitResult{}, err
		}
		defer unlock()
	}

	if err := l.store.Prune(ctx, key, windowStart); err != nil {
		return RateLimitResult{}, err
	}

	count, err := l.store.Count(ctx, key)
	if err != nil {
		return RateLimitResult{}, err
	}

	if uint64(count) >= policy.Limit {
		return l.deny(ctx, key, policy, now, windowStart, uint64(count))
	}

	// the caller has already been answered with the fail open result
	if err := ctx.Err(); err != nil {
		return RateLimitResult{}, errors.Wrap(err, "deadline passed before recording the request")
	}

	if err := l.store.Add(ctx, key, nowMs, l.member(now)); err != nil {
		return RateLimitResult{}, err
	}

	// the request is recorded at this point, a missing ttl only delays reclamation
	if err := l.store.Expire(ctx, key, policy.ttl()); err != nil {
		l.logger.WithError(err).Warnf("could not refresh expiry of %v", key)
	}

	return RateLimitResult{
		Allowed:           true,
		Count:             uint64(count) + 1,
		Remaining:         policy.Limit - uint64(count) - 1,
		ResetTime:         now.Add(policy.Window),
		RetryAfterSeconds: 0,
	}, nil
}

func (l *SlidingWindowLimiter) status(ctx context.Context, identity string, policy RateLimitPolicy, now time.Time) (RateLimitResult, error) {
	key := policy.Key(identity)
	windowStart := now.UnixMilli() - policy.Window.Milliseconds()

	count, err := l.store.CountSince(ctx, key, windowStart)
	if err != nil {
		return RateLimitResult{}, err
	}

	if uint64(count) >= policy.Limit {
		return l.deny(ctx, key, policy, now, windowStart, uint64(count))
	}

	return RateLimitResult{
		Allowed:           true,
		Count:             uint64(count),
		Remaining:         policy.Limit - uint64(count),
		ResetTime:         now.Add(policy.Window),
		RetryAfterSeconds: 0,
	}, nil
}

// deny builds the rejection for a full window. The window reopens when its
// oldest live entry ages out.
func (l *SlidingWindowLimiter) deny(ctx context.Context, key string, policy RateLimitPolicy, now time.Time, windowStart int64, count uint64) (RateLimitResult, error) {
	resetTime := now.Add(policy.Window)

	oldest, ok, err := l.store.Oldest(ctx, key, windowStart)
	if err != nil {
		return RateLimitResult{}, err
	}
	if ok {
		resetTime = time.UnixMilli(oldest).Add(policy.Window)
	}

	if !resetTime.After(now) {
		resetTime = now.Add(time.Millisecond)
	}

	return RateLimitResult{
		Allowed:           false,
		Count:             count,
		Remaining:         0,
		ResetTime:         resetTime,
		RetryAfterSeconds: ceilDiv(int64(resetTime.Sub(now)), int64(time.Second)),
	}, nil
}

// uniqueMember keeps requests recorded in the same millisecond distinct
func uniqueMember(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
