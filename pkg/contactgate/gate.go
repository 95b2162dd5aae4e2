package contactgate

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Rate limit response headers
const (
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
)

// isoMillis matches the format of JavaScript's Date.toISOString
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// RateLimitedBody is written with every 429
type RateLimitedBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retryAfter"`
}

func NewRequestGate(resolver *IdentityResolver, limiter *SlidingWindowLimiter, policy RateLimitPolicy, exempter *Exempter, logger logrus.FieldLogger) *RequestGate {
	return &RequestGate{
		resolver: resolver,
		limiter:  limiter,
		policy:   policy,
		exempter: exempter,
		logger:   logger,
	}
}

// RequestGate admits or rejects requests to the handler it wraps. Admission
// consumes quota whether or not the wrapped handler succeeds.
type RequestGate struct {
	resolver *IdentityResolver
	limiter  *SlidingWindowLimiter
	policy   RateLimitPolicy
	exempter *Exempter
	logger   logrus.FieldLogger
}

func (g *RequestGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := g.resolver.ResolveRequest(r)
		r = r.WithContext(WithIdentity(r.Context(), identity))

		if identity == LoopbackIdentity || IsPrivateIP(identity) {
			g.logger.Debugf("request resolved to non public identity %v, it shares a bucket with similar requests", identity)
		}

		if g.exempter.IsExempt(identity) {
			next.ServeHTTP(w, r)
			return
		}

		result := g.limiter.Check(r.Context(), identity, g.policy)
		SetRateLimitHeaders(w.Header(), g.policy, result)

		if !result.Allowed {
			g.logger.WithFields(logrus.Fields{
				"identity":   identity,
				"count":      result.Count,
				"retryAfter": result.RetryAfterSeconds,
			}).Info("rejecting rate limited request")

			WriteRateLimited(w, result)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SetRateLimitHeaders describes the quota state of result
func SetRateLimitHeaders(header http.Header, policy RateLimitPolicy, result RateLimitResult) {
	header.Set(HeaderRateLimitLimit, strconv.FormatUint(policy.Limit, 10))
	header.Set(HeaderRateLimitRemaining, strconv.FormatUint(result.Remaining, 10))
	header.Set(HeaderRateLimitReset, result.ResetTime.UTC().Format(isoMillis))
}

// WriteRateLimited writes the 429 for a denied result
func WriteRateLimited(w http.ResponseWriter, result RateLimitResult) {
	w.Header().Set(HeaderRetryAfter, strconv.FormatInt(result.RetryAfterSeconds, 10))
	writeJSON(w, http.StatusTooManyRequests, RateLimitedBody{
		Error:      "Too Many Requests",
		Message:    RetryMessage(result.RetryAfterSeconds),
		RetryAfter: result.RetryAfterSeconds,
	})
}

// RetryMessage tells a person how long to wait, in seconds under a minute
// and in whole minutes rounded up otherwise
func RetryMessage(retryAfterSeconds int64) string {
	if retryAfterSeconds < int64(time.Minute/time.Second) {
		return fmt.Sprintf("Too many requests. Please try again in %d second(s).", retryAfterSeconds)
	}

	minutes := ceilDiv(retryAfterSeconds, 60)
	return fmt.Sprintf("Too many requests. Please try again in %d minute(s).", minutes)
}
