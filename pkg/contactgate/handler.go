package contactgate

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func NewEmailsHandler(mailer Mailer, validator *FormValidator, logger logrus.FieldLogger, reporter MetricReporter) *EmailsHandler {
	return &EmailsHandler{mailer: mailer, validator: validator, logger: logger, reporter: reporter}
}

// EmailsHandler relays contact form submissions to the Mailer. A nil mailer
// means the provider is not configured and every request fails with a 500.
type EmailsHandler struct {
	mailer    Mailer
	validator *FormValidator
	logger    logrus.FieldLogger
	reporter  MetricReporter
}

func (h *EmailsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger
	if identity, ok := IdentityFromContext(r.Context()); ok {
		logger = logger.WithField("identity", identity)
	}

	if !strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
		writeError(w, http.StatusBadRequest, "Content-Type must be application/json")
		return
	}

	if h.mailer == nil {
		logger.Error("email provider is not configured")
		writeError(w, http.StatusInternalServerError, "Environment variables not set")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		maxBytesErr := &http.MaxBytesError{}
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		logger.WithError(err).Warn("error reading request body")
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	form, err := h.validator.DecodeContactForm(body)
	if err != nil {
		validationErr := &FormValidationError{}
		if errors.As(err, &validationErr) {
			logger.Debugf("rejecting contact form: %v", validationErr)
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid input data", Details: validationErr.Issues})
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	start := time.Now()
	err = h.mailer.Send(r.Context(), form.ContactMessage())
	h.reporter.EmailSent(err == nil, time.Since(start))
	if err != nil {
		logger.WithError(err).Error("error sending contact email")
		writeError(w, http.StatusInternalServerError, "Failed to send email")
		return
	}

	logger.Info("sent contact email")
	writeJSON(w, http.StatusOK, messageBody{Message: "Email sent successfully"})
}

// QuotaStatusBody reports an identity's quota without consuming it
type QuotaStatusBody struct {
	Allowed    bool   `json:"allowed"`
	Limit      uint64 `json:"limit"`
	Count      uint64 `json:"count"`
	Remaining  uint64 `json:"remaining"`
	Reset      string `json:"reset"`
	RetryAfter int64  `json:"retryAfter"`
}

func NewQuotaStatusHandler(resolver *IdentityResolver, limiter *SlidingWindowLimiter, policy RateLimitPolicy) *QuotaStatusHandler {
	return &QuotaStatusHandler{resolver: resolver, limiter: limiter, policy: policy}
}

type QuotaStatusHandler struct {
	resolver *IdentityResolver
	limiter  *SlidingWindowLimiter
	policy   RateLimitPolicy
}

func (h *QuotaStatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := h.resolver.ResolveRequest(r)
	result := h.limiter.Status(r.Context(), identity, h.policy)

	SetRateLimitHeaders(w.Header(), h.policy, result)
	writeJSON(w, http.StatusOK, QuotaStatusBody{
		Allowed:    result.Allowed,
		Limit:      h.policy.Limit,
		Count:      result.Count,
		Remaining:  result.Remaining,
		Reset:      result.ResetTime.UTC().Format(isoMillis),
		RetryAfter: result.RetryAfterSeconds,
	})
}

type healthBody struct {
	Status string `json:"status"`
}

// NewHealthHandler reports whether the counter store answers. The limiter
// keeps serving requests either way.
func NewHealthHandler(store CounterStore, timeout time.Duration, logger logrus.FieldLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			logger.WithError(err).Warn("counter store health check failed")
			writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: "degraded"})
			return
		}

		writeJSON(w, http.StatusOK, healthBody{Status: "ok"})
	})
}
