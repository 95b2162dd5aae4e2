package contactgate

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Route patterns served by Server
const (
	EmailsRoute      = "/api/emails"
	EmailsStatusPath = "/status"
	HealthRoute      = "/healthz"
)

const (
	DefaultHealthTimeout     = time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultShutdownTimeout   = 10 * time.Second
)

// ServerConfig holds the HTTP surface settings
type ServerConfig struct {
	Policy                RateLimitPolicy
	AllowedOrigin         string
	EnforceSameOrigin     bool
	MaxBodyBytes          int64
	ContentSecurityPolicy string
	HealthTimeout         time.Duration
}

// NewServer wires the contact form endpoint behind the rate gate. mailer may
// be nil when no provider is configured.
func NewServer(conf ServerConfig, resolver *IdentityResolver, limiter *SlidingWindowLimiter, store CounterStore, mailer Mailer, exempter *Exempter, logger logrus.FieldLogger, reporter MetricReporter) *Server {
	if conf.HealthTimeout <= 0 {
		conf.HealthTimeout = DefaultHealthTimeout
	}

	s := &Server{
		conf:     conf,
		resolver: resolver,
		logger:   logger,
		reporter: reporter,
	}

	gate := NewRequestGate(resolver, limiter, conf.Policy, exempter, logger.WithField("context", "request-gate"))
	emails := NewEmailsHandler(mailer, NewFormValidator(), logger.WithField("context", "emails-handler"), reporter)
	status := NewQuotaStatusHandler(resolver, limiter, conf.Policy)
	health := NewHealthHandler(store, conf.HealthTimeout, logger.WithField("context", "health"))

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders(conf.ContentSecurityPolicy))

	r.Method(http.MethodGet, HealthRoute, health)

	r.Route(EmailsRoute, func(r chi.Router) {
		r.Use(CORSPreflight(conf.AllowedOrigin))

		protected := r.With(BodyLimit(conf.MaxBodyBytes))
		if conf.EnforceSameOrigin {
			protected = protected.With(SameOrigin(logger.WithField("context", "same-origin")))
		}
		protected.With(gate.Middleware).Method(http.MethodPost, "/", emails)

		r.Method(http.MethodGet, EmailsStatusPath, status)
	})

	s.router = r
	return s
}

// Server is the HTTP front of the contact form
type Server struct {
	conf     ServerConfig
	router   chi.Router
	resolver *IdentityResolver
	logger   logrus.FieldLogger
	reporter MetricReporter
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Serve accepts connections on l until stop is closed or serving fails
func (s *Server) Serve(l net.Listener, stop <-chan struct{}) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(l)
	}()

	var err error
	select {
	case <-stop:
	case serveErr := <-errChan:
		if !errors.Is(serveErr, http.ErrServerClosed) {
			err = errors.Wrap(serveErr, "error serving http")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
		s.logger.WithError(shutdownErr).Warn("error shutting down http server")
	}

	return err
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		duration := time.Since(start)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && len(rctx.RoutePattern()) > 0 {
			route = rctx.RoutePattern()
		}
		s.reporter.RequestHandled(route, sw.status, duration)

		s.logger.WithFields(logrus.Fields{
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    sw.status,
			"duration":  duration,
			"identity":  s.resolver.ResolveRequest(r),
			"requestID": middleware.GetReqID(r.Context()),
		}).Info("handled request")
	})
}
