package contactgate

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// DefaultMaxBodyBytes caps request bodies at 1MiB
const DefaultMaxBodyBytes = 1 << 20

const DefaultContentSecurityPolicy = "default-src 'self'"

// SecurityHeaders sets the response headers every page and API response carries
func SecurityHeaders(contentSecurityPolicy string) func(http.Handler) http.Handler {
	if len(contentSecurityPolicy) == 0 {
		contentSecurityPolicy = DefaultContentSecurityPolicy
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			h.Set("Content-Security-Policy", contentSecurityPolicy)
			next.ServeHTTP(w, r)
		})
	}
}

// CORSPreflight answers OPTIONS requests and stamps the allowed origin on
// everything else
func CORSPreflight(allowedOrigin string) func(http.Handler) http.Handler {
	if len(allowedOrigin) == 0 {
		allowedOrigin = "*"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

// BodyLimit rejects declared bodies over maxBytes up front and caps the rest
// while they are read
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}

			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// SameOrigin rejects state changing requests whose Origin does not match the
// Host they were sent to
func SameOrigin(logger logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isStateChanging(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if !sameHost(origin, r.Host) {
				logger.Debugf("rejecting %v %v with origin %q for host %q", r.Method, r.URL.Path, origin, r.Host)
				writeError(w, http.StatusForbidden, "Forbidden")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func sameHost(origin, host string) bool {
	if len(origin) == 0 || len(host) == 0 {
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil || len(parsed.Host) == 0 {
		return false
	}

	return strings.EqualFold(parsed.Host, host)
}
