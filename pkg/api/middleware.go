package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/magpie/pkg/auth"
	"github.com/cuemby/magpie/pkg/coord"
	"github.com/cuemby/magpie/pkg/errdefs"
	"github.com/cuemby/magpie/pkg/log"
	"github.com/cuemby/magpie/pkg/metrics"
)

type contextKey string

const (
	ctxKeyClientIP contextKey = "client_ip"
	ctxKeyClaims   contextKey = "auth_claims"
)

// clientIP extracts the caller address: the first X-Forwarded-For hop,
// then X-Real-IP, then the socket peer
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientIPFrom(ctx context.Context) string {
	if ip, ok := ctx.Value(ctxKeyClientIP).(string); ok {
		return ip
	}
	return ""
}

func claimsFrom(ctx context.Context) *auth.Claims {
	if c, ok := ctx.Value(ctxKeyClaims).(*auth.Claims); ok {
		return c
	}
	return nil
}

// statusWriter captures the response code for logging and metrics
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// requestLogger stamps the client IP into the context, logs every
// request and records the API counters keyed by route pattern
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ctx := context.WithValue(r.Context(), ctxKeyClientIP, ip)

		sw := &statusWriter{ResponseWriter: w}
		timer := metrics.NewTimer()
		next.ServeHTTP(sw, r.WithContext(ctx))

		if sw.status == 0 {
			sw.status = http.StatusOK
		}

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method, pattern)

		logger := log.WithClientIP(ip)

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("duration", timer.Duration()).
			Msg("Request handled")
	})
}

// recoverer converts handler panics into logged 500 envelopes
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger := log.WithComponent("api")
				logger.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Msg("Handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorEnvelope{
					Error:      errdefs.CodeInternal,
					Message:    "An unexpected error occurred",
					StatusCode: http.StatusInternalServerError,
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit enforces the fixed-window per-IP admission limit on intake
// endpoints. A coordination-store failure fails open: intake keeps
// working while capacity enforcement is degraded.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIPFrom(r.Context())

		count, err := s.coord.IncrWithTTL(r.Context(), coord.RateLimitKey(ip), time.Minute)
		if err != nil {
			logger := log.WithClientIP(ip)
			logger.Warn().Err(err).
				Msg("Rate limit check unavailable, allowing request")
			next.ServeHTTP(w, r)
			return
		}

		if count > int64(s.cfg.RateLimitPerMinute) {
			metrics.RateLimited.Inc()
			logger := log.WithClientIP(ip)
			logger.Warn().
				Int64("count", count).
				Int("limit", s.cfg.RateLimitPerMinute).
				Msg("Rate limit exceeded")
			writeError(w, r, errdefs.New(errdefs.KindRateLimited, errdefs.CodeRateLimitExceeded,
				"rate limit exceeded, please try again later"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// optionalAuth attaches verified claims when a bearer token is present.
// Invalid or absent tokens do not block the request; endpoints that
// need a verified caller stack requireAuth on top.
func (s *Server) optionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := auth.ParseBearer(header)
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := s.auth.VerifyToken(r.Context(), raw)
		if err != nil {
			logger := log.WithComponent("api")
			logger.Debug().Err(err).
				Msg("Ignoring invalid bearer token on optional-auth endpoint")
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth rejects requests without a verified bearer token
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			writeError(w, r, errdefs.New(errdefs.KindAuth, errdefs.CodeAuthDisabled,
				"JWT authentication is disabled"))
			return
		}

		raw, err := auth.ParseBearer(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		claims, err := s.auth.VerifyToken(r.Context(), raw)
		if err != nil {
			writeError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyClaims, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireFeature gates an endpoint behind its configuration switch
func (s *Server) requireFeature(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.cfg.FeatureEnabled(name) {
				writeError(w, r, errdefs.New(errdefs.KindAuth, errdefs.CodeFeatureDisabled,
					"this feature is disabled"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
