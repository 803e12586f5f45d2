package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dawalama/agent-dev-tool/internal/security"
)

// SecurityHeadersMiddleware strips version-revealing response headers and
// sets a generic Server header, applied first in the chain.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapper := &headerRemovalWriter{ResponseWriter: w}
		next.ServeHTTP(wrapper, r)
		if !wrapper.headerWritten {
			wrapper.writeSecurityHeaders()
		}
	})
}

type headerRemovalWriter struct {
	http.ResponseWriter
	headerWritten bool
}

func (w *headerRemovalWriter) WriteHeader(statusCode int) {
	w.writeSecurityHeaders()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *headerRemovalWriter) Write(b []byte) (int, error) {
	if !w.headerWritten {
		w.writeSecurityHeaders()
	}
	return w.ResponseWriter.Write(b)
}

func (w *headerRemovalWriter) writeSecurityHeaders() {
	if w.headerWritten {
		return
	}
	w.headerWritten = true
	h := w.ResponseWriter.Header()
	h.Del("X-Powered-By")
	h.Set("Server", "adt")
}

func (w *headerRemovalWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

type ctxKey string

const (
	ctxKeyToken     ctxKey = "auth_token"
	ctxKeyRequestID ctxKey = "request_id"
)

// tokenFromContext returns the validated token attached by AuthMiddleware.
func tokenFromContext(ctx context.Context) (*security.Token, bool) {
	tok, ok := ctx.Value(ctxKeyToken).(*security.Token)
	return tok, ok
}

// requestIDFromContext returns the id attached by RequestIDMiddleware.
func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// RequestIDMiddleware stamps every request with a short correlation id,
// echoed back in the X-Request-Id response header and threaded through to
// audit entries so a caller's support ticket can be traced to its exact
// audit row.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.New().String()[:8]
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), ctxKeyRequestID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AuthMiddleware validates the request's bearer token against auth and
// attaches the resolved Token to the request context. Missing/invalid
// tokens are rejected with 401 before the handler runs — spec.md §4.3's
// "every request carries a bearer token" invariant.
func AuthMiddleware(auth *security.AuthManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			bearer := strings.TrimPrefix(header, "Bearer ")
			if bearer == "" || bearer == header {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			tok, err := auth.Validate(bearer)
			if err != nil {
				http.Error(w, "invalid or expired token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyToken, tok)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission rejects requests whose token's role lacks perm —
// applied per-route rather than globally since routes need different
// permissions (spec.md §4.3's role/permission matrix). Denials are audited
// as auth.denied so a pattern of 403s shows up in the security log, not
// just in access logs.
func RequirePermission(perm security.Permission, audit *security.AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, ok := tokenFromContext(r.Context())
			if !ok || !security.HasPermission(tok.Role, perm) {
				actorID := "anonymous"
				if ok {
					actorID = tok.ID
				}
				auditDenial(audit, r, security.ActionAuthDenied, actorID, string(perm))
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func auditDenial(audit *security.AuditLogger, r *http.Request, action security.AuditAction, actorID, detail string) {
	if audit == nil {
		return
	}
	entry := security.AuditEntry{
		ActorType:  "token",
		ActorID:    actorID,
		ActorIP:    r.RemoteAddr,
		Action:     action,
		ResourceID: r.URL.Path,
		RequestID:  requestIDFromContext(r.Context()),
		Outcome:    security.OutcomeDenied,
		Error:      detail,
	}
	audit.Log(entry)
}

// rateLimiterSet holds a pair of token-bucket limiters — one per-second,
// one per-minute — per caller key, so one noisy client can't starve
// another and a client can't evade the per-second bucket by pacing just
// under it over a longer window. Grounded on the Python original's
// per-client sliding-window limiter in middleware.py, which enforces both
// a burst window and a sustained-rate window.
type rateLimiterSet struct {
	mu          sync.Mutex
	perSecond   map[string]*rate.Limiter
	perMinute   map[string]*rate.Limiter
	secondRate  rate.Limit
	secondBurst int
	minuteRate  rate.Limit
	minuteBurst int
}

func newRateLimiterSet(perSecond float64, secondBurst int, perMinute float64, minuteBurst int) *rateLimiterSet {
	return &rateLimiterSet{
		perSecond:   make(map[string]*rate.Limiter),
		perMinute:   make(map[string]*rate.Limiter),
		secondRate:  rate.Limit(perSecond),
		secondBurst: secondBurst,
		minuteRate:  rate.Limit(perMinute),
		minuteBurst: minuteBurst,
	}
}

// allow reports whether key may proceed, checking the per-minute bucket
// even when the per-second bucket has room, since either window tripping
// should reject the request.
func (s *rateLimiterSet) allow(key string) bool {
	s.mu.Lock()
	sec, ok := s.perSecond[key]
	if !ok {
		sec = rate.NewLimiter(s.secondRate, s.secondBurst)
		s.perSecond[key] = sec
	}
	min, ok := s.perMinute[key]
	if !ok {
		min = rate.NewLimiter(s.minuteRate, s.minuteBurst)
		s.perMinute[key] = min
	}
	s.mu.Unlock()

	// Reserve from both unconditionally-evaluated limiters (no short
	// circuit) so a request that trips the per-minute bucket doesn't still
	// consume a per-second token it will never get credit for.
	secOK := sec.Allow()
	minOK := min.Allow()
	return secOK && minOK
}

// rateLimitKey derives the caller identity a limiter bucket is keyed on:
// the bearer token prefix when present (stable per-client even before
// AuthMiddleware has run, since rate limiting is now ordered ahead of
// auth), else the X-Forwarded-For header, else the raw peer address.
func rateLimitKey(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if bearer := strings.TrimPrefix(header, "Bearer "); bearer != "" && bearer != header {
		if len(bearer) > 16 {
			bearer = bearer[:16]
		}
		return "token:" + bearer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return "xff:" + strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	return "addr:" + r.RemoteAddr
}

// RateLimitMiddleware enforces the per-client rate limit ahead of
// authentication (spec.md §4.3/§8's rate-limit invariant applies to every
// request, not just authenticated ones — an attacker hammering the auth
// check itself must still be throttled). Rejections are audited as
// security.rate_limit.
func RateLimitMiddleware(limiters *rateLimiterSet, audit *security.AuditLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := rateLimitKey(r)
			if !limiters.allow(key) {
				auditDenial(audit, r, security.ActionSecurityRateLimit, key, "rate limit exceeded")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
