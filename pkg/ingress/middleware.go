// Package ingress is the HTTP front door of the order pipeline. It accepts
// order submissions and human-in-the-loop signals, translates them into case
// records and durable workflow signals, and exposes the case query and health
// surfaces. Handlers stay thin: all pipeline semantics live in the workflow.
package ingress

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type correlationIDKey struct{}
type principalKey struct{}

// Principal is the authenticated caller extracted from the bearer token.
type Principal struct {
	Subject  string
	TenantID string
	Roles    []string
}

// WithPrincipal attaches a Principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal retrieves the Principal from the context, or nil.
func GetPrincipal(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// GetCorrelationID extracts the correlation id from the context.
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// correlate injects a correlation id into every request context and response
// header. A client-sent X-Correlation-ID is reused; a missing one is
// synthesized and logged.
func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
			s.logger.DebugContext(r.Context(), "synthesized correlation id",
				"correlation_id", correlationID, "path", r.URL.Path)
		}

		w.Header().Set("X-Correlation-ID", correlationID)
		ctx := context.WithValue(r.Context(), correlationIDKey{}, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// recoverPanics converts handler panics into 500 problem responses instead of
// tearing down the connection.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.ErrorContext(r.Context(), "handler panic",
					"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				writeProblem(w, r, http.StatusInternalServerError, ProblemInternal,
					"An unexpected error occurred. Please try again later.")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Authenticator validates HS256 bearer tokens against a shared secret.
type Authenticator struct {
	secret []byte
}

// Claims are the JWT claims expected by the ingress API.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// NewAuthenticator returns nil when no secret is configured; a nil
// authenticator rejects every non-public request (fail closed).
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret)}
}

// Validate parses and validates a bearer token string.
func (a *Authenticator) Validate(tokenStr string) (*Claims, error) {
	if a == nil {
		return nil, fmt.Errorf("authenticator uninitialized")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths are endpoints that do not require authentication.
var publicPaths = []string{
	"/health",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// authenticate enforces bearer auth on every non-public request. A missing or
// invalid token, an absent subject, or an absent tenant binding all reject.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeProblem(w, r, http.StatusUnauthorized, ProblemAuthInvalid, "Missing Authorization header")
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			writeProblem(w, r, http.StatusUnauthorized, ProblemAuthInvalid,
				"Invalid Authorization header format (expected 'Bearer <token>')")
			return
		}

		if s.auth == nil {
			writeProblem(w, r, http.StatusUnauthorized, ProblemAuthInvalid, "Authentication not configured")
			return
		}
		claims, err := s.auth.Validate(parts[1])
		if err != nil {
			writeProblem(w, r, http.StatusUnauthorized, ProblemAuthInvalid, "Invalid or expired token")
			return
		}
		if claims.Subject == "" {
			writeProblem(w, r, http.StatusUnauthorized, ProblemAuthInvalid, "Token subject is required")
			return
		}
		if claims.TenantID == "" {
			writeProblem(w, r, http.StatusUnauthorized, ProblemAuthInvalid, "Token tenant binding is required")
			return
		}

		principal := &Principal{
			Subject:  claims.Subject,
			TenantID: claims.TenantID,
			Roles:    claims.Roles,
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

// rateLimit admits requests through the per-tenant token bucket. A limiter
// outage fails open: ingress availability wins, health reports the outage.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := GetPrincipal(r.Context())
		if s.limiter == nil || p == nil {
			next.ServeHTTP(w, r)
			return
		}
		allowed, err := s.limiter.Allow(r.Context(), p.TenantID)
		if err != nil {
			s.logger.WarnContext(r.Context(), "rate limiter unavailable, admitting request",
				"tenant_id", p.TenantID, "error", err)
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeProblem(w, r, http.StatusTooManyRequests, ProblemRateLimited,
				"Rate limit exceeded. Retry after the specified interval.")
			return
		}
		next.ServeHTTP(w, r)
	})
}
