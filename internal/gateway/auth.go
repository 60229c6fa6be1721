package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/organizer/internal/audit"
	"github.com/basket/organizer/internal/config"
)

// authContextKey is the context key type for the authenticated caller name.
type authContextKey struct{}

// AuthMiddleware accepts the gateway bearer token and any configured API keys.
// With neither configured every request passes.
type AuthMiddleware struct {
	keys map[string]string // key -> caller name
}

// NewAuthMiddleware creates an auth middleware from the gateway token and key list.
func NewAuthMiddleware(token string, cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{keys: make(map[string]string)}
	if token != "" {
		am.keys[token] = "owner"
	}
	if cfg.Enabled {
		for _, k := range cfg.Keys {
			if k.Key != "" {
				am.keys[k.Key] = k.Name
			}
		}
	}
	return am
}

// Enabled reports whether any credential is configured.
func (am *AuthMiddleware) Enabled() bool { return len(am.keys) > 0 }

// Wrap wraps an http.Handler with credential checking.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractAPIKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing credentials")
			return
		}
		name, ok := am.lookupKey(key)
		if !ok {
			audit.Record(r.Context(), audit.DecisionDeny, "gateway.auth", "invalid credentials", r.URL.Path)
			writeError(w, http.StatusForbidden, ErrCodeUnauthorized, "invalid credentials")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey reads, in order: Authorization: Bearer <key>, X-API-Key,
// and the api_key query parameter (browsers cannot set headers on WebSocket
// or EventSource requests).
func ExtractAPIKey(r *http.Request) string {
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// lookupKey compares in constant time.
func (am *AuthMiddleware) lookupKey(candidate string) (string, bool) {
	for k, name := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			return name, true
		}
	}
	return "", false
}

// CallerFromContext returns the name bound to the credential that
// authenticated the request, or "" when auth is disabled.
func CallerFromContext(ctx context.Context) string {
	name, _ := ctx.Value(authContextKey{}).(string)
	return name
}

func isPublicPath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}
