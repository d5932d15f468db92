package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// Identity names an authenticated caller.
type Identity struct {
	Subject string `json:"subject"`
	Method  string `json:"method"`
}

// Authentication methods recorded in Identity.Method.
const (
	MethodNone          = "none"
	MethodBearer        = "bearer"
	MethodAccess        = "cf-access"
	MethodAccessService = "cf-access-service"
)

var anonymous = Identity{Subject: "anonymous", Method: MethodNone}

type identityKey struct{}

// FromContext returns the caller attached by Middleware.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(identityKey{}).(Identity); ok {
		return id
	}
	return anonymous
}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// Config selects which credentials Middleware accepts.
type Config struct {
	// Token is the static bearer token. Empty disables token checks.
	Token string
	// Access validates Cf-Access-Jwt-Assertion headers when set.
	Access *AccessValidator
	// Public lists path prefixes served without credentials.
	Public []string
}

// Middleware authenticates requests. A CF Access assertion, when present,
// must validate. Otherwise the bearer token is required if configured.
// WebSocket upgrades may carry the token in the access_token query parameter.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range cfg.Public {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			if assertion := r.Header.Get("Cf-Access-Jwt-Assertion"); assertion != "" && cfg.Access != nil {
				id, err := cfg.Access.Identify(r.Context(), assertion)
				if err != nil {
					deny(w, http.StatusForbidden, "invalid access token")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
				return
			}

			if cfg.Token == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !tokenMatches(cfg.Token, presented(r)) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="skald"`)
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			id := Identity{Subject: "token", Method: MethodBearer}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func presented(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func tokenMatches(want, got string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
