package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := FromContext(r.Context())
		w.Header().Set("X-Subject", id.Subject)
		w.Header().Set("X-Method", id.Method)
		w.WriteHeader(http.StatusOK)
	})
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestMiddlewarePassesValidAssertion(t *testing.T) {
	f := newAccessFixture(t)
	token := f.sign("key-1", nil)

	h := Middleware(Config{Access: f.v, Token: "secret"})(echoIdentity())
	req := httptest.NewRequest(http.MethodGet, "/api/deployment-groups", nil)
	req.Header.Set("Cf-Access-Jwt-Assertion", token)
	rr := serve(h, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "user@example.com", rr.Header().Get("X-Subject"))
	assert.Equal(t, "cf-access", rr.Header().Get("X-Method"))
}

func TestMiddlewareRejectsInvalidAssertion(t *testing.T) {
	f := newAccessFixture(t)

	h := Middleware(Config{Access: f.v})(echoIdentity())
	req := httptest.NewRequest(http.MethodGet, "/api/deployment-groups", nil)
	req.Header.Set("Cf-Access-Jwt-Assertion", "garbage-token")
	rr := serve(h, req)

	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.JSONEq(t, `{"error":"invalid access token"}`, rr.Body.String())
}

func TestMiddlewareBearerToken(t *testing.T) {
	h := Middleware(Config{Token: "secret", Public: []string{"/api/health"}})(echoIdentity())

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"missing", "/api/deployment-groups", "", http.StatusUnauthorized},
		{"wrong", "/api/deployment-groups", "Bearer nope", http.StatusUnauthorized},
		{"not bearer", "/api/deployment-groups", "Basic secret", http.StatusUnauthorized},
		{"valid", "/api/deployment-groups", "Bearer secret", http.StatusOK},
		{"public", "/api/health", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := serve(h, req)
			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusUnauthorized {
				assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestMiddlewareWebsocketQueryToken(t *testing.T) {
	h := Middleware(Config{Token: "secret"})(echoIdentity())

	req := httptest.NewRequest(http.MethodGet, "/ws?access_token=secret", nil)
	req.Header.Set("Upgrade", "websocket")
	assert.Equal(t, http.StatusOK, serve(h, req).Code)

	// The query parameter is ignored outside websocket upgrades.
	req = httptest.NewRequest(http.MethodGet, "/api/deployment-groups?access_token=secret", nil)
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
}

func TestMiddlewareOpenWithoutCredentials(t *testing.T) {
	h := Middleware(Config{})(echoIdentity())
	rr := serve(h, httptest.NewRequest(http.MethodGet, "/api/deployment-groups", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "anonymous", rr.Header().Get("X-Subject"))
}
