// Package auth authenticates API callers with Cloudflare Access assertions
// or a static bearer token, and carries the caller's identity on the
// request context so operator actions can be attributed in history.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnknownKey means the assertion names a signing key the team does
	// not publish.
	ErrUnknownKey = errors.New("unknown signing key")
	// ErrNoSubject means a valid assertion named neither a user nor a
	// service token.
	ErrNoSubject = errors.New("assertion has no subject")
)

// AccessClaims are the claims Cloudflare Access puts in an application
// token. Service tokens carry CommonName instead of Email.
type AccessClaims struct {
	Email      string `json:"email,omitempty"`
	CommonName string `json:"common_name,omitempty"`
	jwt.RegisteredClaims
}

// AccessValidator checks Cf-Access-Jwt-Assertion values for one Access
// application.
type AccessValidator struct {
	keys   *keySet
	parser *jwt.Parser
}

// NewAccessValidator builds a validator for the team domain (for example
// "acme.cloudflareaccess.com") and the application's AUD tag.
func NewAccessValidator(teamDomain, audience string) *AccessValidator {
	issuer := "https://" + teamDomain
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30*time.Second),
	)
	keys := newKeySet(issuer+"/cdn-cgi/access/certs", &http.Client{Timeout: 10 * time.Second})
	return &AccessValidator{keys: keys, parser: parser}
}

// Identify validates raw and returns the caller it names.
func (v *AccessValidator) Identify(ctx context.Context, raw string) (Identity, error) {
	var claims AccessClaims
	_, err := v.parser.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header has no kid")
		}
		return v.keys.key(ctx, kid)
	})
	if err != nil {
		return Identity{}, err
	}

	switch {
	case claims.Email != "":
		return Identity{Subject: claims.Email, Method: MethodAccess}, nil
	case claims.CommonName != "":
		return Identity{Subject: claims.CommonName, Method: MethodAccessService}, nil
	default:
		return Identity{}, ErrNoSubject
	}
}

// keySet caches a team's published signing keys for maxAge. A kid it has
// not seen triggers a refetch, at most one attempt per minInterval.
type keySet struct {
	url         string
	client      *http.Client
	maxAge      time.Duration
	minInterval time.Duration
	now         func() time.Time

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetched   time.Time
	attempted time.Time
}

func newKeySet(url string, client *http.Client) *keySet {
	return &keySet{
		url:         url,
		client:      client,
		maxAge:      time.Hour,
		minInterval: 10 * time.Second,
		now:         time.Now,
	}
}

func (s *keySet) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.keys[kid]
	if ok && s.now().Sub(s.fetched) < s.maxAge {
		return k, nil
	}
	if !s.attempted.IsZero() && s.now().Sub(s.attempted) < s.minInterval {
		if ok {
			return k, nil
		}
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, kid)
	}

	s.attempted = s.now()
	if err := s.fetch(ctx); err != nil {
		// Known keys outlive a failed refresh.
		if ok {
			return k, nil
		}
		return nil, err
	}
	if k, ok = s.keys[kid]; !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKey, kid)
	}
	return k, nil
}

// fetch replaces the cached keys. Callers hold s.mu.
func (s *keySet) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch access keys: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch access keys: %s returned %s", s.url, resp.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode access keys: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, jwk := range set.Keys {
		pub, ok := jwk.Key.(*rsa.PublicKey)
		if !ok || jwk.KeyID == "" || !jwk.Valid() || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		keys[jwk.KeyID] = pub
	}
	s.keys = keys
	s.fetched = s.now()
	return nil
}
