package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	schedulerAudience = "https://api.pede-ai.example/api/v1/internal/maintenance/orphan-orders"
	schedulerAccount  = "scheduler@pede-ai.iam.gserviceaccount.com"
)

type oidcFixture struct {
	validator *OIDCValidator
	metrics   *recordingMetrics
	key       *rsa.PrivateKey
	fetches   *atomic.Int32
	now       time.Time
}

func newOIDCFixture(t *testing.T) *oidcFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: "svc-key", Algorithm: jwt.SigningMethodRS256.Alg(), Use: "sig"}

	fetches := &atomic.Int32{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
	}))
	t.Cleanup(server.Close)

	now := time.Unix(1_773_000_000, 0)
	originalTimeFunc := jwt.TimeFunc
	jwt.TimeFunc = func() time.Time { return now }
	t.Cleanup(func() { jwt.TimeFunc = originalTimeFunc })

	metrics := &recordingMetrics{}
	cache := NewJWKSCache(server.URL, WithJWKSRefresh(time.Hour, -1))
	t.Cleanup(cache.Close)
	validator := NewOIDCValidator(cache,
		WithOIDCMetrics(metrics),
		WithOIDCClock(func() time.Time { return now }),
	)
	return &oidcFixture{validator: validator, metrics: metrics, key: key, fetches: fetches, now: now}
}

func (f *oidcFixture) token(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"aud":   schedulerAudience,
		"iss":   "https://accounts.google.com",
		"sub":   "1234567890",
		"email": schedulerAccount,
		"exp":   float64(f.now.Add(time.Hour).Unix()),
		"iat":   float64(f.now.Unix()),
	}
	if mutate != nil {
		mutate(claims)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "svc-key"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (f *oidcFixture) serve(token string, accounts ...string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/maintenance/orphan-orders", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	f.validator.RequireOIDC(schedulerAudience, GoogleIssuers, accounts...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := ServiceIdentityFromContext(r.Context())
		if !ok || identity.Email != schedulerAccount {
			w.WriteHeader(http.StatusTeapot)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)
	return rr
}

func TestJWKSCacheLoadsLazilyAndRejectsUnknownKid(t *testing.T) {
	f := newOIDCFixture(t)
	if f.fetches.Load() != 0 {
		t.Fatalf("expected no fetch before the first token")
	}

	for range 2 {
		if rr := f.serve(f.token(t, nil)); rr.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rr.Code)
		}
	}
	if n := f.fetches.Load(); n != 1 {
		t.Fatalf("expected a single JWKS fetch, got %d", n)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{"aud": schedulerAudience})
	token.Header["kid"] = "rotated"
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if rr := f.serve(signed); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown kid, got %d", rr.Code)
	}
	if rec := f.metrics.last(); rec.reason != "token_invalid" {
		t.Fatalf("expected token_invalid, got %+v", rec)
	}
}

func TestRequireOIDC_SchedulerToken(t *testing.T) {
	f := newOIDCFixture(t)

	rr := f.serve(f.token(t, nil), schedulerAccount)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rr.Code, rr.Body.String())
	}
	if rec := f.metrics.last(); !rec.success || rec.kind != "oidc" {
		t.Fatalf("unexpected metric %+v", rec)
	}
}

func TestRequireOIDC_Rejections(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(jwt.MapClaims)
		accounts []string
		reason   string
	}{
		{"audience mismatch", func(c jwt.MapClaims) { c["aud"] = "https://elsewhere.example" }, nil, "audience_mismatch"},
		{"issuer mismatch", func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }, nil, "issuer_mismatch"},
		{"principal not allowed", func(c jwt.MapClaims) { c["email"] = "intruder@example.com" }, []string{schedulerAccount}, "principal_not_allowed"},
		{"expired", func(c jwt.MapClaims) { c["exp"] = float64(time.Unix(1_773_000_000, 0).Add(-time.Minute).Unix()) }, nil, "token_invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newOIDCFixture(t)
			rr := f.serve(f.token(t, tc.mutate), tc.accounts...)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
			if rec := f.metrics.last(); rec.success || rec.reason != tc.reason {
				t.Fatalf("expected %q, got %+v", tc.reason, rec)
			}
		})
	}
}

func TestRequireOIDC_MissingToken(t *testing.T) {
	f := newOIDCFixture(t)
	if rr := f.serve(""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireOIDC_JWKSUnavailable(t *testing.T) {
	f := newOIDCFixture(t)
	f.validator.cache.url = "http://127.0.0.1:1/unreachable"

	rr := f.serve(f.token(t, nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if rec := f.metrics.last(); rec.reason != "jwks_unavailable" {
		t.Fatalf("expected jwks_unavailable, got %+v", rec)
	}
}
