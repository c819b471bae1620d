package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"
)

// GoogleIssuers are the issuers Google-signed OIDC tokens carry.
var GoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// googleClaims is the payload of a Google-signed service account OIDC token.
type googleClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// ServiceIdentity is the service principal behind a verified OIDC token.
type ServiceIdentity struct {
	Subject  string
	Email    string
	Issuer   string
	Audience string
}

type serviceIdentityKey struct{}

// WithServiceIdentity attaches the verified service identity to ctx.
func WithServiceIdentity(ctx context.Context, identity *ServiceIdentity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, serviceIdentityKey{}, identity)
}

// ServiceIdentityFromContext returns the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// OIDCValidator guards /internal routes called by Cloud Scheduler.
type OIDCValidator struct {
	cache   *JWKSCache
	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time
}

// OIDCOption customises the validator.
type OIDCOption func(*OIDCValidator)

// WithOIDCLogger overrides the validator logger.
func WithOIDCLogger(logger *zap.Logger) OIDCOption {
	return func(v *OIDCValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithOIDCMetrics sets the metrics recorder.
func WithOIDCMetrics(recorder MetricsRecorder) OIDCOption {
	return func(v *OIDCValidator) {
		v.metrics = recorder
	}
}

// WithOIDCClock injects the clock used for latency measurement.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// NewOIDCValidator constructs an OIDCValidator.
func NewOIDCValidator(cache *JWKSCache, opts ...OIDCOption) *OIDCValidator {
	v := &OIDCValidator{cache: cache, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify checks the signature, expiry, issuer, audience and, when serviceAccounts is non-empty,
// that the token email is allowed.
func (v *OIDCValidator) Verify(ctx context.Context, raw, audience string, issuers, serviceAccounts []string) (*ServiceIdentity, error) {
	if audience == "" || v.cache == nil {
		return nil, reject(http.StatusServiceUnavailable, "verification_unavailable", "not_configured")
	}

	var claims googleClaims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	if _, err := parser.ParseWithClaims(raw, &claims, v.cache.Keyfunc(ctx)); err != nil {
		if errors.Is(err, ErrJWKSFetchFailed) {
			return nil, &verificationFailure{http.StatusServiceUnavailable, "verification_unavailable", "jwks_unavailable", err}
		}
		return nil, &verificationFailure{http.StatusUnauthorized, "invalid_token", "token_invalid", err}
	}

	switch {
	case len(issuers) > 0 && !slices.Contains(issuers, claims.Issuer):
		return nil, reject(http.StatusUnauthorized, "invalid_token", "issuer_mismatch")
	case !claims.VerifyAudience(audience, true):
		return nil, reject(http.StatusUnauthorized, "invalid_token", "audience_mismatch")
	case len(serviceAccounts) > 0 && !slices.Contains(serviceAccounts, claims.Email):
		return nil, reject(http.StatusUnauthorized, "invalid_token", "principal_not_allowed")
	}
	return &ServiceIdentity{
		Subject:  claims.Subject,
		Email:    claims.Email,
		Issuer:   claims.Issuer,
		Audience: audience,
	}, nil
}

// RequireOIDC enforces a valid Google-signed OIDC token for audience on every request.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string, serviceAccounts ...string) func(http.Handler) http.Handler {
	audience = strings.TrimSpace(audience)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			ctx := r.Context()

			raw, ok := extractBearerToken(r.Header.Get("Authorization"))
			if !ok {
				v.record(ctx, false, "token_missing", start)
				respondAuthError(w, r, http.StatusUnauthorized, "unauthenticated", "oidc token missing")
				return
			}

			identity, err := v.Verify(ctx, raw, audience, issuers, serviceAccounts)
			if err != nil {
				failure := &verificationFailure{http.StatusUnauthorized, "invalid_token", "token_invalid", err}
				errors.As(err, &failure)
				v.logger.Warn("oidc token rejected", zap.String("reason", failure.reason), zap.Error(failure.err))
				v.record(ctx, false, failure.reason, start)
				respondAuthError(w, r, failure.status, failure.code, "oidc token rejected")
				return
			}

			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithServiceIdentity(ctx, identity)))
		})
	}
}

func (v *OIDCValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v == nil || v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "oidc", success, reason, v.now().Sub(start))
}
