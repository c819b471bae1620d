package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Headers a payment webhook sender signs with. The signature covers
// METHOD \n PATH \n TIMESTAMP \n NONCE \n hex(sha256(body)).
const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"
	NonceHeader     = "X-Webhook-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 10 * time.Minute
	maxSignedBody    = 1 << 20
)

// SecretProvider resolves shared secrets used for HMAC validation.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// SecretProviderFunc adapts a function to the SecretProvider interface.
type SecretProviderFunc func(context.Context, string) (string, error)

// GetSecret implements SecretProvider.
func (f SecretProviderFunc) GetSecret(ctx context.Context, name string) (string, error) {
	if f == nil {
		return "", errors.New("auth: secret provider not configured")
	}
	return f(ctx, name)
}

// StaticSecrets serves secrets already resolved at startup.
type StaticSecrets map[string]string

// GetSecret implements SecretProvider.
func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	secret, ok := s[name]
	if !ok || secret == "" {
		return "", fmt.Errorf("auth: secret %q not configured", name)
	}
	return secret, nil
}

// NonceStore tracks used nonces so a captured webhook cannot be replayed.
type NonceStore interface {
	// UseNonce records the nonce and reports false when it was already used within the scope.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps nonces for a single instance.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	now    func() time.Time
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs the store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{now: time.Now, nonces: make(map[string]time.Time)}
}

// UseNonce implements NonceStore.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}
	key := scope + "::" + nonce

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, k)
		}
	}
	if _, seen := s.nonces[key]; seen {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator verifies signed payment-provider webhooks.
type HMACValidator struct {
	secrets SecretProvider
	nonces  NonceStore
	logger  *zap.Logger
	metrics MetricsRecorder
	now     func() time.Time

	clockSkew time.Duration
	nonceTTL  time.Duration
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger *zap.Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACMetrics sets the metrics recorder.
func WithHMACMetrics(metrics MetricsRecorder) HMACOption {
	return func(v *HMACValidator) {
		v.metrics = metrics
	}
}

// WithHMACClock injects a custom clock.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACClockSkew adjusts the accepted timestamp skew.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// NewHMACValidator builds a validator using the given secret provider and nonce store.
func NewHMACValidator(secrets SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		secrets:   secrets,
		nonces:    nonces,
		logger:    zap.NewNop(),
		now:       time.Now,
		clockSkew: defaultClockSkew,
		nonceTTL:  defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// WebhookMetadata describes a verified webhook delivery.
type WebhookMetadata struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

type webhookContextKey struct{}

// WebhookMetadataFromContext retrieves the metadata stored by RequireHMAC.
func WebhookMetadataFromContext(ctx context.Context) (WebhookMetadata, bool) {
	meta, ok := ctx.Value(webhookContextKey{}).(WebhookMetadata)
	return meta, ok
}

// verificationFailure is a rejected credential: the HTTP status and error code sent to the
// caller and the reason label recorded in logs and metrics.
type verificationFailure struct {
	status int
	code   string
	reason string
	err    error
}

func (f *verificationFailure) Error() string {
	if f.err == nil {
		return f.reason
	}
	return f.reason + ": " + f.err.Error()
}

func (f *verificationFailure) Unwrap() error { return f.err }

func reject(status int, code, reason string) *verificationFailure {
	return &verificationFailure{status: status, code: code, reason: reason}
}

// RequireHMAC rejects requests whose signature does not match the named secret.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	secretName = strings.TrimSpace(secretName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := v.now()
			meta, failure := v.verify(r, secretName)
			if failure != nil {
				v.logger.Warn("webhook signature rejected",
					zap.String("reason", failure.reason),
					zap.String("path", r.URL.Path),
				)
				v.record(r.Context(), false, failure.reason, start)
				respondAuthError(w, r, failure.status, failure.code, "webhook signature verification failed")
				return
			}
			v.record(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), webhookContextKey{}, meta)))
		})
	}
}

func (v *HMACValidator) verify(r *http.Request, secretName string) (WebhookMetadata, *verificationFailure) {
	ctx := r.Context()
	if secretName == "" || v.secrets == nil {
		return WebhookMetadata{}, reject(http.StatusServiceUnavailable, "verification_unavailable", "secret_not_configured")
	}
	secret, err := v.secrets.GetSecret(ctx, secretName)
	if err != nil || secret == "" {
		v.logger.Error("webhook secret lookup failed", zap.String("secret", secretName), zap.Error(err))
		return WebhookMetadata{}, reject(http.StatusServiceUnavailable, "verification_unavailable", "secret_unavailable")
	}

	signatureValue := strings.TrimSpace(r.Header.Get(SignatureHeader))
	timestampValue := strings.TrimSpace(r.Header.Get(TimestampHeader))
	nonce := strings.TrimSpace(r.Header.Get(NonceHeader))
	switch {
	case signatureValue == "":
		return WebhookMetadata{}, reject(http.StatusUnauthorized, "signature_missing", "signature_missing")
	case timestampValue == "":
		return WebhookMetadata{}, reject(http.StatusUnauthorized, "timestamp_missing", "timestamp_missing")
	case nonce == "":
		return WebhookMetadata{}, reject(http.StatusUnauthorized, "nonce_missing", "nonce_missing")
	}

	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return WebhookMetadata{}, reject(http.StatusUnauthorized, "timestamp_invalid", "timestamp_invalid")
	}
	if skew := v.now().Sub(timestamp); skew > v.clockSkew || skew < -v.clockSkew {
		return WebhookMetadata{}, reject(http.StatusUnauthorized, "timestamp_skew", "timestamp_skew")
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return WebhookMetadata{}, reject(http.StatusBadRequest, "invalid_body", "body_unreadable")
	}
	signature, err := decodeSignature(signatureValue)
	if err != nil {
		return WebhookMetadata{}, reject(http.StatusUnauthorized, "signature_invalid", "signature_invalid")
	}
	expected := computeHMAC([]byte(secret), buildCanonicalString(r, body, timestampValue, nonce))
	if !hmac.Equal(signature, expected) {
		return WebhookMetadata{}, reject(http.StatusUnauthorized, "signature_mismatch", "signature_mismatch")
	}

	if v.nonces == nil {
		return WebhookMetadata{}, reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce_store_unavailable")
	}
	fresh, err := v.nonces.UseNonce(ctx, secretName, nonce, v.now().Add(v.nonceTTL))
	if err != nil {
		v.logger.Error("webhook nonce store failed", zap.Error(err))
		return WebhookMetadata{}, reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce_store_error")
	}
	if !fresh {
		return WebhookMetadata{}, reject(http.StatusUnauthorized, "nonce_replay", "nonce_replay")
	}

	return WebhookMetadata{SecretName: secretName, Timestamp: timestamp, Nonce: nonce}, nil
}

func (v *HMACValidator) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, "hmac", success, reason, v.now().Sub(start))
}

// SignWebhook computes the hex signature a sender attaches for the given request parts.
func SignWebhook(secret []byte, method, path, timestamp, nonce string, body []byte) string {
	r := &http.Request{Method: method, URL: &url.URL{Path: path}}
	return hex.EncodeToString(computeHMAC(secret, buildCanonicalString(r, body, timestamp, nonce)))
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxSignedBody {
		return nil, errors.New("auth: signed body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	value = strings.TrimPrefix(value, "sha256=")
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be hex or base64 encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

func buildCanonicalString(r *http.Request, body []byte, timestamp, nonce string) []byte {
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(r.Method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
