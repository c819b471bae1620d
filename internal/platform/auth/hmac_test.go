package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

type verificationRecord struct {
	kind    string
	success bool
	reason  string
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{kind: kind, success: success, reason: reason})
}

func (m *recordingMetrics) last() verificationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.records) == 0 {
		return verificationRecord{}
	}
	return m.records[len(m.records)-1]
}

const (
	webhookSecretName = "webhooks/payments"
	webhookSecret     = "whsec-test"
	webhookPath       = "/api/v1/webhooks/payments/confirm"
)

type signedRequest struct {
	body      []byte
	timestamp string
	nonce     string
	signature string
}

func newSignedRequest(now time.Time, body string) signedRequest {
	ts := strconv.FormatInt(now.Unix(), 10)
	nonce := "nonce-" + ts
	return signedRequest{
		body:      []byte(body),
		timestamp: ts,
		nonce:     nonce,
		signature: SignWebhook([]byte(webhookSecret), http.MethodPost, webhookPath, ts, nonce, []byte(body)),
	}
}

func (s signedRequest) build() *http.Request {
	req := httptest.NewRequest(http.MethodPost, webhookPath, bytes.NewReader(s.body))
	if s.signature != "" {
		req.Header.Set(SignatureHeader, s.signature)
	}
	req.Header.Set(TimestampHeader, s.timestamp)
	req.Header.Set(NonceHeader, s.nonce)
	return req
}

func newTestValidator(now time.Time, metrics *recordingMetrics) *HMACValidator {
	return NewHMACValidator(StaticSecrets{webhookSecretName: webhookSecret}, NewInMemoryNonceStore(),
		WithHMACClock(func() time.Time { return now }),
		WithHMACMetrics(metrics),
	)
}

func TestRequireHMAC_AcceptsSignedWebhookAndRestoresBody(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	metrics := &recordingMetrics{}
	validator := newTestValidator(now, metrics)
	signed := newSignedRequest(now, `{"orderId":"ord_1","paymentId":"pi_1"}`)

	rr := httptest.NewRecorder()
	validator.RequireHMAC(webhookSecretName)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		meta, ok := WebhookMetadataFromContext(r.Context())
		if !ok || meta.SecretName != webhookSecretName || meta.Nonce != signed.nonce {
			t.Fatalf("unexpected metadata %+v", meta)
		}
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		if buf.String() != string(signed.body) {
			t.Fatalf("expected body to be restored, got %q", buf.String())
		}
		w.WriteHeader(http.StatusAccepted)
	})).ServeHTTP(rr, signed.build())

	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if rec := metrics.last(); !rec.success || rec.kind != "hmac" {
		t.Fatalf("expected success metric, got %+v", rec)
	}
}

func TestRequireHMAC_AcceptsBase64Signature(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	validator := newTestValidator(now, &recordingMetrics{})
	signed := newSignedRequest(now, `{}`)
	req := signed.build()
	raw := computeHMAC([]byte(webhookSecret), buildCanonicalString(req, signed.body, signed.timestamp, signed.nonce))
	req.Header.Set(SignatureHeader, base64.StdEncoding.EncodeToString(raw))

	rr := httptest.NewRecorder()
	validator.RequireHMAC(webhookSecretName)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
}

func TestRequireHMAC_Rejections(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	cases := []struct {
		name   string
		mutate func(*signedRequest)
		status int
		reason string
	}{
		{"missing signature", func(s *signedRequest) { s.signature = "" }, http.StatusUnauthorized, "signature_missing"},
		{"tampered body", func(s *signedRequest) { s.body = []byte(`{"orderId":"ord_2"}`) }, http.StatusUnauthorized, "signature_mismatch"},
		{"stale timestamp", func(s *signedRequest) {
			*s = newSignedRequest(now.Add(-time.Hour), `{}`)
		}, http.StatusUnauthorized, "timestamp_skew"},
		{"garbage timestamp", func(s *signedRequest) { s.timestamp = "yesterday" }, http.StatusUnauthorized, "timestamp_invalid"},
		{"undecodable signature", func(s *signedRequest) { s.signature = "!!" }, http.StatusUnauthorized, "signature_invalid"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			metrics := &recordingMetrics{}
			validator := newTestValidator(now, metrics)
			signed := newSignedRequest(now, `{"orderId":"ord_1"}`)
			tc.mutate(&signed)

			rr := httptest.NewRecorder()
			validator.RequireHMAC(webhookSecretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatalf("handler should not run")
			})).ServeHTTP(rr, signed.build())

			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if rec := metrics.last(); rec.success || rec.reason != tc.reason {
				t.Fatalf("expected failure %q, got %+v", tc.reason, rec)
			}
		})
	}
}

func TestRequireHMAC_ReplayRejected(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	validator := newTestValidator(now, &recordingMetrics{})
	signed := newSignedRequest(now, `{"orderId":"ord_1"}`)
	handler := validator.RequireHMAC(webhookSecretName)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, signed.build())
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, signed.build())

	if first.Code != http.StatusNoContent {
		t.Fatalf("expected first delivery to pass, got %d", first.Code)
	}
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("expected replay to be rejected, got %d", second.Code)
	}
}

func TestRequireHMAC_SecretUnavailable(t *testing.T) {
	now := time.Now().UTC()
	validator := NewHMACValidator(SecretProviderFunc(func(context.Context, string) (string, error) {
		return "", errors.New("secret manager down")
	}), NewInMemoryNonceStore(), WithHMACClock(func() time.Time { return now }))

	rr := httptest.NewRecorder()
	validator.RequireHMAC(webhookSecretName)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler should not run")
	})).ServeHTTP(rr, newSignedRequest(now, `{}`).build())
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestInMemoryNonceStore_ExpiresEntries(t *testing.T) {
	store := NewInMemoryNonceStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, err := store.UseNonce(ctx, "s", "n", now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("first use: ok=%v err=%v", ok, err)
	}
	if ok, _ := store.UseNonce(ctx, "s", "n", now.Add(time.Minute)); ok {
		t.Fatalf("expected replay within ttl to be rejected")
	}
	if ok, _ := store.UseNonce(ctx, "other", "n", now.Add(time.Minute)); !ok {
		t.Fatalf("expected nonce to be scoped per secret")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := store.UseNonce(ctx, "s", "n", now.Add(time.Minute)); !ok {
		t.Fatalf("expected expired nonce to be reusable")
	}
}
