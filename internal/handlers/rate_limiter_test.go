package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/joaosutil/pede-ai2/internal/services"
)

func TestLookupLimiterWindow(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	limiter := newLookupLimiter(2, time.Minute, func() time.Time { return now })

	for i := range 2 {
		if ok, _ := limiter.Allow("198.51.100.7"); !ok {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	ok, retry := limiter.Allow("198.51.100.7")
	if ok || retry != 30*time.Second {
		t.Fatalf("expected third call rejected until the next token in 30s, got ok=%v retry=%s", ok, retry)
	}
	if ok, _ := limiter.Allow("203.0.113.9"); !ok {
		t.Fatalf("expected other clients unaffected")
	}

	now = now.Add(30 * time.Second)
	if ok, _ := limiter.Allow("198.51.100.7"); !ok {
		t.Fatalf("expected one token back after half the window")
	}
	if ok, _ := limiter.Allow("198.51.100.7"); ok {
		t.Fatalf("expected the refilled token to be spent")
	}

	now = now.Add(time.Minute)
	for i := range 2 {
		if ok, _ := limiter.Allow("198.51.100.7"); !ok {
			t.Fatalf("call %d after a full window should be allowed", i+1)
		}
	}

	if newLookupLimiter(0, time.Minute, nil) != nil {
		t.Fatalf("expected zero limit to disable the limiter")
	}
	var disabled *lookupLimiter
	if ok, _ := disabled.Allow("x"); !ok {
		t.Fatalf("expected nil limiter to allow")
	}
}

func TestClientAddress(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1/track", nil)
	req.RemoteAddr = "10.0.0.3:5123"
	if got := clientAddress(req); got != "10.0.0.3" {
		t.Fatalf("expected remote host, got %q", got)
	}
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	if got := clientAddress(req); got != "198.51.100.7" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}

func TestOrderHandlersLookupRateLimit(t *testing.T) {
	svc := &stubOrderService{
		trackFn: func(orderID string) (services.OrderTracking, error) {
			return services.OrderTracking{OrderID: orderID, Status: sampleOrder().Status}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, svc, WithOrderLookupLimit(1, time.Minute)))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/orders/ord_1/track", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.7")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	if rr := send(); rr.Code != http.StatusOK {
		t.Fatalf("expected first lookup allowed, got %d", rr.Code)
	}
	rr := send()
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("expected Retry-After 60, got %q", got)
	}
	if code := decodeErrorCode(t, rr); code != "rate_limited" {
		t.Fatalf("expected rate_limited, got %s", code)
	}
}
