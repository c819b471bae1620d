package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joaosutil/pede-ai2/internal/platform/auth"
)

const meterName = "github.com/joaosutil/pede-ai2/auth"

type authMetrics struct {
	verifications metric.Int64Counter
	latency       metric.Float64Histogram
}

// NewAuthMetrics records webhook signature and scheduler token verifications as otel
// instruments. A nil meter uses the global meter provider.
func NewAuthMetrics(meter metric.Meter) (auth.MetricsRecorder, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}

	verifications, err := meter.Int64Counter(
		"auth.verifications",
		metric.WithDescription("Count of server-to-server credential verifications by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register verification counter: %w", err)
	}
	latency, err := meter.Float64Histogram(
		"auth.verification.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds of credential verification"),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: register verification latency: %w", err)
	}
	return &authMetrics{verifications: verifications, latency: latency}, nil
}

func (m *authMetrics) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	outcome := "rejected"
	if success {
		outcome = "accepted"
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	)
	m.verifications.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
}
