package domain

import (
	"time"
)

// Pagination carries the page size and opaque continuation token of a list request.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage is one page of results. An empty NextPageToken means the listing is exhausted.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Readiness states. Degraded means an optional dependency such as the event topic failed while
// orders can still be taken; error means a critical dependency such as Firestore is down.
const (
	HealthStatusOK       = "ok"
	HealthStatusDegraded = "degraded"
	HealthStatusError    = "error"
)

// SystemHealthCheck is the outcome of probing one dependency.
type SystemHealthCheck struct {
	Status    string
	Critical  bool
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport is the readiness view served on /readyz.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}
