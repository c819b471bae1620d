package services

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	domain "github.com/joaosutil/pede-ai2/internal/domain"
	"github.com/joaosutil/pede-ai2/internal/repositories"
)

const defaultHealthCacheTTL = 5 * time.Second

// BuildInfo is the deploy metadata reported by the probe endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps wires NewSystemService.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	// CacheTTL reuses a collected report so frequent readiness probes do not hammer Firestore.
	// Negative disables caching; zero selects the default.
	CacheTTL time.Duration
}

type systemService struct {
	health repositories.HealthRepository
	clock  func() time.Time
	build  BuildInfo
	ttl    time.Duration

	mu        sync.Mutex
	last      domain.SystemHealthReport
	collected time.Time
}

var _ SystemService = (*systemService)(nil)

// NewSystemService builds the readiness service.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = clock()
	}
	ttl := deps.CacheTTL
	switch {
	case ttl == 0:
		ttl = defaultHealthCacheTTL
	case ttl < 0:
		ttl = 0
	}
	return &systemService{
		health: deps.HealthRepository,
		clock:  func() time.Time { return clock().UTC() },
		build:  build,
		ttl:    ttl,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	now := s.clock()
	report, err := s.collect(ctx, now)
	if err != nil {
		return SystemHealthReport{}, err
	}

	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	}
	report.GeneratedAt = report.GeneratedAt.UTC()
	report.Version = firstNonBlank(report.Version, s.build.Version)
	report.CommitSHA = firstNonBlank(report.CommitSHA, s.build.CommitSHA)
	report.Environment = firstNonBlank(report.Environment, s.build.Environment)
	if report.Uptime <= 0 {
		report.Uptime = now.Sub(s.build.StartedAt)
	}
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if strings.TrimSpace(report.Status) == "" {
		report.Status = statusFromChecks(report.Checks)
	}
	return report, nil
}

// collect returns the cached report while fresh. Failed collections are never cached.
func (s *systemService) collect(ctx context.Context, now time.Time) (domain.SystemHealthReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ttl > 0 && !s.collected.IsZero() && now.Sub(s.collected) < s.ttl {
		report := s.last
		report.Checks = maps.Clone(s.last.Checks)
		return report, nil
	}

	report, err := s.health.Collect(ctx)
	if err != nil {
		return domain.SystemHealthReport{}, err
	}
	s.last, s.collected = report, now
	report.Checks = maps.Clone(report.Checks)
	return report, nil
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// statusFromChecks derives the overall state when the repository left it blank.
func statusFromChecks(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
