package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

// DefaultTTL is how long a key stays claimed or replayable when no TTL is configured.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a stored key.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// ReservationState is what a caller must do after reserving a key.
type ReservationState int

const (
	// ReservationStateNew means the caller owns the key and runs the request.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means the stored response is replayed.
	ReservationStateCompleted
	// ReservationStatePending means a concurrent request still holds the key.
	ReservationStatePending
)

// Reservation is the result of reserving a key.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the stored state of one scoped key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Response is the handler output kept for replays.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and completed responses. Implementations must make Reserve atomic
// across API instances sharing the store.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// reserve decides the reservation for a key given its current record (nil when absent). The
// returned record, when non-nil, must be written by the store in the same atomic step.
func reserve(current *Record, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, *Record, error) {
	if current != nil && !current.expired(now) {
		if current.Fingerprint != fingerprint {
			return Reservation{}, nil, ErrFingerprintMismatch
		}
		state := ReservationStatePending
		if current.Status == StatusCompleted {
			state = ReservationStateCompleted
		}
		return Reservation{State: state, Record: *current}, nil, nil
	}
	claimed := Record{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttlOrDefault(ttl)),
	}
	return Reservation{State: ReservationStateNew, Record: claimed}, &claimed, nil
}

// complete turns a claimed (or, after a lost claim, absent) record into a replayable one.
func complete(current *Record, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) (Record, error) {
	record := Record{Key: key, Fingerprint: fingerprint, CreatedAt: now}
	if current != nil {
		if current.Fingerprint != fingerprint {
			return Record{}, ErrFingerprintMismatch
		}
		record = *current
	}
	record.Status = StatusCompleted
	record.ResponseStatus = resp.Status
	record.ResponseHeaders = replayableHeaders(resp.Headers)
	record.ResponseBody = slices.Clone(resp.Body)
	record.UpdatedAt = now
	record.ExpiresAt = now.Add(ttlOrDefault(ttl))
	return record, nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

// documentID hashes the scoped key so arbitrary client keys are valid document ids.
func documentID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// hopHeaders are per-connection or per-response and are never replayed.
var hopHeaders = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Date":                true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"X-Request-Id":        true,
}

func replayableHeaders(header http.Header) map[string][]string {
	var kept map[string][]string
	for name, values := range header {
		name = http.CanonicalHeaderKey(name)
		if hopHeaders[name] {
			continue
		}
		if kept == nil {
			kept = make(map[string][]string, len(header))
		}
		kept[name] = slices.Clone(values)
	}
	return kept
}
