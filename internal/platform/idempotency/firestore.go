package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/joaosutil/pede-ai2/internal/platform/firestore"
)

const defaultCleanupLimit = 100

type recordDocument struct {
	Key             string              `firestore:"key"`
	Fingerprint     string              `firestore:"fingerprint"`
	Status          string              `firestore:"status"`
	ResponseStatus  int                 `firestore:"responseStatus"`
	ResponseHeaders map[string][]string `firestore:"responseHeaders"`
	ResponseBody    []byte              `firestore:"responseBody"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	ExpiresAt       time.Time           `firestore:"expiresAt"`
}

// FirestoreOption customises the FirestoreStore.
type FirestoreOption func(*firestoreSettings)

type firestoreSettings struct {
	collection string
	tx         []pfirestore.TxOption
}

// WithCollection overrides the collection holding idempotency keys.
func WithCollection(name string) FirestoreOption {
	return func(s *firestoreSettings) {
		if name != "" {
			s.collection = name
		}
	}
}

// WithMaxAttempts caps transaction retries when concurrent requests race for one key.
func WithMaxAttempts(attempts int) FirestoreOption {
	return func(s *firestoreSettings) {
		s.tx = append(s.tx, pfirestore.WithTxAttempts(attempts))
	}
}

// FirestoreStore shares idempotency records across API instances. Documents are keyed by the
// hash of the scoped key and carry expiresAt so a Firestore TTL policy can also reap them.
type FirestoreStore struct {
	provider *pfirestore.Provider
	records  *pfirestore.Collection[recordDocument]
	uow      *pfirestore.UnitOfWork
}

// NewFirestoreStore constructs a Firestore-backed idempotency store.
func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) *FirestoreStore {
	settings := firestoreSettings{collection: "idempotencyKeys"}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	return &FirestoreStore{
		provider: provider,
		records:  pfirestore.NewCollection[recordDocument](provider, settings.collection),
		uow:      pfirestore.NewUnitOfWork(provider, settings.tx...),
	}
}

// Reserve claims the key inside a transaction, or reports its stored state.
func (s *FirestoreStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	id := documentID(key)
	var res Reservation
	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		var write *Record
		res, write, err = reserve(current, key, fingerprint, now.UTC(), ttl)
		if err != nil || write == nil {
			return err
		}
		return s.records.Set(ctx, id, toDocument(*write))
	})
	return res, unwrapMismatch(err)
}

// SaveResponse stores the completed response for later replays.
func (s *FirestoreStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	id := documentID(key)
	err := s.uow.RunInTx(ctx, func(ctx context.Context) error {
		current, err := s.load(ctx, id)
		if err != nil {
			return err
		}
		record, err := complete(current, key, fingerprint, resp, now.UTC(), ttl)
		if err != nil {
			return err
		}
		return s.records.Set(ctx, id, toDocument(record))
	})
	return unwrapMismatch(err)
}

// Release deletes the reservation so the client may retry.
func (s *FirestoreStore) Release(ctx context.Context, key, _ string) error {
	ref, err := s.records.Doc(ctx, documentID(key))
	if err != nil {
		return err
	}
	_, err = ref.Delete(ctx)
	if pfirestore.IsNotFound(err) {
		return nil
	}
	return pfirestore.WrapError("idempotency.release", err)
}

// CleanupExpired deletes up to limit expired records through a BulkWriter.
func (s *FirestoreStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultCleanupLimit
	}
	coll, err := s.records.Ref(ctx)
	if err != nil {
		return 0, err
	}
	snaps, err := coll.Where("expiresAt", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError("idempotency.cleanup", err)
	}
	if len(snaps) == 0 {
		return 0, nil
	}

	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	writer := client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(snaps))
	for _, snap := range snaps {
		job, err := writer.Delete(snap.Ref)
		if err != nil {
			writer.End()
			return 0, pfirestore.WrapError("idempotency.cleanup", err)
		}
		jobs = append(jobs, job)
	}
	writer.End()

	removed := 0
	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, pfirestore.WrapError("idempotency.cleanup", errors.Join(errs...))
}

func (s *FirestoreStore) load(ctx context.Context, id string) (*Record, error) {
	doc, err := s.records.Get(ctx, id)
	if pfirestore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := doc.Data.toRecord()
	return &record, nil
}

// unwrapMismatch strips the transaction wrapper so callers can compare the sentinel directly.
func unwrapMismatch(err error) error {
	if errors.Is(err, ErrFingerprintMismatch) {
		return ErrFingerprintMismatch
	}
	return err
}

func toDocument(r Record) recordDocument {
	return recordDocument{
		Key:             r.Key,
		Fingerprint:     r.Fingerprint,
		Status:          string(r.Status),
		ResponseStatus:  r.ResponseStatus,
		ResponseHeaders: r.ResponseHeaders,
		ResponseBody:    r.ResponseBody,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ExpiresAt:       r.ExpiresAt,
	}
}

func (d recordDocument) toRecord() Record {
	return Record{
		Key:             d.Key,
		Fingerprint:     d.Fingerprint,
		Status:          Status(d.Status),
		ResponseStatus:  d.ResponseStatus,
		ResponseHeaders: d.ResponseHeaders,
		ResponseBody:    d.ResponseBody,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		ExpiresAt:       d.ExpiresAt,
	}
}
