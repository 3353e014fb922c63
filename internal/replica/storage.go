package replica

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
)

var (
	// bbolt bucket names
	bucketEntities = []byte("entities")
	bucketQueue    = []byte("queue")
	bucketQueueIdx = []byte("queue_by_entity")
	bucketMeta     = []byte("meta")
	// server state of entities with a queued entry, keyed by entity id
	bucketShadows = []byte("shadows")

	keyCursor   = []byte("cursor")
	keyLastSync = []byte("last_sync_at")
)

// Storage is the bbolt implementation of Store.
type Storage struct {
	db  *bbolt.DB
	now func() time.Time

	// entropy is only read inside bbolt write transactions, which are
	// serialized, so the monotonic source needs no extra lock.
	entropy io.Reader

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

var _ Store = (*Storage)(nil)

// Option configures Storage.
type Option func(*Storage)

// WithMaxAttempts sets the attempt ceiling for transient failures.
func WithMaxAttempts(n int) Option {
	return func(s *Storage) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff overrides the retry backoff bounds.
func WithBackoff(base, ceiling time.Duration) Option {
	return func(s *Storage) {
		s.backoffBase = base
		s.backoffCap = ceiling
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Storage) { s.now = now }
}

// Open opens (or creates) the replica file at path.
func Open(path string, opts ...Option) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create replica directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open replica: %w", err)
	}

	s := &Storage{
		db:          db,
		now:         time.Now,
		entropy:     ulid.Monotonic(rand.Reader, 0),
		maxAttempts: DefaultMaxAttempts,
		backoffBase: BackoffBase,
		backoffCap:  BackoffCap,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initBuckets(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize buckets: %w", err)
	}
	return s, nil
}

// Close closes the replica file.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Storage) initBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketEntities, bucketQueue, bucketQueueIdx, bucketMeta, bucketShadows} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

// Get returns the local record for id, including tombstones.
func (s *Storage) Get(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns live records of the given kind in id order. An empty kind
// lists every kind.
func (s *Storage) List(ctx context.Context, kind string) ([]Record, error) {
	records := []Record{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntities).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal record %s: %w", k, err)
			}
			if rec.IsDeleted() || (kind != "" && rec.Kind != kind) {
				return nil
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Cursor returns the persisted change feed cursor. ok is false when the
// replica has never been bootstrapped.
func (s *Storage) Cursor(ctx context.Context) (int64, bool, error) {
	var (
		cursor int64
		ok     bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		cursor, ok, err = readCursor(tx)
		return err
	})
	return cursor, ok, err
}

// ClearCursor forgets the persisted cursor so the next pass bootstraps.
func (s *Storage) ClearCursor(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Delete(keyCursor)
	})
}

// MarkSynced records the completion time of a successful pass.
func (s *Storage) MarkSynced(ctx context.Context, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyLastSync, []byte(at.UTC().Format(time.RFC3339Nano)))
	})
}

// LastSynced returns the time of the last successful pass, zero if none.
func (s *Storage) LastSynced(ctx context.Context) (time.Time, error) {
	var at time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyLastSync)
		if v == nil {
			return nil
		}
		var err error
		at, err = time.Parse(time.RFC3339Nano, string(v))
		return err
	})
	return at, err
}

func readCursor(tx *bbolt.Tx) (int64, bool, error) {
	v := tx.Bucket(bucketMeta).Get(keyCursor)
	if v == nil {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(string(v), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cursor: %w", err)
	}
	return n, true, nil
}

func writeCursor(tx *bbolt.Tx, cursor int64) error {
	return tx.Bucket(bucketMeta).Put(keyCursor, []byte(strconv.FormatInt(cursor, 10)))
}

func getRecord(tx *bbolt.Tx, id string) (*Record, error) {
	v := tx.Bucket(bucketEntities).Get([]byte(id))
	if v == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record %s: %w", id, err)
	}
	return &rec, nil
}

func putRecord(tx *bbolt.Tx, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.ID, err)
	}
	return tx.Bucket(bucketEntities).Put([]byte(rec.ID), data)
}
