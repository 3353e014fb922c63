// Package archive writes pruned change log entries to S3-compatible storage
// before they are removed from the database. When no bucket is configured the
// NoopArchiver is used and retention simply prunes.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/driftline/internal/config"
	driftsync "github.com/hyperengineering/driftline/internal/sync"
)

// Archiver persists change log entries outside the database.
type Archiver interface {
	// Archive stores entries as one object. An empty slice is a no-op.
	Archive(ctx context.Context, entries []driftsync.ChangeEntry) error
}

// s3Client defines the minimal minio.Client operations used by S3Archiver.
type s3Client interface {
	PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, contentType string) error
}

// minioClientWrapper wraps *minio.Client to satisfy the s3Client interface.
type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) PutObject(ctx context.Context, bucket, objectName string, reader io.Reader, size int64, contentType string) error {
	_, err := w.client.PutObject(ctx, bucket, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	return err
}

// record is the archived form of a change entry. Unlike the wire form it
// carries the owner.
type record struct {
	Cursor     int64           `json:"cursor"`
	OwnerID    string          `json:"owner_id"`
	Kind       string          `json:"kind"`
	Operation  string          `json:"operation"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// S3Archiver writes entries as JSON Lines objects.
type S3Archiver struct {
	client s3Client
	bucket string
	prefix string
	now    func() time.Time
}

// Archive uploads entries as a single JSON Lines object keyed by archive date
// and cursor range.
func (a *S3Archiver) Archive(ctx context.Context, entries []driftsync.ChangeEntry) error {
	if len(entries) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(record{
			Cursor:     e.Cursor,
			OwnerID:    e.OwnerID,
			Kind:       e.Kind,
			Operation:  e.Operation,
			EntityID:   e.EntityID,
			Payload:    e.Payload,
			DeletedAt:  e.DeletedAt,
			RecordedAt: e.RecordedAt,
		}); err != nil {
			return fmt.Errorf("encode change %d: %w", e.Cursor, err)
		}
	}

	key := objectKey(a.prefix, a.now(), entries[0].Cursor, entries[len(entries)-1].Cursor)
	if err := a.client.PutObject(ctx, a.bucket, key, &buf, int64(buf.Len()), "application/x-ndjson"); err != nil {
		return fmt.Errorf("archive changes to S3: %w", err)
	}
	return nil
}

// NoopArchiver is used when S3 storage is not configured.
type NoopArchiver struct{}

// Archive is a no-op when S3 is not configured.
func (NoopArchiver) Archive(ctx context.Context, entries []driftsync.ChangeEntry) error {
	return nil
}

// NewArchiver creates the appropriate Archiver based on configuration.
// Returns NoopArchiver when bucket is empty, S3Archiver otherwise.
func NewArchiver(cfg config.ArchiveConfig) (Archiver, error) {
	if !cfg.Enabled() {
		return NoopArchiver{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Archiver{
		client: &minioClientWrapper{client: client},
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
	}, nil
}

// objectKey returns the object key for a batch of archived entries.
// Convention: {prefix}changelog/YYYY/MM/DD/{first}-{last}.jsonl
func objectKey(prefix string, at time.Time, first, last int64) string {
	return fmt.Sprintf("%schangelog/%s/%020d-%020d.jsonl", prefix, at.UTC().Format("2006/01/02"), first, last)
}
