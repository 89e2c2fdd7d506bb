// Package archive stores content-addressed journal snapshots in object
// storage, so an operator can recover a writer's journal after local
// disk loss. Snapshots are keyed by their SHA-256 hash: uploading the
// same journal state twice is a no-op.
package archive

import (
	"context"
	"fmt"
)

// Store is a content-addressed snapshot store.
type Store interface {
	// Store persists data and returns its content hash ("sha256:<hex>").
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks whether a snapshot is already archived.
	Exists(ctx context.Context, hash string) (bool, error)
}

// Config selects and configures a backend.
type Config struct {
	S3Bucket  string
	S3Region  string
	S3Prefix  string
	GCSBucket string
	GCSPrefix string
}

// New builds the configured backend; both buckets set is a
// configuration error, neither set disables archiving (nil store).
func New(ctx context.Context, cfg Config) (Store, error) {
	switch {
	case cfg.S3Bucket != "" && cfg.GCSBucket != "":
		return nil, fmt.Errorf("archive: configure either S3 or GCS, not both")
	case cfg.S3Bucket != "":
		return NewS3Store(ctx, S3StoreConfig{Bucket: cfg.S3Bucket, Region: cfg.S3Region, Prefix: cfg.S3Prefix})
	case cfg.GCSBucket != "":
		return newGCSStore(ctx, cfg.GCSBucket, cfg.GCSPrefix)
	default:
		return nil, nil
	}
}
