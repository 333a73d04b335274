package archive

import (
	"context"
	"fmt"
	"os"
)

// Backend names an object store implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv creates an evidence pack store based on environment
// variables.
//
// Environment variables:
//   - PDSNO_ARCHIVE_BACKEND: "fs" (default), "s3", or "gcs"
//   - PDSNO_ARCHIVE_DIR: base directory for the fs backend (default: "archive")
//
// For S3:
//   - PDSNO_ARCHIVE_S3_BUCKET (required)
//   - PDSNO_ARCHIVE_S3_REGION or AWS_REGION
//   - PDSNO_ARCHIVE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - PDSNO_ARCHIVE_S3_PREFIX (optional)
//
// For GCS:
//   - PDSNO_ARCHIVE_GCS_BUCKET (required)
//   - PDSNO_ARCHIVE_GCS_PREFIX (optional)
func NewStoreFromEnv(ctx context.Context) (ObjectStore, error) {
	backend := Backend(os.Getenv("PDSNO_ARCHIVE_BACKEND"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dir := os.Getenv("PDSNO_ARCHIVE_DIR")
		if dir == "" {
			dir = "archive"
		}
		return NewFileStore(dir)
	case BackendS3:
		bucket := os.Getenv("PDSNO_ARCHIVE_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("PDSNO_ARCHIVE_S3_BUCKET is required for the s3 backend")
		}
		region := os.Getenv("PDSNO_ARCHIVE_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("PDSNO_ARCHIVE_S3_ENDPOINT"),
			Prefix:   os.Getenv("PDSNO_ARCHIVE_S3_PREFIX"),
		})
	case BackendGCS:
		bucket := os.Getenv("PDSNO_ARCHIVE_GCS_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("PDSNO_ARCHIVE_GCS_BUCKET is required for the gcs backend")
		}
		return NewGCSStore(ctx, GCSConfig{
			Bucket: bucket,
			Prefix: os.Getenv("PDSNO_ARCHIVE_GCS_PREFIX"),
		})
	default:
		return nil, fmt.Errorf("unsupported archive backend: %s", backend)
	}
}
