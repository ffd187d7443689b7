// Package objectstore wraps the S3 API behind a small interface the backup
// engines, restore, and reconciliation depend on. Uploads above the part-size
// threshold use multipart; every remote call is retried with exponential
// backoff according to the transient/permanent classification in classify.go.
package objectstore

import (
	"context"
	"errors"
	"time"

	"github.com/coldvault/coldvault/internal/db"
)

// ErrObjectNotFound is returned by Head, Download and GetBytes when the
// requested key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a remote object as returned by Head and List.
type ObjectInfo struct {
	Key          string
	Size         int64
	StorageClass string
	LastModified time.Time
}

// RestoreTier selects the speed/cost tradeoff for rehydrating cold objects.
type RestoreTier string

const (
	TierExpedited RestoreTier = "Expedited"
	TierStandard  RestoreTier = "Standard"
	TierBulk      RestoreTier = "Bulk"
)

// RestoreStatus is the rehydration state of a cold object.
type RestoreStatus string

const (
	// RestoreNone means no restore request exists for the object.
	RestoreNone RestoreStatus = "none"
	// RestoreInProgress means a restore request was accepted and is running.
	RestoreInProgress RestoreStatus = "in_progress"
	// RestoreReady means a temporary readable copy is available.
	RestoreReady RestoreStatus = "ready"
)

// ProgressFunc receives upload progress. Called at most once per progress
// interval with cumulative uploaded bytes and the total size.
type ProgressFunc func(uploaded, total int64)

// Store is the object storage surface the rest of the system uses.
// Implementations must be safe for concurrent use.
type Store interface {
	// Upload stores a local file under key with the given storage class.
	Upload(ctx context.Context, bucket, key, localPath string, class db.StorageClass, progress ProgressFunc) error

	// PutBytes stores a small in-memory payload, always in the hot tier so
	// it stays immediately readable. Used for manifests.
	PutBytes(ctx context.Context, bucket, key string, data []byte) error

	// GetBytes fetches a small object fully into memory.
	// Returns ErrObjectNotFound if the key does not exist.
	GetBytes(ctx context.Context, bucket, key string) ([]byte, error)

	// Download fetches an object to a local file.
	// Returns ErrObjectNotFound if the key does not exist.
	Download(ctx context.Context, bucket, key, localPath string) error

	// Head returns object metadata without fetching the body.
	// Returns ErrObjectNotFound if the key does not exist.
	Head(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// List returns all objects under the given prefix.
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)

	// InitiateColdRestore requests rehydration of a cold-tier object. An
	// already-running restore is not an error.
	InitiateColdRestore(ctx context.Context, bucket, key string, tier RestoreTier, days int32) error

	// CheckColdRestore reports the rehydration state of a cold-tier object.
	CheckColdRestore(ctx context.Context, bucket, key string) (RestoreStatus, error)
}
