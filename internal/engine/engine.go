// Package engine implements the two backup engines: the incremental
// per-file engine and the full-archive engine. Engines are pure executors;
// they receive everything through Params and never touch the database.
// Run lifecycle, snapshot rows and retention belong to the worker.
package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/objectstore"
)

// ErrCancelled is the cancellation cause set by the worker when a run is
// cancelled. Engines poll for it at safe points between files, never
// mid-upload of a part.
var ErrCancelled = errors.New("run cancelled")

const (
	defaultScanWorkers   = 4
	defaultUploadWorkers = 4
)

// Params carries everything an engine needs for one run.
type Params struct {
	JobID      int64
	JobName    string
	SnapshotID string

	SourcePaths     []string
	IncludePatterns []string
	ExcludePatterns []string

	Bucket       string
	Prefix       string
	StorageClass db.StorageClass

	// Passphrase enables encryption when non-empty.
	Passphrase string

	ScanWorkers   int
	UploadWorkers int

	// TempDir holds encrypted staging copies and archive build files.
	TempDir string

	Store  objectstore.Store
	Logger *zap.Logger
}

// Result summarizes a completed engine run. FilesCount counts uploaded
// files only; unchanged files are reported separately so that
// FilesCount + FilesUnchanged equals TotalFilesScanned on a clean run.
type Result struct {
	SnapshotID        string
	SizeBytes         int64
	FilesCount        int
	S3Key             string
	ManifestKey       string
	FilesUnchanged    int
	TotalFilesScanned int
	UploadErrors      int
	Incremental       bool
}

// checkCancelled is the safe-point poll. It surfaces the cancellation cause
// (ErrCancelled for operator cancels) rather than the bare context error.
func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
		return ctx.Err()
	default:
		return nil
	}
}
