package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldvault/coldvault/internal/crypto"
	"github.com/coldvault/coldvault/internal/manifest"
	"github.com/coldvault/coldvault/internal/objectstore"
	"github.com/coldvault/coldvault/internal/retry"
)

// RunIncremental executes one incremental backup: load the previous
// manifest, scan and sign the sources, upload changed files, and write the
// merged manifest back. The destination is consolidated; object keys carry
// no timestamp, so unchanged files are never re-uploaded and the store
// always reflects the latest state.
func RunIncremental(ctx context.Context, p Params) (*Result, error) {
	log := p.Logger

	manifestKey := manifest.Key(p.Prefix, p.JobName)
	prev, err := manifest.Load(ctx, p.Store, p.Bucket, manifestKey, p.Passphrase)
	if err != nil {
		if !errors.Is(err, objectstore.ErrObjectNotFound) {
			return nil, fmt.Errorf("engine: load previous manifest: %w", err)
		}
		log.Info("no previous manifest, full upload")
		prev = manifest.New(p.JobID, "")
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	files, err := scan(ctx, p)
	if err != nil {
		return nil, err
	}
	log.Info("scan complete", zap.Int("files", len(files)))

	var toUpload []scannedFile
	unchanged := 0
	for _, f := range files {
		e, ok := prev.Files[f.RelPath]
		if ok && e.Size == f.Size && e.MTime == f.MTime && e.Hash == f.Hash {
			unchanged++
			continue
		}
		toUpload = append(toUpload, f)
	}

	result := &Result{
		SnapshotID:        p.SnapshotID,
		S3Key:             FilesPrefix(p.Prefix, p.JobName),
		ManifestKey:       manifestKey,
		FilesUnchanged:    unchanged,
		TotalFilesScanned: len(files),
		Incremental:       true,
	}

	if len(toUpload) == 0 {
		// A no-change snapshot references no artifact of its own; its keys
		// stay null and the previous manifest remains authoritative.
		result.S3Key = ""
		result.ManifestKey = ""
		log.Info("no changes detected, skipping upload",
			zap.Int("files_unchanged", unchanged),
		)
		return result, nil
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	uploaded, secondChance, permanent := uploadFiles(ctx, p, toUpload)

	// Second chance: retryable failures get a fresh backoff schedule each,
	// one at a time, after the parallel phase has drained.
	policy := retry.DefaultPolicy(objectstore.IsRetryable)
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		log.Warn("retrying failed upload",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
	for _, f := range secondChance {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}
		entry, err := uploadOne(ctx, p, f, policy)
		if err != nil {
			log.Error("upload failed permanently",
				zap.String("file", f.RelPath),
				zap.Error(err),
			)
			permanent++
			continue
		}
		uploaded[f.RelPath] = entry
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	// Merge: previous entries survive unless overwritten by this run's
	// uploads. Files deleted locally keep their last known entry; restore
	// can still reach them until a reconcile rebuilds the manifest.
	next := manifest.New(p.JobID, p.SnapshotID)
	for rel, e := range prev.Files {
		next.Files[rel] = e
	}
	var uploadedBytes int64
	for rel, e := range uploaded {
		next.Files[rel] = e
		uploadedBytes += e.Size
	}

	if err := manifest.Save(ctx, p.Store, p.Bucket, manifestKey, p.Passphrase, next); err != nil {
		return nil, fmt.Errorf("engine: save manifest: %w", err)
	}

	result.SizeBytes = uploadedBytes
	result.FilesCount = len(uploaded)
	result.UploadErrors = permanent
	log.Info("incremental backup complete",
		zap.Int("files_uploaded", len(uploaded)),
		zap.Int("files_unchanged", unchanged),
		zap.Int("upload_errors", permanent),
		zap.Int64("bytes_uploaded", uploadedBytes),
	)
	return result, nil
}

// uploadFiles runs the parallel upload phase. Retryable failures are set
// aside for the second-chance queue; permanent failures are only counted.
func uploadFiles(ctx context.Context, p Params, files []scannedFile) (map[string]manifest.FileEntry, []scannedFile, int) {
	workers := p.UploadWorkers
	if workers <= 0 {
		workers = defaultUploadWorkers
	}

	var (
		mu           sync.Mutex
		uploaded     = make(map[string]manifest.FileEntry, len(files))
		secondChance []scannedFile
		permanent    int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range files {
		f := files[i]
		g.Go(func() error {
			if err := checkCancelled(gctx); err != nil {
				return err
			}
			entry, err := uploadOne(gctx, p, f, retry.Policy{MaxAttempts: 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				uploaded[f.RelPath] = entry
			case errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled):
				return err
			case objectstore.IsRetryable(err):
				secondChance = append(secondChance, f)
			default:
				p.Logger.Error("upload failed permanently",
					zap.String("file", f.RelPath),
					zap.Error(err),
				)
				permanent++
			}
			return nil
		})
	}

	// A group error here is always cancellation; the per-file outcome maps
	// were already populated under the mutex.
	if err := g.Wait(); err != nil {
		return uploaded, nil, permanent
	}
	return uploaded, secondChance, permanent
}

// uploadOne uploads a single file, staging an encrypted copy in TempDir
// when encryption is on. The object key is the same either way; encryption
// is invisible in the key space.
func uploadOne(ctx context.Context, p Params, f scannedFile, policy retry.Policy) (manifest.FileEntry, error) {
	key := FilesPrefix(p.Prefix, p.JobName) + f.RelPath

	src := f.AbsPath
	if p.Passphrase != "" {
		tmp := filepath.Join(p.TempDir, uuid.NewString()+".enc")
		if err := crypto.EncryptFile(f.AbsPath, tmp, p.Passphrase); err != nil {
			return manifest.FileEntry{}, fmt.Errorf("encrypt %s: %w", f.RelPath, err)
		}
		defer os.Remove(tmp)
		src = tmp
	}

	op := func() error {
		return p.Store.Upload(ctx, p.Bucket, key, src, p.StorageClass, nil)
	}

	var err error
	if policy.MaxAttempts <= 1 {
		err = op()
	} else {
		err = policy.Do(ctx, op)
	}
	if err != nil {
		return manifest.FileEntry{}, err
	}

	return manifest.FileEntry{
		Size:  f.Size,
		MTime: f.MTime,
		Hash:  f.Hash,
		S3Key: key,
	}, nil
}
