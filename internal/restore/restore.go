// Package restore reconstructs backed-up files from the object store. Full
// archives are downloaded and extracted; incremental snapshots are rebuilt
// from the manifest with a parallel download pool. Cold-tier snapshots need
// a rehydration round trip first; the engine initiates it and reports
// pending so the caller can retry later.
package restore

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/coldvault/coldvault/internal/crypto"
	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/manifest"
	"github.com/coldvault/coldvault/internal/objectstore"
	"github.com/coldvault/coldvault/internal/repositories"
)

// defaultPoolSize bounds parallel per-file downloads.
const defaultPoolSize = 10

// defaultRehydrateDays is how long rehydrated copies stay readable.
const defaultRehydrateDays = 7

// Status values reported in Result.
const (
	StatusCompleted   = "completed"
	StatusColdPending = "cold_retrieval_pending"
)

// Params selects what to restore and where to put it.
type Params struct {
	SnapshotID string
	Dest       string

	// Subset restricts restoration to relative paths matching any of these
	// prefixes. Empty restores everything.
	Subset []string

	// Tier selects the rehydration speed for cold snapshots.
	Tier objectstore.RestoreTier

	// RehydrateDays is how long the rehydrated copy stays available.
	RehydrateDays int32
}

// Result reports restore progress. Downloaded < Total with Errors > 0 means
// some files failed; StatusColdPending means rehydration was requested and
// the caller should retry once the tier releases the objects.
type Result struct {
	SnapshotID string `json:"snapshot_id"`
	Status     string `json:"status"`
	Downloaded int    `json:"downloaded"`
	Total      int    `json:"total"`
	Errors     int    `json:"errors"`
	Dest       string `json:"dest,omitempty"`

	// PendingObjects counts objects still rehydrating when the status is
	// cold_retrieval_pending.
	PendingObjects int `json:"pending_objects,omitempty"`
}

// Restorer executes restores against the ledger and the object store.
type Restorer struct {
	jobs       repositories.JobRepository
	snapshots  repositories.SnapshotRepository
	store      objectstore.Store
	passphrase string
	tempDir    string
	poolSize   int
	logger     *zap.Logger
}

// New creates a Restorer. tempDir stages downloads before they are decrypted
// and moved into place.
func New(jobs repositories.JobRepository, snapshots repositories.SnapshotRepository, store objectstore.Store, passphrase, tempDir string, logger *zap.Logger) *Restorer {
	return &Restorer{
		jobs:       jobs,
		snapshots:  snapshots,
		store:      store,
		passphrase: passphrase,
		tempDir:    tempDir,
		poolSize:   defaultPoolSize,
		logger:     logger.Named("restore"),
	}
}

// Run restores one snapshot. Per-file failures are counted, not fatal; the
// result carries downloaded/total so the caller can judge completeness.
func (r *Restorer) Run(ctx context.Context, p Params) (*Result, error) {
	if p.Dest == "" {
		return nil, errors.New("restore: destination path is required")
	}
	if p.Tier == "" {
		p.Tier = objectstore.TierStandard
	}
	if p.RehydrateDays <= 0 {
		p.RehydrateDays = defaultRehydrateDays
	}

	snap, err := r.snapshots.GetBySnapshotID(ctx, p.SnapshotID)
	if err != nil {
		return nil, err
	}
	job, err := r.jobs.GetByID(ctx, snap.JobID)
	if err != nil {
		return nil, err
	}

	passphrase := ""
	if job.EncryptionEnabled {
		passphrase = r.passphrase
	}

	if err := os.MkdirAll(p.Dest, 0o755); err != nil {
		return nil, fmt.Errorf("restore: create destination: %w", err)
	}

	if snap.IsIncremental {
		return r.restoreIncremental(ctx, job, snap, p, passphrase)
	}
	return r.restoreArchive(ctx, job, snap, p, passphrase)
}

// ----- Full archive -----

func (r *Restorer) restoreArchive(ctx context.Context, job *db.Job, snap *db.Snapshot, p Params, passphrase string) (*Result, error) {
	key := snap.S3Key

	if snap.StorageClass.IsCold() {
		pending, err := r.rehydrate(ctx, job.Bucket, []string{key}, p)
		if err != nil {
			return nil, err
		}
		if pending > 0 {
			return &Result{
				SnapshotID:     snap.SnapshotID,
				Status:         StatusColdPending,
				PendingObjects: pending,
			}, nil
		}
	}

	local := filepath.Join(r.tempDir, uuid.NewString()+".tar.gz")
	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("restore: create temp dir: %w", err)
	}
	defer os.Remove(local)

	if err := r.store.Download(ctx, job.Bucket, key, local); err != nil {
		return nil, fmt.Errorf("restore: download archive %s: %w", key, err)
	}

	if strings.HasSuffix(key, ".enc") {
		if passphrase == "" {
			return nil, crypto.ErrNoPassphrase
		}
		plain := strings.TrimSuffix(local, ".tar.gz") + ".plain.tar.gz"
		if err := crypto.DecryptFile(local, plain, passphrase); err != nil {
			return nil, fmt.Errorf("restore: decrypt archive: %w", err)
		}
		defer os.Remove(plain)
		local = plain
	}

	extracted, total, err := extractArchive(ctx, local, p.Dest, p.Subset)
	if err != nil {
		return nil, err
	}

	r.logger.Info("archive restore complete",
		zap.String("snapshot_id", snap.SnapshotID),
		zap.Int("extracted", extracted),
		zap.String("dest", p.Dest),
	)
	return &Result{
		SnapshotID: snap.SnapshotID,
		Status:     StatusCompleted,
		Downloaded: extracted,
		Total:      total,
		Dest:       p.Dest,
	}, nil
}

// extractArchive unpacks a tar.gz into dest, honoring the subset filter.
// Returns extracted and total regular-file counts.
func extractArchive(ctx context.Context, archivePath, dest string, subset []string) (int, int, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return 0, 0, fmt.Errorf("restore: open archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return 0, 0, fmt.Errorf("restore: bad gzip stream: %w", err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	extracted, total := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return extracted, total, err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, total, fmt.Errorf("restore: read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		total++
		if !matchesSubset(hdr.Name, subset) {
			continue
		}

		target, terr := securePath(dest, hdr.Name)
		if terr != nil {
			return extracted, total, terr
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return extracted, total, fmt.Errorf("restore: create directory: %w", err)
		}

		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return extracted, total, fmt.Errorf("restore: create %s: %w", target, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return extracted, total, fmt.Errorf("restore: extract %s: %w", hdr.Name, err)
		}
		if err := out.Close(); err != nil {
			return extracted, total, fmt.Errorf("restore: close %s: %w", target, err)
		}
		extracted++
	}
	return extracted, total, nil
}

// ----- Incremental -----

func (r *Restorer) restoreIncremental(ctx context.Context, job *db.Job, snap *db.Snapshot, p Params, passphrase string) (*Result, error) {
	manifestKey := snap.ManifestKey
	if manifestKey == "" {
		manifestKey = manifest.Key(job.Prefix, job.Name)
	}

	m, err := manifest.Load(ctx, r.store, job.Bucket, manifestKey, passphrase)
	if err != nil {
		return nil, fmt.Errorf("restore: load manifest %s: %w", manifestKey, err)
	}

	type target struct {
		rel   string
		entry manifest.FileEntry
	}
	var targets []target
	for rel, entry := range m.Files {
		if matchesSubset(rel, p.Subset) {
			targets = append(targets, target{rel: rel, entry: entry})
		}
	}
	if len(targets) == 0 {
		return &Result{SnapshotID: snap.SnapshotID, Status: StatusCompleted, Dest: p.Dest}, nil
	}

	if snap.StorageClass.IsCold() {
		keys := make([]string, 0, len(targets))
		for _, t := range targets {
			keys = append(keys, t.entry.S3Key)
		}
		pending, err := r.rehydrate(ctx, job.Bucket, keys, p)
		if err != nil {
			return nil, err
		}
		if pending > 0 {
			return &Result{
				SnapshotID:     snap.SnapshotID,
				Status:         StatusColdPending,
				Total:          len(targets),
				PendingObjects: pending,
			}, nil
		}
	}

	if err := os.MkdirAll(r.tempDir, 0o755); err != nil {
		return nil, fmt.Errorf("restore: create temp dir: %w", err)
	}

	var (
		mu         sync.Mutex
		downloaded int
		failed     int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.poolSize)
	for _, t := range targets {
		t := t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if err := r.restoreOne(gctx, job.Bucket, t.entry.S3Key, t.rel, p.Dest, passphrase); err != nil {
				r.logger.Warn("file restore failed",
					zap.String("path", t.rel),
					zap.Error(err),
				)
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			downloaded++
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.logger.Info("incremental restore complete",
		zap.String("snapshot_id", snap.SnapshotID),
		zap.Int("downloaded", downloaded),
		zap.Int("failed", failed),
		zap.String("dest", p.Dest),
	)
	return &Result{
		SnapshotID: snap.SnapshotID,
		Status:     StatusCompleted,
		Downloaded: downloaded,
		Total:      len(targets),
		Errors:     failed,
		Dest:       p.Dest,
	}, nil
}

// restoreOne downloads a single object to a temp file, decrypts it when
// needed, and renames it into place.
func (r *Restorer) restoreOne(ctx context.Context, bucket, key, rel, dest, passphrase string) error {
	target, err := securePath(dest, rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("restore: create directory for %s: %w", rel, err)
	}

	tmp := filepath.Join(r.tempDir, uuid.NewString())
	defer os.Remove(tmp)

	if err := r.store.Download(ctx, bucket, key, tmp); err != nil {
		return fmt.Errorf("restore: download %s: %w", key, err)
	}

	if passphrase != "" {
		plain := tmp + ".plain"
		if err := crypto.DecryptFile(tmp, plain, passphrase); err != nil {
			return fmt.Errorf("restore: decrypt %s: %w", key, err)
		}
		defer os.Remove(plain)
		tmp = plain
	}

	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("restore: place %s: %w", rel, err)
	}
	return nil
}

// ----- Cold tier -----

// rehydrate checks every key's retrieval state and initiates retrieval for
// the ones not yet requested. Returns how many keys are still not readable.
func (r *Restorer) rehydrate(ctx context.Context, bucket string, keys []string, p Params) (int, error) {
	pending := 0
	for _, key := range keys {
		status, err := r.store.CheckColdRestore(ctx, bucket, key)
		if err != nil {
			return 0, fmt.Errorf("restore: check cold status of %s: %w", key, err)
		}
		switch status {
		case objectstore.RestoreReady:
			continue
		case objectstore.RestoreInProgress:
			pending++
		case objectstore.RestoreNone:
			if err := r.store.InitiateColdRestore(ctx, bucket, key, p.Tier, p.RehydrateDays); err != nil {
				return 0, fmt.Errorf("restore: initiate cold retrieval of %s: %w", key, err)
			}
			pending++
		}
	}
	if pending > 0 {
		r.logger.Info("cold retrieval pending",
			zap.Int("objects", pending),
			zap.String("tier", string(p.Tier)),
		)
	}
	return pending, nil
}

// ----- Helpers -----

// matchesSubset reports whether rel falls under any subset prefix. An empty
// subset matches everything.
func matchesSubset(rel string, subset []string) bool {
	if len(subset) == 0 {
		return true
	}
	for _, prefix := range subset {
		prefix = strings.TrimSuffix(prefix, "/")
		if rel == prefix || strings.HasPrefix(rel, prefix+"/") {
			return true
		}
	}
	return false
}

// securePath joins rel onto dest and rejects traversal outside it.
func securePath(dest, rel string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(rel))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("restore: path %q escapes destination", rel)
	}
	return target, nil
}
