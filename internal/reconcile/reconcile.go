// Package reconcile compares the snapshot ledger, the job manifest and the
// object store listing, and reports or repairs drift. Payload objects are
// never deleted here; orphans are reported and left in place.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/engine"
	"github.com/coldvault/coldvault/internal/manifest"
	"github.com/coldvault/coldvault/internal/objectstore"
	"github.com/coldvault/coldvault/internal/repositories"
)

// Issue severities.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Issue types.
const (
	IssueNoSnapshots      = "no_snapshots"
	IssueMissingBackup    = "missing_backup"
	IssueKeyMismatch      = "key_mismatch"
	IssueManifestRebuilt  = "manifest_rebuilt"
	IssueFilesMissing     = "files_missing"
	IssueFilesMismatched  = "files_mismatched"
	IssueFilesOrphaned    = "files_orphaned"
	IssueManifestKeyFixed = "manifest_key_repaired"
)

// Issue is one detected inconsistency.
type Issue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Key      string `json:"key,omitempty"`
}

// Result summarizes one reconciliation pass.
type Result struct {
	JobID   int64    `json:"job_id"`
	DryRun  bool     `json:"dry_run"`
	Issues  []Issue  `json:"issues"`
	Actions []string `json:"actions"`
}

func (r *Result) issue(typ, severity, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{
		Type:     typ,
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
	})
}

func (r *Result) keyedIssue(typ, severity, key, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{
		Type:     typ,
		Severity: severity,
		Message:  fmt.Sprintf(format, args...),
		Key:      key,
	})
}

func (r *Result) action(format string, args ...any) {
	r.Actions = append(r.Actions, fmt.Sprintf(format, args...))
}

// Reconciler runs drift checks for one job at a time.
type Reconciler struct {
	jobs       repositories.JobRepository
	snapshots  repositories.SnapshotRepository
	store      objectstore.Store
	passphrase string
	logger     *zap.Logger
}

// New creates a Reconciler. The passphrase must match the one backups were
// written with or encrypted manifests cannot be read.
func New(jobs repositories.JobRepository, snapshots repositories.SnapshotRepository, store objectstore.Store, passphrase string, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		jobs:       jobs,
		snapshots:  snapshots,
		store:      store,
		passphrase: passphrase,
		logger:     logger.Named("reconcile"),
	}
}

// Run reconciles one job. With dryRun set, nothing is written to the object
// store or the ledger; the result reports what a real pass would have done.
func (r *Reconciler) Run(ctx context.Context, jobID int64, dryRun bool) (*Result, error) {
	job, err := r.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	res := &Result{JobID: jobID, DryRun: dryRun, Issues: []Issue{}, Actions: []string{}}

	retained, err := r.snapshots.ListRetainedByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list snapshots for job %d: %w", jobID, err)
	}
	if len(retained) == 0 {
		res.issue(IssueNoSnapshots, SeverityInfo, "job %q has no retained snapshots", job.Name)
		return res, nil
	}
	latest := &retained[0]

	if latest.IsIncremental {
		err = r.reconcileIncremental(ctx, job, latest, dryRun, res)
	} else {
		err = r.reconcileArchive(ctx, job, latest, dryRun, res)
	}
	if err != nil {
		return nil, err
	}

	r.logger.Info("reconciliation finished",
		zap.Int64("job_id", jobID),
		zap.Bool("dry_run", dryRun),
		zap.Int("issues", len(res.Issues)),
		zap.Int("actions", len(res.Actions)),
	)
	return res, nil
}

// reconcileArchive verifies the single-archive layout: one object at the
// canonical archive key.
func (r *Reconciler) reconcileArchive(ctx context.Context, job *db.Job, snap *db.Snapshot, dryRun bool, res *Result) error {
	expectedKey := engine.ArchiveKey(job.Prefix, job.Name, job.EncryptionEnabled && r.passphrase != "")

	_, err := r.store.Head(ctx, job.Bucket, expectedKey)
	switch {
	case errors.Is(err, objectstore.ErrObjectNotFound):
		res.keyedIssue(IssueMissingBackup, SeverityCritical, expectedKey,
			"archive for snapshot %s is missing from the object store", snap.SnapshotID)
		if !dryRun {
			if merr := r.snapshots.MarkNotRetained(ctx, snap.ID, "missing_backup"); merr != nil {
				return fmt.Errorf("reconcile: mark snapshot %d not retained: %w", snap.ID, merr)
			}
			res.action("cleared retained flag on snapshot %s", snap.SnapshotID)
		}
		return nil
	case err != nil:
		return fmt.Errorf("reconcile: head %s: %w", expectedKey, err)
	}

	if snap.S3Key != expectedKey {
		res.keyedIssue(IssueKeyMismatch, SeverityWarning, expectedKey,
			"snapshot %s records key %q, expected %q", snap.SnapshotID, snap.S3Key, expectedKey)
		if !dryRun {
			snap.S3Key = expectedKey
			if uerr := r.snapshots.Update(ctx, snap); uerr != nil {
				return fmt.Errorf("reconcile: repair snapshot key: %w", uerr)
			}
			res.action("updated snapshot %s key to %s", snap.SnapshotID, expectedKey)
		}
	}
	return nil
}

// reconcileIncremental verifies the manifest-plus-payload layout and
// rebuilds the manifest from the listing when it has been lost.
func (r *Reconciler) reconcileIncremental(ctx context.Context, job *db.Job, snap *db.Snapshot, dryRun bool, res *Result) error {
	manifestKey := manifest.Key(job.Prefix, job.Name)
	filesPrefix := engine.FilesPrefix(job.Prefix, job.Name)

	passphrase := ""
	if job.EncryptionEnabled {
		passphrase = r.passphrase
	}

	m, err := manifest.Load(ctx, r.store, job.Bucket, manifestKey, passphrase)
	switch {
	case errors.Is(err, objectstore.ErrObjectNotFound):
		rebuilt, rerr := r.rebuildManifest(ctx, job, snap, filesPrefix)
		if rerr != nil {
			return rerr
		}
		res.keyedIssue(IssueManifestRebuilt, SeverityInfo, manifestKey,
			"manifest missing, rebuilt %d entries from the object listing", len(rebuilt.Files))
		if !dryRun {
			if serr := manifest.Save(ctx, r.store, job.Bucket, manifestKey, passphrase, rebuilt); serr != nil {
				return fmt.Errorf("reconcile: save rebuilt manifest: %w", serr)
			}
			res.action("wrote rebuilt manifest to %s", manifestKey)
		}
		m = rebuilt
	case err != nil:
		return fmt.Errorf("reconcile: load manifest %s: %w", manifestKey, err)
	default:
		// Manifest loads; verify each entry against the store.
		r.verifyEntries(ctx, job, m, res)
	}

	r.findOrphans(ctx, job, m, filesPrefix, res)

	if snap.ManifestKey != manifestKey {
		res.keyedIssue(IssueManifestKeyFixed, SeverityWarning, manifestKey,
			"snapshot %s records manifest key %q, expected %q", snap.SnapshotID, snap.ManifestKey, manifestKey)
		if !dryRun {
			snap.ManifestKey = manifestKey
			if uerr := r.snapshots.Update(ctx, snap); uerr != nil {
				return fmt.Errorf("reconcile: repair manifest key: %w", uerr)
			}
			res.action("updated snapshot %s manifest key", snap.SnapshotID)
		}
	}
	return nil
}

// rebuildManifest reconstructs a manifest from the payload listing. Sizes
// come from the listing; hashes and mtimes are unknown, so they are left
// empty and the next backup run re-verifies everything by content.
func (r *Reconciler) rebuildManifest(ctx context.Context, job *db.Job, snap *db.Snapshot, filesPrefix string) (*manifest.Manifest, error) {
	infos, err := r.store.List(ctx, job.Bucket, filesPrefix)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list %s: %w", filesPrefix, err)
	}

	m := manifest.New(job.ID, snap.SnapshotID)
	for _, info := range infos {
		rel := strings.TrimPrefix(info.Key, filesPrefix)
		if rel == "" {
			continue
		}
		m.Files[rel] = manifest.FileEntry{
			Size:  info.Size,
			S3Key: info.Key,
		}
	}
	m.TotalFiles = len(m.Files)
	return m, nil
}

// verifyEntries heads every manifest entry and records missing objects and
// size mismatches.
func (r *Reconciler) verifyEntries(ctx context.Context, job *db.Job, m *manifest.Manifest, res *Result) {
	missing, mismatched := 0, 0
	for rel, entry := range m.Files {
		info, err := r.store.Head(ctx, job.Bucket, entry.S3Key)
		switch {
		case errors.Is(err, objectstore.ErrObjectNotFound):
			missing++
			res.keyedIssue(IssueFilesMissing, SeverityCritical, entry.S3Key,
				"manifest entry %q has no object in the store", rel)
		case err != nil:
			r.logger.Warn("head failed during verification",
				zap.String("key", entry.S3Key),
				zap.Error(err),
			)
		case job.EncryptionEnabled && r.passphrase != "":
			// Encrypted payloads are larger than the recorded plaintext
			// size; existence is the only cheap check.
		case info.Size != entry.Size:
			mismatched++
			res.keyedIssue(IssueFilesMismatched, SeverityWarning, entry.S3Key,
				"manifest entry %q records %d bytes, store has %d", rel, entry.Size, info.Size)
		}
	}
	if missing > 0 || mismatched > 0 {
		r.logger.Warn("manifest verification found drift",
			zap.Int64("job_id", job.ID),
			zap.Int("missing", missing),
			zap.Int("mismatched", mismatched),
		)
	}
}

// findOrphans reports payload objects not named by any manifest entry.
// Orphans are normal after an interrupted run and are never deleted.
func (r *Reconciler) findOrphans(ctx context.Context, job *db.Job, m *manifest.Manifest, filesPrefix string, res *Result) {
	infos, err := r.store.List(ctx, job.Bucket, filesPrefix)
	if err != nil {
		r.logger.Warn("orphan listing failed",
			zap.String("prefix", filesPrefix),
			zap.Error(err),
		)
		return
	}

	known := make(map[string]struct{}, len(m.Files))
	for _, entry := range m.Files {
		known[entry.S3Key] = struct{}{}
	}

	for _, info := range infos {
		if _, ok := known[info.Key]; ok {
			continue
		}
		res.keyedIssue(IssueFilesOrphaned, SeverityWarning, info.Key,
			"object %q is not referenced by the manifest", info.Key)
	}
}
