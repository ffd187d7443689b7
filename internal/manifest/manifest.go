// Package manifest defines the per-job file manifest stored next to the
// backup objects. The manifest is the source of truth for incremental
// change detection and for manifest-driven restore.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coldvault/coldvault/internal/crypto"
	"github.com/coldvault/coldvault/internal/objectstore"
)

// FileEntry describes one backed-up file. MTime is seconds since epoch with
// fractional part, matching what the scanner records. Hash is the content
// signature hash; rebuilt manifests carry an empty hash and zero mtime so
// the next run re-uploads everything it cannot prove unchanged.
type FileEntry struct {
	Size  int64   `json:"size"`
	MTime float64 `json:"mtime"`
	Hash  string  `json:"hash"`
	S3Key string  `json:"s3_key"`
}

// Manifest is the wire format stored at Key(prefix, name). Files maps
// slash-separated relative paths to their entries.
type Manifest struct {
	SnapshotID string               `json:"snapshot_id"`
	CreatedAt  string               `json:"created_at"`
	JobID      int64                `json:"job_id"`
	TotalFiles int                  `json:"total_files"`
	Files      map[string]FileEntry `json:"files"`
}

// New returns an empty manifest for the given snapshot.
func New(jobID int64, snapshotID string) *Manifest {
	return &Manifest{
		SnapshotID: snapshotID,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		JobID:      jobID,
		Files:      make(map[string]FileEntry),
	}
}

// Key returns the canonical manifest key for a job. The destination is
// consolidated: one manifest per job, overwritten on every run.
func Key(prefix, jobName string) string {
	return fmt.Sprintf("%s/%s.manifest.json", prefix, jobName)
}

// Load fetches and decodes the manifest at key. When passphrase is set the
// payload is decrypted first; a plaintext manifest is still accepted so
// enabling encryption on an existing job does not orphan its history.
// Returns objectstore.ErrObjectNotFound when no manifest exists yet.
func Load(ctx context.Context, store objectstore.Store, bucket, key, passphrase string) (*Manifest, error) {
	data, err := store.GetBytes(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	if passphrase != "" {
		plain, derr := crypto.Decrypt(data, passphrase)
		if derr == nil {
			data = plain
		}
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: decode %s: %w", key, err)
	}
	if m.Files == nil {
		m.Files = make(map[string]FileEntry)
	}
	return &m, nil
}

// Save encodes the manifest and writes it to key, encrypting when a
// passphrase is set. Manifests are always stored in the hot tier so they
// stay readable without rehydration.
func Save(ctx context.Context, store objectstore.Store, bucket, key, passphrase string, m *Manifest) error {
	m.TotalFiles = len(m.Files)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encode %s: %w", key, err)
	}

	if passphrase != "" {
		data, err = crypto.Encrypt(data, passphrase)
		if err != nil {
			return fmt.Errorf("manifest: encrypt %s: %w", key, err)
		}
	}

	if err := store.PutBytes(ctx, bucket, key, data); err != nil {
		return fmt.Errorf("manifest: save %s: %w", key, err)
	}
	return nil
}
