package engine

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/crypto"
)

// ArchiveKey returns the destination key for a job's full archive.
// Encrypted archives carry the .enc suffix so restore knows to decrypt.
func ArchiveKey(prefix, jobName string, encrypted bool) string {
	key := fmt.Sprintf("%s/%s.tar.gz", prefix, jobName)
	if encrypted {
		key += ".enc"
	}
	return key
}

// FilesPrefix returns the key prefix holding a job's per-file payload
// objects. Incremental uploads land at FilesPrefix + relative path.
func FilesPrefix(prefix, jobName string) string {
	return prefix + "/" + jobName + "/"
}

// RunArchive executes one full-archive backup: tar.gz every source path
// into a staging file, optionally encrypt it, and upload it to the job's
// single archive key, overwriting the previous archive in place.
func RunArchive(ctx context.Context, p Params) (*Result, error) {
	log := p.Logger

	stage := filepath.Join(p.TempDir, uuid.NewString()+".tar.gz")
	defer os.Remove(stage)

	fileCount, err := buildArchive(ctx, p, stage)
	if err != nil {
		return nil, err
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}

	upload := stage
	if p.Passphrase != "" {
		enc := stage + ".enc"
		if err := crypto.EncryptFile(stage, enc, p.Passphrase); err != nil {
			return nil, fmt.Errorf("engine: encrypt archive: %w", err)
		}
		defer os.Remove(enc)
		upload = enc
	}

	info, err := os.Stat(upload)
	if err != nil {
		return nil, fmt.Errorf("engine: stat archive: %w", err)
	}

	key := ArchiveKey(p.Prefix, p.JobName, p.Passphrase != "")

	start := time.Now()
	progress := func(uploaded, total int64) {
		elapsed := time.Since(start).Seconds()
		var rate float64
		if elapsed > 0 {
			rate = float64(uploaded) / elapsed / (1 << 20)
		}
		log.Info("upload progress",
			zap.Int64("uploaded_bytes", uploaded),
			zap.Int64("total_bytes", total),
			zap.Float64("rate_mib_s", rate),
		)
	}
	if err := p.Store.Upload(ctx, p.Bucket, key, upload, p.StorageClass, progress); err != nil {
		return nil, fmt.Errorf("engine: upload archive: %w", err)
	}

	log.Info("archive backup complete",
		zap.String("key", key),
		zap.Int("files", fileCount),
		zap.Int64("archive_bytes", info.Size()),
	)

	return &Result{
		SnapshotID:        p.SnapshotID,
		SizeBytes:         info.Size(),
		FilesCount:        fileCount,
		S3Key:             key,
		TotalFilesScanned: fileCount,
		Incremental:       false,
	}, nil
}

// buildArchive writes a tar.gz of every source path to dst. Entries are
// stored under the base name of their source root, the same layout the
// incremental engine uses for object keys.
func buildArchive(ctx context.Context, p Params, dst string) (int, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("engine: create archive: %w", err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)

	count := 0
	for _, root := range p.SourcePaths {
		if err := checkCancelled(ctx); err != nil {
			return 0, err
		}

		if _, err := os.Stat(root); err != nil {
			p.Logger.Warn("source path unavailable, skipping",
				zap.String("path", root),
				zap.Error(err),
			)
			continue
		}

		base := filepath.Base(root)
		err := filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
			if err != nil {
				p.Logger.Warn("walk error, skipping entry",
					zap.String("path", abs),
					zap.Error(err),
				)
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if cerr := checkCancelled(ctx); cerr != nil {
				return cerr
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}

			rel, err := filepath.Rel(root, abs)
			if err != nil {
				return nil
			}
			name := path.Join(base, filepath.ToSlash(rel))

			fi, err := d.Info()
			if err != nil {
				return nil
			}
			// Open before writing the header: a header without its body
			// would corrupt the stream.
			f, err := os.Open(abs)
			if err != nil {
				p.Logger.Warn("failed to open file, skipping",
					zap.String("path", abs),
					zap.Error(err),
				)
				return nil
			}

			hdr, err := tar.FileInfoHeader(fi, "")
			if err != nil {
				f.Close()
				return fmt.Errorf("header for %s: %w", name, err)
			}
			hdr.Name = name
			if err := tw.WriteHeader(hdr); err != nil {
				f.Close()
				return fmt.Errorf("write header %s: %w", name, err)
			}

			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return fmt.Errorf("archive %s: %w", name, err)
			}
			count++
			return nil
		})
		if err != nil {
			return 0, fmt.Errorf("engine: build archive from %s: %w", root, err)
		}
	}

	if err := tw.Close(); err != nil {
		return 0, fmt.Errorf("engine: close tar: %w", err)
	}
	if err := gw.Close(); err != nil {
		return 0, fmt.Errorf("engine: close gzip: %w", err)
	}
	return count, nil
}
