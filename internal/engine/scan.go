package engine

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// signatureSampleSize is the number of leading bytes hashed for large files.
// Files at or above this size are identified by md5(first MiB || size) so
// change detection stays cheap on multi-gigabyte files.
const signatureSampleSize = 1 << 20

// scannedFile is one candidate file with its change-detection signature.
type scannedFile struct {
	// RelPath is the slash-separated path under the source root's base name,
	// e.g. "photos/2026/img.jpg" for source /data/photos.
	RelPath string
	AbsPath string
	Size    int64
	MTime   float64
	Hash    string
}

// fileSignature computes the content hash for change detection: full md5
// for small files, md5 of the first MiB concatenated with the decimal size
// for large ones.
func fileSignature(absPath string, size int64) (string, error) {
	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if size < signatureSampleSize {
		if _, err := io.Copy(h, f); err != nil {
			return "", err
		}
	} else {
		if _, err := io.CopyN(h, f, signatureSampleSize); err != nil {
			return "", err
		}
		h.Write([]byte(strconv.FormatInt(size, 10)))
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// matchesAny reports whether the base name or the relative path matches one
// of the glob patterns.
func matchesAny(patterns []string, relPath string) bool {
	base := path.Base(relPath)
	for _, p := range patterns {
		if ok, _ := path.Match(p, base); ok {
			return true
		}
		if ok, _ := path.Match(p, relPath); ok {
			return true
		}
	}
	return false
}

// scan walks every source path, applies include/exclude filters, and
// computes signatures in parallel. Excluded directories are pruned without
// descending. Missing source paths are logged and skipped, not fatal: one
// unmounted disk should not sink the whole job.
func scan(ctx context.Context, p Params) ([]scannedFile, error) {
	var candidates []scannedFile

	for _, root := range p.SourcePaths {
		if err := checkCancelled(ctx); err != nil {
			return nil, err
		}

		info, err := os.Stat(root)
		if err != nil {
			p.Logger.Warn("source path unavailable, skipping",
				zap.String("path", root),
				zap.Error(err),
			)
			continue
		}
		if !info.IsDir() {
			p.Logger.Warn("source path is not a directory, skipping",
				zap.String("path", root),
			)
			continue
		}

		base := filepath.Base(root)
		err = filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
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

			rel, err := filepath.Rel(root, abs)
			if err != nil {
				return nil
			}
			relSlash := path.Join(base, filepath.ToSlash(rel))

			if d.IsDir() {
				if abs != root && matchesAny(p.ExcludePatterns, relSlash) {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if matchesAny(p.ExcludePatterns, relSlash) {
				return nil
			}
			if len(p.IncludePatterns) > 0 && !matchesAny(p.IncludePatterns, relSlash) {
				return nil
			}

			fi, err := d.Info()
			if err != nil {
				return nil
			}
			candidates = append(candidates, scannedFile{
				RelPath: relSlash,
				AbsPath: abs,
				Size:    fi.Size(),
				MTime:   float64(fi.ModTime().UnixNano()) / 1e9,
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("engine: scan %s: %w", root, err)
		}
	}

	workers := p.ScanWorkers
	if workers <= 0 {
		workers = defaultScanWorkers
	}

	var (
		mu     sync.Mutex
		files  = make([]scannedFile, 0, len(candidates))
		hashed int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i := range candidates {
		c := candidates[i]
		g.Go(func() error {
			if err := checkCancelled(gctx); err != nil {
				return err
			}
			hash, err := fileSignature(c.AbsPath, c.Size)
			if err != nil {
				p.Logger.Warn("failed to hash file, skipping",
					zap.String("path", c.AbsPath),
					zap.Error(err),
				)
				return nil
			}
			c.Hash = hash

			mu.Lock()
			files = append(files, c)
			hashed++
			if hashed%1000 == 0 {
				p.Logger.Info("scan progress",
					zap.Int("files_scanned", hashed),
					zap.Int("files_total", len(candidates)),
				)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}
