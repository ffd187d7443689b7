package restore

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/crypto"
	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/manifest"
	"github.com/coldvault/coldvault/internal/objectstore"
	"github.com/coldvault/coldvault/internal/objectstore/storetest"
	"github.com/coldvault/coldvault/internal/repositories"
)

type fixture struct {
	restorer *Restorer
	jobs     repositories.JobRepository
	snaps    repositories.SnapshotRepository
	store    *storetest.FakeStore
}

func newFixture(t *testing.T, passphrase string) *fixture {
	t.Helper()
	gdb, err := db.NewForTesting(zap.NewNop())
	require.NoError(t, err)

	jobs := repositories.NewJobRepository(gdb)
	snaps := repositories.NewSnapshotRepository(gdb)
	store := storetest.NewFakeStore()

	return &fixture{
		restorer: New(jobs, snaps, store, passphrase, t.TempDir(), zap.NewNop()),
		jobs:     jobs,
		snaps:    snaps,
		store:    store,
	}
}

func (f *fixture) createJob(t *testing.T, encrypted bool, class db.StorageClass) *db.Job {
	t.Helper()
	job := &db.Job{
		Name:               "documents",
		Kind:               db.KindFileSet,
		SourcePaths:        `["/data"]`,
		Schedule:           "daily",
		Bucket:             "backups",
		Prefix:             "vault/documents",
		StorageClass:       class,
		IncrementalEnabled: true,
		EncryptionEnabled:  encrypted,
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

// seedIncremental stores payload objects and a manifest, optionally
// encrypting the payloads, and records the snapshot row.
func (f *fixture) seedIncremental(t *testing.T, job *db.Job, files map[string]string, passphrase string) *db.Snapshot {
	t.Helper()
	m := manifest.New(job.ID, "20260825_120000")
	for rel, content := range files {
		key := job.Prefix + "/" + job.Name + "/" + rel
		data := []byte(content)
		if passphrase != "" {
			enc, err := crypto.Encrypt(data, passphrase)
			require.NoError(t, err)
			data = enc
		}
		f.store.Put(job.Bucket, key, data, job.StorageClass.S3Name())
		m.Files[rel] = manifest.FileEntry{
			Size:  int64(len(content)),
			MTime: 1756100000,
			Hash:  "h",
			S3Key: key,
		}
	}
	require.NoError(t, manifest.Save(context.Background(), f.store, job.Bucket, manifest.Key(job.Prefix, job.Name), passphrase, m))

	snap := &db.Snapshot{
		JobID:         job.ID,
		SnapshotID:    "20260825_120000",
		FilesCount:    len(files),
		S3Key:         job.Prefix + "/" + job.Name + "/",
		ManifestKey:   manifest.Key(job.Prefix, job.Name),
		StorageClass:  job.StorageClass,
		IsIncremental: true,
		Retained:      true,
	}
	require.NoError(t, f.snaps.Create(context.Background(), snap))
	return snap
}

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func (f *fixture) seedArchive(t *testing.T, job *db.Job, files map[string]string, passphrase string) *db.Snapshot {
	t.Helper()
	data := buildTarGz(t, files)
	key := job.Prefix + "/" + job.Name + ".tar.gz"
	if passphrase != "" {
		enc, err := crypto.Encrypt(data, passphrase)
		require.NoError(t, err)
		data = enc
		key += ".enc"
	}
	f.store.Put(job.Bucket, key, data, job.StorageClass.S3Name())

	snap := &db.Snapshot{
		JobID:         job.ID,
		SnapshotID:    "20260825_120000",
		FilesCount:    len(files),
		S3Key:         key,
		StorageClass:  job.StorageClass,
		IsIncremental: false,
		Retained:      true,
	}
	require.NoError(t, f.snaps.Create(context.Background(), snap))
	return snap
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestIncrementalRestoreAllFiles(t *testing.T) {
	f := newFixture(t, "")
	job := f.createJob(t, false, db.ClassHot)
	f.seedIncremental(t, job, map[string]string{
		"data/a.txt":     "alpha",
		"data/sub/b.txt": "beta",
	}, "")

	dest := t.TempDir()
	res, err := f.restorer.Run(context.Background(), Params{SnapshotID: "20260825_120000", Dest: dest})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 0, res.Errors)
	assert.Equal(t, "alpha", readFile(t, filepath.Join(dest, "data", "a.txt")))
	assert.Equal(t, "beta", readFile(t, filepath.Join(dest, "data", "sub", "b.txt")))
}

func TestIncrementalRestoreSubset(t *testing.T) {
	f := newFixture(t, "")
	job := f.createJob(t, false, db.ClassHot)
	f.seedIncremental(t, job, map[string]string{
		"data/docs/a.txt": "alpha",
		"data/docs/b.txt": "beta",
		"data/misc/c.txt": "gamma",
	}, "")

	dest := t.TempDir()
	res, err := f.restorer.Run(context.Background(), Params{
		SnapshotID: "20260825_120000",
		Dest:       dest,
		Subset:     []string{"data/docs"},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 2, res.Total)
	assert.FileExists(t, filepath.Join(dest, "data", "docs", "a.txt"))
	assert.NoFileExists(t, filepath.Join(dest, "data", "misc", "c.txt"))
}

func TestIncrementalRestoreDecrypts(t *testing.T) {
	f := newFixture(t, "hunter2")
	job := f.createJob(t, true, db.ClassHot)
	f.seedIncremental(t, job, map[string]string{"data/secret.txt": "classified"}, "hunter2")

	dest := t.TempDir()
	res, err := f.restorer.Run(context.Background(), Params{SnapshotID: "20260825_120000", Dest: dest})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, "classified", readFile(t, filepath.Join(dest, "data", "secret.txt")))
}

func TestIncrementalRestorePerFileErrorsCounted(t *testing.T) {
	f := newFixture(t, "")
	job := f.createJob(t, false, db.ClassHot)
	f.seedIncremental(t, job, map[string]string{
		"data/a.txt": "alpha",
		"data/b.txt": "beta",
	}, "")
	f.store.FailDownloads["vault/documents/documents/data/b.txt"] = assert.AnError

	dest := t.TempDir()
	res, err := f.restorer.Run(context.Background(), Params{SnapshotID: "20260825_120000", Dest: dest})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Errors)
	assert.FileExists(t, filepath.Join(dest, "data", "a.txt"))
	assert.NoFileExists(t, filepath.Join(dest, "data", "b.txt"))
}

func TestColdTierInitiatesAndReportsPending(t *testing.T) {
	f := newFixture(t, "")
	job := f.createJob(t, false, db.ClassDeep)
	f.seedIncremental(t, job, map[string]string{
		"data/a.txt": "alpha",
		"data/b.txt": "beta",
	}, "")

	dest := t.TempDir()
	res, err := f.restorer.Run(context.Background(), Params{SnapshotID: "20260825_120000", Dest: dest})
	require.NoError(t, err)

	assert.Equal(t, StatusColdPending, res.Status)
	assert.Equal(t, 2, res.PendingObjects)
	assert.Len(t, f.store.RestoreRequests, 2)
	assert.NoFileExists(t, filepath.Join(dest, "data", "a.txt"))
}

func TestColdTierProceedsWhenReady(t *testing.T) {
	f := newFixture(t, "")
	job := f.createJob(t, false, db.ClassDeep)
	f.seedIncremental(t, job, map[string]string{"data/a.txt": "alpha"}, "")
	f.store.RestoreState["vault/documents/documents/data/a.txt"] = objectstore.RestoreReady

	dest := t.TempDir()
	res, err := f.restorer.Run(context.Background(), Params{SnapshotID: "20260825_120000", Dest: dest})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, res.Downloaded)
	// No new retrieval was requested for a ready object.
	assert.Empty(t, f.store.RestoreRequests)
}

func TestArchiveRestoreExtractsAll(t *testing.T) {
	f := newFixture(t, "")
	job := f.createJob(t, false, db.ClassHot)
	f.seedArchive(t, job, map[string]string{
		"data/a.txt":     "alpha",
		"data/sub/b.txt": "beta",
	}, "")

	dest := t.TempDir()
	res, err := f.restorer.Run(context.Background(), Params{SnapshotID: "20260825_120000", Dest: dest})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, "alpha", readFile(t, filepath.Join(dest, "data", "a.txt")))
	assert.Equal(t, "beta", readFile(t, filepath.Join(dest, "data", "sub", "b.txt")))
}

func TestArchiveRestoreSubset(t *testing.T) {
	f := newFixture(t, "")
	job := f.createJob(t, false, db.ClassHot)
	f.seedArchive(t, job, map[string]string{
		"data/a.txt":     "alpha",
		"data/sub/b.txt": "beta",
	}, "")

	dest := t.TempDir()
	res, err := f.restorer.Run(context.Background(), Params{
		SnapshotID: "20260825_120000",
		Dest:       dest,
		Subset:     []string{"data/sub"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 2, res.Total)
	assert.NoFileExists(t, filepath.Join(dest, "data", "a.txt"))
	assert.FileExists(t, filepath.Join(dest, "data", "sub", "b.txt"))
}

func TestArchiveRestoreDecryptsEncSuffix(t *testing.T) {
	f := newFixture(t, "pw")
	job := f.createJob(t, true, db.ClassHot)
	snap := f.seedArchive(t, job, map[string]string{"data/a.txt": "alpha"}, "pw")
	require.Equal(t, "vault/documents/documents.tar.gz.enc", snap.S3Key)

	dest := t.TempDir()
	res, err := f.restorer.Run(context.Background(), Params{SnapshotID: "20260825_120000", Dest: dest})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, "alpha", readFile(t, filepath.Join(dest, "data", "a.txt")))
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.restorer.Run(context.Background(), Params{SnapshotID: "nope", Dest: t.TempDir()})
	require.ErrorIs(t, err, repositories.ErrNotFound)
}
