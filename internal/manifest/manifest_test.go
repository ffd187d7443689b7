package manifest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldvault/coldvault/internal/objectstore"
	"github.com/coldvault/coldvault/internal/objectstore/storetest"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := storetest.NewFakeStore()
	ctx := context.Background()

	m := New(7, "20260825_120000")
	m.Files["docs/report.pdf"] = FileEntry{
		Size:  2048,
		MTime: 1756100000.25,
		Hash:  "abc123",
		S3Key: "vault/documents/files/docs/report.pdf",
	}

	key := Key("vault/documents", "documents")
	require.NoError(t, Save(ctx, store, "backups", key, "", m))

	loaded, err := Load(ctx, store, "backups", key, "")
	require.NoError(t, err)
	assert.Equal(t, int64(7), loaded.JobID)
	assert.Equal(t, "20260825_120000", loaded.SnapshotID)
	assert.Equal(t, 1, loaded.TotalFiles)
	assert.Equal(t, m.Files["docs/report.pdf"], loaded.Files["docs/report.pdf"])
}

func TestSaveLoadEncrypted(t *testing.T) {
	store := storetest.NewFakeStore()
	ctx := context.Background()

	m := New(1, "snap")
	m.Files["a.txt"] = FileEntry{Size: 1, Hash: "h", S3Key: "k"}

	key := Key("p", "job")
	require.NoError(t, Save(ctx, store, "b", key, "secret", m))

	// Raw payload must not be readable JSON.
	raw := store.Data("b", key)
	var decoded Manifest
	require.Error(t, json.Unmarshal(raw, &decoded))

	loaded, err := Load(ctx, store, "b", key, "secret")
	require.NoError(t, err)
	assert.Len(t, loaded.Files, 1)
}

func TestLoadPlaintextWithPassphraseSet(t *testing.T) {
	store := storetest.NewFakeStore()
	ctx := context.Background()

	m := New(1, "snap")
	key := Key("p", "job")
	require.NoError(t, Save(ctx, store, "b", key, "", m))

	// Encryption enabled after the fact: older plaintext manifest still loads.
	loaded, err := Load(ctx, store, "b", key, "secret")
	require.NoError(t, err)
	assert.Equal(t, "snap", loaded.SnapshotID)
}

func TestLoadMissingManifest(t *testing.T) {
	store := storetest.NewFakeStore()

	_, err := Load(context.Background(), store, "b", "nope.manifest.json", "")
	require.ErrorIs(t, err, objectstore.ErrObjectNotFound)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "vault/documents/documents.manifest.json", Key("vault/documents", "documents"))
}
