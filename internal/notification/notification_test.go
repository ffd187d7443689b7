package notification

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coldvault/coldvault/internal/db"
	"github.com/coldvault/coldvault/internal/repositories"
)

func testRepo(t *testing.T) repositories.NotificationRepository {
	t.Helper()
	database, err := db.NewForTesting(zap.NewNop())
	require.NoError(t, err)
	return repositories.NewNotificationRepository(database)
}

func TestNotifyRunFailedPersistsRow(t *testing.T) {
	repo := testRepo(t)
	svc := NewService(Config{Repo: repo, Logger: zap.NewNop()})

	svc.NotifyRunFailed(context.Background(), 3, 17, "documents", "upload exploded")

	rows, _, err := repo.ListByJob(context.Background(), 3, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "backup_failure", rows[0].Type)
	assert.Equal(t, "error", rows[0].Severity)
	assert.Equal(t, int64(17), rows[0].BackupRunID)
	assert.Contains(t, rows[0].Message, "upload exploded")
	assert.False(t, rows[0].EmailSent)
	assert.False(t, rows[0].WebhookSent)
}

func TestNotifyRunSucceededDisabledByDefault(t *testing.T) {
	repo := testRepo(t)
	svc := NewService(Config{Repo: repo, Logger: zap.NewNop()})

	svc.NotifyRunSucceeded(context.Background(), 3, 17, "documents", 1024, 2)

	rows, _, err := repo.ListByJob(context.Background(), 3, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestWebhookDeliveryAndSignature(t *testing.T) {
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-ColdVault-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	repo := testRepo(t)
	svc := NewService(Config{
		Repo:    repo,
		Webhook: WebhookConfig{URL: srv.URL, Secret: "s3cret"},
		Logger:  zap.NewNop(),
	})

	svc.NotifyRunFailed(context.Background(), 5, 9, "media", "boom")

	var payload webhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "backup_failure", payload.Type)
	assert.Contains(t, payload.Body, "boom")

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSig)

	rows, _, err := repo.ListByJob(context.Background(), 5, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].WebhookSent)
	assert.False(t, rows[0].EmailSent)
}

func TestWebhookNon2xxMarksUndelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	repo := testRepo(t)
	svc := NewService(Config{
		Repo:    repo,
		Webhook: WebhookConfig{URL: srv.URL},
		Logger:  zap.NewNop(),
	})

	svc.NotifyRunFailed(context.Background(), 5, 9, "media", "boom")

	rows, _, err := repo.ListByJob(context.Background(), 5, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].WebhookSent)
}
