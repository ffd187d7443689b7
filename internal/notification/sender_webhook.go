package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// webhookPayload is the JSON body sent to the webhook endpoint. The "text"
// field keeps it compatible with Slack/Discord incoming webhooks while the
// "payload" field carries structured data for custom integrations.
type webhookPayload struct {
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"text"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// webhookSender delivers notifications via an outbound HTTP POST, signing
// the body with HMAC-SHA256 when a secret is configured.
type webhookSender struct {
	client *http.Client
	cfg    WebhookConfig
}

func newWebhookSender(cfg WebhookConfig) *webhookSender {
	return &webhookSender{
		client: &http.Client{Timeout: 10 * time.Second},
		cfg:    cfg,
	}
}

// enabled reports whether the channel is configured.
func (s *webhookSender) enabled() bool {
	return s.cfg.URL != ""
}

// Send POSTs the notification to the configured URL. An unconfigured
// channel is skipped silently; non-2xx responses count as failures.
func (s *webhookSender) Send(ctx context.Context, notifType, title, body string, payload map[string]any) error {
	if !s.enabled() {
		return nil
	}

	data, err := json.Marshal(webhookPayload{
		Type:      notifType,
		Title:     title,
		Body:      body,
		Payload:   payload,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal payload: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: build request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "ColdVault-Webhook/1.0")

	// "sha256=<hex>" follows the GitHub/Stripe webhook convention.
	if s.cfg.Secret != "" {
		mac := hmac.New(sha256.New, []byte(s.cfg.Secret))
		mac.Write(data)
		req.Header.Set("X-ColdVault-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: webhook request: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: webhook returned status %d", ErrSendFailed, resp.StatusCode)
	}
	return nil
}
