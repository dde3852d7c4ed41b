package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mchahed99/bifrost-ward/internal/runechain"
)

// WebhookSink POSTs each rune as JSON to a configured URL, retrying
// transient failures with exponential backoff.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	maxRetries uint64
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
	}
}

func (s *WebhookSink) Name() string { return "webhook:" + s.url }

func (s *WebhookSink) Emit(ctx context.Context, r runechain.Rune) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("webhook sink: marshaling rune: %w", err)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries)
	policy = backoff.WithContext(policy, ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("webhook sink: building request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Bifrost-Sequence", fmt.Sprintf("%d", r.Sequence))

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("webhook sink: delivering to %s: %w", s.url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("webhook sink: %s returned %d", s.url, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("webhook sink: %s returned %d", s.url, resp.StatusCode))
		}
		return nil
	}, policy)
}

func (s *WebhookSink) Flush(_ context.Context) error { return nil }
func (s *WebhookSink) Close(_ context.Context) error { return nil }
