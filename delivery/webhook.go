package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"log-correlator/pipeline"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	userAgent             = "log-correlator/v1"
)

// WebhookEnvelope is the JSON body POSTed to the webhook endpoint.
type WebhookEnvelope struct {
	Type          string            `json:"type"`
	SchemaVersion string            `json:"schemaVersion"`
	Timestamp     string            `json:"timestamp"`
	Data          pipeline.Delivery `json:"data"`
}

type WebhookConfig struct {
	URL       string
	AuthToken string
	Timeout   time.Duration
	// Name overrides the channel name, WEBHOOK by default.
	Name string
}

// WebhookChannel POSTs each delivery as JSON.
type WebhookChannel struct {
	client    *http.Client
	url       string
	authToken string
	name      string
}

func NewWebhookChannel(cfg WebhookConfig) (*WebhookChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("webhook URL must include a host")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	name := cfg.Name
	if name == "" {
		name = "WEBHOOK"
	}
	return &WebhookChannel{
		client:    &http.Client{Timeout: timeout},
		url:       cfg.URL,
		authToken: cfg.AuthToken,
		name:      name,
	}, nil
}

func (w *WebhookChannel) Name() string { return w.name }

// Send returns a Permanent error for 4xx responses; 5xx and transport errors
// are retried by the dispatcher.
func (w *WebhookChannel) Send(ctx context.Context, d pipeline.Delivery) error {
	body, err := json.Marshal(WebhookEnvelope{
		Type:          "logcorr.notification",
		SchemaVersion: "1",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Data:          d,
	})
	if err != nil {
		return Permanent(fmt.Errorf("marshal webhook payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if w.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	if resp.StatusCode < 500 {
		return Permanent(err)
	}
	return err
}
