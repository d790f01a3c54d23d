package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Config configures the provider streaming endpoint.
type Config struct {
	URL            string
	APIKey         string
	ConnectTimeout time.Duration
}

// Client issues streaming generation calls against the provider.
type Client struct {
	config Config
	http   *http.Client
	logger *slog.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	return &Client{
		config: cfg,
		// No client-level timeout: the response body is a long-lived stream.
		// Connection establishment is bounded separately.
		http: &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: cfg.ConnectTimeout,
			},
		},
		logger: logger.With("component", "upstream"),
	}
}

// Stream POSTs the generation payload and returns the parsed event channel.
// The payload is passed through opaquely; only the event framing is
// interpreted here. The returned channel closes when the upstream stream
// ends or ctx is cancelled. A connection-level failure is returned as an
// error; no automatic retry is attempted.
func (c *Client) Stream(ctx context.Context, payload json.RawMessage) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", c.config.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("upstream HTTP %d: %s", resp.StatusCode, string(body))
	}

	parsed := Parse(ctx, resp.Body, c.logger)

	// Relay events and close the body once the parser finishes.
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		for ev := range parsed {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
