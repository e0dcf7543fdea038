// Package modelserver implements classifier.Predictor against a remote
// model-serving endpoint hosting a trained complaint classifier.
//
// The server accepts POST {endpoint}/predict with {"text": "..."} and
// answers {"label": "High"}.
package modelserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lg1805/icss-web-app/internal/classifier"
)

// Client talks to an external model server.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

var _ classifier.Predictor = (*Client)(nil)

// New creates a reusable HTTP client.
func New(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

// Predict sends normalized text for classification.
func (c *Client) Predict(ctx context.Context, text string) (string, error) {
	var resp struct {
		Label string `json:"label"`
	}
	if err := c.post(ctx, "/predict", map[string]any{"text": text}, &resp); err != nil {
		return "", err
	}
	if resp.Label == "" {
		return "", fmt.Errorf("modelserver: empty label")
	}
	return resp.Label, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, v any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("modelserver: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("modelserver: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req) //nolint:gosec // endpoint is from trusted config
	if err != nil {
		return fmt.Errorf("modelserver: do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("modelserver: unexpected status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("modelserver: decode response: %w", err)
	}
	return nil
}
