// Package api is the thin HTTP transport used by the Sync Worker to drain
// the outbox to the cloud ingestion service. It owns only request shape
// and auth headers; retry policy and batching live in internal/syncworker.
package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/drivesentry/drivesentry/internal/outbox"
)

// endpointPaths maps each outbox endpoint tag to its ingestion API path.
var endpointPaths = map[outbox.Endpoint]string{
	outbox.EndpointTelemetry: "/v1/ingest/telemetry",
	outbox.EndpointNFCAuth:   "/v1/ingest/nfc_auth",
	outbox.EndpointAlcohol:   "/v1/ingest/alcohol_test",
	outbox.EndpointAlert:     "/v1/ingest/alert",
	outbox.EndpointTripOpen:  "/v1/trips/open",
	outbox.EndpointTripClose: "/v1/trips/close",
	outbox.EndpointHealth:    "/v1/device/health",
}

// Client posts outbox payloads to the ingestion API.
type Client struct {
	baseURL   string
	kitSerial string
	kitKey    string
	http      *http.Client
}

// New constructs a Client with a 10s request timeout per attempt.
func New(baseURL, kitSerial, kitKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		kitSerial: kitSerial,
		kitKey:    kitKey,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Post delivers one payload to the given endpoint. Returns an error for any
// non-2xx response or transport failure; the caller treats both the same
// way (MarkFailed).
func (c *Client) Post(ctx context.Context, endpoint outbox.Endpoint, payload []byte) error {
	path, ok := endpointPaths[endpoint]
	if !ok {
		return fmt.Errorf("api.Post: unknown endpoint %q", endpoint)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("api.Post: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kit-Serial", c.kitSerial)
	req.Header.Set("X-Kit-Key", c.kitKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api.Post(%s): %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api.Post(%s): server returned %d", endpoint, resp.StatusCode)
	}
	return nil
}
