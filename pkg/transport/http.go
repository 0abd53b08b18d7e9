package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTP maps each invoke to one outbound call against the instance's bound
// host:port, with connection pooling per instance and the definition's
// timeout as the call deadline.
type HTTP struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewHTTP creates an HTTP transport for the given base URL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	return &HTTP{
		baseURL: baseURL,
		timeout: timeout,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Invoke POSTs the payload to {base}/invoke/{op}.
func (t *HTTP) Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	body := bytes.NewReader(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/invoke/"+op, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrProtocol, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrProtocol, resp.StatusCode)
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, fmt.Errorf("%w: response is not valid JSON", ErrProtocol)
	}
	return data, nil
}

// IsReady probes the instance's health endpoint.
func (t *HTTP) IsReady(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Close releases pooled connections.
func (t *HTTP) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
