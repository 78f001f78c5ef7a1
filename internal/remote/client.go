package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/driftsynchq/driftsync/internal/oplog"
)

// ProtocolVersion is sent with every request; a mismatched server answers
// 426 and the session aborts as fatal.
const ProtocolVersion = "1"

// Client is a thin HTTP implementation of the Endpoint contract.
type Client struct {
	URL        string
	HTTPClient *http.Client
}

var _ Endpoint = (*Client)(nil)

// NewClient creates a client for the given base URL.
func NewClient(url string) *Client {
	return &Client{
		URL: url,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Pull requests remote changes since cursor.
func (c *Client) Pull(ctx context.Context, cursor string) (*Delta, error) {
	endpoint := c.URL + "/v1/delta?cursor=" + url.QueryEscape(cursor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build pull request: %w", err)
	}
	req.Header.Set("X-Sync-Protocol", ProtocolVersion)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient by definition.
		return nil, NewTransientError(fmt.Sprintf("pull: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransientError(fmt.Sprintf("read pull response: %v", err))
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var delta Delta
	if err := json.Unmarshal(body, &delta); err != nil {
		return nil, NewFatalError(fmt.Sprintf("decode delta: %v", err))
	}
	return &delta, nil
}

// Push transmits one operation. A 409 response carries the conflicting
// remote version instead of an ack.
func (c *Client) Push(ctx context.Context, op oplog.Operation) (*PushResult, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode operation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/v1/operations", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sync-Protocol", ProtocolVersion)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, NewTransientError(fmt.Sprintf("push %s: %v", op.ID, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransientError(fmt.Sprintf("read push response: %v", err))
	}

	if resp.StatusCode == http.StatusConflict {
		var change Change
		if err := json.Unmarshal(body, &change); err != nil {
			return nil, NewFatalError(fmt.Sprintf("decode conflict body: %v", err))
		}
		return &PushResult{Conflict: &change}, nil
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return &PushResult{Acked: true}, nil
}

func checkStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUpgradeRequired:
		return NewFatalError("remote protocol version mismatch")
	case status == http.StatusTooManyRequests || status >= 500:
		return NewTransientError(fmt.Sprintf("remote status %d: %s", status, truncate(body)))
	default:
		return NewFatalError(fmt.Sprintf("remote status %d: %s", status, truncate(body)))
	}
}

func truncate(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
