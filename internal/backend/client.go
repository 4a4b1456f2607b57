package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"mailsync/pkg/circuitbreaker"
	"mailsync/pkg/metrics"
	"mailsync/pkg/trace"
)

// Client talks to the mail engine's HTTP API for the calls that are not
// carried over the push channel: mutations, folder refresh, authoritative
// counter fetch. The engine itself is a black box.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cb         *circuitbreaker.CircuitBreaker
}

func NewClient(baseURL string) *Client {
	cbConfig := circuitbreaker.Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 2,
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second, // 5秒超时，避免请求卡死
		},
		cb: circuitbreaker.NewCircuitBreaker(cbConfig),
	}
}

// Mutate issues one message mutation (mark_read, flag, move, delete).
func (c *Client) Mutate(ctx context.Context, kind, targetID string, value any) error {
	body := map[string]any{
		"kind":   kind,
		"target": targetID,
		"value":  value,
	}
	return c.post(ctx, "/mutations", body, nil)
}

// RefreshFolders asks the engine to reload the folder list of an account.
func (c *Client) RefreshFolders(ctx context.Context, accountID string) error {
	return c.post(ctx, "/accounts/"+accountID+"/refresh", nil, nil)
}

// FetchCounts returns the authoritative unread counts per folder.
func (c *Client) FetchCounts(ctx context.Context) (map[string]int, error) {
	var out map[string]int
	if err := c.get(ctx, "/counters", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, payload any, out any) error {
	return c.cb.Execute(func() error {
		start := time.Now()

		var body *bytes.Reader
		if payload != nil {
			b, err := json.Marshal(payload)
			if err != nil {
				return err
			}
			body = bytes.NewReader(b)
		} else {
			body = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		// 传播 trace_id
		if traceID := trace.FromContext(ctx); traceID != "" {
			req.Header.Set(trace.HeaderName(), traceID)
		}

		resp, err := c.httpClient.Do(req)
		latency := time.Since(start)
		if err != nil {
			metrics.RecordBackendCall(path, "error", latency)
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			metrics.RecordBackendCall(path, "5xx", latency)
			return fmt.Errorf("mail engine 5xx: %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			metrics.RecordBackendCall(path, fmt.Sprintf("%d", resp.StatusCode), latency)
			return fmt.Errorf("mail engine error: %d", resp.StatusCode)
		}

		metrics.RecordBackendCall(path, "success", latency)
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil
	})
}
