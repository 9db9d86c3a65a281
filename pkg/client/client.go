// Package client talks to a leaseq server over HTTP. A *Client satisfies
// worker.Queue, so a worker.Manager can run in a different process than the
// store.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aridsondez/leaseq/pkg/wire"
)

// Client for a leaseq server
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a new leaseq client
func NewClient(baseURL string) *Client {
	return NewClientWithHTTP(baseURL, &http.Client{Timeout: 10 * time.Second})
}

func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  hc,
	}
}

// StatusError is returned when the server answers with an unexpected status.
type StatusError struct {
	Op      string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d %s - %s", e.Op, e.Code, http.StatusText(e.Code), e.Message)
}

// Enqueue sends a message to a queue. ttl <= 0 means it never expires.
func (c *Client) Enqueue(ctx context.Context, queue string, content []byte, ttl time.Duration) error {
	req := map[string]any{
		"content": content,
	}
	if ttl > 0 {
		req["ttl_ms"] = ceilMillis(ttl)
	}
	return c.do(ctx, "enqueue", http.MethodPost, c.queueURL(queue, "/messages"), req, http.StatusCreated, nil)
}

// Claim leases up to maxCount messages for visibility.
func (c *Client) Claim(ctx context.Context, queue string, maxCount int, visibility time.Duration) ([]wire.Message, error) {
	if maxCount <= 0 {
		return []wire.Message{}, nil
	}
	req := map[string]any{
		"max":           maxCount,
		"visibility_ms": ceilMillis(visibility),
	}
	out := []wire.Message{}
	if err := c.do(ctx, "claim", http.MethodPost, c.queueURL(queue, ":claim"), req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Peek(ctx context.Context, queue string, maxCount int) ([]wire.Message, error) {
	if maxCount <= 0 {
		return []wire.Message{}, nil
	}
	u := c.queueURL(queue, "/messages") + "?max=" + strconv.Itoa(maxCount)
	out := []wire.Message{}
	if err := c.do(ctx, "peek", http.MethodGet, u, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a message if receipt still owns it. NotFound and
// LostOwnership come back as results with a nil error.
func (c *Client) Delete(ctx context.Context, queue string, id int64, receipt string) (wire.DeleteResult, error) {
	u := c.queueURL(queue, "/messages/"+strconv.FormatInt(id, 10)) + "?receipt=" + url.QueryEscape(receipt)
	var out struct {
		Result wire.DeleteResult `json:"result"`
	}
	if err := c.do(ctx, "delete", http.MethodDelete, u, nil, http.StatusOK, &out); err != nil {
		return wire.DeleteNotFound, err
	}
	return out.Result, nil
}

func (c *Client) ApproximateCount(ctx context.Context, queue string) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	if err := c.do(ctx, "count", http.MethodGet, c.queueURL(queue, "/count"), nil, http.StatusOK, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) Clear(ctx context.Context, queue string) error {
	return c.do(ctx, "clear", http.MethodDelete, c.queueURL(queue, "/messages"), nil, http.StatusNoContent, nil)
}

func (c *Client) queueURL(queue, suffix string) string {
	// The claim route ends the queue segment at ':', so it must not appear raw.
	return c.baseURL + "/v1/queues/" + strings.ReplaceAll(url.PathEscape(queue), ":", "%3A") + suffix
}

// ceilMillis rounds away from zero so a nonzero duration never becomes 0ms
// on the wire.
func ceilMillis(d time.Duration) int64 {
	if d < 0 {
		return -ceilMillis(-d)
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

func (c *Client) do(ctx context.Context, op, method, u string, body any, want int, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		bodyBytes, _ := io.ReadAll(resp.Body)
		msg := string(bodyBytes)
		if json.Unmarshal(bodyBytes, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Op: op, Code: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
