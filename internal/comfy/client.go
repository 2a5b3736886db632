// Package comfy adapts the orchestration core to a ComfyUI-compatible
// backend: HTTP for submit/cancel/clear, websocket for execution events.
package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Tenos-ai/tenos-bot/internal/domain"
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	ClientID   string
	HTTPClient *http.Client
	MaxRetries uint64
}

// Client is a pure protocol adapter over the backend's HTTP surface. It
// holds no job state.
type Client struct {
	baseURL    string
	clientID   string
	client     *http.Client
	maxRetries uint64
}

const defaultTimeout = 30 * time.Second

// NewClient validates options and returns a ready client.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, errors.New("backend base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	retries := opts.MaxRetries
	if retries == 0 {
		retries = 3
	}
	return &Client{
		baseURL:    base,
		clientID:   opts.ClientID,
		client:     httpClient,
		maxRetries: retries,
	}, nil
}

// ClientID returns the session id submitted with every prompt; the event
// stream uses the same id so the backend routes events back to us.
func (c *Client) ClientID() string { return c.clientID }

type submitRequest struct {
	Prompt   map[string]Node `json:"prompt"`
	ClientID string          `json:"client_id,omitempty"`
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
	NodeErrs any    `json:"node_errors,omitempty"`
}

// Submit posts a workflow graph and returns the backend job id.
func (c *Client) Submit(ctx context.Context, graph map[string]Node) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("encode workflow: %w", err)
	}

	var resp submitResponse
	err = c.retry(ctx, func() error {
		return c.postJSON(ctx, "/prompt", body, &resp)
	})
	if err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", errors.New("backend accepted prompt without returning an id")
	}
	return resp.PromptID, nil
}

// QueueState is a point-in-time snapshot of the backend queue.
type QueueState struct {
	Running []string
	Pending []string
}

// Queue fetches the current queue snapshot.
func (c *Client) Queue(ctx context.Context) (QueueState, error) {
	var raw struct {
		Running [][]json.RawMessage `json:"queue_running"`
		Pending [][]json.RawMessage `json:"queue_pending"`
	}
	err := c.retry(ctx, func() error {
		return c.getJSON(ctx, "/queue", &raw)
	})
	if err != nil {
		return QueueState{}, err
	}
	return QueueState{
		Running: entryIDs(raw.Running),
		Pending: entryIDs(raw.Pending),
	}, nil
}

// Queue entries are positional arrays; index 1 is the prompt id.
func entryIDs(entries [][]json.RawMessage) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if len(e) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(e[1], &id); err == nil && id != "" {
			out = append(out, id)
		}
	}
	return out
}

// Cancel removes one pending job from the backend queue. The call is scoped
// strictly to that id: a job already executing fails with ErrJobRunning and
// nothing is interrupted, and a job absent from the queue is a no-op since
// the backend has already resolved it. The bool reports whether a pending
// entry was actually removed; false with a nil error means the backend no
// longer knew the id.
func (c *Client) Cancel(ctx context.Context, id string) (bool, error) {
	state, err := c.Queue(ctx)
	if err != nil {
		return false, err
	}
	for _, running := range state.Running {
		if running == id {
			return false, fmt.Errorf("%w: %s", domain.ErrJobRunning, id)
		}
	}
	for _, pending := range state.Pending {
		if pending == id {
			if err := c.deletePending(ctx, []string{id}); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// Clear removes every pending job and interrupts whatever is executing. The
// only path that touches a running job.
func (c *Client) Clear(ctx context.Context) (int, error) {
	state, err := c.Queue(ctx)
	if err != nil {
		return 0, err
	}
	dropped := len(state.Pending)
	if dropped > 0 {
		if err := c.deletePending(ctx, state.Pending); err != nil {
			return 0, err
		}
	}
	if len(state.Running) > 0 {
		if err := c.interrupt(ctx); err != nil {
			return dropped, err
		}
		dropped += len(state.Running)
	}
	return dropped, nil
}

func (c *Client) deletePending(ctx context.Context, ids []string) error {
	body, err := json.Marshal(map[string][]string{"delete": ids})
	if err != nil {
		return fmt.Errorf("encode delete: %w", err)
	}
	return c.retry(ctx, func() error {
		return c.postJSON(ctx, "/queue", body, nil)
	})
}

func (c *Client) interrupt(ctx context.Context) error {
	return c.retry(ctx, func() error {
		return c.postJSON(ctx, "/interrupt", nil, nil)
	})
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	return backoff.Retry(op, policy)
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("backend status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return backoff.Permanent(fmt.Errorf("backend rejected request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode backend response: %w", err))
	}
	return nil
}
