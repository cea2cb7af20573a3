package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/VibeCode-Max/bright-flow-mind/domain"
)

// AssistantPath is appended to the configured base URL.
const AssistantPath = "/functions/v1/task-assistant"

var errNoBody = errors.New("assistant response has no body")

type assistantRequest struct {
	Messages     []domain.Message `json:"messages"`
	BoardContext string           `json:"boardContext"`
}

// Client opens streaming exchanges with the hosted assistant.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

// NewClient creates a client for baseURL. No request timeout is applied
// beyond what hc carries; exchanges are bounded by their context.
func NewClient(baseURL, apiKey string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + AssistantPath,
		apiKey:   apiKey,
		http:     hc,
	}
}

// Endpoint returns the full assistant URL.
func (c *Client) Endpoint() string { return c.endpoint }

// open posts the conversation and returns the response body once the
// assistant has accepted it.
func (c *Client) open(ctx context.Context, history []domain.Message, boardContext string) (io.ReadCloser, error) {
	body, err := sonic.Marshal(assistantRequest{Messages: history, BoardContext: boardContext})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("assistant responded with status %d", resp.StatusCode)
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		return nil, errNoBody
	}
	return resp.Body, nil
}
