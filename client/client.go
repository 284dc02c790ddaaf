// Package client is the Go client for Relay's long-poll read API. It wraps
// the poll endpoint in a resilient loop: an empty timeout response re-issues
// the poll immediately, transport and server errors back off exponentially,
// and a successful delivery resets the backoff.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	v1 "relay/contracts/chat/v1"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 15 * time.Second

	// Request timeout must stay above the server's poll ceiling (9s) plus
	// network slack, or healthy long polls get cut off client-side.
	defaultHTTPTimeout = 30 * time.Second
)

// Config configures a Client. Only BaseURL is required.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client

	// Wait is the per-request wait hint sent to the server. Zero lets the
	// server apply its own ceiling.
	Wait time.Duration

	MinBackoff time.Duration
	MaxBackoff time.Duration

	Logger *slog.Logger
}

// Client reads messages for a chat via HTTP long-polling.
type Client struct {
	baseURL string
	httpc   *http.Client
	wait    time.Duration

	minBackoff time.Duration
	maxBackoff time.Duration

	log *slog.Logger
}

// New constructs a Client with defaults filled in.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("client: missing base URL")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("client: invalid base URL: %w", err)
	}

	httpc := cfg.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: defaultHTTPTimeout}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	minB := cfg.MinBackoff
	if minB <= 0 {
		minB = defaultMinBackoff
	}
	maxB := cfg.MaxBackoff
	if maxB < minB {
		maxB = defaultMaxBackoff
	}

	return &Client{
		baseURL:    base,
		httpc:      httpc,
		wait:       cfg.Wait,
		minBackoff: minB,
		maxBackoff: maxB,
		log:        log,
	}, nil
}

// Poll issues one long-poll request and returns the server's response. A
// timeout response is a normal return with zero messages, not an error.
func (c *Client) Poll(ctx context.Context, chatID string) (v1.PollResponse, error) {
	if strings.TrimSpace(chatID) == "" {
		return v1.PollResponse{}, errors.New("client: missing chat id")
	}

	u := c.baseURL + "/api/chats/" + url.PathEscape(chatID) + "/messages"
	if c.wait > 0 {
		u += "?wait=" + url.QueryEscape(c.wait.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return v1.PollResponse{}, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return v1.PollResponse{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 512)
		return v1.PollResponse{}, fmt.Errorf("client: poll status %d", resp.StatusCode)
	}

	var out v1.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return v1.PollResponse{}, fmt.Errorf("client: decode poll response: %w", err)
	}
	if out.Status != v1.PollStatusSuccess && out.Status != v1.PollStatusTimeout {
		return v1.PollResponse{}, fmt.Errorf("client: poll status %q", out.Status)
	}
	return out, nil
}

// PostMessage posts one opaque JSON message to a chat.
func (c *Client) PostMessage(ctx context.Context, chatID string, body json.RawMessage) error {
	if strings.TrimSpace(chatID) == "" {
		return errors.New("client: missing chat id")
	}
	if len(body) == 0 {
		return errors.New("client: empty body")
	}

	u := c.baseURL + "/api/chats/" + url.PathEscape(chatID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.CopyN(io.Discard, resp.Body, 512)
		return fmt.Errorf("client: post status %d", resp.StatusCode)
	}
	return nil
}

// Run polls chatID until ctx is cancelled, handing every received message to
// deliver in order. It only returns the ctx error; everything else is retried.
func (c *Client) Run(ctx context.Context, chatID string, deliver func(json.RawMessage)) error {
	backoff := c.minBackoff

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		out, err := c.Poll(ctx, chatID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			c.log.Warn("client.poll.retry", "chat_id", chatID, "backoff", backoff.String(), "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}

		backoff = c.minBackoff
		for _, msg := range out.Messages {
			deliver(msg)
		}
		// A timeout response falls through here with no messages: the next
		// poll is issued immediately, which is the long-poll contract.
	}
}
