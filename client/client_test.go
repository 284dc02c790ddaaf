package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	v1 "relay/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func pollResponse(status string, msgs ...string) []byte {
	out := v1.PollResponse{Status: status, Messages: []json.RawMessage{}}
	for _, m := range msgs {
		out.Messages = append(out.Messages, json.RawMessage(m))
	}
	b, _ := json.Marshal(out)
	return b
}

func TestRunRetriesErrorsAndDeliversInOrder(t *testing.T) {
	t.Parallel()

	// Request 1 fails, request 2 times out, request 3 delivers; the loop must
	// survive the first two and hand over both messages in order.
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chats/abc123/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		switch calls.Add(1) {
		case 1:
			http.Error(w, "boom", http.StatusInternalServerError)
		case 2:
			_, _ = w.Write(pollResponse(v1.PollStatusTimeout))
		default:
			_, _ = w.Write(pollResponse(v1.PollStatusSuccess, `{"n":1}`, `{"n":2}`))
		}
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL:    srv.URL,
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
		Logger:     testLogger(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan json.RawMessage, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, "abc123", func(m json.RawMessage) { got <- m })
	}()

	for i, want := range []string{`{"n":1}`, `{"n":2}`} {
		select {
		case m := <-got:
			if string(m) != want {
				t.Fatalf("message %d = %s want %s", i, m, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("message %d never delivered", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not stop on cancel")
	}

	if calls.Load() < 3 {
		t.Fatalf("server saw %d calls, want at least 3 (error retry + timeout re-issue)", calls.Load())
	}
}

func TestPollSendsWaitHint(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("wait"); got != "2s" {
			t.Errorf("wait=%q want 2s", got)
		}
		_, _ = w.Write(pollResponse(v1.PollStatusTimeout))
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL + "/", Wait: 2 * time.Second, Logger: testLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	out, err := c.Poll(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if out.Status != v1.PollStatusTimeout || len(out.Messages) != 0 {
		t.Fatalf("poll returned %+v", out)
	}
}

func TestPostMessageRejectsServerErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method=%q", r.Method)
		}
		http.Error(w, "nope", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	c, err := New(Config{BaseURL: srv.URL, Logger: testLogger()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if err := c.PostMessage(context.Background(), "abc123", json.RawMessage(`{"text":"hi"}`)); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("empty base URL must be rejected")
	}

	c, err := New(Config{BaseURL: "http://127.0.0.1:8080/"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.baseURL != "http://127.0.0.1:8080" {
		t.Fatalf("baseURL=%q want trailing slash trimmed", c.baseURL)
	}
	if c.minBackoff != defaultMinBackoff || c.maxBackoff != defaultMaxBackoff {
		t.Fatalf("backoff defaults not applied: %v/%v", c.minBackoff, c.maxBackoff)
	}
}
