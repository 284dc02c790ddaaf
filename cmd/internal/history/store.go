// Package history persists chat message history. It is wholly separate from
// the ephemeral delivery state in longpoll/realtime: losing the process loses
// queues and waiters, never history.
package history

import (
	"context"
	"encoding/json"
	"time"
)

// StoredMessage is the canonical persisted message representation.
// Body is the opaque client payload; the delivery layer never interprets it.
type StoredMessage struct {
	ChatID      string          `json:"chat_id"`
	ClientMsgID string          `json:"client_msg_id"`
	ServerMsgID string          `json:"server_msg_id"`
	Seq         int64           `json:"seq"`
	Body        json.RawMessage `json:"body"`
	ServerTS    time.Time       `json:"server_ts"`
}

// Store persists and queries messages.
//
// Requirements:
//   - Idempotency per (chat_id, client_msg_id)
//   - Monotonic seq per chat (no gaps for duplicates)
//   - History query ordered by seq ASC
type Store interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error)
	FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error)
	Close() error
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ChatID      string
	ClientMsgID string
	Body        json.RawMessage
	Now         time.Time
}

// AppendMessageResult is the append operation result.
type AppendMessageResult struct {
	Stored     StoredMessage
	Duplicated bool
}

// FetchHistoryInput describes a history query request.
type FetchHistoryInput struct {
	ChatID   string
	AfterSeq *int64
	Limit    int
}

// FetchHistoryResult contains the retrieved history window.
type FetchHistoryResult struct {
	Messages []StoredMessage
	HasMore  bool
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
