package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"relay/cmd/internal/ids"
)

const memMaxMessagesPerChat = 10_000

// InMemoryStore is the fallback Store when no database is configured.
// It supports:
//   - AppendMessage: idempotent + seq allocation
//   - FetchHistory: paging by after_seq
type InMemoryStore struct {
	mu         sync.Mutex
	chats      map[string]*memChat
	maxPerChat int
}

type memChat struct {
	seq    int64
	dedupe map[string]StoredMessage // client_msg_id -> stored message
	msgs   []StoredMessage          // ordered by seq
}

// NewInMemoryStore constructs an in-memory Store implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chats:      make(map[string]*memChat),
		maxPerChat: memMaxMessagesPerChat,
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage persists a message with idempotency and monotonic sequence allocation.
func (s *InMemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if in.ChatID == "" || in.ClientMsgID == "" || len(in.Body) == 0 {
		return AppendMessageResult{}, errors.New("invalid input")
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chats[in.ChatID]
	if c == nil {
		c = &memChat{
			dedupe: make(map[string]StoredMessage),
			msgs:   make([]StoredMessage, 0, 256),
		}
		s.chats[in.ChatID] = c
	}

	if existing, ok := c.dedupe[in.ClientMsgID]; ok {
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}

	serverMsgID, err := ids.NewULID(now)
	if err != nil {
		return AppendMessageResult{}, err
	}

	c.seq++
	msg := StoredMessage{
		ChatID:      in.ChatID,
		ClientMsgID: in.ClientMsgID,
		ServerMsgID: serverMsgID,
		Seq:         c.seq,
		Body:        in.Body,
		ServerTS:    now,
	}
	c.dedupe[in.ClientMsgID] = msg
	c.msgs = append(c.msgs, msg)

	// Bound memory to avoid unbounded growth without a database. Evicted
	// messages also leave the dedupe map or the bound would not hold.
	if len(c.msgs) > s.maxPerChat {
		evicted := c.msgs[:len(c.msgs)-s.maxPerChat]
		for _, old := range evicted {
			delete(c.dedupe, old.ClientMsgID)
		}
		c.msgs = c.msgs[len(c.msgs)-s.maxPerChat:]
	}

	return AppendMessageResult{Stored: msg, Duplicated: false}, nil
}

// FetchHistory returns messages ordered by seq ASC with paging via after_seq.
func (s *InMemoryStore) FetchHistory(ctx context.Context, in FetchHistoryInput) (FetchHistoryResult, error) {
	if in.ChatID == "" {
		return FetchHistoryResult{}, errors.New("missing chat_id")
	}
	if err := ctx.Err(); err != nil {
		return FetchHistoryResult{}, err
	}

	limit := clampLimit(in.Limit)
	fetch := limit + 1

	s.mu.Lock()
	c := s.chats[in.ChatID]
	var snap []StoredMessage
	if c != nil {
		snap = append([]StoredMessage(nil), c.msgs...)
	}
	s.mu.Unlock()

	if len(snap) == 0 {
		return FetchHistoryResult{Messages: nil, HasMore: false}, nil
	}

	// Ensure ordering defensively.
	sort.Slice(snap, func(i, j int) bool { return snap[i].Seq < snap[j].Seq })

	start := 0
	if in.AfterSeq != nil {
		after := *in.AfterSeq
		start = sort.Search(len(snap), func(i int) bool { return snap[i].Seq > after })
		if start >= len(snap) {
			return FetchHistoryResult{Messages: nil, HasMore: false}, nil
		}
	}

	end := start + fetch
	if end > len(snap) {
		end = len(snap)
	}
	out := snap[start:end]

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}

	return FetchHistoryResult{Messages: out, HasMore: hasMore}, nil
}
