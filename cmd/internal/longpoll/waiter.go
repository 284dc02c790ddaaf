package longpoll

import (
	"encoding/json"
	"sync"
	"time"

	v1 "relay/contracts/chat/v1"
)

// Result is the terminal outcome of a poll: either delivered messages
// (status success) or an empty timeout result. Timeout is a normal
// outcome, never an error.
type Result struct {
	Status   string
	Messages []json.RawMessage
}

func successResult(msgs []json.RawMessage) Result {
	return Result{Status: v1.PollStatusSuccess, Messages: msgs}
}

func timeoutResult() Result {
	return Result{Status: v1.PollStatusTimeout, Messages: []json.RawMessage{}}
}

// waiter is one parked long-poll request.
//
// Resolution is one-shot: delivery, the request's own timer, the reaper, and
// request cancellation all race through resolve, and exactly one wins. The
// done channel is buffered so the winning path never blocks.
type waiter struct {
	chatID    string
	createdAt time.Time
	deadline  time.Time

	done chan Result
	once sync.Once
}

func newWaiter(chatID string, now time.Time, maxWait time.Duration) *waiter {
	return &waiter{
		chatID:    chatID,
		createdAt: now,
		deadline:  now.Add(maxWait),
		done:      make(chan Result, 1),
	}
}

// resolve sets the waiter's terminal outcome. It reports whether this call
// won; a losing caller must treat the waiter as already settled.
func (w *waiter) resolve(res Result) bool {
	won := false
	w.once.Do(func() {
		w.done <- res
		won = true
	})
	return won
}

func (w *waiter) expired(now time.Time) bool {
	return !now.Before(w.deadline)
}
