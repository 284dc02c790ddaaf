// Package longpoll implements Relay's per-chat long-poll delivery engine:
// an in-memory queue of pending messages per chat id plus a registry of
// parked poll requests (waiters) resolved by message arrival or timeout.
//
// All state is ephemeral by design; persistence lives behind history.Store.
package longpoll

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultMaxWait bounds how long a poll may park. Kept under typical
	// reverse-proxy request timeouts (10s and up).
	DefaultMaxWait = 9 * time.Second
)

// chatState is the queue-and-waiter pair for one chat id.
//
// Its mutex makes the "queue non-empty" check and waiter registration atomic
// relative to Enqueue for the same chat, which is what rules out lost
// wakeups. gone marks a state pruned from the engine map; callers holding a
// stale handle must re-fetch.
type chatState struct {
	mu      sync.Mutex
	queue   []json.RawMessage
	waiters []*waiter
	gone    bool
}

func (st *chatState) empty() bool {
	return len(st.queue) == 0 && len(st.waiters) == 0
}

// Engine owns the per-chat queues and waiter sets.
//
// Concurrency guarantees:
//   - Enqueue/Poll for different chat ids never contend (engine map lock is
//     held only to fetch the per-chat state).
//   - Enqueue/Poll for the same chat id serialize on that chat's mutex.
//   - A waiter is resolved exactly once, by whichever of delivery, deadline,
//     reaper, or cancellation fires first.
type Engine struct {
	log     *slog.Logger
	maxWait time.Duration

	mu    sync.RWMutex
	chats map[string]*chatState
}

// NewEngine constructs an Engine. maxWait is the poll ceiling; non-positive
// values fall back to DefaultMaxWait.
func NewEngine(log *slog.Logger, maxWait time.Duration) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Engine{
		log:     log,
		maxWait: maxWait,
		chats:   make(map[string]*chatState),
	}
}

// MaxWait returns the poll ceiling.
func (e *Engine) MaxWait() time.Duration { return e.maxWait }

// state returns a live per-chat state, creating one if needed. It loops
// because the reaper may prune an idle state between the map lookup and the
// state lock.
func (e *Engine) state(chatID string) *chatState {
	for {
		e.mu.RLock()
		st, ok := e.chats[chatID]
		e.mu.RUnlock()

		if !ok {
			e.mu.Lock()
			st, ok = e.chats[chatID]
			if !ok {
				st = &chatState{}
				e.chats[chatID] = st
			}
			e.mu.Unlock()
		}

		st.mu.Lock()
		if !st.gone {
			return st // returned locked
		}
		st.mu.Unlock()
	}
}

// Enqueue appends msg to the chat's pending queue and resolves every waiter
// currently registered for that chat with the drained queue contents.
// Fire-and-forget: there is no failure mode observable to the caller.
//
// A registered waiter may already be settled by its own timer or by
// cancellation without having unregistered yet. If the whole set turns out
// to be stale, the drained batch is pushed back onto the front of the queue
// so the messages stay deliverable to the next poll.
func (e *Engine) Enqueue(chatID string, msg json.RawMessage) {
	if chatID == "" {
		return
	}

	metricEnqueues.Inc()

	st := e.state(chatID)
	st.queue = append(st.queue, msg)

	for {
		var (
			batch   []json.RawMessage
			settled []*waiter
		)
		if len(st.waiters) > 0 && len(st.queue) > 0 {
			// Broadcast-to-all-waiters: every parked poll for this chat gets
			// the same batch (duplicate tabs watching one chat). The queue is
			// drained so delivered messages are not re-served to the next poll.
			batch = st.queue
			st.queue = nil
			settled = st.waiters
			st.waiters = nil
		}
		st.mu.Unlock()

		if len(settled) == 0 {
			return
		}

		delivered := false
		for _, w := range settled {
			if w.resolve(successResult(batch)) {
				delivered = true
				metricDeliveries.Inc()
				metricWaiters.Dec()
			}
		}
		if delivered {
			return
		}

		// Every waiter lost the resolve race to a timeout or cancel. Requeue
		// the batch at the front to keep FIFO order, then go around again in
		// case a fresh waiter parked in the meantime.
		st = e.state(chatID)
		st.queue = append(batch, st.queue...)
	}
}

// Poll drains and returns the chat's buffered messages immediately when any
// exist. Otherwise it parks until Enqueue delivers, maxWait elapses (timeout
// result), or ctx is cancelled (the only error path).
//
// maxWait is clamped to the engine ceiling; non-positive values mean the
// ceiling.
func (e *Engine) Poll(ctx context.Context, chatID string, maxWait time.Duration) (Result, error) {
	if maxWait <= 0 || maxWait > e.maxWait {
		maxWait = e.maxWait
	}

	st := e.state(chatID)
	if len(st.queue) > 0 {
		batch := st.queue
		st.queue = nil
		st.mu.Unlock()
		return successResult(batch), nil
	}

	// An immediate drain did not happen: register a waiter while still
	// holding the chat lock so a concurrent Enqueue cannot slip between the
	// empty check and registration.
	w := newWaiter(chatID, time.Now().UTC(), maxWait)
	st.waiters = append(st.waiters, w)
	st.mu.Unlock()

	metricWaiters.Inc()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case res := <-w.done:
		return res, nil

	case <-timer.C:
		if w.resolve(timeoutResult()) {
			metricTimeouts.Inc()
			metricWaiters.Dec()
			e.removeWaiter(chatID, w)
		}
		// Losing the race means Enqueue already delivered; the result is
		// buffered in done either way.
		return <-w.done, nil

	case <-ctx.Done():
		if w.resolve(timeoutResult()) {
			metricWaiters.Dec()
			e.removeWaiter(chatID, w)
			return Result{}, ctx.Err()
		}
		return <-w.done, nil
	}
}

// removeWaiter unregisters a settled waiter from its chat's set.
// It is a no-op if Enqueue already cleared the set.
func (e *Engine) removeWaiter(chatID string, w *waiter) {
	e.mu.RLock()
	st, ok := e.chats[chatID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	for i, cand := range st.waiters {
		if cand == w {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			break
		}
	}
}

// reapExpired force-resolves every waiter whose deadline has passed and
// returns how many were settled by this sweep. Safe against waiters already
// resolved elsewhere: resolve is one-shot.
func (e *Engine) reapExpired(now time.Time) int {
	e.mu.RLock()
	states := make([]*chatState, 0, len(e.chats))
	for _, st := range e.chats {
		states = append(states, st)
	}
	e.mu.RUnlock()

	reaped := 0
	for _, st := range states {
		var expired []*waiter

		st.mu.Lock()
		if len(st.waiters) > 0 {
			kept := st.waiters[:0]
			for _, w := range st.waiters {
				if w.expired(now) {
					expired = append(expired, w)
					continue
				}
				kept = append(kept, w)
			}
			st.waiters = kept
		}
		st.mu.Unlock()

		for _, w := range expired {
			if w.resolve(timeoutResult()) {
				reaped++
				metricReaped.Inc()
				metricWaiters.Dec()
			}
		}
	}
	return reaped
}

// pruneIdle drops chat states with no queue and no waiters so the engine map
// does not grow with every chat id ever seen.
func (e *Engine) pruneIdle() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	pruned := 0
	for id, st := range e.chats {
		st.mu.Lock()
		if st.empty() {
			st.gone = true
			delete(e.chats, id)
			pruned++
		}
		st.mu.Unlock()
	}
	return pruned
}
