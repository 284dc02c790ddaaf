package longpoll

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	v1 "relay/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestPollDrainsImmediatelyInFIFOOrder(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger(), time.Second)
	e.Enqueue("abc123", raw(`{"text":"m1"}`))
	e.Enqueue("abc123", raw(`{"text":"m2"}`))

	start := time.Now()
	res, err := e.Poll(context.Background(), "abc123", time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Fatalf("drain should be immediate, took %v", d)
	}
	if res.Status != v1.PollStatusSuccess {
		t.Fatalf("status=%q want success", res.Status)
	}
	if len(res.Messages) != 2 || string(res.Messages[0]) != `{"text":"m1"}` || string(res.Messages[1]) != `{"text":"m2"}` {
		t.Fatalf("unexpected batch: %v", res.Messages)
	}

	// Drained messages must not be served again.
	res, err = e.Poll(context.Background(), "abc123", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if res.Status != v1.PollStatusTimeout || len(res.Messages) != 0 {
		t.Fatalf("expected empty timeout, got status=%q messages=%v", res.Status, res.Messages)
	}
}

func TestEnqueueWakesParkedPoll(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger(), 9*time.Second)

	type outcome struct {
		res Result
		err error
		d   time.Duration
	}
	ch := make(chan outcome, 1)

	start := time.Now()
	go func() {
		res, err := e.Poll(context.Background(), "abc123", 9*time.Second)
		ch <- outcome{res: res, err: err, d: time.Since(start)}
	}()

	waitForWaiters(t, e, "abc123", 1)
	e.Enqueue("abc123", raw(`{"text":"hi"}`))

	out := <-ch
	if out.err != nil {
		t.Fatalf("poll: %v", out.err)
	}
	if out.res.Status != v1.PollStatusSuccess {
		t.Fatalf("status=%q want success", out.res.Status)
	}
	if len(out.res.Messages) != 1 || string(out.res.Messages[0]) != `{"text":"hi"}` {
		t.Fatalf("unexpected batch: %v", out.res.Messages)
	}
	if out.d > 2*time.Second {
		t.Fatalf("poll should resolve on arrival, took %v", out.d)
	}
}

func TestPollTimesOutWithinBound(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger(), 9*time.Second)

	start := time.Now()
	res, err := e.Poll(context.Background(), "xyz", 150*time.Millisecond)
	d := time.Since(start)

	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != v1.PollStatusTimeout {
		t.Fatalf("status=%q want timeout", res.Status)
	}
	if res.Messages == nil || len(res.Messages) != 0 {
		t.Fatalf("timeout must carry an empty (non-nil) message list, got %#v", res.Messages)
	}
	if d < 150*time.Millisecond || d > 150*time.Millisecond+250*time.Millisecond {
		t.Fatalf("timeout fired at %v, want ~150ms", d)
	}
}

func TestEnqueueResolvesAllWaiters(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger(), 9*time.Second)

	const n = 5
	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		go func() {
			res, err := e.Poll(context.Background(), "abc123", 9*time.Second)
			if err != nil {
				t.Errorf("poll: %v", err)
			}
			results <- res
		}()
	}

	waitForWaiters(t, e, "abc123", n)
	e.Enqueue("abc123", raw(`{"text":"fanout"}`))

	for i := 0; i < n; i++ {
		select {
		case res := <-results:
			if res.Status != v1.PollStatusSuccess || len(res.Messages) != 1 {
				t.Fatalf("waiter %d got status=%q messages=%v", i, res.Status, res.Messages)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never resolved", i)
		}
	}

	if got := e.waiterCount("abc123"); got != 0 {
		t.Fatalf("waiter set not cleared: %d left", got)
	}
}

func TestImmediateDrainLeavesWaiters(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger(), 9*time.Second)

	parked := make(chan Result, 1)
	go func() {
		res, _ := e.Poll(context.Background(), "abc123", 9*time.Second)
		parked <- res
	}()
	waitForWaiters(t, e, "abc123", 1)

	// A second client drains nothing (queue is empty) and parks too; then a
	// message arrives and both must resolve.
	second := make(chan Result, 1)
	go func() {
		res, _ := e.Poll(context.Background(), "abc123", 9*time.Second)
		second <- res
	}()
	waitForWaiters(t, e, "abc123", 2)

	e.Enqueue("abc123", raw(`{"text":"both"}`))

	for _, ch := range []chan Result{parked, second} {
		select {
		case res := <-ch:
			if res.Status != v1.PollStatusSuccess {
				t.Fatalf("status=%q want success", res.Status)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter never resolved")
		}
	}
}

func TestPollCancellationRemovesWaiter(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger(), 9*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := e.Poll(ctx, "abc123", 9*time.Second)
		errCh <- err
	}()

	waitForWaiters(t, e, "abc123", 1)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Fatalf("err=%v want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled poll never returned")
	}

	waitForWaiters(t, e, "abc123", 0)

	// The cancelled waiter must not swallow the next message.
	e.Enqueue("abc123", raw(`{"text":"later"}`))
	res, err := e.Poll(context.Background(), "abc123", time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != v1.PollStatusSuccess || len(res.Messages) != 1 {
		t.Fatalf("message lost to cancelled waiter: status=%q messages=%v", res.Status, res.Messages)
	}
}

func TestCrossChatIsolation(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger(), 9*time.Second)

	// Heavy load on chat B: many parked waiters.
	for i := 0; i < 50; i++ {
		go func() {
			_, _ = e.Poll(context.Background(), "busy", 9*time.Second)
		}()
	}
	waitForWaiters(t, e, "busy", 50)

	// Chat A must still round-trip promptly.
	e.Enqueue("quiet", raw(`{"text":"a"}`))
	start := time.Now()
	res, err := e.Poll(context.Background(), "quiet", time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != v1.PollStatusSuccess {
		t.Fatalf("status=%q want success", res.Status)
	}
	if d := time.Since(start); d > 200*time.Millisecond {
		t.Fatalf("quiet chat delayed by busy chat: %v", d)
	}

	// Unpark chat B so the test goroutines exit.
	e.Enqueue("busy", raw(`{"text":"done"}`))
}

func TestResolveOnceUnderRace(t *testing.T) {
	t.Parallel()

	// Hammer a single waiter from delivery and reap paths concurrently; the
	// buffered done channel would overflow into a lost result if resolve-once
	// ever double-fired.
	for i := 0; i < 200; i++ {
		w := newWaiter("abc123", time.Now().UTC(), time.Millisecond)

		var wg sync.WaitGroup
		wins := make(chan string, 3)
		for _, path := range []string{"deliver", "reap", "cancel"} {
			wg.Add(1)
			go func(p string) {
				defer wg.Done()
				var res Result
				if p == "deliver" {
					res = successResult([]json.RawMessage{raw(`{}`)})
				} else {
					res = timeoutResult()
				}
				if w.resolve(res) {
					wins <- p
				}
			}(path)
		}
		wg.Wait()
		close(wins)

		var winners []string
		for p := range wins {
			winners = append(winners, p)
		}
		if len(winners) != 1 {
			t.Fatalf("iteration %d: %d resolution winners (%v), want exactly 1", i, len(winners), winners)
		}

		select {
		case <-w.done:
		default:
			t.Fatalf("iteration %d: no buffered result after resolution", i)
		}
	}
}

func TestEnqueueRequeuesBatchWhenAllWaitersAlreadySettled(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger(), 9*time.Second)

	// A waiter can be settled by its own timer (or cancellation) while still
	// registered: settlement and unregistration are not atomic. Enqueue must
	// not treat such a waiter as a delivery.
	w := newWaiter("abc123", time.Now().UTC(), 9*time.Second)
	st := e.state("abc123")
	st.waiters = append(st.waiters, w)
	st.mu.Unlock()

	if !w.resolve(timeoutResult()) {
		t.Fatal("setup: timeout path should win the resolve")
	}

	e.Enqueue("abc123", raw(`{"text":"hi"}`))

	// The poller that timed out re-polls; the message must still be there.
	res, err := e.Poll(context.Background(), "abc123", time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != v1.PollStatusSuccess || len(res.Messages) != 1 || string(res.Messages[0]) != `{"text":"hi"}` {
		t.Fatalf("message lost to settled waiter: status=%q messages=%v", res.Status, res.Messages)
	}
}

func TestEnqueueRequeuePreservesFIFOOrder(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger(), 9*time.Second)

	// Buffer one message, then park a pre-settled waiter over it so the
	// drained two-message batch has to be pushed back.
	e.Enqueue("abc123", raw(`{"n":1}`))

	w := newWaiter("abc123", time.Now().UTC(), 9*time.Second)
	st := e.state("abc123")
	st.waiters = append(st.waiters, w)
	st.mu.Unlock()
	w.resolve(timeoutResult())

	e.Enqueue("abc123", raw(`{"n":2}`))
	e.Enqueue("abc123", raw(`{"n":3}`))

	res, err := e.Poll(context.Background(), "abc123", time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(res.Messages) != 3 {
		t.Fatalf("len=%d want 3 (%v)", len(res.Messages), res.Messages)
	}
	for i, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if string(res.Messages[i]) != want {
			t.Fatalf("order broken at %d: got %s want %s", i, res.Messages[i], want)
		}
	}
}

func TestPollClampsWaitToCeiling(t *testing.T) {
	t.Parallel()

	e := NewEngine(testLogger(), 100*time.Millisecond)

	start := time.Now()
	res, err := e.Poll(context.Background(), "abc123", time.Hour)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Status != v1.PollStatusTimeout {
		t.Fatalf("status=%q want timeout", res.Status)
	}
	if d := time.Since(start); d > 350*time.Millisecond {
		t.Fatalf("wait not clamped to ceiling: %v", d)
	}
}

// ---- helpers ----

func (e *Engine) waiterCount(chatID string) int {
	e.mu.RLock()
	st, ok := e.chats[chatID]
	e.mu.RUnlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.waiters)
}

func waitForWaiters(t *testing.T, e *Engine, chatID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if e.waiterCount(chatID) == n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("never reached %d waiters for %s (have %d)", n, chatID, e.waiterCount(chatID))
}
