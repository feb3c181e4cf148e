package monitor

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingSubscriber) Subscribe(symbols []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, symbols)
}

func (r *recordingSubscriber) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// TestResubscribeQuotesTracksSymbols re-subscribes as the monitored
// instrument set grows after the engines load their books.
func TestResubscribeQuotesTracksSymbols(t *testing.T) {
	sub := &recordingSubscriber{}

	var mu sync.Mutex
	symbols := []string{}
	source := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(symbols))
		copy(out, symbols)
		return out
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		resubscribeQuotes(ctx, time.Millisecond, sub, source)
	}()

	// Positions arrive after startup.
	mu.Lock()
	symbols = []string{"opt-aapl", "opt-spy"}
	mu.Unlock()

	deadline := time.After(2 * time.Second)
	for {
		calls := sub.snapshot()
		if len(calls) > 0 && len(calls[len(calls)-1]) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("subscription never caught up: %v", calls)
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resubscribe loop did not stop on cancel")
	}

	calls := sub.snapshot()
	if len(calls) == 0 || len(calls[0]) != 0 {
		t.Fatalf("expected an immediate initial subscription: %v", calls)
	}
}
