package telegraph

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ikanisa/easymo/internal/conversation"
	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/sourcing"
)

var t0 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeSessions serves canned sessions and a canned summary.
type fakeSessions struct {
	sessions   map[string]*models.SourcingSession
	summary    sourcing.Summary
	err        error
	since      time.Time
	until      time.Time
	summarized int
}

func (f *fakeSessions) Get(ctx context.Context, id string) (*models.SourcingSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.sessions[id]
	if !ok {
		return nil, sourcing.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) Summarize(ctx context.Context, since, until time.Time) (sourcing.Summary, error) {
	f.summarized++
	f.since, f.until = since, until
	return f.summary, f.err
}

type fakeAgents struct {
	configs []models.AgentConfig
	err     error
}

func (f *fakeAgents) List(ctx context.Context) ([]models.AgentConfig, error) {
	return f.configs, f.err
}

// fakeConversations records inbound events and sweep calls.
type fakeConversations struct {
	mu     sync.Mutex
	events []conversation.InboundEvent
	sweeps int
	err    error
}

func (f *fakeConversations) HandleInbound(ctx context.Context, ev conversation.InboundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeConversations) SweepTimeouts(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps++
	return 0, nil
}

func (f *fakeConversations) received() []conversation.InboundEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]conversation.InboundEvent, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeConversations) sweepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sweeps
}

// syncBuffer is a bytes.Buffer safe for a writer goroutine and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitFor polls condition fn until it returns true or timeout expires.
func waitFor(t *testing.T, fn func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("waitFor timed out after %v", timeout)
}
