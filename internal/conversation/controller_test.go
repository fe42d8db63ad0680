package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ikanisa/easymo/internal/agentconfig"
	"github.com/ikanisa/easymo/internal/clock"
	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/offer"
	"github.com/ikanisa/easymo/internal/orchestration"
	"github.com/ikanisa/easymo/internal/sourcing"
)

const hardwareRequest = "hardware: cement, nails @-1.95,30.06"

type staticConfigs map[string]models.AgentConfig

func (s staticConfigs) Get(ctx context.Context, agentType string) (models.AgentConfig, error) {
	c, ok := s[agentType]
	if !ok {
		return models.AgentConfig{}, agentconfig.ErrNotFound
	}
	return c, nil
}

type fakeRunner struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
}

func (r *fakeRunner) Start(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, id)
}

func (r *fakeRunner) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, id)
	return true
}

type recordingNotifier struct {
	mu      sync.Mutex
	replies []Reply
}

func (n *recordingNotifier) Notify(ctx context.Context, r Reply) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replies = append(n.replies, r)
	return nil
}

func (n *recordingNotifier) last(t *testing.T) Reply {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.replies) == 0 {
		t.Fatal("no replies sent")
	}
	return n.replies[len(n.replies)-1]
}

type controllerFixture struct {
	ctrl     *Controller
	store    *Store
	sessions *sourcing.Manager
	runner   *fakeRunner
	notifier *recordingNotifier
	clock    *clock.Manual
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()
	gormDB := openTestDB(t)
	clk := clock.NewManual(t0)
	configs := staticConfigs{
		offer.AgentHardware: {
			AgentType: offer.AgentHardware, Enabled: true, SLAMinutes: 5, MaxExtensions: 2,
			FanOutLimit: 10, CounterOfferDeltaPct: 15, FeatureFlagScope: agentconfig.ScopeAll,
		},
		offer.AgentPharmacy: {
			AgentType: offer.AgentPharmacy, Enabled: false, SLAMinutes: 5, FanOutLimit: 10,
			FeatureFlagScope: agentconfig.ScopeDisabled,
		},
	}
	n := 0
	mgr, err := sourcing.NewManager(sourcing.ManagerOpts{
		DB:      gormDB,
		Configs: configs,
		Clock:   clk,
		NewID: func() string {
			n++
			return fmt.Sprintf("sess-%d", n)
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	store, err := NewStore(gormDB)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	f := &controllerFixture{
		store:    store,
		sessions: mgr,
		runner:   &fakeRunner{},
		notifier: &recordingNotifier{},
		clock:    clk,
	}
	f.ctrl, err = NewController(ControllerOpts{
		Store:      store,
		Classifier: NewKeywordClassifier(),
		Sessions:   mgr,
		Runner:     f.runner,
		Notifier:   f.notifier,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return f
}

func (f *controllerFixture) say(t *testing.T, user, text string) {
	t.Helper()
	err := f.ctrl.HandleInbound(context.Background(), InboundEvent{
		UserID:     user,
		Text:       text,
		ReceivedAt: f.clock.Now(),
		ChannelID:  "C1",
		ThreadID:   "T-" + user,
	})
	if err != nil {
		t.Fatalf("HandleInbound(%q): %v", text, err)
	}
}

func (f *controllerFixture) state(t *testing.T, user string) *Context {
	t.Helper()
	cx, err := f.ctrl.Context(context.Background(), user)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	return cx
}

func testQuote(vendor string, total, score float64) models.Quote {
	return models.Quote{
		VendorID:     vendor,
		VendorName:   "Vendor " + vendor,
		Status:       models.QuotePending,
		RankingScore: score,
		OfferData: offer.Payload{
			Kind:            offer.KindItems,
			BaseTotal:       total,
			NegotiatedTotal: total,
			DistanceKM:      1.5,
			ETAMinutes:      15,
			Items: &offer.ItemsOffer{
				Requested: 2,
				Available: []offer.ItemLine{{Name: "cement", UnitPrice: total, Quantity: 20}},
			},
		},
	}
}

func TestNewController_Validation(t *testing.T) {
	_, err := NewController(ControllerOpts{})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"store", "classifier", "sessions", "runner", "notifier"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestController_RequestToConfirmation(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	f.say(t, "u1", hardwareRequest)
	cx := f.state(t, "u1")
	if cx.State != StateAgentActive || cx.ActiveSessionID != "sess-1" || cx.LastIntent != offer.AgentHardware {
		t.Fatalf("after request: %+v", cx)
	}
	if len(f.runner.started) != 1 || f.runner.started[0] != "sess-1" {
		t.Fatalf("runner started = %v", f.runner.started)
	}
	first := f.notifier.last(t)
	if !strings.Contains(first.Text, "Looking for hardware") || first.ChannelID != "C1" || first.ThreadID != "T-u1" {
		t.Errorf("searching reply = %+v", first)
	}

	s, err := f.sessions.CompleteSession(ctx, "sess-1", []models.Quote{
		testQuote("v1", 9000, 80),
		testQuote("v2", 8000, 70),
	})
	if err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if err := f.ctrl.HandleOutcome(ctx, orchestration.Outcome{
		Kind:    orchestration.OutcomeResults,
		Session: s,
		Top:     s.Quotes,
	}); err != nil {
		t.Fatalf("HandleOutcome: %v", err)
	}
	cx = f.state(t, "u1")
	if cx.State != StateAwaitingConfirmation || len(cx.OptionQuoteIDs) != 2 {
		t.Fatalf("after results: %+v", cx)
	}
	opts := f.notifier.last(t)
	if len(opts.Options) != 2 || opts.Options[0].VendorName != "Vendor v1" {
		t.Fatalf("options reply = %+v", opts)
	}
	if !strings.Contains(opts.Text, "Reply with the option number") {
		t.Errorf("options text = %q", opts.Text)
	}

	f.say(t, "u1", "2")
	cx = f.state(t, "u1")
	if cx.State != StateCompleted || cx.ActiveSessionID != "" {
		t.Fatalf("after selection: %+v", cx)
	}
	got, err := f.sessions.Get(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SelectedQuoteID == nil || *got.SelectedQuoteID != s.Quotes[1].ID {
		t.Errorf("SelectedQuoteID = %v, want %d", got.SelectedQuoteID, s.Quotes[1].ID)
	}
	if reply := f.notifier.last(t); !strings.Contains(reply.Text, "Confirmed option 2: Vendor v2 for 8,000 RWF") {
		t.Errorf("confirmation = %q", reply.Text)
	}

	hist, err := f.store.History(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	wantStates := []State{StateAwaitingInput, StateProcessingIntent, StateAgentActive, StateAwaitingConfirmation, StateCompleted}
	if len(hist) != len(wantStates) {
		t.Fatalf("history = %+v", hist)
	}
	for i, st := range wantStates {
		if hist[i].State != st {
			t.Errorf("history[%d] = %s, want %s", i, hist[i].State, st)
		}
	}

	// A new request after completion starts a new session.
	f.say(t, "u1", hardwareRequest)
	if cx = f.state(t, "u1"); cx.State != StateAgentActive || cx.ActiveSessionID != "sess-2" {
		t.Errorf("second request: %+v", cx)
	}
}

func TestController_FallbackThenError(t *testing.T) {
	f := newControllerFixture(t)

	for i := 1; i <= MaxFallbacks; i++ {
		f.say(t, "u1", "hello there")
		cx := f.state(t, "u1")
		if cx.State != StateFallback || cx.FallbackCount != i {
			t.Fatalf("message %d: state=%s count=%d", i, cx.State, cx.FallbackCount)
		}
	}
	f.say(t, "u1", "hello again")
	if cx := f.state(t, "u1"); cx.State != StateError {
		t.Fatalf("state = %s, want ERROR", cx.State)
	}
	if r := f.notifier.last(t); !strings.Contains(r.Text, "Send reset") {
		t.Errorf("give-up reply = %q", r.Text)
	}

	f.say(t, "u1", "hardware please")
	if r := f.notifier.last(t); r.Text != msgErrorReminder {
		t.Errorf("error reminder = %q", r.Text)
	}

	f.say(t, "u1", "reset")
	cx := f.state(t, "u1")
	if cx.State != StateAwaitingInput || cx.FallbackCount != 0 {
		t.Errorf("after reset: state=%s count=%d", cx.State, cx.FallbackCount)
	}
	if cx.Metadata[MetaChannel] != "C1" {
		t.Errorf("routing metadata not re-applied: %v", cx.Metadata)
	}
}

func TestController_CreateFailures(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"invalid criteria", "hardware: cement", "I need a bit more detail: location is required"},
		{"disabled agent", "pharmacy: paracetamol @-1.95,30.06", "pharmacy requests are not available"},
		{"unknown agent", "ride for 2 seats @-1.95,30.06 @-1.97,30.10", "rides requests are not available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture(t)
			f.say(t, "u1", tt.text)
			cx := f.state(t, "u1")
			if cx.State != StateFallback || cx.FallbackCount != 1 || cx.ActiveSessionID != "" {
				t.Errorf("state = %+v", cx)
			}
			if r := f.notifier.last(t); !strings.Contains(r.Text, tt.want) {
				t.Errorf("reply = %q, want it to contain %q", r.Text, tt.want)
			}
			if len(f.runner.started) != 0 {
				t.Errorf("runner started %v", f.runner.started)
			}
		})
	}
}

func TestController_CancelWhileSearching(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	f.say(t, "u1", hardwareRequest)
	f.say(t, "u1", "cancel")

	cx := f.state(t, "u1")
	if cx.State != StateIdle || cx.ActiveSessionID != "" {
		t.Fatalf("after cancel: %+v", cx)
	}
	if len(f.runner.cancelled) != 1 || f.runner.cancelled[0] != "sess-1" {
		t.Errorf("runner cancelled = %v", f.runner.cancelled)
	}
	s, err := f.sessions.Get(ctx, "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != models.SessionCancelled {
		t.Errorf("session status = %s, want cancelled", s.Status)
	}

	// The runner's own cancelled outcome arrives late and is ignored.
	if err := f.ctrl.HandleOutcome(ctx, orchestration.Outcome{Kind: orchestration.OutcomeCancelled, Session: s}); err != nil {
		t.Fatal(err)
	}
	if cx := f.state(t, "u1"); cx.State != StateIdle {
		t.Errorf("state after late outcome = %s", cx.State)
	}

	f.say(t, "u1", "cancel")
	if r := f.notifier.last(t); r.Text != msgNothingPending {
		t.Errorf("second cancel reply = %q", r.Text)
	}
}

func TestController_FailedOutcomes(t *testing.T) {
	tests := []struct {
		kind orchestration.OutcomeKind
		want string
	}{
		{orchestration.OutcomeEmpty, msgNoMatches},
		{orchestration.OutcomeExpired, msgNoAnswer},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			f := newControllerFixture(t)
			ctx := context.Background()
			f.say(t, "u1", hardwareRequest)
			s, err := f.sessions.ExpireSession(ctx, "sess-1")
			if err != nil {
				t.Fatal(err)
			}
			if err := f.ctrl.HandleOutcome(ctx, orchestration.Outcome{Kind: tt.kind, Session: s}); err != nil {
				t.Fatal(err)
			}
			cx := f.state(t, "u1")
			if cx.State != StateFallback || cx.ActiveSessionID != "" {
				t.Errorf("state = %+v", cx)
			}
			if r := f.notifier.last(t); r.Text != tt.want {
				t.Errorf("reply = %q, want %q", r.Text, tt.want)
			}
		})
	}
}

func TestController_ExternalCancelTellsUser(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	f.say(t, "u1", hardwareRequest)
	before := len(f.notifier.replies)

	s, _ := f.sessions.CancelSession(ctx, "sess-1")
	if err := f.ctrl.HandleOutcome(ctx, orchestration.Outcome{Kind: orchestration.OutcomeCancelled, Session: s}); err != nil {
		t.Fatal(err)
	}
	cx := f.state(t, "u1")
	if cx.State != StateIdle || cx.ActiveSessionID != "" {
		t.Errorf("state = %s, session %q; want IDLE with no session", cx.State, cx.ActiveSessionID)
	}
	if len(f.notifier.replies) != before+1 {
		t.Fatalf("replies = %d, want %d", len(f.notifier.replies), before+1)
	}
	if r := f.notifier.last(t); r.Text != msgSearchStopped {
		t.Errorf("reply = %q, want %q", r.Text, msgSearchStopped)
	}

	// The next message starts a fresh search.
	f.say(t, "u1", hardwareRequest)
	if cx := f.state(t, "u1"); cx.State != StateAgentActive {
		t.Errorf("state after new request = %s, want AGENT_ACTIVE", cx.State)
	}
}

func TestController_StaleOutcomeIgnored(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	f.say(t, "u1", hardwareRequest)

	other := &models.SourcingSession{ID: "sess-other", UserID: "u1", Status: models.SessionCompleted}
	if err := f.ctrl.HandleOutcome(ctx, orchestration.Outcome{Kind: orchestration.OutcomeEmpty, Session: other}); err != nil {
		t.Fatal(err)
	}
	if cx := f.state(t, "u1"); cx.State != StateAgentActive || cx.ActiveSessionID != "sess-1" {
		t.Errorf("stale outcome changed state: %+v", cx)
	}
}

func TestController_StatusWhileSearching(t *testing.T) {
	f := newControllerFixture(t)
	f.say(t, "u1", hardwareRequest)
	f.clock.Advance(2 * time.Minute)

	f.say(t, "u1", "any news?")
	if r := f.notifier.last(t); r.Text != msgStillSearching(3) {
		t.Errorf("status reply = %q", r.Text)
	}
	if cx := f.state(t, "u1"); cx.State != StateAgentActive {
		t.Errorf("state = %s", cx.State)
	}
}

func TestController_InvalidOptionReprompts(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()
	f.say(t, "u1", hardwareRequest)
	s, _ := f.sessions.CompleteSession(ctx, "sess-1", []models.Quote{testQuote("v1", 9000, 80)})
	if err := f.ctrl.HandleOutcome(ctx, orchestration.Outcome{Kind: orchestration.OutcomeResults, Session: s, Top: s.Quotes}); err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"5", "zero", "0"} {
		f.say(t, "u1", text)
		if r := f.notifier.last(t); r.Text != msgPickOption(1) {
			t.Errorf("%q: reply = %q", text, r.Text)
		}
	}
	if cx := f.state(t, "u1"); cx.State != StateAwaitingConfirmation {
		t.Errorf("state = %s", cx.State)
	}

	f.say(t, "u1", "cancel")
	if cx := f.state(t, "u1"); cx.State != StateIdle || len(cx.OptionQuoteIDs) != 0 {
		t.Errorf("after cancel: %+v", cx)
	}
}

func TestController_SweepTimeouts(t *testing.T) {
	f := newControllerFixture(t)
	ctx := context.Background()

	f.say(t, "u1", "reset")
	if cx := f.state(t, "u1"); cx.State != StateAwaitingInput {
		t.Fatalf("state = %s", cx.State)
	}

	f.clock.Advance(5 * time.Minute)
	n, err := f.ctrl.SweepTimeouts(ctx)
	if err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}

	f.clock.Advance(6 * time.Minute)
	n, err = f.ctrl.SweepTimeouts(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v; want 1", n, err)
	}
	if cx := f.state(t, "u1"); cx.State != StateIdle {
		t.Errorf("state = %s, want IDLE", cx.State)
	}
}

func TestController_ResetWhileSearching(t *testing.T) {
	f := newControllerFixture(t)
	f.say(t, "u1", hardwareRequest)
	f.say(t, "u1", "RESET")

	cx := f.state(t, "u1")
	if cx.State != StateAwaitingInput || cx.LastIntent != "" || cx.ActiveSessionID != "" {
		t.Errorf("after reset: %+v", cx)
	}
	if len(f.runner.cancelled) != 1 {
		t.Errorf("runner cancelled = %v", f.runner.cancelled)
	}
	if r := f.notifier.last(t); r.Text != msgReset {
		t.Errorf("reply = %q", r.Text)
	}
}

func TestController_UsersAreIndependent(t *testing.T) {
	f := newControllerFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.ctrl.HandleInbound(context.Background(), InboundEvent{
				UserID: fmt.Sprintf("u%d", i),
				Text:   "hello",
			})
		}(i)
	}
	wg.Wait()
	for i := 0; i < 5; i++ {
		if cx := f.state(t, fmt.Sprintf("u%d", i)); cx.State != StateFallback || cx.FallbackCount != 1 {
			t.Errorf("u%d: state=%s count=%d", i, cx.State, cx.FallbackCount)
		}
	}
}

func TestKeyedMutex_Serializes(t *testing.T) {
	var k keyedMutex
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("u1")
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}
	if len(k.locks) != 0 {
		t.Errorf("locks not released: %d", len(k.locks))
	}
}
