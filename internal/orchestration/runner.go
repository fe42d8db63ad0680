// Package orchestration owns running sourcing sessions: it fans a session out
// to its candidates, ranks and negotiates the offers, and settles the session
// in exactly one terminal status.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ikanisa/easymo/internal/fanout"
	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/negotiation"
	"github.com/ikanisa/easymo/internal/ranking"
	"github.com/ikanisa/easymo/internal/sourcing"
)

// DefaultCandidateTimeout bounds a single vendor query.
const DefaultCandidateTimeout = 20 * time.Second

// OutcomeKind says how a session ended.
type OutcomeKind string

const (
	// OutcomeResults is a completed session with at least one quote.
	OutcomeResults OutcomeKind = "results"
	// OutcomeEmpty is a completed session in which no vendor could serve.
	OutcomeEmpty OutcomeKind = "empty"
	// OutcomeExpired is a session whose deadline passed with nothing usable.
	OutcomeExpired OutcomeKind = "expired"
	// OutcomeCancelled is a session stopped by the user.
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the settled result of a session run.
type Outcome struct {
	Kind    OutcomeKind
	Session *models.SourcingSession
	// Top holds the presented quotes, best first, with their stored IDs.
	Top    []models.Quote
	Report fanout.Report
}

// CandidateSource selects the vendors a session is fanned out to.
type CandidateSource interface {
	Candidates(ctx context.Context, s *models.SourcingSession, defaultRadiusKM float64) ([]fanout.Candidate, error)
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	Sessions   *sourcing.Manager
	Candidates CandidateSource
	FanOut     *fanout.Engine      // defaults to one on the session manager's clock
	Negotiator *negotiation.Engine // defaults to half-delta with no minimum

	CandidateTimeout time.Duration // defaults to DefaultCandidateTimeout
	SearchRadiusKM   float64
	TopN             int
	// Scoring returns the ranking criteria for an agent type.
	Scoring func(agentType string) ranking.Criteria
	// OnOutcome, when set, receives the outcome of every run started with
	// Start and of every session settled by SweepDeadlines.
	OnOutcome func(Outcome)
}

// Runner runs sourcing sessions, each on its own goroutine when started
// with Start.
type Runner struct {
	opts RunnerOpts

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOpts) (*Runner, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("orchestration: session manager is required")
	}
	if opts.Candidates == nil {
		return nil, fmt.Errorf("orchestration: candidate source is required")
	}
	if opts.FanOut == nil {
		opts.FanOut = fanout.New(opts.Sessions.Clock())
	}
	if opts.Negotiator == nil {
		opts.Negotiator = negotiation.New(nil, 0)
	}
	if opts.CandidateTimeout <= 0 {
		opts.CandidateTimeout = DefaultCandidateTimeout
	}
	if opts.Scoring == nil {
		opts.Scoring = func(string) ranking.Criteria { return ranking.Criteria{} }
	}
	return &Runner{opts: opts, running: make(map[string]context.CancelFunc)}, nil
}

// Start runs the session in the background. It is a no-op when the session
// is already running in this process.
func (r *Runner) Start(sessionID string) {
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	if _, ok := r.running[sessionID]; ok {
		r.mu.Unlock()
		cancel()
		return
	}
	r.running[sessionID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, sessionID)
			r.mu.Unlock()
			cancel()
		}()
		out, err := r.Run(ctx, sessionID)
		if err != nil {
			log.Printf("orchestration: session %s: %v", sessionID, err)
			return
		}
		r.notify(out)
	}()
}

// Cancel stops a session started with Start. The run settles the session as
// cancelled. It reports whether the session was running.
func (r *Runner) Cancel(sessionID string) bool {
	r.mu.Lock()
	cancel, ok := r.running[sessionID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether the session is being run by this Runner.
func (r *Runner) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[sessionID]
	return ok
}

// Wait blocks until every run started with Start has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Stop cancels every running session and waits for them to settle.
func (r *Runner) Stop() {
	r.mu.Lock()
	for _, cancel := range r.running {
		cancel()
	}
	r.mu.Unlock()
	r.Wait()
}

// Run drives one session to a terminal status and returns how it ended.
// Running an already terminal session returns its stored outcome.
func (r *Runner) Run(ctx context.Context, sessionID string) (Outcome, error) {
	sessions := r.opts.Sessions
	s, err := sessions.Get(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, sourcing.ErrNotFound) {
			return r.cancelled(sessionID)
		}
		return Outcome{}, fmt.Errorf("orchestration: %w", err)
	}
	if s.Terminal() {
		return r.outcomeFor(s, nil, fanout.Report{}), nil
	}

	cands, err := r.opts.Candidates.Candidates(ctx, s, r.opts.SearchRadiusKM)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled(sessionID)
		}
		return Outcome{}, fmt.Errorf("orchestration: session %s: candidates: %w", sessionID, err)
	}
	log.Printf("orchestration: session %s: %d candidates", sessionID, len(cands))

	var collected []models.Quote
	var report fanout.Report
	pending := cands
	for {
		quotes, rep, err := r.opts.FanOut.FanOut(ctx, s, pending, r.opts.CandidateTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(sessionID)
			}
			return Outcome{}, fmt.Errorf("orchestration: session %s: %w", sessionID, err)
		}
		report = mergeReports(report, rep)
		if err := r.store(ctx, quotes); err != nil {
			if errors.Is(err, sourcing.ErrSessionTerminal) {
				return r.settled(ctx, sessionID, report)
			}
			if ctx.Err() != nil {
				return r.cancelled(sessionID)
			}
			return Outcome{}, fmt.Errorf("orchestration: session %s: %w", sessionID, err)
		}
		collected = append(collected, quotes...)
		if len(collected) > 0 || len(rep.TimedOut) == 0 {
			break
		}

		pending = timedOut(pending, rep.TimedOut)
		report.TimedOut = nil
		if sessions.Clock().Now().Before(s.DeadlineAt) {
			continue
		}
		extended, err := sessions.ExtendDeadline(ctx, sessionID)
		if errors.Is(err, sourcing.ErrExtensionBudgetExhausted) {
			report.TimedOut = ids(pending)
			expired, err := sessions.ExpireSession(ctx, sessionID)
			if err != nil {
				return Outcome{}, fmt.Errorf("orchestration: %w", err)
			}
			return r.outcomeFor(expired, nil, report), nil
		}
		if err != nil {
			if errors.Is(err, sourcing.ErrSessionTerminal) {
				return r.settled(ctx, sessionID, report)
			}
			if ctx.Err() != nil {
				return r.cancelled(sessionID)
			}
			return Outcome{}, fmt.Errorf("orchestration: %w", err)
		}
		s = extended
		log.Printf("orchestration: session %s: no quotes yet, re-dispatching %d candidates", sessionID, len(pending))
	}

	crit := r.opts.Scoring(s.AgentType)
	ranked, err := ranking.Rank(collected, crit)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestration: session %s: %w", sessionID, err)
	}
	top := ranking.Top(ranked, r.opts.TopN)

	if s.AutoNegotiation && s.CounterOfferDeltaPct > 0 && len(top) > 0 {
		if s, err = sessions.MarkNegotiating(ctx, sessionID); err != nil {
			if errors.Is(err, sourcing.ErrSessionTerminal) {
				return r.settled(ctx, sessionID, report)
			}
			if ctx.Err() != nil {
				return r.cancelled(sessionID)
			}
			return Outcome{}, fmt.Errorf("orchestration: %w", err)
		}
		negotiated, err := r.opts.Negotiator.Negotiate(ctx, s, top, responders(cands))
		if err != nil {
			if ctx.Err() != nil {
				return r.cancelled(sessionID)
			}
			return Outcome{}, fmt.Errorf("orchestration: %w", err)
		}
		byVendor := make(map[string]models.Quote, len(negotiated))
		for _, q := range negotiated {
			byVendor[q.VendorID] = q
		}
		for i := range ranked {
			if q, ok := byVendor[ranked[i].VendorID]; ok {
				ranked[i] = q
			}
		}
		ranking.Sort(ranked)
		top = ranking.Top(ranked, r.opts.TopN)
	}

	if ctx.Err() != nil {
		return r.cancelled(sessionID)
	}
	done, err := sessions.CompleteSession(ctx, sessionID, ranked)
	if err != nil {
		if ctx.Err() != nil {
			return r.cancelled(sessionID)
		}
		return Outcome{}, fmt.Errorf("orchestration: %w", err)
	}
	return r.outcomeFor(done, top, report), nil
}

// SweepDeadlines settles open sessions whose deadline has passed and that no
// run in this process owns, such as sessions left behind by a restart.
// Sessions that already stored quotes complete; the rest expire.
func (r *Runner) SweepDeadlines(ctx context.Context) (int, error) {
	sessions := r.opts.Sessions
	overdue, err := sessions.Overdue(ctx, sessions.Clock().Now())
	if err != nil {
		return 0, fmt.Errorf("orchestration: sweep: %w", err)
	}
	n := 0
	for _, o := range overdue {
		if r.Running(o.ID) {
			continue
		}
		s, err := sessions.Get(ctx, o.ID)
		if err != nil {
			return n, fmt.Errorf("orchestration: sweep: %w", err)
		}
		var done *models.SourcingSession
		if len(s.Quotes) > 0 {
			ranked, rerr := ranking.Rank(s.Quotes, r.opts.Scoring(s.AgentType))
			if rerr != nil {
				log.Printf("orchestration: sweep: session %s: %v", s.ID, rerr)
				ranked = nil
			}
			done, err = sessions.CompleteSession(ctx, s.ID, ranked)
		} else {
			done, err = sessions.ExpireSession(ctx, s.ID)
		}
		if err != nil {
			return n, fmt.Errorf("orchestration: sweep: %w", err)
		}
		n++
		log.Printf("orchestration: sweep settled session %s as %s", done.ID, done.Status)
		r.notify(r.outcomeFor(done, nil, fanout.Report{}))
	}
	return n, nil
}

// store persists one fan-out round's quotes as they arrive, so a sweeper in
// any process completes the session rather than expiring it.
func (r *Runner) store(ctx context.Context, quotes []models.Quote) error {
	for _, q := range quotes {
		if err := r.opts.Sessions.SaveQuote(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) notify(out Outcome) {
	if r.opts.OnOutcome != nil {
		r.opts.OnOutcome(out)
	}
}

// cancelled settles the session as cancelled. The run's own context is
// already done, so the write uses a fresh one.
func (r *Runner) cancelled(sessionID string) (Outcome, error) {
	s, err := r.opts.Sessions.CancelSession(context.Background(), sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestration: %w", err)
	}
	return r.outcomeFor(s, nil, fanout.Report{}), nil
}

// settled reports a session that became terminal under the run, for example
// through a cancel that arrived from another process.
func (r *Runner) settled(ctx context.Context, sessionID string, rep fanout.Report) (Outcome, error) {
	s, err := r.opts.Sessions.Get(ctx, sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("orchestration: %w", err)
	}
	return r.outcomeFor(s, nil, rep), nil
}

// outcomeFor classifies a terminal session. When top is nil the presented
// quotes are taken from the stored ones.
func (r *Runner) outcomeFor(s *models.SourcingSession, top []models.Quote, rep fanout.Report) Outcome {
	out := Outcome{Session: s, Report: rep}
	switch s.Status {
	case models.SessionCancelled:
		out.Kind = OutcomeCancelled
		return out
	case models.SessionExpired:
		out.Kind = OutcomeExpired
		return out
	}

	stored := make(map[string]models.Quote, len(s.Quotes))
	for _, q := range s.Quotes {
		stored[q.VendorID] = q
	}
	if top == nil {
		ranked, err := ranking.Rank(s.Quotes, r.opts.Scoring(s.AgentType))
		if err != nil {
			ranked = s.Quotes
		}
		top = ranking.Top(ranked, r.opts.TopN)
	}
	for _, q := range top {
		if sq, ok := stored[q.VendorID]; ok {
			out.Top = append(out.Top, sq)
		}
	}
	if len(out.Top) == 0 {
		out.Kind = OutcomeEmpty
	} else {
		out.Kind = OutcomeResults
	}
	return out
}

func mergeReports(a, b fanout.Report) fanout.Report {
	a.Responded = append(a.Responded, b.Responded...)
	a.Unavailable = append(a.Unavailable, b.Unavailable...)
	a.Failed = append(a.Failed, b.Failed...)
	a.TimedOut = append(a.TimedOut, b.TimedOut...)
	return a
}

func timedOut(cands []fanout.Candidate, vendorIDs []string) []fanout.Candidate {
	want := make(map[string]bool, len(vendorIDs))
	for _, id := range vendorIDs {
		want[id] = true
	}
	var out []fanout.Candidate
	for _, c := range cands {
		if want[c.VendorID] {
			out = append(out, c)
		}
	}
	return out
}

func ids(cands []fanout.Candidate) []string {
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.VendorID)
	}
	return out
}

func responders(cands []fanout.Candidate) map[string]negotiation.CounterOfferResponder {
	out := make(map[string]negotiation.CounterOfferResponder)
	for _, c := range cands {
		if r, ok := c.Quoter.(negotiation.CounterOfferResponder); ok {
			out[c.VendorID] = r
		}
	}
	return out
}
