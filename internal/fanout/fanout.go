// Package fanout dispatches one sourcing request to a bounded set of vendor
// candidates concurrently and collects the offers that come back in time.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ikanisa/easymo/internal/clock"
	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/offer"
	"golang.org/x/sync/errgroup"
)

// ErrFanOutLimit is returned when more candidates are passed than the
// session's fan-out limit allows.
var ErrFanOutLimit = errors.New("fan-out limit exceeded")

// Request is what a candidate is asked to quote on.
type Request struct {
	SessionID string
	AgentType string
	Criteria  offer.Criteria
}

// Quoter answers a quote request for a single vendor. Implementations should
// return promptly once ctx is done; the engine stops waiting either way.
type Quoter interface {
	Quote(ctx context.Context, req Request) (offer.Payload, error)
}

// QuoterFunc adapts a function to the Quoter interface.
type QuoterFunc func(ctx context.Context, req Request) (offer.Payload, error)

// Quote calls f.
func (f QuoterFunc) Quote(ctx context.Context, req Request) (offer.Payload, error) {
	return f(ctx, req)
}

// Candidate is a vendor selected for a fan-out.
type Candidate struct {
	VendorID   string
	Name       string
	DistanceKM float64
	Quoter     Quoter
}

// Report lists candidate vendor IDs by how their query settled, in
// candidate order.
type Report struct {
	Responded   []string
	Unavailable []string
	Failed      []string
	TimedOut    []string
}

// Settled returns how many candidates produced an answer, usable or not.
func (r Report) Settled() int {
	return len(r.Responded) + len(r.Unavailable) + len(r.Failed)
}

type outcome int

const (
	outcomeTimedOut outcome = iota
	outcomeResponded
	outcomeUnavailable
	outcomeFailed
)

type result struct {
	outcome outcome
	payload offer.Payload
}

// Engine runs fan-outs against a clock.
type Engine struct {
	clock clock.Clock
}

// New creates an Engine. A nil clock uses the wall clock.
func New(clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	return &Engine{clock: clk}
}

// FanOut queries every candidate concurrently and returns one pending Quote
// per candidate that answered in time with a non-zero availability. Each
// query is bounded by the smaller of perCandidateTimeout and the time left
// until the session deadline. Quotes come back in candidate order regardless
// of which query finished first.
//
// When ctx is cancelled every in-flight query is cancelled and the error
// wraps ctx.Err().
func (e *Engine) FanOut(ctx context.Context, session *models.SourcingSession, candidates []Candidate, perCandidateTimeout time.Duration) ([]models.Quote, Report, error) {
	if len(candidates) > session.FanOutLimit {
		return nil, Report{}, fmt.Errorf("fanout: session %s: %d candidates over limit %d: %w",
			session.ID, len(candidates), session.FanOutLimit, ErrFanOutLimit)
	}

	timeout := perCandidateTimeout
	if remaining := session.DeadlineAt.Sub(e.clock.Now()); remaining < timeout || timeout <= 0 {
		timeout = remaining
	}

	req := Request{SessionID: session.ID, AgentType: session.AgentType, Criteria: session.RequestData}
	results := make([]result, len(candidates))

	if timeout > 0 && len(candidates) > 0 {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		g := new(errgroup.Group)
		g.SetLimit(max(session.FanOutLimit, 1))
		for i, c := range candidates {
			i, c := i, c
			g.Go(func() error {
				results[i] = e.query(runCtx, c, req, timeout)
				return nil
			})
		}
		g.Wait()
	}

	if err := ctx.Err(); err != nil {
		return nil, Report{}, fmt.Errorf("fanout: session %s: %w", session.ID, err)
	}

	var quotes []models.Quote
	var report Report
	for i, c := range candidates {
		r := results[i]
		switch r.outcome {
		case outcomeResponded:
			report.Responded = append(report.Responded, c.VendorID)
			quotes = append(quotes, models.Quote{
				SessionID:  session.ID,
				VendorID:   c.VendorID,
				VendorName: c.Name,
				OfferData:  r.payload,
				Status:     models.QuotePending,
			})
		case outcomeUnavailable:
			report.Unavailable = append(report.Unavailable, c.VendorID)
		case outcomeFailed:
			report.Failed = append(report.Failed, c.VendorID)
		default:
			report.TimedOut = append(report.TimedOut, c.VendorID)
		}
	}
	log.Printf("fanout: session %s: %d candidates, %d quotes, %d unavailable, %d failed, %d timed out",
		session.ID, len(candidates), len(quotes), len(report.Unavailable), len(report.Failed), len(report.TimedOut))
	return quotes, report, nil
}

// query runs one candidate under its own timeout. A Quoter that ignores its
// context is abandoned when the timeout fires and its late answer dropped.
func (e *Engine) query(ctx context.Context, c Candidate, req Request, timeout time.Duration) result {
	if c.Quoter == nil {
		log.Printf("fanout: vendor %s has no quoter", c.VendorID)
		return result{outcome: outcomeFailed}
	}

	qctx, cancel := context.WithCancel(ctx)
	defer cancel()
	timer := e.clock.AfterFunc(timeout, cancel)
	defer timer.Stop()

	type answer struct {
		payload offer.Payload
		err     error
	}
	ch := make(chan answer, 1)
	go func() {
		p, err := c.Quoter.Quote(qctx, req)
		ch <- answer{payload: p, err: err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			if qctx.Err() != nil {
				return result{outcome: outcomeTimedOut}
			}
			log.Printf("fanout: vendor %s failed: %v", c.VendorID, a.err)
			return result{outcome: outcomeFailed}
		}
		return settle(c, a.payload)
	case <-qctx.Done():
		return result{outcome: outcomeTimedOut}
	}
}

// settle fills the fields the engine knows better than the vendor and sorts
// the answer into responded, unavailable or failed.
func settle(c Candidate, p offer.Payload) result {
	if p.DistanceKM == 0 {
		p.DistanceKM = c.DistanceKM
	}
	if p.ETAMinutes == 0 {
		p.ETAMinutes = offer.ETAForDistance(p.DistanceKM)
	}
	if p.NegotiatedTotal == 0 {
		p.NegotiatedTotal = p.BaseTotal
	}
	if err := p.Validate(); err != nil {
		log.Printf("fanout: vendor %s sent an invalid offer: %v", c.VendorID, err)
		return result{outcome: outcomeFailed}
	}
	if !p.Available() {
		return result{outcome: outcomeUnavailable}
	}
	return result{outcome: outcomeResponded, payload: p}
}
