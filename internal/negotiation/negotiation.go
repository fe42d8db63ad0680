// Package negotiation runs one automated counter-offer round over ranked
// quotes.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"

	"github.com/ikanisa/easymo/internal/models"
)

// ErrSessionClosed is returned when negotiation is attempted on a terminal
// session.
var ErrSessionClosed = errors.New("session closed")

// Strategy picks the discount, in percent, to ask of a vendor given the
// session's counter-offer delta. The engine clamps whatever it returns.
type Strategy interface {
	Discount(q models.Quote, deltaPct float64) float64
}

// HalfDelta asks for exactly half the delta. It is the deterministic
// reference strategy.
type HalfDelta struct{}

// Discount returns deltaPct / 2.
func (HalfDelta) Discount(_ models.Quote, deltaPct float64) float64 {
	return deltaPct / 2
}

// BoundedRandom draws a discount uniformly from [MinPct, deltaPct].
type BoundedRandom struct {
	minPct float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewBoundedRandom creates a BoundedRandom strategy with a fixed seed.
func NewBoundedRandom(seed int64, minPct float64) *BoundedRandom {
	return &BoundedRandom{minPct: minPct, rng: rand.New(rand.NewSource(seed))}
}

// Discount draws from [minPct, deltaPct].
func (b *BoundedRandom) Discount(_ models.Quote, deltaPct float64) float64 {
	lo := math.Min(b.minPct, deltaPct)
	b.mu.Lock()
	f := b.rng.Float64()
	b.mu.Unlock()
	return lo + f*(deltaPct-lo)
}

// StrategyByName resolves a configured strategy name.
func StrategyByName(name string, seed int64, minPct float64) (Strategy, error) {
	switch name {
	case "", "half-delta":
		return HalfDelta{}, nil
	case "bounded-random":
		return NewBoundedRandom(seed, minPct), nil
	default:
		return nil, fmt.Errorf("negotiation: unknown strategy %q", name)
	}
}

// CounterOfferResponder is implemented by vendors that can answer a counter
// offer. A vendor without one is taken to accept.
type CounterOfferResponder interface {
	RespondToCounter(ctx context.Context, q models.Quote, discountPct float64) (bool, error)
}

// Engine applies a Strategy under the min/max discount bounds.
type Engine struct {
	strategy       Strategy
	minDiscountPct float64
}

// New creates an Engine. A nil strategy means HalfDelta.
func New(strategy Strategy, minDiscountPct float64) *Engine {
	if strategy == nil {
		strategy = HalfDelta{}
	}
	return &Engine{strategy: strategy, minDiscountPct: math.Max(minDiscountPct, 0)}
}

// AppliedDiscount returns the discount the engine would ask for, clamped to
// [min(minDiscount, delta), delta].
func (e *Engine) AppliedDiscount(q models.Quote, deltaPct float64) float64 {
	if deltaPct <= 0 {
		return 0
	}
	lo := math.Min(e.minDiscountPct, deltaPct)
	d := e.strategy.Discount(q, deltaPct)
	if math.IsNaN(d) {
		d = lo
	}
	return math.Max(lo, math.Min(deltaPct, d))
}

// Negotiate runs one counter-offer round on quotes for session. It returns
// the quotes unchanged when the session has auto negotiation off or a zero
// delta. Each quote passes through negotiating and ends accepted at the
// discounted total or rejected at its base total. A responder error leaves
// the quote pending at its base total.
func (e *Engine) Negotiate(ctx context.Context, session *models.SourcingSession, quotes []models.Quote, responders map[string]CounterOfferResponder) ([]models.Quote, error) {
	if session.Terminal() {
		return nil, fmt.Errorf("negotiation: session %s is %s: %w", session.ID, session.Status, ErrSessionClosed)
	}
	out := make([]models.Quote, len(quotes))
	copy(out, quotes)
	if !session.AutoNegotiation || session.CounterOfferDeltaPct <= 0 {
		return out, nil
	}

	for i := range out {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("negotiation: session %s: %w", session.ID, err)
		}
		q := &out[i]
		if q.Status != models.QuotePending {
			continue
		}
		base := q.OfferData.BaseTotal
		discount := e.AppliedDiscount(*q, session.CounterOfferDeltaPct)
		q.Status = models.QuoteNegotiating

		accepted := true
		if r, ok := responders[q.VendorID]; ok && r != nil {
			var err error
			accepted, err = r.RespondToCounter(ctx, *q, discount)
			if err != nil {
				log.Printf("negotiation: vendor %s: %v", q.VendorID, err)
				q.Status = models.QuotePending
				q.OfferData.NegotiatedTotal = base
				q.OfferData.DiscountPct = 0
				continue
			}
		}
		if accepted {
			q.Status = models.QuoteAccepted
			q.OfferData.NegotiatedTotal = math.Min(base, base*(1-discount/100))
			q.OfferData.DiscountPct = discount
		} else {
			q.Status = models.QuoteRejected
			q.OfferData.NegotiatedTotal = base
			q.OfferData.DiscountPct = 0
		}
	}
	return out, nil
}
