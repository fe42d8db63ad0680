// Package ranking scores quotes on availability, distance, price and stock
// depth and orders them for presentation.
package ranking

import (
	"fmt"
	"math"
	"sort"

	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/offer"
)

// Sub-score weights. They sum to 100, the maximum score.
const (
	WeightAvailability = 40
	WeightDistance     = 30
	WeightPrice        = 20
	WeightStock        = 10
)

// Defaults used when Criteria leaves a field zero.
const (
	DefaultPriceScale   = 5000
	DefaultStockCeiling = 100
	DefaultTopN         = 3
)

// Criteria tunes the price and stock sub-scores.
type Criteria struct {
	// PriceScale is the unit price that costs one price point.
	PriceScale float64
	// StockCeiling is the stock depth past which no extra points are given.
	// An offer's own ceiling, when set, takes precedence.
	StockCeiling float64
}

func (c Criteria) withDefaults() Criteria {
	if c.PriceScale <= 0 {
		c.PriceScale = DefaultPriceScale
	}
	if c.StockCeiling <= 0 {
		c.StockCeiling = DefaultStockCeiling
	}
	return c
}

// Score combines the four sub-scores into a value in [0, 100].
func Score(in offer.Inputs, c Criteria) float64 {
	c = c.withDefaults()
	return AvailabilityScore(in.Availability) +
		DistanceScore(in.DistanceKM) +
		PriceScore(in.AvgUnitPrice, c.PriceScale) +
		StockScore(in.StockDepth, stockCeiling(in, c))
}

// AvailabilityScore weights the matched/requested ratio.
func AvailabilityScore(ratio float64) float64 {
	return WeightAvailability * clamp(ratio, 0, 1)
}

// DistanceScore is 30 under 2 km, 25 under 5 km, 15 under 10 km and 5
// beyond that.
func DistanceScore(km float64) float64 {
	switch {
	case km < 2:
		return WeightDistance
	case km < 5:
		return 25
	case km < 10:
		return 15
	default:
		return 5
	}
}

// PriceScore loses one point per scale units of average unit price.
func PriceScore(avgUnitPrice, scale float64) float64 {
	if scale <= 0 {
		scale = DefaultPriceScale
	}
	return clamp(WeightPrice-avgUnitPrice/scale, 0, WeightPrice)
}

// StockScore saturates at ceiling.
func StockScore(depth, ceiling float64) float64 {
	if ceiling <= 0 {
		ceiling = DefaultStockCeiling
	}
	return WeightStock * clamp(depth, 0, ceiling) / ceiling
}

func stockCeiling(in offer.Inputs, c Criteria) float64 {
	if in.StockCeiling > 0 {
		return in.StockCeiling
	}
	return c.StockCeiling
}

// ScoreQuote scores a quote's offer.
func ScoreQuote(q models.Quote, c Criteria) (float64, error) {
	in, err := q.OfferData.Inputs()
	if err != nil {
		return 0, fmt.Errorf("ranking: quote from %s: %w", q.VendorID, err)
	}
	return Score(in, c), nil
}

// Rank sets RankingScore on every quote and returns them ordered best first:
// higher score, then lower negotiated total, then shorter ETA, then vendor
// ID. The input slice is not modified. The returned slice holds every quote;
// use Top to cut it to the presented set.
func Rank(quotes []models.Quote, c Criteria) ([]models.Quote, error) {
	ranked := make([]models.Quote, len(quotes))
	copy(ranked, quotes)
	for i := range ranked {
		s, err := ScoreQuote(ranked[i], c)
		if err != nil {
			return nil, err
		}
		ranked[i].RankingScore = s
	}
	Sort(ranked)
	return ranked, nil
}

// Sort orders scored quotes best first in place without rescoring them:
// higher score, then lower negotiated total, then shorter ETA, then vendor ID.
func Sort(quotes []models.Quote) {
	sort.SliceStable(quotes, func(i, j int) bool {
		a, b := quotes[i], quotes[j]
		if a.RankingScore != b.RankingScore {
			return a.RankingScore > b.RankingScore
		}
		if a.OfferData.NegotiatedTotal != b.OfferData.NegotiatedTotal {
			return a.OfferData.NegotiatedTotal < b.OfferData.NegotiatedTotal
		}
		if a.OfferData.ETAMinutes != b.OfferData.ETAMinutes {
			return a.OfferData.ETAMinutes < b.OfferData.ETAMinutes
		}
		return a.VendorID < b.VendorID
	})
}

// Top returns the first n ranked quotes. n <= 0 means DefaultTopN.
func Top(ranked []models.Quote, n int) []models.Quote {
	if n <= 0 {
		n = DefaultTopN
	}
	if len(ranked) < n {
		n = len(ranked)
	}
	return ranked[:n]
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
