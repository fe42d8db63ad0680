// Package offer defines the per-agent-type request criteria and offer
// payloads exchanged with vendors, and adapts each variant to the common
// inputs the ranking engine scores.
package offer

import (
	"fmt"
	"strings"
)

// Agent types known to the broker.
const (
	AgentHardware  = "hardware"
	AgentPharmacy  = "pharmacy"
	AgentShops     = "shops"
	AgentRides     = "rides"
	AgentInsurance = "insurance"
)

// Kind identifies which payload variant an offer carries.
type Kind string

const (
	KindItems     Kind = "items"
	KindRide      Kind = "ride"
	KindInsurance Kind = "insurance"
)

// AgentTypes lists every supported agent type in display order.
func AgentTypes() []string {
	return []string{AgentHardware, AgentPharmacy, AgentShops, AgentRides, AgentInsurance}
}

// KindFor maps an agent type to its offer variant.
func KindFor(agentType string) (Kind, bool) {
	switch agentType {
	case AgentHardware, AgentPharmacy, AgentShops:
		return KindItems, true
	case AgentRides:
		return KindRide, true
	case AgentInsurance:
		return KindInsurance, true
	}
	return "", false
}

// Payload is the offerData of a quote: a tagged union over the variants
// plus the totals common to all of them. Exactly one variant pointer is set
// and it matches Kind.
type Payload struct {
	Kind            Kind    `json:"kind"`
	BaseTotal       float64 `json:"base_total"`
	NegotiatedTotal float64 `json:"negotiated_total"`
	DiscountPct     float64 `json:"discount_pct"`
	DistanceKM      float64 `json:"distance_km"`
	ETAMinutes      int     `json:"eta_minutes"`

	Items     *ItemsOffer     `json:"items,omitempty"`
	Ride      *RideOffer      `json:"ride,omitempty"`
	Insurance *InsuranceOffer `json:"insurance,omitempty"`
}

// ItemLine is one stocked item in an items offer.
type ItemLine struct {
	Name      string  `json:"name"`
	UnitPrice float64 `json:"unit_price"`
	Quantity  int     `json:"quantity"`
}

// ItemsOffer answers a hardware, pharmacy or shops request.
type ItemsOffer struct {
	Requested   int        `json:"requested"`
	Available   []ItemLine `json:"available"`
	Unavailable []string   `json:"unavailable,omitempty"`
}

// RideOffer answers a rides request.
type RideOffer struct {
	DriverName  string  `json:"driver_name"`
	VehicleType string  `json:"vehicle_type,omitempty"`
	Seats       int     `json:"seats"`
	TripKM      float64 `json:"trip_km"`
	Fare        float64 `json:"fare"`
}

// InsuranceOffer answers an insurance request.
type InsuranceOffer struct {
	Product        string   `json:"product"`
	InsuredValue   float64  `json:"insured_value"`
	Premium        float64  `json:"premium"`
	CoveredRisks   []string `json:"covered_risks"`
	RequestedRisks int      `json:"requested_risks"`
}

// Inputs are the variant-independent values the ranking engine scores.
// StockCeiling, when positive, overrides the engine's default ceiling.
type Inputs struct {
	Availability float64
	DistanceKM   float64
	AvgUnitPrice float64
	StockDepth   float64
	StockCeiling float64
}

// rideSeatCeiling is the seat count at which a ride scores full stock depth.
const rideSeatCeiling = 4

// Inputs extracts the scoring inputs for the payload's variant.
func (p Payload) Inputs() (Inputs, error) {
	if err := p.checkVariant(); err != nil {
		return Inputs{}, err
	}
	switch p.Kind {
	case KindItems:
		it := p.Items
		in := Inputs{DistanceKM: p.DistanceKM}
		if it.Requested > 0 {
			in.Availability = float64(len(it.Available)) / float64(it.Requested)
		}
		if n := len(it.Available); n > 0 {
			var price, qty float64
			for _, l := range it.Available {
				price += l.UnitPrice
				qty += float64(l.Quantity)
			}
			in.AvgUnitPrice = price / float64(n)
			in.StockDepth = qty / float64(n)
		}
		return in, nil
	case KindRide:
		r := p.Ride
		in := Inputs{
			DistanceKM:   p.DistanceKM,
			AvgUnitPrice: r.Fare,
			StockDepth:   float64(r.Seats),
			StockCeiling: rideSeatCeiling,
		}
		if r.Seats > 0 {
			in.Availability = 1
		}
		return in, nil
	default:
		ins := p.Insurance
		in := Inputs{
			DistanceKM:   p.DistanceKM,
			AvgUnitPrice: ins.Premium,
			StockDepth:   float64(len(ins.CoveredRisks)),
			StockCeiling: float64(ins.RequestedRisks),
		}
		switch {
		case ins.RequestedRisks > 0:
			in.Availability = float64(len(ins.CoveredRisks)) / float64(ins.RequestedRisks)
		case len(ins.CoveredRisks) > 0:
			in.Availability = 1
		}
		return in, nil
	}
}

// Available reports whether the offer covers any part of the request.
// Offers that are not available never become quotes.
func (p Payload) Available() bool {
	in, err := p.Inputs()
	return err == nil && in.Availability > 0
}

// Validate checks the union tag and the totals invariant.
func (p Payload) Validate() error {
	if err := p.checkVariant(); err != nil {
		return err
	}
	var errs []string
	if p.BaseTotal < 0 {
		errs = append(errs, "base_total must not be negative")
	}
	if p.NegotiatedTotal < 0 {
		errs = append(errs, "negotiated_total must not be negative")
	}
	if p.NegotiatedTotal > p.BaseTotal {
		errs = append(errs, "negotiated_total exceeds base_total")
	}
	if p.DistanceKM < 0 {
		errs = append(errs, "distance_km must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("offer: invalid payload: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (p Payload) checkVariant() error {
	set := 0
	if p.Items != nil {
		set++
	}
	if p.Ride != nil {
		set++
	}
	if p.Insurance != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("offer: payload must carry exactly one variant, has %d", set)
	}
	ok := (p.Kind == KindItems && p.Items != nil) ||
		(p.Kind == KindRide && p.Ride != nil) ||
		(p.Kind == KindInsurance && p.Insurance != nil)
	if !ok {
		return fmt.Errorf("offer: kind %q does not match payload variant", p.Kind)
	}
	return nil
}

// ETAForDistance estimates minutes to fulfil at distanceKM: three minutes
// per kilometre plus ten minutes of handling.
func ETAForDistance(distanceKM float64) int {
	return int(distanceKM*3 + 10 + 0.5)
}
