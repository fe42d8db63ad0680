package offer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidCriteria is returned when a request cannot be sourced as given.
var ErrInvalidCriteria = errors.New("invalid criteria")

// Location is a WGS84 point.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Criteria is the requestData of a sourcing session. Which fields are
// required depends on the agent type.
type Criteria struct {
	Items       []string  `json:"items,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    *Location `json:"location,omitempty"`
	RadiusKM    float64   `json:"radius_km,omitempty"`

	Dropoff *Location `json:"dropoff,omitempty"`
	Seats   int       `json:"seats,omitempty"`

	InsuredValue float64  `json:"insured_value,omitempty"`
	Risks        []string `json:"risks,omitempty"`
}

// ValidateCriteria checks c against the requirements of agentType. The
// returned error wraps ErrInvalidCriteria.
func ValidateCriteria(agentType string, c Criteria) error {
	kind, ok := KindFor(agentType)
	if !ok {
		return fmt.Errorf("%w: unknown agent type %q", ErrInvalidCriteria, agentType)
	}
	var errs []string
	if c.Location == nil {
		errs = append(errs, "location is required")
	} else if c.Location.Lat < -90 || c.Location.Lat > 90 || c.Location.Lng < -180 || c.Location.Lng > 180 {
		errs = append(errs, "location is out of range")
	}
	if c.RadiusKM < 0 {
		errs = append(errs, "radius_km must not be negative")
	}
	switch kind {
	case KindItems:
		if len(nonEmpty(c.Items)) == 0 {
			errs = append(errs, "at least one item is required")
		}
	case KindRide:
		if c.Dropoff == nil {
			errs = append(errs, "dropoff is required")
		}
		if c.Seats < 0 {
			errs = append(errs, "seats must not be negative")
		}
	case KindInsurance:
		if c.InsuredValue <= 0 {
			errs = append(errs, "insured_value must be positive")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidCriteria, strings.Join(errs, "; "))
	}
	return nil
}

// RequestedSeats returns the seat count a ride request needs, at least one.
func (c Criteria) RequestedSeats() int {
	if c.Seats < 1 {
		return 1
	}
	return c.Seats
}

// NormalizedItems returns the trimmed, non-empty item names.
func (c Criteria) NormalizedItems() []string {
	return nonEmpty(c.Items)
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
