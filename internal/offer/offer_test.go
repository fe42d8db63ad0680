package offer

import (
	"errors"
	"strings"
	"testing"
)

func TestKindFor(t *testing.T) {
	tests := []struct {
		agent string
		want  Kind
		ok    bool
	}{
		{AgentHardware, KindItems, true},
		{AgentPharmacy, KindItems, true},
		{AgentShops, KindItems, true},
		{AgentRides, KindRide, true},
		{AgentInsurance, KindInsurance, true},
		{"property_rental", "", false},
	}
	for _, tt := range tests {
		got, ok := KindFor(tt.agent)
		if got != tt.want || ok != tt.ok {
			t.Errorf("KindFor(%q) = %q, %v; want %q, %v", tt.agent, got, ok, tt.want, tt.ok)
		}
	}
}

func TestInputs_Items(t *testing.T) {
	p := Payload{
		Kind:       KindItems,
		DistanceKM: 1.2,
		Items: &ItemsOffer{
			Requested: 4,
			Available: []ItemLine{
				{Name: "cement", UnitPrice: 12000, Quantity: 40},
				{Name: "nails", UnitPrice: 2000, Quantity: 200},
			},
			Unavailable: []string{"paint", "tiles"},
		},
	}
	in, err := p.Inputs()
	if err != nil {
		t.Fatalf("Inputs: %v", err)
	}
	if in.Availability != 0.5 {
		t.Errorf("Availability = %v, want 0.5", in.Availability)
	}
	if in.AvgUnitPrice != 7000 {
		t.Errorf("AvgUnitPrice = %v, want 7000", in.AvgUnitPrice)
	}
	if in.StockDepth != 120 {
		t.Errorf("StockDepth = %v, want 120", in.StockDepth)
	}
	if in.DistanceKM != 1.2 {
		t.Errorf("DistanceKM = %v", in.DistanceKM)
	}
}

func TestInputs_RideAndInsurance(t *testing.T) {
	ride := Payload{Kind: KindRide, DistanceKM: 3, Ride: &RideOffer{DriverName: "Eric", Seats: 2, Fare: 3500}}
	in, err := ride.Inputs()
	if err != nil {
		t.Fatalf("ride Inputs: %v", err)
	}
	if in.Availability != 1 || in.AvgUnitPrice != 3500 || in.StockCeiling != rideSeatCeiling {
		t.Errorf("ride inputs = %+v", in)
	}

	noSeats := Payload{Kind: KindRide, Ride: &RideOffer{DriverName: "Eric"}}
	if noSeats.Available() {
		t.Error("ride without seats should be unavailable")
	}

	ins := Payload{Kind: KindInsurance, Insurance: &InsuranceOffer{
		Product: "motor", Premium: 80000, CoveredRisks: []string{"theft"}, RequestedRisks: 2,
	}}
	in, err = ins.Inputs()
	if err != nil {
		t.Fatalf("insurance Inputs: %v", err)
	}
	if in.Availability != 0.5 || in.StockDepth != 1 || in.StockCeiling != 2 {
		t.Errorf("insurance inputs = %+v", in)
	}
}

func TestValidate(t *testing.T) {
	items := &ItemsOffer{Requested: 1, Available: []ItemLine{{Name: "x", UnitPrice: 1, Quantity: 1}}}
	tests := []struct {
		name    string
		p       Payload
		wantErr string
	}{
		{"ok", Payload{Kind: KindItems, BaseTotal: 10, NegotiatedTotal: 9, Items: items}, ""},
		{"no variant", Payload{Kind: KindItems}, "exactly one variant"},
		{"two variants", Payload{Kind: KindItems, Items: items, Ride: &RideOffer{}}, "exactly one variant"},
		{"kind mismatch", Payload{Kind: KindRide, Items: items}, "does not match"},
		{"negotiated above base", Payload{Kind: KindItems, BaseTotal: 10, NegotiatedTotal: 11, Items: items}, "exceeds base_total"},
		{"negative base", Payload{Kind: KindItems, BaseTotal: -1, NegotiatedTotal: -2, Items: items}, "base_total must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestETAForDistance(t *testing.T) {
	tests := []struct {
		km   float64
		want int
	}{
		{0, 10},
		{1.5, 15},
		{4, 22},
		{12.3, 47},
	}
	for _, tt := range tests {
		if got := ETAForDistance(tt.km); got != tt.want {
			t.Errorf("ETAForDistance(%v) = %d, want %d", tt.km, got, tt.want)
		}
	}
}

func TestValidateCriteria(t *testing.T) {
	kigali := &Location{Lat: -1.95, Lng: 30.06}
	tests := []struct {
		name    string
		agent   string
		c       Criteria
		wantErr string
	}{
		{"hardware ok", AgentHardware, Criteria{Items: []string{"cement"}, Location: kigali}, ""},
		{"hardware blank items", AgentHardware, Criteria{Items: []string{" ", ""}, Location: kigali}, "at least one item"},
		{"missing location", AgentPharmacy, Criteria{Items: []string{"paracetamol"}}, "location is required"},
		{"bad location", AgentShops, Criteria{Items: []string{"x"}, Location: &Location{Lat: 91}}, "out of range"},
		{"ride needs dropoff", AgentRides, Criteria{Location: kigali}, "dropoff is required"},
		{"ride ok", AgentRides, Criteria{Location: kigali, Dropoff: kigali}, ""},
		{"insurance value", AgentInsurance, Criteria{Location: kigali}, "insured_value must be positive"},
		{"unknown agent", "property_rental", Criteria{Location: kigali}, "unknown agent type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCriteria(tt.agent, tt.c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, ErrInvalidCriteria) {
				t.Errorf("error %v does not wrap ErrInvalidCriteria", err)
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
