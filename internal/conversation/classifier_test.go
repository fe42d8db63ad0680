package conversation

import (
	"context"
	"reflect"
	"testing"

	"github.com/ikanisa/easymo/internal/offer"
)

func TestKeywordClassifier(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantOK    bool
		agentType string
		check     func(t *testing.T, c offer.Criteria)
	}{
		{
			name:      "hardware items with location and radius",
			text:      "hardware: cement, nails , paint @-1.95, 30.06 within 5 km",
			wantOK:    true,
			agentType: offer.AgentHardware,
			check: func(t *testing.T, c offer.Criteria) {
				if !reflect.DeepEqual(c.Items, []string{"cement", "nails", "paint"}) {
					t.Errorf("Items = %q", c.Items)
				}
				if c.Location == nil || c.Location.Lat != -1.95 || c.Location.Lng != 30.06 {
					t.Errorf("Location = %+v", c.Location)
				}
				if c.RadiusKM != 5 {
					t.Errorf("RadiusKM = %v", c.RadiusKM)
				}
			},
		},
		{
			name:      "pharmacy wins on more hits",
			text:      "pharmacy medicine: paracetamol, shop brand @0,0",
			wantOK:    true,
			agentType: offer.AgentPharmacy,
			check: func(t *testing.T, c offer.Criteria) {
				if len(c.Items) != 2 {
					t.Errorf("Items = %q", c.Items)
				}
			},
		},
		{
			name:      "ride with seats and dropoff",
			text:      "moto ride for 2 seats @-1.95,30.06 @-1.97,30.10",
			wantOK:    true,
			agentType: offer.AgentRides,
			check: func(t *testing.T, c offer.Criteria) {
				if c.Seats != 2 {
					t.Errorf("Seats = %d", c.Seats)
				}
				if c.Dropoff == nil || c.Dropoff.Lat != -1.97 {
					t.Errorf("Dropoff = %+v", c.Dropoff)
				}
			},
		},
		{
			name:      "insurance value and risks",
			text:      "insurance value 2000000 theft fire @-1.95,30.06",
			wantOK:    true,
			agentType: offer.AgentInsurance,
			check: func(t *testing.T, c offer.Criteria) {
				if c.InsuredValue != 2000000 {
					t.Errorf("InsuredValue = %v", c.InsuredValue)
				}
				if !reflect.DeepEqual(c.Risks, []string{"theft", "fire"}) {
					t.Errorf("Risks = %q", c.Risks)
				}
			},
		},
		{name: "unrecognised", text: "good morning", wantOK: false},
		{name: "empty", text: "", wantOK: false},
	}
	k := NewKeywordClassifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, ok, err := k.Classify(context.Background(), tt.text)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if intent.AgentType != tt.agentType {
				t.Errorf("AgentType = %s, want %s", intent.AgentType, tt.agentType)
			}
			if tt.check != nil {
				tt.check(t, intent.Criteria)
			}
		})
	}
}

func TestKeywordClassifier_CriteriaValidate(t *testing.T) {
	k := NewKeywordClassifier()
	intent, ok, err := k.Classify(context.Background(), hardwareRequest)
	if err != nil || !ok {
		t.Fatalf("Classify = %v, %v", ok, err)
	}
	if err := offer.ValidateCriteria(intent.AgentType, intent.Criteria); err != nil {
		t.Errorf("ValidateCriteria: %v", err)
	}
}

func TestKeywordClassifier_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := NewKeywordClassifier().Classify(ctx, hardwareRequest); err == nil {
		t.Fatal("expected context error")
	}
}
