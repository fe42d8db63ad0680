package conversation

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/ikanisa/easymo/internal/offer"
)

// Intent is a message recognised as a sourcing request.
type Intent struct {
	AgentType string
	FlowType  string
	Criteria  offer.Criteria
}

// Classifier maps message text to a sourcing intent. ok is false when the
// text is not something the broker can source.
type Classifier interface {
	Classify(ctx context.Context, text string) (intent Intent, ok bool, err error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, text string) (Intent, bool, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, text string) (Intent, bool, error) {
	return f(ctx, text)
}

var (
	locationRe = regexp.MustCompile(`@\s*(-?\d+(?:\.\d+)?)\s*,\s*(-?\d+(?:\.\d+)?)`)
	radiusRe   = regexp.MustCompile(`(?i)within\s+(\d+(?:\.\d+)?)\s*km`)
	seatsRe    = regexp.MustCompile(`(?i)(\d+)\s*seats?\b`)
	valueRe    = regexp.MustCompile(`(?i)value\s+(\d+(?:\.\d+)?)`)
)

// DefaultKeywords maps each agent type to the words that select it.
var DefaultKeywords = map[string][]string{
	offer.AgentHardware:  {"hardware", "quincaillerie", "cement", "nails", "paint", "timber"},
	offer.AgentPharmacy:  {"pharmacy", "medicine", "medication", "prescription", "paracetamol"},
	offer.AgentShops:     {"shop", "shops", "groceries", "rice", "sugar", "milk"},
	offer.AgentRides:     {"ride", "moto", "taxi", "lift"},
	offer.AgentInsurance: {"insurance", "insure", "policy"},
}

// DefaultRisks are the insurance risks recognised in message text.
var DefaultRisks = []string{"theft", "fire", "collision", "flood", "liability"}

// KeywordClassifier recognises requests by keyword and reads structured
// hints from the text:
//
//	hardware: cement, nails @-1.95,30.06 within 5 km
//	ride for 2 seats @-1.95,30.06 @-1.97,30.10
//	insurance value 2000000 theft fire @-1.95,30.06
//
// The first "@lat,lng" is the search location and a second one is the ride
// dropoff. Items are the comma-separated list after the first colon.
type KeywordClassifier struct {
	Keywords map[string][]string
	Risks    []string
}

// NewKeywordClassifier returns a classifier with the default vocabulary.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{Keywords: DefaultKeywords, Risks: DefaultRisks}
}

// Classify implements Classifier.
func (k *KeywordClassifier) Classify(ctx context.Context, text string) (Intent, bool, error) {
	if err := ctx.Err(); err != nil {
		return Intent{}, false, err
	}
	words := tokenize(text)

	best, bestHits := "", 0
	for _, agentType := range offer.AgentTypes() {
		hits := 0
		for _, kw := range k.Keywords[agentType] {
			if words[kw] {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = agentType, hits
		}
	}
	if best == "" {
		return Intent{}, false, nil
	}

	c := offer.Criteria{Description: strings.TrimSpace(text)}
	locs := locationRe.FindAllStringSubmatch(text, 2)
	if len(locs) > 0 {
		c.Location = parseLocation(locs[0])
	}
	if len(locs) > 1 {
		c.Dropoff = parseLocation(locs[1])
	}
	if m := radiusRe.FindStringSubmatch(text); m != nil {
		c.RadiusKM, _ = strconv.ParseFloat(m[1], 64)
	}

	rest := radiusRe.ReplaceAllString(locationRe.ReplaceAllString(text, ""), "")
	kind, _ := offer.KindFor(best)
	switch kind {
	case offer.KindItems:
		if _, list, found := strings.Cut(rest, ":"); found {
			c.Items = strings.Split(list, ",")
			c.Items = c.NormalizedItems()
		}
	case offer.KindRide:
		if m := seatsRe.FindStringSubmatch(rest); m != nil {
			c.Seats, _ = strconv.Atoi(m[1])
		}
	case offer.KindInsurance:
		if m := valueRe.FindStringSubmatch(rest); m != nil {
			c.InsuredValue, _ = strconv.ParseFloat(m[1], 64)
		}
		for _, r := range k.Risks {
			if words[r] {
				c.Risks = append(c.Risks, r)
			}
		}
	}
	return Intent{AgentType: best, Criteria: c}, true, nil
}

func tokenize(text string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r == '-')
	}) {
		words[w] = true
	}
	return words
}

func parseLocation(m []string) *offer.Location {
	lat, err1 := strconv.ParseFloat(m[1], 64)
	lng, err2 := strconv.ParseFloat(m[2], 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	return &offer.Location{Lat: lat, Lng: lng}
}
