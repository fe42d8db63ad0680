package conversation

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/offer"
)

// Currency is appended to every amount shown to users.
const Currency = "RWF"

// Reply is one outbound message to a user.
type Reply struct {
	UserID    string
	ChannelID string
	ThreadID  string
	Text      string
	Options   []Option
}

// Notifier delivers replies to the user's chat channel.
type Notifier interface {
	Notify(ctx context.Context, r Reply) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, r Reply) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, r Reply) error { return f(ctx, r) }

// Option is one ranked quote presented for selection.
type Option struct {
	Number      int
	QuoteID     uint
	VendorName  string
	Total       float64
	BaseTotal   float64
	DiscountPct float64
	DistanceKM  float64
	ETAMinutes  int
	Details     []string
}

// OptionsFor numbers quotes from 1 in the given order.
func OptionsFor(quotes []models.Quote) []Option {
	out := make([]Option, 0, len(quotes))
	for i, q := range quotes {
		p := q.OfferData
		out = append(out, Option{
			Number:      i + 1,
			QuoteID:     q.ID,
			VendorName:  q.VendorName,
			Total:       p.NegotiatedTotal,
			BaseTotal:   p.BaseTotal,
			DiscountPct: p.DiscountPct,
			DistanceKM:  p.DistanceKM,
			ETAMinutes:  p.ETAMinutes,
			Details:     details(p),
		})
	}
	return out
}

func details(p offer.Payload) []string {
	var out []string
	switch {
	case p.Items != nil:
		names := make([]string, 0, len(p.Items.Available))
		for _, it := range p.Items.Available {
			names = append(names, it.Name)
		}
		if len(names) > 0 {
			out = append(out, fmt.Sprintf("In stock (%d/%d): %s", len(names), p.Items.Requested, strings.Join(names, ", ")))
		}
		if len(p.Items.Unavailable) > 0 {
			out = append(out, "Unavailable: "+strings.Join(p.Items.Unavailable, ", "))
		}
	case p.Ride != nil:
		r := p.Ride
		vehicle := r.VehicleType
		if vehicle == "" {
			vehicle = "vehicle"
		}
		out = append(out, fmt.Sprintf("%s, %s with %d seats, %.1f km trip", r.DriverName, vehicle, r.Seats, r.TripKM))
	case p.Insurance != nil:
		in := p.Insurance
		out = append(out, fmt.Sprintf("%s covering %s", in.Product, strings.Join(in.CoveredRisks, ", ")))
	}
	return out
}

// Title is the option headline, e.g. "1. Kigali Tools: 18,000 RWF".
func (o Option) Title() string {
	return fmt.Sprintf("%d. %s: %s", o.Number, o.VendorName, FormatAmount(o.Total))
}

// Summary is the one-line distance, ETA and discount note.
func (o Option) Summary() string {
	s := fmt.Sprintf("%.1f km away, about %d min", o.DistanceKM, o.ETAMinutes)
	if o.DiscountPct > 0 && o.Total < o.BaseTotal {
		s += fmt.Sprintf(", %s off %s", formatPct(o.DiscountPct), FormatAmount(o.BaseTotal))
	}
	return s
}

// Text renders the option as plain text for platforms without rich layout.
func (o Option) Text() string {
	lines := append([]string{o.Title(), "   " + o.Summary()}, indent(o.Details)...)
	return strings.Join(lines, "\n")
}

func indent(lines []string) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = "   " + l
	}
	return out
}

// FormatAmount renders v rounded to a whole unit with thousands separators.
func FormatAmount(v float64) string {
	n := int64(math.Round(v))
	neg := n < 0
	if neg {
		n = -n
	}
	digits := strconv.FormatInt(n, 10)
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	for i, d := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	return b.String() + " " + Currency
}

func formatPct(p float64) string {
	return strconv.FormatFloat(math.Round(p*10)/10, 'f', -1, 64) + "%"
}

// OptionsText renders a numbered option list with its call to action.
func OptionsText(opts []Option) string {
	var b strings.Builder
	if len(opts) == 1 {
		b.WriteString("Here is the best offer I found. Reply 1 to choose it.\n")
	} else {
		fmt.Fprintf(&b, "Here are the best %d offers. Reply with the option number to choose one.\n", len(opts))
	}
	for _, o := range opts {
		b.WriteString("\n")
		b.WriteString(o.Text())
	}
	return b.String()
}

const (
	msgPrompt         = "What do you need? For example: hardware: cement, nails @-1.95,30.06"
	msgReset          = "Starting over. " + msgPrompt
	msgFallback       = "Sorry, I didn't catch that. " + msgPrompt
	msgGiveUp         = "I couldn't work out your request. Send reset to start over."
	msgErrorReminder  = "This conversation hit a problem. Send reset to start over."
	msgCancelled      = "Cancelled. Send a new request whenever you are ready."
	msgNothingPending = "There is nothing to cancel."
	msgSearchStopped  = "This search was stopped. Send a new request whenever you are ready."
	msgNoMatches      = "No vendors nearby could fill this request. Try a broader search, for example add \"within 20 km\"."
	msgNoAnswer       = "No vendor answered in time. Send your request again to retry."
	msgSearchFailed   = "I couldn't start the search. Please try again in a moment."
)

func msgSearching(agentType string, minutes int) string {
	return fmt.Sprintf("Looking for %s offers near you. I'll reply within %d minutes. Send cancel to stop.", agentType, minutes)
}

func msgStillSearching(minutes int) string {
	if minutes < 1 {
		return "Still searching, almost done. Send cancel to stop."
	}
	return fmt.Sprintf("Still searching, about %d minutes left. Send cancel to stop.", minutes)
}

func msgPickOption(n int) string {
	if n == 1 {
		return "Reply 1 to choose the offer, or cancel."
	}
	return fmt.Sprintf("Reply with a number from 1 to %d, or cancel.", n)
}

func msgConfirmed(o Option) string {
	return fmt.Sprintf("Confirmed option %d: %s for %s. The vendor will contact you shortly.", o.Number, o.VendorName, FormatAmount(o.Total))
}

func msgUnavailable(agentType string) string {
	return fmt.Sprintf("Sorry, %s requests are not available right now.", agentType)
}

func msgNeedDetail(detail string) string {
	return "I need a bit more detail: " + detail + ". " + msgPrompt
}
