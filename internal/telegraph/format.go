package telegraph

import (
	"fmt"
	"strings"
	"time"

	"github.com/ikanisa/easymo/internal/conversation"
	"github.com/ikanisa/easymo/internal/models"
)

// Card colors.
const (
	ColorBestOffer   = "#36a64f"
	ColorOffer       = "#2196f3"
	ColorDigest      = "#2196f3"
	ColorDigestAlert = "#ff9800"
)

// FormatOption renders one presented offer as a card. The best option gets
// its own color.
func FormatOption(o conversation.Option) Card {
	color := ColorOffer
	if o.Number == 1 {
		color = ColorBestOffer
	}
	body := append([]string{o.Summary()}, o.Details...)

	fields := []Field{
		{Name: "Total", Value: conversation.FormatAmount(o.Total), Short: true},
		{Name: "Distance", Value: fmt.Sprintf("%.1f km", o.DistanceKM), Short: true},
		{Name: "ETA", Value: fmt.Sprintf("%d min", o.ETAMinutes), Short: true},
	}
	if o.DiscountPct > 0 && o.Total < o.BaseTotal {
		fields = append(fields, Field{Name: "Discount", Value: fmt.Sprintf("%.0f%%", o.DiscountPct), Short: true})
	}

	return Card{
		Title:  o.Title(),
		Body:   strings.Join(body, "\n"),
		Color:  color,
		Fields: fields,
		Footer: fmt.Sprintf("Reply %d to choose this offer", o.Number),
	}
}

// FormatSession renders a session for the "!emo session" command.
func FormatSession(s *models.SourcingSession, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** (%s)\n", s.ID, s.AgentType)
	fmt.Fprintf(&b, "Status: %s | Extensions: %d/%d\n", s.Status, s.ExtensionsUsed, s.MaxExtensions)
	if s.Terminal() {
		if s.CompletedAt != nil {
			fmt.Fprintf(&b, "Settled: %s\n", s.CompletedAt.UTC().Format(time.RFC3339))
		}
	} else {
		fmt.Fprintf(&b, "Deadline: %s (%s left)\n", s.DeadlineAt.UTC().Format(time.RFC3339), formatDuration(s.DeadlineAt.Sub(now)))
	}
	if len(s.Quotes) == 0 {
		b.WriteString("No quotes.\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%-4s %-20s %-12s %-14s %s\n", "#", "VENDOR", "STATUS", "TOTAL", "SCORE")
	for i, q := range s.Quotes {
		marker := ""
		if s.SelectedQuoteID != nil && *s.SelectedQuoteID == q.ID {
			marker = " (selected)"
		}
		fmt.Fprintf(&b, "%-4d %-20s %-12s %-14s %.1f%s\n",
			i+1, truncate(q.VendorName, 20), q.Status, conversation.FormatAmount(q.OfferData.NegotiatedTotal), q.RankingScore, marker)
	}
	return b.String()
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h >= 24 {
		days := h / 24
		h = h % 24
		return fmt.Sprintf("%dd %dh", days, h)
	}
	return fmt.Sprintf("%dh %dm", h, m)
}

// truncate returns s truncated to maxLen with "..." appended if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
