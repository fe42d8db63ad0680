package telegraph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ikanisa/easymo/internal/sourcing"
)

// DailyReport holds sourcing activity for a 24-hour period.
type DailyReport struct {
	PeriodStart time.Time
	PeriodEnd   time.Time
	sourcing.Summary
}

// CompletionRate is the share of settled sessions that completed, in percent.
func (r DailyReport) CompletionRate() float64 {
	settled := r.Completed + r.Expired + r.Cancelled
	if settled == 0 {
		return 0
	}
	return float64(r.Completed) / float64(settled) * 100
}

// BuildDailyDigest summarizes the 24 hours before now. It returns nil when
// there was no activity.
func BuildDailyDigest(ctx context.Context, sessions SessionReader, now time.Time) (*Card, error) {
	since := now.Add(-24 * time.Hour)
	sum, err := sessions.Summarize(ctx, since, now)
	if err != nil {
		return nil, fmt.Errorf("telegraph: daily digest: %w", err)
	}

	// Suppress when no activity.
	if sum.Created == 0 {
		return nil, nil
	}

	formatted := FormatDaily(DailyReport{PeriodStart: since, PeriodEnd: now, Summary: sum})
	return &formatted, nil
}

// FormatDaily renders a daily digest report as a card. The card is flagged
// when more sessions expired than completed.
func FormatDaily(report DailyReport) Card {
	var bodyLines []string
	bodyLines = append(bodyLines, fmt.Sprintf("**Period**: %s to %s",
		report.PeriodStart.UTC().Format("Jan 2 15:04"),
		report.PeriodEnd.UTC().Format("Jan 2 15:04")))
	bodyLines = append(bodyLines, fmt.Sprintf("**Sessions**: %d created, %d completed, %d expired, %d cancelled",
		report.Created, report.Completed, report.Expired, report.Cancelled))
	if report.Open > 0 {
		bodyLines = append(bodyLines, fmt.Sprintf("**Still open**: %d", report.Open))
	}
	bodyLines = append(bodyLines, fmt.Sprintf("**Quotes**: %d", report.Quotes))

	fields := []Field{
		{Name: "Created", Value: fmt.Sprintf("%d", report.Created), Short: true},
		{Name: "Completed", Value: fmt.Sprintf("%d", report.Completed), Short: true},
		{Name: "Quotes", Value: fmt.Sprintf("%d", report.Quotes), Short: true},
	}
	if settled := report.Completed + report.Expired + report.Cancelled; settled > 0 {
		fields = append(fields, Field{Name: "Completion", Value: fmt.Sprintf("%.0f%%", report.CompletionRate()), Short: true})
	}

	color := ColorDigest
	if report.Expired > report.Completed {
		color = ColorDigestAlert
	}
	return Card{
		Title:  "Daily Digest",
		Body:   strings.Join(bodyLines, "\n"),
		Color:  color,
		Fields: fields,
	}
}
