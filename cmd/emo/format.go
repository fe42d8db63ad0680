package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ikanisa/easymo/internal/conversation"
	"github.com/ikanisa/easymo/internal/models"
	"golang.org/x/term"
)

const (
	ansiReset  = "\033[0m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiGray   = "\033[90m"
)

// colorEnabled reports whether w is a terminal that should get ANSI colour.
func colorEnabled(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// colorStatus wraps a session or quote status in its colour when w is a
// terminal.
func colorStatus(w io.Writer, status string) string {
	if !colorEnabled(w) {
		return status
	}
	return statusColor(status) + status + ansiReset
}

// statusColor maps a status to its colour. Sessions and quotes share the
// "negotiating" value, so one case covers both.
func statusColor(status string) string {
	switch status {
	case models.SessionCompleted, models.QuoteAccepted:
		return ansiGreen
	case models.SessionSearching, models.SessionNegotiating, models.QuotePending:
		return ansiYellow
	case models.SessionExpired, models.QuoteRejected:
		return ansiRed
	default:
		return ansiGray
	}
}

// yesNo renders a boolean for tables.
func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func printAgentConfigs(out io.Writer, rows []models.AgentConfig) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No agent configs. Run `emo db init` to seed them.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AGENT\tENABLED\tSCOPE\tSLA\tEXTENSIONS\tFAN-OUT\tDELTA\tAUTO-NEG")
	for _, c := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dm\t%d\t%d\t%.0f%%\t%s\n",
			c.AgentType, yesNo(c.Enabled), c.FeatureFlagScope, c.SLAMinutes,
			c.MaxExtensions, c.FanOutLimit, c.CounterOfferDeltaPct, yesNo(c.AutoNegotiation))
	}
	tw.Flush()
}

func printSession(out io.Writer, s *models.SourcingSession, now time.Time) {
	fmt.Fprintf(out, "Session:    %s\n", s.ID)
	fmt.Fprintf(out, "Agent:      %s\n", s.AgentType)
	if s.UserID != "" {
		fmt.Fprintf(out, "User:       %s\n", s.UserID)
	}
	fmt.Fprintf(out, "Status:     %s\n", colorStatus(out, s.Status))
	deadline := s.DeadlineAt.UTC().Format(time.RFC3339)
	if !s.Terminal() {
		if left := s.DeadlineAt.Sub(now); left > 0 {
			deadline += fmt.Sprintf(" (%s left)", left.Round(time.Second))
		}
	}
	fmt.Fprintf(out, "Deadline:   %s\n", deadline)
	fmt.Fprintf(out, "Extensions: %d/%d\n", s.ExtensionsUsed, s.MaxExtensions)
	if s.CompletedAt != nil {
		fmt.Fprintf(out, "Settled:    %s\n", s.CompletedAt.UTC().Format(time.RFC3339))
	}

	if len(s.Quotes) == 0 {
		fmt.Fprintln(out, "\nNo quotes.")
		return
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUOTE\tVENDOR\tSTATUS\tSCORE\tTOTAL\tDISTANCE")
	for _, q := range s.Quotes {
		marker := ""
		if s.SelectedQuoteID != nil && *s.SelectedQuoteID == q.ID {
			marker = " *"
		}
		fmt.Fprintf(tw, "%d%s\t%s\t%s\t%.1f\t%s RWF\t%.1f km\n",
			q.ID, marker, q.VendorName, colorStatus(out, q.Status), q.RankingScore,
			conversation.FormatAmount(q.OfferData.NegotiatedTotal), q.OfferData.DistanceKM)
	}
	tw.Flush()
}

func printVendors(out io.Writer, rows []models.Vendor) {
	if len(rows) == 0 {
		fmt.Fprintln(out, "No vendors found.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tAGENT\tACTIVE\tLOCATION\tMAX-DISCOUNT\tSTOCK")
	for _, v := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.4f,%.4f\t%.0f%%\t%s\n",
			v.ID, v.Name, v.AgentType, yesNo(v.Active), v.Lat, v.Lng, v.MaxDiscountPct, stockSummary(v))
	}
	tw.Flush()
}

// stockSummary describes what a vendor can offer in one short cell.
func stockSummary(v models.Vendor) string {
	switch {
	case len(v.Inventory) > 0:
		names := make([]string, 0, len(v.Inventory))
		for _, it := range v.Inventory {
			names = append(names, it.Name)
		}
		s := strings.Join(names, ", ")
		if len(s) > 40 {
			s = s[:37] + "..."
		}
		return s
	case v.Seats > 0:
		return fmt.Sprintf("%d seats", v.Seats)
	case len(v.CoveredRisks) > 0:
		return strings.Join(v.CoveredRisks, ", ")
	}
	return "-"
}
