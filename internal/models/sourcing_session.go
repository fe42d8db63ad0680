package models

import (
	"time"

	"github.com/ikanisa/easymo/internal/offer"
)

// Sourcing session statuses.
const (
	SessionSearching   = "searching"
	SessionNegotiating = "negotiating"
	SessionCompleted   = "completed"
	SessionExpired     = "expired"
	SessionCancelled   = "cancelled"
)

// SourcingSession is one request being fanned out to vendors under an SLA
// deadline. The AgentConfig values in effect at creation are copied onto the
// row so later config edits never affect a running session.
type SourcingSession struct {
	ID             string         `gorm:"primaryKey;size:36"`
	AgentType      string         `gorm:"size:32;not null;index"`
	FlowType       string         `gorm:"size:32"`
	UserID         string         `gorm:"size:128;index"`
	Status         string         `gorm:"size:16;not null;default:searching;index"`
	RequestData    offer.Criteria `gorm:"serializer:json;type:json"`
	DeadlineAt     time.Time      `gorm:"not null;index"`
	ExtensionsUsed int            `gorm:"not null;default:0"`

	SLAMinutes           int     `gorm:"not null"`
	MaxExtensions        int     `gorm:"not null"`
	FanOutLimit          int     `gorm:"not null"`
	CounterOfferDeltaPct float64 `gorm:"not null"`
	AutoNegotiation      bool    `gorm:"not null;default:false"`

	SelectedQuoteID *uint
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time

	Quotes []Quote `gorm:"foreignKey:SessionID"`
}

// Terminal reports whether the session has reached a final status.
func (s *SourcingSession) Terminal() bool {
	return IsTerminalSessionStatus(s.Status)
}

// SLA returns the configured deadline length.
func (s *SourcingSession) SLA() time.Duration {
	return time.Duration(s.SLAMinutes) * time.Minute
}

// IsTerminalSessionStatus reports whether status is completed, expired or cancelled.
func IsTerminalSessionStatus(status string) bool {
	switch status {
	case SessionCompleted, SessionExpired, SessionCancelled:
		return true
	}
	return false
}
