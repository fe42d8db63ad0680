package models

import (
	"time"

	"github.com/ikanisa/easymo/internal/offer"
)

// Quote statuses.
const (
	QuotePending     = "pending"
	QuoteNegotiating = "negotiating"
	QuoteAccepted    = "accepted"
	QuoteRejected    = "rejected"
	QuoteExpired     = "expired"
)

// Quote is one vendor's offer within a sourcing session.
type Quote struct {
	ID           uint          `gorm:"primaryKey;autoIncrement"`
	SessionID    string        `gorm:"size:36;not null;uniqueIndex:idx_quote_session_vendor"`
	VendorID     string        `gorm:"size:64;not null;uniqueIndex:idx_quote_session_vendor"`
	VendorName   string        `gorm:"size:128"`
	OfferData    offer.Payload `gorm:"serializer:json;type:json"`
	Status       string        `gorm:"size:16;not null;default:pending;index"`
	RankingScore float64       `gorm:"not null;default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
