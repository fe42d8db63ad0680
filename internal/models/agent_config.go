package models

import "time"

// AgentConfig holds the SLA policy for one agent type. Zero is a valid value
// for MaxExtensions and CounterOfferDeltaPct, so those columns carry no
// gorm default.
type AgentConfig struct {
	AgentType            string  `gorm:"primaryKey;size:32"`
	Enabled              bool    `gorm:"not null"`
	SLAMinutes           int     `gorm:"not null"`
	MaxExtensions        int     `gorm:"not null"`
	FanOutLimit          int     `gorm:"not null"`
	CounterOfferDeltaPct float64 `gorm:"not null"`
	AutoNegotiation      bool    `gorm:"not null"`
	FeatureFlagScope     string  `gorm:"size:16;not null;default:disabled"`
	UpdatedAt            time.Time
}
