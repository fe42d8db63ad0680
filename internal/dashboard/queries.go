package dashboard

import (
	"time"

	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/offer"
	"gorm.io/gorm"
)

// quoteView is the API rendering of a quote.
type quoteView struct {
	ID           uint          `json:"id"`
	VendorID     string        `json:"vendorId"`
	VendorName   string        `json:"vendorName"`
	Status       string        `json:"status"`
	RankingScore float64       `json:"rankingScore"`
	Offer        offer.Payload `json:"offer"`
}

// sessionView is the API rendering of a sourcing session.
type sessionView struct {
	ID              string      `json:"sessionId"`
	AgentType       string      `json:"agentType"`
	FlowType        string      `json:"flowType"`
	Status          string      `json:"status"`
	DeadlineAt      time.Time   `json:"deadlineAt"`
	ExtensionsUsed  int         `json:"extensionsUsed"`
	MaxExtensions   int         `json:"maxExtensions"`
	SelectedQuoteID *uint       `json:"selectedQuoteId,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
	Quotes          []quoteView `json:"quotes"`
}

func newSessionView(s *models.SourcingSession) sessionView {
	v := sessionView{
		ID:              s.ID,
		AgentType:       s.AgentType,
		FlowType:        s.FlowType,
		Status:          s.Status,
		DeadlineAt:      s.DeadlineAt,
		ExtensionsUsed:  s.ExtensionsUsed,
		MaxExtensions:   s.MaxExtensions,
		SelectedQuoteID: s.SelectedQuoteID,
		CreatedAt:       s.CreatedAt,
		CompletedAt:     s.CompletedAt,
		Quotes:          make([]quoteView, 0, len(s.Quotes)),
	}
	for _, q := range s.Quotes {
		v.Quotes = append(v.Quotes, quoteView{
			ID:           q.ID,
			VendorID:     q.VendorID,
			VendorName:   q.VendorName,
			Status:       q.Status,
			RankingScore: q.RankingScore,
			Offer:        q.OfferData,
		})
	}
	return v
}

// agentConfigView is the admin rendering of an AgentConfig. It doubles as
// the PUT body.
type agentConfigView struct {
	AgentType            string  `json:"agentType"`
	Enabled              bool    `json:"enabled"`
	SLAMinutes           int     `json:"slaMinutes"`
	MaxExtensions        int     `json:"maxExtensions"`
	FanOutLimit          int     `json:"fanOutLimit"`
	CounterOfferDeltaPct float64 `json:"counterOfferDeltaPct"`
	AutoNegotiation      bool    `json:"autoNegotiation"`
	FeatureFlagScope     string  `json:"featureFlagScope"`
}

func newAgentConfigView(c models.AgentConfig) agentConfigView {
	return agentConfigView{
		AgentType:            c.AgentType,
		Enabled:              c.Enabled,
		SLAMinutes:           c.SLAMinutes,
		MaxExtensions:        c.MaxExtensions,
		FanOutLimit:          c.FanOutLimit,
		CounterOfferDeltaPct: c.CounterOfferDeltaPct,
		AutoNegotiation:      c.AutoNegotiation,
		FeatureFlagScope:     c.FeatureFlagScope,
	}
}

func (v agentConfigView) model() models.AgentConfig {
	return models.AgentConfig{
		AgentType:            v.AgentType,
		Enabled:              v.Enabled,
		SLAMinutes:           v.SLAMinutes,
		MaxExtensions:        v.MaxExtensions,
		FanOutLimit:          v.FanOutLimit,
		CounterOfferDeltaPct: v.CounterOfferDeltaPct,
		AutoNegotiation:      v.AutoNegotiation,
		FeatureFlagScope:     v.FeatureFlagScope,
	}
}

// SessionChange is one session status observed by the event stream.
type SessionChange struct {
	SessionID      string    `json:"sessionId"`
	AgentType      string    `json:"agentType"`
	Status         string    `json:"status"`
	DeadlineAt     time.Time `json:"deadlineAt"`
	ExtensionsUsed int       `json:"extensionsUsed"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// LatestSessionUpdate returns the newest updated_at across all sessions, or
// the zero time when there are none.
func LatestSessionUpdate(db *gorm.DB) (time.Time, error) {
	var s models.SourcingSession
	err := db.Select("updated_at").Order("updated_at DESC").Limit(1).Find(&s).Error
	if err != nil {
		return time.Time{}, err
	}
	return s.UpdatedAt, nil
}

// SessionChangesSince returns sessions updated after since, oldest first.
func SessionChangesSince(db *gorm.DB, since time.Time, limit int) ([]SessionChange, error) {
	var rows []models.SourcingSession
	q := db.Where("updated_at > ?", since).Order("updated_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	changes := make([]SessionChange, len(rows))
	for i, s := range rows {
		changes[i] = SessionChange{
			SessionID:      s.ID,
			AgentType:      s.AgentType,
			Status:         s.Status,
			DeadlineAt:     s.DeadlineAt,
			ExtensionsUsed: s.ExtensionsUsed,
			UpdatedAt:      s.UpdatedAt,
		}
	}
	return changes, nil
}
