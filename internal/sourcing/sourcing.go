// Package sourcing owns the lifecycle of sourcing sessions: creation under an
// agent's SLA policy, deadline extension, and the exactly-once move to a
// terminal status.
package sourcing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/ikanisa/easymo/internal/agentconfig"
	"github.com/ikanisa/easymo/internal/clock"
	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/offer"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrAgentDisabled is returned when the agent type is switched off.
	ErrAgentDisabled = errors.New("agent disabled")
	// ErrUnknownAgent is returned when no config exists for the agent type.
	ErrUnknownAgent = errors.New("unknown agent type")
	// ErrInvalidCriteria is returned when the request data cannot be sourced.
	ErrInvalidCriteria = offer.ErrInvalidCriteria
	// ErrExtensionBudgetExhausted is returned when no extensions remain.
	ErrExtensionBudgetExhausted = errors.New("extension budget exhausted")
	// ErrSessionTerminal is returned when a non-terminal operation targets a
	// completed, expired or cancelled session.
	ErrSessionTerminal = errors.New("session is terminal")
	// ErrNotFound is returned when the session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidSelection is returned when a selected quote is not part of
	// the session's results.
	ErrInvalidSelection = errors.New("invalid quote selection")
)

// ConfigSource resolves the current policy for an agent type.
type ConfigSource interface {
	Get(ctx context.Context, agentType string) (models.AgentConfig, error)
}

// CreateRequest describes a new sourcing session.
type CreateRequest struct {
	AgentType string
	FlowType  string
	UserID    string
	Criteria  offer.Criteria
}

// Manager creates and transitions sourcing sessions.
type Manager struct {
	db      *gorm.DB
	configs ConfigSource
	clock   clock.Clock
	newID   func() string
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	DB      *gorm.DB
	Configs ConfigSource
	Clock   clock.Clock   // defaults to the wall clock
	NewID   func() string // defaults to random UUIDs
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("sourcing: db is required")
	}
	if opts.Configs == nil {
		return nil, fmt.Errorf("sourcing: config source is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Manager{db: opts.DB, configs: opts.Configs, clock: clk, newID: newID}, nil
}

// Clock returns the manager's time source.
func (m *Manager) Clock() clock.Clock { return m.clock }

// CreateSession validates the request against the agent's current policy and
// persists a searching session whose deadline is now + slaMinutes. The
// policy values are copied onto the session.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (*models.SourcingSession, error) {
	cfg, err := m.configs.Get(ctx, req.AgentType)
	if errors.Is(err, agentconfig.ErrNotFound) {
		return nil, fmt.Errorf("sourcing: create: %q: %w", req.AgentType, ErrUnknownAgent)
	}
	if err != nil {
		return nil, fmt.Errorf("sourcing: create: %w", err)
	}
	if !agentconfig.Active(cfg) {
		return nil, fmt.Errorf("sourcing: create: %q: %w", req.AgentType, ErrAgentDisabled)
	}
	if err := offer.ValidateCriteria(req.AgentType, req.Criteria); err != nil {
		return nil, fmt.Errorf("sourcing: create: %w", err)
	}

	now := m.clock.Now().UTC()
	flow := req.FlowType
	if flow == "" {
		flow = req.AgentType
	}
	s := &models.SourcingSession{
		ID:                   m.newID(),
		AgentType:            req.AgentType,
		FlowType:             flow,
		UserID:               req.UserID,
		Status:               models.SessionSearching,
		RequestData:          req.Criteria,
		DeadlineAt:           now.Add(time.Duration(cfg.SLAMinutes) * time.Minute),
		SLAMinutes:           cfg.SLAMinutes,
		MaxExtensions:        cfg.MaxExtensions,
		FanOutLimit:          cfg.FanOutLimit,
		CounterOfferDeltaPct: cfg.CounterOfferDeltaPct,
		AutoNegotiation:      cfg.AutoNegotiation,
		CreatedAt:            now,
	}
	if err := m.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, fmt.Errorf("sourcing: create: %w", err)
	}
	log.Printf("sourcing: session %s created for %s (deadline %s)", s.ID, s.AgentType, s.DeadlineAt.Format(time.RFC3339))
	return s, nil
}

// Get loads a session with its quotes ordered by ranking score.
func (m *Manager) Get(ctx context.Context, id string) (*models.SourcingSession, error) {
	return getSession(m.db.WithContext(ctx), id, true)
}

// ExtendDeadline pushes the deadline out by one SLA period.
func (m *Manager) ExtendDeadline(ctx context.Context, id string) (*models.SourcingSession, error) {
	var out *models.SourcingSession
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := lockSession(tx, id)
		if err != nil {
			return err
		}
		if s.Terminal() {
			return ErrSessionTerminal
		}
		if s.ExtensionsUsed >= s.MaxExtensions {
			return ErrExtensionBudgetExhausted
		}
		s.DeadlineAt = s.DeadlineAt.Add(s.SLA())
		s.ExtensionsUsed++
		if err := tx.Model(s).Updates(map[string]interface{}{
			"deadline_at":     s.DeadlineAt,
			"extensions_used": s.ExtensionsUsed,
		}).Error; err != nil {
			return err
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sourcing: extend %s: %w", id, err)
	}
	log.Printf("sourcing: session %s extended to %s (%d/%d)", id, out.DeadlineAt.Format(time.RFC3339), out.ExtensionsUsed, out.MaxExtensions)
	return out, nil
}

// MarkNegotiating moves a searching session to negotiating.
func (m *Manager) MarkNegotiating(ctx context.Context, id string) (*models.SourcingSession, error) {
	var out *models.SourcingSession
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := lockSession(tx, id)
		if err != nil {
			return err
		}
		if s.Terminal() {
			return ErrSessionTerminal
		}
		if s.Status != models.SessionNegotiating {
			s.Status = models.SessionNegotiating
			if err := tx.Model(s).Update("status", s.Status).Error; err != nil {
				return err
			}
		}
		out = s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sourcing: negotiate %s: %w", id, err)
	}
	return out, nil
}

// CompleteSession stores quotes and marks the session completed. On a
// session that is already terminal it returns the stored session unchanged.
func (m *Manager) CompleteSession(ctx context.Context, id string, quotes []models.Quote) (*models.SourcingSession, error) {
	return m.finish(ctx, id, models.SessionCompleted, quotes)
}

// ExpireSession marks the session expired and its pending quotes expired.
// Repeated calls are no-ops.
func (m *Manager) ExpireSession(ctx context.Context, id string) (*models.SourcingSession, error) {
	return m.finish(ctx, id, models.SessionExpired, nil)
}

// CancelSession marks the session cancelled and its pending quotes expired.
// Repeated calls are no-ops.
func (m *Manager) CancelSession(ctx context.Context, id string) (*models.SourcingSession, error) {
	return m.finish(ctx, id, models.SessionCancelled, nil)
}

func (m *Manager) finish(ctx context.Context, id, status string, quotes []models.Quote) (*models.SourcingSession, error) {
	changed := false
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := lockSession(tx, id)
		if err != nil {
			return err
		}
		if s.Terminal() {
			return nil
		}
		for i := range quotes {
			q := quotes[i]
			q.ID = 0
			q.SessionID = id
			if err := q.OfferData.Validate(); err != nil {
				return fmt.Errorf("quote from %s: %w", q.VendorID, err)
			}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "session_id"}, {Name: "vendor_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"vendor_name", "offer_data", "status", "ranking_score", "updated_at"}),
			}).Create(&q).Error; err != nil {
				return err
			}
		}
		if status != models.SessionCompleted {
			if err := tx.Model(&models.Quote{}).
				Where("session_id = ? AND status IN ?", id, []string{models.QuotePending, models.QuoteNegotiating}).
				Update("status", models.QuoteExpired).Error; err != nil {
				return err
			}
		}
		now := m.clock.Now().UTC()
		if err := tx.Model(s).Updates(map[string]interface{}{
			"status":       status,
			"completed_at": now,
		}).Error; err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sourcing: %s %s: %w", status, id, err)
	}
	if changed {
		log.Printf("sourcing: session %s %s", id, status)
	}
	return m.Get(ctx, id)
}

// SaveQuote records a quote while the session is still open, replacing any
// earlier quote from the same vendor.
func (m *Manager) SaveQuote(ctx context.Context, q models.Quote) error {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := lockSession(tx, q.SessionID)
		if err != nil {
			return err
		}
		if s.Terminal() {
			return ErrSessionTerminal
		}
		if err := q.OfferData.Validate(); err != nil {
			return err
		}
		q.ID = 0
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "vendor_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"vendor_name", "offer_data", "status", "ranking_score", "updated_at"}),
		}).Create(&q).Error
	})
	if err != nil {
		return fmt.Errorf("sourcing: save quote %s/%s: %w", q.SessionID, q.VendorID, err)
	}
	return nil
}

// SelectQuote records the user's pick among a completed session's quotes.
func (m *Manager) SelectQuote(ctx context.Context, id string, quoteID uint) (*models.SourcingSession, error) {
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s, err := lockSession(tx, id)
		if err != nil {
			return err
		}
		if s.Status != models.SessionCompleted {
			return fmt.Errorf("%w: session is %s", ErrInvalidSelection, s.Status)
		}
		var n int64
		if err := tx.Model(&models.Quote{}).
			Where("id = ? AND session_id = ? AND status <> ?", quoteID, id, models.QuoteRejected).
			Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: quote %d", ErrInvalidSelection, quoteID)
		}
		return tx.Model(s).Update("selected_quote_id", quoteID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("sourcing: select %s: %w", id, err)
	}
	return m.Get(ctx, id)
}

// Overdue returns open sessions whose deadline is at or before now.
func (m *Manager) Overdue(ctx context.Context, now time.Time) ([]models.SourcingSession, error) {
	var rows []models.SourcingSession
	err := m.db.WithContext(ctx).
		Where("status IN ? AND deadline_at <= ?", []string{models.SessionSearching, models.SessionNegotiating}, now.UTC()).
		Order("deadline_at").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("sourcing: overdue: %w", err)
	}
	return rows, nil
}

// Summary counts sessions created in [since, until) by final status.
type Summary struct {
	Created   int
	Completed int
	Expired   int
	Cancelled int
	Open      int
	Quotes    int
}

// Summarize counts activity in [since, until).
func (m *Manager) Summarize(ctx context.Context, since, until time.Time) (Summary, error) {
	type row struct {
		Status string
		N      int
	}
	var rows []row
	err := m.db.WithContext(ctx).Model(&models.SourcingSession{}).
		Select("status, count(*) as n").
		Where("created_at >= ? AND created_at < ?", since.UTC(), until.UTC()).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return Summary{}, fmt.Errorf("sourcing: summarize: %w", err)
	}
	var sum Summary
	for _, r := range rows {
		sum.Created += r.N
		switch r.Status {
		case models.SessionCompleted:
			sum.Completed += r.N
		case models.SessionExpired:
			sum.Expired += r.N
		case models.SessionCancelled:
			sum.Cancelled += r.N
		default:
			sum.Open += r.N
		}
	}
	var quotes int64
	err = m.db.WithContext(ctx).Model(&models.Quote{}).
		Joins("JOIN sourcing_sessions ON sourcing_sessions.id = quotes.session_id").
		Where("sourcing_sessions.created_at >= ? AND sourcing_sessions.created_at < ?", since.UTC(), until.UTC()).
		Count(&quotes).Error
	if err != nil {
		return Summary{}, fmt.Errorf("sourcing: summarize quotes: %w", err)
	}
	sum.Quotes = int(quotes)
	return sum, nil
}

func lockSession(tx *gorm.DB, id string) (*models.SourcingSession, error) {
	var s models.SourcingSession
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func getSession(db *gorm.DB, id string, withQuotes bool) (*models.SourcingSession, error) {
	var s models.SourcingSession
	q := db
	if withQuotes {
		q = q.Preload("Quotes", func(db *gorm.DB) *gorm.DB {
			return db.Order("ranking_score DESC, id ASC")
		})
	}
	err := q.Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("sourcing: get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sourcing: get %s: %w", id, err)
	}
	return &s, nil
}
