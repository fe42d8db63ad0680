package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ikanisa/easymo/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists conversation contexts and their transition history.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("conversation: store: db is required")
	}
	return &Store{db: db}, nil
}

// Load returns the context for userID, or a fresh IDLE context when the
// user has never written before.
func (s *Store) Load(ctx context.Context, userID string) (*Context, error) {
	var row models.Conversation
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NewContext(userID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: load %s: %w", userID, err)
	}

	var last int
	if err := s.db.WithContext(ctx).Model(&models.ConversationTransition{}).
		Where("user_id = ?", userID).
		Select("COALESCE(MAX(sequence), 0)").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("conversation: load %s: sequence: %w", userID, err)
	}

	c := &Context{
		UserID:          row.UserID,
		State:           State(row.State),
		LastIntent:      row.LastIntent,
		FallbackCount:   row.FallbackCount,
		Metadata:        row.Metadata,
		ActiveSessionID: row.ActiveSessionID,
		OptionQuoteIDs:  row.OptionQuoteIDs,
		UpdatedAt:       row.UpdatedAt,
		nextSeq:         last + 1,
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	return c, nil
}

// Save writes the context row and appends its pending transitions in one
// transaction. The pending list is cleared on success.
func (s *Store) Save(ctx context.Context, c *Context, now time.Time) error {
	now = now.UTC()
	row := models.Conversation{
		UserID:          c.UserID,
		State:           string(c.State),
		LastIntent:      c.LastIntent,
		FallbackCount:   c.FallbackCount,
		Metadata:        c.Metadata,
		ActiveSessionID: c.ActiveSessionID,
		OptionQuoteIDs:  c.OptionQuoteIDs,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"state", "last_intent", "fallback_count", "metadata",
				"active_session_id", "option_quote_ids", "updated_at",
			}),
		}).Create(&row).Error; err != nil {
			return err
		}
		if len(c.pending) == 0 {
			return nil
		}
		recs := make([]models.ConversationTransition, 0, len(c.pending))
		for i, r := range c.pending {
			recs = append(recs, models.ConversationTransition{
				UserID:   c.UserID,
				Sequence: c.nextSeq + i,
				State:    string(r.State),
				Event:    string(r.Event),
				At:       r.Timestamp,
			})
		}
		return tx.Create(&recs).Error
	})
	if err != nil {
		return fmt.Errorf("conversation: save %s: %w", c.UserID, err)
	}
	c.nextSeq += len(c.pending)
	c.pending = nil
	c.UpdatedAt = now
	return nil
}

// History returns every persisted transition for userID in causal order.
func (s *Store) History(ctx context.Context, userID string) ([]Record, error) {
	var rows []models.ConversationTransition
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).
		Order("sequence ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("conversation: history %s: %w", userID, err)
	}
	out := make([]Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, Record{State: State(r.State), Timestamp: r.At, Event: Event(r.Event)})
	}
	return out, nil
}

// Stale returns the users whose context has been in state since before
// cutoff.
func (s *Store) Stale(ctx context.Context, state State, cutoff time.Time) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("state = ? AND updated_at < ?", string(state), cutoff.UTC()).
		Order("user_id ASC").Pluck("user_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("conversation: stale %s: %w", state, err)
	}
	return ids, nil
}
