package db

import (
	"fmt"

	"github.com/ikanisa/easymo/internal/config"
	"github.com/ikanisa/easymo/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.AgentConfig{},
		&models.Vendor{},
		&models.InventoryItem{},
		&models.SourcingSession{},
		&models.Quote{},
		&models.Conversation{},
		&models.ConversationTransition{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedAgentConfigs upserts AgentConfig rows from configuration.
func SeedAgentConfigs(db *gorm.DB, agents []config.AgentConfig) error {
	for _, a := range agents {
		row := models.AgentConfig{
			AgentType:            a.AgentType,
			Enabled:              a.Enabled,
			SLAMinutes:           a.SLAMinutes,
			MaxExtensions:        derefInt(a.MaxExtensions, config.DefaultMaxExtensions),
			FanOutLimit:          a.FanOutLimit,
			CounterOfferDeltaPct: derefFloat(a.CounterOfferDeltaPct, config.DefaultCounterOfferDeltaPct),
			AutoNegotiation:      a.AutoNegotiation,
			FeatureFlagScope:     a.FeatureFlagScope,
		}
		result := db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "agent_type"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"enabled", "sla_minutes", "max_extensions", "fan_out_limit",
				"counter_offer_delta_pct", "auto_negotiation", "feature_flag_scope", "updated_at",
			}),
		}).Create(&row)
		if result.Error != nil {
			return fmt.Errorf("db: seed agent config %q: %w", a.AgentType, result.Error)
		}
	}
	return nil
}

// SeedVendors upserts vendors and their inventory.
func SeedVendors(db *gorm.DB, vendors []models.Vendor) error {
	for _, v := range vendors {
		items := v.Inventory
		v.Inventory = nil
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(&v)
		if result.Error != nil {
			return fmt.Errorf("db: seed vendor %q: %w", v.ID, result.Error)
		}
		for _, it := range items {
			it.ID = 0
			it.VendorID = v.ID
			result := db.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "vendor_id"}, {Name: "name"}},
				DoUpdates: clause.AssignmentColumns([]string{"unit_price", "quantity"}),
			}).Create(&it)
			if result.Error != nil {
				return fmt.Errorf("db: seed inventory %q for %q: %w", it.Name, v.ID, result.Error)
			}
		}
	}
	return nil
}

func derefInt(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func derefFloat(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
