package models

import "time"

// Vendor is a candidate that can be asked for an offer. Only the fields
// matching its agent type are meaningful.
type Vendor struct {
	ID             string  `gorm:"primaryKey;size:64"`
	Name           string  `gorm:"size:128;not null"`
	AgentType      string  `gorm:"size:32;not null;index"`
	Lat            float64 `gorm:"not null"`
	Lng            float64 `gorm:"not null"`
	Phone          string  `gorm:"size:32"`
	Active         bool    `gorm:"not null;index"`
	MaxDiscountPct float64 `gorm:"not null"`

	VehicleType string  `gorm:"size:32"`
	Seats       int     `gorm:"not null;default:0"`
	BaseFare    float64 `gorm:"not null;default:0"`
	PerKmRate   float64 `gorm:"not null;default:0"`

	PremiumRatePct float64  `gorm:"not null;default:0"`
	CoveredRisks   []string `gorm:"serializer:json;type:json"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Inventory []InventoryItem `gorm:"foreignKey:VendorID"`
}

// InventoryItem is one stocked product of an items vendor.
type InventoryItem struct {
	ID        uint    `gorm:"primaryKey;autoIncrement"`
	VendorID  string  `gorm:"size:64;not null;uniqueIndex:idx_inventory_vendor_name"`
	Name      string  `gorm:"size:128;not null;uniqueIndex:idx_inventory_vendor_name"`
	UnitPrice float64 `gorm:"not null"`
	Quantity  int     `gorm:"not null;default:0"`
}
