package models

import "time"

// Conversation is the persisted dialogue context for one user.
type Conversation struct {
	UserID          string            `gorm:"primaryKey;size:128"`
	State           string            `gorm:"size:32;not null;index"`
	LastIntent      string            `gorm:"size:64"`
	FallbackCount   int               `gorm:"not null;default:0"`
	Metadata        map[string]string `gorm:"serializer:json;type:json"`
	ActiveSessionID string            `gorm:"size:36;index"`
	OptionQuoteIDs  []uint            `gorm:"serializer:json;type:json"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	Transitions []ConversationTransition `gorm:"foreignKey:UserID;references:UserID"`
}

// ConversationTransition is one accepted state transition, in causal order
// per user.
type ConversationTransition struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"size:128;not null;uniqueIndex:idx_transition_user_seq"`
	Sequence  int       `gorm:"not null;uniqueIndex:idx_transition_user_seq"`
	State     string    `gorm:"size:32;not null"`
	Event     string    `gorm:"size:32;not null"`
	At        time.Time `gorm:"not null"`
}
