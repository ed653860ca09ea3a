package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB is a json.RawMessage stored in a JSONB column (TEXT under SQLite).
type JSONB json.RawMessage

// ConversationModel maps to the "conversations" table.
type ConversationModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConfigID       uuid.UUID `gorm:"type:uuid;not null;index"`
	ConfigHash     string    `gorm:"not null;default:''"`
	LastResolvedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ConversationModel) TableName() string { return "conversations" }

// ContextCacheModel maps to the "context_cache_entries" table.
// One row per (config, conversation, variable key); Put overwrites in place.
type ContextCacheModel struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConfigID       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_context_cache_key;index"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_context_cache_key;index"`
	VariableKey    string    `gorm:"not null;uniqueIndex:idx_context_cache_key"`
	DefinitionID   string    `gorm:"not null;index"`
	Trigger        string    `gorm:"not null"`
	Value          JSONB     `gorm:"type:jsonb;not null;default:'null'"`
	RequestHash    string    `gorm:"not null"`
	FetchedAt      time.Time `gorm:"not null;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ContextCacheModel) TableName() string { return "context_cache_entries" }
