package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/resolver"
)

// Compile-time interface check.
var _ resolver.CacheStore = (*ContextCacheRepository)(nil)

// ContextCacheRepository implements resolver.CacheStore with GORM.
type ContextCacheRepository struct {
	db *gorm.DB
}

// NewContextCacheRepository creates a ContextCacheRepository.
func NewContextCacheRepository(db *gorm.DB) *ContextCacheRepository {
	return &ContextCacheRepository{db: db}
}

// Get returns the entry for the key, or nil when absent.
func (r *ContextCacheRepository) Get(ctx context.Context, configID, conversationID uuid.UUID, variableKey string) (*domain.ContextCacheEntry, error) {
	var model ContextCacheModel
	err := r.db.WithContext(ctx).
		Where("config_id = ? AND conversation_id = ? AND variable_key = ?", configID, conversationID, variableKey).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}
	return toCacheEntry(&model)
}

// Put creates or wholesale-overwrites the entry for its key.
func (r *ContextCacheRepository) Put(ctx context.Context, entry *domain.ContextCacheEntry) error {
	value, err := json.Marshal(entry.Value)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}

	model := ContextCacheModel{
		ID:             uuid.New(),
		ConfigID:       entry.ConfigID,
		ConversationID: entry.ConversationID,
		VariableKey:    entry.VariableKey,
		DefinitionID:   entry.DefinitionID,
		Trigger:        string(entry.Trigger),
		Value:          JSONB(value),
		RequestHash:    entry.RequestHash,
		FetchedAt:      entry.FetchedAt,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "config_id"}, {Name: "conversation_id"}, {Name: "variable_key"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"definition_id", "trigger", "value", "request_hash", "fetched_at", "updated_at",
			}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("upserting cache entry: %w", err)
	}
	return nil
}

// DeleteByConversation drops every cached entry of one conversation.
func (r *ContextCacheRepository) DeleteByConversation(ctx context.Context, conversationID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&ContextCacheModel{}).Error
	if err != nil {
		return fmt.Errorf("deleting conversation cache: %w", err)
	}
	return nil
}

// DeleteByConfig drops every cached entry derived from one configuration.
func (r *ContextCacheRepository) DeleteByConfig(ctx context.Context, configID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Where("config_id = ?", configID).
		Delete(&ContextCacheModel{}).Error
	if err != nil {
		return fmt.Errorf("deleting config cache: %w", err)
	}
	return nil
}

// DeleteByDefinitionIDs drops a conversation's entries for the given
// definitions.
func (r *ContextCacheRepository) DeleteByDefinitionIDs(ctx context.Context, conversationID uuid.UUID, definitionIDs []string) error {
	if len(definitionIDs) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND definition_id IN ?", conversationID, definitionIDs).
		Delete(&ContextCacheModel{}).Error
	if err != nil {
		return fmt.Errorf("deleting definition cache entries: %w", err)
	}
	return nil
}

// DeleteOlderThan purges entries fetched before the cutoff and reports how
// many were removed.
func (r *ContextCacheRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("fetched_at < ?", cutoff).
		Delete(&ContextCacheModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging stale cache entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func toCacheEntry(m *ContextCacheModel) (*domain.ContextCacheEntry, error) {
	var value any
	if len(m.Value) > 0 {
		if err := json.Unmarshal([]byte(m.Value), &value); err != nil {
			return nil, fmt.Errorf("decoding cache value: %w", err)
		}
	}
	return &domain.ContextCacheEntry{
		ConfigID:       m.ConfigID,
		ConversationID: m.ConversationID,
		VariableKey:    m.VariableKey,
		DefinitionID:   m.DefinitionID,
		Trigger:        domain.TriggerEvent(m.Trigger),
		Value:          value,
		RequestHash:    m.RequestHash,
		FetchedAt:      m.FetchedAt,
	}, nil
}
