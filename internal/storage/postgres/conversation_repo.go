package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/resolver"
)

// Compile-time interface check.
var _ resolver.ConversationStore = (*ConversationRepository)(nil)

// ConversationRepository implements resolver.ConversationStore with GORM.
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a ConversationRepository.
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// GetOrCreate returns an existing conversation or creates a new one bound to
// the given configuration. The second return value reports whether the
// conversation already existed.
func (r *ConversationRepository) GetOrCreate(ctx context.Context, id, configID uuid.UUID) (*domain.Conversation, bool, error) {
	var existing ConversationModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&existing).Error

	if err == nil {
		// Touch updated_at on every contact.
		r.db.WithContext(ctx).Model(&existing).Update("updated_at", time.Now().UTC())
		return toConversation(&existing), true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, fmt.Errorf("looking up conversation: %w", err)
	}

	now := time.Now().UTC()
	model := ConversationModel{
		ID:        id,
		ConfigID:  configID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}
	return toConversation(&model), false, nil
}

// TouchResolved records the timestamp of the last context resolution.
func (r *ConversationRepository) TouchResolved(ctx context.Context, id uuid.UUID, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&ConversationModel{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_resolved_at": at, "updated_at": at}).Error
	if err != nil {
		return fmt.Errorf("recording resolution time: %w", err)
	}
	return nil
}

// UpdateConfigHash stores the configuration fingerprint observed for the
// conversation.
func (r *ConversationRepository) UpdateConfigHash(ctx context.Context, id uuid.UUID, hash string) error {
	err := r.db.WithContext(ctx).
		Model(&ConversationModel{}).
		Where("id = ?", id).
		Update("config_hash", hash).Error
	if err != nil {
		return fmt.Errorf("recording config hash: %w", err)
	}
	return nil
}

func toConversation(m *ConversationModel) *domain.Conversation {
	return &domain.Conversation{
		ID:             m.ID,
		ConfigID:       m.ConfigID,
		ConfigHash:     m.ConfigHash,
		LastResolvedAt: m.LastResolvedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}
