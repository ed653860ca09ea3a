// Package resolver implements conversational context resolution: trigger-aware
// fetching of named context variables over HTTP, with a persistence-backed,
// request-hash-aware cache.
package resolver

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

// CacheStore is the persistence interface for context cache entries.
// Both SQLite and PostgreSQL backends implement this interface.
type CacheStore interface {
	// Get returns the entry for the key, or nil when absent.
	Get(ctx context.Context, configID, conversationID uuid.UUID, variableKey string) (*domain.ContextCacheEntry, error)

	// Put creates or wholesale-overwrites the entry for its key.
	Put(ctx context.Context, entry *domain.ContextCacheEntry) error

	DeleteByConversation(ctx context.Context, conversationID uuid.UUID) error
	DeleteByConfig(ctx context.Context, configID uuid.UUID) error
	DeleteByDefinitionIDs(ctx context.Context, conversationID uuid.UUID, definitionIDs []string) error

	// DeleteOlderThan purges entries fetched before the cutoff and reports
	// how many were removed. Used by the cache janitor.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ConversationStore persists conversations and their resolution bookkeeping.
type ConversationStore interface {
	// GetOrCreate returns the conversation, creating it on first contact.
	// The second return value reports whether the conversation already existed.
	GetOrCreate(ctx context.Context, id, configID uuid.UUID) (*domain.Conversation, bool, error)

	// TouchResolved records the timestamp of the last context resolution.
	TouchResolved(ctx context.Context, id uuid.UUID, at time.Time) error

	// UpdateConfigHash stores the configuration fingerprint observed for the
	// conversation, for config-change detection on later turns.
	UpdateConfigHash(ctx context.Context, id uuid.UUID, hash string) error
}

// ContextCache fronts a CacheStore with the read/write failure policy the
// fetch engine relies on: reads and writes degrade silently (a broken cache
// must never fail a resolution), while explicit invalidation propagates
// errors so stale data cannot go undetected.
type ContextCache struct {
	store  CacheStore
	logger *slog.Logger
}

// NewContextCache creates a ContextCache.
func NewContextCache(store CacheStore, logger *slog.Logger) *ContextCache {
	return &ContextCache{store: store, logger: logger}
}

// Get returns the cached entry when it exists and its request hash matches,
// nil otherwise. Any storage error is treated as a miss.
func (c *ContextCache) Get(ctx context.Context, configID, conversationID uuid.UUID, variableKey, requestHash string) *domain.ContextCacheEntry {
	entry, err := c.store.Get(ctx, configID, conversationID, variableKey)
	if err != nil {
		c.logger.Warn("context cache read failed, treating as miss",
			slog.String("variable", variableKey),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if entry == nil || entry.RequestHash != requestHash {
		return nil
	}
	return entry
}

// Set persists the entry best-effort. Failures are logged and swallowed.
func (c *ContextCache) Set(ctx context.Context, entry *domain.ContextCacheEntry) {
	if err := c.store.Put(ctx, entry); err != nil {
		c.logger.Warn("context cache write failed",
			slog.String("variable", entry.VariableKey),
			slog.String("error", err.Error()),
		)
	}
}

// ClearConversation invalidates every entry for a conversation.
func (c *ContextCache) ClearConversation(ctx context.Context, conversationID uuid.UUID) error {
	return c.store.DeleteByConversation(ctx, conversationID)
}

// ClearConfig invalidates every entry for a configuration across all
// conversations.
func (c *ContextCache) ClearConfig(ctx context.Context, configID uuid.UUID) error {
	return c.store.DeleteByConfig(ctx, configID)
}

// InvalidateInvocationDefinitions drops the conversation's cached values for
// every per-invocation definition in the config. Called when a configuration
// change is detected for an existing conversation.
func (c *ContextCache) InvalidateInvocationDefinitions(ctx context.Context, conversationID uuid.UUID, cfg *domain.ContextConfig) error {
	var ids []string
	for _, def := range cfg.ContextVariables {
		if effectiveTrigger(def) == domain.TriggerInvocation {
			ids = append(ids, def.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return c.store.DeleteByDefinitionIDs(ctx, conversationID, ids)
}

// InvalidateHeaders drops the conversation's cached values for every
// definition whose fetch recipe depends on request headers, since a config
// change may alter which headers feed which fetches.
func (c *ContextCache) InvalidateHeaders(ctx context.Context, conversationID uuid.UUID, cfg *domain.ContextConfig) error {
	var ids []string
	for _, def := range cfg.ContextVariables {
		if definitionUsesHeaders(def) {
			ids = append(ids, def.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return c.store.DeleteByDefinitionIDs(ctx, conversationID, ids)
}

// definitionUsesHeaders reports whether any part of the fetch recipe
// references a request header.
func definitionUsesHeaders(def domain.ContextVariable) bool {
	refs := collectRefs(def)
	for _, ref := range refs {
		if ref.kind == refHeader {
			return true
		}
	}
	return false
}
