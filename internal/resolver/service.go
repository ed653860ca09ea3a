package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

// ConfigSource yields the context configuration for a conversation. A nil
// config with nil error means no configuration is attached.
type ConfigSource interface {
	ContextConfig(ctx context.Context, configID uuid.UUID) (*domain.ContextConfig, error)
}

// ConfigSourceFunc adapts a function to the ConfigSource interface.
type ConfigSourceFunc func(ctx context.Context, configID uuid.UUID) (*domain.ContextConfig, error)

func (f ConfigSourceFunc) ContextConfig(ctx context.Context, configID uuid.UUID) (*domain.ContextConfig, error) {
	return f(ctx, configID)
}

// Service orchestrates one context resolution per conversation turn:
// header validation, conversation bookkeeping, config-change invalidation,
// and the fetch pass itself.
type Service struct {
	configs       ConfigSource
	conversations ConversationStore
	cache         *ContextCache
	resolver      *Resolver
	logger        *slog.Logger
}

// NewService creates a Service.
func NewService(configs ConfigSource, conversations ConversationStore, cache *ContextCache, resolver *Resolver, logger *slog.Logger) *Service {
	return &Service{
		configs:       configs,
		conversations: conversations,
		cache:         cache,
		resolver:      resolver,
		logger:        logger,
	}
}

// ResolveRequest is one incoming context resolution request.
type ResolveRequest struct {
	ConversationID uuid.UUID
	ConfigID       uuid.UUID
	Headers        map[string]string
}

// HandleContextResolution runs the resolution flow for one conversation turn.
// A conversation without a resolvable configuration degrades to an empty
// resolution rather than failing the turn.
func (s *Service) HandleContextResolution(ctx context.Context, req ResolveRequest) (*Resolution, error) {
	cfg, err := s.configs.ContextConfig(ctx, req.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("loading context config %s: %w", req.ConfigID, err)
	}
	if cfg == nil || len(cfg.ContextVariables) == 0 {
		s.logger.Debug("no context configuration, skipping resolution",
			slog.String("conversation_id", req.ConversationID.String()))
		return &Resolution{Trigger: domain.TriggerInvocation, Values: map[string]any{}}, nil
	}

	if err := ValidateHeaders(cfg.RequiredHeaders, req.Headers); err != nil {
		return nil, err
	}

	conv, existed, err := s.conversations.GetOrCreate(ctx, req.ConversationID, req.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation %s: %w", req.ConversationID, err)
	}

	trigger := domain.TriggerInvocation
	if !existed {
		trigger = domain.TriggerInitialization
	}

	hash := configHash(cfg)
	if existed && conv.ConfigHash != "" && conv.ConfigHash != hash {
		// The configuration changed under a live conversation. Cached values
		// derived from the old definitions can no longer be trusted.
		if err := s.cache.InvalidateInvocationDefinitions(ctx, conv.ID, cfg); err != nil {
			return nil, fmt.Errorf("invalidating stale cache entries: %w", err)
		}
		if err := s.cache.InvalidateHeaders(ctx, conv.ID, cfg); err != nil {
			return nil, fmt.Errorf("invalidating header-derived cache entries: %w", err)
		}
		s.logger.Info("context configuration changed, cache invalidated",
			slog.String("conversation_id", conv.ID.String()),
			slog.String("config_id", cfg.ID.String()),
		)
	}
	if conv.ConfigHash != hash {
		if err := s.conversations.UpdateConfigHash(ctx, conv.ID, hash); err != nil {
			return nil, fmt.Errorf("recording config hash: %w", err)
		}
	}

	res := s.resolver.Resolve(ctx, cfg, ResolveOptions{
		ConversationID: conv.ID,
		Trigger:        trigger,
		Headers:        req.Headers,
	})

	// On a brand-new conversation the per-invocation definitions still need a
	// pass so the first turn is fully populated.
	if trigger == domain.TriggerInitialization {
		invRes := s.resolver.Resolve(ctx, cfg, ResolveOptions{
			ConversationID: conv.ID,
			Trigger:        domain.TriggerInvocation,
			Headers:        req.Headers,
		})
		mergeResolutions(res, invRes)
	}

	if err := s.conversations.TouchResolved(ctx, conv.ID, time.Now().UTC()); err != nil {
		s.logger.Warn("recording resolution timestamp failed",
			slog.String("conversation_id", conv.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	return res, nil
}

// ClearConversation drops all cached context for a conversation.
func (s *Service) ClearConversation(ctx context.Context, conversationID uuid.UUID) error {
	return s.cache.ClearConversation(ctx, conversationID)
}

// configHash fingerprints a context configuration's definitions so config
// changes can be detected across turns.
func configHash(cfg *domain.ContextConfig) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// mergeResolutions folds src into dst. Values from src win on key collision;
// partition slices concatenate; dst keeps its trigger.
func mergeResolutions(dst, src *Resolution) {
	for k, v := range src.Values {
		dst.Values[k] = v
	}
	dst.Fetched = append(dst.Fetched, src.Fetched...)
	dst.CacheHits = append(dst.CacheHits, src.CacheHits...)
	dst.CacheMisses = append(dst.CacheMisses, src.CacheMisses...)
	dst.Skipped = append(dst.Skipped, src.Skipped...)
	dst.Errored = append(dst.Errored, src.Errored...)
}
