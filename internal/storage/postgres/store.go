package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/kazi/internal/resolver"
	"github.com/jkaninda/kazi/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps an open DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu            sync.Mutex
	conversations resolver.ConversationStore
	contextCache  resolver.CacheStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

func (s *Store) Conversations() resolver.ConversationStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversations == nil {
		s.conversations = NewConversationRepository(s.pgDB.GormDB())
	}
	return s.conversations
}

func (s *Store) ContextCache() resolver.CacheStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contextCache == nil {
		s.contextCache = NewContextCacheRepository(s.pgDB.GormDB())
	}
	return s.contextCache
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
