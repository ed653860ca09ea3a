//go:build integration

package postgres

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestContextCacheUpsert_Postgres(t *testing.T) {
	db := testDB(t)
	repo := NewContextCacheRepository(db.GormDB())
	ctx := context.Background()

	configID, convID := uuid.New(), uuid.New()
	entry := &domain.ContextCacheEntry{
		ConfigID:       configID,
		ConversationID: convID,
		VariableKey:    "account",
		DefinitionID:   "def-account",
		Trigger:        domain.TriggerInvocation,
		Value:          map[string]any{"plan": "free"},
		RequestHash:    "hash-1",
		FetchedAt:      time.Now().UTC(),
	}
	if err := repo.Put(ctx, entry); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entry.RequestHash = "hash-2"
	if err := repo.Put(ctx, entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := repo.Get(ctx, configID, convID, "account")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.RequestHash != "hash-2" {
		t.Fatalf("upsert did not overwrite: %+v", got)
	}

	if err := repo.DeleteByConversation(ctx, convID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
}

func TestConversationRoundTrip_Postgres(t *testing.T) {
	db := testDB(t)
	repo := NewConversationRepository(db.GormDB())
	ctx := context.Background()

	id := uuid.New()
	if _, existed, err := repo.GetOrCreate(ctx, id, uuid.New()); err != nil || existed {
		t.Fatalf("GetOrCreate: existed=%v err=%v", existed, err)
	}
	if err := repo.UpdateConfigHash(ctx, id, "h"); err != nil {
		t.Fatalf("UpdateConfigHash: %v", err)
	}
	conv, existed, err := repo.GetOrCreate(ctx, id, uuid.New())
	if err != nil || !existed {
		t.Fatalf("reload: existed=%v err=%v", existed, err)
	}
	if conv.ConfigHash != "h" {
		t.Fatalf("config hash not persisted: %q", conv.ConfigHash)
	}
}
