package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryCacheStore is an in-memory CacheStore with injectable failures.
type memoryCacheStore struct {
	mu      sync.Mutex
	entries map[string]*domain.ContextCacheEntry

	getErr    error
	putErr    error
	deleteErr error
}

func newMemoryCacheStore() *memoryCacheStore {
	return &memoryCacheStore{entries: make(map[string]*domain.ContextCacheEntry)}
}

func cacheKey(configID, conversationID uuid.UUID, variableKey string) string {
	return configID.String() + "/" + conversationID.String() + "/" + variableKey
}

func (m *memoryCacheStore) Get(_ context.Context, configID, conversationID uuid.UUID, variableKey string) (*domain.ContextCacheEntry, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries[cacheKey(configID, conversationID, variableKey)], nil
}

func (m *memoryCacheStore) Put(_ context.Context, entry *domain.ContextCacheEntry) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[cacheKey(entry.ConfigID, entry.ConversationID, entry.VariableKey)] = entry
	return nil
}

func (m *memoryCacheStore) DeleteByConversation(_ context.Context, conversationID uuid.UUID) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.ConversationID == conversationID {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *memoryCacheStore) DeleteByConfig(_ context.Context, configID uuid.UUID) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.entries {
		if e.ConfigID == configID {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *memoryCacheStore) DeleteByDefinitionIDs(_ context.Context, conversationID uuid.UUID, definitionIDs []string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make(map[string]bool, len(definitionIDs))
	for _, id := range definitionIDs {
		ids[id] = true
	}
	for k, e := range m.entries {
		if e.ConversationID == conversationID && ids[e.DefinitionID] {
			delete(m.entries, k)
		}
	}
	return nil
}

func (m *memoryCacheStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	if m.deleteErr != nil {
		return 0, m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if e.FetchedAt.Before(cutoff) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *memoryCacheStore) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func newTestResolver(t *testing.T, store CacheStore) *Resolver {
	t.Helper()
	cache := NewContextCache(store, discardLogger())
	return NewResolver(cache, Config{FetchTimeout: 5 * time.Second, MaxConcurrency: 4}, discardLogger())
}

func configWith(vars map[string]domain.ContextVariable) *domain.ContextConfig {
	return &domain.ContextConfig{ID: uuid.New(), ContextVariables: vars}
}

func TestResolve_FetchesAndCaches(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"plan":"pro"}`)
	}))
	defer srv.Close()

	store := newMemoryCacheStore()
	r := newTestResolver(t, store)
	cfg := configWith(map[string]domain.ContextVariable{
		"account": {ID: "def-account", Name: "account", Fetch: domain.FetchConfig{URL: srv.URL}},
	})
	opts := ResolveOptions{ConversationID: uuid.New(), Trigger: domain.TriggerInvocation}

	res := r.Resolve(context.Background(), cfg, opts)
	if len(res.Errored) != 0 || len(res.Skipped) != 0 {
		t.Fatalf("unexpected partitions: errored=%v skipped=%v", res.Errored, res.Skipped)
	}
	got, ok := res.Values["account"].(map[string]any)
	if !ok || got["plan"] != "pro" {
		t.Fatalf("unexpected value: %#v", res.Values["account"])
	}
	if len(res.Fetched) != 1 || len(res.CacheMisses) != 1 {
		t.Fatalf("expected one fetch and one miss, got fetched=%v misses=%v", res.Fetched, res.CacheMisses)
	}

	// Second pass with identical inputs served from cache.
	res2 := r.Resolve(context.Background(), cfg, opts)
	if len(res2.CacheHits) != 1 || len(res2.Fetched) != 0 {
		t.Fatalf("expected a cache hit, got hits=%v fetched=%v", res2.CacheHits, res2.Fetched)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one upstream call, got %d", calls.Load())
	}
}

func TestResolve_ChangedInputsBypassCache(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprintf(w, `{"user":%q}`, r.Header.Get("X-Actor"))
	}))
	defer srv.Close()

	store := newMemoryCacheStore()
	r := newTestResolver(t, store)
	cfg := configWith(map[string]domain.ContextVariable{
		"profile": {
			ID:   "def-profile",
			Name: "profile",
			Fetch: domain.FetchConfig{
				URL:     srv.URL,
				Headers: map[string]string{"X-Actor": "{{headers.X-User}}"},
			},
		},
	})
	convID := uuid.New()

	res := r.Resolve(context.Background(), cfg, ResolveOptions{
		ConversationID: convID,
		Trigger:        domain.TriggerInvocation,
		Headers:        map[string]string{"X-User": "alice"},
	})
	if len(res.Fetched) != 1 {
		t.Fatalf("expected a fetch, got %+v", res)
	}

	// Same variable, different header value: the request hash changes, so the
	// cached entry must not be served.
	res2 := r.Resolve(context.Background(), cfg, ResolveOptions{
		ConversationID: convID,
		Trigger:        domain.TriggerInvocation,
		Headers:        map[string]string{"X-User": "bob"},
	})
	if len(res2.Fetched) != 1 || len(res2.CacheHits) != 0 {
		t.Fatalf("expected a fresh fetch on changed header, got %+v", res2)
	}
	if got := res2.Values["profile"].(map[string]any)["user"]; got != "bob" {
		t.Fatalf("expected value for bob, got %v", got)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected two upstream calls, got %d", calls.Load())
	}
}

func TestResolve_MissingHeaderSkipsWithDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		t.Error("upstream must not be called for a skipped definition")
	}))
	defer srv.Close()

	store := newMemoryCacheStore()
	r := newTestResolver(t, store)
	cfg := configWith(map[string]domain.ContextVariable{
		"tenant": {
			ID:           "def-tenant",
			Name:         "tenant",
			Fetch:        domain.FetchConfig{URL: srv.URL + "/{{headers.X-Tenant}}"},
			DefaultValue: "public",
		},
	})

	res := r.Resolve(context.Background(), cfg, ResolveOptions{
		ConversationID: uuid.New(),
		Trigger:        domain.TriggerInvocation,
	})
	if len(res.Skipped) != 1 || res.Skipped[0].ID != "def-tenant" {
		t.Fatalf("expected one skipped definition, got %+v", res.Skipped)
	}
	if len(res.Errored) != 0 {
		t.Fatalf("missing prerequisites must skip, not error: %+v", res.Errored)
	}
	if res.Values["tenant"] != "public" {
		t.Fatalf("expected default value, got %v", res.Values["tenant"])
	}
	if store.size() != 0 {
		t.Fatalf("a default value must not be cached")
	}
}

func TestResolve_UpstreamFailureIsErroredNotSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	store := newMemoryCacheStore()
	r := newTestResolver(t, store)
	cfg := configWith(map[string]domain.ContextVariable{
		"flaky": {
			ID:           "def-flaky",
			Name:         "flaky",
			Fetch:        domain.FetchConfig{URL: srv.URL},
			DefaultValue: "fallback",
		},
	})

	res := r.Resolve(context.Background(), cfg, ResolveOptions{
		ConversationID: uuid.New(),
		Trigger:        domain.TriggerInvocation,
	})
	if len(res.Errored) != 1 || res.Errored[0].ID != "def-flaky" {
		t.Fatalf("expected one errored definition, got %+v", res.Errored)
	}
	if len(res.Skipped) != 0 {
		t.Fatalf("a failed fetch must not be reported as skipped: %+v", res.Skipped)
	}
	if _, ok := res.Values["flaky"]; ok {
		t.Fatalf("errored definitions must not publish a value")
	}
}

func TestResolve_TriggerFiltering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `"value"`)
	}))
	defer srv.Close()

	store := newMemoryCacheStore()
	r := newTestResolver(t, store)
	cfg := configWith(map[string]domain.ContextVariable{
		"once":  {ID: "def-once", Trigger: domain.TriggerInitialization, Fetch: domain.FetchConfig{URL: srv.URL}},
		"every": {ID: "def-every", Trigger: domain.TriggerInvocation, Fetch: domain.FetchConfig{URL: srv.URL}},
		"blank": {ID: "def-blank", Fetch: domain.FetchConfig{URL: srv.URL}}, // Blank trigger defaults to invocation.
	})

	res := r.Resolve(context.Background(), cfg, ResolveOptions{
		ConversationID: uuid.New(),
		Trigger:        domain.TriggerInitialization,
	})
	if len(res.Fetched) != 1 || res.Fetched[0] != "def-once" {
		t.Fatalf("initialization pass must touch only initialization definitions, got %v", res.Fetched)
	}

	res = r.Resolve(context.Background(), cfg, ResolveOptions{
		ConversationID: uuid.New(),
		Trigger:        domain.TriggerInvocation,
	})
	if len(res.Fetched) != 2 {
		t.Fatalf("invocation pass must touch invocation and blank-trigger definitions, got %v", res.Fetched)
	}
}

func TestResolve_PrerequisiteVariableOrdering(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			fmt.Fprint(w, `"tok-123"`)
		case "/detail":
			if got := r.Header.Get("Authorization"); got != "Bearer tok-123" {
				t.Errorf("prerequisite not expanded, got Authorization=%q", got)
			}
			fmt.Fprint(w, `{"ok":true}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	store := newMemoryCacheStore()
	r := newTestResolver(t, store)
	cfg := configWith(map[string]domain.ContextVariable{
		// Sorted pass order would try "detail" first; it must wait for "token".
		"detail": {
			ID: "def-detail",
			Fetch: domain.FetchConfig{
				URL:     srv.URL + "/detail",
				Headers: map[string]string{"Authorization": "Bearer {{vars.token}}"},
			},
		},
		"token": {ID: "def-token", Fetch: domain.FetchConfig{URL: srv.URL + "/token"}},
	})

	res := r.Resolve(context.Background(), cfg, ResolveOptions{
		ConversationID: uuid.New(),
		Trigger:        domain.TriggerInvocation,
	})
	if len(res.Fetched) != 2 {
		t.Fatalf("expected both definitions fetched, got %+v", res)
	}
	if res.Values["token"] != "tok-123" {
		t.Fatalf("unexpected token value: %v", res.Values["token"])
	}
}

func TestResolve_UnknownPrerequisiteSkips(t *testing.T) {
	store := newMemoryCacheStore()
	r := newTestResolver(t, store)
	cfg := configWith(map[string]domain.ContextVariable{
		"orphan": {
			ID:    "def-orphan",
			Fetch: domain.FetchConfig{URL: "http://example.invalid/{{vars.never}}"},
		},
	})

	res := r.Resolve(context.Background(), cfg, ResolveOptions{
		ConversationID: uuid.New(),
		Trigger:        domain.TriggerInvocation,
	})
	if len(res.Skipped) != 1 {
		t.Fatalf("expected a skip for the unknown prerequisite, got %+v", res)
	}
}

func TestResolve_RequiredToFetchGuards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `"value"`)
	}))
	defer srv.Close()

	store := newMemoryCacheStore()
	r := newTestResolver(t, store)
	cfg := configWith(map[string]domain.ContextVariable{
		"guarded": {
			ID: "def-guarded",
			Fetch: domain.FetchConfig{
				URL:             srv.URL,
				RequiredToFetch: []string{"headers.X-Api-Key"},
			},
		},
	})

	res := r.Resolve(context.Background(), cfg, ResolveOptions{
		ConversationID: uuid.New(),
		Trigger:        domain.TriggerInvocation,
	})
	if len(res.Skipped) != 1 {
		t.Fatalf("expected skip without the required header, got %+v", res)
	}

	res = r.Resolve(context.Background(), cfg, ResolveOptions{
		ConversationID: uuid.New(),
		Trigger:        domain.TriggerInvocation,
		Headers:        map[string]string{"X-Api-Key": "k"},
	})
	if len(res.Fetched) != 1 {
		t.Fatalf("expected fetch with the required header present, got %+v", res)
	}
}

func TestResolve_BrokenCacheStillResolves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `"live"`)
	}))
	defer srv.Close()

	store := newMemoryCacheStore()
	store.getErr = errors.New("cache read outage")
	store.putErr = errors.New("cache write outage")
	r := newTestResolver(t, store)
	cfg := configWith(map[string]domain.ContextVariable{
		"v": {ID: "def-v", Fetch: domain.FetchConfig{URL: srv.URL}},
	})

	res := r.Resolve(context.Background(), cfg, ResolveOptions{
		ConversationID: uuid.New(),
		Trigger:        domain.TriggerInvocation,
	})
	if len(res.Errored) != 0 {
		t.Fatalf("cache failures must not fail the resolution: %+v", res.Errored)
	}
	if res.Values["v"] != "live" {
		t.Fatalf("expected live value, got %v", res.Values["v"])
	}
}

func TestContextCache_InvalidationPropagatesErrors(t *testing.T) {
	store := newMemoryCacheStore()
	store.deleteErr = errors.New("delete outage")
	cache := NewContextCache(store, discardLogger())

	if err := cache.ClearConversation(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected invalidation error to propagate")
	}
	cfg := configWith(map[string]domain.ContextVariable{
		"v": {ID: "def-v", Trigger: domain.TriggerInvocation, Fetch: domain.FetchConfig{URL: "http://example.invalid"}},
	})
	if err := cache.InvalidateInvocationDefinitions(context.Background(), uuid.New(), cfg); err == nil {
		t.Fatal("expected invalidation error to propagate")
	}
}

func TestValidateHeaders(t *testing.T) {
	if err := ValidateHeaders(nil, nil); err != nil {
		t.Fatalf("no required headers must always pass: %v", err)
	}
	if err := ValidateHeaders([]string{"X-Team"}, map[string]string{"x-team": "core"}); err != nil {
		t.Fatalf("header matching must be case-insensitive: %v", err)
	}
	err := ValidateHeaders([]string{"X-Team", "X-Env"}, map[string]string{"X-Team": "  "})
	if err == nil {
		t.Fatal("blank and absent headers must fail validation")
	}
}

func TestCollectRefs(t *testing.T) {
	def := domain.ContextVariable{
		Fetch: domain.FetchConfig{
			URL: "https://api.example.com/{{vars.region}}/users/{{headers.X-User}}",
			Headers: map[string]string{
				"Authorization": "Bearer {{vars.token}}",
			},
			RequiredToFetch: []string{"headers.X-Org", "vars.region"},
		},
	}
	refs := collectRefs(def)

	want := map[ref]bool{
		{kind: refVar, name: "region"}:    true,
		{kind: refHeader, name: "X-User"}: true,
		{kind: refVar, name: "token"}:     true,
		{kind: refHeader, name: "X-Org"}:  true,
	}
	if len(refs) != len(want) {
		t.Fatalf("expected %d unique refs, got %v", len(want), refs)
	}
	for _, r := range refs {
		if !want[r] {
			t.Errorf("unexpected ref %+v", r)
		}
	}
}
