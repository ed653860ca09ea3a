package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/kazi/internal/domain"
)

// ResolveOptions carries the per-pass inputs of one resolution.
type ResolveOptions struct {
	ConversationID uuid.UUID
	Trigger        domain.TriggerEvent
	Headers        map[string]string
}

// SkippedDefinition records a definition whose preconditions were not met.
// A skip is expected and silent — never an error.
type SkippedDefinition struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// ErroredDefinition records a definition whose fetch was attempted and failed.
type ErroredDefinition struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Cause string `json:"cause"`
}

// Resolution partitions one pass's definitions. A definition id appears in at
// most one of Fetched, Skipped, and Errored; ids absent everywhere did not
// match the pass's trigger.
type Resolution struct {
	// Trigger is the effective trigger of the turn that produced this
	// resolution. A first turn that ran both passes reports initialization.
	Trigger     domain.TriggerEvent `json:"trigger"`
	Values      map[string]any      `json:"values"`
	Fetched     []string            `json:"fetched"`
	CacheHits   []string            `json:"cache_hits"`
	CacheMisses []string            `json:"cache_misses"`
	Skipped     []SkippedDefinition `json:"skipped"`
	Errored     []ErroredDefinition `json:"errored"`
}

// Resolver is the context fetch engine. One Resolve call is one pass; each
// eligible definition is resolved exactly once per pass.
type Resolver struct {
	cache          *ContextCache
	client         *http.Client
	maxConcurrency int
	logger         *slog.Logger
}

// Config tunes the fetch engine.
type Config struct {
	FetchTimeout   time.Duration // Per-definition HTTP timeout. Default: 10s.
	MaxConcurrency int           // Concurrent fetches per pass. Default: 4.
}

// NewResolver creates a Resolver over the given cache.
func NewResolver(cache *ContextCache, cfg Config, logger *slog.Logger) *Resolver {
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	return &Resolver{
		cache:          cache,
		client:         &http.Client{Timeout: cfg.FetchTimeout},
		maxConcurrency: cfg.MaxConcurrency,
		logger:         logger,
	}
}

// pending is one definition's in-pass state before it reaches a terminal
// partition.
type pending struct {
	key string
	def domain.ContextVariable
}

// Resolve runs one resolution pass over the configuration. Definitions whose
// trigger does not match the pass are untouched. Definitions resolve in
// prerequisite order: a definition referencing {{vars.X}} waits for the
// definition publishing X within the same pass.
func (r *Resolver) Resolve(ctx context.Context, cfg *domain.ContextConfig, opts ResolveOptions) *Resolution {
	res := &Resolution{Trigger: opts.Trigger, Values: make(map[string]any)}

	var queue []pending
	keys := make([]string, 0, len(cfg.ContextVariables))
	for key := range cfg.ContextVariables {
		keys = append(keys, key)
	}
	sort.Strings(keys) // Deterministic pass order.
	for _, key := range keys {
		def := cfg.ContextVariables[key]
		if effectiveTrigger(def) != opts.Trigger {
			continue
		}
		queue = append(queue, pending{key: key, def: def})
	}

	var mu sync.Mutex // Guards res across concurrent fetches.

	for len(queue) > 0 {
		ready, deferred := r.partitionRound(queue, opts, res, &mu)
		if len(ready) == 0 {
			// The remaining definitions wait on each other — unsatisfiable.
			for _, p := range deferred {
				r.skip(res, &mu, p, "unresolvable prerequisite cycle")
			}
			break
		}

		r.runRound(ctx, cfg, opts, ready, res, &mu)
		queue = deferred
	}

	return res
}

// partitionRound splits the queue into definitions ready to fetch now and
// definitions deferred to a later round. Definitions with permanently missing
// prerequisites are skipped in place.
func (r *Resolver) partitionRound(queue []pending, opts ResolveOptions, res *Resolution, mu *sync.Mutex) (ready, deferred []pending) {
	pendingKeys := make(map[string]bool, len(queue))
	for _, p := range queue {
		pendingKeys[p.key] = true
	}

	for _, p := range queue {
		state := r.classify(p, opts, res, mu, pendingKeys)
		switch state {
		case prereqReady:
			ready = append(ready, p)
		case prereqWaiting:
			deferred = append(deferred, p)
		}
		// prereqMissing definitions were skipped by classify.
	}
	return ready, deferred
}

type prereqState int

const (
	prereqReady prereqState = iota
	prereqWaiting
	prereqMissing
)

// classify decides whether a definition's prerequisites are satisfied now,
// may still be satisfied by a later round, or can never be satisfied this pass.
func (r *Resolver) classify(p pending, opts ResolveOptions, res *Resolution, mu *sync.Mutex, pendingKeys map[string]bool) prereqState {
	for _, ref := range collectRefs(p.def) {
		switch ref.kind {
		case refHeader:
			if strings.TrimSpace(headerValue(opts.Headers, ref.name)) == "" {
				r.skip(res, mu, p, fmt.Sprintf("missing required header %q", ref.name))
				return prereqMissing
			}
		case refVar:
			mu.Lock()
			value, resolved := res.Values[ref.name]
			mu.Unlock()
			if resolved {
				if isEmptyValue(value) {
					r.skip(res, mu, p, fmt.Sprintf("prerequisite variable %q is empty", ref.name))
					return prereqMissing
				}
				continue
			}
			if pendingKeys[ref.name] && ref.name != p.key {
				return prereqWaiting
			}
			r.skip(res, mu, p, fmt.Sprintf("missing prerequisite variable %q", ref.name))
			return prereqMissing
		}
	}
	return prereqReady
}

// runRound resolves all ready definitions, at most maxConcurrency at a time.
func (r *Resolver) runRound(ctx context.Context, cfg *domain.ContextConfig, opts ResolveOptions, ready []pending, res *Resolution, mu *sync.Mutex) {
	sem := make(chan struct{}, r.maxConcurrency)
	var wg sync.WaitGroup

	for _, p := range ready {
		wg.Add(1)
		sem <- struct{}{}
		go func(p pending) {
			defer wg.Done()
			defer func() { <-sem }()
			r.resolveOne(ctx, cfg, opts, p, res, mu)
		}(p)
	}
	wg.Wait()
}

// resolveOne takes a single definition from FETCHING to FETCHED or ERRORED,
// consulting the cache first.
func (r *Resolver) resolveOne(ctx context.Context, cfg *domain.ContextConfig, opts ResolveOptions, p pending, res *Resolution, mu *sync.Mutex) {
	mu.Lock()
	lookup := buildLookup(opts.Headers, res.Values)
	mu.Unlock()

	url := expandTemplate(p.def.Fetch.URL, lookup)
	method := p.def.Fetch.Method
	if method == "" {
		method = http.MethodGet
	}
	headers := make(map[string]string, len(p.def.Fetch.Headers))
	headerNames := make([]string, 0, len(p.def.Fetch.Headers))
	for name := range p.def.Fetch.Headers {
		headerNames = append(headerNames, name)
	}
	sort.Strings(headerNames)
	for _, name := range headerNames {
		headers[name] = expandTemplate(p.def.Fetch.Headers[name], lookup)
	}

	hash := requestHash(method, url, headerNames, headers)

	if entry := r.cache.Get(ctx, cfg.ID, opts.ConversationID, p.key, hash); entry != nil {
		mu.Lock()
		res.Values[p.key] = entry.Value
		res.CacheHits = append(res.CacheHits, p.def.ID)
		mu.Unlock()
		return
	}
	mu.Lock()
	res.CacheMisses = append(res.CacheMisses, p.def.ID)
	mu.Unlock()

	value, err := r.fetch(ctx, method, url, headers)
	if err != nil {
		r.logger.Warn("context variable fetch failed",
			slog.String("definition", p.def.ID),
			slog.String("variable", p.key),
			slog.String("error", err.Error()),
		)
		mu.Lock()
		res.Errored = append(res.Errored, ErroredDefinition{ID: p.def.ID, Key: p.key, Cause: err.Error()})
		mu.Unlock()
		return
	}

	mu.Lock()
	res.Values[p.key] = value
	res.Fetched = append(res.Fetched, p.def.ID)
	mu.Unlock()

	r.cache.Set(ctx, &domain.ContextCacheEntry{
		ConfigID:       cfg.ID,
		ConversationID: opts.ConversationID,
		VariableKey:    p.key,
		DefinitionID:   p.def.ID,
		Trigger:        effectiveTrigger(p.def),
		Value:          value,
		RequestHash:    hash,
		FetchedAt:      time.Now().UTC(),
	})
}

// fetch performs the HTTP request and decodes the JSON response body.
// Non-2xx responses, transport failures, and malformed bodies are all fetch
// errors, never skips.
func (r *Resolver) fetch(ctx context.Context, method, url string, headers map[string]string) (any, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch returned %d: %s", resp.StatusCode, truncateBody(body))
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, fmt.Errorf("malformed response body: %w", err)
	}
	return value, nil
}

// skip records a skipped definition. A default value still contributes to the
// resolved map even though the definition lands in the skipped partition.
func (r *Resolver) skip(res *Resolution, mu *sync.Mutex, p pending, reason string) {
	mu.Lock()
	defer mu.Unlock()
	res.Skipped = append(res.Skipped, SkippedDefinition{ID: p.def.ID, Key: p.key, Reason: reason})
	if p.def.DefaultValue != nil {
		res.Values[p.key] = p.def.DefaultValue
	}
	r.logger.Debug("context variable skipped",
		slog.String("definition", p.def.ID),
		slog.String("variable", p.key),
		slog.String("reason", reason),
	)
}

// effectiveTrigger returns the definition's trigger, defaulting to
// per-invocation.
func effectiveTrigger(def domain.ContextVariable) domain.TriggerEvent {
	if def.Trigger == "" {
		return domain.TriggerInvocation
	}
	return def.Trigger
}

// --- template references ---

type refKind int

const (
	refHeader refKind = iota
	refVar
)

type ref struct {
	kind refKind
	name string
}

var templateRefPattern = regexp.MustCompile(`\{\{\s*(headers|vars)\.([A-Za-z0-9_.-]+)\s*\}\}`)

// collectRefs gathers every prerequisite reference of a definition: template
// references in the URL and header values, plus the explicit
// required_to_fetch list ("headers.X" / "vars.Y" entries).
func collectRefs(def domain.ContextVariable) []ref {
	var refs []ref
	seen := make(map[ref]bool)

	add := func(kind refKind, name string) {
		r := ref{kind: kind, name: name}
		if !seen[r] {
			seen[r] = true
			refs = append(refs, r)
		}
	}

	scan := func(s string) {
		for _, m := range templateRefPattern.FindAllStringSubmatch(s, -1) {
			if m[1] == "headers" {
				add(refHeader, m[2])
			} else {
				add(refVar, m[2])
			}
		}
	}

	scan(def.Fetch.URL)
	for _, v := range def.Fetch.Headers {
		scan(v)
	}
	for _, required := range def.Fetch.RequiredToFetch {
		switch {
		case strings.HasPrefix(required, "headers."):
			add(refHeader, strings.TrimPrefix(required, "headers."))
		case strings.HasPrefix(required, "vars."):
			add(refVar, strings.TrimPrefix(required, "vars."))
		}
	}
	return refs
}

// buildLookup snapshots the expansion inputs for one definition.
func buildLookup(headers map[string]string, values map[string]any) func(kind, name string) string {
	valueCopy := make(map[string]any, len(values))
	for k, v := range values {
		valueCopy[k] = v
	}
	return func(kind, name string) string {
		if kind == "headers" {
			return headerValue(headers, name)
		}
		return stringifyValue(valueCopy[name])
	}
}

// expandTemplate substitutes {{headers.X}} and {{vars.Y}} references.
func expandTemplate(s string, lookup func(kind, name string) string) string {
	return templateRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		m := templateRefPattern.FindStringSubmatch(match)
		return lookup(m[1], m[2])
	})
}

// requestHash fingerprints the inputs driving a fetch: method, expanded URL,
// and the expanded header set in sorted order.
func requestHash(method, url string, headerNames []string, headers map[string]string) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(url))
	h.Write([]byte{0})
	for _, name := range headerNames {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(headers[name]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// stringifyValue renders a resolved value for template substitution.
func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(data)
	}
}

// isEmptyValue reports whether a resolved value counts as absent for
// prerequisite purposes.
func isEmptyValue(v any) bool {
	s, ok := v.(string)
	return v == nil || (ok && strings.TrimSpace(s) == "")
}

func truncateBody(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
