// Package contextconfig loads context variable configurations from YAML
// files and serves them to the resolver. Files live in a single directory,
// one configuration per file; edits are picked up without a restart.
package contextconfig

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/resolver"
)

// reloadInterval bounds how stale the in-memory config set may get before
// the next lookup re-scans the directory.
const reloadInterval = 10 * time.Second

// fileConfig is the YAML schema of one configuration file.
type fileConfig struct {
	ID               string                  `yaml:"id"`
	RequiredHeaders  []string                `yaml:"required_headers"`
	ContextVariables map[string]fileVariable `yaml:"context_variables"`
}

type fileVariable struct {
	ID           string    `yaml:"id"`
	Name         string    `yaml:"name"`
	Trigger      string    `yaml:"trigger"` // "initialization" or "invocation". Default: "invocation".
	DefaultValue any       `yaml:"default_value"`
	Fetch        fileFetch `yaml:"fetch"`
}

type fileFetch struct {
	URL             string            `yaml:"url"`
	Method          string            `yaml:"method"` // Default: "GET".
	Headers         map[string]string `yaml:"headers"`
	RequiredToFetch []string          `yaml:"required_to_fetch"`
}

// Loader reads context configurations from a directory of YAML files.
// Implements resolver.ConfigSource.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	configs  map[uuid.UUID]*domain.ContextConfig
	loadedAt time.Time
}

var _ resolver.ConfigSource = (*Loader)(nil)

// NewLoader creates a Loader over dir. The directory may not exist yet; it
// then serves an empty configuration set.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: logger,
	}
}

// ContextConfig returns the configuration with the given id, or nil when no
// file declares it.
func (l *Loader) ContextConfig(_ context.Context, configID uuid.UUID) (*domain.ContextConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.loadedAt) > reloadInterval || l.configs == nil {
		if err := l.reloadLocked(); err != nil {
			return nil, err
		}
	}
	return l.configs[configID], nil
}

// Reload forces a directory re-scan on the next lookup.
func (l *Loader) Reload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadedAt = time.Time{}
}

func (l *Loader) reloadLocked() error {
	configs := make(map[uuid.UUID]*domain.ContextConfig)

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			l.configs = configs
			l.loadedAt = time.Now()
			return nil
		}
		return fmt.Errorf("reading context config directory %s: %w", l.dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}

		path := filepath.Join(l.dir, name)
		cfg, err := parseFile(path)
		if err != nil {
			// A broken file must not take down the whole config set.
			l.logger.Warn("context config parse error",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		if _, dup := configs[cfg.ID]; dup {
			l.logger.Warn("duplicate context config id, keeping first",
				slog.String("file", path),
				slog.String("config_id", cfg.ID.String()),
			)
			continue
		}
		configs[cfg.ID] = cfg
		loaded++
	}

	l.logger.Debug("context configs loaded",
		slog.String("dir", l.dir),
		slog.Int("count", loaded),
	)

	l.configs = configs
	l.loadedAt = time.Now()
	return nil
}

func parseFile(path string) (*domain.ContextConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	return fc.toDomain()
}

func (fc *fileConfig) toDomain() (*domain.ContextConfig, error) {
	id, err := uuid.Parse(fc.ID)
	if err != nil {
		return nil, fmt.Errorf("id must be a valid UUID: %w", err)
	}
	if len(fc.ContextVariables) == 0 {
		return nil, fmt.Errorf("context_variables must not be empty")
	}

	vars := make(map[string]domain.ContextVariable, len(fc.ContextVariables))
	for key, fv := range fc.ContextVariables {
		v, err := fv.toDomain(key)
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", key, err)
		}
		vars[key] = v
	}

	return &domain.ContextConfig{
		ID:               id,
		RequiredHeaders:  fc.RequiredHeaders,
		ContextVariables: vars,
	}, nil
}

func (fv *fileVariable) toDomain(key string) (domain.ContextVariable, error) {
	if fv.Fetch.URL == "" {
		return domain.ContextVariable{}, fmt.Errorf("fetch.url is required")
	}

	trigger := domain.TriggerEvent(fv.Trigger)
	switch trigger {
	case "":
		trigger = domain.TriggerInvocation
	case domain.TriggerInitialization, domain.TriggerInvocation:
	default:
		return domain.ContextVariable{}, fmt.Errorf("trigger must be %q or %q, got %q",
			domain.TriggerInitialization, domain.TriggerInvocation, fv.Trigger)
	}

	method := strings.ToUpper(fv.Fetch.Method)
	if method == "" {
		method = "GET"
	}

	varID := fv.ID
	if varID == "" {
		varID = key
	}
	name := fv.Name
	if name == "" {
		name = key
	}

	return domain.ContextVariable{
		ID:      varID,
		Name:    name,
		Trigger: trigger,
		Fetch: domain.FetchConfig{
			URL:             fv.Fetch.URL,
			Method:          method,
			Headers:         fv.Fetch.Headers,
			RequiredToFetch: fv.Fetch.RequiredToFetch,
		},
		DefaultValue: fv.DefaultValue,
	}, nil
}
