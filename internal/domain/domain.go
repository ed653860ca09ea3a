// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Provider identifies which sandbox executor strategy runs a function tool.
type Provider string

const (
	// ProviderNative runs tool code in pooled local process environments.
	ProviderNative Provider = "native"
	// ProviderRemote runs tool code in pooled remote micro-VMs.
	ProviderRemote Provider = "remote"
)

// Runtime identifies the language runtime the tool code targets.
type Runtime string

const (
	RuntimeNode   Runtime = "node"
	RuntimePython Runtime = "python"
)

// SandboxSpec declares how a function tool's execution environment is provisioned.
// Provider credentials for the remote variant come from config, never from here.
type SandboxSpec struct {
	Provider Provider      `json:"provider" yaml:"provider"`
	Runtime  Runtime       `json:"runtime" yaml:"runtime"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout"` // Total lifetime budget of a pooled environment.
	VCPUs    int           `json:"vcpus,omitempty" yaml:"vcpus,omitempty"`
}

// FunctionTool is a user-defined tool whose body executes inside a sandbox.
// Dependencies maps package name to version range; the sorted set identifies
// which pooled environment can serve an invocation (see sandbox.Fingerprint).
type FunctionTool struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	InputSchema  map[string]any    `json:"input_schema"`
	ExecuteCode  string            `json:"execute_code"`
	Dependencies map[string]string `json:"dependencies"`
	Sandbox      SandboxSpec       `json:"sandbox"`
}

// TriggerEvent is the resolution pass kind a context variable is eligible for.
type TriggerEvent string

const (
	// TriggerInitialization fires once when a conversation session starts.
	TriggerInitialization TriggerEvent = "initialization"
	// TriggerInvocation fires on every conversation turn.
	TriggerInvocation TriggerEvent = "invocation"
)

// FetchConfig is the recipe for resolving a context variable over HTTP.
// URL and Headers may contain {{headers.X}} and {{vars.Y}} template references;
// every referenced value is a prerequisite of the definition.
type FetchConfig struct {
	URL             string            `json:"url" yaml:"url"`
	Method          string            `json:"method" yaml:"method"`
	Headers         map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	RequiredToFetch []string          `json:"required_to_fetch,omitempty" yaml:"required_to_fetch,omitempty"`
}

// ContextVariable is one named definition inside a context configuration.
// Immutable during a resolution pass.
type ContextVariable struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Trigger      TriggerEvent `json:"trigger"`
	Fetch        FetchConfig  `json:"fetch"`
	DefaultValue any          `json:"default_value,omitempty"`
}

// ContextConfig owns a set of context variable definitions, keyed by the
// variable key under which the resolved value is published.
type ContextConfig struct {
	ID               uuid.UUID                  `json:"id"`
	RequiredHeaders  []string                   `json:"required_headers,omitempty"`
	ContextVariables map[string]ContextVariable `json:"context_variables"`
}

// ContextCacheEntry is one resolved variable value persisted for reuse.
// RequestHash fingerprints the inputs that produced the value; a changed
// hash means the cached value no longer applies.
type ContextCacheEntry struct {
	ConfigID       uuid.UUID    `json:"config_id"`
	ConversationID uuid.UUID    `json:"conversation_id"`
	VariableKey    string       `json:"variable_key"`
	DefinitionID   string       `json:"definition_id"`
	Trigger        TriggerEvent `json:"trigger"`
	Value          any          `json:"value"`
	RequestHash    string       `json:"request_hash"`
	FetchedAt      time.Time    `json:"fetched_at"`
}

// Conversation tracks a conversational session and its last context resolution.
type Conversation struct {
	ID             uuid.UUID  `json:"id"`
	ConfigID       uuid.UUID  `json:"config_id"`
	ConfigHash     string     `json:"config_hash,omitempty"` // Hash of the config seen at last resolution.
	LastResolvedAt *time.Time `json:"last_resolved_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
