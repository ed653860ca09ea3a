package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/executor"
	"github.com/jkaninda/kazi/internal/resolver"
)

// SandboxRequest selects the execution environment for one tool.
type SandboxRequest struct {
	Provider       string `json:"provider"`        // "native" or "remote". Default: "native".
	Runtime        string `json:"runtime"`         // "node" or "python". Default: "node".
	TimeoutSeconds int    `json:"timeout_seconds"` // Total lifetime budget. 0 = provider default.
	VCPUs          int    `json:"vcpus,omitempty"`
}

// ToolRequest is the wire shape of a function tool definition.
type ToolRequest struct {
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	InputSchema  map[string]any    `json:"input_schema,omitempty"`
	ExecuteCode  string            `json:"execute_code"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Sandbox      SandboxRequest    `json:"sandbox"`
}

// ExecuteRequest is the JSON body for POST /v1/tools/execute.
type ExecuteRequest struct {
	Tool      ToolRequest    `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
	SessionID string         `json:"session_id,omitempty"` // Overridden by the X-Session-ID header.
}

// ExecuteResponse is the JSON response for POST /v1/tools/execute.
type ExecuteResponse struct {
	Success         bool     `json:"success"`
	Result          any      `json:"result,omitempty"`
	Error           string   `json:"error,omitempty"`
	Logs            []string `json:"logs,omitempty"`
	ExecutionTimeMS int64    `json:"execution_time_ms"`
	CorrelationID   string   `json:"correlation_id"`
}

func (r *ToolRequest) toDomain() *domain.FunctionTool {
	provider := domain.Provider(r.Sandbox.Provider)
	if provider == "" {
		provider = domain.ProviderNative
	}
	runtime := domain.Runtime(r.Sandbox.Runtime)
	if runtime == "" {
		runtime = domain.RuntimeNode
	}
	return &domain.FunctionTool{
		Name:         r.Name,
		Description:  r.Description,
		InputSchema:  r.InputSchema,
		ExecuteCode:  r.ExecuteCode,
		Dependencies: r.Dependencies,
		Sandbox: domain.SandboxSpec{
			Provider: provider,
			Runtime:  runtime,
			Timeout:  time.Duration(r.Sandbox.TimeoutSeconds) * time.Second,
			VCPUs:    r.Sandbox.VCPUs,
		},
	}
}

func (g *Gateway) handleToolExecute(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Tool.Name == "" {
		return c.AbortBadRequest("tool.name is required")
	}
	if req.Tool.ExecuteCode == "" {
		return c.AbortBadRequest("tool.execute_code is required")
	}

	sessionID := c.Header(SessionHeader)
	if sessionID == "" {
		sessionID = req.SessionID
	}
	if sessionID == "" {
		sessionID = clientID
	}

	correlationID := newCorrelationID()
	g.logger.Info("tool execution",
		slog.String("client_id", clientID),
		slog.String("correlation_id", correlationID),
		slog.String("session", sessionID),
		slog.String("tool", req.Tool.Name),
	)

	factory := g.sessions.ForSession(sessionID)
	result, err := factory.ExecuteFunctionTool(c.Context(), req.Tool.toDomain(), req.Arguments)
	if err != nil {
		if errors.Is(err, executor.ErrUnknownProvider) || errors.Is(err, executor.ErrRemoteDisabled) {
			return c.AbortBadRequest(err.Error())
		}
		g.logger.Error("tool execution failed",
			slog.String("correlation_id", correlationID),
			slog.String("tool", req.Tool.Name),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("tool execution failed")
	}

	return c.OK(ExecuteResponse{
		Success:         result.Success,
		Result:          result.Result,
		Error:           result.Error,
		Logs:            result.Logs,
		ExecutionTimeMS: result.ExecutionTimeMS,
		CorrelationID:   correlationID,
	})
}

func (g *Gateway) handleSessionCleanup(c *okapi.Context) error {
	clientID := c.GetString("clientID")
	sessionID := c.Param("id")
	if sessionID == "" {
		return c.AbortBadRequest("session ID is required")
	}

	g.logger.Info("session cleanup",
		slog.String("client_id", clientID),
		slog.String("session", sessionID),
	)

	if err := g.sessions.CleanupSession(c.Context(), sessionID); err != nil {
		g.logger.Error("session cleanup failed",
			slog.String("session", sessionID),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("session cleanup failed")
	}
	return c.OK(map[string]string{"status": "cleaned"})
}

// ResolveContextRequest is the JSON body for POST /v1/conversations/{id}/context.
// Headers consumed by context variable definitions are read from the HTTP
// request itself.
type ResolveContextRequest struct {
	ConfigID string `json:"config_id"`
}

// ResolveContextResponse is the JSON response for POST /v1/conversations/{id}/context.
type ResolveContextResponse struct {
	ConversationID string               `json:"conversation_id"`
	Resolution     *resolver.Resolution `json:"resolution"`
	CorrelationID  string               `json:"correlation_id"`
}

func (g *Gateway) handleContextResolve(c *okapi.Context) error {
	clientID := c.GetString("clientID")

	if g.limiter != nil {
		if err := g.limiter.Allow(clientID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid conversation ID")
	}

	var req ResolveContextRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	configID, err := uuid.Parse(req.ConfigID)
	if err != nil {
		return c.AbortBadRequest("config_id must be a valid UUID")
	}

	correlationID := newCorrelationID()
	start := time.Now()

	res, err := g.contexts.HandleContextResolution(c.Context(), resolver.ResolveRequest{
		ConversationID: conversationID,
		ConfigID:       configID,
		Headers:        flattenHeaders(c.Request().Header),
	})
	if err != nil {
		if errors.Is(err, resolver.ErrMissingHeaders) {
			return c.AbortBadRequest(err.Error())
		}
		g.logger.Error("context resolution failed",
			slog.String("correlation_id", correlationID),
			slog.String("conversation_id", conversationID.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("context resolution failed")
	}

	if g.config.Metrics != nil {
		g.config.Metrics.RecordResolution(string(res.Trigger), res, time.Since(start))
	}

	return c.OK(ResolveContextResponse{
		ConversationID: conversationID.String(),
		Resolution:     res,
		CorrelationID:  correlationID,
	})
}

func (g *Gateway) handleContextClear(c *okapi.Context) error {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid conversation ID")
	}

	if err := g.contexts.ClearConversation(c.Context(), conversationID); err != nil {
		g.logger.Error("clearing conversation context failed",
			slog.String("conversation_id", conversationID.String()),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("clearing conversation context failed")
	}
	return c.OK(map[string]string{"status": "cleared"})
}

// flattenHeaders keeps the first value of each header, the form context
// variable templates consume.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}
