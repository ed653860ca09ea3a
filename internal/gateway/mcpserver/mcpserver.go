// Package mcpserver exposes tool execution and context resolution over the
// Model Context Protocol, so MCP-capable clients can drive Kazi without the
// HTTP gateway. Transport is stdio: one server per client process.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/kazi/internal/domain"
	"github.com/jkaninda/kazi/internal/executor"
	"github.com/jkaninda/kazi/internal/resolver"
)

// Server bridges MCP tool calls onto the executor and resolver services.
type Server struct {
	mcp      *server.MCPServer
	sessions *executor.SessionRegistry
	contexts *resolver.Service // nil = context tools not registered.
	logger   *slog.Logger
}

// New creates an MCP server exposing the execute_code tool, and the context
// tools when a resolver service is provided.
func New(version string, sessions *executor.SessionRegistry, contexts *resolver.Service, logger *slog.Logger) *Server {
	s := &Server{
		mcp: server.NewMCPServer(
			"kazi",
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
			server.WithInstructions(serverInstructions),
		),
		sessions: sessions,
		contexts: contexts,
		logger:   logger,
	}

	s.mcp.AddTool(mcp.NewTool("execute_code",
		mcp.WithDescription("Execute code in an ephemeral sandboxed environment. "+
			"Environments with the same runtime and dependencies are pooled and reused across calls."),
		mcp.WithString("code", mcp.Required(),
			mcp.Description("Source code of the tool body. Must define an execute(args) entry point or evaluate to a value."),
		),
		mcp.WithString("runtime",
			mcp.Description("Execution runtime."),
			mcp.Enum("node", "python"),
		),
		mcp.WithObject("dependencies",
			mcp.Description("Package name to version-range map installed before execution."),
		),
		mcp.WithObject("arguments",
			mcp.Description("Arguments passed to the tool's execute entry point."),
		),
		mcp.WithString("session_id",
			mcp.Description("Session identifier. Calls sharing a session reuse pooled environments."),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Total lifetime budget for the pooled environment."),
		),
	), s.handleExecuteCode)

	if contexts != nil {
		s.mcp.AddTool(mcp.NewTool("resolve_context",
			mcp.WithDescription("Resolve the context variables configured for a conversation. "+
				"Values are fetched from upstream services and cached per conversation."),
			mcp.WithString("conversation_id", mcp.Required(),
				mcp.Description("Conversation UUID."),
			),
			mcp.WithString("config_id", mcp.Required(),
				mcp.Description("Context configuration UUID."),
			),
			mcp.WithObject("headers",
				mcp.Description("Request headers consumed by context variable templates."),
			),
		), s.handleResolveContext)

		s.mcp.AddTool(mcp.NewTool("clear_context",
			mcp.WithDescription("Drop all cached context values for a conversation."),
			mcp.WithString("conversation_id", mcp.Required(),
				mcp.Description("Conversation UUID."),
			),
		), s.handleClearContext)
	}

	return s
}

// ServeStdio runs the server over stdin/stdout until the client disconnects.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleExecuteCode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := req.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	runtime := domain.Runtime(req.GetString("runtime", string(domain.RuntimeNode)))
	if runtime != domain.RuntimeNode && runtime != domain.RuntimePython {
		return mcp.NewToolResultError(fmt.Sprintf("unsupported runtime: %s", runtime)), nil
	}

	args := req.GetArguments()
	tool := &domain.FunctionTool{
		Name:         "mcp_execute_code",
		ExecuteCode:  code,
		Dependencies: stringMap(args["dependencies"]),
		Sandbox: domain.SandboxSpec{
			Provider: domain.ProviderNative,
			Runtime:  runtime,
			Timeout:  time.Duration(req.GetFloat("timeout_seconds", 0)) * time.Second,
		},
	}

	sessionID := req.GetString("session_id", "mcp")
	toolArgs, _ := args["arguments"].(map[string]any)

	s.logger.Info("mcp tool execution",
		slog.String("session", sessionID),
		slog.String("runtime", string(runtime)),
	)

	result, err := s.sessions.ForSession(sessionID).ExecuteFunctionTool(ctx, tool, toolArgs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", err)), nil
	}
	if !result.Success {
		return mcp.NewToolResultError(result.Error), nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleResolveContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := requireUUID(req, "conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	configID, err := requireUUID(req, "config_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	headers := stringMap(req.GetArguments()["headers"])

	res, err := s.contexts.HandleContextResolution(ctx, resolver.ResolveRequest{
		ConversationID: conversationID,
		ConfigID:       configID,
		Headers:        headers,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("context resolution failed: %v", err)), nil
	}

	data, err := json.Marshal(res)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding resolution: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleClearContext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conversationID, err := requireUUID(req, "conversation_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.contexts.ClearConversation(ctx, conversationID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("clearing context failed: %v", err)), nil
	}
	return mcp.NewToolResultText(`{"status":"cleared"}`), nil
}

func requireUUID(req mcp.CallToolRequest, key string) (uuid.UUID, error) {
	raw, err := req.RequireString(key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s must be a valid UUID", key)
	}
	return id, nil
}

// stringMap coerces a JSON object of string values into map[string]string.
// Non-string values are dropped.
func stringMap(v any) map[string]string {
	obj, ok := v.(map[string]any)
	if !ok || len(obj) == 0 {
		return nil
	}
	out := make(map[string]string, len(obj))
	for k, val := range obj {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}

const serverInstructions = `Kazi executes user-defined code in sandboxed environments
and resolves per-conversation context variables.

Use execute_code to run a tool body. Pass the same session_id across calls to
reuse pooled environments (faster; installed dependencies persist until the
environment expires). Declared dependencies select which pooled environment a
call can reuse.

Use resolve_context at the start of a conversation turn to fetch the values
the conversation's configuration declares. Resolved values are cached per
conversation; clear_context drops that cache.`
