package mcpserver

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func callRequest(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text
}

func TestExecuteCode_RequiresCode(t *testing.T) {
	s := New("test", nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := s.handleExecuteCode(context.Background(), callRequest(map[string]any{}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Error("missing code should produce a tool error")
	}
}

func TestExecuteCode_RejectsUnknownRuntime(t *testing.T) {
	s := New("test", nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := s.handleExecuteCode(context.Background(), callRequest(map[string]any{
		"code":    "return 1;",
		"runtime": "ruby",
	}))
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError {
		t.Error("unsupported runtime should produce a tool error")
	}
	if got := resultText(t, res); got != "unsupported runtime: ruby" {
		t.Errorf("error text = %q", got)
	}
}

func TestRequireUUID(t *testing.T) {
	if _, err := requireUUID(callRequest(map[string]any{"conversation_id": "not-a-uuid"}), "conversation_id"); err == nil {
		t.Error("malformed UUID should error")
	}
	if _, err := requireUUID(callRequest(map[string]any{}), "conversation_id"); err == nil {
		t.Error("missing value should error")
	}
	id, err := requireUUID(callRequest(map[string]any{"conversation_id": "7f9c24e5-3011-4bd8-8f0a-6b3f2f6c1a01"}), "conversation_id")
	if err != nil {
		t.Fatalf("valid UUID: %v", err)
	}
	if id.String() != "7f9c24e5-3011-4bd8-8f0a-6b3f2f6c1a01" {
		t.Errorf("parsed = %s", id)
	}
}

func TestStringMap(t *testing.T) {
	m := stringMap(map[string]any{"lodash": "^4.17.0", "count": 3})
	if len(m) != 1 || m["lodash"] != "^4.17.0" {
		t.Errorf("stringMap = %v, want non-string values dropped", m)
	}
	if stringMap(nil) != nil {
		t.Error("nil input should yield nil map")
	}
	if stringMap("junk") != nil {
		t.Error("non-object input should yield nil map")
	}
}
