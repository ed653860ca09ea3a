package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kazi/internal/domain"
)

// RemoteConfig configures the micro-VM provider client.
type RemoteConfig struct {
	Endpoint       string        // Provider API base URL, e.g. "https://vm.example.com".
	APIKey         string        // Bearer token for the provider API.
	VCPUs          int           // Default vCPU count when the spec declares none.
	CommandTimeout time.Duration // Wall-clock timeout per command.
}

// RemoteFactory provisions micro-VMs through the provider's HTTP API.
// Command execution streams over a WebSocket exec channel.
type RemoteFactory struct {
	cfg    RemoteConfig
	client *http.Client
	tracer trace.Tracer // nil = tracing disabled.
	logger *slog.Logger
}

// NewRemoteFactory creates a RemoteFactory.
func NewRemoteFactory(cfg RemoteConfig, tracer trace.Tracer, logger *slog.Logger) *RemoteFactory {
	if cfg.VCPUs <= 0 {
		cfg.VCPUs = 1
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	return &RemoteFactory{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		tracer: tracer,
		logger: logger,
	}
}

func (f *RemoteFactory) Provider() domain.Provider { return domain.ProviderRemote }

// Ping verifies the provider control plane is reachable and the API key is
// accepted. Backs the readiness endpoint when remote execution is configured.
func (f *RemoteFactory) Ping(ctx context.Context) error {
	if err := f.doJSON(ctx, http.MethodGet, "/v1/health", nil, nil); err != nil {
		return fmt.Errorf("remote provider unreachable: %w", err)
	}
	return nil
}

// createVMRequest is the provider's sandbox-creation payload.
type createVMRequest struct {
	Runtime        string `json:"runtime"`
	VCPUs          int    `json:"vcpus"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type createVMResponse struct {
	ID string `json:"id"`
}

// Create provisions a micro-VM sized from the spec.
func (f *RemoteFactory) Create(ctx context.Context, spec domain.SandboxSpec) (Environment, error) {
	if f.tracer != nil {
		var span trace.Span
		ctx, span = f.tracer.Start(ctx, "sandbox.remote.create",
			trace.WithAttributes(
				attribute.String("sandbox.runtime", string(spec.Runtime)),
			))
		defer span.End()
	}

	vcpus := spec.VCPUs
	if vcpus <= 0 {
		vcpus = f.cfg.VCPUs
	}
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = defaultTimeoutBudget
	}

	var resp createVMResponse
	err := f.doJSON(ctx, http.MethodPost, "/v1/sandboxes", createVMRequest{
		Runtime:        string(spec.Runtime),
		VCPUs:          vcpus,
		TimeoutSeconds: int(timeout.Seconds()),
	}, &resp)
	if err != nil {
		recordSpanError(ctx, err)
		return nil, fmt.Errorf("provisioning micro-VM: %w", err)
	}
	if resp.ID == "" {
		err := fmt.Errorf("provider returned empty sandbox id")
		recordSpanError(ctx, err)
		return nil, err
	}

	f.logger.Info("micro-VM provisioned",
		slog.String("sandbox_id", resp.ID),
		slog.String("runtime", string(spec.Runtime)),
		slog.Int("vcpus", vcpus),
	)

	return &RemoteEnvironment{
		id:      resp.ID,
		runtime: spec.Runtime,
		factory: f,
	}, nil
}

// doJSON issues one authenticated JSON request against the provider API.
func (f *RemoteFactory) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.cfg.Endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+f.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// RemoteEnvironment is one live micro-VM.
type RemoteEnvironment struct {
	id      string
	runtime domain.Runtime
	factory *RemoteFactory
}

func (e *RemoteEnvironment) ID() string { return e.id }

// WriteFile uploads a file into the VM filesystem.
func (e *RemoteEnvironment) WriteFile(ctx context.Context, relPath string, data []byte) error {
	type fileUpload struct {
		Path    string `json:"path"`
		Content []byte `json:"content"` // base64 via encoding/json.
	}
	err := e.factory.doJSON(ctx, http.MethodPost, "/v1/sandboxes/"+e.id+"/files",
		fileUpload{Path: relPath, Content: data}, nil)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", relPath, err)
	}
	return nil
}

// execRequest is the first frame of the exec channel.
type execRequest struct {
	Command []string          `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// execFrame is one message from the exec channel: an output chunk or the
// terminal exit event.
type execFrame struct {
	Stream   string `json:"stream,omitempty"` // "stdout" or "stderr".
	Data     string `json:"data,omitempty"`
	Event    string `json:"event,omitempty"` // "exit" terminates the stream.
	ExitCode int    `json:"exit_code"`
}

// RunCommand executes a command inside the VM over the WebSocket exec channel,
// collecting stdout/stderr frames until the exit event.
func (e *RemoteEnvironment) RunCommand(ctx context.Context, dir string, command []string, env map[string]string) (*ExecutionResult, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	if e.factory.tracer != nil {
		var span trace.Span
		ctx, span = e.factory.tracer.Start(ctx, "sandbox.remote.exec",
			trace.WithAttributes(
				attribute.String("sandbox.id", e.id),
				attribute.String("sandbox.command", command[0]),
			))
		defer span.End()
	}

	ctx, cancel := context.WithTimeout(ctx, e.factory.cfg.CommandTimeout)
	defer cancel()

	wsURL, err := e.execURL()
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + e.factory.cfg.APIKey}},
	})
	if err != nil {
		recordSpanError(ctx, err)
		return nil, fmt.Errorf("dialing exec channel: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(maxOutputBytes)

	start := time.Now()
	if err := wsjson.Write(ctx, conn, execRequest{Command: command, Dir: dir, Env: env}); err != nil {
		recordSpanError(ctx, err)
		return nil, fmt.Errorf("sending exec request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	stdoutW := &limitedWriter{w: &stdout, remaining: maxOutputBytes}
	stderrW := &limitedWriter{w: &stderr, remaining: maxOutputBytes}

	for {
		var frame execFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("execution timed out after %s", e.factory.cfg.CommandTimeout)
			}
			recordSpanError(ctx, err)
			return nil, fmt.Errorf("reading exec frame: %w", err)
		}

		switch {
		case frame.Event == "exit":
			return &ExecutionResult{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: frame.ExitCode,
				Duration: time.Since(start),
			}, nil
		case frame.Stream == "stderr":
			_, _ = stderrW.Write([]byte(frame.Data))
		default:
			_, _ = stdoutW.Write([]byte(frame.Data))
		}
	}
}

// InstallPackages installs the declared dependencies inside the VM.
func (e *RemoteEnvironment) InstallPackages(ctx context.Context, deps map[string]string) error {
	if len(deps) == 0 {
		return nil
	}
	command, err := installCommand(e.runtime, deps)
	if err != nil {
		return err
	}
	result, err := e.RunCommand(ctx, "", command, nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("package install exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// RemovePath removes a file or directory tree inside the VM.
func (e *RemoteEnvironment) RemovePath(ctx context.Context, relPath string) error {
	path := "/v1/sandboxes/" + e.id + "/files?path=" + url.QueryEscape(relPath)
	return e.factory.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// Close destroys the micro-VM.
func (e *RemoteEnvironment) Close(ctx context.Context) error {
	if err := e.factory.doJSON(ctx, http.MethodDelete, "/v1/sandboxes/"+e.id, nil, nil); err != nil {
		return fmt.Errorf("destroying micro-VM %s: %w", e.id, err)
	}
	e.factory.logger.Info("micro-VM destroyed", slog.String("sandbox_id", e.id))
	return nil
}

// execURL derives the WebSocket exec endpoint from the HTTP API endpoint.
func (e *RemoteEnvironment) execURL() (string, error) {
	u, err := url.Parse(e.factory.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing provider endpoint: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/sandboxes/" + e.id + "/exec"
	return u.String(), nil
}

// recordSpanError marks the active span failed, if any.
func recordSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
