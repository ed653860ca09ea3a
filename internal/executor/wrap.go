// Package executor runs user-defined function tools inside pooled sandbox
// environments. It owns the execution wrapper/result codec, the per-provider
// executors, and the factory that dispatches between them.
package executor

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/jkaninda/kazi/internal/domain"
)

// scriptFileName returns the entry-point file name for a runtime.
func scriptFileName(runtime domain.Runtime) string {
	if runtime == domain.RuntimePython {
		return "index.py"
	}
	return "index.js"
}

// runCommand returns the interpreter invocation for the wrapped script.
func runCommand(runtime domain.Runtime) []string {
	if runtime == domain.RuntimePython {
		return []string{"python3", scriptFileName(runtime)}
	}
	return []string{"node", scriptFileName(runtime)}
}

// WrapScript embeds the serialized args and the user's function body into a
// self-contained script. The script invokes execute(args), prints exactly one
// JSON line {"success":true,"result":...} or {"success":false,"error":...} to
// stdout, and exits non-zero on failure. Stdout plus the exit code is the sole
// channel between the parent process and the script — no side channel.
func WrapScript(runtime domain.Runtime, code string, args map[string]any) (string, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encoding arguments: %w", err)
	}

	switch runtime {
	case domain.RuntimeNode, "":
		return fmt.Sprintf(`"use strict";
const __args = %s;

%s

(async () => {
	try {
		const result = await execute(__args);
		console.log(JSON.stringify({ success: true, result: result === undefined ? null : result }));
	} catch (err) {
		console.log(JSON.stringify({ success: false, error: String((err && err.message) || err) }));
		process.exit(1);
	}
})();
`, argsJSON, code), nil

	case domain.RuntimePython:
		// Args travel base64-encoded: JSON literals are not valid Python
		// (true/false/null) and the payload must survive any quoting.
		encoded := base64.StdEncoding.EncodeToString(argsJSON)
		return fmt.Sprintf(`import base64
import json
import sys

__args = json.loads(base64.b64decode("%s").decode("utf-8"))

%s

try:
    __result = execute(__args)
    print(json.dumps({"success": True, "result": __result}))
except Exception as exc:
    print(json.dumps({"success": False, "error": str(exc)}))
    sys.exit(1)
`, encoded, code), nil

	default:
		return "", fmt.Errorf("unsupported runtime %q", runtime)
	}
}

// DependencyManifest renders the runtime's dependency manifest file.
func DependencyManifest(runtime domain.Runtime, deps map[string]string) (name string, data []byte, err error) {
	switch runtime {
	case domain.RuntimeNode, "":
		payload := map[string]any{
			"name":         "kazi-sandbox",
			"private":      true,
			"dependencies": deps,
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return "", nil, err
		}
		return "package.json", append(data, '\n'), nil
	case domain.RuntimePython:
		names := make([]string, 0, len(deps))
		for n := range deps {
			names = append(names, n)
		}
		sort.Strings(names)
		var b strings.Builder
		for _, n := range names {
			version := deps[n]
			switch {
			case version == "":
				b.WriteString(n)
			case strings.ContainsAny(version, "<>=!~"):
				b.WriteString(n + version)
			default:
				b.WriteString(n + "==" + version)
			}
			b.WriteByte('\n')
		}
		return "requirements.txt", []byte(b.String()), nil
	default:
		return "", nil, fmt.Errorf("unsupported runtime %q", runtime)
	}
}

var envVarPatterns = []*regexp.Regexp{
	regexp.MustCompile(`process\.env\.([A-Za-z_][A-Za-z0-9_]*)`),
	regexp.MustCompile(`process\.env\[\s*["']([A-Za-z_][A-Za-z0-9_]*)["']\s*\]`),
	regexp.MustCompile(`os\.environ\[\s*["']([A-Za-z_][A-Za-z0-9_]*)["']\s*\]`),
	regexp.MustCompile(`os\.environ\.get\(\s*["']([A-Za-z_][A-Za-z0-9_]*)["']`),
	regexp.MustCompile(`os\.getenv\(\s*["']([A-Za-z_][A-Za-z0-9_]*)["']`),
}

// DetectEnvVars pattern-matches environment variable references out of the
// user's source text, sorted and de-duplicated. The executor surfaces these
// in the execution environment; actual values come from a SecretSource.
func DetectEnvVars(code string) []string {
	seen := make(map[string]struct{})
	for _, pattern := range envVarPatterns {
		for _, match := range pattern.FindAllStringSubmatch(code, -1) {
			seen[match[1]] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseResult decodes the wrapped script's output: the last non-blank line of
// stdout, JSON-decoded. On decode failure it returns the raw output and logs
// a warning — it never fails.
func ParseResult(logger *slog.Logger, stdout string) any {
	lines := strings.Split(stdout, "\n")
	var last string
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			last = trimmed
			break
		}
	}
	if last == "" {
		return stdout
	}

	var value any
	if err := json.Unmarshal([]byte(last), &value); err != nil {
		logger.Warn("tool output is not valid JSON, returning raw output",
			slog.String("line", truncate(last, 200)),
			slog.String("error", err.Error()),
		)
		return stdout
	}
	return value
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
