package orchestration

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/resilience"
	"github.com/itsneelabh/gosaga/telemetry"
)

// maxToolResponseBytes bounds how much of a tool response is read.
const maxToolResponseBytes = 1 << 20

// StaticToolRegistry holds tool definitions registered at startup.
type StaticToolRegistry struct {
	mu           sync.RWMutex
	tools        map[string]*ToolDefinition
	fingerprints map[string]ToolVersion
}

// NewStaticToolRegistry builds a registry from the given definitions.
func NewStaticToolRegistry(defs ...*ToolDefinition) (*StaticToolRegistry, error) {
	r := &StaticToolRegistry{
		tools:        make(map[string]*ToolDefinition),
		fingerprints: make(map[string]ToolVersion),
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a tool definition and computes its schema
// fingerprint.
func (r *StaticToolRegistry) Register(def *ToolDefinition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("tool definition requires a name: %w", core.ErrInvalidConfiguration)
	}

	fp, err := schemaFingerprint(def.ParamsSchema)
	if err != nil {
		return fmt.Errorf("fingerprint tool %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = def
	r.fingerprints[def.Name] = ToolVersion{Version: def.Version, SchemaFingerprint: fp}
	return nil
}

// Lookup returns the definition for a tool name.
func (r *StaticToolRegistry) Lookup(tool string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.tools[tool]
	return def, ok
}

// List returns all definitions sorted by name.
func (r *StaticToolRegistry) List() []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*ToolDefinition, 0, len(r.tools))
	for _, def := range r.tools {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Fingerprint returns the drift-detection snapshot for a tool.
func (r *StaticToolRegistry) Fingerprint(tool string) (ToolVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fp, ok := r.fingerprints[tool]
	return fp, ok
}

// schemaFingerprint hashes the canonical form of a parameter schema so
// semantically identical schemas fingerprint identically regardless of
// key order.
func schemaFingerprint(schema map[string]interface{}) (string, error) {
	canonical, err := CanonicalParams(schema)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Compile-time interface check.
var _ ToolRegistry = (*StaticToolRegistry)(nil)

// HTTPToolInvoker executes tools over HTTP: one POST of the resolved
// parameters to the tool's endpoint, JSON back. Each tool gets its own
// circuit breaker so a melting endpoint cannot soak every segment's
// budget in timeouts.
type HTTPToolInvoker struct {
	registry ToolRegistry
	client   *http.Client
	logger   core.Logger

	breakerTemplate resilience.CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

// ToolInvokerOption configures an HTTPToolInvoker.
type ToolInvokerOption func(*HTTPToolInvoker)

// WithToolInvokerLogger sets the logger.
func WithToolInvokerLogger(logger core.Logger) ToolInvokerOption {
	return func(i *HTTPToolInvoker) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// WithToolInvokerHTTPClient replaces the default traced client.
func WithToolInvokerHTTPClient(client *http.Client) ToolInvokerOption {
	return func(i *HTTPToolInvoker) {
		if client != nil {
			i.client = client
		}
	}
}

// WithToolInvokerBreakerConfig overrides the per-tool breaker template.
// The Name field is replaced with the tool name at construction.
func WithToolInvokerBreakerConfig(cfg resilience.CircuitBreakerConfig) ToolInvokerOption {
	return func(i *HTTPToolInvoker) {
		i.breakerTemplate = cfg
	}
}

// NewHTTPToolInvoker builds an invoker over the registry's endpoints.
func NewHTTPToolInvoker(registry ToolRegistry, opts ...ToolInvokerOption) *HTTPToolInvoker {
	template := resilience.DefaultConfig()
	template.Metrics = resilience.NewTelemetryMetrics()

	inv := &HTTPToolInvoker{
		registry:        registry,
		client:          telemetry.NewTracedHTTPClientWithTransport(nil),
		logger:          &core.NoOpLogger{},
		breakerTemplate: *template,
		breakers:        make(map[string]*resilience.CircuitBreaker),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

func (i *HTTPToolInvoker) breakerFor(tool string) (*resilience.CircuitBreaker, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if cb, ok := i.breakers[tool]; ok {
		return cb, nil
	}

	cfg := i.breakerTemplate
	cfg.Name = "tool:" + tool
	cb, err := resilience.NewCircuitBreaker(&cfg)
	if err != nil {
		return nil, err
	}
	i.breakers[tool] = cb
	return cb, nil
}

// Invoke executes the tool under its circuit breaker. Business failures
// (the tool answered, but with success=false or a 4xx/5xx status) come
// back as a ToolResult so the failover policy can classify them; only
// invocation-level problems return a Go error.
func (i *HTTPToolInvoker) Invoke(ctx context.Context, tool string, params map[string]interface{}) (*ToolResult, error) {
	def, ok := i.registry.Lookup(tool)
	if !ok {
		return nil, kindError("tool.Invoke", KindToolExecutionFailed, tool,
			fmt.Errorf("tool %q is not registered", tool))
	}
	if def.Endpoint == "" {
		return nil, kindError("tool.Invoke", KindToolExecutionFailed, tool,
			fmt.Errorf("tool %q has no endpoint: %w", tool, core.ErrInvalidConfiguration))
	}

	breaker, err := i.breakerFor(tool)
	if err != nil {
		return nil, kindError("tool.Invoke", KindToolExecutionFailed, tool, err)
	}

	started := time.Now()
	var result *ToolResult
	execErr := breaker.Execute(ctx, func() error {
		res, err := i.post(ctx, def.Endpoint, params)
		if err != nil {
			return err
		}
		result = res
		// Server-side errors count against the breaker; business refusals
		// and client errors do not mean the endpoint is unhealthy.
		if res.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("tool %s returned status %d: %w", tool, res.StatusCode, core.ErrRequestFailed)
		}
		return nil
	})

	elapsed := time.Since(started)
	telemetry.Duration(telemetry.MetricToolDuration, started, "tool", tool)

	if result != nil {
		result.LatencyMs = elapsed.Milliseconds()
		outcome := "success"
		if !result.Success {
			outcome = "failure"
			telemetry.Counter(telemetry.MetricToolErrors, "tool", tool, "reason", "tool_failure")
		}
		telemetry.Counter(telemetry.MetricToolInvocations, "tool", tool, "outcome", outcome)
		return result, nil
	}

	telemetry.Counter(telemetry.MetricToolInvocations, "tool", tool, "outcome", "error")
	telemetry.Counter(telemetry.MetricToolErrors, "tool", tool, "reason", "transport")

	switch {
	case errors.Is(execErr, context.DeadlineExceeded):
		return nil, kindError("tool.Invoke", KindToolTimeout, tool,
			fmt.Errorf("tool %s deadline exceeded after %s: %w: %w", tool, elapsed.Round(time.Millisecond), core.ErrTimeout, execErr))
	case errors.Is(execErr, core.ErrCircuitOpen):
		return nil, kindError("tool.Invoke", KindToolExecutionFailed, tool, execErr)
	default:
		return nil, kindError("tool.Invoke", KindToolExecutionFailed, tool,
			fmt.Errorf("invoke tool %s: %w", tool, execErr))
	}
}

func (i *HTTPToolInvoker) post(ctx context.Context, endpoint string, params map[string]interface{}) (*ToolResult, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w: %w", core.ErrConnectionFailed, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			i.logger.Warn("Error closing tool response body", map[string]interface{}{
				"operation": "tool_invoke",
				"error":     closeErr.Error(),
			})
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxToolResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ToolResult{
			Success:    false,
			StatusCode: resp.StatusCode,
			Error:      strings.TrimSpace(string(raw)),
		}, nil
	}

	return decodeToolResult(raw, resp.StatusCode)
}

// decodeToolResult accepts either the full result envelope or a bare
// output object. A bare object is treated as a successful output, which
// keeps simple tools simple.
func decodeToolResult(raw []byte, statusCode int) (*ToolResult, error) {
	var probe map[string]interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if _, isEnvelope := probe["success"]; !isEnvelope {
		return &ToolResult{Success: true, Output: probe, StatusCode: statusCode}, nil
	}

	var result ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode result envelope: %w", err)
	}
	if result.StatusCode == 0 {
		result.StatusCode = statusCode
	}
	return &result, nil
}

// Compile-time interface check.
var _ ToolInvoker = (*HTTPToolInvoker)(nil)
