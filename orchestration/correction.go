package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/itsneelabh/gosaga/core"
	"github.com/itsneelabh/gosaga/telemetry"
)

// CorrectionInput describes one failed tool call for the corrector.
type CorrectionInput struct {
	Tool        string
	Description string

	// Params are the resolved parameters the tool rejected.
	Params map[string]interface{}

	// StatusCode and ErrorMessage come from the ToolResult.
	StatusCode   int
	ErrorMessage string

	// Intent is the user's original request, when known. It lets the
	// model distinguish a typo from a genuinely missing resource.
	Intent string
}

// CorrectionProposal is the model's verdict on a failed call.
type CorrectionProposal struct {
	// ShouldRetry reports whether different parameters could fix the
	// failure.
	ShouldRetry bool `json:"should_retry"`

	// Reason explains the verdict in one sentence.
	Reason string `json:"reason"`

	// CorrectedParams are full replacement values for the parameters
	// that were wrong; unchanged parameters are omitted.
	CorrectedParams map[string]interface{} `json:"corrected_params,omitempty"`
}

// CorrectionOutcome bundles the proposal with its cost so the caller
// can account the spend against the execution budget in the same write
// that records the retry.
type CorrectionOutcome struct {
	Proposal *CorrectionProposal
	Usage    core.TokenUsage
	CostUSD  float64
}

// Corrector asks an LLM whether a rejected tool call is fixable with
// different parameters. Every call is gated by the correction breaker:
// the budget ceiling first, then the per-step attempt window.
//
// Status routing happens before any model call:
//   - 401, 403, 405: never correctable, no model call
//   - 408, 429, 500, 502, 504: transient, delegated to retry/backoff
//   - everything else: the model decides
type Corrector struct {
	ai      core.AIClient
	breaker *CorrectionBreaker
	logger  core.Logger

	model        string
	maxTokens    int
	timeout      time.Duration
	estimatedUSD float64

	// Token prices per 1000 tokens, used to charge the budget.
	promptUSDPerK     float64
	completionUSDPerK float64
}

// CorrectorOption configures a Corrector.
type CorrectorOption func(*Corrector)

// WithCorrectorLogger sets the logger.
func WithCorrectorLogger(logger core.Logger) CorrectorOption {
	return func(c *Corrector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithCorrectorModel pins the model used for corrections.
func WithCorrectorModel(model string) CorrectorOption {
	return func(c *Corrector) {
		c.model = model
	}
}

// WithCorrectorTimeout bounds one correction round trip.
func WithCorrectorTimeout(d time.Duration) CorrectorOption {
	return func(c *Corrector) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCorrectorEstimate sets the per-attempt USD estimate checked
// against the budget before calling the model.
func WithCorrectorEstimate(usd float64) CorrectorOption {
	return func(c *Corrector) {
		if usd > 0 {
			c.estimatedUSD = usd
		}
	}
}

// WithCorrectorCostRates sets token prices (USD per 1000 tokens) used
// to compute actual spend from usage.
func WithCorrectorCostRates(promptPerK, completionPerK float64) CorrectorOption {
	return func(c *Corrector) {
		if promptPerK >= 0 {
			c.promptUSDPerK = promptPerK
		}
		if completionPerK >= 0 {
			c.completionUSDPerK = completionPerK
		}
	}
}

// NewCorrector wires a corrector to an AI client and a breaker. A nil
// client is allowed; Correct then reports every failure as not
// retryable so the engine falls through to the deterministic policy.
func NewCorrector(ai core.AIClient, breaker *CorrectionBreaker, opts ...CorrectorOption) *Corrector {
	c := &Corrector{
		ai:                ai,
		breaker:           breaker,
		logger:            &core.NoOpLogger{},
		maxTokens:         500,
		timeout:           getEnvDuration("GOSAGA_CORRECTION_TIMEOUT", 10*time.Second),
		estimatedUSD:      0.02,
		promptUSDPerK:     0.0025,
		completionUSDPerK: 0.01,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Correct evaluates one failed call. A nil outcome with nil error means
// the failure is transient and belongs to retry/backoff, not to
// parameter correction. Breaker refusals surface as BUDGET_EXCEEDED or
// LLM_CIRCUIT_BROKEN errors.
func (c *Corrector) Correct(ctx context.Context, execution *Execution, stepID string, input *CorrectionInput) (*CorrectionOutcome, error) {
	if input == nil {
		return nil, fmt.Errorf("correction input is required: %w", core.ErrInvalidConfiguration)
	}

	if verdict := routeByStatus(input.StatusCode); verdict != nil {
		c.logger.Debug("Correction routed by status", map[string]interface{}{
			"operation":    "correction_route",
			"status_code":  input.StatusCode,
			"should_retry": verdict.ShouldRetry,
		})
		return &CorrectionOutcome{Proposal: verdict}, nil
	}
	if delegateToBackoff(input.StatusCode) {
		return nil, nil
	}

	if c.ai == nil {
		return &CorrectionOutcome{Proposal: &CorrectionProposal{
			ShouldRetry: false,
			Reason:      "no correction model configured",
		}}, nil
	}

	if c.breaker != nil {
		if err := c.breaker.Allow(ctx, execution, stepID, c.estimatedUSD); err != nil {
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	telemetry.AddSpanEvent(ctx, "saga.correction.llm_call",
		attribute.String("tool", input.Tool),
		attribute.Int("status_code", input.StatusCode),
	)

	start := time.Now()
	resp, err := c.ai.GenerateResponse(callCtx, c.buildPrompt(input), &core.AIOptions{
		Model:       c.model,
		Temperature: 0.0,
		MaxTokens:   c.maxTokens,
	})
	elapsed := time.Since(start)
	telemetry.Histogram(telemetry.MetricCorrectionLatency, float64(elapsed.Milliseconds()), "tool", input.Tool)

	if err != nil {
		if c.breaker != nil {
			_ = c.breaker.RecordFailure(ctx, execution.ID, stepID)
		}
		kind := KindLLMRequestFailed
		if errors.Is(err, context.DeadlineExceeded) {
			kind = KindLLMTimeout
		}
		c.logger.Warn("Correction model call failed", map[string]interface{}{
			"operation":    "correction_llm",
			"execution_id": execution.ID,
			"step_id":      stepID,
			"duration_ms":  elapsed.Milliseconds(),
			"error":        err.Error(),
		})
		return nil, kindError("correction.Correct", kind, execution.ID,
			fmt.Errorf("correct step %s: %w", stepID, err))
	}

	proposal, err := parseProposal(resp.Content)
	if err != nil {
		if c.breaker != nil {
			_ = c.breaker.RecordFailure(ctx, execution.ID, stepID)
		}
		c.logger.Warn("Correction response unparseable", map[string]interface{}{
			"operation":    "correction_parse",
			"execution_id": execution.ID,
			"step_id":      stepID,
			"response":     truncateString(resp.Content, 200),
			"error":        err.Error(),
		})
		return nil, kindError("correction.Correct", KindLLMSchemaValidation, execution.ID,
			fmt.Errorf("parse correction for step %s: %w", stepID, err))
	}

	// A retry verdict without any parameter change cannot change the
	// outcome; degrade it to a final no.
	if proposal.ShouldRetry && len(proposal.CorrectedParams) == 0 {
		proposal.ShouldRetry = false
		if proposal.Reason == "" {
			proposal.Reason = "model suggested retry without parameter changes"
		}
	}

	cost := c.costUSD(resp.Usage)
	telemetry.Histogram(telemetry.MetricCorrectionCostUSD, cost, "tool", input.Tool)

	c.logger.Info("Correction proposal", map[string]interface{}{
		"operation":    "correction_propose",
		"execution_id": execution.ID,
		"step_id":      stepID,
		"should_retry": proposal.ShouldRetry,
		"reason":       proposal.Reason,
		"changes":      len(proposal.CorrectedParams),
		"cost_usd":     cost,
		"duration_ms":  elapsed.Milliseconds(),
	})

	return &CorrectionOutcome{Proposal: proposal, Usage: resp.Usage, CostUSD: cost}, nil
}

// EstimatedUSD is the per-attempt cost estimate the budget gate uses.
func (c *Corrector) EstimatedUSD() float64 {
	return c.estimatedUSD
}

// RecordRetrySuccess clears the correction circuit for a step after a
// corrected retry went through.
func (c *Corrector) RecordRetrySuccess(ctx context.Context, executionID, stepID string) error {
	if c.breaker == nil {
		return nil
	}
	return c.breaker.RecordSuccess(ctx, executionID, stepID)
}

func (c *Corrector) costUSD(usage core.TokenUsage) float64 {
	return float64(usage.PromptTokens)/1000*c.promptUSDPerK +
		float64(usage.CompletionTokens)/1000*c.completionUSDPerK
}

// routeByStatus short-circuits statuses whose verdict never needs a
// model call. Returns nil when the model should decide.
func routeByStatus(status int) *CorrectionProposal {
	switch status {
	case 401:
		return &CorrectionProposal{ShouldRetry: false, Reason: "authentication failed; not fixable with different parameters"}
	case 403:
		return &CorrectionProposal{ShouldRetry: false, Reason: "access denied; permission issue, not a parameter issue"}
	case 405:
		return &CorrectionProposal{ShouldRetry: false, Reason: "method not allowed; tool wiring issue"}
	}
	return nil
}

// delegateToBackoff reports statuses owned by plain retry with backoff.
func delegateToBackoff(status int) bool {
	switch status {
	case 408, 429, 500, 502, 504:
		return true
	}
	return false
}

func (c *Corrector) buildPrompt(input *CorrectionInput) string {
	paramsJSON, _ := json.MarshalIndent(input.Params, "", "  ")

	return fmt.Sprintf(`You are a parameter-correction assistant for a workflow engine. A tool call failed; decide whether different parameters could make it succeed.

TOOL: %s
DESCRIPTION: %s

PARAMETERS SENT:
%s

ERROR (HTTP %d):
%s

USER'S ORIGINAL REQUEST:
%s

GUIDELINES:
- Suggest a retry only when the error points at a fixable value: a typo, a wrong format, a value inferable from the user's request.
- Do NOT suggest a retry for permission, authentication, or server problems.
- Do NOT suggest a retry when the resource genuinely does not exist.

RESPONSE FORMAT (JSON only, no prose):
{
  "should_retry": true/false,
  "reason": "one sentence",
  "corrected_params": {"param": "new value"} or {}
}`,
		input.Tool,
		input.Description,
		string(paramsJSON),
		input.StatusCode,
		input.ErrorMessage,
		input.Intent,
	)
}

// parseProposal tolerates markdown fences and prose around the model's
// JSON object.
func parseProposal(content string) (*CorrectionProposal, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	if start == -1 {
		return nil, fmt.Errorf("no JSON object in response")
	}
	end := findJSONEnd(content, start)
	if end == -1 {
		return nil, fmt.Errorf("unbalanced JSON object in response")
	}

	var proposal CorrectionProposal
	if err := json.Unmarshal([]byte(content[start:end]), &proposal); err != nil {
		return nil, fmt.Errorf("decode proposal: %w", err)
	}
	return &proposal, nil
}

// findJSONEnd scans for the close of the object opened at start,
// respecting strings and escapes.
func findJSONEnd(s string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		ch := s[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

func truncateString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
