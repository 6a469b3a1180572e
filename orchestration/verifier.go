package orchestration

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/itsneelabh/gosaga/core"
)

// ParameterBound caps a numeric parameter for matching tools. A nil Min
// or Max leaves that side unconstrained. Tool supports the same trailing
// "*" wildcard as forbidden sequences.
type ParameterBound struct {
	Tool  string
	Param string
	Min   *float64
	Max   *float64
}

// ForbiddenSequence names tool patterns that must never appear as a
// directed path in the plan, e.g. a payment capture downstream of a
// cancellation.
type ForbiddenSequence struct {
	Patterns []string
	Reason   string
}

// PlanPredicate is a pure check over the whole plan.
type PlanPredicate struct {
	Name  string
	Check func(*ExecutionPlan) error
}

// DefaultParameterBounds returns the built-in limits applied when none
// are configured.
func DefaultParameterBounds() []ParameterBound {
	max := 20.0
	return []ParameterBound{
		{Tool: "*", Param: "partySize", Max: &max},
	}
}

// PlanVerifier runs deterministic, call-free policy checks on a plan.
// It sits between PLANNED and EXECUTING: a plan that fails here never
// touches a tool.
type PlanVerifier struct {
	registry   ToolRegistry
	bounds     []ParameterBound
	forbidden  []ForbiddenSequence
	predicates []PlanPredicate
	logger     core.Logger

	mu      sync.Mutex
	schemas map[string]*jsonschema.Schema // keyed tool@version
}

// VerifierOption configures a PlanVerifier.
type VerifierOption func(*PlanVerifier)

// WithVerifierLogger sets the logger.
func WithVerifierLogger(logger core.Logger) VerifierOption {
	return func(v *PlanVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithParameterBounds replaces the default bounds.
func WithParameterBounds(bounds ...ParameterBound) VerifierOption {
	return func(v *PlanVerifier) {
		v.bounds = bounds
	}
}

// WithForbiddenSequences registers directed tool paths to reject.
func WithForbiddenSequences(seqs ...ForbiddenSequence) VerifierOption {
	return func(v *PlanVerifier) {
		v.forbidden = append(v.forbidden, seqs...)
	}
}

// WithPlanPredicates registers custom pure checks.
func WithPlanPredicates(preds ...PlanPredicate) VerifierOption {
	return func(v *PlanVerifier) {
		v.predicates = append(v.predicates, preds...)
	}
}

// NewPlanVerifier builds a verifier bound to a tool registry.
func NewPlanVerifier(registry ToolRegistry, opts ...VerifierOption) *PlanVerifier {
	v := &PlanVerifier{
		registry: registry,
		bounds:   DefaultParameterBounds(),
		logger:   &core.NoOpLogger{},
		schemas:  make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks the plan and returns the first violation. The check is
// a pure function of the plan and the registered policies; it performs
// no external calls.
func (v *PlanVerifier) Verify(plan *ExecutionPlan) error {
	resolved, err := ResolvePlan(plan)
	if err != nil {
		return err
	}

	knownSteps := make(map[string]bool, len(plan.Steps))
	for i := range plan.Steps {
		knownSteps[plan.Steps[i].ID] = true
	}

	for i := range plan.Steps {
		step := &plan.Steps[i]

		def, ok := v.registry.Lookup(step.Tool)
		if !ok {
			return kindError("verifier.Verify", KindPlanValidationFailed, step.ID,
				fmt.Errorf("step %q uses unregistered tool %q", step.ID, step.Tool))
		}

		params := ApplyAliases(def, step.Params)

		if err := v.checkBounds(step.ID, step.Tool, params); err != nil {
			return err
		}

		// Parameters referencing other steps' outputs cannot conform to
		// the schema before those outputs exist; those steps re-validate
		// after resolution at execution time.
		if !paramsReferenceSteps(params, knownSteps) {
			if err := v.ValidateToolParams(def, params); err != nil {
				return kindError("verifier.Verify", KindPlanValidationFailed, step.ID,
					fmt.Errorf("step %q: %w", step.ID, err))
			}
		}
	}

	for _, seq := range v.forbidden {
		if path := findForbiddenPath(plan, resolved.Dependents, seq.Patterns); path != nil {
			reason := seq.Reason
			if reason == "" {
				reason = strings.Join(seq.Patterns, " -> ")
			}
			return kindError("verifier.Verify", KindForbiddenSequence, strings.Join(path, ","),
				fmt.Errorf("steps %v match forbidden sequence %s: %w", path, reason, ErrForbiddenSequence))
		}
	}

	for _, pred := range v.predicates {
		if err := pred.Check(plan); err != nil {
			return kindError("verifier.Verify", KindPlanValidationFailed, pred.Name,
				fmt.Errorf("predicate %q: %w", pred.Name, err))
		}
	}

	v.logger.Debug("Plan verified", map[string]interface{}{
		"operation": "plan_verify",
		"steps":     len(plan.Steps),
		"batches":   resolved.Summary.BatchCount,
	})
	return nil
}

func (v *PlanVerifier) checkBounds(stepID, tool string, params map[string]interface{}) error {
	for _, bound := range v.bounds {
		if !matchToolPattern(bound.Tool, tool) {
			continue
		}
		raw, ok := params[bound.Param]
		if !ok {
			continue
		}
		val, ok := numericValue(raw)
		if !ok {
			continue
		}
		if bound.Max != nil && val > *bound.Max {
			return kindError("verifier.Verify", KindParameterLimitExceeded, stepID,
				fmt.Errorf("step %q: %s=%v exceeds limit %v", stepID, bound.Param, val, *bound.Max))
		}
		if bound.Min != nil && val < *bound.Min {
			return kindError("verifier.Verify", KindParameterLimitExceeded, stepID,
				fmt.Errorf("step %q: %s=%v below limit %v", stepID, bound.Param, val, *bound.Min))
		}
	}
	return nil
}

// ValidateToolParams validates parameters against the tool's reflected
// schema. Tools without a schema accept anything.
func (v *PlanVerifier) ValidateToolParams(def *ToolDefinition, params map[string]interface{}) error {
	if def == nil || len(def.ParamsSchema) == 0 {
		return nil
	}

	schema, err := v.compiledSchema(def)
	if err != nil {
		return err
	}

	// Round-trip so Go-native numerics collapse into the JSON shapes the
	// validator expects.
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}

	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("params do not conform to %s schema: %w", def.Name, err)
	}
	return nil
}

func (v *PlanVerifier) compiledSchema(def *ToolDefinition) (*jsonschema.Schema, error) {
	key := def.Name + "@" + def.Version

	v.mu.Lock()
	defer v.mu.Unlock()
	if schema, ok := v.schemas[key]; ok {
		return schema, nil
	}

	// The compiler wants a freshly decoded document, not shared maps.
	raw, err := json.Marshal(def.ParamsSchema)
	if err != nil {
		return nil, fmt.Errorf("encode %s schema: %w", def.Name, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s schema: %w", def.Name, err)
	}

	compiler := jsonschema.NewCompiler()
	resource := def.Name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", def.Name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", def.Name, err)
	}

	v.schemas[key] = schema
	return schema, nil
}

// findForbiddenPath looks for steps matching the pattern sequence where
// each next match is reachable from the previous through the dependency
// graph. Returns the matching step ids, or nil.
func findForbiddenPath(plan *ExecutionPlan, dependents map[string][]string, patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}

	toolOf := make(map[string]string, len(plan.Steps))
	for i := range plan.Steps {
		toolOf[plan.Steps[i].ID] = plan.Steps[i].Tool
	}

	var search func(from string, rest []string) []string
	search = func(from string, rest []string) []string {
		if len(rest) == 0 {
			return []string{}
		}
		// Walk descendants of from looking for the next pattern match.
		seen := map[string]bool{}
		stack := append([]string{}, dependents[from]...)
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[id] {
				continue
			}
			seen[id] = true

			if matchToolPattern(rest[0], toolOf[id]) {
				if tail := search(id, rest[1:]); tail != nil {
					return append([]string{id}, tail...)
				}
			}
			stack = append(stack, dependents[id]...)
		}
		return nil
	}

	for i := range plan.Steps {
		id := plan.Steps[i].ID
		if !matchToolPattern(patterns[0], toolOf[id]) {
			continue
		}
		if tail := search(id, patterns[1:]); tail != nil {
			return append([]string{id}, tail...)
		}
	}
	return nil
}

// matchToolPattern matches tool names against patterns with "*"
// wildcards ("book_*", "*_ride", "*").
func matchToolPattern(pattern, name string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == name
	}
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	name = name[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(name, part)
		if idx < 0 {
			return false
		}
		name = name[idx+len(part):]
	}
	return strings.HasSuffix(name, parts[len(parts)-1])
}

// paramsReferenceSteps reports whether any string parameter references a
// known step's output.
func paramsReferenceSteps(params map[string]interface{}, knownSteps map[string]bool) bool {
	for _, v := range params {
		switch val := v.(type) {
		case string:
			if len(val) > 1 && val[0] == '$' {
				head := strings.SplitN(val[1:], ".", 2)[0]
				if knownSteps[head] {
					return true
				}
			}
		case map[string]interface{}:
			if paramsReferenceSteps(val, knownSteps) {
				return true
			}
		case []interface{}:
			for _, elem := range val {
				if m, ok := elem.(map[string]interface{}); ok && paramsReferenceSteps(m, knownSteps) {
					return true
				}
				if s, ok := elem.(string); ok && len(s) > 1 && s[0] == '$' {
					if knownSteps[strings.SplitN(s[1:], ".", 2)[0]] {
						return true
					}
				}
			}
		}
	}
	return false
}

// numericValue extracts a float from the JSON-ish numeric types that
// reach parameters.
func numericValue(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
