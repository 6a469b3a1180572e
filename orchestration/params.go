package orchestration

import (
	"strings"
)

// ResolveParams returns a copy of params with step-output references
// dereferenced. A string of the form "$stepId.field.subfield" is
// replaced by the value at that path in the referenced step's output;
// the replacement is the raw value, so non-string outputs keep their
// type. References that do not resolve pass through unchanged, as do
// ordinary strings that merely start with a dollar sign ("$100").
// Nested maps and arrays are resolved recursively.
func ResolveParams(e *Execution, params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return nil
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = resolveValue(e, v)
	}
	return out
}

func resolveValue(e *Execution, v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		if resolved, ok := resolveReference(e, val); ok {
			return resolved
		}
		return val
	case map[string]interface{}:
		return ResolveParams(e, val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, elem := range val {
			out[i] = resolveValue(e, elem)
		}
		return out
	default:
		return v
	}
}

// resolveReference dereferences one "$stepId.path..." string. The first
// path element names a step; the rest walk that step's output object.
func resolveReference(e *Execution, ref string) (interface{}, bool) {
	if len(ref) < 2 || ref[0] != '$' {
		return nil, false
	}

	parts := strings.Split(ref[1:], ".")
	state := e.StepByID(parts[0])
	if state == nil || state.Output == nil {
		return nil, false
	}

	var current interface{} = state.Output
	for _, field := range parts[1:] {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = obj[field]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// ApplyAliases renames LLM-friendly parameter names to the tool's
// canonical ones. A canonical key already present wins over its alias;
// the alias is then dropped rather than clobbering the explicit value.
func ApplyAliases(def *ToolDefinition, params map[string]interface{}) map[string]interface{} {
	if def == nil || len(def.Aliases) == 0 || params == nil {
		return params
	}

	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		canonical, ok := def.Aliases[k]
		if !ok {
			out[k] = v
			continue
		}
		if _, exists := params[canonical]; exists {
			continue
		}
		out[canonical] = v
	}
	return out
}
