package executor

import (
	"fmt"
	"strings"

	contractx "github.com/jirayu/concierge/agent/contract"
)

// Resolve late-binds dependency results into a step's parameters. A
// string of the form "$step:<id>.<field>" is replaced by that field of
// the dependency's result payload; maps and slices are walked
// recursively. The input map is never mutated.
func Resolve(params map[string]any, payloads map[string]map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := resolveValue(v, payloads)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveValue(v any, payloads map[string]map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, contractx.BindingPrefix) {
			return val, nil
		}
		return resolveRef(val, payloads)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := resolveValue(item, payloads)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, 0, len(val))
		for _, item := range val {
			resolved, err := resolveValue(item, payloads)
			if err != nil {
				return nil, err
			}
			out = append(out, resolved)
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveRef(ref string, payloads map[string]map[string]any) (any, error) {
	spec := strings.TrimPrefix(ref, contractx.BindingPrefix)
	stepID, field, ok := strings.Cut(spec, ".")
	if !ok || stepID == "" || field == "" {
		return nil, fmt.Errorf("%w: malformed binding %q", contractx.ErrValidation, ref)
	}
	payload, ok := payloads[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: binding %q references a step without a result", contractx.ErrValidation, ref)
	}
	value, ok := payload[field]
	if !ok {
		return nil, fmt.Errorf("%w: binding %q references missing field %q", contractx.ErrValidation, ref, field)
	}
	return value, nil
}
