package remediation

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/catherinevee/integraudit/internal/config"
)

// compiledTemplate is an ActionTemplate with every substitution token
// resolved into a path accessor once, at load time. The hot path only walks
// precompiled segments.
type compiledTemplate struct {
	source     config.ActionTemplate
	tier       int
	resourceID compiledString
	payload    interface{} // tree mirroring the payload template with compiledString leaves
}

// compiledString is a sequence of literal and accessor parts. A string with
// no tokens compiles to a single literal part.
type compiledString struct {
	parts []stringPart
}

type stringPart struct {
	literal  string
	accessor []pathStep // non-nil for {{...}} parts
}

type pathStep struct {
	key   string
	index int // -1 for key steps
}

// actionTier orders action types for emission:
// reconnect, then non-destructive patch/adjust, then create, update, delete.
var actionTier = map[string]int{
	"reconnect": 0,
	"patch":     1,
	"adjust":    1,
	"create":    2,
	"update":    3,
	"delete":    4,
}

// compileLogic compiles every template of every corruption type once.
func compileLogic(logic config.RemediationLogic) (map[string][]compiledTemplate, error) {
	compiled := make(map[string][]compiledTemplate, len(logic))
	for corruptionType, templates := range logic {
		out := make([]compiledTemplate, 0, len(templates))
		for _, tmpl := range templates {
			ct, err := compileTemplate(tmpl)
			if err != nil {
				return nil, fmt.Errorf("template %s/%s: %w", corruptionType, tmpl.ID, err)
			}
			out = append(out, ct)
		}
		compiled[corruptionType] = out
	}
	return compiled, nil
}

func compileTemplate(tmpl config.ActionTemplate) (compiledTemplate, error) {
	tier, ok := actionTier[tmpl.ActionType]
	if !ok {
		return compiledTemplate{}, fmt.Errorf("unknown action type %q", tmpl.ActionType)
	}

	resourceID, err := compileString(tmpl.Target.ResourceID)
	if err != nil {
		return compiledTemplate{}, err
	}
	payload, err := compileValue(tmpl.Payload)
	if err != nil {
		return compiledTemplate{}, err
	}

	return compiledTemplate{
		source:     tmpl,
		tier:       tier,
		resourceID: resourceID,
		payload:    payload,
	}, nil
}

func compileValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return compileString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			compiled, err := compileValue(child)
			if err != nil {
				return nil, err
			}
			out[k] = compiled
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			compiled, err := compileValue(child)
			if err != nil {
				return nil, err
			}
			out[i] = compiled
		}
		return out, nil
	default:
		return v, nil
	}
}

func compileString(s string) (compiledString, error) {
	var parts []stringPart
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			break
		}
		closing := strings.Index(rest[open:], "}}")
		if closing < 0 {
			return compiledString{}, fmt.Errorf("unterminated token in %q", s)
		}
		if open > 0 {
			parts = append(parts, stringPart{literal: rest[:open]})
		}
		expr := strings.TrimSpace(rest[open+2 : open+closing])
		steps, err := compilePath(expr)
		if err != nil {
			return compiledString{}, err
		}
		parts = append(parts, stringPart{accessor: steps})
		rest = rest[open+closing+2:]
	}
	if rest != "" || len(parts) == 0 {
		parts = append(parts, stringPart{literal: rest})
	}
	return compiledString{parts: parts}, nil
}

// compilePath parses "evidence.missing[0]" into steps.
func compilePath(expr string) ([]pathStep, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty token")
	}
	var steps []pathStep
	for _, segment := range strings.Split(expr, ".") {
		for {
			bracket := strings.Index(segment, "[")
			if bracket < 0 {
				if segment != "" {
					steps = append(steps, pathStep{key: segment, index: -1})
				}
				break
			}
			if bracket > 0 {
				steps = append(steps, pathStep{key: segment[:bracket], index: -1})
			}
			end := strings.Index(segment, "]")
			if end < bracket {
				return nil, fmt.Errorf("malformed index in %q", expr)
			}
			idx, err := strconv.Atoi(segment[bracket+1 : end])
			if err != nil {
				return nil, fmt.Errorf("malformed index in %q: %w", expr, err)
			}
			steps = append(steps, pathStep{index: idx})
			segment = segment[end+1:]
		}
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("empty token")
	}
	return steps, nil
}

// errUndefinedToken aborts a single action during substitution.
type errUndefinedToken struct{ expr string }

func (e errUndefinedToken) Error() string {
	return fmt.Sprintf("undefined substitution token %q", e.expr)
}

// resolve evaluates a compiled string against the scope. A string made of a
// single accessor part returns the raw value; mixed parts concatenate.
func (cs compiledString) resolve(scope map[string]interface{}) (interface{}, error) {
	if len(cs.parts) == 1 && cs.parts[0].accessor != nil {
		return walkPath(scope, cs.parts[0].accessor)
	}
	var sb strings.Builder
	for _, part := range cs.parts {
		if part.accessor == nil {
			sb.WriteString(part.literal)
			continue
		}
		v, err := walkPath(scope, part.accessor)
		if err != nil {
			return nil, err
		}
		sb.WriteString(fmt.Sprint(v))
	}
	return sb.String(), nil
}

func walkPath(scope interface{}, steps []pathStep) (interface{}, error) {
	current := scope
	for _, step := range steps {
		if step.index >= 0 {
			list, ok := current.([]interface{})
			if !ok {
				if strs, isStrs := current.([]string); isStrs {
					list = make([]interface{}, len(strs))
					for i, s := range strs {
						list[i] = s
					}
				} else {
					return nil, errUndefinedToken{expr: renderSteps(steps)}
				}
			}
			if step.index >= len(list) {
				return nil, errUndefinedToken{expr: renderSteps(steps)}
			}
			current = list[step.index]
			continue
		}
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil, errUndefinedToken{expr: renderSteps(steps)}
		}
		next, exists := obj[step.key]
		if !exists {
			return nil, errUndefinedToken{expr: renderSteps(steps)}
		}
		current = next
	}
	return current, nil
}

func renderSteps(steps []pathStep) string {
	var sb strings.Builder
	for i, step := range steps {
		if step.index >= 0 {
			fmt.Fprintf(&sb, "[%d]", step.index)
			continue
		}
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(step.key)
	}
	return sb.String()
}

// resolveValue materializes a compiled payload tree against the scope.
func resolveValue(v interface{}, scope map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case compiledString:
		return val.resolve(scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			resolved, err := resolveValue(child, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			resolved, err := resolveValue(child, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}
