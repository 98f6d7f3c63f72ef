// Package jsondiff computes and inverts JSON-patch-like diffs between
// arbitrary JSON documents.
//
// Dialect: paths are JSON pointers (RFC 6901), ops are add/remove/replace,
// and replace carries both the new value and the old value so every patch is
// invertible without consulting the source document.
package jsondiff

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/catherinevee/integraudit/internal/models"
)

// Diff computes the operations that transform before into after.
func Diff(before, after interface{}) []models.DiffOp {
	var ops []models.DiffOp
	diffValue("", normalize(before), normalize(after), &ops)
	return ops
}

func diffValue(path string, before, after interface{}, ops *[]models.DiffOp) {
	if before == nil && after == nil {
		return
	}
	if before == nil {
		*ops = append(*ops, models.DiffOp{Op: "add", Path: path, Value: after})
		return
	}
	if after == nil {
		*ops = append(*ops, models.DiffOp{Op: "remove", Path: path, OldValue: before})
		return
	}

	bm, bIsMap := before.(map[string]interface{})
	am, aIsMap := after.(map[string]interface{})
	if bIsMap && aIsMap {
		keys := make(map[string]bool, len(bm)+len(am))
		for k := range bm {
			keys[k] = true
		}
		for k := range am {
			keys[k] = true
		}
		sorted := make([]string, 0, len(keys))
		for k := range keys {
			sorted = append(sorted, k)
		}
		sort.Strings(sorted)
		for _, k := range sorted {
			bv, inBefore := bm[k]
			av, inAfter := am[k]
			child := path + "/" + escapePointer(k)
			switch {
			case !inBefore:
				*ops = append(*ops, models.DiffOp{Op: "add", Path: child, Value: av})
			case !inAfter:
				*ops = append(*ops, models.DiffOp{Op: "remove", Path: child, OldValue: bv})
			default:
				diffValue(child, bv, av, ops)
			}
		}
		return
	}

	if !equal(before, after) {
		*ops = append(*ops, models.DiffOp{Op: "replace", Path: path, Value: after, OldValue: before})
	}
}

// Invert returns the patch that undoes ops: add becomes remove, remove
// becomes add, replace swaps value and oldValue. The inverse is emitted in
// reverse order so it applies cleanly on top of the patched document.
func Invert(ops []models.DiffOp) []models.DiffOp {
	inverted := make([]models.DiffOp, 0, len(ops))
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		switch op.Op {
		case "add":
			inverted = append(inverted, models.DiffOp{Op: "remove", Path: op.Path, OldValue: op.Value})
		case "remove":
			inverted = append(inverted, models.DiffOp{Op: "add", Path: op.Path, Value: op.OldValue})
		case "replace":
			inverted = append(inverted, models.DiffOp{Op: "replace", Path: op.Path, Value: op.OldValue, OldValue: op.Value})
		}
	}
	return inverted
}

// Apply applies ops to doc and returns the patched document. doc is not
// mutated. Array element addressing is supported for replace only; the
// detector and remediation engine never emit element-level add/remove.
func Apply(doc interface{}, ops []models.DiffOp) (interface{}, error) {
	result := normalize(doc)
	for _, op := range ops {
		var err error
		result, err = applyOp(result, op)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

func applyOp(doc interface{}, op models.DiffOp) (interface{}, error) {
	segments := splitPointer(op.Path)
	if len(segments) == 0 {
		switch op.Op {
		case "replace", "add":
			return normalize(op.Value), nil
		case "remove":
			return nil, nil
		}
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}
	return applyAt(doc, segments, op)
}

func applyAt(doc interface{}, segments []string, op models.DiffOp) (interface{}, error) {
	head := segments[0]

	switch node := doc.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(node)+1)
		for k, v := range node {
			out[k] = v
		}
		if len(segments) == 1 {
			switch op.Op {
			case "add", "replace":
				out[head] = normalize(op.Value)
			case "remove":
				delete(out, head)
			default:
				return nil, fmt.Errorf("unknown op %q", op.Op)
			}
			return out, nil
		}
		child, ok := node[head]
		if !ok {
			if op.Op == "add" {
				child = map[string]interface{}{}
			} else {
				return nil, fmt.Errorf("path %q not found", head)
			}
		}
		patched, err := applyAt(child, segments[1:], op)
		if err != nil {
			return nil, err
		}
		out[head] = patched
		return out, nil

	case []interface{}:
		idx, err := strconv.Atoi(head)
		if err != nil || idx < 0 || idx >= len(node) {
			return nil, fmt.Errorf("invalid array index %q", head)
		}
		out := make([]interface{}, len(node))
		copy(out, node)
		if len(segments) == 1 {
			if op.Op != "replace" {
				return nil, fmt.Errorf("op %q not supported on array elements", op.Op)
			}
			out[idx] = normalize(op.Value)
			return out, nil
		}
		patched, err := applyAt(node[idx], segments[1:], op)
		if err != nil {
			return nil, err
		}
		out[idx] = patched
		return out, nil

	default:
		return nil, fmt.Errorf("cannot descend into %T at %q", doc, head)
	}
}

// normalize round-trips a value through JSON so structs, typed maps and
// numeric types compare consistently.
func normalize(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func equal(a, b interface{}) bool {
	da, errA := json.Marshal(a)
	db, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(da) == string(db)
}

func escapePointer(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

func unescapePointer(s string) string {
	s = strings.ReplaceAll(s, "~1", "/")
	return strings.ReplaceAll(s, "~0", "~")
}

func splitPointer(path string) []string {
	if path == "" {
		return nil
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, p := range parts {
		parts[i] = unescapePointer(p)
	}
	return parts
}
