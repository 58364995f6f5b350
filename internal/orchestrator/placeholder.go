package orchestrator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// resolveParams decodes raw plan parameters and resolves placeholder
// references against the accumulated execution context before schema
// validation. A parameter is a reference only when the entire string is
// "{{context.path}}"; everything else is a literal. Unresolvable paths
// bind nil so validation rejects them with the tool's name attached.
func resolveParams(raw map[string]json.RawMessage, execCtx map[string]interface{}) (map[string]interface{}, error) {
	resolved := make(map[string]interface{}, len(raw))
	for key, rawValue := range raw {
		var value interface{}
		if err := json.Unmarshal(rawValue, &value); err != nil {
			return nil, fmt.Errorf("parameter %s is not valid JSON: %w", key, err)
		}

		if s, ok := value.(string); ok && isPlaceholder(s) {
			path := strings.TrimPrefix(strings.TrimSuffix(strings.TrimPrefix(s, "{{"), "}}"), "context.")
			resolved[key] = lookupPath(execCtx, path)
			continue
		}
		resolved[key] = value
	}
	return resolved, nil
}

func isPlaceholder(s string) bool {
	return strings.HasPrefix(s, "{{") && strings.HasSuffix(s, "}}")
}

// lookupPath walks a dotted path through nested maps and slices,
// returning nil when any segment is missing.
func lookupPath(root interface{}, path string) interface{} {
	current := root
	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[segment]
			if !ok {
				return nil
			}
			current = next
		case []interface{}:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil
			}
			current = node[idx]
		default:
			return nil
		}
	}
	return current
}
