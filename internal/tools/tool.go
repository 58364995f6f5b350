// Package tools defines the named, schema-validated, permission-tagged
// operations the conversational orchestrator may execute. The registry
// is the seam for adding capabilities without touching the orchestrator.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"hive-trading-bot/internal/agents"
)

// Permission levels. Only a confirmation tool may terminate a plan
// without executing immediately.
const (
	PermissionReadOnly     = "read_only"
	PermissionStateChange  = "state_changing"
	PermissionConfirmation = "confirmation"
)

// ErrUnknownTool is returned when a plan names a tool that is not
// registered.
var ErrUnknownTool = errors.New("unknown tool")

// ValidationError reports a parameter-schema violation. It names the
// offending tool so the whole plan can be aborted with a precise
// message.
type ValidationError struct {
	Tool   string
	Param  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s: parameter %s: %s", e.Tool, e.Param, e.Detail)
}

// Param types
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeBoolean = "boolean"
)

// ParamSpec declares one parameter of a tool: its type, whether it is
// required, and optional enum/range constraints.
type ParamSpec struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Required    bool     `json:"required"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
}

// Result is the uniform tool execution outcome.
type Result struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ExecuteFunc runs a tool against one account with validated params.
type ExecuteFunc func(ctx context.Context, accountID string, params map[string]interface{}) (interface{}, error)

// Tool is one registered operation.
type Tool struct {
	Name        string
	Description string
	Permission  string
	Params      []ParamSpec
	Execute     ExecuteFunc
}

// Validate checks params against the tool's schema. Unknown parameters
// are rejected so a mistyped name cannot silently no-op.
func (t *Tool) Validate(params map[string]interface{}) error {
	specs := make(map[string]*ParamSpec, len(t.Params))
	for i := range t.Params {
		specs[t.Params[i].Name] = &t.Params[i]
	}

	for name := range params {
		if _, ok := specs[name]; !ok {
			return &ValidationError{Tool: t.Name, Param: name, Detail: "unknown parameter"}
		}
	}

	for _, spec := range t.Params {
		value, present := params[spec.Name]
		if !present {
			if spec.Required {
				return &ValidationError{Tool: t.Name, Param: spec.Name, Detail: "required parameter missing"}
			}
			continue
		}

		switch spec.Type {
		case TypeString:
			s, ok := value.(string)
			if !ok {
				return &ValidationError{Tool: t.Name, Param: spec.Name, Detail: "expected string"}
			}
			if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
				return &ValidationError{Tool: t.Name, Param: spec.Name,
					Detail: fmt.Sprintf("value %q not in %v", s, spec.Enum)}
			}
		case TypeNumber:
			n, ok := toFloat(value)
			if !ok {
				return &ValidationError{Tool: t.Name, Param: spec.Name, Detail: "expected number"}
			}
			if spec.Min != nil && n < *spec.Min {
				return &ValidationError{Tool: t.Name, Param: spec.Name,
					Detail: fmt.Sprintf("value %v below minimum %v", n, *spec.Min)}
			}
			if spec.Max != nil && n > *spec.Max {
				return &ValidationError{Tool: t.Name, Param: spec.Name,
					Detail: fmt.Sprintf("value %v above maximum %v", n, *spec.Max)}
			}
		case TypeBoolean:
			if _, ok := value.(bool); !ok {
				return &ValidationError{Tool: t.Name, Param: spec.Name, Detail: "expected boolean"}
			}
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Registry holds the tool set, built once at startup.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Duplicate names panic at startup rather than
// shadowing silently at runtime.
func (r *Registry) Register(t *Tool) {
	if _, exists := r.tools[t.Name]; exists {
		panic(fmt.Sprintf("tool %s registered twice", t.Name))
	}
	r.tools[t.Name] = t
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// Descriptors returns the planner-facing view of every tool, sorted by
// name for stable prompts.
func (r *Registry) Descriptors() []agents.ToolDescriptor {
	out := make([]agents.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		schema, _ := json.Marshal(t.Params)
		out = append(out, agents.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Permission:  t.Permission,
			Schema:      string(schema),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
