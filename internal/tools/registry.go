// Package tools holds the locally executed tools the generation service may
// request during dialogue and report workflows.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Tool is a named, locally executed function. Execute never fails: problems
// are reported back as text for the transcript.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Execute     func(ctx context.Context, args map[string]interface{}) string
}

// Registry is an immutable set of tools bound to one workflow.
type Registry struct {
	tools map[string]Tool
	order []string
}

// NewRegistry builds a registry; later duplicates replace earlier ones.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, exists := r.tools[t.Name]; !exists {
			r.order = append(r.order, t.Name)
		}
		r.tools[t.Name] = t
	}
	return r
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	if r == nil {
		return nil
	}
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return Tool{}, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Execute runs the named tool, or describes the call when the tool is unknown.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) string {
	if t, ok := r.Lookup(name); ok {
		return t.Execute(ctx, args)
	}
	return fmt.Sprintf("Tool %s executed with args: %s", name, formatArgs(args))
}

// StringArg reads a string argument, returning def when absent or not a string.
func StringArg(args map[string]interface{}, key, def string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func formatArgs(args map[string]interface{}) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err == nil {
		return string(b)
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
