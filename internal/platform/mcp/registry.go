package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolHandler executes a tool call. The result is JSON-serialized into the
// tool's text content. A returned error marks the result as a tool error
// without failing the JSON-RPC call.
type ToolHandler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Tool describes a callable tool.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
	Handler     ToolHandler            `json:"-"`
}

// ResourceHandler produces the content of a resource.
type ResourceHandler func(ctx context.Context) (interface{}, error)

// Resource describes a readable resource.
type Resource struct {
	URI         string          `json:"uri"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	MIMEType    string          `json:"mimeType"`
	Handler     ResourceHandler `json:"-"`
}

// Registry holds the server's tools and resources.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*Tool
	resources map[string]*Resource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]*Tool),
		resources: make(map[string]*Resource),
	}
}

// RegisterTool adds a tool. Registering a duplicate name panics; tool names
// are wired once at startup.
func (r *Registry) RegisterTool(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		panic(fmt.Sprintf("mcp: duplicate tool %q", t.Name))
	}
	r.tools[t.Name] = t
}

// RegisterResource adds a resource keyed by URI.
func (r *Registry) RegisterResource(res *Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[res.URI]; exists {
		panic(fmt.Sprintf("mcp: duplicate resource %q", res.URI))
	}
	r.resources[res.URI] = res
}

// Tools returns all registered tools sorted by name.
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tool looks up a tool by name.
func (r *Registry) Tool(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Resources returns all registered resources sorted by URI.
func (r *Registry) Resources() []*Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

// Resource looks up a resource by URI.
func (r *Registry) Resource(uri string) (*Resource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[uri]
	return res, ok
}

// ObjectSchema is a convenience builder for JSON Schema object declarations
// used in tool input schemas.
func ObjectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// StringProp declares a string property with a description.
func StringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

// BoolProp declares a boolean property with a description.
func BoolProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "boolean", "description": description}
}

// ArrayProp declares an array property with string items.
func ArrayProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": description,
	}
}
