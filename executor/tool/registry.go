// Package tool models tools as capability objects: a stable identity, a
// declared signature and an invoke function. The registry maps tool ids
// to capabilities; variants register as distinct entries.
package tool

import (
	"context"
	"sync"

	"github.com/lyzr/promptflow/common/errs"
)

// Invoke executes the tool with resolved keyword arguments.
type Invoke func(ctx context.Context, args map[string]any) (any, error)

// Parameter describes one entry of a tool's signature.
type Parameter struct {
	Name         string
	Type         string
	Default      any
	Required     bool
	IsConnection bool
}

// Tool is the capability object behind a node.
type Tool struct {
	// Name is the registry key, matching Node.ToolID().
	Name string
	// Type classifies the tool (llm, prompt, function).
	Type string
	// SourceIdentity is the stable identity used in cache fingerprints.
	SourceIdentity string
	// Parameters is the declared signature; resolved inputs are filtered
	// to these names before invocation.
	Parameters []Parameter
	// NonDeterministic excludes the tool from caching regardless of the
	// node's enable_cache flag.
	NonDeterministic bool
	// Invoke runs the tool.
	Invoke Invoke
}

// Param returns the named parameter, or nil.
func (t *Tool) Param(name string) *Parameter {
	for i := range t.Parameters {
		if t.Parameters[i].Name == name {
			return &t.Parameters[i]
		}
	}
	return nil
}

// ConnectionParam returns the first connection-typed parameter, or nil.
func (t *Tool) ConnectionParam() *Parameter {
	for i := range t.Parameters {
		if t.Parameters[i].IsConnection {
			return &t.Parameters[i]
		}
	}
	return nil
}

// Registry maps tool ids to capabilities.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Get looks up a tool by id. A missing tool is a resolve error carrying
// the node name.
func (r *Registry) Get(node, toolID string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[toolID]
	if !ok {
		return nil, errs.ResolveTool(node, errs.User(errs.CodeInvalidFlow, "tool %q is not registered", toolID))
	}
	return t, nil
}

// Names returns the registered tool ids.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Func registers a plain function tool with an inferred signature built
// from the parameter names. Convenient for host code and tests.
func Func(name string, params []Parameter, fn Invoke) *Tool {
	return &Tool{
		Name:           name,
		Type:           "function",
		SourceIdentity: "function:" + name,
		Parameters:     params,
		Invoke:         fn,
	}
}
