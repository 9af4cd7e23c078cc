// Package reference resolves ${...} expressions in node inputs, activate
// conditions and flow outputs against the current execution scope.
package reference

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/lyzr/promptflow/contracts"
)

// Scope is the state references resolve against.
type Scope struct {
	// FlowInputs are the validated inputs of the current line.
	FlowInputs map[string]any
	// NodeOutputs are the completed nodes' outputs.
	NodeOutputs map[string]any
	// NodeInputs are resolved node inputs, consulted only for
	// ${node.inputs.X} references inside aggregation nodes.
	NodeInputs map[string]map[string]any
	// Bypassed marks nodes whose references resolve to nil.
	Bypassed map[string]bool
}

// HasNode reports whether the referenced node reached a terminal state.
func (s *Scope) HasNode(name string) bool {
	if s.Bypassed[name] {
		return true
	}
	_, ok := s.NodeOutputs[name]
	return ok
}

// ResolveValue resolves a node input value: references are substituted,
// everything else passes through as a literal.
func ResolveValue(v any, scope *Scope) (any, error) {
	ref, ok := contracts.ParseReference(v)
	if !ok {
		return v, nil
	}
	return Resolve(ref, scope)
}

// Resolve substitutes a parsed reference against the scope. References to
// bypassed nodes resolve to nil.
func Resolve(ref *contracts.Reference, scope *Scope) (any, error) {
	switch ref.Kind {
	case contracts.RefFlowInput:
		val, ok := scope.FlowInputs[ref.Input]
		if !ok {
			return nil, fmt.Errorf("flow input %q not found", ref.Input)
		}
		return val, nil
	case contracts.RefNodeOutput:
		if scope.Bypassed[ref.Node] {
			return nil, nil
		}
		output, ok := scope.NodeOutputs[ref.Node]
		if !ok {
			return nil, fmt.Errorf("output of node %q not available", ref.Node)
		}
		if ref.Path == "" {
			return output, nil
		}
		return extractField(output, ref)
	case contracts.RefNodeInput:
		inputs, ok := scope.NodeInputs[ref.Node]
		if !ok {
			return nil, fmt.Errorf("inputs of node %q not available", ref.Node)
		}
		val, ok := inputs[ref.Input]
		if !ok {
			return nil, fmt.Errorf("input %q of node %q not found", ref.Input, ref.Node)
		}
		return val, nil
	}
	return nil, fmt.Errorf("unsupported reference %q", ref.Raw)
}

// extractField walks a field path below a node output using gjson.
func extractField(output any, ref *contracts.Reference) (any, error) {
	if output == nil {
		return nil, nil
	}
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output of node %q: %w", ref.Node, err)
	}
	result := gjson.GetBytes(outputJSON, ref.Path)
	if !result.Exists() {
		return nil, fmt.Errorf("field %q not found in output of node %q", ref.Path, ref.Node)
	}
	return result.Value(), nil
}
