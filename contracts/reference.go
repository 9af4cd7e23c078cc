package contracts

import (
	"regexp"
	"strings"
)

// ReferenceKind distinguishes the three legal reference shapes.
type ReferenceKind int

const (
	// RefFlowInput is ${inputs.X}.
	RefFlowInput ReferenceKind = iota
	// RefNodeOutput is ${node.output} or ${node.output.path}.
	RefNodeOutput
	// RefNodeInput is ${node.inputs.Y}; legal only inside aggregation nodes.
	RefNodeInput
)

// Reference is a parsed ${...} expression.
type Reference struct {
	Raw  string
	Kind ReferenceKind
	// Node is the referenced node name; empty for flow-input references.
	Node string
	// Input is the flow-input name (RefFlowInput) or the referenced node's
	// input name (RefNodeInput).
	Input string
	// Path is the optional field path below a node output, gjson syntax.
	Path string
}

var referencePattern = regexp.MustCompile(`^\$\{([^{}]+)\}$`)

// ParseReference parses a value as a reference expression. The second
// return is false when the value is not a string of the exact ${...}
// shape; such values are literals.
func ParseReference(v any) (*Reference, bool) {
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	m := referencePattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return nil, false
	}
	body := m[1]
	ref := &Reference{Raw: s}
	switch {
	case body == "inputs" || strings.HasPrefix(body, "inputs."):
		ref.Kind = RefFlowInput
		ref.Input = strings.TrimPrefix(body, "inputs.")
		return ref, true
	default:
		parts := strings.SplitN(body, ".", 3)
		if len(parts) < 2 {
			return nil, false
		}
		ref.Node = parts[0]
		switch parts[1] {
		case "output":
			ref.Kind = RefNodeOutput
			if len(parts) == 3 {
				ref.Path = parts[2]
			}
			return ref, true
		case "inputs":
			if len(parts) != 3 {
				return nil, false
			}
			ref.Kind = RefNodeInput
			ref.Input = parts[2]
			return ref, true
		}
		return nil, false
	}
}

// NodeReferences returns the node names referenced by a node's input
// values and its activate condition.
func NodeReferences(n *Node) []string {
	seen := map[string]bool{}
	var names []string
	add := func(v any) {
		if ref, ok := ParseReference(v); ok && ref.Node != "" && !seen[ref.Node] {
			seen[ref.Node] = true
			names = append(names, ref.Node)
		}
	}
	for _, v := range n.Inputs {
		add(v)
	}
	if n.Activate != nil {
		add(n.Activate.When)
	}
	return names
}
