package contracts

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"
)

// DAGFileName is the canonical flow definition file inside a flow folder.
const DAGFileName = "flow.dag.yaml"

// ValueType enumerates the declared types of flow inputs and outputs.
type ValueType string

const (
	ValueTypeString ValueType = "string"
	ValueTypeInt    ValueType = "int"
	ValueTypeDouble ValueType = "double"
	ValueTypeBool   ValueType = "bool"
	ValueTypeList   ValueType = "list"
	ValueTypeObject ValueType = "object"
	ValueTypeImage  ValueType = "image"
)

// InputDefinition declares one flow input.
type InputDefinition struct {
	Type          ValueType `yaml:"type" json:"type"`
	Default       any       `yaml:"default,omitempty" json:"default,omitempty"`
	IsChatInput   bool      `yaml:"is_chat_input,omitempty" json:"is_chat_input,omitempty"`
	IsChatHistory bool      `yaml:"is_chat_history,omitempty" json:"is_chat_history,omitempty"`
}

// OutputDefinition declares one flow output as a reference into node
// outputs or flow inputs.
type OutputDefinition struct {
	Type      ValueType `yaml:"type,omitempty" json:"type,omitempty"`
	Reference string    `yaml:"reference" json:"reference"`
}

// ActivateCondition gates a node. The equality form compares the resolved
// `when` reference against `is`; the expression form evaluates a CEL
// expression over flow inputs and completed node outputs.
type ActivateCondition struct {
	When       string `yaml:"when,omitempty" json:"when,omitempty"`
	Is         any    `yaml:"is,omitempty" json:"is,omitempty"`
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// ToolSource locates a node's tool implementation.
type ToolSource struct {
	Type string `yaml:"type,omitempty" json:"type,omitempty"` // code | package
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
	Tool string `yaml:"tool,omitempty" json:"tool,omitempty"`
}

// Node is one invocation site in a flow.
type Node struct {
	Name        string             `yaml:"name" json:"name"`
	Tool        string             `yaml:"tool,omitempty" json:"tool,omitempty"`
	Source      *ToolSource        `yaml:"source,omitempty" json:"source,omitempty"`
	Inputs      map[string]any     `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Connection  string             `yaml:"connection,omitempty" json:"connection,omitempty"`
	Aggregation bool               `yaml:"aggregation,omitempty" json:"aggregation,omitempty"`
	Activate    *ActivateCondition `yaml:"activate,omitempty" json:"activate,omitempty"`
	EnableCache bool               `yaml:"enable_cache,omitempty" json:"enable_cache,omitempty"`
}

// ToolID returns the stable tool identity for registry lookup.
func (n *Node) ToolID() string {
	if n.Source != nil && n.Source.Tool != "" {
		return n.Source.Tool
	}
	return n.Tool
}

// NodeVariants holds the alternative configurations for one node.
type NodeVariants struct {
	DefaultVariantID string                  `yaml:"default_variant_id" json:"default_variant_id"`
	Variants         map[string]*NodeVariant `yaml:"variants" json:"variants"`
}

// NodeVariant wraps the node spec of one variant.
type NodeVariant struct {
	Node *Node `yaml:"node" json:"node"`
}

// Flow is the DAG plus its inputs/outputs declaration.
type Flow struct {
	ID                 string                       `yaml:"id,omitempty" json:"id,omitempty"`
	Name               string                       `yaml:"name,omitempty" json:"name,omitempty"`
	Inputs             map[string]*InputDefinition  `yaml:"inputs" json:"inputs"`
	Outputs            map[string]*OutputDefinition `yaml:"outputs" json:"outputs"`
	Nodes              []*Node                      `yaml:"nodes" json:"nodes"`
	NodeVariants       map[string]*NodeVariants     `yaml:"node_variants,omitempty" json:"node_variants,omitempty"`
	Environment        map[string]any               `yaml:"environment,omitempty" json:"environment,omitempty"`
	AdditionalIncludes []string                     `yaml:"additional_includes,omitempty" json:"additional_includes,omitempty"`
}

// LoadFlow reads and validates a flow definition. The path may be the DAG
// file itself or a flow folder containing one.
func LoadFlow(path string) (*Flow, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat flow path: %w", err)
	}
	dagPath := path
	if info.IsDir() {
		dagPath = filepath.Join(path, DAGFileName)
	}
	data, err := os.ReadFile(dagPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow definition: %w", err)
	}
	flow, err := ParseFlow(data)
	if err != nil {
		return nil, err
	}
	if flow.ID == "" {
		flow.ID = filepath.Base(filepath.Dir(dagPath))
	}
	return flow, nil
}

// ParseFlow decodes and validates a flow definition document.
func ParseFlow(data []byte) (*Flow, error) {
	var flow Flow
	if err := yaml.Unmarshal(data, &flow); err != nil {
		return nil, fmt.Errorf("failed to parse flow definition: %w", err)
	}
	if err := flow.Validate(); err != nil {
		return nil, err
	}
	return &flow, nil
}

// Marshal serializes the flow back to its persisted YAML form, used when
// snapshotting the variant-resolved DAG into a run folder.
func (f *Flow) Marshal() ([]byte, error) {
	out, err := yaml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal flow definition: %w", err)
	}
	return out, nil
}

// Node returns the node with the given name, or nil.
func (f *Flow) Node(name string) *Node {
	for _, n := range f.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// ExecutionNodes returns the non-aggregation nodes in definition order.
func (f *Flow) ExecutionNodes() []*Node {
	var nodes []*Node
	for _, n := range f.Nodes {
		if !n.Aggregation {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// AggregationNodes returns the aggregation nodes in definition order.
func (f *Flow) AggregationNodes() []*Node {
	var nodes []*Node
	for _, n := range f.Nodes {
		if n.Aggregation {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// ApplyVariant replaces a variant-enabled node with the given variant's
// spec. An empty variantID selects the default variant. Only one variant
// is active per node.
func (f *Flow) ApplyVariant(nodeName, variantID string) error {
	nv, ok := f.NodeVariants[nodeName]
	if !ok {
		return fmt.Errorf("node %q has no variants", nodeName)
	}
	if variantID == "" {
		variantID = nv.DefaultVariantID
	}
	variant, ok := nv.Variants[variantID]
	if !ok || variant.Node == nil {
		return fmt.Errorf("variant %q not found for node %q", variantID, nodeName)
	}
	for i, n := range f.Nodes {
		if n.Name == nodeName {
			resolved := *variant.Node
			resolved.Name = nodeName
			f.Nodes[i] = &resolved
			return nil
		}
	}
	return fmt.Errorf("node %q not found", nodeName)
}

// Validate checks the structural invariants of the flow: unique node
// names, resolvable references, aggregation rules and acyclicity.
func (f *Flow) Validate() error {
	names := make(map[string]*Node, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.Name == "" {
			return fmt.Errorf("flow contains a node without a name")
		}
		if _, dup := names[n.Name]; dup {
			return fmt.Errorf("duplicate node name %q", n.Name)
		}
		names[n.Name] = n
	}

	check := func(owner *Node, v any) error {
		ref, ok := ParseReference(v)
		if !ok {
			return nil
		}
		switch ref.Kind {
		case RefFlowInput:
			if _, ok := f.Inputs[ref.Input]; !ok {
				return fmt.Errorf("node %q references undeclared flow input %q", owner.Name, ref.Input)
			}
		case RefNodeOutput, RefNodeInput:
			target, ok := names[ref.Node]
			if !ok {
				return fmt.Errorf("node %q references unknown node %q", owner.Name, ref.Node)
			}
			if ref.Kind == RefNodeInput && !owner.Aggregation {
				return fmt.Errorf("node %q: %s references are only legal in aggregation nodes", owner.Name, ref.Raw)
			}
			if target.Aggregation && !owner.Aggregation {
				return fmt.Errorf("node %q may not reference aggregation node %q", owner.Name, ref.Node)
			}
			if target.Aggregation && owner.Aggregation {
				return fmt.Errorf("aggregation node %q may not reference aggregation node %q", owner.Name, ref.Node)
			}
		}
		return nil
	}
	for _, n := range f.Nodes {
		for _, v := range n.Inputs {
			if err := check(n, v); err != nil {
				return err
			}
		}
		if n.Activate != nil {
			if err := check(n, n.Activate.When); err != nil {
				return err
			}
		}
	}
	for name, out := range f.Outputs {
		if out == nil || out.Reference == "" {
			return fmt.Errorf("output %q has no reference", name)
		}
		ref, ok := ParseReference(out.Reference)
		if !ok {
			return fmt.Errorf("output %q reference %q is not a valid expression", name, out.Reference)
		}
		if ref.Kind == RefFlowInput {
			if _, ok := f.Inputs[ref.Input]; !ok {
				return fmt.Errorf("output %q references undeclared flow input %q", name, ref.Input)
			}
		} else if _, ok := names[ref.Node]; !ok {
			return fmt.Errorf("output %q references unknown node %q", name, ref.Node)
		}
	}
	return f.checkAcyclic(names)
}

// checkAcyclic runs a depth-first cycle check over the reference graph.
func (f *Flow) checkAcyclic(names map[string]*Node) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(f.Nodes))
	var visit func(n *Node) error
	visit = func(n *Node) error {
		color[n.Name] = gray
		for _, dep := range NodeReferences(n) {
			target, ok := names[dep]
			if !ok {
				continue
			}
			switch color[dep] {
			case gray:
				return fmt.Errorf("cycle detected involving nodes %q and %q", n.Name, dep)
			case white:
				if err := visit(target); err != nil {
					return err
				}
			}
		}
		color[n.Name] = black
		return nil
	}
	for _, n := range f.Nodes {
		if color[n.Name] == white {
			if err := visit(n); err != nil {
				return err
			}
		}
	}
	return nil
}
