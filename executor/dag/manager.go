// Package dag tracks per-node execution state for one flow line. The
// manager is pure data-structure work: no I/O, no locks; the scheduler
// touches it only from its main loop.
package dag

import (
	"fmt"

	"github.com/lyzr/promptflow/contracts"
	"github.com/lyzr/promptflow/executor/condition"
	"github.com/lyzr/promptflow/executor/reference"
	"github.com/lyzr/promptflow/executor/tool"
)

// Manager drives nodes through pending -> (ready | bypassed) -> completed.
type Manager struct {
	nodes   []*contracts.Node
	byName  map[string]*contracts.Node
	pending map[string]bool
	scope   *reference.Scope
	eval    *condition.Evaluator
}

// New creates a manager for the given nodes and line inputs. seedOutputs
// pre-populates node outputs that were computed outside this DAG (the
// aggregation pass seeds the per-line output lists this way).
func New(nodes []*contracts.Node, flowInputs, seedOutputs map[string]any, eval *condition.Evaluator) *Manager {
	m := &Manager{
		nodes:   nodes,
		byName:  make(map[string]*contracts.Node, len(nodes)),
		pending: make(map[string]bool, len(nodes)),
		scope: &reference.Scope{
			FlowInputs:  flowInputs,
			NodeOutputs: make(map[string]any),
			NodeInputs:  make(map[string]map[string]any),
			Bypassed:    make(map[string]bool),
		},
		eval: eval,
	}
	for _, n := range nodes {
		m.byName[n.Name] = n
		m.pending[n.Name] = true
	}
	for name, output := range seedOutputs {
		m.scope.NodeOutputs[name] = output
	}
	return m
}

// Scope exposes the resolution scope for output composition.
func (m *Manager) Scope() *reference.Scope { return m.scope }

// PopBypassableNodes returns all nodes that must be bypassed given the
// current state and marks them bypassed. Bypass propagates, so the scan
// repeats until a fixpoint.
func (m *Manager) PopBypassableNodes() ([]*contracts.Node, error) {
	var bypassed []*contracts.Node
	for {
		progressed := false
		for _, n := range m.nodes {
			if !m.pending[n.Name] {
				continue
			}
			skip, err := m.isBypassable(n)
			if err != nil {
				return nil, err
			}
			if skip {
				delete(m.pending, n.Name)
				m.scope.Bypassed[n.Name] = true
				bypassed = append(bypassed, n)
				progressed = true
			}
		}
		if !progressed {
			return bypassed, nil
		}
	}
}

// isBypassable decides whether a pending node must be bypassed right now.
// Undecidable nodes (references not yet terminal) stay pending.
func (m *Manager) isBypassable(n *contracts.Node) (bool, error) {
	if n.Activate != nil {
		if n.Activate.Expression != "" {
			// Expression conditions are evaluated once the node would
			// otherwise be ready.
			if !m.referencesTerminal(n) {
				return false, nil
			}
			met, err := m.eval.Evaluate(n.Activate, m.scope)
			if err != nil {
				return false, fmt.Errorf("node %q: %w", n.Name, err)
			}
			return !met, nil
		}
		ref, isRef := contracts.ParseReference(n.Activate.When)
		if isRef && ref.Node != "" {
			if m.pending[ref.Node] {
				return false, nil // not decidable yet
			}
			// The subject of the activate condition being bypassed means
			// its value is null; the condition still decides the outcome.
		}
		met, err := m.eval.Evaluate(n.Activate, m.scope)
		if err != nil {
			return false, fmt.Errorf("node %q: %w", n.Name, err)
		}
		return !met, nil
	}

	// Without an activate condition a node is bypassed when it has node
	// references and every one of them resolved to a bypassed node.
	refs := m.nodeRefs(n)
	if len(refs) == 0 {
		return false, nil
	}
	for _, dep := range refs {
		if !m.scope.Bypassed[dep] {
			return false, nil
		}
	}
	return true, nil
}

// PopReadyNodes returns all nodes whose every referenced node is in a
// terminal state, and removes them from pending.
func (m *Manager) PopReadyNodes() []*contracts.Node {
	var ready []*contracts.Node
	for _, n := range m.nodes {
		if !m.pending[n.Name] {
			continue
		}
		if m.referencesTerminal(n) {
			delete(m.pending, n.Name)
			ready = append(ready, n)
		}
	}
	return ready
}

func (m *Manager) referencesTerminal(n *contracts.Node) bool {
	for _, dep := range contracts.NodeReferences(n) {
		if _, local := m.byName[dep]; !local {
			// Seeded from outside this DAG (aggregation inputs).
			if _, ok := m.scope.NodeOutputs[dep]; ok {
				continue
			}
		}
		if m.pending[dep] {
			return false
		}
		if !m.scope.HasNode(dep) {
			return false
		}
	}
	return true
}

// nodeRefs returns the node names referenced by the node's inputs only
// (the activate subject does not participate in bypass propagation).
func (m *Manager) nodeRefs(n *contracts.Node) []string {
	seen := map[string]bool{}
	var refs []string
	for _, v := range n.Inputs {
		if ref, ok := contracts.ParseReference(v); ok && ref.Node != "" && !seen[ref.Node] {
			seen[ref.Node] = true
			refs = append(refs, ref.Node)
		}
	}
	return refs
}

// CompleteNodes records completed outputs; dependents become ready on the
// next PopReadyNodes.
func (m *Manager) CompleteNodes(outputs map[string]any) {
	for name, output := range outputs {
		m.scope.NodeOutputs[name] = output
	}
}

// RecordNodeInputs stores a node's resolved inputs so aggregation nodes
// can reference ${node.inputs.X}.
func (m *Manager) RecordNodeInputs(node string, inputs map[string]any) {
	m.scope.NodeInputs[node] = inputs
}

// Completed reports whether every node reached a terminal state.
func (m *Manager) Completed() bool {
	for _, n := range m.nodes {
		if m.pending[n.Name] {
			return false
		}
		if !m.scope.Bypassed[n.Name] {
			if _, ok := m.scope.NodeOutputs[n.Name]; !ok {
				return false
			}
		}
	}
	return true
}

// BypassedNodes returns the bypassed nodes of this DAG.
func (m *Manager) BypassedNodes() []*contracts.Node {
	var out []*contracts.Node
	for _, n := range m.nodes {
		if m.scope.Bypassed[n.Name] {
			out = append(out, n)
		}
	}
	return out
}

// CompletedOutputs returns the output map including nil entries for
// bypassed nodes.
func (m *Manager) CompletedOutputs() map[string]any {
	out := make(map[string]any, len(m.nodes))
	for _, n := range m.nodes {
		if m.scope.Bypassed[n.Name] {
			out[n.Name] = nil
			continue
		}
		if v, ok := m.scope.NodeOutputs[n.Name]; ok {
			out[n.Name] = v
		}
	}
	return out
}

// GetNodeValidInputs resolves a node's input expressions and filters them
// to the parameters the tool accepts, applying declared defaults. A tool
// without a declared signature receives all resolved inputs.
func (m *Manager) GetNodeValidInputs(n *contracts.Node, t *tool.Tool) (map[string]any, error) {
	resolved := make(map[string]any, len(n.Inputs))
	for name, v := range n.Inputs {
		val, err := reference.ResolveValue(v, m.scope)
		if err != nil {
			return nil, fmt.Errorf("node %q input %q: %w", n.Name, name, err)
		}
		resolved[name] = val
	}
	if t == nil || len(t.Parameters) == 0 {
		return resolved, nil
	}
	valid := make(map[string]any, len(t.Parameters))
	for _, p := range t.Parameters {
		if v, ok := resolved[p.Name]; ok {
			valid[p.Name] = v
			continue
		}
		if p.Default != nil {
			valid[p.Name] = p.Default
		}
	}
	return valid, nil
}
