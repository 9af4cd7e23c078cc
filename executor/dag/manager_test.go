package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/promptflow/contracts"
	"github.com/lyzr/promptflow/executor/condition"
	"github.com/lyzr/promptflow/executor/tool"
)

func diamondNodes() []*contracts.Node {
	return []*contracts.Node{
		{Name: "a", Tool: "t", Inputs: map[string]any{"q": "${inputs.question}"}},
		{Name: "b", Tool: "t", Inputs: map[string]any{"x": "${a.output}"}},
		{
			Name: "c", Tool: "t",
			Inputs:   map[string]any{"x": "${a.output}"},
			Activate: &contracts.ActivateCondition{When: "${a.output}", Is: nil},
		},
		{Name: "d", Tool: "t", Inputs: map[string]any{"x": "${c.output}"}},
	}
}

func newManager(t *testing.T, nodes []*contracts.Node) *Manager {
	t.Helper()
	return New(nodes, map[string]any{"question": "hi"}, nil, condition.NewEvaluator())
}

func names(nodes []*contracts.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Name)
	}
	return out
}

func TestReadyNodesFollowCompletion(t *testing.T) {
	m := newManager(t, diamondNodes())

	ready := m.PopReadyNodes()
	assert.Equal(t, []string{"a"}, names(ready))
	assert.Empty(t, m.PopReadyNodes())

	m.CompleteNodes(map[string]any{"a": "answer"})
	bypassed, err := m.PopBypassableNodes()
	require.NoError(t, err)
	// a produced a value, so c's "is null" condition does not hold; d is
	// dragged along because its only node reference is bypassed.
	assert.Equal(t, []string{"c", "d"}, names(bypassed))

	ready = m.PopReadyNodes()
	assert.Equal(t, []string{"b"}, names(ready))

	m.CompleteNodes(map[string]any{"b": "done"})
	assert.True(t, m.Completed())

	outputs := m.CompletedOutputs()
	assert.Equal(t, map[string]any{"a": "answer", "b": "done", "c": nil, "d": nil}, outputs)
	assert.Equal(t, []string{"c", "d"}, names(m.BypassedNodes()))
}

func TestActivateConditionMetKeepsNode(t *testing.T) {
	m := newManager(t, diamondNodes())
	m.PopReadyNodes()
	m.CompleteNodes(map[string]any{"a": nil})

	bypassed, err := m.PopBypassableNodes()
	require.NoError(t, err)
	assert.Empty(t, names(bypassed))

	ready := m.PopReadyNodes()
	assert.ElementsMatch(t, []string{"b", "c"}, names(ready))
}

func TestUndecidableConditionStaysPending(t *testing.T) {
	m := newManager(t, diamondNodes())

	// a has not completed: c's condition cannot be decided yet.
	bypassed, err := m.PopBypassableNodes()
	require.NoError(t, err)
	assert.Empty(t, bypassed)
	assert.False(t, m.Completed())
}

func TestExpressionConditionBypass(t *testing.T) {
	nodes := []*contracts.Node{
		{Name: "score", Tool: "t"},
		{
			Name: "alert", Tool: "t",
			Inputs:   map[string]any{"s": "${score.output}"},
			Activate: &contracts.ActivateCondition{Expression: `outputs.score > 0.5`},
		},
	}
	m := New(nodes, nil, nil, condition.NewEvaluator())
	m.PopReadyNodes()
	m.CompleteNodes(map[string]any{"score": 0.2})

	bypassed, err := m.PopBypassableNodes()
	require.NoError(t, err)
	assert.Equal(t, []string{"alert"}, names(bypassed))
}

func TestSeededOutputsSatisfyReferences(t *testing.T) {
	nodes := []*contracts.Node{
		{Name: "agg", Tool: "t", Inputs: map[string]any{"scores": "${classify.output}"}},
	}
	m := New(nodes, nil, map[string]any{"classify": []any{1.0, 0.0}}, condition.NewEvaluator())

	ready := m.PopReadyNodes()
	assert.Equal(t, []string{"agg"}, names(ready))
}

func TestGetNodeValidInputs(t *testing.T) {
	m := newManager(t, diamondNodes())
	m.PopReadyNodes()
	m.CompleteNodes(map[string]any{"a": map[string]any{"text": "answer"}})

	node := &contracts.Node{Name: "b", Inputs: map[string]any{
		"x":     "${a.output.text}",
		"extra": "ignored",
	}}
	declared := &tool.Tool{Parameters: []tool.Parameter{
		{Name: "x", Required: true},
		{Name: "mode", Default: "plain"},
	}}

	args, err := m.GetNodeValidInputs(node, declared)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": "answer", "mode": "plain"}, args)

	// A tool without a declared signature receives everything resolved.
	args, err = m.GetNodeValidInputs(node, &tool.Tool{})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": "answer", "extra": "ignored"}, args)
}

func TestRecordNodeInputsFeedsScope(t *testing.T) {
	m := newManager(t, diamondNodes())
	m.RecordNodeInputs("a", map[string]any{"q": "hi"})
	assert.Equal(t, "hi", m.Scope().NodeInputs["a"]["q"])
}
