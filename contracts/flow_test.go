package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const classifyDAG = `
name: classify_url
inputs:
  url:
    type: string
outputs:
  category:
    reference: ${classify.output.category}
nodes:
  - name: fetch
    tool: fetch_text
    inputs:
      url: ${inputs.url}
  - name: classify
    tool: classify_with_llm
    inputs:
      text: ${fetch.output}
    enable_cache: true
  - name: accuracy
    tool: compute_accuracy
    aggregation: true
    inputs:
      category: ${classify.output.category}
      url: ${classify.inputs.text}
`

func TestParseFlow(t *testing.T) {
	flow, err := ParseFlow([]byte(classifyDAG))
	require.NoError(t, err)

	assert.Equal(t, "classify_url", flow.Name)
	require.Len(t, flow.Nodes, 3)
	assert.Equal(t, []string{"fetch", "classify"}, nodeNames(flow.ExecutionNodes()))
	assert.Equal(t, []string{"accuracy"}, nodeNames(flow.AggregationNodes()))
	assert.True(t, flow.Node("classify").EnableCache)
	assert.Nil(t, flow.Node("missing"))
}

func nodeNames(nodes []*Node) []string {
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	return names
}

func TestFlowValidate(t *testing.T) {
	tests := []struct {
		name    string
		dag     string
		wantErr string
	}{
		{
			name: "duplicate node names",
			dag: `
nodes:
  - name: a
    tool: t
  - name: a
    tool: t
`,
			wantErr: "duplicate node name",
		},
		{
			name: "undeclared flow input",
			dag: `
nodes:
  - name: a
    tool: t
    inputs:
      x: ${inputs.missing}
`,
			wantErr: "undeclared flow input",
		},
		{
			name: "node inputs reference outside aggregation",
			dag: `
nodes:
  - name: a
    tool: t
  - name: b
    tool: t
    inputs:
      x: ${a.inputs.y}
`,
			wantErr: "only legal in aggregation nodes",
		},
		{
			name: "non-aggregation node referencing aggregation node",
			dag: `
nodes:
  - name: agg
    tool: t
    aggregation: true
  - name: b
    tool: t
    inputs:
      x: ${agg.output}
`,
			wantErr: "may not reference aggregation node",
		},
		{
			name: "aggregation node referencing aggregation node",
			dag: `
nodes:
  - name: agg1
    tool: t
    aggregation: true
  - name: agg2
    tool: t
    aggregation: true
    inputs:
      x: ${agg1.output}
`,
			wantErr: "may not reference aggregation node",
		},
		{
			name: "cycle",
			dag: `
nodes:
  - name: a
    tool: t
    inputs:
      x: ${b.output}
  - name: b
    tool: t
    inputs:
      x: ${a.output}
`,
			wantErr: "cycle detected",
		},
		{
			name: "output references unknown node",
			dag: `
outputs:
  result:
    reference: ${ghost.output}
nodes:
  - name: a
    tool: t
`,
			wantErr: "unknown node",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFlow([]byte(tt.dag))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyVariant(t *testing.T) {
	dag := `
inputs:
  text:
    type: string
nodes:
  - name: summarize
    tool: summarize_v0
    inputs:
      text: ${inputs.text}
node_variants:
  summarize:
    default_variant_id: variant_0
    variants:
      variant_0:
        node:
          name: summarize
          tool: summarize_v0
          inputs:
            text: ${inputs.text}
      variant_1:
        node:
          name: summarize
          tool: summarize_v1
          inputs:
            text: ${inputs.text}
            temperature: 0.9
`
	flow, err := ParseFlow([]byte(dag))
	require.NoError(t, err)

	require.NoError(t, flow.ApplyVariant("summarize", "variant_1"))
	assert.Equal(t, "summarize_v1", flow.Node("summarize").Tool)
	assert.Equal(t, 0.9, flow.Node("summarize").Inputs["temperature"])

	require.NoError(t, flow.ApplyVariant("summarize", ""))
	assert.Equal(t, "summarize_v0", flow.Node("summarize").Tool)

	assert.Error(t, flow.ApplyVariant("summarize", "variant_9"))
	assert.Error(t, flow.ApplyVariant("fetch", "variant_0"))
}

func TestRunIDSchemas(t *testing.T) {
	line := 7
	assert.Equal(t, "batch1_classify_7", NodeRunID("batch1", "classify", &line))
	assert.Equal(t, "batch1_accuracy_reduce", ReduceNodeRunID("batch1", "accuracy"))
	assert.Equal(t, "batch1_7", LineRunID("batch1", &line))
	assert.Equal(t, "batch1", LineRunID("batch1", nil))

	adHoc := NodeRunID("batch1", "classify", nil)
	assert.Contains(t, adHoc, "batch1_classify_")
	assert.NotEqual(t, adHoc, NodeRunID("batch1", "classify", nil))
}

func TestStatusIsTerminated(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusFailed, StatusBypassed, StatusCanceled} {
		assert.True(t, s.IsTerminated(), s)
	}
	for _, s := range []Status{StatusNotStarted, StatusPreparing, StatusRunning, StatusCancelRequested} {
		assert.False(t, s.IsTerminated(), s)
	}
}
