package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReference(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  *Reference
		ok    bool
	}{
		{
			name:  "flow input",
			value: "${inputs.question}",
			want:  &Reference{Raw: "${inputs.question}", Kind: RefFlowInput, Input: "question"},
			ok:    true,
		},
		{
			name:  "node output",
			value: "${fetch.output}",
			want:  &Reference{Raw: "${fetch.output}", Kind: RefNodeOutput, Node: "fetch"},
			ok:    true,
		},
		{
			name:  "node output with path",
			value: "${fetch.output.items.0.name}",
			want:  &Reference{Raw: "${fetch.output.items.0.name}", Kind: RefNodeOutput, Node: "fetch", Path: "items.0.name"},
			ok:    true,
		},
		{
			name:  "node input",
			value: "${classify.inputs.text}",
			want:  &Reference{Raw: "${classify.inputs.text}", Kind: RefNodeInput, Node: "classify", Input: "text"},
			ok:    true,
		},
		{name: "plain string literal", value: "hello ${world", ok: false},
		{name: "embedded expression is a literal", value: "prefix ${inputs.x} suffix", ok: false},
		{name: "non-string", value: 42, ok: false},
		{name: "missing member", value: "${fetch}", ok: false},
		{name: "unknown member", value: "${fetch.result}", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, ok := ParseReference(tt.value)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, ref)
			}
		})
	}
}

func TestNodeReferences(t *testing.T) {
	n := &Node{
		Name: "judge",
		Inputs: map[string]any{
			"answer":   "${generate.output}",
			"question": "${inputs.question}",
			"details":  "${fetch.output.body}",
			"repeat":   "${generate.output}",
			"plain":    "not a reference",
		},
		Activate: &ActivateCondition{When: "${gate.output}", Is: true},
	}
	refs := NodeReferences(n)
	assert.ElementsMatch(t, []string{"generate", "fetch", "gate"}, refs)
}
