package inputs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/contracts"
)

func newProcessor() *Processor {
	return NewProcessor(logger.Discard())
}

func TestLoadAliases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"text": "a"}`+"\n\n"+`{"text": "b"}`+"\n"), 0o644))

	aliases, err := newProcessor().LoadAliases(map[string]string{"data": path})
	require.NoError(t, err)
	require.Len(t, aliases["data"], 2)
	assert.Equal(t, "a", aliases["data"][0]["text"])

	_, err = newProcessor().LoadAliases(map[string]string{"data": filepath.Join(dir, "missing.jsonl")})
	require.Error(t, err)
	assert.Equal(t, errs.CodeInputMapping, errs.CodeOf(err))
}

func TestProcessPositionalMerge(t *testing.T) {
	aliases := map[string][]map[string]any{
		"data": {{"text": "a"}, {"text": "b"}},
		"run.outputs": {
			{"category": "x"},
			{"category": "y"},
		},
	}
	mapping := map[string]string{
		"text":        "${data.text}",
		"groundtruth": "${run.outputs.category}",
		"line_number": "${data.text}", // reserved, must be ignored
		"mode":        "strict",
	}
	lines, err := newProcessor().Process(aliases, mapping, nil)
	require.NoError(t, err)
	require.Len(t, lines, 2)

	assert.Equal(t, map[string]any{
		"line_number": 0, "text": "a", "groundtruth": "x", "mode": "strict",
	}, lines[0])
	assert.Equal(t, 1, lines[1][contracts.LineNumberKey])
	assert.Equal(t, "b", lines[1]["text"])
}

func TestProcessKeyedMergeInnerJoin(t *testing.T) {
	aliases := map[string][]map[string]any{
		"data": {
			{"line_number": 0, "text": "a"},
			{"line_number": 2, "text": "c"},
			{"line_number": 1, "text": "b"},
		},
		"run.outputs": {
			{"line_number": 2, "category": "y"},
			{"line_number": 0, "category": "x"},
		},
	}
	mapping := map[string]string{
		"text":     "${data.text}",
		"category": "${run.outputs.category}",
	}
	lines, err := newProcessor().Process(aliases, mapping, nil)
	require.NoError(t, err)

	// Line 1 exists only in "data" and is dropped by the inner join.
	require.Len(t, lines, 2)
	assert.Equal(t, map[string]any{"line_number": 0, "text": "a", "category": "x"}, lines[0])
	assert.Equal(t, map[string]any{"line_number": 2, "text": "c", "category": "y"}, lines[1])
}

func TestProcessEmptyAliasFails(t *testing.T) {
	aliases := map[string][]map[string]any{
		"data": {},
	}
	_, err := newProcessor().Process(aliases, map[string]string{"text": "${data.text}"}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInputMapping, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "empty list")
}

func TestProcessLengthMismatchFails(t *testing.T) {
	aliases := map[string][]map[string]any{
		"data":        {{"text": "a"}, {"text": "b"}},
		"run.outputs": {{"category": "x"}},
	}
	_, err := newProcessor().Process(aliases, map[string]string{"text": "${data.text}"}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInputMapping, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "data: 2")
	assert.Contains(t, err.Error(), "run.outputs: 1")
}

func TestProcessUnresolvedExpressionsFail(t *testing.T) {
	aliases := map[string][]map[string]any{
		"data": {{"text": "a"}},
	}
	mapping := map[string]string{
		"text":  "${data.text}",
		"ghost": "${data.missing_column}",
		"other": "${unknown_alias.col}",
	}
	_, err := newProcessor().Process(aliases, mapping, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeInputMapping, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "${data.missing_column}")
	assert.Contains(t, err.Error(), "${unknown_alias.col}")
}

func TestProcessDefaultMapping(t *testing.T) {
	flow := &contracts.Flow{
		Inputs: map[string]*contracts.InputDefinition{
			"text": {Type: contracts.ValueTypeString},
			"mode": {Type: contracts.ValueTypeString, Default: "plain"},
		},
	}
	aliases := map[string][]map[string]any{
		"data": {{"text": "a", "mode": "fancy"}},
	}
	lines, err := newProcessor().Process(aliases, nil, flow)
	require.NoError(t, err)
	require.Len(t, lines, 1)

	// Only inputs without defaults are auto-mapped.
	assert.Equal(t, "a", lines[0]["text"])
	assert.NotContains(t, lines[0], "mode")
}

func TestProcessMappingRequiredButMissing(t *testing.T) {
	aliases := map[string][]map[string]any{
		"data": {{"text": "a"}},
	}
	_, err := newProcessor().Process(aliases, nil, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeUnexpected, errs.CodeOf(err))
	assert.Equal(t, errs.KindSystemError, errs.KindOf(err))
}

func TestProcessLiteralValues(t *testing.T) {
	aliases := map[string][]map[string]any{
		"data": {{"text": "a"}},
	}
	mapping := map[string]string{
		"text":    "${data.text}",
		"topn":    "3",
		"enabled": "true",
		"label":   "plain string",
	}
	lines, err := newProcessor().Process(aliases, mapping, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(3), lines[0]["topn"])
	assert.Equal(t, true, lines[0]["enabled"])
	assert.Equal(t, "plain string", lines[0]["label"])
}
