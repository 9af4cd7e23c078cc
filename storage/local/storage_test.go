package local

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/contracts"
)

func newStorage(t *testing.T, batchSize int) *Storage {
	t.Helper()
	s, err := New(t.TempDir(), batchSize, logger.Discard())
	require.NoError(t, err)
	return s
}

func lineRun(line int, status contracts.Status) *contracts.FlowRunInfo {
	now := time.Now().UTC()
	return &contracts.FlowRunInfo{
		RunID:     contracts.LineRunID("batch1", &line),
		FlowRunID: "batch1",
		Index:     &line,
		Status:    status,
		Inputs:    map[string]any{"text": "hi"},
		Output:    map[string]any{"answer": "HI"},
		StartTime: now,
		EndTime:   now,
	}
}

func TestMetaRecordsBatchSize(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 25, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, dir, s.Dir())

	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	require.NoError(t, err)
	var meta map[string]int
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, 25, meta["batch_size"])

	// Reopening keeps the recorded block size regardless of configuration.
	reopened, err := New(dir, 100, logger.Discard())
	require.NoError(t, err)
	assert.Equal(t, 25, reopened.batchSize)
}

func TestFlowArtifactBlockFiles(t *testing.T) {
	s := newStorage(t, 2)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(line int) {
			defer wg.Done()
			require.NoError(t, s.PersistFlowRun(lineRun(line, contracts.StatusCompleted)))
		}(i)
	}
	wg.Wait()

	files, err := filepath.Glob(filepath.Join(s.Dir(), "flow_artifacts", "*.jsonl"))
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	assert.ElementsMatch(t, []string{
		"000000000_000000001.jsonl",
		"000000002_000000003.jsonl",
	}, names)

	detail, err := s.LoadDetail()
	require.NoError(t, err)
	require.Len(t, detail.FlowRuns, 4)
	for i, run := range detail.FlowRuns {
		assert.Equal(t, i, *run.Index)
	}
}

func TestPersistFlowRunSkipsUnindexedRecords(t *testing.T) {
	s := newStorage(t, 1)
	require.NoError(t, s.PersistFlowRun(&contracts.FlowRunInfo{RunID: "adhoc"}))

	files, _ := filepath.Glob(filepath.Join(s.Dir(), "flow_artifacts", "*.jsonl"))
	assert.Empty(t, files)
}

func TestNodeArtifacts(t *testing.T) {
	s := newStorage(t, 1)
	line := 3
	require.NoError(t, s.PersistNodeRun(&contracts.RunInfo{
		Node:   "classify",
		RunID:  "batch1_classify_3",
		Index:  &line,
		Status: contracts.StatusCompleted,
		Output: "category",
	}))
	require.NoError(t, s.PersistNodeRun(&contracts.RunInfo{
		Node:   "acc",
		RunID:  "batch1_acc_reduce",
		Status: contracts.StatusCompleted,
		Output: map[string]any{"accuracy": 0.5},
	}))

	assert.FileExists(t, filepath.Join(s.Dir(), "node_artifacts", "classify", "000000003.jsonl"))
	assert.FileExists(t, filepath.Join(s.Dir(), "node_artifacts", "acc", "000000000.jsonl"))

	// A rerun of the reduce pass replaces the record instead of appending.
	require.NoError(t, s.PersistNodeRun(&contracts.RunInfo{
		Node:   "acc",
		RunID:  "batch1_acc_reduce",
		Status: contracts.StatusCompleted,
		Output: map[string]any{"accuracy": 1.0},
	}))
	detail, err := s.LoadDetail()
	require.NoError(t, err)
	var accRuns int
	for _, run := range detail.NodeRuns {
		if run.Node == "acc" {
			accRuns++
		}
	}
	assert.Equal(t, 1, accRuns)
}

func TestLoadInputsAndOutputsPadsFailedLines(t *testing.T) {
	s := newStorage(t, 1)
	require.NoError(t, s.DumpInputs([]map[string]any{
		{"line_number": 0, "text": "a"},
		{"line_number": 1, "text": "b"},
		{"line_number": 2, "text": "c"},
	}))
	require.NoError(t, s.DumpOutputs([]map[string]any{
		{"line_number": 0, "answer": "A"},
		{"line_number": 2, "answer": "C"},
	}))

	inputs, outputs, err := s.LoadInputsAndOutputs()
	require.NoError(t, err)
	require.Len(t, inputs, 3)
	require.Len(t, outputs, 3)

	assert.Equal(t, "A", outputs[0]["answer"])
	assert.Equal(t, FailedOutputPlaceholder, outputs[1]["answer"])
	assert.Equal(t, float64(1), outputs[1]["line_number"])
	assert.Equal(t, "C", outputs[2]["answer"])
}

func TestDumpAndLoadMetricsAndException(t *testing.T) {
	s := newStorage(t, 1)

	metrics, err := s.LoadMetrics()
	require.NoError(t, err)
	assert.Nil(t, metrics)

	require.NoError(t, s.DumpMetrics(map[string]any{"accuracy": 0.5}))
	metrics, err = s.LoadMetrics()
	require.NoError(t, err)
	assert.Equal(t, 0.5, metrics["accuracy"])

	exc, err := s.LoadException()
	require.NoError(t, err)
	assert.Nil(t, exc)

	require.NoError(t, s.DumpException(map[string]any{"code": "UserError"}))
	exc, err = s.LoadException()
	require.NoError(t, err)
	assert.Equal(t, "UserError", exc["code"])

	require.NoError(t, s.DumpException(nil))
	exc, err = s.LoadException()
	require.NoError(t, err)
	assert.Nil(t, exc)
}

func TestDumpSnapshot(t *testing.T) {
	flowDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(flowDir, "flow.dag.yaml"), []byte("nodes: []\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(flowDir, "prompts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(flowDir, "prompts", "main.jinja2"), []byte("{{text}}"), 0o644))

	shared := filepath.Join(filepath.Dir(flowDir), "shared")
	require.NoError(t, os.MkdirAll(shared, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shared, "lexicon.txt"), []byte("a b c"), 0o644))

	s := newStorage(t, 1)
	require.NoError(t, s.DumpSnapshot(flowDir, "../shared"))

	assert.FileExists(t, filepath.Join(s.Dir(), "snapshot", "flow.dag.yaml"))
	assert.FileExists(t, filepath.Join(s.Dir(), "snapshot", "prompts", "main.jinja2"))
	assert.FileExists(t, filepath.Join(s.Dir(), "snapshot", "shared", "lexicon.txt"))

	require.Error(t, s.DumpSnapshot(flowDir, "../missing"))
}

func TestDumpFlowDefinition(t *testing.T) {
	flowDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(flowDir, "flow.dag.yaml"), []byte("nodes: []\n"), 0o644))

	s := newStorage(t, 1)
	require.NoError(t, s.DumpSnapshot(flowDir))
	resolved := []byte("nodes:\n  - name: upper\n    tool: upper_v1\n")
	require.NoError(t, s.DumpFlowDefinition(resolved, map[string]any{
		"upper_v1": map[string]any{"type": "function"},
	}))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "snapshot", "flow.dag.yaml"))
	require.NoError(t, err)
	assert.Equal(t, resolved, data)

	toolsData, err := os.ReadFile(filepath.Join(s.Dir(), "snapshot", ".promptflow", "flow.tools.json"))
	require.NoError(t, err)
	var manifest map[string]map[string]any
	require.NoError(t, json.Unmarshal(toolsData, &manifest))
	assert.Contains(t, manifest["code"], "upper_v1")
}

func TestLogPath(t *testing.T) {
	s := newStorage(t, 1)
	assert.Equal(t, filepath.Join(s.Dir(), "log"), s.LogPath())
}
