// Package tracker owns the in-memory run-info records of an execution:
// one FlowRunInfo per line and one RunInfo per node per line. Records are
// handed to a storage sink for persistence; persistence failures never
// abort execution.
package tracker

import (
	"sync"
	"time"

	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/contracts"
)

// Storage persists run records. The local storage layer implements it;
// tests use a capture sink or DiscardStorage.
type Storage interface {
	PersistNodeRun(info *contracts.RunInfo) error
	PersistFlowRun(info *contracts.FlowRunInfo) error
}

// DiscardStorage drops all records.
type DiscardStorage struct{}

func (DiscardStorage) PersistNodeRun(*contracts.RunInfo) error     { return nil }
func (DiscardStorage) PersistFlowRun(*contracts.FlowRunInfo) error { return nil }

// RunTracker tracks run infos keyed by run id.
type RunTracker struct {
	mu       sync.Mutex
	nodeRuns map[string]*contracts.RunInfo
	flowRuns map[string]*contracts.FlowRunInfo
	storage  Storage
	log      *logger.Logger
}

// New creates a run tracker over a storage sink.
func New(storage Storage, log *logger.Logger) *RunTracker {
	if storage == nil {
		storage = DiscardStorage{}
	}
	return &RunTracker{
		nodeRuns: make(map[string]*contracts.RunInfo),
		flowRuns: make(map[string]*contracts.FlowRunInfo),
		storage:  storage,
		log:      log,
	}
}

// StartNodeRun inserts a Running node record.
func (t *RunTracker) StartNodeRun(node, flowRunID, parentRunID, runID string, index *int, variantID string) *contracts.RunInfo {
	info := &contracts.RunInfo{
		Node:        node,
		RunID:       runID,
		FlowRunID:   flowRunID,
		ParentRunID: parentRunID,
		Status:      contracts.StatusRunning,
		StartTime:   time.Now().UTC(),
		Index:       index,
		VariantID:   variantID,
	}
	t.mu.Lock()
	t.nodeRuns[runID] = info
	t.mu.Unlock()
	return info
}

// SetNodeInputs stores the resolved inputs on a running node record. The
// reserved "self" key is dropped.
func (t *RunTracker) SetNodeInputs(runID string, inputs map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.nodeRuns[runID]
	if !ok {
		t.log.Warn("set inputs for unknown node run", "run_id", runID)
		return
	}
	filtered := make(map[string]any, len(inputs))
	for k, v := range inputs {
		if k == "self" {
			continue
		}
		filtered[k] = v
	}
	info.Inputs = filtered
}

// EndNodeRun transitions a node record to Completed or Failed, attaches
// traces and computes duration. A second completion attempt is logged and
// ignored.
func (t *RunTracker) EndNodeRun(runID string, result any, runErr error, traces []*contracts.Trace) *contracts.RunInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.nodeRuns[runID]
	if !ok {
		t.log.Warn("end run for unknown node run", "run_id", runID)
		return nil
	}
	if info.Status.IsTerminated() {
		t.log.Warn("node run already terminated, ignoring second completion",
			"run_id", runID, "status", info.Status)
		return info
	}
	info.EndTime = time.Now().UTC()
	info.APICalls = traces
	info.SystemMetrics = map[string]any{
		"duration": info.EndTime.Sub(info.StartTime).Seconds(),
	}
	if tokens := collectTokens(traces); len(tokens) > 0 {
		for k, v := range tokens {
			info.SystemMetrics[k] = v
		}
	}
	if runErr != nil {
		info.Status = contracts.StatusFailed
		info.Error = errs.ToDict(runErr)
	} else {
		info.Status = contracts.StatusCompleted
		info.Output = result
	}
	return info
}

// BypassNodeRun inserts a terminal Bypassed record with null output.
func (t *RunTracker) BypassNodeRun(node, flowRunID, parentRunID, runID string, index *int, variantID string) *contracts.RunInfo {
	now := time.Now().UTC()
	info := &contracts.RunInfo{
		Node:          node,
		RunID:         runID,
		FlowRunID:     flowRunID,
		ParentRunID:   parentRunID,
		Status:        contracts.StatusBypassed,
		StartTime:     now,
		EndTime:       now,
		Index:         index,
		VariantID:     variantID,
		SystemMetrics: map[string]any{"duration": 0.0},
	}
	t.mu.Lock()
	t.nodeRuns[runID] = info
	t.mu.Unlock()
	return info
}

// PersistNodeRun hands a node record to storage. Failures are swallowed
// with a warning; a failed write must not abort execution.
func (t *RunTracker) PersistNodeRun(info *contracts.RunInfo) {
	if info == nil {
		return
	}
	if err := t.storage.PersistNodeRun(info); err != nil {
		t.log.Warn("failed to persist node run", "run_id", info.RunID, "error", err)
	}
}

// StartFlowRun inserts a Running line record.
func (t *RunTracker) StartFlowRun(runID, flowRunID, rootRunID string, index *int, inputs map[string]any, variantID string) *contracts.FlowRunInfo {
	info := &contracts.FlowRunInfo{
		RunID:     runID,
		FlowRunID: flowRunID,
		RootRunID: rootRunID,
		Index:     index,
		Status:    contracts.StatusRunning,
		Inputs:    inputs,
		StartTime: time.Now().UTC(),
		VariantID: variantID,
	}
	t.mu.Lock()
	t.flowRuns[runID] = info
	t.mu.Unlock()
	return info
}

// EndFlowRun transitions a line record to Completed or Failed.
func (t *RunTracker) EndFlowRun(runID string, output map[string]any, runErr error) *contracts.FlowRunInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	info, ok := t.flowRuns[runID]
	if !ok {
		t.log.Warn("end run for unknown flow run", "run_id", runID)
		return nil
	}
	if info.Status.IsTerminated() {
		t.log.Warn("flow run already terminated, ignoring second completion",
			"run_id", runID, "status", info.Status)
		return info
	}
	info.EndTime = time.Now().UTC()
	info.SystemMetrics = map[string]any{
		"duration": info.EndTime.Sub(info.StartTime).Seconds(),
	}
	if runErr != nil {
		info.Status = contracts.StatusFailed
		info.Error = errs.ToDict(runErr)
	} else {
		info.Status = contracts.StatusCompleted
		info.Output = output
	}
	t.aggregateNodeMetrics(info)
	return info
}

// PersistFlowRun hands a line record to storage, swallowing failures.
func (t *RunTracker) PersistFlowRun(info *contracts.FlowRunInfo) {
	if info == nil {
		return
	}
	if err := t.storage.PersistFlowRun(info); err != nil {
		t.log.Warn("failed to persist flow run", "run_id", info.RunID, "error", err)
	}
}

// NodeRunInfos returns the node records belonging to a flow run, keyed by
// node name.
func (t *RunTracker) NodeRunInfos(flowRunID string, index *int) map[string]*contracts.RunInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]*contracts.RunInfo)
	for _, info := range t.nodeRuns {
		if info.FlowRunID != flowRunID {
			continue
		}
		if !sameIndex(info.Index, index) {
			continue
		}
		out[info.Node] = info
	}
	return out
}

// aggregateNodeMetrics folds the line's node token counts into its system
// metrics. Caller holds the lock.
func (t *RunTracker) aggregateNodeMetrics(flow *contracts.FlowRunInfo) {
	totals := map[string]float64{}
	for _, info := range t.nodeRuns {
		if info.FlowRunID != flow.FlowRunID || !sameIndex(info.Index, flow.Index) {
			continue
		}
		for _, key := range []string{"total_tokens", "prompt_tokens", "completion_tokens"} {
			if v, ok := toNumber(info.SystemMetrics[key]); ok {
				totals[key] += v
			}
		}
	}
	for _, key := range []string{"total_tokens", "prompt_tokens", "completion_tokens"} {
		flow.SystemMetrics[key] = totals[key]
	}
}

// collectTokens walks a trace tree summing token usage reported by LLM
// calls (an output map carrying a "usage" object).
func collectTokens(traces []*contracts.Trace) map[string]float64 {
	totals := map[string]float64{}
	var walk func(tr *contracts.Trace)
	walk = func(tr *contracts.Trace) {
		if out, ok := tr.Output.(map[string]any); ok {
			if usage, ok := out["usage"].(map[string]any); ok {
				for _, key := range []string{"total_tokens", "prompt_tokens", "completion_tokens"} {
					if v, ok := toNumber(usage[key]); ok {
						totals[key] += v
					}
				}
			}
		}
		for _, child := range tr.Children {
			walk(child)
		}
	}
	for _, tr := range traces {
		walk(tr)
	}
	if totals["total_tokens"] == 0 && totals["prompt_tokens"] == 0 && totals["completion_tokens"] == 0 {
		return nil
	}
	return totals
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func sameIndex(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
