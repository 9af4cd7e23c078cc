package contracts

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LineNumberKey is the reserved column that carries line alignment through
// batch inputs and outputs.
const LineNumberKey = "line_number"

// RunInfo is the per-line, per-node run record.
type RunInfo struct {
	Node            string         `json:"node"`
	RunID           string         `json:"run_id"`
	FlowRunID       string         `json:"flow_run_id"`
	ParentRunID     string         `json:"parent_run_id"`
	Status          Status         `json:"status"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	Output          any            `json:"output,omitempty"`
	Error           map[string]any `json:"error,omitempty"`
	StartTime       time.Time      `json:"start_time"`
	EndTime         time.Time      `json:"end_time"`
	Index           *int           `json:"index,omitempty"`
	APICalls        []*Trace       `json:"api_calls,omitempty"`
	VariantID       string         `json:"variant_id,omitempty"`
	CachedRunID     string         `json:"cached_run_id,omitempty"`
	CachedFlowRunID string         `json:"cached_flow_run_id,omitempty"`
	SystemMetrics   map[string]any `json:"system_metrics,omitempty"`
}

// FlowRunInfo is the per-line run record.
type FlowRunInfo struct {
	RunID         string         `json:"run_id"`
	FlowRunID     string         `json:"flow_run_id"`
	RootRunID     string         `json:"root_run_id"`
	Index         *int           `json:"index,omitempty"`
	Status        Status         `json:"status"`
	Inputs        map[string]any `json:"inputs,omitempty"`
	Output        map[string]any `json:"output,omitempty"`
	Error         map[string]any `json:"error,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	EndTime       time.Time      `json:"end_time"`
	APICalls      []*Trace       `json:"api_calls,omitempty"`
	VariantID     string         `json:"variant_id,omitempty"`
	SystemMetrics map[string]any `json:"system_metrics,omitempty"`
	UploadMetrics bool           `json:"upload_metrics,omitempty"`
}

// NodeRunID builds the run id for a node execution.
// With a line number: "{flow_run_id}_{node}_{line_number}".
// Without (single-node test): "{flow_run_id}_{node}_{uuid}".
func NodeRunID(flowRunID, node string, index *int) string {
	if index != nil {
		return fmt.Sprintf("%s_%s_%d", flowRunID, node, *index)
	}
	return fmt.Sprintf("%s_%s_%s", flowRunID, node, uuid.NewString())
}

// ReduceNodeRunID builds the run id for an aggregation node execution:
// "{flow_run_id}_{node}_reduce".
func ReduceNodeRunID(flowRunID, node string) string {
	return fmt.Sprintf("%s_%s_reduce", flowRunID, node)
}

// LineRunID builds the run id for a line: "{flow_run_id}_{line_number}".
// Without a line number the flow run id itself identifies the line.
func LineRunID(flowRunID string, index *int) string {
	if index != nil {
		return fmt.Sprintf("%s_%d", flowRunID, *index)
	}
	return flowRunID
}

// LineResult is everything one line execution produced.
type LineResult struct {
	Output            map[string]any      `json:"output"`
	AggregationInputs map[string]any      `json:"aggregation_inputs,omitempty"`
	RunInfo           *FlowRunInfo        `json:"run_info"`
	NodeRunInfos      map[string]*RunInfo `json:"node_run_infos"`
}

// AggregationResult is everything the aggregation pass produced.
type AggregationResult struct {
	Output       map[string]any      `json:"output"`
	Metrics      map[string]any      `json:"metrics,omitempty"`
	NodeRunInfos map[string]*RunInfo `json:"node_run_infos"`
}
