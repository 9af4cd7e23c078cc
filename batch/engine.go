// Package batch orchestrates multi-line flow runs: input merging, the
// line worker pool, the aggregation pass and artifact persistence.
package batch

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lyzr/promptflow/batch/inputs"
	"github.com/lyzr/promptflow/batch/pool"
	"github.com/lyzr/promptflow/common/config"
	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/contracts"
	"github.com/lyzr/promptflow/executor"
	"github.com/lyzr/promptflow/storage/local"
)

// Result summarizes one batch run.
type Result struct {
	Status         contracts.Status `json:"status"`
	TotalLines     int              `json:"total_lines"`
	CompletedLines int              `json:"completed_lines"`
	FailedLines    int              `json:"failed_lines"`
	StartTime      time.Time        `json:"start_time"`
	EndTime        time.Time        `json:"end_time"`
	Outputs        []map[string]any `json:"outputs,omitempty"`
	Metrics        map[string]any   `json:"metrics,omitempty"`
	SystemMetrics  map[string]any   `json:"system_metrics,omitempty"`
	Error          error            `json:"-"`
}

// Engine runs a flow over a batch of inputs and persists every artifact
// to the run folder.
type Engine struct {
	exec      *executor.FlowExecutor
	storage   *local.Storage
	processor *inputs.Processor
	cfg       config.BatchConfig
	runID     string
	log       *logger.Logger
}

// NewEngine assembles a batch engine around a loaded executor. runID is
// the run name; every line and node run id derives from it.
func NewEngine(exec *executor.FlowExecutor, storage *local.Storage, cfg config.BatchConfig, runID string, log *logger.Logger) *Engine {
	return &Engine{
		exec:      exec,
		storage:   storage,
		processor: inputs.NewProcessor(log),
		cfg:       cfg,
		runID:     runID,
		log:       log.WithRunID(runID),
	}
}

// Run executes the batch. Line failures never fail the batch: the run
// completes with a bulk error summarizing them. Only input mapping
// failures, artifact failures and cancellation end the run early.
func (e *Engine) Run(ctx context.Context, flowDir string, inputDirs map[string]string, mapping map[string]string) (*Result, error) {
	start := time.Now().UTC()
	result := &Result{Status: contracts.StatusPreparing, StartTime: start}

	if logFile, err := os.OpenFile(e.storage.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err != nil {
		e.log.Warn("failed to open run log file", "path", e.storage.LogPath(), "error", err)
	} else {
		defer logFile.Close()
		e.log = logger.NewWithWriter(io.MultiWriter(os.Stderr, logFile), "info", "text").WithRunID(e.runID)
	}
	e.log.Info("batch run starting", "flow_dir", flowDir)

	if err := e.storage.DumpSnapshot(flowDir, e.exec.Flow().AdditionalIncludes...); err != nil {
		return e.fail(result, errs.System(errs.CodeUnexpected, "failed to snapshot flow: %v", err))
	}
	// The snapshot's definition must reflect the flow as executed, with
	// the selected variant folded into its node.
	dagData, err := e.exec.Flow().Marshal()
	if err != nil {
		return e.fail(result, errs.System(errs.CodeUnexpected, "failed to serialize resolved flow: %v", err))
	}
	if err := e.storage.DumpFlowDefinition(dagData, e.exec.ToolMetadata()); err != nil {
		return e.fail(result, errs.System(errs.CodeUnexpected, "failed to persist resolved flow: %v", err))
	}

	aliases, err := e.processor.LoadAliases(inputDirs)
	if err != nil {
		return e.fail(result, err)
	}
	lines, err := e.processor.Process(aliases, mapping, e.exec.Flow())
	if err != nil {
		return e.fail(result, err)
	}
	if err := e.storage.DumpInputs(lines); err != nil {
		return e.fail(result, errs.System(errs.CodeUnexpected, "failed to persist batch inputs: %v", err))
	}

	result.Status = contracts.StatusRunning
	result.TotalLines = len(lines)
	e.log.Info("executing batch", "total_lines", len(lines), "worker_count", e.cfg.WorkerCount)

	p := pool.New(e.exec, e.storage, e.runID, e.cfg, e.log)
	lineResults := p.Run(ctx, lines)

	var (
		outputs    []map[string]any
		lineErrors []map[string]any
		succeeded  []*contracts.LineResult
	)
	for _, lr := range lineResults {
		if lr.RunInfo.Status == contracts.StatusCompleted {
			succeeded = append(succeeded, lr)
			outputs = append(outputs, lr.Output)
			continue
		}
		result.FailedLines++
		if lr.RunInfo.Error != nil {
			lineErrors = append(lineErrors, lr.RunInfo.Error)
		}
	}
	result.CompletedLines = len(succeeded)
	if err := e.storage.DumpOutputs(outputs); err != nil {
		return e.fail(result, errs.System(errs.CodeUnexpected, "failed to persist batch outputs: %v", err))
	}
	result.Outputs = outputs

	if ctx.Err() != nil {
		result.Status = contracts.StatusCanceled
		result.EndTime = time.Now().UTC()
		result.SystemMetrics = systemMetrics(start, result.EndTime)
		result.Error = errs.User(errs.CodeCanceled, "the batch run was canceled")
		if err := e.storage.DumpException(errs.ToDict(result.Error)); err != nil {
			e.log.Warn("failed to persist cancel exception", "error", err)
		}
		e.log.Info("batch run canceled",
			"completed", result.CompletedLines, "failed", result.FailedLines, "total", result.TotalLines)
		return result, nil
	}

	if len(succeeded) > 0 {
		agg := e.runAggregation(ctx, succeeded)
		result.Metrics = agg.Metrics
		if len(agg.Metrics) > 0 {
			if err := e.storage.DumpMetrics(agg.Metrics); err != nil {
				e.log.Warn("failed to persist metrics", "error", err)
			}
		}
	}

	result.Status = contracts.StatusCompleted
	result.EndTime = time.Now().UTC()
	result.SystemMetrics = systemMetrics(start, result.EndTime)

	if result.FailedLines > 0 {
		first := "unknown error"
		if len(lineErrors) > 0 {
			if msg, ok := lineErrors[0]["message"].(string); ok {
				first = msg
			}
		}
		result.Error = &errs.BulkRunError{
			Message: fmt.Sprintf(
				"Failed to run %d/%d lines. First error message is: %s",
				result.FailedLines, result.TotalLines, first),
			FailedLines: result.FailedLines,
			TotalLines:  result.TotalLines,
			LineErrors:  lineErrors,
		}
	}
	if err := e.storage.DumpException(errs.ToDict(result.Error)); err != nil {
		e.log.Warn("failed to persist exception", "error", err)
	}

	e.log.Info("batch run finished",
		"status", result.Status,
		"completed", result.CompletedLines,
		"failed", result.FailedLines,
		"total", result.TotalLines,
		"duration", result.EndTime.Sub(result.StartTime).Round(time.Millisecond))
	return result, nil
}

// runAggregation gathers per-line values into lists and executes the
// aggregation nodes once. An aggregation failure is already downgraded to
// an empty result by the executor.
func (e *Engine) runAggregation(ctx context.Context, succeeded []*contracts.LineResult) *contracts.AggregationResult {
	if len(e.exec.Flow().AggregationNodes()) == 0 {
		return &contracts.AggregationResult{}
	}

	flowInputs := map[string]any{}
	for name := range e.exec.Flow().Inputs {
		values := make([]any, 0, len(succeeded))
		for _, lr := range succeeded {
			values = append(values, lr.RunInfo.Inputs[name])
		}
		flowInputs[name] = values
	}

	aggregationInputs := map[string]any{}
	for _, lr := range succeeded {
		for ref, v := range lr.AggregationInputs {
			list, _ := aggregationInputs[ref].([]any)
			aggregationInputs[ref] = append(list, v)
		}
	}

	e.log.Info("executing aggregation nodes", "lines", len(succeeded))
	return e.exec.ExecAggregation(ctx, flowInputs, aggregationInputs)
}

// fail ends the run before any line executed.
func (e *Engine) fail(result *Result, cause error) (*Result, error) {
	result.Status = contracts.StatusFailed
	result.EndTime = time.Now().UTC()
	result.SystemMetrics = systemMetrics(result.StartTime, result.EndTime)
	result.Error = cause
	if err := e.storage.DumpException(errs.ToDict(cause)); err != nil {
		e.log.Warn("failed to persist exception", "error", err)
	}
	e.log.Error("batch run failed", "error", cause)
	return result, cause
}

func systemMetrics(start, end time.Time) map[string]any {
	return map[string]any{"duration": end.Sub(start).Seconds()}
}
