// Package pool runs batch lines on a bounded set of workers with a
// per-line timeout.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lyzr/promptflow/common/config"
	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/contracts"
)

const heartbeatInterval = 30 * time.Second

// LineRunner executes a single line. *executor.FlowExecutor satisfies it.
type LineRunner interface {
	ExecLine(ctx context.Context, inputs map[string]any, index *int, allowGeneratorOutput bool) *contracts.LineResult
}

// RunStorage persists line records. *local.Storage satisfies it.
type RunStorage interface {
	PersistFlowRun(info *contracts.FlowRunInfo) error
}

// Pool distributes lines across workers. A line that exceeds the timeout
// is abandoned and reported as a synthetic failed result; its goroutine
// is left to observe the context cancellation on its own. The executor
// stops persisting once a line's context has ended, so the pool owns the
// record of every line it reports on behalf of an ended context.
type Pool struct {
	runner      LineRunner
	storage     RunStorage
	flowRunID   string
	workerCount int
	lineTimeout time.Duration
	log         *logger.Logger
}

// New creates a pool sized from the batch configuration. The configured
// start method only selected between process models; lines always run on
// goroutines here, so anything else falls back with a warning.
func New(runner LineRunner, storage RunStorage, flowRunID string, cfg config.BatchConfig, log *logger.Logger) *Pool {
	if method, ok := cfg.ValidatedMethod(); !ok {
		log.Warn("unsupported batch start method, falling back to worker goroutines",
			"method", method)
	}
	workers := cfg.WorkerCount
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		runner:      runner,
		storage:     storage,
		flowRunID:   flowRunID,
		workerCount: workers,
		lineTimeout: cfg.LineTimeout,
		log:         log,
	}
}

// Run executes all lines and returns their results ordered by line
// number. Cancellation of ctx stops feeding new lines; lines not started
// are reported as canceled, in-flight lines are given until their
// timeout to observe the cancellation.
func (p *Pool) Run(ctx context.Context, lines []map[string]any) []*contracts.LineResult {
	total := len(lines)
	if total == 0 {
		return nil
	}
	workers := p.workerCount
	if workers > total {
		workers = total
	}

	jobs := make(chan map[string]any)
	results := make([]*contracts.LineResult, total)
	var completed atomic.Int64
	var totalDuration atomic.Int64 // nanoseconds, for the heartbeat ETA

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for inputs := range jobs {
				line := lineNumber(inputs)
				started := time.Now()
				results[slotOf(lines, line)] = p.runLine(ctx, inputs, line)
				totalDuration.Add(int64(time.Since(started)))
				completed.Add(1)
			}
		}()
	}

	stopHeartbeat := p.startHeartbeat(total, &completed, &totalDuration)
	defer stopHeartbeat()

feed:
	for _, inputs := range lines {
		select {
		case jobs <- inputs:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	for i, inputs := range lines {
		if results[i] == nil {
			results[i] = p.failedResult(lineNumber(inputs), inputs, errs.Canceled(lineNumber(inputs)))
		}
	}
	return results
}

// runLine executes one line under the per-line timeout. On timeout the
// worker abandons the execution goroutine and synthesizes a failed
// result; the abandoned goroutine exits when it observes lineCtx. A
// result that arrives after lineCtx ended was not persisted by the
// executor, so the pool writes its record here.
func (p *Pool) runLine(ctx context.Context, inputs map[string]any, line int) *contracts.LineResult {
	lineCtx, cancel := context.WithTimeout(ctx, p.lineTimeout)
	defer cancel()

	done := make(chan *contracts.LineResult, 1)
	go func() {
		index := line
		done <- p.runner.ExecLine(lineCtx, inputs, &index, false)
	}()

	select {
	case result := <-done:
		if lineCtx.Err() != nil {
			p.persist(result.RunInfo)
		}
		return result
	case <-lineCtx.Done():
		log := p.log.WithLineNumber(line)
		if ctx.Err() != nil {
			log.Warn("line canceled")
			return p.failedResult(line, inputs, errs.Canceled(line))
		}
		log.Warn("line execution timed out", "timeout", p.lineTimeout)
		return p.failedResult(line, inputs, errs.LineTimeout(line, p.lineTimeout))
	}
}

// failedResult builds and persists the synthetic record for a line that
// produced no real one.
func (p *Pool) failedResult(line int, inputs map[string]any, cause error) *contracts.LineResult {
	index := line
	now := time.Now().UTC()
	info := &contracts.FlowRunInfo{
		RunID:     contracts.LineRunID(p.flowRunID, &index),
		FlowRunID: p.flowRunID,
		RootRunID: p.flowRunID,
		Index:     &index,
		Status:    contracts.StatusFailed,
		Inputs:    inputs,
		Error:     errs.ToDict(cause),
		StartTime: now,
		EndTime:   now,
	}
	p.persist(info)
	return &contracts.LineResult{
		Output:       map[string]any{},
		RunInfo:      info,
		NodeRunInfos: map[string]*contracts.RunInfo{},
	}
}

// persist writes a line record the executor did not get to persist
// itself. Failures are swallowed with a warning, matching the tracker.
func (p *Pool) persist(info *contracts.FlowRunInfo) {
	if p.storage == nil || info == nil {
		return
	}
	if err := p.storage.PersistFlowRun(info); err != nil {
		p.log.Warn("failed to persist line record", "run_id", info.RunID, "error", err)
	}
}

// startHeartbeat logs batch progress with an average line duration and a
// naive ETA until the returned stop function is called.
func (p *Pool) startHeartbeat(total int, completed *atomic.Int64, totalDuration *atomic.Int64) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				done := completed.Load()
				if done == 0 {
					p.log.Info("batch progress", "completed", 0, "total", total)
					continue
				}
				avg := time.Duration(totalDuration.Load() / done)
				remaining := int64(total) - done
				p.log.Info("batch progress",
					"completed", done,
					"total", total,
					"avg_duration", avg.Round(time.Millisecond),
					"estimated_remaining", (avg * time.Duration(remaining) / time.Duration(p.workerCount)).Round(time.Second))
			}
		}
	}()
	return func() { close(stop) }
}

func lineNumber(inputs map[string]any) int {
	switch n := inputs[contracts.LineNumberKey].(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// slotOf maps a line number back to its position in the input slice.
// Lines arrive sorted, so positions and numbers usually coincide.
func slotOf(lines []map[string]any, line int) int {
	if line < len(lines) && lineNumber(lines[line]) == line {
		return line
	}
	for i, inputs := range lines {
		if lineNumber(inputs) == line {
			return i
		}
	}
	return 0
}
