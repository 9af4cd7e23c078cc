package pool

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyzr/promptflow/common/config"
	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/contracts"
)

// fakeRunner turns each line into a completed result after an optional
// delay.
type fakeRunner struct {
	delay func(line int) time.Duration
}

func (r *fakeRunner) ExecLine(ctx context.Context, inputs map[string]any, index *int, _ bool) *contracts.LineResult {
	if r.delay != nil {
		select {
		case <-time.After(r.delay(*index)):
		case <-ctx.Done():
			// Simulate an executor that observes cancellation late.
			time.Sleep(10 * time.Millisecond)
		}
	}
	now := time.Now().UTC()
	return &contracts.LineResult{
		Output: map[string]any{"echo": inputs["text"], "line_number": *index},
		RunInfo: &contracts.FlowRunInfo{
			RunID:     contracts.LineRunID("batch1", index),
			FlowRunID: "batch1",
			Index:     index,
			Status:    contracts.StatusCompleted,
			StartTime: now,
			EndTime:   now,
		},
		NodeRunInfos: map[string]*contracts.RunInfo{},
	}
}

// stuckRunner sleeps past any reasonable timeout without checking its
// context, then reports the line as completed.
type stuckRunner struct{}

func (*stuckRunner) ExecLine(_ context.Context, _ map[string]any, index *int, _ bool) *contracts.LineResult {
	time.Sleep(200 * time.Millisecond)
	now := time.Now().UTC()
	return &contracts.LineResult{
		Output: map[string]any{"echo": "late"},
		RunInfo: &contracts.FlowRunInfo{
			RunID:     contracts.LineRunID("batch1", index),
			FlowRunID: "batch1",
			Index:     index,
			Status:    contracts.StatusCompleted,
			StartTime: now,
			EndTime:   now,
		},
		NodeRunInfos: map[string]*contracts.RunInfo{},
	}
}

// captureStorage collects persisted line records for assertions.
type captureStorage struct {
	mu      sync.Mutex
	records []*contracts.FlowRunInfo
}

func (c *captureStorage) PersistFlowRun(info *contracts.FlowRunInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, info)
	return nil
}

func (c *captureStorage) all() []*contracts.FlowRunInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*contracts.FlowRunInfo(nil), c.records...)
}

func batchCfg(workers int, timeout time.Duration) config.BatchConfig {
	return config.BatchConfig{WorkerCount: workers, LineTimeout: timeout}
}

func makeLines(n int) []map[string]any {
	lines := make([]map[string]any, n)
	for i := range lines {
		lines[i] = map[string]any{"line_number": i, "text": fmt.Sprintf("t%d", i)}
	}
	return lines
}

func TestRunCompletesAllLinesInOrder(t *testing.T) {
	sink := &captureStorage{}
	p := New(&fakeRunner{}, sink, "batch1", batchCfg(4, time.Minute), logger.Discard())

	results := p.Run(context.Background(), makeLines(8))
	require.Len(t, results, 8)
	for i, r := range results {
		assert.Equal(t, i, *r.RunInfo.Index)
		assert.Equal(t, contracts.StatusCompleted, r.RunInfo.Status)
		assert.Equal(t, fmt.Sprintf("t%d", i), r.Output["echo"])
	}
	// Lines finishing inside their deadline are the runner's to persist;
	// the pool must not write a second record.
	assert.Empty(t, sink.all())
}

func TestRunLineTimeout(t *testing.T) {
	runner := &fakeRunner{delay: func(int) time.Duration { return 5 * time.Second }}
	sink := &captureStorage{}
	p := New(runner, sink, "batch1", batchCfg(3, time.Second), logger.Discard())

	start := time.Now()
	results := p.Run(context.Background(), makeLines(3))
	require.Len(t, results, 3)
	assert.Less(t, time.Since(start), 4*time.Second)

	for i, r := range results {
		assert.Equal(t, contracts.StatusFailed, r.RunInfo.Status)
		require.NotNil(t, r.RunInfo.Error)
		assert.Equal(t, fmt.Sprintf("Line %d execution timeout for exceeding 1 seconds", i),
			r.RunInfo.Error["message"])
		inner, _ := r.RunInfo.Error["innerError"].(map[string]any)
		assert.Equal(t, errs.CodeLineTimeout, inner["code"])
		assert.Equal(t, string(errs.KindUserError), r.RunInfo.Error["code"])
	}

	// The synthetic records reached storage before Run returned.
	records := sink.all()
	require.Len(t, records, 3)
	for _, info := range records {
		assert.Equal(t, contracts.StatusFailed, info.Status)
	}
}

func TestRunPersistsAbandonedLinesOnce(t *testing.T) {
	// This runner never observes its context, like a tool stuck in a
	// blocking call. The pool abandons it at the timeout; the record it
	// writes then must be the only one the line ever gets.
	stuck := &stuckRunner{}
	sink := &captureStorage{}
	p := New(stuck, sink, "batch1", batchCfg(2, 50*time.Millisecond), logger.Discard())

	results := p.Run(context.Background(), makeLines(2))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, contracts.StatusFailed, r.RunInfo.Status)
		inner, _ := r.RunInfo.Error["innerError"].(map[string]any)
		assert.Equal(t, errs.CodeLineTimeout, inner["code"])
	}
	records := sink.all()
	require.Len(t, records, 2)
	for _, info := range records {
		assert.Equal(t, contracts.StatusFailed, info.Status)
	}

	// Let the abandoned goroutines run to completion; they add nothing.
	time.Sleep(300 * time.Millisecond)
	assert.Len(t, sink.all(), 2)
}

func TestRunTimeoutDoesNotPoisonOtherLines(t *testing.T) {
	runner := &fakeRunner{delay: func(line int) time.Duration {
		if line == 1 {
			return 5 * time.Second
		}
		return 0
	}}
	p := New(runner, nil, "batch1", batchCfg(2, 500*time.Millisecond), logger.Discard())

	results := p.Run(context.Background(), makeLines(3))
	require.Len(t, results, 3)
	assert.Equal(t, contracts.StatusCompleted, results[0].RunInfo.Status)
	assert.Equal(t, contracts.StatusFailed, results[1].RunInfo.Status)
	assert.Equal(t, contracts.StatusCompleted, results[2].RunInfo.Status)
}

func TestRunCancellation(t *testing.T) {
	runner := &fakeRunner{delay: func(int) time.Duration { return 200 * time.Millisecond }}
	sink := &captureStorage{}
	p := New(runner, sink, "batch1", batchCfg(1, time.Minute), logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	results := p.Run(ctx, makeLines(10))
	require.Len(t, results, 10)

	var canceled int
	for _, r := range results {
		if r.RunInfo.Status == contracts.StatusFailed {
			inner, _ := r.RunInfo.Error["innerError"].(map[string]any)
			assert.Equal(t, errs.CodeCanceled, inner["code"])
			canceled++
		}
	}
	assert.Greater(t, canceled, 0, "cancellation must stop feeding new lines")

	// Every line the pool reported for an ended context got a record.
	assert.GreaterOrEqual(t, len(sink.all()), canceled)
}

func TestNewFallsBackOnUnknownBatchMethod(t *testing.T) {
	cfg := batchCfg(2, time.Minute)
	cfg.Method = "threadpool"
	p := New(&fakeRunner{}, nil, "batch1", cfg, logger.Discard())

	results := p.Run(context.Background(), makeLines(2))
	require.Len(t, results, 2)
	assert.Equal(t, contracts.StatusCompleted, results[0].RunInfo.Status)
}
