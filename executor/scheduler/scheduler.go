// Package scheduler executes one flow line over a DAG with a bounded
// worker pool. The DAG manager is touched only from the main loop;
// workers receive fully-resolved inputs.
package scheduler

import (
	"context"
	"errors"

	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/contracts"
	"github.com/lyzr/promptflow/executor/cache"
	"github.com/lyzr/promptflow/executor/dag"
	"github.com/lyzr/promptflow/executor/tool"
	"github.com/lyzr/promptflow/executor/tracer"
	"github.com/lyzr/promptflow/executor/tracker"
)

// DefaultConcurrencyFlow caps intra-line parallelism regardless of the
// configured concurrency.
const DefaultConcurrencyFlow = 16

// ExecContext carries the per-line execution state through node
// invocations, replacing goroutine-local singletons.
type ExecContext struct {
	FlowID      string
	FlowRunID   string
	ParentRunID string
	LineNumber  *int
	VariantID   string
	// Aggregation switches node run ids to the "_reduce" schema.
	Aggregation bool
	Tracker     *tracker.RunTracker
	Cache       *cache.Manager
	Log         *logger.Logger
}

func (ec *ExecContext) nodeRunID(node string) string {
	if ec.Aggregation {
		return contracts.ReduceNodeRunID(ec.FlowRunID, node)
	}
	return contracts.NodeRunID(ec.FlowRunID, node, ec.LineNumber)
}

// outcome is the terminal state of one node execution.
type outcome struct {
	node   *contracts.Node
	output any
	err    error
}

// Scheduler runs the nodes of one DAG to completion.
type Scheduler struct {
	registry    *tool.Registry
	dag         *dag.Manager
	concurrency int
	ec          *ExecContext
}

// New creates a scheduler. Concurrency is clamped to [1, 16].
func New(registry *tool.Registry, dagManager *dag.Manager, concurrency int, ec *ExecContext) *Scheduler {
	if concurrency > DefaultConcurrencyFlow {
		concurrency = DefaultConcurrencyFlow
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scheduler{
		registry:    registry,
		dag:         dagManager,
		concurrency: concurrency,
		ec:          ec,
	}
}

// Execute runs all nodes and returns the completed output map (bypassed
// nodes map to nil). On the first node failure it cancels outstanding
// work, waits for in-flight nodes and surfaces the first error.
func (s *Scheduler) Execute(ctx context.Context) (map[string]any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome)
	sem := make(chan struct{}, s.concurrency)
	inflight := 0

	for {
		if err := s.dispatchBypasses(); err != nil {
			return nil, s.drainAfterError(cancel, results, inflight, err)
		}
		for _, node := range s.dag.PopReadyNodes() {
			t, err := s.registry.Get(node.Name, node.ToolID())
			if err != nil {
				return nil, s.drainAfterError(cancel, results, inflight, err)
			}
			args, err := s.dag.GetNodeValidInputs(node, t)
			if err != nil {
				wrapped := errs.ResolveTool(node.Name, err)
				return nil, s.drainAfterError(cancel, results, inflight, wrapped)
			}
			s.dag.RecordNodeInputs(node.Name, args)
			inflight++
			go func(node *contracts.Node, t *tool.Tool, args map[string]any) {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					results <- outcome{node: node, err: ctx.Err()}
					return
				}
				output, err := s.execNode(ctx, node, t, args)
				results <- outcome{node: node, output: output, err: err}
			}(node, t, args)
		}

		if s.dag.Completed() && inflight == 0 {
			break
		}
		if inflight == 0 {
			err := errs.System(errs.CodeNoNodeExecuted,
				"no nodes are ready for execution, but the flow is not completed")
			return nil, err
		}

		res := <-results
		inflight--
		if res.err != nil {
			s.ec.Log.Error("node execution failed, cancelling remaining nodes",
				"node", res.node.Name, "error", res.err)
			return nil, s.drainAfterError(cancel, results, inflight, res.err)
		}
		s.dag.CompleteNodes(map[string]any{res.node.Name: res.output})
	}

	return s.dag.CompletedOutputs(), nil
}

// dispatchBypasses records bypassed node runs until no more nodes can be
// bypassed.
func (s *Scheduler) dispatchBypasses() error {
	for {
		nodes, err := s.dag.PopBypassableNodes()
		if err != nil {
			return errs.User(errs.CodeInvalidFlow, "failed to evaluate activate condition: %v", err)
		}
		if len(nodes) == 0 {
			return nil
		}
		for _, node := range nodes {
			s.bypassNode(node)
		}
	}
}

// drainAfterError cancels pending work and waits for in-flight nodes to
// finish before surfacing the first error.
func (s *Scheduler) drainAfterError(cancel context.CancelFunc, results chan outcome, inflight int, first error) error {
	cancel()
	for ; inflight > 0; inflight-- {
		<-results
	}
	return first
}

// execNode is the per-node execution path: cache lookup, traced tool
// invocation, run-info bookkeeping and cache persist.
func (s *Scheduler) execNode(ctx context.Context, node *contracts.Node, t *tool.Tool, args map[string]any) (any, error) {
	ec := s.ec
	runID := ec.nodeRunID(node.Name)
	log := ec.Log.WithRunID(runID).WithNodeName(node.Name)

	runInfo := ec.Tracker.StartNodeRun(node.Name, ec.FlowRunID, ec.ParentRunID, runID, s.nodeIndex(), ec.VariantID)
	// A node finishing after its line context ended belongs to a line
	// already reported as timed out or canceled; keep its record off disk.
	defer func() {
		if ctx.Err() == nil {
			ec.Tracker.PersistNodeRun(runInfo)
		}
	}()
	ec.Tracker.SetNodeInputs(runID, args)

	var cacheInfo *cache.Info
	if node.EnableCache && !node.Aggregation && ec.Cache != nil {
		cacheInfo = ec.Cache.CalculateCacheInfo(ec.FlowID, t, args)
		if cacheInfo != nil {
			if hit := ec.Cache.GetCacheResult(ctx, cacheInfo); hit.HitCache {
				runInfo.CachedRunID = hit.CachedRunID
				runInfo.CachedFlowRunID = hit.CachedFlowRunID
				ec.Tracker.EndNodeRun(runID, hit.Result, nil, nil)
				log.Info("node completed from cache", "cached_run_id", hit.CachedRunID)
				return hit.Result, nil
			}
		}
	}

	tr := tracer.Start(runID, node.Name, log)
	tr.PushTool(t.Name, args)
	result, invokeErr := t.Invoke(ctx, args)
	result = tr.Pop(result, invokeErr)
	traces := tr.End(runID)

	if invokeErr != nil {
		var known *errs.Error
		if !errors.As(invokeErr, &known) {
			invokeErr = errs.ToolExecution(node.Name, t.SourceIdentity, invokeErr)
		}
		ec.Tracker.EndNodeRun(runID, nil, invokeErr, traces)
		log.Error("node failed", "error", invokeErr)
		return nil, invokeErr
	}

	ec.Tracker.EndNodeRun(runID, result, nil, traces)
	if cacheInfo != nil {
		ec.Cache.PersistResult(ctx, cacheInfo, runInfo)
	}
	log.Info("node completed")
	return result, nil
}

func (s *Scheduler) bypassNode(node *contracts.Node) {
	ec := s.ec
	runID := ec.nodeRunID(node.Name)
	info := ec.Tracker.BypassNodeRun(node.Name, ec.FlowRunID, ec.ParentRunID, runID, s.nodeIndex(), ec.VariantID)
	ec.Tracker.PersistNodeRun(info)
	ec.Log.Info("node bypassed", "node", node.Name, "run_id", runID)
}

// nodeIndex is the line number recorded on node runs; aggregation node
// runs carry no index.
func (s *Scheduler) nodeIndex() *int {
	if s.ec.Aggregation {
		return nil
	}
	return s.ec.LineNumber
}
