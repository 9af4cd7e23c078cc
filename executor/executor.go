// Package executor assembles tools and connections from a flow
// definition and drives lines through the node scheduler.
package executor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/lyzr/promptflow/common/errs"
	"github.com/lyzr/promptflow/common/kv"
	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/connections"
	"github.com/lyzr/promptflow/contracts"
	"github.com/lyzr/promptflow/executor/cache"
	"github.com/lyzr/promptflow/executor/condition"
	"github.com/lyzr/promptflow/executor/dag"
	"github.com/lyzr/promptflow/executor/reference"
	"github.com/lyzr/promptflow/executor/scheduler"
	"github.com/lyzr/promptflow/executor/tool"
	"github.com/lyzr/promptflow/executor/tracker"
)

// FlowExecutor executes lines of a single loaded flow.
type FlowExecutor struct {
	flow        *contracts.Flow
	registry    *tool.Registry
	cond        *condition.Evaluator
	tracker     *tracker.RunTracker
	cache       *cache.Manager
	log         *logger.Logger
	runID       string
	variantID   string
	concurrency int
}

// Option configures a FlowExecutor.
type Option func(*FlowExecutor)

// WithRunID pins the root flow run id (the run name in batch mode).
func WithRunID(runID string) Option {
	return func(e *FlowExecutor) { e.runID = runID }
}

// WithVariantID records the active variant on run infos.
func WithVariantID(variantID string) Option {
	return func(e *FlowExecutor) { e.variantID = variantID }
}

// WithRegistry supplies host-registered tools. Builtins are added on top.
func WithRegistry(r *tool.Registry) Option {
	return func(e *FlowExecutor) { e.registry = r }
}

// WithStorage attaches a run-record sink.
func WithStorage(s tracker.Storage) Option {
	return func(e *FlowExecutor) { e.tracker = tracker.New(s, e.log) }
}

// WithCacheStore enables the node-result cache over a key/value store.
func WithCacheStore(store kv.Store) Option {
	return func(e *FlowExecutor) { e.cache = cache.New(store, 0, e.log) }
}

// WithConcurrency sets intra-line node concurrency (clamped to 16).
func WithConcurrency(n int) Option {
	return func(e *FlowExecutor) { e.concurrency = n }
}

// WithLogger replaces the executor logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *FlowExecutor) { e.log = log }
}

// New loads a flow into an executor: builds the tool registry and
// resolves every node's connection against the store. The connection
// snapshot happens here; the store is never consulted during execution.
func New(flow *contracts.Flow, store connections.Store, opts ...Option) (*FlowExecutor, error) {
	e := &FlowExecutor{
		flow:        flow,
		log:         logger.New("info", "text"),
		concurrency: scheduler.DefaultConcurrencyFlow,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = tool.NewRegistry()
	}
	tool.RegisterBuiltins(e.registry)
	if e.tracker == nil {
		e.tracker = tracker.New(tracker.DiscardStorage{}, e.log)
	}
	if e.cond == nil {
		e.cond = condition.NewEvaluator()
	}
	if e.runID == "" {
		e.runID = uuid.NewString()
	}
	if err := e.resolveConnections(store); err != nil {
		return nil, err
	}
	return e, nil
}

// resolveConnections binds each node's named connection into its inputs
// as a live handle, targeting the tool's connection parameter.
func (e *FlowExecutor) resolveConnections(store connections.Store) error {
	for _, node := range e.flow.Nodes {
		if node.Connection == "" {
			continue
		}
		if store == nil {
			return errs.User(errs.CodeConnectionNotFound,
				"node %q requires connection %q but no connection store was provided", node.Name, node.Connection)
		}
		conn, err := store.Get(node.Connection, true)
		if err != nil {
			return err
		}
		t, err := e.registry.Get(node.Name, node.ToolID())
		if err != nil {
			return err
		}
		paramName := "connection"
		if p := t.ConnectionParam(); p != nil {
			paramName = p.Name
		}
		if node.Inputs == nil {
			node.Inputs = map[string]any{}
		}
		node.Inputs[paramName] = conn
	}
	return nil
}

// Flow returns the loaded (variant-resolved) flow.
func (e *FlowExecutor) Flow() *contracts.Flow { return e.flow }

// Tracker exposes the run tracker, used by the batch engine to collect
// node run infos.
func (e *FlowExecutor) Tracker() *tracker.RunTracker { return e.tracker }

// ToolMetadata describes the resolved tool behind every node, keyed by
// tool id. The batch engine writes it into the snapshot's tools manifest.
func (e *FlowExecutor) ToolMetadata() map[string]any {
	meta := make(map[string]any, len(e.flow.Nodes))
	for _, node := range e.flow.Nodes {
		t, err := e.registry.Get(node.Name, node.ToolID())
		if err != nil {
			continue
		}
		entry := map[string]any{"type": t.Type, "source": t.SourceIdentity}
		if len(t.Parameters) > 0 {
			params := make(map[string]any, len(t.Parameters))
			for _, p := range t.Parameters {
				params[p.Name] = map[string]any{"type": []string{p.Type}}
			}
			entry["inputs"] = params
		}
		meta[node.ToolID()] = entry
	}
	return meta
}

// ValidateInputs applies declared defaults, coerces declared scalar
// types, warns on unknown inputs and rejects missing required ones.
func (e *FlowExecutor) ValidateInputs(inputs map[string]any) (map[string]any, error) {
	validated := make(map[string]any, len(e.flow.Inputs))
	for name, v := range inputs {
		if name == contracts.LineNumberKey {
			continue
		}
		def, ok := e.flow.Inputs[name]
		if !ok {
			e.log.Warn("unknown flow input ignored", "input", name)
			continue
		}
		validated[name] = coerceValue(v, def.Type)
	}
	for name, def := range e.flow.Inputs {
		if _, ok := validated[name]; ok {
			continue
		}
		if def.Default != nil {
			validated[name] = def.Default
			continue
		}
		return nil, errs.User(errs.CodeInvalidRequest, "required flow input %q is missing", name)
	}
	return validated, nil
}

func coerceValue(v any, t contracts.ValueType) any {
	s, isString := v.(string)
	if !isString {
		return v
	}
	switch t {
	case contracts.ValueTypeInt:
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	case contracts.ValueTypeDouble:
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case contracts.ValueTypeBool:
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return v
}

// ExecLine runs one line through the scheduler and composes the declared
// flow outputs. Failures end up on the returned LineResult; they never
// abort the caller.
func (e *FlowExecutor) ExecLine(ctx context.Context, inputs map[string]any, index *int, allowGeneratorOutput bool) *contracts.LineResult {
	lineID := contracts.LineRunID(e.runID, index)
	log := e.log.WithRunID(lineID)

	validated, err := e.ValidateInputs(inputs)
	flowInfo := e.tracker.StartFlowRun(lineID, e.runID, e.runID, index, validated, e.variantID)
	// Once the line's context has ended, the caller has already reported
	// the line (the batch pool synthesizes a record on timeout); a late
	// write here would contradict it.
	defer func() {
		if ctx.Err() == nil {
			e.tracker.PersistFlowRun(flowInfo)
		}
	}()
	if err != nil {
		e.tracker.EndFlowRun(lineID, nil, err)
		return &contracts.LineResult{RunInfo: flowInfo, NodeRunInfos: map[string]*contracts.RunInfo{}}
	}

	dagManager := dag.New(e.flow.ExecutionNodes(), validated, nil, e.cond)
	sched := scheduler.New(e.registry, dagManager, e.concurrency, &scheduler.ExecContext{
		FlowID:      e.flow.ID,
		FlowRunID:   e.runID,
		ParentRunID: lineID,
		LineNumber:  index,
		VariantID:   e.variantID,
		Tracker:     e.tracker,
		Cache:       e.cache,
		Log:         log,
	})

	_, execErr := sched.Execute(ctx)
	nodeRunInfos := e.tracker.NodeRunInfos(e.runID, index)
	if execErr != nil {
		e.tracker.EndFlowRun(lineID, nil, execErr)
		return &contracts.LineResult{RunInfo: flowInfo, NodeRunInfos: nodeRunInfos}
	}

	scope := dagManager.Scope()
	outputs, composeErr := e.composeOutputs(scope, index, allowGeneratorOutput)
	if composeErr != nil {
		e.tracker.EndFlowRun(lineID, nil, composeErr)
		return &contracts.LineResult{RunInfo: flowInfo, NodeRunInfos: nodeRunInfos}
	}

	e.tracker.EndFlowRun(lineID, outputs, nil)
	return &contracts.LineResult{
		Output:            outputs,
		AggregationInputs: e.collectAggregationInputs(scope),
		RunInfo:           flowInfo,
		NodeRunInfos:      nodeRunInfos,
	}
}

// composeOutputs walks the declared output references. References into
// bypassed nodes yield null. The reserved line_number output is injected
// for indexed lines.
func (e *FlowExecutor) composeOutputs(scope *reference.Scope, index *int, allowGeneratorOutput bool) (map[string]any, error) {
	outputs := make(map[string]any, len(e.flow.Outputs)+1)
	for name, def := range e.flow.Outputs {
		ref, ok := contracts.ParseReference(def.Reference)
		if !ok {
			return nil, errs.User(errs.CodeInvalidFlow, "output %q reference %q is invalid", name, def.Reference)
		}
		val, err := reference.Resolve(ref, scope)
		if err != nil {
			return nil, errs.System(errs.CodeUnexpected, "failed to compose output %q: %v", name, err)
		}
		if stream, isStream := contracts.AsStream(val); isStream && !allowGeneratorOutput {
			val = contracts.Collect(stream)
		}
		outputs[name] = val
	}
	if index != nil {
		outputs[contracts.LineNumberKey] = *index
	}
	return outputs, nil
}

// collectAggregationInputs resolves, in this line's scope, every node
// reference the flow's aggregation nodes declare. Keys are the raw
// reference expressions so the aggregation pass can substitute lists.
func (e *FlowExecutor) collectAggregationInputs(scope *reference.Scope) map[string]any {
	aggInputs := map[string]any{}
	for _, node := range e.flow.AggregationNodes() {
		for _, v := range node.Inputs {
			ref, ok := contracts.ParseReference(v)
			if !ok || ref.Node == "" {
				continue
			}
			val, err := reference.Resolve(ref, scope)
			if err != nil {
				e.log.Warn("aggregation input unresolved for line", "reference", ref.Raw, "error", err)
				continue
			}
			aggInputs[ref.Raw] = val
		}
	}
	return aggInputs
}

// ExecAggregation invokes the flow's aggregation nodes once, with
// list-valued inputs gathered across all completed lines. flowInputs maps
// each referenced flow input to its per-line list; aggregationInputs maps
// raw reference expressions to per-line lists.
func (e *FlowExecutor) ExecAggregation(ctx context.Context, flowInputs map[string]any, aggregationInputs map[string]any) *contracts.AggregationResult {
	aggNodes := e.flow.AggregationNodes()
	if len(aggNodes) == 0 {
		return &contracts.AggregationResult{Output: map[string]any{}, NodeRunInfos: map[string]*contracts.RunInfo{}}
	}

	// Substitute node references with the gathered lists; flow-input
	// references resolve against the per-line input lists.
	nodes := make([]*contracts.Node, 0, len(aggNodes))
	for _, n := range aggNodes {
		clone := *n
		clone.Inputs = make(map[string]any, len(n.Inputs))
		for k, v := range n.Inputs {
			if ref, ok := contracts.ParseReference(v); ok && ref.Node != "" {
				clone.Inputs[k] = aggregationInputs[ref.Raw]
				continue
			}
			clone.Inputs[k] = v
		}
		nodes = append(nodes, &clone)
	}

	dagManager := dag.New(nodes, flowInputs, nil, e.cond)
	sched := scheduler.New(e.registry, dagManager, e.concurrency, &scheduler.ExecContext{
		FlowID:      e.flow.ID,
		FlowRunID:   e.runID,
		ParentRunID: e.runID,
		VariantID:   e.variantID,
		Aggregation: true,
		Tracker:     e.tracker,
		Cache:       e.cache,
		Log:         e.log,
	})

	outputs, err := sched.Execute(ctx)
	nodeRunInfos := make(map[string]*contracts.RunInfo, len(nodes))
	for name, info := range e.tracker.NodeRunInfos(e.runID, nil) {
		if e.flow.Node(name) != nil && e.flow.Node(name).Aggregation {
			nodeRunInfos[name] = info
		}
	}
	if err != nil {
		e.log.Error("aggregation failed", "error", err)
		return &contracts.AggregationResult{Output: map[string]any{}, NodeRunInfos: nodeRunInfos}
	}

	return &contracts.AggregationResult{
		Output:       outputs,
		Metrics:      collectMetrics(nodeRunInfos),
		NodeRunInfos: nodeRunInfos,
	}
}

// collectMetrics lifts numeric fields of aggregation node outputs into
// run metrics.
func collectMetrics(infos map[string]*contracts.RunInfo) map[string]any {
	metrics := map[string]any{}
	for _, info := range infos {
		out, ok := info.Output.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range out {
			switch v.(type) {
			case int, int64, float32, float64:
				metrics[k] = v
			}
		}
	}
	return metrics
}

// LoadAndExecNode runs a single node in isolation, bypassing the
// scheduler: the single-node test path. Dependency outputs are supplied
// directly.
func LoadAndExecNode(ctx context.Context, flow *contracts.Flow, nodeName string, flowInputs, depOutputs map[string]any, store connections.Store, opts ...Option) (*contracts.RunInfo, error) {
	node := flow.Node(nodeName)
	if node == nil {
		return nil, errs.User(errs.CodeInvalidRequest, "node %q not found in flow", nodeName)
	}
	e, err := New(flow, store, opts...)
	if err != nil {
		return nil, err
	}

	t, err := e.registry.Get(node.Name, node.ToolID())
	if err != nil {
		return nil, err
	}
	scope := &reference.Scope{
		FlowInputs:  flowInputs,
		NodeOutputs: depOutputs,
		Bypassed:    map[string]bool{},
	}
	args := make(map[string]any, len(node.Inputs))
	for name, v := range node.Inputs {
		val, rerr := reference.ResolveValue(v, scope)
		if rerr != nil {
			return nil, errs.ResolveTool(node.Name, fmt.Errorf("input %q: %w", name, rerr))
		}
		args[name] = val
	}

	runID := contracts.NodeRunID(e.runID, node.Name, nil)
	info := e.tracker.StartNodeRun(node.Name, e.runID, e.runID, runID, nil, e.variantID)
	defer e.tracker.PersistNodeRun(info)
	e.tracker.SetNodeInputs(runID, args)

	result, invokeErr := t.Invoke(ctx, args)
	if invokeErr != nil {
		invokeErr = errs.ToolExecution(node.Name, t.SourceIdentity, invokeErr)
	}
	e.tracker.EndNodeRun(runID, result, invokeErr, nil)
	return info, invokeErr
}
