// Package tracer captures the hierarchical call tree of one node
// execution. A tracer is scoped to a single node run id and passed
// explicitly through the execution context rather than held in
// goroutine-local state.
package tracer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lyzr/promptflow/common/logger"
	"github.com/lyzr/promptflow/connections"
	"github.com/lyzr/promptflow/contracts"
)

// Tracer records traces for one node run.
type Tracer struct {
	runID    string
	nodeName string
	traces   []*contracts.Trace
	stack    []*contracts.Trace
	log      *logger.Logger
}

// Start activates tracing for a node run.
func Start(runID, nodeName string, log *logger.Logger) *Tracer {
	return &Tracer{runID: runID, nodeName: nodeName, log: log}
}

// RunID returns the node run this tracer is scoped to.
func (t *Tracer) RunID() string { return t.runID }

// PushTool opens the root TOOL frame for a tool invocation. Connection
// arguments are scrubbed before serialization.
func (t *Tracer) PushTool(name string, args map[string]any) *contracts.Trace {
	inputs := make(map[string]any, len(args))
	for k, v := range args {
		if k == "self" {
			continue
		}
		if conn, ok := v.(*connections.Connection); ok {
			inputs[k] = conn.Scrub()
			continue
		}
		inputs[k] = toSerializable(v)
	}
	trace := &contracts.Trace{
		Name:      name,
		Type:      contracts.TraceTypeTool,
		Inputs:    inputs,
		StartTime: time.Now().UTC(),
	}
	t.Push(trace)
	return trace
}

// Push appends a trace to the current top-of-stack's children, or as a
// new root when the stack is empty.
func (t *Tracer) Push(trace *contracts.Trace) {
	if trace.StartTime.IsZero() {
		trace.StartTime = time.Now().UTC()
	}
	if len(t.stack) == 0 {
		trace.NodeName = t.nodeName
		t.traces = append(t.traces, trace)
	} else {
		top := t.stack[len(t.stack)-1]
		top.Children = append(top.Children, trace)
	}
	t.stack = append(t.stack, trace)
}

// Pop closes the top frame with the given output or error and returns the
// output. A lazy output is wrapped in a proxy that tees yielded elements
// into the trace while streaming to the caller; on exhaustion the
// collected list replaces the trace output.
func (t *Tracer) Pop(output any, err error) any {
	if len(t.stack) == 0 {
		t.log.Warn("tracer pop with empty stack", "run_id", t.runID)
		return output
	}
	top := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]
	top.EndTime = time.Now().UTC()

	if err != nil {
		top.Error = err.Error()
		return output
	}
	if stream, ok := contracts.AsStream(output); ok {
		return t.proxyStream(stream, top)
	}
	if output != nil {
		top.Output = toSerializable(output)
	}
	return output
}

// End deactivates the tracer and returns the completed root traces. A
// run-id mismatch is logged and yields no traces.
func (t *Tracer) End(runID string) []*contracts.Trace {
	if runID != "" && runID != t.runID {
		t.log.Warn("tracer end for mismatched run", "run_id", runID, "active_run_id", t.runID)
		return nil
	}
	return t.traces
}

// proxyStream tees a lazy sequence into the trace. The trace output is
// filled with the collected elements once the consumer exhausts the
// stream.
func (t *Tracer) proxyStream(stream contracts.Stream, trace *contracts.Trace) contracts.Stream {
	return contracts.Stream(func(yield func(any) bool) {
		var collected []any
		for v := range stream {
			collected = append(collected, v)
			if !yield(v) {
				// Consumer stopped early; keep what was seen.
				trace.Output = collected
				return
			}
		}
		trace.Output = collected
	})
}

// toSerializable returns a JSON-representable form of a value. Values
// that cannot be serialized degrade to their string form instead of
// failing the run.
func toSerializable(v any) any {
	if v == nil {
		return nil
	}
	if contracts.IsStream(v) {
		return v
	}
	if conn, ok := v.(*connections.Connection); ok {
		return conn.Scrub()
	}
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = toSerializable(val)
		}
		return out
	}
	if _, err := json.Marshal(v); err != nil {
		return fmt.Sprint(v)
	}
	return v
}
