package contracts

import "iter"

// Stream is a lazy sequence of values produced by a tool. Tools that
// stream (e.g. token-by-token LLM completions) return a Stream instead of
// a materialized value; the tracer tees yielded elements while the caller
// consumes them.
type Stream iter.Seq[any]

// IsStream reports whether a value is a lazy sequence.
func IsStream(v any) bool {
	switch v.(type) {
	case Stream, iter.Seq[any], func(func(any) bool):
		return true
	default:
		return false
	}
}

// AsStream normalizes the supported lazy-sequence shapes to a Stream.
func AsStream(v any) (Stream, bool) {
	switch s := v.(type) {
	case Stream:
		return s, true
	case iter.Seq[any]:
		return Stream(s), true
	case func(func(any) bool):
		return Stream(s), true
	default:
		return nil, false
	}
}

// Collect drains a stream into a slice.
func Collect(s Stream) []any {
	var items []any
	for v := range iter.Seq[any](s) {
		items = append(items, v)
	}
	return items
}
