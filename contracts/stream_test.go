package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokens(items ...any) Stream {
	return func(yield func(any) bool) {
		for _, item := range items {
			if !yield(item) {
				return
			}
		}
	}
}

func TestIsStream(t *testing.T) {
	assert.True(t, IsStream(tokens("a")))
	assert.True(t, IsStream(func(func(any) bool) {}))
	assert.False(t, IsStream("a"))
	assert.False(t, IsStream([]any{"a"}))
	assert.False(t, IsStream(nil))
}

func TestCollect(t *testing.T) {
	s, ok := AsStream(tokens("a", "b", "c"))
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b", "c"}, Collect(s))
}
