package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingLoadTasksFIFO(t *testing.T) {
	var q pendingLoadTasks
	_, ok := q.PopFront()
	require.False(t, ok)

	a, b, c := &pendingLoad{witness: "a"}, &pendingLoad{witness: "b"}, &pendingLoad{witness: "c"}
	q.Push(a)
	q.Push(b)
	q.Push(c)
	require.Equal(t, 3, q.Len())

	got, ok := q.PopFront()
	require.True(t, ok)
	assert.Same(t, a, got)

	q.PushFront(got)
	assert.Equal(t, 3, q.Len())
	for _, want := range []*pendingLoad{a, b, c} {
		got, ok := q.PopFront()
		require.True(t, ok)
		assert.Same(t, want, got)
	}
	assert.Zero(t, q.Len())
}

func TestPendingLoadTasksPushFrontOnEmpty(t *testing.T) {
	var q pendingLoadTasks
	a := &pendingLoad{witness: "a"}
	q.PushFront(a)
	f, ok := q.front()
	require.True(t, ok)
	assert.Same(t, a, f)
	assert.Equal(t, 1, q.Len())
}
