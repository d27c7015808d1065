package streaming

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifierAcceptsLoaderHistory(t *testing.T) {
	idx := &fakeIndex{}
	cfg := Config{LoadBatchSize: 2, MaxPendingLoadTasks: 2}
	l, exec := newTestLoader(cfg, idx, newMapReader())
	v := NewVerifier(cfg)
	w := []Witness{moved("a", origin, east), moved("b", origin, east)}

	require.NoError(t, v.Check(l.Tick(w)))
	exec.handle(1).complete()
	require.NoError(t, v.Check(l.Tick(w)))
	exec.handle(0).complete()
	require.NoError(t, v.Check(l.Tick(w)))
	exec.handle(2).complete()
	exec.handle(3).complete()
	r, err := l.Close(context.Background())
	require.NoError(t, err)
	r.Tick++
	require.NoError(t, v.Check(r))

	assert.Equal(t, 4, v.Batches)
	assert.False(t, v.Partial())
	assert.Zero(t, v.Unknown)
}

func TestVerifierRejectsOutOfOrderApply(t *testing.T) {
	v := NewVerifier(DefaultConfig())
	require.NoError(t, v.Check(TickReport{Tick: 1, Submitted: []BatchReport{{ID: "x", Size: 1}, {ID: "y", Size: 1}}, Pending: 2}))
	err := v.Check(TickReport{Tick: 2, Applied: []BatchReport{{ID: "y", Size: 1, Loaded: 1}}, Pending: 1})
	assert.ErrorContains(t, err, "out of submission order")
}

func TestVerifierRejectsOversizedBatchAndCap(t *testing.T) {
	v := NewVerifier(Config{LoadBatchSize: 2, MaxPendingLoadTasks: 1})
	err := v.Check(TickReport{Tick: 1, Submitted: []BatchReport{{ID: "x", Size: 3}}, Pending: 1})
	assert.ErrorContains(t, err, "limit 2")

	v = NewVerifier(Config{LoadBatchSize: 2, MaxPendingLoadTasks: 1})
	err = v.Check(TickReport{Tick: 1, Submitted: []BatchReport{{ID: "x", Size: 1}, {ID: "y", Size: 1}}, Pending: 2})
	assert.ErrorContains(t, err, "cap 1")
}

func TestVerifierRejectsUnresolvedNodes(t *testing.T) {
	v := NewVerifier(DefaultConfig())
	require.NoError(t, v.Check(TickReport{Tick: 1, Submitted: []BatchReport{{ID: "x", Size: 3}}, Pending: 1}))
	err := v.Check(TickReport{Tick: 2, Applied: []BatchReport{{ID: "x", Size: 3, Loaded: 1}}})
	assert.ErrorContains(t, err, "resolved 1 of 3")
}

func TestVerifierToleratesLogStartingMidRun(t *testing.T) {
	v := NewVerifier(DefaultConfig())
	require.NoError(t, v.Check(TickReport{Tick: 40, Submitted: []BatchReport{{ID: "n", Size: 1}}, Pending: 3}))
	require.NoError(t, v.Check(TickReport{Tick: 41, Applied: []BatchReport{{ID: "old", Size: 1, Empty: 1}}, Pending: 2}))
	assert.True(t, v.Partial())
	assert.Equal(t, 1, v.Unknown)

	fresh := NewVerifier(DefaultConfig())
	require.NoError(t, fresh.Check(TickReport{Tick: 1, Submitted: []BatchReport{{ID: "n", Size: 1}}, Pending: 1}))
	assert.ErrorContains(t, fresh.Check(TickReport{Tick: 2, Applied: []BatchReport{{ID: "ghost", Size: 1}}}), "never submitted")
}
