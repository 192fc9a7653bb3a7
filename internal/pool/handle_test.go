package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_MarkIsIdempotentAndNeverBlocks(t *testing.T) {
	calls := 0
	h := NewHandle(func() { calls++ })

	h.MarkForTermination()
	h.MarkForTermination()
	h.MarkForTermination()

	assert.True(t, h.Marked())
	assert.Equal(t, 1, calls, "cancel must be invoked exactly once")
}

func TestHandle_ReapableRequiresMarkedNotBusyExited(t *testing.T) {
	h := NewHandle(func() {})
	assert.False(t, h.Reapable())

	h.SetBusy(true)
	h.MarkForTermination()
	assert.False(t, h.Reapable(), "busy handle must never be reapable")

	h.SetBusy(false)
	assert.False(t, h.Reapable(), "handle must not be reapable until its goroutine exits")

	h.SetExited()
	assert.True(t, h.Reapable())
}

func TestRoster_AppendAndSnapshotOrder(t *testing.T) {
	r := NewRoster()
	var ids []string
	for i := 0; i < 3; i++ {
		h := NewHandle(func() {})
		ids = append(ids, h.ID)
		r.Append(h)
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	for i, h := range snap {
		assert.Equal(t, ids[i], h.ID, "insertion order must be preserved")
	}
}

func TestRoster_MarkOldestUnmarked_ScaleDownSelectsOldestFirst(t *testing.T) {
	r := NewRoster()
	var handles []*Handle
	for i := 0; i < 5; i++ {
		h := NewHandle(func() {})
		handles = append(handles, h)
		r.Append(h)
	}

	marked := r.MarkOldestUnmarked(2)
	require.Len(t, marked, 2)
	assert.Same(t, handles[0], marked[0])
	assert.Same(t, handles[1], marked[1])
	assert.False(t, handles[2].Marked())

	// Marking again skips the already-marked handles.
	more := r.MarkOldestUnmarked(2)
	require.Len(t, more, 2)
	assert.Same(t, handles[2], more[0])
	assert.Same(t, handles[3], more[1])
}

func TestRoster_Reap_NeverRemovesBusyHandle(t *testing.T) {
	r := NewRoster()
	busy := NewHandle(func() {})
	busy.SetBusy(true)
	busy.MarkForTermination()
	busy.SetExited() // exited but still reports busy — must not happen in practice, but guard anyway
	busy.SetBusy(true)
	r.Append(busy)

	reaped := r.Reap()
	assert.Empty(t, reaped)
	assert.Equal(t, 1, r.Len())
}

func TestRoster_Reap_RemovesOnlyReapableHandles(t *testing.T) {
	r := NewRoster()

	stays := NewHandle(func() {})
	r.Append(stays)

	goes := NewHandle(func() {})
	goes.MarkForTermination()
	goes.SetExited()
	r.Append(goes)

	reaped := r.Reap()
	require.Len(t, reaped, 1)
	assert.Same(t, goes, reaped[0])

	remaining := r.Snapshot()
	require.Len(t, remaining, 1)
	assert.Same(t, stays, remaining[0])
}

func TestRoster_ActiveCount_ExcludesMarkedAndExited(t *testing.T) {
	r := NewRoster()

	active := NewHandle(func() {})
	r.Append(active)

	marked := NewHandle(func() {})
	marked.MarkForTermination()
	r.Append(marked)

	exited := NewHandle(func() {})
	exited.SetExited()
	r.Append(exited)

	assert.Equal(t, 1, r.ActiveCount())
}

func TestRoster_MarkAll(t *testing.T) {
	r := NewRoster()
	for i := 0; i < 3; i++ {
		r.Append(NewHandle(func() {}))
	}

	r.MarkAll()

	for _, h := range r.Snapshot() {
		assert.True(t, h.Marked())
	}
}

func TestHandle_NeverSelectedAgainOnceMarked(t *testing.T) {
	r := NewRoster()
	h := NewHandle(func() {})
	r.Append(h)

	r.MarkOldestUnmarked(1)
	more := r.MarkOldestUnmarked(1)
	assert.Empty(t, more, "an already-marked handle must never be selected again")
}
