// Package pool holds the Supervisor's roster of live workers. It is the
// generalized descendant of the teacher's []*Worker slice: the unit of
// isolation moves from an HTTP-fronted child process to a goroutine, but
// the "ordered roster, supervisor-exclusive mutation" shape is unchanged.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/gofrs/uuid"
)

// Handle is one entry in the roster — spec.md §3's WorkerHandle. It is
// created by the Supervisor on scale-up, mutated by the owning worker
// (Busy) and the Supervisor (mark for termination), and destroyed by the
// Supervisor once it is marked for termination, the worker has exited,
// and it is no longer busy.
type Handle struct {
	ID string

	// Cancel requests the worker's goroutine to stop after its current
	// delivery (the "handle to the worker's execution context" from
	// spec.md §3). Done is closed once the goroutine has fully exited.
	Cancel func()
	Done   chan struct{}

	busy   atomic.Bool
	marked atomic.Bool
	exited atomic.Bool
}

// NewHandle creates a handle with a fresh stable identifier.
func NewHandle(cancel func()) *Handle {
	id, err := uuid.NewV4()
	idStr := ""
	if err == nil {
		idStr = id.String()
	}
	return &Handle{
		ID:     idStr,
		Cancel: cancel,
		Done:   make(chan struct{}),
	}
}

// SetBusy is called only by the owning worker goroutine.
func (h *Handle) SetBusy(busy bool) { h.busy.Store(busy) }

// Busy reports whether the worker currently holds an unacked delivery.
func (h *Handle) Busy() bool { return h.busy.Load() }

// MarkForTermination sets the termination flag. Idempotent, never
// blocks, and is the only way the Supervisor requests a worker's exit.
func (h *Handle) MarkForTermination() {
	if h.marked.CompareAndSwap(false, true) {
		h.Cancel()
	}
}

// Marked reports whether this handle has been marked for termination.
// A marked handle is never selected again for further scale-down.
func (h *Handle) Marked() bool { return h.marked.Load() }

// SetExited records that the worker's goroutine has returned. Called
// once, by the worker itself, as its last act.
func (h *Handle) SetExited() {
	h.exited.Store(true)
	select {
	case <-h.Done:
	default:
		close(h.Done)
	}
}

// Exited reports whether the worker's goroutine has fully returned.
func (h *Handle) Exited() bool { return h.exited.Load() }

// Reapable reports whether this handle may be removed from the roster:
// marked for termination, not busy, and its goroutine has exited.
func (h *Handle) Reapable() bool {
	return h.Marked() && !h.Busy() && h.Exited()
}

// Roster is the Supervisor's ordered sequence of handles, insertion
// order preserved. It is owned exclusively by the Supervisor; no other
// goroutine ever mutates it.
type Roster struct {
	mu      sync.RWMutex
	handles []*Handle
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{}
}

// Append adds a newly spawned handle to the end of the roster.
func (r *Roster) Append(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles = append(r.handles, h)
}

// Len returns the current roster size.
func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Snapshot returns a copy of the current roster slice, safe to range
// over without holding the lock.
func (r *Roster) Snapshot() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, len(r.handles))
	copy(out, r.handles)
	return out
}

// ActiveCount returns the number of handles that are neither marked for
// termination nor currently exited — the "active" count used to size a
// scale-up (spec.md §4.3 Act).
func (r *Roster) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, h := range r.handles {
		if !h.Marked() && !h.Exited() {
			n++
		}
	}
	return n
}

// MarkOldestUnmarked marks up to k unmarked handles for termination, in
// insertion order — spec.md §3's scale-down selection rule. Returns the
// handles it marked.
func (r *Roster) MarkOldestUnmarked(k int) []*Handle {
	r.mu.RLock()
	snapshot := make([]*Handle, len(r.handles))
	copy(snapshot, r.handles)
	r.mu.RUnlock()

	var marked []*Handle
	for _, h := range snapshot {
		if len(marked) >= k {
			break
		}
		if !h.Marked() {
			h.MarkForTermination()
			marked = append(marked, h)
		}
	}
	return marked
}

// Reap removes every handle that is marked, not busy, and exited. It
// returns the handles that were removed.
func (r *Roster) Reap() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.handles[:0:0]
	var reaped []*Handle
	for _, h := range r.handles {
		if h.Reapable() {
			reaped = append(reaped, h)
			continue
		}
		kept = append(kept, h)
	}
	r.handles = kept
	return reaped
}

// MarkAll marks every handle currently on the roster for termination —
// used on supervisor shutdown (spec.md §5).
func (r *Roster) MarkAll() {
	for _, h := range r.Snapshot() {
		h.MarkForTermination()
	}
}
