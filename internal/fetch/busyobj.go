// Package fetch implements the backend-fetch worker: the busyobj lifecycle
// and the goroutine that drives it from REQ_DONE through to a terminal
// state, signalled via condition variable rather than polled.
package fetch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/cacheproxy/internal/cacheindex"
)

// State is a busyobj's position in its fetch lifecycle. Ordered so that
// "state >= StateFailed" is true for both terminal outcomes, matching the
// FSM contract "do not advance until state reaches a terminal" regardless
// of which terminal it is.
type State int

const (
	StateReqDone State = iota
	StateFetch
	StateStream
	StateFailed
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateReqDone:
		return "REQ_DONE"
	case StateFetch:
		return "FETCH"
	case StateStream:
		return "STREAM"
	case StateFailed:
		return "FAILED"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether s is one of the two terminal states.
func (s State) Terminal() bool {
	return s >= StateFailed
}

// BusyObj is the context of an in-progress backend fetch. Exclusively
// owned by the request that started it plus the fetch worker; both hold a
// refcount and both must Deref on release.
type BusyObj struct {
	ID         string
	ObjCore    *cacheindex.ObjCore // nil for PIPE's scratch busyobj
	IsPass     bool
	StreamMode bool // set at construction from Worker.StreamChunks; when true, body bytes are appended before FINISHED

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	errCode int
	obj     *cacheindex.Object
	body    []byte // accumulated streamed bytes, StreamMode only

	started  time.Time
	finished time.Time

	refcount int32
}

// NewBusyObj creates a busyobj in StateReqDone with a refcount of 1.
func NewBusyObj(oc *cacheindex.ObjCore, isPass bool) *BusyObj {
	bo := &BusyObj{
		ID:       uuid.NewString(),
		ObjCore:  oc,
		IsPass:   isPass,
		refcount: 1,
		started:  time.Now(),
	}
	bo.cond = sync.NewCond(&bo.mu)
	return bo
}

// Ref increments the refcount.
func (bo *BusyObj) Ref() {
	bo.mu.Lock()
	bo.refcount++
	bo.mu.Unlock()
}

// Deref decrements the refcount, returning the residual value.
func (bo *BusyObj) Deref() int32 {
	bo.mu.Lock()
	bo.refcount--
	r := bo.refcount
	bo.mu.Unlock()
	return r
}

// Refcount reports the current refcount, for assertions and tests.
func (bo *BusyObj) Refcount() int32 {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	return bo.refcount
}

// State returns the current lifecycle state.
func (bo *BusyObj) State() State {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	return bo.state
}

// setState advances the state and wakes anyone blocked in WaitTerminal or
// WaitStreamOrTerminal. States only move forward; callers are internal to
// this package and trusted to respect that.
func (bo *BusyObj) setState(s State) {
	bo.mu.Lock()
	bo.state = s
	if s.Terminal() && bo.finished.IsZero() {
		bo.finished = time.Now()
	}
	bo.cond.Broadcast()
	bo.mu.Unlock()
}

// Duration reports how long the fetch ran, from construction to reaching
// a terminal state. Zero until terminal.
func (bo *BusyObj) Duration() time.Duration {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	if bo.finished.IsZero() {
		return 0
	}
	return bo.finished.Sub(bo.started)
}

// WaitTerminal blocks until the busyobj reaches FAILED or FINISHED, using
// a condition variable rather than polling — the replacement the design
// notes call for in place of the reference's usleep loop.
func (bo *BusyObj) WaitTerminal() State {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	for bo.state < StateFailed {
		bo.cond.Wait()
	}
	return bo.state
}

// WaitStreamOrTerminal blocks until either streaming becomes available
// (StateStream, when StreamMode is set) or a terminal is reached, whichever
// comes first — used by S-DELIVER's streaming-wait skeleton.
func (bo *BusyObj) WaitStreamOrTerminal() State {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	for bo.state < StateStream {
		bo.cond.Wait()
	}
	return bo.state
}

// ErrCode returns the status code the fetch decided on (e.g. a 503 from an
// upstream failure it already classified), valid once terminal.
func (bo *BusyObj) ErrCode() int {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	return bo.errCode
}

// FetchedObject returns the object a FINISHED fetch produced.
func (bo *BusyObj) FetchedObject() *cacheindex.Object {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	return bo.obj
}

// AppendBody feeds streamed bytes into the busyobj's growing body, for a
// chunked writer pulling from a still-in-flight fetch to consume.
func (bo *BusyObj) AppendBody(p []byte) {
	bo.mu.Lock()
	bo.body = append(bo.body, p...)
	bo.mu.Unlock()
}

// Body returns a snapshot of bytes streamed so far.
func (bo *BusyObj) Body() []byte {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	out := make([]byte, len(bo.body))
	copy(out, bo.body)
	return out
}
