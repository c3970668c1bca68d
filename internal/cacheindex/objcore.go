package cacheindex

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Flags on an ObjCore.
type Flags uint32

const (
	// FlagBusy marks an ObjCore whose Object is still being built by an
	// in-progress fetch. Requests that land on a busy ObjCore's objhead
	// are parked on the waiting list rather than served.
	FlagBusy Flags = 1 << iota
	// FlagPass marks a hit-for-pass entry: metadata-only, routes future
	// lookups through S-PASS without consulting policy again.
	FlagPass
)

// Object is the body-bearing payload an ObjCore eventually points at. The
// storage allocator that backs it is out of scope for this module; this is
// a minimal stand-in a real deployment would replace with a disk/memory
// segment allocator.
type Object struct {
	Body     []byte
	Gzipped  bool
	ESIData  []byte // non-nil if the body carries ESI markup
	LastLRU  time.Time
	LastUse  time.Time
	mu       sync.Mutex
}

// TouchLRU performs the best-effort LRU timestamp write described in the
// spec's open question: a single non-atomic write guarded by the object's
// own mutex, never blocking the delivery path. A racing writer may lose an
// update; that only affects LRU ordering, not correctness.
func (o *Object) TouchLRU(now time.Time) {
	o.mu.Lock()
	o.LastUse = now
	o.mu.Unlock()
}

// ObjCore is the metadata handle for one cached variant. It is
// reference-counted and linked to exactly one ObjHead.
type ObjCore struct {
	ID       string
	ObjHead  *ObjHead
	Object   *Object // nil until a fetch promotes this ObjCore
	flags    atomic.Uint32
	refcount atomic.Int32
}

// NewObjCore allocates a fresh ObjCore whose refcount starts at 1; that
// reference belongs to the caller.
func NewObjCore() *ObjCore {
	oc := &ObjCore{ID: uuid.NewString()}
	oc.refcount.Store(1)
	return oc
}

func (oc *ObjCore) Flags() Flags {
	return Flags(oc.flags.Load())
}

func (oc *ObjCore) SetFlag(f Flags) {
	for {
		old := oc.flags.Load()
		if oc.flags.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

func (oc *ObjCore) ClearFlag(f Flags) {
	for {
		old := oc.flags.Load()
		if oc.flags.CompareAndSwap(old, old&^uint32(f)) {
			return
		}
	}
}

func (oc *ObjCore) HasFlag(f Flags) bool {
	return Flags(oc.flags.Load())&f != 0
}

// Ref increments the refcount and returns the new value.
func (oc *ObjCore) Ref() int32 {
	return oc.refcount.Add(1)
}

// Deref decrements the refcount and returns the residual value. Callers
// must not touch oc after the residual reaches 0.
func (oc *ObjCore) Deref() int32 {
	return oc.refcount.Add(-1)
}

// Refcount reports the current refcount, for assertions and tests.
func (oc *ObjCore) Refcount() int32 {
	return oc.refcount.Load()
}
