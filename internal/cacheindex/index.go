// Package cacheindex implements the hash table with waiting lists that the
// FSM's S-LOOKUP state consults: a keyed bucket (ObjHead) per digest,
// holding reference-counted variants (ObjCore) and a waiting list of
// requests parked behind an in-progress build.
package cacheindex

import (
	"context"
	"sync"
)

// Outcome classifies a Lookup call's result.
type Outcome int

const (
	OutcomeHit Outcome = iota
	OutcomeMiss
	OutcomeBusy
)

// LookupResult is what Index.Lookup returns.
type LookupResult struct {
	Outcome Outcome
	Hit     *ObjCore // set on OutcomeHit
	Miss    *ObjCore // set on OutcomeMiss — a fresh BUSY objcore the caller now owns
	Wait    <-chan struct{} // set on OutcomeBusy — closed when the busy build resolves
}

// Index is the shared, lock-protected objhead/objcore graph. All mutation
// goes through its methods; it is safe for concurrent use by many workers.
type Index struct {
	mu      sync.RWMutex
	buckets map[[32]byte]*ObjHead
}

// New creates an empty index.
func New() *Index {
	return &Index{buckets: make(map[[32]byte]*ObjHead)}
}

func (idx *Index) bucket(digest [32]byte, create bool) *ObjHead {
	idx.mu.RLock()
	oh, ok := idx.buckets[digest]
	idx.mu.RUnlock()
	if ok || !create {
		return oh
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if oh, ok = idx.buckets[digest]; ok {
		return oh
	}
	oh = &ObjHead{Digest: digest}
	idx.buckets[digest] = oh
	return oh
}

// Lookup implements the HSH_Lookup contract: returns a cache hit, a fresh
// busy objcore for the caller to populate, or signals that another worker
// is already building this key (wantWaitingList controls whether the
// caller is willing to park on that build; ESI sub-requests pass false per
// the spec, since each inclusion re-evaluates independently).
//
// A hit is returned ahead of a concurrent busy variant, not behind it: this
// is what lets a background refresh (BeginBackgroundRefresh) run alongside
// requests still being served the stale copy, the grace/stale-while-
// revalidate case where oc and boc are both live at once.
func (idx *Index) Lookup(ctx context.Context, digest [32]byte, wantWaitingList, alwaysMiss bool) LookupResult {
	oh := idx.bucket(digest, true)

	oh.mu.Lock()
	defer oh.mu.Unlock()

	if !alwaysMiss {
		if hit := oh.nonBusyHit(); hit != nil {
			hit.Ref()
			return LookupResult{Outcome: OutcomeHit, Hit: hit}
		}
	}

	if busy := oh.busyVariant(); busy != nil {
		if !wantWaitingList {
			// Caller won't wait; hand back a fresh objcore like any other
			// miss, bypassing the busy one (ESI sub-request semantics).
			boc := NewObjCore()
			boc.SetFlag(FlagBusy)
			boc.ObjHead = oh
			oh.variants = append(oh.variants, boc)
			return LookupResult{Outcome: OutcomeMiss, Miss: boc}
		}
		return LookupResult{Outcome: OutcomeBusy, Wait: oh.addWaiter()}
	}

	boc := NewObjCore()
	boc.SetFlag(FlagBusy)
	boc.ObjHead = oh
	oh.variants = append(oh.variants, boc)
	return LookupResult{Outcome: OutcomeMiss, Miss: boc}
}

// BeginBackgroundRefresh starts a background rebuild of oc's key, returning
// the new busy objcore for the caller to populate via Promote/Fail. Returns
// (nil, false) if a build for this key is already in flight — only one
// background refresh runs per key at a time, mirroring HSH_Lookup's boc
// uniqueness invariant.
func (idx *Index) BeginBackgroundRefresh(oc *ObjCore) (*ObjCore, bool) {
	oh := oc.ObjHead
	if oh == nil {
		return nil, false
	}
	oh.mu.Lock()
	defer oh.mu.Unlock()
	if oh.busyVariant() != nil {
		return nil, false
	}
	boc := NewObjCore()
	boc.SetFlag(FlagBusy)
	boc.ObjHead = oh
	oh.variants = append(oh.variants, boc)
	return boc, true
}

// NewObjCore allocates a fresh transient objcore not yet linked to any
// objhead; it is the package-level NewObjCore reached through the index.
func (idx *Index) NewObjCore() *ObjCore {
	return NewObjCore()
}

// Promote attaches a completed Object to a busy objcore, clears the BUSY
// flag, and wakes every waiter parked on its objhead. Any other non-busy
// variant already on the objhead is evicted: this module matches variants
// on digest alone (see ObjHead.nonBusyHit), so the newly promoted object
// supersedes the one a background refresh (BeginBackgroundRefresh) was
// built to replace, rather than sitting beside it as a second, perpetually
// shadowed hit.
func (idx *Index) Promote(oc *ObjCore, obj *Object) {
	oc.Object = obj
	oc.ClearFlag(FlagBusy)

	oh := oc.ObjHead
	if oh == nil {
		return
	}
	oh.mu.Lock()
	kept := oh.variants[:0]
	for _, v := range oh.variants {
		if v != oc && !v.HasFlag(FlagBusy) {
			continue
		}
		kept = append(kept, v)
	}
	oh.variants = kept
	oh.wakeWaiters()
	oh.mu.Unlock()
}

// Fail drops a busy objcore that never got a fetch result, so that its
// slot doesn't haunt the bucket as a permanently busy variant, and wakes
// its waiters so they re-race the lookup and see it gone.
func (idx *Index) Fail(oc *ObjCore) {
	oh := oc.ObjHead
	if oh != nil {
		oh.mu.Lock()
		for i, v := range oh.variants {
			if v == oc {
				oh.variants = append(oh.variants[:i], oh.variants[i+1:]...)
				break
			}
		}
		oh.wakeWaiters()
		oh.mu.Unlock()
	}
	oc.ClearFlag(FlagBusy)
}

// Deref drops a reference to oc, removing it from its objhead once the
// refcount reaches zero. Returns the residual refcount, matching HSH_Deref.
func (idx *Index) Deref(oc *ObjCore) int32 {
	residual := oc.Deref()
	if residual > 0 {
		return residual
	}
	oh := oc.ObjHead
	if oh == nil {
		return residual
	}
	oh.mu.Lock()
	for i, v := range oh.variants {
		if v == oc {
			oh.variants = append(oh.variants[:i], oh.variants[i+1:]...)
			break
		}
	}
	oh.mu.Unlock()
	return residual
}

// Drop unconditionally removes oc from the index regardless of refcount,
// used by the S-ERROR restart path (HSH_Drop equivalent).
func (idx *Index) Drop(oc *ObjCore) {
	oh := oc.ObjHead
	if oh == nil {
		return
	}
	oh.mu.Lock()
	for i, v := range oh.variants {
		if v == oc {
			oh.variants = append(oh.variants[:i], oh.variants[i+1:]...)
			break
		}
	}
	oh.mu.Unlock()
}

// Purge invalidates every variant sharing oc's objhead. Subsequent lookups
// for that key return a clean miss.
func (idx *Index) Purge(oc *ObjCore) {
	oh := oc.ObjHead
	if oh == nil {
		return
	}
	oh.mu.Lock()
	oh.variants = nil
	oh.mu.Unlock()
}

// Stats reports a coarse snapshot for the admin surface: bucket count and
// total variant count across all buckets.
func (idx *Index) Stats() (buckets, variants int) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	buckets = len(idx.buckets)
	for _, oh := range idx.buckets {
		oh.mu.Lock()
		variants += len(oh.variants)
		oh.mu.Unlock()
	}
	return buckets, variants
}

// PurgeDigest invalidates every variant under digest, if the bucket
// exists. Used by the admin purge endpoint to invalidate by key without
// going through the FSM's S-PURGE path.
func (idx *Index) PurgeDigest(digest [32]byte) bool {
	idx.mu.RLock()
	oh, ok := idx.buckets[digest]
	idx.mu.RUnlock()
	if !ok {
		return false
	}
	oh.mu.Lock()
	oh.variants = nil
	oh.mu.Unlock()
	return true
}

// MarkHitForPass flags oc as hit-for-pass: future lookups on its objhead
// route through S-PASS until purge or expiry, without re-consulting
// policy. The metadata entry (oc itself) survives; only the body is gone.
func (idx *Index) MarkHitForPass(oc *ObjCore) {
	oc.SetFlag(FlagPass)
	oc.Object = nil
}
