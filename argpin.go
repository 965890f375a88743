package rref

import (
	"context"
	"sync"
)

// argScratch is the per-calling-context list of references accumulated
// while a single RPC call is being prepared. Go has no implicit
// thread-local storage, and a naive thread-local would silently break
// once preparation spans suspension points — exactly what happens
// across goroutine-scheduled, potentially-blocking call preparation.
// So this threads a per-task value through context.Context instead.
type argScratch struct {
	mu   sync.Mutex
	refs []Reference
}

type argScratchKey struct{}

// WithArgScratch attaches a fresh scratch list to ctx, scoping one RPC
// call's preparation. Call this once at the start of preparing an
// outgoing call.
func WithArgScratch(ctx context.Context) context.Context {
	return context.WithValue(ctx, argScratchKey{}, &argScratch{})
}

func scratchFrom(ctx context.Context) *argScratch {
	s, _ := ctx.Value(argScratchKey{}).(*argScratch)
	return s
}

// pushRRefArg appends ref to ctx's scratch list, pinning it for the
// duration of the enclosing RPC preparation. It is a no-op if ctx
// carries no scratch (call site did not opt into pinning).
func pushRRefArg(ctx context.Context, ref Reference) {
	s := scratchFrom(ctx)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.refs = append(s.refs, ref)
	s.mu.Unlock()
}

// takeScratchRefs atomically drains and clears ctx's scratch list.
func takeScratchRefs(ctx context.Context) []Reference {
	s := scratchFrom(ctx)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	refs := s.refs
	s.refs = nil
	s.mu.Unlock()
	return refs
}

// MessageId identifies one outgoing RPC for argument-pinning purposes.
type MessageId int64

// argPinRegistry keeps, per message id, the strong refs pinned from
// the moment they were used as arguments until the callee acks.
// Guarded by the tracker mutex it is embedded in.
//
// Backed by omap (omap.go) rather than a plain Go map so a
// reconciliation dump can walk outstanding message ids in order —
// the same reproducibility argument that motivates omap/dmap
// generally.
type argPinRegistry struct {
	pending *omap[MessageId, []Reference]
}

func newArgPinRegistry() *argPinRegistry {
	return &argPinRegistry{pending: newOmap[MessageId, []Reference]()}
}

// move transfers ctx's scratch list into pending[mid]. Caller holds
// the tracker mutex.
func (r *argPinRegistry) move(ctx context.Context, mid MessageId) {
	refs := takeScratchRefs(ctx)
	if len(refs) == 0 {
		return
	}
	existing, _ := r.pending.get2(mid)
	r.pending.set(mid, append(existing, refs...))
}

// release drops the pinned refs for mid once the callee has acked
// processing of that message.
func (r *argPinRegistry) release(mid MessageId) {
	r.pending.delkey(mid)
}

// snapshot returns the refs currently pinned for mid, for tests
// verifying that argument pinning survives until release.
func (r *argPinRegistry) snapshot(mid MessageId) []Reference {
	refs, _ := r.pending.get2(mid)
	return append([]Reference(nil), refs...)
}
