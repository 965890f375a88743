package rref

import "sync/atomic"

// Reference is the tagged-sum over Owner and User, in place of
// inheritance: a single interface with a fork() method, implemented by
// both variants.
type Reference interface {
	RRefId() RRefId
	ForkId() ForkId
	IsOwner() bool
	OwnerWorker() WorkerId
	// Fork mints a new ForkId and returns a serializable descriptor;
	// it does not mutate tracker state. Tracker.ForkTo calls Fork
	// itself and registers the descriptor it mints; a descriptor from
	// a separate Fork call is not registered anywhere.
	Fork(alloc *Allocator) ForkDescriptor
}

// ForkDescriptor is what crosses the wire when a reference is handed
// to a new holder: just enough to reconstruct a User at the far end.
type ForkDescriptor struct {
	RRefId RRefId
	ForkId ForkId
	Parent WorkerId
}

// Owner is the authoritative holder of the value (or a future of it).
// Its implicit fork_id equals its rref_id.
//
// The payload type lives behind `any`: the tracker itself stays
// payload-agnostic, value marshalling and the actual
// scripting-object/value distinction belong to the surrounding
// repository.
type Owner struct {
	rrefId RRefId
	self   WorkerId
	value  any
}

func newOwner(rrefId RRefId, self WorkerId, value any) *Owner {
	return &Owner{rrefId: rrefId, self: self, value: value}
}

func (o *Owner) RRefId() RRefId       { return o.rrefId }
func (o *Owner) ForkId() ForkId       { return ForkId{WorkerId: o.rrefId.WorkerId, LocalId: o.rrefId.LocalId} }
func (o *Owner) IsOwner() bool        { return true }
func (o *Owner) OwnerWorker() WorkerId { return o.self }
func (o *Owner) Value() any           { return o.value }

func (o *Owner) Fork(alloc *Allocator) ForkDescriptor {
	return ForkDescriptor{RRefId: o.rrefId, ForkId: alloc.NextForkId(), Parent: o.self}
}

// User is a remote handle: it has its own fork_id distinct from the
// owner's, and knows which worker owns the underlying object.
//
// strongCount models "some external holder keeps a strong ref": every
// application-level clone of the User increments it, every drop
// decrements it, and it reaching zero is the local precondition for
// emitting USER_DELETE (see tracker.go's ReleaseUser).
type User struct {
	rrefId RRefId
	forkId ForkId
	owner  WorkerId

	strongCount int64 // atomic

	// pendingChildForks counts this user's own in-flight
	// FORK_NOTIFY/FORK_ACCEPT round trips (pending fork-request
	// entries keyed to children of this user) that must drain before
	// USER_DELETE may be sent.
	pendingChildForks int64 // atomic

	// deleteSent guards USER_DELETE emission to exactly once, since
	// multiple state transitions (ReleaseUser, FinishUserRref,
	// FinishForkRequest) can all discover the last blocker cleared.
	deleteSent int32 // atomic
}

func newUser(rrefId RRefId, forkId ForkId, owner WorkerId) *User {
	return &User{rrefId: rrefId, forkId: forkId, owner: owner, strongCount: 1}
}

func (u *User) RRefId() RRefId        { return u.rrefId }
func (u *User) ForkId() ForkId        { return u.forkId }
func (u *User) IsOwner() bool         { return false }
func (u *User) OwnerWorker() WorkerId { return u.owner }

func (u *User) Fork(alloc *Allocator) ForkDescriptor {
	return ForkDescriptor{RRefId: u.rrefId, ForkId: alloc.NextForkId(), Parent: u.owner}
}

// Retain models an application-level clone of this User (another
// holder taking a strong ref).
func (u *User) Retain() { atomic.AddInt64(&u.strongCount, 1) }

// release drops one strong ref, returning the count that remains.
func (u *User) release() int64 { return atomic.AddInt64(&u.strongCount, -1) }

func (u *User) strongRefs() int64 { return atomic.LoadInt64(&u.strongCount) }

func (u *User) addPendingChildFork() { atomic.AddInt64(&u.pendingChildForks, 1) }
func (u *User) delPendingChildFork() { atomic.AddInt64(&u.pendingChildForks, -1) }
func (u *User) hasPendingChildForks() bool {
	return atomic.LoadInt64(&u.pendingChildForks) > 0
}
