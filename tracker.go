package rref

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caio/go-tdigest"
	"github.com/glycerine/idem"
)

// forkEntry is the permanent per-owner bookkeeping of the forks table:
// which fork_ids are currently live, plus when each was registered.
// Reconcile does not read registeredAt; it sweeps inFlightAccepts.
type forkEntry struct {
	registeredAt time.Time
}

// Tracker is the fork-tracking core: the node-local state machine
// maintaining the owner table, the live-fork sets, and the two
// pending-user tables that compensate for non-FIFO delivery.
//
// A single mutex protects every table; rref_args (argpin.go) is
// deliberately outside it, being context-local rather than tracker
// state.
type Tracker struct {
	self  WorkerId
	alloc *Allocator
	agent Agent

	mu sync.Mutex

	owners *dmap[RRefId, *Owner]
	// forks holds, per owned rref_id, the permanent set of live
	// fork_ids plus each one's forkEntry metadata.
	forks *dmap[RRefId, *dmap[ForkId, forkEntry]]
	// inFlightAccepts is the transient "USER_ACCEPT sent, not yet
	// ack'd" bookkeeping the owner keeps in addition to the permanent
	// forks entry — see DESIGN.md for why this stays separate from the
	// permanent table rather than deleting from it on ack.
	inFlightAccepts *dmap[ForkId, time.Time]

	pendingUsers         *dmap[ForkId, *User]
	pendingForkRequests  *dmap[ForkId, *User]
	pendingAcceptedUsers *dmap[ForkId, struct{}]

	argPins *argPinRegistry

	halt *idem.Halter

	// latency tracks USER_ACCEPT round-trip time in seconds, send to
	// ack, streamed into a go-tdigest for quantile estimation without
	// retaining every sample.
	latencyMu sync.Mutex
	latency   *tdigest.TDigest
}

// NewTracker constructs a fork-tracking core for worker self, talking
// to peers through agent. Agent must be non-nil; this constructor does
// not enforce the process-wide singleton itself — see singleton.go for
// that.
func NewTracker(self WorkerId, agent Agent) *Tracker {
	td, err := tdigest.New()
	panicOn(err)
	return &Tracker{
		self:                 self,
		alloc:                NewAllocator(self),
		agent:                agent,
		owners:               newDmap[RRefId, *Owner](),
		forks:                newDmap[RRefId, *dmap[ForkId, forkEntry]](),
		inFlightAccepts:      newDmap[ForkId, time.Time](),
		pendingUsers:         newDmap[ForkId, *User](),
		pendingForkRequests:  newDmap[ForkId, *User](),
		pendingAcceptedUsers: newDmap[ForkId, struct{}](),
		argPins:              newArgPinRegistry(),
		halt:                 idem.NewHalter(),
		latency:              td,
	}
}

// Allocator exposes the tracker's identifier allocator for callers
// that need to mint plain ids outside of the reference-object helpers.
func (t *Tracker) Allocator() *Allocator { return t.alloc }

func (t *Tracker) Self() WorkerId { return t.self }

// -----------------------------------------------------------------
// construction / lookup

// CreateUser constructs a User for rrefId/forkId owned by owner. Fails
// if owner == self (an owner does not hold a User of its own object)
// or if forkId is already present in pending_users (double-create).
func (t *Tracker) CreateUser(owner WorkerId, rrefId RRefId, forkId ForkId) (*User, error) {
	if owner == t.self {
		return nil, invariantErrorf("CreateUser", "owner %v equals self: an owner cannot be a User of its own object", owner)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pendingUsers.has(forkId) {
		return nil, invariantErrorf("CreateUser", "fork %v already in pending_users (double-create)", forkId)
	}

	u := newUser(rrefId, forkId, owner)

	if t.pendingAcceptedUsers.delete(forkId) {
		// USER_ACCEPT for this fork already arrived: the local User is
		// built already-acknowledged.
		logf("CreateUser: fork %v was pre-accepted, skipping pending_users", forkId)
		return u, nil
	}

	t.pendingUsers.upsert(forkId, u)
	return u, nil
}

// CreateUserFresh mints a fresh rref_id/fork_id pair for a User of
// owner — a create_user(owner) shorthand.
func (t *Tracker) CreateUserFresh(owner WorkerId) (*User, error) {
	rrefId := t.alloc.NextRRefId()
	forkId := t.alloc.NextForkId()
	return t.CreateUser(owner, rrefId, forkId)
}

// GetOrCreateOwner returns the existing Owner for rrefId, or
// constructs and inserts one holding value. Idempotent: repeated calls
// return the same Owner and leave exactly one entry.
func (t *Tracker) GetOrCreateOwner(rrefId RRefId, value any) *Owner {
	t.mu.Lock()
	defer t.mu.Unlock()

	if o, found := t.owners.get(rrefId); found {
		return o
	}
	o := newOwner(rrefId, t.self, value)
	t.owners.upsert(rrefId, o)
	return o
}

// GetOrCreateRRef dispatches to GetOrCreateOwner or CreateUser
// depending on whether owner is this node.
func (t *Tracker) GetOrCreateRRef(owner WorkerId, rrefId RRefId, forkId ForkId) (Reference, error) {
	if owner == t.self {
		return t.GetOrCreateOwner(rrefId, nil), nil
	}
	return t.CreateUser(owner, rrefId, forkId)
}

// -----------------------------------------------------------------
// forking: fork_to and its three cases

// ForkTo forks ref to worker dst, returning the descriptor to hand to
// the application code that will serialize it into an RPC argument.
// It also pins ref onto ctx's argument scratch so it survives until
// the enclosing RPC's message id is known and AddRRefArgs is called.
func (t *Tracker) ForkTo(ctx context.Context, ref Reference, dst WorkerInfo) (ForkDescriptor, error) {
	desc := ref.Fork(t.alloc)

	switch {
	case dst.Id == ref.OwnerWorker():
		// Case 1: forking back to the owner needs no cross-node
		// tracking — the callee will resolve to its own local owner.

	case ref.IsOwner():
		// Case 2: owner forking to a third party.
		msg, err := t.AcceptUserRref(desc.RRefId, desc.ForkId)
		if err != nil {
			return ForkDescriptor{}, err
		}
		sentAt := time.Now()
		sendUnderPrep(ctx, t.agent, dst, msg, func(reply *Message, err error) {
			t.mu.Lock()
			t.inFlightAccepts.delete(desc.ForkId)
			t.mu.Unlock()
			if err != nil {
				vv("ForkTo: USER_ACCEPT to %v for %v failed: %v", dst.Id, desc.ForkId, err)
				return
			}
			if rerr, ok := reply.AsError(); ok {
				vv("ForkTo: USER_ACCEPT to %v for %v rejected by remote: %v", dst.Id, desc.ForkId, rerr)
				return
			}
			t.observeAckLatency(sentAt)
		})

	default:
		// Case 3: user forking to another user. Pin the forking user
		// until FORK_ACCEPT returns.
		u, ok := ref.(*User)
		if !ok {
			return ForkDescriptor{}, invariantErrorf("ForkTo", "reference is neither Owner nor User")
		}

		t.mu.Lock()
		t.pendingForkRequests.upsert(desc.ForkId, u)
		t.mu.Unlock()
		u.addPendingChildFork()

		ownerInfo, err := t.agent.WorkerInfo(ref.OwnerWorker())
		if err != nil {
			return ForkDescriptor{}, err
		}
		msg := forkNotifyMsg(desc.RRefId, desc.ForkId, dst.Id)
		sendUnderPrep(ctx, t.agent, ownerInfo, msg, func(reply *Message, err error) {
			if err != nil {
				vv("ForkTo: FORK_NOTIFY for %v failed: %v", desc.ForkId, err)
				return
			}
			if rerr, ok := reply.AsError(); ok {
				vv("ForkTo: FORK_NOTIFY for %v rejected by remote: %v", desc.ForkId, rerr)
				return
			}
			if ferr := t.FinishForkRequest(reply.ForkId); ferr != nil {
				vv("ForkTo: FinishForkRequest(%v) failed: %v", reply.ForkId, ferr)
			}
		})
	}

	pushRRefArg(ctx, ref)
	return desc, nil
}

// AcceptUserRref is invoked on the owner when it learns of a new user:
// it registers the fork permanently (add_fork_of_owner) and additionally
// tracks it in inFlightAccepts so the caller can clear the transient
// half of the bookkeeping once the USER_ACCEPT send is ack'd, without
// ever touching the permanent entry outside of USER_DELETE handling.
// Returns the USER_ACCEPT message addressed to the new user.
func (t *Tracker) AcceptUserRref(rrefId RRefId, forkId ForkId) (*Message, error) {
	t.mu.Lock()
	if err := t.addForkOfOwnerLocked(rrefId, forkId); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.inFlightAccepts.upsert(forkId, time.Now())
	t.mu.Unlock()
	return userAcceptMsg(rrefId, forkId), nil
}

// AcceptForkRequest is invoked on the owner when a FORK_NOTIFY arrives:
// it sends USER_ACCEPT to dst (via AcceptUserRref) and returns the
// FORK_ACCEPT message addressed to the original forking user.
func (t *Tracker) AcceptForkRequest(ctx context.Context, rrefId RRefId, forkId ForkId, dst WorkerId) (*Message, error) {
	msg, err := t.AcceptUserRref(rrefId, forkId)
	if err != nil {
		return nil, err
	}
	dstInfo, err := t.agent.WorkerInfo(dst)
	if err != nil {
		return nil, err
	}
	sentAt := time.Now()
	sendUnderPrep(ctx, t.agent, dstInfo, msg, func(reply *Message, err error) {
		t.mu.Lock()
		t.inFlightAccepts.delete(forkId)
		t.mu.Unlock()
		if err != nil {
			vv("AcceptForkRequest: USER_ACCEPT to %v for %v failed: %v", dst, forkId, err)
			return
		}
		if rerr, ok := reply.AsError(); ok {
			vv("AcceptForkRequest: USER_ACCEPT to %v for %v rejected by remote: %v", dst, forkId, rerr)
			return
		}
		t.observeAckLatency(sentAt)
	})
	return forkAcceptMsg(forkId), nil
}

// FinishForkRequest is called when the owner's FORK_ACCEPT reaches the
// forking user: it un-pins the parent user, and, since this may be the
// last thing keeping a zero-strong-ref parent alive, re-checks whether
// a deferred USER_DELETE can now be sent.
func (t *Tracker) FinishForkRequest(forkId ForkId) error {
	t.mu.Lock()
	u, found := t.pendingForkRequests.get(forkId)
	if !found {
		t.mu.Unlock()
		return invariantErrorf("FinishForkRequest", "fork %v not in pending_fork_requests", forkId)
	}
	t.pendingForkRequests.delete(forkId)
	t.mu.Unlock()

	u.delPendingChildFork()
	t.maybeEmitUserDelete(u)
	return nil
}

// FinishUserRref is called when USER_ACCEPT reaches this node. If the
// local User is already under construction (pending_users holds it),
// the pairing completes and it's dropped from pending_users;
// otherwise the accept arrived first and is buffered in
// pending_accepted_users for the eventual CreateUser to consume.
func (t *Tracker) FinishUserRref(rrefId RRefId, forkId ForkId) error {
	t.mu.Lock()
	if u, found := t.pendingUsers.get(forkId); found {
		t.pendingUsers.delete(forkId)
		t.mu.Unlock()
		t.maybeEmitUserDelete(u)
		return nil
	}

	if t.pendingAcceptedUsers.has(forkId) {
		t.mu.Unlock()
		return invariantErrorf("FinishUserRref", "fork %v already in pending_accepted_users (double-accept)", forkId)
	}
	t.pendingAcceptedUsers.upsert(forkId, struct{}{})
	t.mu.Unlock()
	return nil
}

// -----------------------------------------------------------------
// low-level fork-set mutation

func (t *Tracker) addForkOfOwnerLocked(rrefId RRefId, forkId ForkId) error {
	set, ok := t.forks.get(rrefId)
	if !ok {
		set = newDmap[ForkId, forkEntry]()
		t.forks.upsert(rrefId, set)
	}
	if set.has(forkId) {
		return invariantErrorf("AddForkOfOwner", "fork %v already registered for %v", forkId, rrefId)
	}
	set.upsert(forkId, forkEntry{registeredAt: time.Now()})
	return nil
}

// AddForkOfOwner inserts forkId into forks[rrefId]; asserts absence.
func (t *Tracker) AddForkOfOwner(rrefId RRefId, forkId ForkId) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addForkOfOwnerLocked(rrefId, forkId)
}

// DelForkOfOwner removes forkId from forks[rrefId]; when the set
// becomes empty, drops both the forks entry and owners[rrefId] in the
// same critical section — the terminal event releasing the owned
// object. This erases forkId, not rrefId, from the fork set (see
// DESIGN.md).
func (t *Tracker) DelForkOfOwner(rrefId RRefId, forkId ForkId) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	set, ok := t.forks.get(rrefId)
	if !ok {
		return invariantErrorf("DelForkOfOwner", "no fork set for %v", rrefId)
	}
	if !set.delete(forkId) {
		return invariantErrorf("DelForkOfOwner", "fork %v not registered for %v", forkId, rrefId)
	}
	if set.Len() == 0 {
		t.forks.delete(rrefId)
		t.owners.delete(rrefId)
	}
	return nil
}

// HandleUserDelete is the owner-side handler for the USER_DELETE wire
// message.
func (t *Tracker) HandleUserDelete(rrefId RRefId, forkId ForkId) error {
	return t.DelForkOfOwner(rrefId, forkId)
}

// -----------------------------------------------------------------
// user-side teardown

// ReleaseUser drops one strong ref from u. When the count reaches
// zero and u has no outstanding pending_users/pending_fork_requests
// entries, USER_DELETE is emitted to the owner; otherwise the delete
// is deferred until FinishUserRref/FinishForkRequest clears the last
// blocker — sending USER_DELETE too early could overtake FORK_NOTIFY
// or race the initial USER_ACCEPT.
func (t *Tracker) ReleaseUser(ctx context.Context, u *User) error {
	remaining := u.release()
	if remaining > 0 {
		return nil
	}
	if remaining < 0 {
		return invariantErrorf("ReleaseUser", "strong ref count went negative for %v", u.forkId)
	}
	t.maybeEmitUserDeleteCtx(ctx, u)
	return nil
}

func (t *Tracker) maybeEmitUserDelete(u *User) {
	t.maybeEmitUserDeleteCtx(context.Background(), u)
}

func (t *Tracker) maybeEmitUserDeleteCtx(ctx context.Context, u *User) {
	if u.strongRefs() > 0 || u.hasPendingChildForks() {
		return
	}

	t.mu.Lock()
	stillPending := t.pendingUsers.has(u.forkId)
	t.mu.Unlock()
	if stillPending {
		return
	}

	if !atomic.CompareAndSwapInt32(&u.deleteSent, 0, 1) {
		return // already sent, or racing with another releaser
	}

	ownerInfo, err := t.agent.WorkerInfo(u.owner)
	if err != nil {
		vv("maybeEmitUserDelete: WorkerInfo(%v) failed: %v", u.owner, err)
		return
	}
	msg := userDeleteMsg(u.rrefId, u.forkId)
	if _, err := t.agent.Send(ctx, ownerInfo, msg); err != nil {
		vv("maybeEmitUserDelete: USER_DELETE for %v failed: %v", u.forkId, err)
	}
}

// -----------------------------------------------------------------
// argument pinning

// AddRRefArgs transfers ctx's rref_args scratch into
// pending_rref_args[mid] — a move_rref_args operation.
func (t *Tracker) AddRRefArgs(ctx context.Context, mid MessageId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.argPins.move(ctx, mid)
}

// DelRRefArgs releases the refs pinned for mid once the callee has
// acked processing of that message — a release_rref_args operation.
func (t *Tracker) DelRRefArgs(mid MessageId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.argPins.release(mid)
}

// PinnedArgs is a test/diagnostic hook exposing what's currently
// pinned for mid.
func (t *Tracker) PinnedArgs(mid MessageId) []Reference {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.argPins.snapshot(mid)
}

// -----------------------------------------------------------------
// diagnostics

// Forks returns a snapshot of the fork_ids currently registered for
// rrefId, for tests validating the tracker's invariants.
func (t *Tracker) Forks(rrefId RRefId) []ForkId {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.forks.get(rrefId)
	if !ok {
		return nil
	}
	var out []ForkId
	set.all(func(f ForkId, _ forkEntry) bool {
		out = append(out, f)
		return true
	})
	return out
}

// HasOwner reports whether owners[rrefId] is populated.
func (t *Tracker) HasOwner(rrefId RRefId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owners.has(rrefId)
}

// OwnerCount, PendingUserCount, PendingAcceptedCount and
// PendingForkRequestCount expose table sizes for property sweeps (e.g.
// "owners empty on every non-owner node").
func (t *Tracker) OwnerCount() int { t.mu.Lock(); defer t.mu.Unlock(); return t.owners.Len() }
func (t *Tracker) PendingUserCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingUsers.Len()
}
func (t *Tracker) PendingAcceptedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingAcceptedUsers.Len()
}
func (t *Tracker) PendingForkRequestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingForkRequests.Len()
}

// IsPendingUser and IsPendingAccepted let tests assert the
// mutual-exclusion property directly.
func (t *Tracker) IsPendingUser(forkId ForkId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingUsers.has(forkId)
}
func (t *Tracker) IsPendingAccepted(forkId ForkId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingAcceptedUsers.has(forkId)
}

// IsInFlightAccept reports whether forkId's USER_ACCEPT send is still
// awaiting its ack, for tests driving the ack callback directly.
func (t *Tracker) IsInFlightAccept(forkId ForkId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlightAccepts.has(forkId)
}

// observeAckLatency records the round-trip time from sentAt (captured
// just before the USER_ACCEPT send) to the moment its ack callback
// runs.
func (t *Tracker) observeAckLatency(sentAt time.Time) {
	elapsed := time.Since(sentAt).Seconds()
	t.latencyMu.Lock()
	_ = t.latency.Add(elapsed)
	t.latencyMu.Unlock()
}

// Stats reports p50/p99 of observed USER_ACCEPT ack latency, in
// seconds.
func (t *Tracker) Stats() (p50, p99 float64) {
	t.latencyMu.Lock()
	defer t.latencyMu.Unlock()
	return t.latency.Quantile(0.5), t.latency.Quantile(0.99)
}

// Reconcile is a best-effort reconciliation sweep: it never mutates
// state, only logs owner-side in-flight accepts pinned longer than
// staleness — the signature of a node that crashed before acking.
func (t *Tracker) Reconcile(staleness time.Duration) (stale []ForkId) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlightAccepts.all(func(f ForkId, since time.Time) bool {
		if now.Sub(since) > staleness {
			stale = append(stale, f)
		}
		return true
	})
	for _, f := range stale {
		vv("Reconcile: fork %v has been in-flight for over %v; peer may have crashed before acking", f, staleness)
	}
	return stale
}

// StartReconciler runs Reconcile on an interval until the tracker's
// halter requests a stop, in the same halt.ReqStop.Chan-driven
// goroutine shape used for every long-running background loop here.
func (t *Tracker) StartReconciler(interval, staleness time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer t.halt.Done.Close()
		for {
			select {
			case <-ticker.C:
				t.Reconcile(staleness)
			case <-t.halt.ReqStop.Chan:
				return
			}
		}
	}()
}

// Stop requests the reconciler goroutine (if started) to halt.
func (t *Tracker) Stop() {
	t.halt.ReqStop.Close()
}
