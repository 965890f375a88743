package rref

import "testing"

func Test010_owner_fork_does_not_mutate_state(t *testing.T) {
	alloc := NewAllocator(WorkerId(0))
	o := newOwner(RRefId{WorkerId: 0, LocalId: 1}, WorkerId(0), "payload")

	desc := o.Fork(alloc)
	if desc.RRefId != o.RRefId() {
		t.Fatalf("fork descriptor rref_id mismatch")
	}
	if desc.Parent != WorkerId(0) {
		t.Fatalf("expected parent worker 0, got %v", desc.Parent)
	}
	// Fork is pure: calling it again mints a distinct fork_id rather
	// than reusing or mutating anything on o.
	desc2 := o.Fork(alloc)
	if desc2.ForkId == desc.ForkId {
		t.Fatalf("expected distinct fork_ids from successive Fork calls")
	}
}

func Test011_user_retain_release_strong_count(t *testing.T) {
	u := newUser(RRefId{WorkerId: 0, LocalId: 1}, ForkId{WorkerId: 1, LocalId: 2}, WorkerId(0))
	if got := u.strongRefs(); got != 1 {
		t.Fatalf("expected initial strong count 1, got %d", got)
	}

	u.Retain()
	if got := u.strongRefs(); got != 2 {
		t.Fatalf("expected strong count 2 after Retain, got %d", got)
	}

	if remaining := u.release(); remaining != 1 {
		t.Fatalf("expected 1 remaining after one release, got %d", remaining)
	}
	if remaining := u.release(); remaining != 0 {
		t.Fatalf("expected 0 remaining after second release, got %d", remaining)
	}
}

func Test012_user_pending_child_forks(t *testing.T) {
	u := newUser(RRefId{WorkerId: 0, LocalId: 1}, ForkId{WorkerId: 1, LocalId: 2}, WorkerId(0))
	if u.hasPendingChildForks() {
		t.Fatalf("expected no pending child forks initially")
	}
	u.addPendingChildFork()
	if !u.hasPendingChildForks() {
		t.Fatalf("expected pending child fork after addPendingChildFork")
	}
	u.delPendingChildFork()
	if u.hasPendingChildForks() {
		t.Fatalf("expected no pending child forks after draining")
	}
}

func Test013_owner_implicit_fork_id_equals_rref_id(t *testing.T) {
	rrefId := RRefId{WorkerId: 5, LocalId: 9}
	o := newOwner(rrefId, WorkerId(5), nil)
	if o.ForkId() != (ForkId{WorkerId: rrefId.WorkerId, LocalId: rrefId.LocalId}) {
		t.Fatalf("expected owner's implicit fork_id to equal its rref_id")
	}
}
