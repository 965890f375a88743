package rref

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// WorkerId identifies a node in the cluster: a small integer.
type WorkerId uint16

// RRefId and ForkId are structurally identical: a (worker_id, local_id)
// pair, minted only by the Allocator, never reused within the lifetime
// of a cluster.
type RRefId struct {
	WorkerId WorkerId
	LocalId  uint64
}

// ForkId has the same shape as RRefId but identifies a particular
// fork (child reference) rather than the object itself.
type ForkId struct {
	WorkerId WorkerId
	LocalId  uint64
}

// id satisfies the ided interface used by dmap/omap keys (see
// dmap.go, omap.go), giving tables a deterministic iteration order.
func (r RRefId) id() string { return r.key() }
func (f ForkId) id() string { return f.key() }

// key renders a composite, lexically-sortable string key: worker_id
// zero-padded so string comparison agrees with numeric comparison.
func (r RRefId) key() string { return fmt.Sprintf("%05d:%020d", r.WorkerId, r.LocalId) }
func (f ForkId) key() string { return fmt.Sprintf("%05d:%020d", f.WorkerId, f.LocalId) }

// String renders a short, human-readable form for logs, base58
// encoding the wire bytes for compact display.
func (r RRefId) String() string { return "rref:" + base58.Encode(encodeIdBytes(r.WorkerId, r.LocalId)) }
func (f ForkId) String() string { return "fork:" + base58.Encode(encodeIdBytes(f.WorkerId, f.LocalId)) }

func encodeIdBytes(workerId WorkerId, localId uint64) []byte {
	b := make([]byte, 10)
	binary.BigEndian.PutUint16(b[0:2], uint16(workerId))
	binary.BigEndian.PutUint64(b[2:10], localId)
	return b
}

// EncodeRRefId/DecodeRRefId implement the fixed wire serialization for
// identifiers: (worker_id: u16, local_id: u64) big-endian. This is the
// one piece of value marshalling the tracker itself owns (identifiers,
// not payloads); it is deliberately plain encoding/binary rather than
// a schema-driven codec — see DESIGN.md for why a codegen codec was
// not wired here.
func EncodeRRefId(r RRefId) []byte { return encodeIdBytes(r.WorkerId, r.LocalId) }

func DecodeRRefId(b []byte) (RRefId, error) {
	if len(b) != 10 {
		return RRefId{}, fmt.Errorf("rref: malformed RRefId wire bytes: want 10, got %d", len(b))
	}
	return RRefId{
		WorkerId: WorkerId(binary.BigEndian.Uint16(b[0:2])),
		LocalId:  binary.BigEndian.Uint64(b[2:10]),
	}, nil
}

func EncodeForkId(f ForkId) []byte { return encodeIdBytes(f.WorkerId, f.LocalId) }

func DecodeForkId(b []byte) (ForkId, error) {
	if len(b) != 10 {
		return ForkId{}, fmt.Errorf("rref: malformed ForkId wire bytes: want 10, got %d", len(b))
	}
	return ForkId{
		WorkerId: WorkerId(binary.BigEndian.Uint16(b[0:2])),
		LocalId:  binary.BigEndian.Uint64(b[2:10]),
	}, nil
}

// Allocator mints globally unique reference and fork identifiers for
// one worker: a monotonically increasing, atomically updated counter.
// Wraparound of the 64-bit counter is out of scope.
type Allocator struct {
	workerId WorkerId
	counter  uint64 // atomic; accessed without the tracker mutex
}

func NewAllocator(workerId WorkerId) *Allocator {
	return &Allocator{workerId: workerId}
}

// NextId mints the next (worker_id, local_id) pair for this worker.
func (a *Allocator) NextId() (WorkerId, uint64) {
	local := atomic.AddUint64(&a.counter, 1)
	return a.workerId, local
}

// NextRRefId and NextForkId are thin conveniences over NextId, used by
// the fork-tracking core when it mints identifiers rather than
// receiving them from a peer.
func (a *Allocator) NextRRefId() RRefId {
	w, l := a.NextId()
	return RRefId{WorkerId: w, LocalId: l}
}

func (a *Allocator) NextForkId() ForkId {
	w, l := a.NextId()
	return ForkId{WorkerId: w, LocalId: l}
}
