package rref

import "context"

// Agent is the RPC agent contract the fork-tracking core consumes. It
// is implemented by the surrounding repository's real transport; rref
// never dials a socket itself. Test code implements Agent with an
// in-memory, deliberately non-FIFO simulated network (see
// cluster_harness_test.go), playing the same role a simulated network
// plays for a real transport's own tests, scaled down to what this
// component needs.
type Agent interface {
	// Send is non-blocking: it returns as soon as the message is
	// handed off, and the reply (or error) arrives later via the
	// returned Future.
	Send(ctx context.Context, dst WorkerInfo, msg *Message) (*Future, error)

	WorkerInfo(id WorkerId) (WorkerInfo, error)
	SelfWorker() WorkerInfo
}

// sendUnderPrep sends msg to dst without holding the tracker mutex,
// registering cb to run on the reply: prepare the outgoing message
// under lock, send unlocked, then register the callback, so the mutex
// is never held across a call into the agent. Callers must have
// already released the tracker mutex before calling this.
func sendUnderPrep(ctx context.Context, agent Agent, dst WorkerInfo, msg *Message, cb func(*Message, error)) {
	fut, err := agent.Send(ctx, dst, msg)
	if err != nil {
		if cb != nil {
			cb(nil, err)
		}
		return
	}
	if cb != nil {
		fut.OnReply(cb)
	}
}
