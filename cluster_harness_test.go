package rref

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// harnessCluster is a small in-memory simulated network implementing
// Agent for every node in it: sends are dispatched on their own
// goroutine with no ordering guarantee relative to other sends between
// the same pair of nodes, playing the same role a simulated network
// plays for a real transport's own tests, scaled down to exactly what
// the fork-tracking core needs to exercise its non-FIFO races.
type harnessCluster struct {
	mu    sync.Mutex
	nodes map[WorkerId]*harnessNode
}

type harnessNode struct {
	info    WorkerInfo
	cluster *harnessCluster
	tracker *Tracker

	mu      sync.Mutex
	handler func(from WorkerId, msg *Message) *Message
}

func newHarnessCluster() *harnessCluster {
	return &harnessCluster{nodes: make(map[WorkerId]*harnessNode)}
}

// addNode constructs a Tracker for a fresh worker and wires it to this
// cluster, with the default protocol handler already installed.
func (c *harnessCluster) addNode(id WorkerId, name string) *harnessNode {
	n := &harnessNode{
		info:    WorkerInfo{Id: id, Name: name, NetAddr: "sim://" + name},
		cluster: c,
	}
	c.mu.Lock()
	c.nodes[id] = n
	c.mu.Unlock()
	n.tracker = NewTracker(id, n)
	n.setHandler(defaultProtocolHandler(n))
	return n
}

func (n *harnessNode) SelfWorker() WorkerInfo { return n.info }

func (n *harnessNode) WorkerInfo(id WorkerId) (WorkerInfo, error) {
	n.cluster.mu.Lock()
	defer n.cluster.mu.Unlock()
	peer, ok := n.cluster.nodes[id]
	if !ok {
		return WorkerInfo{}, fmt.Errorf("harness: unknown worker %v", id)
	}
	return peer.info, nil
}

// Send delivers msg on a fresh goroutine after yielding, so that two
// sends issued back-to-back from the same node to the same peer are
// not guaranteed to arrive in issue order.
func (n *harnessNode) Send(ctx context.Context, dst WorkerInfo, msg *Message) (*Future, error) {
	n.cluster.mu.Lock()
	peer, ok := n.cluster.nodes[dst.Id]
	n.cluster.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("harness: unknown worker %v", dst.Id)
	}

	fut := newFuture()
	go func() {
		runtime.Gosched()
		reply := peer.deliver(n.info.Id, msg)
		fut.complete(reply, nil)
	}()
	return fut, nil
}

func (n *harnessNode) deliver(from WorkerId, msg *Message) *Message {
	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(from, msg)
}

func (n *harnessNode) setHandler(h func(from WorkerId, msg *Message) *Message) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

// defaultProtocolHandler dispatches an incoming Message to the node's
// Tracker exactly as the wire protocol prescribes, returning whatever
// reply (if any) that protocol calls for.
func defaultProtocolHandler(n *harnessNode) func(WorkerId, *Message) *Message {
	return func(from WorkerId, msg *Message) *Message {
		ctx := context.Background()
		switch msg.Kind {
		case KindUserAccept:
			if err := n.tracker.FinishUserRref(msg.RRefId, msg.ForkId); err != nil {
				vv("harness: FinishUserRref on %v failed: %v", n.info.Id, err)
			}
			return nil

		case KindForkNotify:
			reply, err := n.tracker.AcceptForkRequest(ctx, msg.RRefId, msg.ForkId, msg.ForkDst)
			if err != nil {
				vv("harness: AcceptForkRequest on %v failed: %v", n.info.Id, err)
				return nil
			}
			return reply

		case KindForkAccept:
			if err := n.tracker.FinishForkRequest(msg.ForkId); err != nil {
				vv("harness: FinishForkRequest on %v failed: %v", n.info.Id, err)
			}
			return nil

		case KindUserDelete:
			if err := n.tracker.HandleUserDelete(msg.RRefId, msg.ForkId); err != nil {
				vv("harness: HandleUserDelete on %v failed: %v", n.info.Id, err)
			}
			return nil

		case KindException:
			vv("harness: %v received unexpected top-level EXCEPTION: %v", n.info.Id, msg.ExceptionText)
			return nil

		default:
			return nil
		}
	}
}

// exceptionHandler replaces a node's normal protocol handler with one
// that answers every inbound message with an EXCEPTION reply instead
// of the kind-appropriate one, letting a test drive a remote-error
// reply through a specific ForkTo/AcceptForkRequest callback path.
func exceptionHandler(text string) func(WorkerId, *Message) *Message {
	return func(from WorkerId, msg *Message) *Message {
		return ExceptionMessage(text)
	}
}
