package rref

import (
	"sync"

	"github.com/glycerine/idem"
)

// Future represents a reply not yet received, completed exactly once
// when the agent's send finishes (successfully or with a remote
// EXCEPTION). Built on idem.IdemCloseChan, whose full surface — Chan,
// Close, IsClosed — covers one-shot completion signaling cleanly.
type Future struct {
	done *idem.IdemCloseChan

	mu        sync.Mutex
	reply     *Message
	err       error
	callbacks []func(*Message, error)
}

func newFuture() *Future {
	return &Future{done: idem.NewIdemCloseChan()}
}

// complete fulfills the future. Safe to call from any goroutine,
// including an agent's receive loop — callbacks may run on any thread.
func (f *Future) complete(reply *Message, err error) {
	f.mu.Lock()
	if f.done.IsClosed() {
		f.mu.Unlock()
		return
	}
	f.reply, f.err = reply, err
	cbs := f.callbacks
	f.callbacks = nil
	f.done.Close()
	f.mu.Unlock()

	for _, cb := range cbs {
		cb(reply, err)
	}
}

// OnReply registers a callback to run once the future completes. If
// it already has, the callback runs inline. The registered callback is
// expected to acquire the tracker mutex itself — OnReply never holds
// one.
func (f *Future) OnReply(cb func(*Message, error)) {
	f.mu.Lock()
	if f.done.IsClosed() {
		reply, err := f.reply, f.err
		f.mu.Unlock()
		cb(reply, err)
		return
	}
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

// Wait blocks for completion; used by synchronous test helpers, never
// by the tracker core itself, whose operations complete without
// blocking on a reply — only the callback does.
func (f *Future) Wait() (*Message, error) {
	<-f.done.Chan
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reply, f.err
}
