package rref

import (
	"fmt"

	gjson "github.com/goccy/go-json"
)

// MessageKind enumerates the wire messages exchanged between trackers.
type MessageKind int

const (
	KindUserAccept MessageKind = iota + 1
	KindForkNotify
	KindForkAccept
	KindUserDelete
	KindException
)

func (k MessageKind) String() string {
	switch k {
	case KindUserAccept:
		return "USER_ACCEPT"
	case KindForkNotify:
		return "FORK_NOTIFY"
	case KindForkAccept:
		return "FORK_ACCEPT"
	case KindUserDelete:
		return "USER_DELETE"
	case KindException:
		return "EXCEPTION"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// Message is the design-level wire schema for fork-tracking protocol
// traffic. Encoding of the enclosing envelope is delegated to the
// surrounding repository's RPC agent; rref only fixes the payload
// shape and the big-endian encoding of the identifier pairs it embeds
// (ids.go).
type Message struct {
	Kind MessageKind

	RRefId RRefId
	ForkId ForkId

	// ForkDst is populated only for FORK_NOTIFY: the worker the new
	// fork is destined for.
	ForkDst WorkerId

	// ExceptionText carries an EXCEPTION message's UTF-8 error string.
	ExceptionText string
}

func userAcceptMsg(rrefId RRefId, forkId ForkId) *Message {
	return &Message{Kind: KindUserAccept, RRefId: rrefId, ForkId: forkId}
}

func forkNotifyMsg(rrefId RRefId, forkId ForkId, dst WorkerId) *Message {
	return &Message{Kind: KindForkNotify, RRefId: rrefId, ForkId: forkId, ForkDst: dst}
}

func forkAcceptMsg(forkId ForkId) *Message {
	return &Message{Kind: KindForkAccept, ForkId: forkId}
}

func userDeleteMsg(rrefId RRefId, forkId ForkId) *Message {
	return &Message{Kind: KindUserDelete, RRefId: rrefId, ForkId: forkId}
}

// ExceptionMessage builds an EXCEPTION reply carrying text. AsError
// decodes it into an error; the tracker's reply callbacks log that
// error on the callback goroutine and return without acting on the
// reply.
func ExceptionMessage(text string) *Message {
	return &Message{Kind: KindException, ExceptionText: text}
}

// AsError turns an EXCEPTION message into a Go error, or reports ok =
// false for any other kind, including a nil reply (several replies in
// this protocol are fire-and-forget and never populate one).
func (m *Message) AsError() (err error, ok bool) {
	if m == nil || m.Kind != KindException {
		return nil, false
	}
	return fmt.Errorf("rref: remote exception: %s", m.ExceptionText), true
}

// String renders a debug form via goccy/go-json for human-readable
// diagnostic rendering of wire structs.
func (m *Message) String() string {
	b, err := gjson.Marshal(m)
	if err != nil {
		return fmt.Sprintf("Message{Kind:%v, marshal error: %v}", m.Kind, err)
	}
	return string(b)
}
