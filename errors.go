package rref

import "fmt"

// InvariantError signals an invariant violation: duplicate insertion,
// missing expected entry, a self-owner creating a User for itself.
// These are fatal programmer errors — callers are expected to panicOn
// them, not retry.
type InvariantError struct {
	Op      string
	Detail  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("rref: invariant violation in %s: %s", e.Op, e.Detail)
}

func invariantErrorf(op, format string, a ...interface{}) *InvariantError {
	return &InvariantError{Op: op, Detail: fmt.Sprintf(format, a...)}
}

// LifecycleError signals lifecycle misuse: instance() before init, or
// double init.
type LifecycleError struct {
	Detail string
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("rref: lifecycle misuse: %s", e.Detail)
}
