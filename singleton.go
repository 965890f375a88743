package rref

import "sync"

// The process-wide tracker singleton: exactly one Tracker per process,
// created by Init and retrieved by Instance thereafter. Guarded by a
// plain mutex rather than sync.Once, since Init's failure modes
// (double-init, nil agent) need to return an error rather than panic
// silently on a second call.
var (
	singletonMu sync.Mutex
	singleton   *Tracker
)

// Init constructs the process-wide Tracker for self, wired to agent.
// It fails with a LifecycleError if called more than once, or if agent
// is nil.
func Init(self WorkerId, agent Agent) (*Tracker, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton != nil {
		return nil, &LifecycleError{Detail: "Init called more than once"}
	}
	if agent == nil {
		return nil, &LifecycleError{Detail: "Init requires a non-nil Agent"}
	}

	singleton = NewTracker(self, agent)
	return singleton, nil
}

// Instance returns the process-wide Tracker, or a LifecycleError if
// Init has not run yet.
func Instance() (*Tracker, error) {
	singletonMu.Lock()
	defer singletonMu.Unlock()

	if singleton == nil {
		return nil, &LifecycleError{Detail: "Instance called before Init"}
	}
	return singleton, nil
}

// resetSingletonForTest clears the process-wide Tracker so tests can
// exercise Init's double-init guard without cross-test contamination.
// Unexported: this is a test seam, not part of the public lifecycle.
func resetSingletonForTest() {
	singletonMu.Lock()
	defer singletonMu.Unlock()
	singleton = nil
}
