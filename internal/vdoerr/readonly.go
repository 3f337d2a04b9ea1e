package vdoerr

import "sync"

// ReadOnlyNotifier replaces the source's singleton global notifier (spec
// §9 "read-only notifier (global-state broadcast) → message bus") with an
// explicit fan-out: every mutating subsystem holds a *ReadOnlyNotifier and
// calls Trip when it observes a fatal error; a single sink subscribes once
// per zone and cascades the transition into that zone's own Machine.
type ReadOnlyNotifier struct {
	mu          sync.Mutex
	subscribers []chan struct{}
	tripped     bool
}

// NewReadOnlyNotifier returns an untripped notifier.
func NewReadOnlyNotifier() *ReadOnlyNotifier {
	return &ReadOnlyNotifier{}
}

// Subscribe registers a new listener. The returned channel is closed
// exactly once, the first time Trip succeeds (or immediately, if the
// notifier had already tripped before Subscribe was called).
func (n *ReadOnlyNotifier) Subscribe() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{})
	if n.tripped {
		close(ch)
		return ch
	}
	n.subscribers = append(n.subscribers, ch)
	return ch
}

// Trip closes every subscriber channel exactly once. Calling Trip again
// after the notifier has already tripped is a harmless no-op, so callers
// do not need to coordinate who trips first.
func (n *ReadOnlyNotifier) Trip() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.tripped {
		return
	}
	n.tripped = true
	for _, ch := range n.subscribers {
		close(ch)
	}
	n.subscribers = nil
}

// Tripped reports whether Trip has ever been called.
func (n *ReadOnlyNotifier) Tripped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tripped
}
