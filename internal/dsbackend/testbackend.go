package dsbackend

import (
	"context"
	"sync"
)

// Test is a deterministic, in-memory Backend for driving internal/display's
// tests without a real subprocess, grounded in
// original_source/tests/src/x-server.c's role as a fake server the test
// suite controls directly rather than a real X implementation.
type Test struct {
	mu         sync.Mutex
	started    bool
	stopped    bool
	ready      bool
	address    string
	vt         int
	xauthority string
	events     chan Event

	// StartErr, if set, is returned by Start instead of succeeding.
	StartErr error
}

// NewTest returns a Test backend reporting the given address/vt once
// TriggerReady is called.
func NewTest(address string, vt int) *Test {
	return &Test{
		address: address,
		vt:      vt,
		events:  make(chan Event, 4),
	}
}

func (t *Test) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.StartErr != nil {
		return t.StartErr
	}
	t.started = true
	return nil
}

func (t *Test) Stop(ctx context.Context) error {
	t.TriggerStopped(nil)
	return nil
}

// TriggerReady simulates the backend becoming ready, as a real process
// would report via EventReady.
func (t *Test) TriggerReady() {
	t.mu.Lock()
	if t.ready || t.stopped {
		t.mu.Unlock()
		return
	}
	t.ready = true
	t.mu.Unlock()
	t.events <- Event{Kind: EventReady}
}

// TriggerStopped simulates the backend process exiting, optionally crashing.
func (t *Test) TriggerStopped(err error) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.ready = false
	t.mu.Unlock()
	t.events <- Event{Kind: EventStopped, Err: err}
	close(t.events)
}

func (t *Test) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready && !t.stopped
}

func (t *Test) VT() int { return t.vt }

func (t *Test) Address() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.address
}

func (t *Test) XAuthority() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.xauthority
}

func (t *Test) Events() <-chan Event {
	return t.events
}

// Started reports whether Start has been called, for test assertions.
func (t *Test) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}
