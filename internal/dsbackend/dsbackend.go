// Package dsbackend implements the DisplayServerBackend trait design note
// §9 introduces in place of the teacher lineage's class-inheritance split
// across seat/display-server variants (§9 "Polymorphism over display
// servers"). Display is generic over this interface; Seat variants (only
// xlocal is implemented here — VNC/XDMCP are out of scope per §1) build
// the concrete backend a new Display should drive.
package dsbackend

import "context"

// EventKind distinguishes the two asynchronous notifications a backend can
// raise; everything else about a backend is queried synchronously.
type EventKind int

const (
	// EventReady fires once the display server has finished initializing
	// and can host a greeter or session (§4.3's DISPLAY_SERVER_READY
	// transition).
	EventReady EventKind = iota
	// EventStopped fires when the display server process exits, whether
	// cleanly or by crash (§4.3's "Display-server crash before READY").
	EventStopped
)

// Event is one notification posted on a Backend's Events channel.
type Event struct {
	Kind EventKind
	Err  error // non-nil only for EventStopped following a crash
}

// Backend is the capability trait a Display drives (§9). Start and Stop
// may return before the underlying process has actually transitioned —
// callers wait for the corresponding Event.
type Backend interface {
	// Start launches the display server subprocess.
	Start(ctx context.Context) error
	// Stop terminates the display server subprocess. Idempotent.
	Stop(ctx context.Context) error
	// IsReady reports whether EventReady has fired and EventStopped has not.
	IsReady() bool
	// VT returns the virtual terminal number the backend is running on, or
	// -1 if the backend has none (§9's "stray unused vt" open question —
	// this accessor is how a real caller would use it, were it wired up).
	VT() int
	// Address returns the display address (e.g. ":0") once ready, or "".
	Address() string
	// XAuthority returns the path to the Xauthority file backing this
	// display, or "" if the backend has none.
	XAuthority() string
	// Events delivers Ready/Stopped notifications. Closed after EventStopped
	// has been delivered exactly once.
	Events() <-chan Event
}
