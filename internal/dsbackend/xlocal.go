package dsbackend

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/lightseat/logind-core/internal/logging"
)

var log = logging.L("dsbackend")

// XLocalConfig configures an XLocal backend. Grounded in
// original_source/src/seat-xlocal.c's seat_xlocal_create_display_server:
// command selection, VT assignment, and Xauthority path are the properties
// that function reads off the seat before constructing an XServerLocal.
type XLocalConfig struct {
	// Command is the display-server binary to exec (seat's
	// "xserver-command" property). Defaults to "X".
	Command string
	// VT is the virtual terminal to bind. A value <= 0 (e.g. -1) passes
	// no vt argument, leaving the choice to the display server. This
	// implementation does not itself allocate VTs (no vt.c equivalent
	// exists in this rewrite); a caller that cares must supply one.
	VT int
	// AuthDir is the directory an Xauthority file is written under.
	AuthDir string
	// ReadyTimeout bounds how long Start waits for the Xauthority file to
	// appear before giving up and reporting EventStopped.
	ReadyTimeout time.Duration
}

// XLocal is a DisplayServerBackend driving a local X-like display server
// process. Display-server subprocess management is out of scope for the
// core per §1 ("treated as an external collaborator") — this is the thin
// process-lifecycle shim the Display state machine needs to exist against
// something concrete, not a full X server manager.
type XLocal struct {
	cfg XLocalConfig

	mu         sync.Mutex
	cmd        *exec.Cmd
	ready      bool
	address    string
	xauthority string
	events     chan Event
	stopped    bool
}

// NewXLocal constructs an XLocal backend from cfg. display is the display
// number to request (e.g. 0 for ":0").
func NewXLocal(cfg XLocalConfig, display int) *XLocal {
	if cfg.Command == "" {
		cfg.Command = "X"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 10 * time.Second
	}
	return &XLocal{
		cfg:     cfg,
		address: fmt.Sprintf(":%d", display),
		events:  make(chan Event, 2),
	}
}

// Start execs the display-server binary and waits, in the background, for
// its Xauthority file to appear as the readiness signal — the closest
// process-visible proxy for "the server accepted its first connection"
// available without linking against the real X protocol.
func (x *XLocal) Start(ctx context.Context) error {
	x.mu.Lock()
	if x.cmd != nil {
		x.mu.Unlock()
		return fmt.Errorf("dsbackend: xlocal already started")
	}

	authDir := x.cfg.AuthDir
	if authDir == "" {
		authDir = os.TempDir()
	}
	x.xauthority = filepath.Join(authDir, fmt.Sprintf(".Xauthority-%s", sanitizeAddress(x.address)))

	args := []string{x.address}
	if x.cfg.VT > 0 {
		args = append(args, fmt.Sprintf("vt%d", x.cfg.VT))
	}
	args = append(args, "-auth", x.xauthority)

	cmd := exec.CommandContext(ctx, x.cfg.Command, args...)
	x.cmd = cmd
	x.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("dsbackend: start %s: %w", x.cfg.Command, err)
	}

	log.Info("xlocal display server starting", "command", x.cfg.Command, "address", x.address, "vt", x.cfg.VT)

	go x.waitReady()
	go x.waitExit()

	return nil
}

func (x *XLocal) waitReady() {
	deadline := time.Now().Add(x.cfg.ReadyTimeout)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(x.xauthority); err == nil {
			x.mu.Lock()
			already := x.ready || x.stopped
			x.ready = true
			x.mu.Unlock()
			if !already {
				log.Info("xlocal display server ready", "address", x.address)
				x.events <- Event{Kind: EventReady}
			}
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Warn("xlocal display server did not become ready in time", "address", x.address, "timeout", x.cfg.ReadyTimeout)
	// Killing the process lets waitExit report EventStopped.
	_ = x.Stop(context.Background())
}

func (x *XLocal) waitExit() {
	err := x.cmd.Wait()

	x.mu.Lock()
	if x.stopped {
		x.mu.Unlock()
		return
	}
	x.stopped = true
	x.ready = false
	x.mu.Unlock()

	if err != nil {
		log.Warn("xlocal display server exited", "address", x.address, "error", err)
	} else {
		log.Info("xlocal display server exited", "address", x.address)
	}
	x.events <- Event{Kind: EventStopped, Err: err}
	close(x.events)
}

// Stop terminates the display server process. Idempotent.
func (x *XLocal) Stop(ctx context.Context) error {
	x.mu.Lock()
	cmd := x.cmd
	alreadyStopped := x.stopped
	x.mu.Unlock()

	if cmd == nil || alreadyStopped {
		return nil
	}
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// IsReady reports whether the Xauthority file has appeared and the process
// hasn't since exited.
func (x *XLocal) IsReady() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ready && !x.stopped
}

// VT returns the virtual terminal configured for this display, or -1.
//
// The original seat_xlocal_create_display_server initializes its local vt
// variable to -1 and only ever reassigns it from Plymouth's active-VT probe
// or vt_get_unused() — both absent from this rewrite, since VT/Plymouth
// coordination is display-server subprocess management (§1 non-goal). This
// accessor preserves the *shape* of that field without the dead
// `if (vt > 0)` debug branch §9's Open Questions call out as unreproduced.
func (x *XLocal) VT() int {
	if x.cfg.VT > 0 {
		return x.cfg.VT
	}
	return -1
}

// Address returns the X display address, e.g. ":0".
func (x *XLocal) Address() string {
	return x.address
}

// XAuthority returns the path to this display's Xauthority file.
func (x *XLocal) XAuthority() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.xauthority
}

// Events delivers Ready/Stopped notifications.
func (x *XLocal) Events() <-chan Event {
	return x.events
}

func sanitizeAddress(addr string) string {
	out := make([]byte, 0, len(addr))
	for _, c := range []byte(addr) {
		if c == ':' || c == '/' {
			out = append(out, '_')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
