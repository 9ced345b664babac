package seat

import (
	"context"
	"fmt"

	"github.com/lightseat/logind-core/internal/audit"
	"github.com/lightseat/logind-core/internal/display"
	"github.com/lightseat/logind-core/internal/scripthook"
)

// seatHandlers adapts one Seat to the display.Handlers upcalls its Displays
// make (§4.3's "upcalls, answered by the Seat"). A Seat owns several
// Displays, but each gets its own seatHandlers-to-Display binding only
// implicitly — the callbacks are parameterized by the Display pointer they
// arrive with, so one seatHandlers value serves every Display on the seat.
type seatHandlers struct {
	seat *Seat
}

var _ display.Handlers = (*seatHandlers)(nil)

// OnDisplayServerReady runs display-setup-script, no target user (§4.4).
func (h *seatHandlers) OnDisplayServerReady(d *display.Display) error {
	return h.seat.runHook(h.seat.cfg.DisplaySetupScript, scripthook.Context{})
}

// OnStartGreeter runs greeter-setup-script and emits login-session-start.
func (h *seatHandlers) OnStartGreeter(d *display.Display) error {
	if err := h.seat.runHook(h.seat.cfg.GreeterSetupScript, scripthook.Context{}); err != nil {
		return err
	}
	_ = h.seat.notifier.Notify("login-session-start", h.seat.name, "")
	return nil
}

// GetGuestUsername implements §4.4's guest-account lifecycle: the first
// call allocates an account and remembers it; later calls (for the same
// live guest Display) return the same username without reprovisioning.
func (h *seatHandlers) GetGuestUsername(d *display.Display) (string, error) {
	s := h.seat

	s.mu.Lock()
	existing := s.guestUsername
	s.mu.Unlock()
	if existing != "" {
		return existing, nil
	}

	if !s.guest.Installed() {
		return "", fmt.Errorf("seat %s: guest accounts are not installed", s.name)
	}

	username, err := s.guest.Provision()
	if err != nil {
		return "", fmt.Errorf("seat %s: provision guest account: %w", s.name, err)
	}

	s.mu.Lock()
	s.guestUsername = username
	s.mu.Unlock()

	s.auditLog.Log(audit.EventGuestProvisioned, username, map[string]any{"seat": s.name})
	return username, nil
}

// OnStartSession runs session-setup-script and emits desktop-session-start
// (§4.4). A non-nil return aborts the session start (S6).
func (h *seatHandlers) OnStartSession(d *display.Display, username string, isGuest bool) error {
	hctx := scripthook.Context{
		Username: username,
		Home:     homeDirFor(username),
		Seat:     h.seat.name,
	}
	if address, xauthority, ok := d.BackendAddress(); ok {
		hctx.Display = address
		hctx.XAuthority = xauthority
	}

	if err := h.seat.runHook(h.seat.cfg.SessionSetupScript, hctx); err != nil {
		return err
	}
	_ = h.seat.notifier.Notify("desktop-session-start", h.seat.name, username)
	return nil
}

// OnSessionStopped runs session-cleanup-script and, if username was the
// seat's guest account, tears it down and clears the field (§4.4).
func (h *seatHandlers) OnSessionStopped(d *display.Display, username string, isGuest bool) {
	hctx := scripthook.Context{
		Username: username,
		Home:     homeDirFor(username),
		Seat:     h.seat.name,
	}
	if err := h.seat.runHook(h.seat.cfg.SessionCleanupScript, hctx); err != nil {
		log.Warn("session-cleanup-script failed, continuing teardown anyway", "username", username, "error", err)
	}

	s := h.seat
	s.mu.Lock()
	isStoredGuest := isGuest && username != "" && username == s.guestUsername
	if isStoredGuest {
		s.guestUsername = ""
	}
	s.mu.Unlock()

	if isStoredGuest {
		if err := s.guest.Teardown(username); err != nil {
			log.Warn("guest account teardown failed", "username", username, "error", err)
		}
		s.auditLog.Log(audit.EventGuestTornDown, username, map[string]any{"seat": s.name})
	}
}

// OnStopped is a no-op: Seat learns of a Display's termination through
// watchDisplay's Done() channel, not this upcall, since OnStopped fires
// from inside Display's own goroutine and Seat needs to remove the Display
// from its slice only after Done() has actually closed.
func (h *seatHandlers) OnStopped(d *display.Display) {}

// runHook resolves path, skips entirely in test mode (§4.4), and returns an
// error — aborting whatever transition called it — on a non-zero exit or a
// failure to start the script at all.
func (s *Seat) runHook(path string, hctx scripthook.Context) error {
	if path == "" {
		return nil
	}
	if s.testMode {
		log.Debug("skipping hook script in test mode", "path", path)
		return nil
	}

	result, err := s.hooks.Run(context.Background(), path, hctx)
	if err != nil {
		s.auditLog.Log(audit.EventHookScriptFailed, hctx.Username, map[string]any{"path": path, "error": err.Error()})
		return fmt.Errorf("hook %s: %w", path, err)
	}
	if result.ExitCode != 0 {
		s.auditLog.Log(audit.EventHookScriptFailed, hctx.Username, map[string]any{"path": path, "exitCode": result.ExitCode})
		return fmt.Errorf("hook %s exited %d", path, result.ExitCode)
	}

	s.auditLog.Log(audit.EventHookScriptRun, hctx.Username, map[string]any{"path": path})
	return nil
}

// homeDirFor returns the conventional home directory for username, or ""
// for no user (scripthook.Context turns that into HOME=/ per §4.4).
func homeDirFor(username string) string {
	if username == "" {
		return ""
	}
	return "/home/" + username
}
