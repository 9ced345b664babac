package seat

import (
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/journal"
)

// Notifier delivers upstart-style one-shot broadcasts (§4.4): login-session-
// start when a greeter comes up, desktop-session-start when a user session
// comes up. The original target was Upstart's initctl emit; nothing in this
// stack runs Upstart, so the systemd implementation substitutes the closest
// fire-and-forget equivalents available on a systemd host — a STATUS= bump
// over the sd_notify socket and a journal entry — both best-effort.
type Notifier interface {
	Notify(event, seat, username string) error
}

// NoopNotifier drops every notification, the test-mode default (§4.1).
type NoopNotifier struct{}

func (NoopNotifier) Notify(event, seat, username string) error { return nil }

// SystemdNotifier posts event notifications via sd_notify and the journal.
// Constructed unconditionally; every call degrades to a logged no-op when
// NOTIFY_SOCKET isn't set or the journal socket is unreachable, matching
// §4.4's "failure is ignored".
type SystemdNotifier struct{}

// NewSystemdNotifier returns a SystemdNotifier. There is nothing to
// initialize — go-systemd resolves the notify/journal sockets per-call.
func NewSystemdNotifier() *SystemdNotifier {
	return &SystemdNotifier{}
}

func (n *SystemdNotifier) Notify(event, seat, username string) error {
	status := fmt.Sprintf("STATUS=%s seat=%s user=%s", event, seat, username)
	if _, err := daemon.SdNotify(false, status); err != nil {
		log.Debug("sd_notify failed, ignoring", "event", event, "error", err)
	}

	if err := journal.Send(fmt.Sprintf("%s: seat=%s user=%s", event, seat, username), journal.PriInfo, map[string]string{
		"LOGIND_CORE_EVENT": event,
		"LOGIND_CORE_SEAT":  seat,
		"LOGIND_CORE_USER":  username,
	}); err != nil {
		log.Debug("journal notify failed, ignoring", "event", event, "error", err)
	}

	return nil
}
