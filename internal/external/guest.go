// Package external collects the small platform-provisioning seams a Seat
// calls into but does not implement itself — account creation for the
// guest-session feature is genuinely OS-specific (useradd/userdel, a
// skeleton home directory, tmpfs home mounts) and out of this core's scope
// per §1's "guest-account shell helpers". Grounded in internal/privilege's
// pattern of a tiny interface in front of an OS-specific concern.
package external

import "fmt"

// GuestAccountProvisioner allocates and tears down the one-shot account a
// guest session runs as (§4.4's guest-account lifecycle).
type GuestAccountProvisioner interface {
	// Provision returns the username of a freshly created (or reused)
	// guest account, or an error if the host has none available.
	Provision() (username string, err error)
	// Teardown removes the account and its home directory. Called once
	// the guest's session has stopped.
	Teardown(username string) error
	// Installed reports whether the host is capable of guest accounts at
	// all (§4.4's "guest_account_is_installed()" gate).
	Installed() bool
}

// NoopProvisioner synthesizes sequential "guest-NNN" usernames without
// touching the host — the test-mode default (§4.1's unprivileged branches).
type NoopProvisioner struct {
	next int
}

// NewNoopProvisioner returns a NoopProvisioner ready to mint guest usernames.
func NewNoopProvisioner() *NoopProvisioner {
	return &NoopProvisioner{next: 1}
}

func (p *NoopProvisioner) Provision() (string, error) {
	p.next++
	return fmt.Sprintf("guest-%03d", p.next-1), nil
}

func (p *NoopProvisioner) Teardown(username string) error { return nil }

func (p *NoopProvisioner) Installed() bool { return true }
