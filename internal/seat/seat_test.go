package seat_test

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightseat/logind-core/internal/authsession"
	"github.com/lightseat/logind-core/internal/config"
	"github.com/lightseat/logind-core/internal/display"
	"github.com/lightseat/logind-core/internal/dsbackend"
	"github.com/lightseat/logind-core/internal/external"
	"github.com/lightseat/logind-core/internal/pamauth"
	"github.com/lightseat/logind-core/internal/seat"
)

// fakeSession is the display.Session every StartUserSession call in this
// file hands back — a no-op process handle the test can stop on demand.
type fakeSession struct {
	done chan error
}

func newFakeSession() *fakeSession { return &fakeSession{done: make(chan error, 1)} }

func (s *fakeSession) Stop() error {
	select {
	case s.done <- nil:
	default:
	}
	return nil
}
func (s *fakeSession) Done() <-chan error { return s.done }

// fakeRunner spawns a live net.Pipe for every greeter (so Display's own
// greeter.Greeter has somewhere to read from without erroring) and a
// fakeSession for every user session, counting both.
type fakeRunner struct {
	greeterStarts int32
	sessionStarts int32
}

func (r *fakeRunner) StartGreeterProcess(d *display.Display) (io.ReadWriteCloser, error) {
	atomic.AddInt32(&r.greeterStarts, 1)
	server, _ := net.Pipe()
	return server, nil
}

func (r *fakeRunner) StartUserSession(d *display.Display, username string, isGuest bool, sessionName string, env map[string]string) (display.Session, error) {
	atomic.AddInt32(&r.sessionStarts, 1)
	return newFakeSession(), nil
}

// newReadyBackendFactory returns a seat.BackendFactory building a
// dsbackend.Test that reports ready on its own shortly after construction,
// the way a real display server reports readiness asynchronously.
func newReadyBackendFactory() seat.BackendFactory {
	n := 0
	return func() (dsbackend.Backend, error) {
		n++
		b := dsbackend.NewTest(fmt.Sprintf(":%d", n), n)
		go b.TriggerReady()
		return b, nil
	}
}

func authFactory(hostAuth pamauth.HostAuth, service string) display.AuthFactory {
	return func(username string, interactive bool, sink authsession.Sink) *authsession.AuthSession {
		return authsession.New(hostAuth, service, username, interactive, true, sink)
	}
}

// countingProvisioner records every Provision/Teardown call so tests can
// assert the seat's own caching (not the provisioner's) is what prevents
// reprovisioning.
type countingProvisioner struct {
	provisions int32
	teardowns  int32
	next       int32
}

func (p *countingProvisioner) Provision() (string, error) {
	atomic.AddInt32(&p.provisions, 1)
	n := atomic.AddInt32(&p.next, 1)
	return fmt.Sprintf("guest-%03d", n), nil
}
func (p *countingProvisioner) Teardown(string) error {
	atomic.AddInt32(&p.teardowns, 1)
	return nil
}
func (p *countingProvisioner) Installed() bool { return true }

var _ external.GuestAccountProvisioner = (*countingProvisioner)(nil)

func waitForDisplays(t *testing.T, s *seat.Seat, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(s.Displays()) == n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d displays, have %d", n, len(s.Displays()))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitForUsername(t *testing.T, d *display.Display, username string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if d.GetUsername() == username {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for display username %q, have %q", username, d.GetUsername())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// waitForNonGreeterDisplay polls until exactly one of the seat's displays
// has a non-empty username (i.e. its session has actually started), since
// right after a switch_to_guest call returns, the new display's autologin
// is still running asynchronously.
func waitForNonGreeterDisplay(t *testing.T, s *seat.Seat) *display.Display {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		for _, d := range s.Displays() {
			if d.GetUsername() != "" {
				return d
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a display with a logged-in user")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func newSeat(name string, cfg *config.SeatConfig, runner *fakeRunner, fake *pamauth.Fake, guest external.GuestAccountProvisioner) *seat.Seat {
	return seat.New(seat.Config{
		Name:           name,
		SeatConfig:     cfg,
		BackendFactory: newReadyBackendFactory(),
		Runner:         runner,
		AuthFactory:    authFactory(fake, "login"),
		Service:        "login",
		Guest:          guest,
		TestMode:       true, // skip hook scripts; none are configured below anyway
	})
}

// TestSwitchToGreeterReusesInitialDisplay covers §4.4's switch-to-greeter
// decision: the seat's initial display is already showing a greeter (no
// authenticated user), so switch_to_greeter must find it rather than
// allocate a second one.
func TestSwitchToGreeterReusesInitialDisplay(t *testing.T) {
	fake := pamauth.NewFake()
	cfg := &config.SeatConfig{Name: "seat0"}
	s := newSeat("seat0", cfg, &fakeRunner{}, fake, external.NewNoopProvisioner())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForDisplays(t, s, 1)
	initial := s.Displays()[0]

	if err := s.SwitchToGreeter(context.Background()); err != nil {
		t.Fatalf("switch to greeter: %v", err)
	}

	if got := len(s.Displays()); got != 1 {
		t.Fatalf("expected switch_to_greeter to reuse the existing display, got %d displays", got)
	}
	if s.Active() != initial {
		t.Fatalf("expected switch_to_greeter to activate the existing display")
	}
}

// TestSwitchToUserAllocatesNewDisplay covers the other half of §4.4's
// decision: no display is showing the target user, so a fresh one must be
// started alongside the existing greeter.
func TestSwitchToUserAllocatesNewDisplay(t *testing.T) {
	fake := pamauth.NewFake()
	fake.AddUser("alice", pamauth.FakeUser{Password: "", Result: pamauth.ResultSuccess})
	cfg := &config.SeatConfig{Name: "seat0"}
	s := newSeat("seat0", cfg, &fakeRunner{}, fake, external.NewNoopProvisioner())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForDisplays(t, s, 1)

	if err := s.SwitchToUser(context.Background(), "alice", ""); err != nil {
		t.Fatalf("switch to user: %v", err)
	}

	waitForDisplays(t, s, 2)
	if s.Active() == nil {
		t.Fatal("expected the new display to become active")
	}
}

// TestSwitchToGuestGatedOnAllowGuest covers §4.4's gate:
// allow_guest ∧ guest_account_is_installed().
func TestSwitchToGuestGatedOnAllowGuest(t *testing.T) {
	fake := pamauth.NewFake()
	cfg := &config.SeatConfig{Name: "seat0", AllowGuest: false}
	s := newSeat("seat0", cfg, &fakeRunner{}, fake, external.NewNoopProvisioner())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForDisplays(t, s, 1)

	if err := s.SwitchToGuest(context.Background()); err == nil {
		t.Fatal("expected switch_to_guest to fail when allow_guest is false")
	}
	if got := len(s.Displays()); got != 1 {
		t.Fatalf("expected no new display on a rejected guest switch, got %d", got)
	}
}

// TestGuestSwitchReusesProvisionedAccount covers §4.4's guest-account
// lifecycle (scenario S5): the first switch_to_guest provisions an
// account and starts its session; a second switch_to_guest call must find
// the live guest display rather than provisioning a second account.
func TestGuestSwitchReusesProvisionedAccount(t *testing.T) {
	fake := pamauth.NewFake()
	fake.AddUser("guest-001", pamauth.FakeUser{Password: "", Result: pamauth.ResultSuccess})
	guest := &countingProvisioner{}
	cfg := &config.SeatConfig{Name: "seat0", AllowGuest: true}
	runner := &fakeRunner{}
	s := newSeat("seat0", cfg, runner, fake, guest)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForDisplays(t, s, 1)

	if err := s.SwitchToGuest(context.Background()); err != nil {
		t.Fatalf("first switch to guest: %v", err)
	}
	waitForDisplays(t, s, 2)
	guestDisplay := waitForNonGreeterDisplay(t, s)
	waitForUsername(t, guestDisplay, "guest-001")

	if err := s.SwitchToGuest(context.Background()); err != nil {
		t.Fatalf("second switch to guest: %v", err)
	}

	if got := len(s.Displays()); got != 2 {
		t.Fatalf("expected the second switch_to_guest to reuse the live guest display, got %d displays", got)
	}
	if got := atomic.LoadInt32(&guest.provisions); got != 1 {
		t.Fatalf("expected exactly one guest account to be provisioned, got %d", got)
	}
	if s.Active() != guestDisplay {
		t.Fatal("expected the second switch_to_guest to activate the existing guest display")
	}
}

// TestGuestTeardownOnSessionStop covers the teardown half of the guest
// lifecycle: once the guest's session and display stop, the provisioned
// account is torn down and the seat forgets its guest username, so a
// subsequent switch provisions a fresh one.
func TestGuestTeardownOnSessionStop(t *testing.T) {
	fake := pamauth.NewFake()
	fake.AddUser("guest-001", pamauth.FakeUser{Password: "", Result: pamauth.ResultSuccess})
	fake.AddUser("guest-002", pamauth.FakeUser{Password: "", Result: pamauth.ResultSuccess})
	guest := &countingProvisioner{}
	cfg := &config.SeatConfig{Name: "seat0", AllowGuest: true}
	runner := &fakeRunner{}
	s := newSeat("seat0", cfg, runner, fake, guest)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForDisplays(t, s, 1)

	if err := s.SwitchToGuest(context.Background()); err != nil {
		t.Fatalf("switch to guest: %v", err)
	}
	waitForDisplays(t, s, 2)
	guestDisplay := waitForNonGreeterDisplay(t, s)
	waitForUsername(t, guestDisplay, "guest-001")

	guestDisplay.Stop()
	<-guestDisplay.Done()
	waitForDisplays(t, s, 1)

	deadline := time.After(time.Second)
	for atomic.LoadInt32(&guest.teardowns) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for guest account teardown")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := s.SwitchToGuest(context.Background()); err != nil {
		t.Fatalf("switch to guest after teardown: %v", err)
	}
	waitForDisplays(t, s, 2)
	if got := atomic.LoadInt32(&guest.provisions); got != 2 {
		t.Fatalf("expected a fresh account to be provisioned after teardown, got %d provisions", got)
	}
}

// TestStopWithNoDisplaysClosesDone covers the degenerate case of §4.4's
// stop(): a seat that never started any displays still reports stopped.
func TestStopWithNoDisplaysClosesDone(t *testing.T) {
	cfg := &config.SeatConfig{Name: "seat0"}
	s := newSeat("seat0", cfg, &fakeRunner{}, pamauth.NewFake(), external.NewNoopProvisioner())

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done to close immediately when no displays were ever started")
	}
}

// TestStopTearsDownAllDisplays covers §4.4's stop(): stopped fires only
// once every display the seat owns has itself stopped.
func TestStopTearsDownAllDisplays(t *testing.T) {
	fake := pamauth.NewFake()
	fake.AddUser("bob", pamauth.FakeUser{Password: "", Result: pamauth.ResultSuccess})
	cfg := &config.SeatConfig{Name: "seat0"}
	s := newSeat("seat0", cfg, &fakeRunner{}, fake, external.NewNoopProvisioner())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitForDisplays(t, s, 1)
	if err := s.SwitchToUser(context.Background(), "bob", ""); err != nil {
		t.Fatalf("switch to user: %v", err)
	}
	waitForDisplays(t, s, 2)

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for seat to stop")
	}
	if got := len(s.Displays()); got != 0 {
		t.Fatalf("expected every display to be torn down, %d remain", got)
	}
}

// TestHookScriptsSkippedInTestMode covers §4.4's "script execution is
// skipped entirely when the daemon is unprivileged": a seat configured
// with hook scripts pointing at paths that don't exist must still start
// cleanly in test mode, since the hooks are never actually invoked.
func TestHookScriptsSkippedInTestMode(t *testing.T) {
	fake := pamauth.NewFake()
	cfg := &config.SeatConfig{
		Name:                 "seat0",
		DisplaySetupScript:   "/nonexistent/display-setup",
		GreeterSetupScript:   "/nonexistent/greeter-setup",
		SessionSetupScript:   "/nonexistent/session-setup",
		SessionCleanupScript: "/nonexistent/session-cleanup",
	}
	s := newSeat("seat0", cfg, &fakeRunner{}, fake, external.NewNoopProvisioner())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v (hooks should have been skipped, not run)", err)
	}
	waitForDisplays(t, s, 1)
}
