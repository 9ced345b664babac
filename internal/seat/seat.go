// Package seat implements §4.4's Seat: it owns the set of Displays bound to
// one physical seat, decides whether a user switch is satisfied by an
// existing Display or needs a new one, owns the guest-account lifecycle,
// runs the four hook scripts around display/session transitions, and
// reports display add/remove and its own stop to an optional Observer.
//
// Grounded in internal/sessionbroker.Broker's mutex-guarded slice-of-handles
// plus add/remove bookkeeping, narrowed to one seat's Displays instead of a
// broker's many sessions, and in the same package's synchronous
// request/reply style for decisions that must complete before the caller
// proceeds (switch_to_user, switch_to_guest).
package seat

import (
	"context"
	"fmt"
	"sync"

	"github.com/lightseat/logind-core/internal/audit"
	"github.com/lightseat/logind-core/internal/config"
	"github.com/lightseat/logind-core/internal/display"
	"github.com/lightseat/logind-core/internal/dsbackend"
	"github.com/lightseat/logind-core/internal/external"
	"github.com/lightseat/logind-core/internal/logging"
	"github.com/lightseat/logind-core/internal/scripthook"
)

var log = logging.L("seat")

// Observer receives the display-added/removed and stopped events a Seat
// reports (§6's bus-adapter seam: "display-added before the session exists
// on the bus and stopped before bus removal"). It is optional;
// DisplayManager does not install one.
type Observer interface {
	DisplayAdded(seatName string, d *display.Display)
	DisplayRemoved(seatName string, d *display.Display)
	Stopped(seatName string)
}

// BackendFactory builds the DisplayServerBackend for a freshly allocated
// Display. Seat variants (local, remote, VNC, XDMCP — §9's "Polymorphism
// over display servers") differ only in what this returns.
type BackendFactory func() (dsbackend.Backend, error)

// Config bundles what New needs to build one Seat.
type Config struct {
	Name           string
	SeatConfig     *config.SeatConfig
	BackendFactory BackendFactory
	Runner         display.Runner
	AuthFactory    display.AuthFactory
	Service        string

	HookRunner *scripthook.Runner
	Guest      external.GuestAccountProvisioner
	Notifier   Notifier
	Audit      *audit.Logger
	Observer   Observer

	// TestMode skips hook-script execution entirely (§4.4: "Script
	// execution is skipped entirely when the daemon is unprivileged").
	TestMode bool
}

// Seat is one physical seat's display set and policy engine (§3, §4.4).
type Seat struct {
	name        string
	cfg         *config.SeatConfig
	backendNew  BackendFactory
	runner      display.Runner
	authFactory display.AuthFactory
	service     string

	hooks    *scripthook.Runner
	guest    external.GuestAccountProvisioner
	notifier Notifier
	auditLog *audit.Logger
	observer Observer
	testMode bool

	mu            sync.Mutex
	displays      []*display.Display
	active        *display.Display
	guestUsername string
	stopping      bool
	stopped       bool
	stoppedCh     chan struct{}
	stopOnce      sync.Once
}

// New constructs a Seat with no Displays. Call Start (or let
// an initial switch_to_user/guest call allocate one) to bring it up.
func New(cfg Config) *Seat {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	guest := cfg.Guest
	if guest == nil {
		guest = external.NewNoopProvisioner()
	}

	return &Seat{
		name:        cfg.Name,
		cfg:         cfg.SeatConfig,
		backendNew:  cfg.BackendFactory,
		runner:      cfg.Runner,
		authFactory: cfg.AuthFactory,
		service:     cfg.Service,
		hooks:       cfg.HookRunner,
		guest:       guest,
		notifier:    notifier,
		auditLog:    cfg.Audit,
		observer:    cfg.Observer,
		testMode:    cfg.TestMode,
		stoppedCh:   make(chan struct{}),
	}
}

// Name returns the seat's configured name (e.g. "seat0").
func (s *Seat) Name() string { return s.name }

// Displays returns a snapshot of the seat's current Display set.
func (s *Seat) Displays() []*display.Display {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*display.Display, len(s.displays))
	copy(out, s.displays)
	return out
}

// Start brings up the seat's initial greeter display — the one always
// present per the daemon's configured seats (§6), distinct from the
// on-demand displays switch_to_user/switch_to_guest allocate.
func (s *Seat) Start(ctx context.Context) error {
	d, err := s.newDisplay()
	if err != nil {
		return fmt.Errorf("seat %s: %w", s.name, err)
	}

	hints := display.Hints{
		AllowGuest: s.cfg.AllowGuest && s.guest.Installed(),
		ShowGuest:  s.showGuestHint(),
		HideUsers:  s.cfg.GreeterHideUsers,
		ShowManual: s.cfg.GreeterShowManualLogin,
		ShowRemote: s.cfg.GreeterShowRemoteLogin,
	}
	d.SetHints(hints)

	if s.cfg.AutologinUser != "" || s.cfg.AutologinGuest {
		d.SetAutologin(&display.Autologin{
			User:           s.cfg.AutologinUser,
			IsGuest:        s.cfg.AutologinGuest,
			TimeoutSeconds: s.cfg.AutologinSessionTimeout,
		})
	}

	s.addDisplay(d)

	if err := d.Start(ctx); err != nil {
		s.removeDisplay(d)
		return fmt.Errorf("seat %s: start display: %w", s.name, err)
	}
	return nil
}

// SwitchToUser implements §4.4's switch_to_user: reuse an existing Display
// already showing u, or allocate and start a fresh one.
func (s *Seat) SwitchToUser(ctx context.Context, username, sessionName string) error {
	if d := s.findByUsername(username); d != nil {
		s.activate(d)
		return nil
	}

	d, err := s.newDisplay()
	if err != nil {
		return fmt.Errorf("seat %s: switch_to_user: %w", s.name, err)
	}
	d.SetAutologin(nil)
	d.SetHints(display.Hints{
		SelectUser: username,
		IsGuest:    false,
		AllowGuest: s.cfg.AllowGuest && s.guest.Installed(),
		ShowGuest:  s.showGuestHint(),
	})

	s.addDisplay(d)
	if err := d.Start(ctx); err != nil {
		s.removeDisplay(d)
		return fmt.Errorf("seat %s: switch_to_user: start display: %w", s.name, err)
	}
	s.activate(d)
	return nil
}

// SwitchToGreeter implements §4.4's switch-to-greeter: same decision as
// SwitchToUser with an empty target username, matching the first Display
// currently showing a greeter (no authenticated user yet).
func (s *Seat) SwitchToGreeter(ctx context.Context) error {
	if d := s.findByUsername(""); d != nil {
		s.activate(d)
		return nil
	}

	d, err := s.newDisplay()
	if err != nil {
		return fmt.Errorf("seat %s: switch_to_greeter: %w", s.name, err)
	}
	d.SetAutologin(nil)
	d.SetHints(display.Hints{
		AllowGuest: s.cfg.AllowGuest && s.guest.Installed(),
		ShowGuest:  s.showGuestHint(),
	})

	s.addDisplay(d)
	if err := d.Start(ctx); err != nil {
		s.removeDisplay(d)
		return fmt.Errorf("seat %s: switch_to_greeter: start display: %w", s.name, err)
	}
	s.activate(d)
	return nil
}

// SwitchToGuest implements §4.4's switch_to_guest: reuse the Display
// already running as guest_username, or start a fresh guest autologin
// Display. Gated on allow_guest ∧ guest_account_is_installed().
func (s *Seat) SwitchToGuest(ctx context.Context) error {
	if !s.cfg.AllowGuest || !s.guest.Installed() {
		return fmt.Errorf("seat %s: guest switching not available", s.name)
	}

	s.mu.Lock()
	guestUser := s.guestUsername
	s.mu.Unlock()

	if guestUser != "" {
		if d := s.findByUsername(guestUser); d != nil {
			s.activate(d)
			return nil
		}
	}

	d, err := s.newDisplay()
	if err != nil {
		return fmt.Errorf("seat %s: switch_to_guest: %w", s.name, err)
	}
	d.SetAutologin(&display.Autologin{IsGuest: true})
	d.SetHints(display.Hints{AllowGuest: true, ShowGuest: s.showGuestHint()})

	s.addDisplay(d)
	if err := d.Start(ctx); err != nil {
		s.removeDisplay(d)
		return fmt.Errorf("seat %s: switch_to_guest: start display: %w", s.name, err)
	}
	s.activate(d)
	return nil
}

// Stop implements §4.4's stop(): sets stopping=true and stops every
// Display. stopped fires once displays is empty and stopping is true, at
// most once.
func (s *Seat) Stop() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	displays := make([]*display.Display, len(s.displays))
	copy(displays, s.displays)
	s.mu.Unlock()

	if len(displays) == 0 {
		s.checkStopped()
		return
	}
	for _, d := range displays {
		d.Stop()
	}
}

// Done closes once the seat has emitted stopped.
func (s *Seat) Done() <-chan struct{} { return s.stoppedCh }

func (s *Seat) newDisplay() (*display.Display, error) {
	backend, err := s.backendNew()
	if err != nil {
		return nil, fmt.Errorf("build display-server backend: %w", err)
	}

	d := display.New(display.Config{
		Backend:            backend,
		Runner:             s.runner,
		Handlers:           &seatHandlers{seat: s},
		AuthFactory:        s.authFactory,
		Service:            s.service,
		GreeterSessionName: s.cfg.GreeterSession,
		UserSessionName:    s.cfg.UserSession,
	})
	return d, nil
}

func (s *Seat) addDisplay(d *display.Display) {
	s.mu.Lock()
	s.displays = append(s.displays, d)
	s.mu.Unlock()

	s.auditLog.Log(audit.EventDisplayAdded, s.name, nil)
	if s.observer != nil {
		s.observer.DisplayAdded(s.name, d)
	}

	go s.watchDisplay(d)
}

func (s *Seat) watchDisplay(d *display.Display) {
	<-d.Done()
	s.removeDisplay(d)
	s.checkStopped()
}

func (s *Seat) removeDisplay(d *display.Display) {
	s.mu.Lock()
	for i, cur := range s.displays {
		if cur == d {
			s.displays = append(s.displays[:i], s.displays[i+1:]...)
			break
		}
	}
	if s.active == d {
		s.active = nil
	}
	s.mu.Unlock()

	s.auditLog.Log(audit.EventDisplayRemoved, s.name, nil)
	if s.observer != nil {
		s.observer.DisplayRemoved(s.name, d)
	}
}

func (s *Seat) checkStopped() {
	s.mu.Lock()
	stopping := s.stopping
	empty := len(s.displays) == 0
	already := s.stopped
	if stopping && empty && !already {
		s.stopped = true
	}
	shouldFire := stopping && empty && !already
	s.mu.Unlock()

	if shouldFire {
		s.stopOnce.Do(func() {
			close(s.stoppedCh)
		})
		if s.observer != nil {
			s.observer.Stopped(s.name)
		}
	}
}

// showGuestHint reports whether a greeter attached to this seat should
// advertise a guest-session option in its UI (§6's "greeter-allow-guest"),
// distinct from AllowGuest, which gates whether AUTHENTICATE_AS_GUEST
// actually succeeds.
func (s *Seat) showGuestHint() bool {
	return s.cfg.GreeterAllowGuest && s.guest.Installed()
}

// findByUsername returns the first Display whose active username equals
// username ("" matches a Display still showing its greeter), or nil.
func (s *Seat) findByUsername(username string) *display.Display {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.displays {
		if d.GetUsername() == username {
			return d
		}
	}
	return nil
}

// activate makes d the seat's active Display, unlocking it for the next
// greeter per §4.3's lock()/unlock() hint contract.
func (s *Seat) activate(d *display.Display) {
	s.mu.Lock()
	s.active = d
	s.mu.Unlock()
	d.Unlock()
}

// Active returns the seat's currently active Display, or nil.
func (s *Seat) Active() *display.Display {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
