// Package display implements the per-slot state machine described in §4.3:
// it orchestrates display-server readiness, greeter start, authentication,
// and user-session start/stop for one login "slot" on a Seat.
//
// Grounded in internal/heartbeat's per-event handler split and
// internal/sessionbroker.Session's lifecycle bookkeeping, narrowed here to
// the acyclic state chain §4.3 draws rather than a generic connection
// lifecycle. State is guarded by a mutex and driven from one watcher
// goroutine per event source (backend, user session), plus greeter and
// AuthSession callbacks and the autologin timer.
package display

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lightseat/logind-core/internal/authsession"
	"github.com/lightseat/logind-core/internal/dsbackend"
	"github.com/lightseat/logind-core/internal/greeter"
	"github.com/lightseat/logind-core/internal/greeterwire"
	"github.com/lightseat/logind-core/internal/logging"
	"github.com/lightseat/logind-core/internal/pamauth"
)

var log = logging.L("display")

// State is one node of §4.3's acyclic chain (initial and terminal STOPPED).
type State int

const (
	StateStopped State = iota
	StateDisplayServerReady
	StateGreeterStarted
	StateGreeterAuthed
	StateUserSessionStarted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateDisplayServerReady:
		return "DISPLAY_SERVER_READY"
	case StateGreeterStarted:
		return "GREETER_STARTED"
	case StateGreeterAuthed:
		return "GREETER_AUTHED"
	case StateUserSessionStarted:
		return "USER_SESSION_STARTED"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Hints mirrors the Data Model's Display.hints (§3), the properties a
// Seat sets on a Display before or while a greeter is attached to it.
type Hints struct {
	SelectUser string
	IsGuest    bool
	HideUsers  bool
	ShowManual bool
	ShowRemote bool
	Lock       bool

	// AllowGuest is the server-side authorization gate: whether
	// AUTHENTICATE_AS_GUEST may actually succeed (§6's "allow-guest").
	AllowGuest bool

	// ShowGuest is the greeter-facing "allow-guest" wire hint (§6's
	// "greeter-allow-guest"): whether the greeter UI should offer a guest
	// option at all. Distinct from AllowGuest — a seat can authorize guest
	// logins without advertising the option in every greeter's UI.
	ShowGuest bool
}

// Autologin mirrors Display.autologin (§3).
type Autologin struct {
	User           string
	IsGuest        bool
	TimeoutSeconds int
}

// Session is the user-session process handle Display supervises once
// started. Process spawning itself is an external collaborator (§1's
// "display-server subprocess management" non-goal; §2's "spawned by
// display-server-specific subclasses (external)") — this is only the
// seam Display needs to wait on and stop it.
type Session interface {
	Stop() error
	Done() <-chan error // fires once, nil error on a clean exit
}

// Runner spawns the subprocess-level collaborators Display orchestrates
// but does not itself own: the greeter pipe pair and the user session
// process.
type Runner interface {
	// StartGreeterProcess spawns the greeter subprocess for d and returns
	// the pipe pair Display frames with internal/greeterwire.
	StartGreeterProcess(d *Display) (io.ReadWriteCloser, error)
	// StartUserSession spawns the session process for username running
	// sessionName (resolved to the configured default if the greeter asked
	// for ""), with env exported into it (§4.1's get_envlist, merged with
	// the auth library's own environment additions by the caller before
	// this is invoked).
	StartUserSession(d *Display, username string, isGuest bool, sessionName string, env map[string]string) (Session, error)
}

// Handlers are the upcalls Display makes into its owning Seat (§4.3's
// "event emissions ... the last three are upcalls, answered by the Seat").
// All methods run synchronously on the goroutine that delivered the
// triggering event (a watcher, a greeter or AuthSession callback, or the
// autologin timer) and must not block for long.
type Handlers interface {
	// OnDisplayServerReady fires once the backend reports EventReady.
	// Seat runs display-setup-script here; a non-nil error aborts startup
	// straight to STOPPING (§4.3's failure semantics, §4.4's hook gate).
	OnDisplayServerReady(d *Display) error
	// OnStartGreeter fires just before the greeter subprocess would be
	// spawned. Seat runs greeter-setup-script and the login-session-start
	// notification here.
	OnStartGreeter(d *Display) error
	// GetGuestUsername upcalls Seat to synthesize or reuse a guest account
	// (§4.3's guest path, §4.4's guest-account lifecycle).
	GetGuestUsername(d *Display) (string, error)
	// OnStartSession fires once authentication has succeeded and before
	// the user session process actually starts. Seat runs
	// session-setup-script and the desktop-session-start notification; a
	// non-nil error aborts without starting the session (S6).
	OnStartSession(d *Display, username string, isGuest bool) error
	// OnSessionStopped fires after the user session has stopped, for any
	// reason. Seat runs session-cleanup-script and, if username is the
	// seat's guest_username, the guest-teardown hook.
	OnSessionStopped(d *Display, username string, isGuest bool)
	// OnStopped fires exactly once when Display reaches STOPPED.
	OnStopped(d *Display)
}

// AuthFactory builds the AuthSession backing one conversation, closing
// over the host authentication stack Display was constructed with.
type AuthFactory func(username string, interactive bool, sink authsession.Sink) *authsession.AuthSession

// Config bundles what New needs to build one Display.
type Config struct {
	Backend     dsbackend.Backend
	Runner      Runner
	Handlers    Handlers
	AuthFactory AuthFactory
	Service     string // PAM-style service name (e.g. "lightdm")

	GreeterSessionName string
	UserSessionName    string
}

// Display is one login slot's state machine (§3, §4.3).
type Display struct {
	backend     dsbackend.Backend
	runner      Runner
	handlers    Handlers
	authFactory AuthFactory
	service     string

	mu                 sync.Mutex
	state              State
	hints              Hints
	autologin          *Autologin
	greeterSessionName string
	userSessionName    string

	greeter     *greeter.Greeter
	greeterPipe io.ReadWriteCloser
	autoSession *authsession.AuthSession
	session     Session
	username    string
	isGuest     bool

	autologinTimer *time.Timer
	tornDown       bool // true once fail() has claimed teardown, regardless of state's label
	stopped        chan struct{}
}

// New constructs a Display in state STOPPED. Call Start to bring up the
// display server.
func New(cfg Config) *Display {
	return &Display{
		backend:            cfg.Backend,
		runner:             cfg.Runner,
		handlers:           cfg.Handlers,
		authFactory:        cfg.AuthFactory,
		service:            cfg.Service,
		greeterSessionName: cfg.GreeterSessionName,
		userSessionName:    cfg.UserSessionName,
		state:              StateStopped,
		stopped:            make(chan struct{}),
	}
}

// SetHints replaces the hint set a next-connecting greeter will see.
func (d *Display) SetHints(h Hints) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hints = h
}

// SetAutologin configures (or clears, with nil) this display's autologin
// policy. Only meaningful before Start.
func (d *Display) SetAutologin(a *Autologin) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autologin = a
}

// Lock sets a hint for the next greeter that this display is returning
// from a locked session, per §4.3's "lock(): emits a hint to next greeter".
func (d *Display) Lock() {
	d.mu.Lock()
	d.hints.Lock = true
	d.mu.Unlock()
}

// Unlock clears the lock hint.
func (d *Display) Unlock() {
	d.mu.Lock()
	d.hints.Lock = false
	d.mu.Unlock()
}

// GetIsReady reports whether the display has reached a user-facing state
// (greeter displayed or session running).
func (d *Display) GetIsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateGreeterStarted || d.state == StateGreeterAuthed || d.state == StateUserSessionStarted
}

// GetIsStopped reports whether Display has reached its terminal state.
func (d *Display) GetIsStopped() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateStopped
}

// GetUsername returns the username of the active session, or "" if none.
func (d *Display) GetUsername() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.username
}

// GetSession returns the active user Session, or nil.
func (d *Display) GetSession() Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

// State returns the current state, mostly useful for tests and logging.
func (d *Display) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// BackendAddress returns the display-server's address and Xauthority path
// if it is ready to expose one (§4.4's hook environment: "if the display
// server exposes a display address, DISPLAY, XAUTHORITY ... where
// applicable").
func (d *Display) BackendAddress() (address, xauthority string, ok bool) {
	if !d.backend.IsReady() {
		return "", "", false
	}
	return d.backend.Address(), d.backend.XAuthority(), true
}

// Start launches the display-server backend. Transitions happen
// asynchronously as the backend, greeter, and AuthSession post events.
func (d *Display) Start(ctx context.Context) error {
	if err := d.backend.Start(ctx); err != nil {
		return fmt.Errorf("display: start backend: %w", err)
	}
	go d.watchBackend(ctx)
	return nil
}

func (d *Display) watchBackend(ctx context.Context) {
	for ev := range d.backend.Events() {
		switch ev.Kind {
		case dsbackend.EventReady:
			d.onBackendReady(ctx)
		case dsbackend.EventStopped:
			d.onBackendStopped(ev.Err)
		}
	}
}

func (d *Display) onBackendReady(ctx context.Context) {
	d.mu.Lock()
	if d.state != StateStopped {
		d.mu.Unlock()
		return
	}
	d.state = StateDisplayServerReady
	autologin := d.autologin
	d.mu.Unlock()

	if err := d.handlers.OnDisplayServerReady(d); err != nil {
		log.Warn("display-setup hook failed", "error", err)
		d.fail(err)
		return
	}

	wantsAutologin := autologin != nil && (autologin.User != "" || autologin.IsGuest)

	if wantsAutologin && autologin.TimeoutSeconds <= 0 {
		d.startAutologin(autologin.User, autologin.IsGuest)
		return
	}

	if err := d.startGreeter(ctx); err != nil {
		log.Warn("failed to start greeter", "error", err)
		d.fail(err)
		return
	}

	if wantsAutologin && autologin.TimeoutSeconds > 0 {
		d.mu.Lock()
		d.autologinTimer = time.AfterFunc(time.Duration(autologin.TimeoutSeconds)*time.Second, func() {
			d.onAutologinTimeout(autologin.User, autologin.IsGuest)
		})
		d.mu.Unlock()
	}
}

func (d *Display) onBackendStopped(err error) {
	d.mu.Lock()
	tornDown := d.tornDown
	d.mu.Unlock()

	// tornDown, not state, is the guard: the initial STOPPED (never
	// started) and the final STOPPED (fully torn down) share one State
	// value, so state alone can't tell a pre-READY crash from a no-op.
	if tornDown {
		return
	}

	// Display-server crash before READY, or at any later point: §4.3
	// "Display-server crash before READY ⇒ Display goes straight to
	// STOPPING." A crash after readiness is handled the same way — there
	// is nothing left to host a greeter or session against. This also
	// completes an explicit Stop()'s teardown once the backend actually
	// reports it has exited.
	if err != nil {
		log.Warn("display server stopped unexpectedly", "error", err)
	}
	d.fail(err)
}

func (d *Display) onAutologinTimeout(user string, isGuest bool) {
	d.mu.Lock()
	if d.state != StateGreeterStarted {
		d.mu.Unlock()
		return
	}
	g := d.greeter
	d.mu.Unlock()

	log.Info("autologin timeout expired, switching to silent auth", "user", user)
	if g != nil {
		_ = d.greeterPipe.Close() // tears down greeter.Run's Recv loop
	}
	d.startAutologin(user, isGuest)
}

// startAutologin drives an AuthSession directly, bypassing the greeter
// (§4.3's autologin path). Display itself is the authsession.Sink. For the
// guest case, the guest username is resolved through the same upcall the
// greeter-driven guest path uses (§4.4's guest-account lifecycle) before
// the AuthSession is created.
func (d *Display) startAutologin(user string, isGuest bool) {
	if isGuest {
		guestUser, err := d.handlers.GetGuestUsername(d)
		if err != nil {
			d.fail(fmt.Errorf("display: get_guest_username: %w", err))
			return
		}
		user = guestUser
	}

	d.mu.Lock()
	d.greeter = nil
	d.isGuest = isGuest
	d.mu.Unlock()

	session := d.authFactory(user, true, d)
	d.mu.Lock()
	d.autoSession = session
	d.mu.Unlock()

	if err := session.Authenticate(); err != nil {
		d.fail(fmt.Errorf("display: autologin authenticate: %w", err))
		return
	}
}

// Post implements authsession.Sink for the autologin path (§4.1's
// conversation protocol). The autologin AuthSession is created interactive
// so that its prompts reach this method; with no user present, every
// prompt is answered with an empty response the same way Greeter elides an
// all-info batch.
func (d *Display) Post(ev authsession.Event) {
	switch ev.Kind {
	case authsession.EventGotMessages:
		d.mu.Lock()
		session := d.autoSession
		d.mu.Unlock()
		if session != nil {
			_ = session.Respond(make([]string, len(ev.Messages)))
		}
	case authsession.EventAuthenticationResult:
		d.onAutologinResult(ev.Result)
	}
}

func (d *Display) onAutologinResult(result pamauth.Result) {
	d.mu.Lock()
	session := d.autoSession
	d.mu.Unlock()
	if session == nil {
		return
	}
	session.FinishResult(result)

	if result != pamauth.ResultSuccess {
		d.fail(fmt.Errorf("display: autologin failed: %s", result))
		return
	}

	d.mu.Lock()
	user := session.Username()
	isGuest := d.isGuest
	d.mu.Unlock()
	d.beginUserSession(user, isGuest, "")
}

func (d *Display) startGreeter(ctx context.Context) error {
	pipe, err := d.runner.StartGreeterProcess(d)
	if err != nil {
		return fmt.Errorf("display: spawn greeter: %w", err)
	}
	if err := d.handlers.OnStartGreeter(d); err != nil {
		pipe.Close()
		return fmt.Errorf("display: greeter-setup hook: %w", err)
	}

	d.mu.Lock()
	hints := d.hints
	sessionName := d.greeterSessionName
	d.mu.Unlock()

	g := greeter.New(greeterwire.NewConn(pipe, pipe), d.service, d.greeterAuthFactory, d)
	g.SetAllowGuest(hints.AllowGuest)
	g.SetDefaultSessionName(sessionName)
	if hints.SelectUser != "" {
		g.SetHint("select-user", hints.SelectUser)
		g.SetHint("select-user-is-guest", boolHint(hints.IsGuest))
	}
	g.SetHint("hide-users", boolHint(hints.HideUsers))
	g.SetHint("show-manual-login", boolHint(hints.ShowManual))
	g.SetHint("show-remote-login", boolHint(hints.ShowRemote))
	g.SetHint("lock", boolHint(hints.Lock))
	g.SetHint("allow-guest", boolHint(hints.ShowGuest))

	d.mu.Lock()
	d.greeter = g
	d.greeterPipe = pipe
	d.state = StateGreeterStarted
	d.mu.Unlock()

	go g.Run()
	return nil
}

func boolHint(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// greeterAuthFactory adapts Display's AuthFactory to greeter.AuthFactory,
// always interactive since every greeter-driven conversation expects a
// live conversation partner.
func (d *Display) greeterAuthFactory(service, username string, sink authsession.Sink) *authsession.AuthSession {
	return d.authFactory(username, true, sink)
}

// OnConnected implements greeter.Handlers. CONNECTED itself does not move
// Display's state (§4.3 drives GREETER_STARTED → GREETER_AUTHED off
// AUTHENTICATION_RESULT(SUCCESS), not CONNECT), so this is purely
// informational.
func (d *Display) OnConnected() {
	log.Debug("greeter connected")
}

// OnAuthenticated implements greeter.Handlers — the GREETER_STARTED →
// GREETER_AUTHED trigger (§4.3).
func (d *Display) OnAuthenticated(username string, isGuest bool) {
	d.mu.Lock()
	if d.state != StateGreeterStarted {
		d.mu.Unlock()
		return
	}
	d.state = StateGreeterAuthed
	if d.autologinTimer != nil {
		d.autologinTimer.Stop()
		d.autologinTimer = nil
	}
	d.mu.Unlock()
}

// OnAuthenticationReset implements greeter.Handlers — the "cancel" edge
// in §4.3's diagram, back from GREETER_AUTHED to GREETER_STARTED when a
// fresh AUTHENTICATE supersedes a successful one before START_SESSION.
func (d *Display) OnAuthenticationReset() {
	d.mu.Lock()
	if d.state == StateGreeterAuthed {
		d.state = StateGreeterStarted
	}
	d.mu.Unlock()
}

// OnStartSessionRequest implements greeter.Handlers — §4.3's guest path
// resolves the actual username here before handing off to session start.
func (d *Display) OnStartSessionRequest(sessionName string) {
	d.mu.Lock()
	g := d.greeter
	d.mu.Unlock()
	if g == nil {
		return
	}

	isGuest := g.GuestAuthenticated()
	username := g.AuthenticatedUsername()
	if isGuest {
		guestUser, err := d.handlers.GetGuestUsername(d)
		if err != nil {
			log.Warn("get_guest_username failed", "error", err)
			d.fail(err)
			return
		}
		username = guestUser
	}

	d.beginUserSession(username, isGuest, sessionName)
}

// OnEndOfChannel implements greeter.Handlers (§4.2's "Display treats this
// like START_SESSION with failure or like an abandoned login, per its
// state.").
func (d *Display) OnEndOfChannel() {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	if state == StateUserSessionStarted || state == StateStopping || state == StateStopped {
		return
	}
	d.fail(errors.New("display: greeter channel closed before session start"))
}

func (d *Display) beginUserSession(username string, isGuest bool, sessionName string) {
	d.mu.Lock()
	if sessionName == "" {
		sessionName = d.userSessionName
	}
	d.mu.Unlock()

	if err := d.handlers.OnStartSession(d, username, isGuest); err != nil {
		// S6: session-setup-script rejected the transition. No
		// SESSION_RESULT is owed — the greeter already got its
		// END_AUTHENTICATION(0); Display simply never starts the session.
		log.Warn("session-setup hook rejected session start", "username", username, "error", err)
		d.fail(err)
		return
	}

	var env map[string]string
	d.mu.Lock()
	autoSession := d.autoSession
	d.mu.Unlock()
	if autoSession != nil {
		if e, err := autoSession.GetEnvList(); err == nil {
			env = e
		}
	}

	sess, err := d.runner.StartUserSession(d, username, isGuest, sessionName, env)
	if err != nil {
		d.fail(fmt.Errorf("display: start user session: %w", err))
		return
	}

	d.mu.Lock()
	d.session = sess
	d.username = username
	d.isGuest = isGuest
	d.state = StateUserSessionStarted
	greeterPipe := d.greeterPipe
	d.greeterPipe = nil
	d.greeter = nil
	d.mu.Unlock()

	if greeterPipe != nil {
		greeterPipe.Close()
	}

	go d.watchSession(sess, username, isGuest)
}

func (d *Display) watchSession(sess Session, username string, isGuest bool) {
	err := <-sess.Done()
	if err != nil {
		log.Warn("user session exited with error", "username", username, "error", err)
	} else {
		log.Info("user session stopped", "username", username)
	}

	d.handlers.OnSessionStopped(d, username, isGuest)

	// Session crash after start ⇒ normal STOPPED (§4.3): there's no
	// greeter and no display server failure here, just the ordinary
	// teardown path.
	d.fail(nil)
}

// Stop initiates an orderly shutdown (§4.3, §5): stop whatever is live —
// session, then greeter, then the display-server backend — and move to
// STOPPING. Idempotent.
func (d *Display) Stop() {
	d.mu.Lock()
	if d.tornDown {
		d.mu.Unlock()
		return
	}
	d.state = StateStopping
	session := d.session
	autoSession := d.autoSession
	d.mu.Unlock()

	if autoSession != nil {
		autoSession.Cancel()
	}
	if session != nil {
		_ = session.Stop()
		return // watchSession's completion drives the rest of teardown via fail()
	}

	// No session to wait on: finish the teardown now rather than relying
	// on the backend's own stopped event, which a real process's exit can
	// delay arbitrarily.
	d.fail(nil)
}

// fail drives an unconditional transition to STOPPED, tearing down
// whatever is still live. Safe to call from any state, and to call more
// than once — only the first caller performs any work.
func (d *Display) fail(cause error) {
	d.mu.Lock()
	if d.tornDown {
		d.mu.Unlock()
		return
	}
	d.tornDown = true
	d.state = StateStopping
	greeterPipe := d.greeterPipe
	d.greeterPipe = nil
	d.greeter = nil
	timer := d.autologinTimer
	d.autologinTimer = nil
	d.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if greeterPipe != nil {
		greeterPipe.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.backend.Stop(ctx)

	d.mu.Lock()
	d.state = StateStopped
	d.mu.Unlock()

	close(d.stopped)
	d.handlers.OnStopped(d)

	if cause != nil {
		log.Warn("display stopped", "cause", cause)
	}
}

// Done closes once Display has reached STOPPED.
func (d *Display) Done() <-chan struct{} {
	return d.stopped
}
