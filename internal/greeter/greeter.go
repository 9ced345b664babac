// Package greeter implements the routing/session layer on top of
// internal/greeterwire's framing (§4.2): it drives the wire protocol with
// an untrusted greeter subprocess, mediates authentication on its behalf
// without letting it impersonate another session's authentication, and
// owns exactly one "live" AuthSession at a time (§3's Greeter invariant).
//
// Grounded in internal/sessionbroker.Session's pending-command bookkeeping
// (current_sequence here plays the role of Session.pending, narrowed to a
// single slot since at most one AuthSession is ever live) and
// Session.RecvLoop's "read, try internal handling, else dispatch" shape —
// narrowed to the 1:1 Display:Greeter relationship §4.2 describes, so
// there is no multi-tenant session map here (a deliberate simplification,
// not a dropped feature: see DESIGN.md).
package greeter

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lightseat/logind-core/internal/authsession"
	"github.com/lightseat/logind-core/internal/greeterwire"
	"github.com/lightseat/logind-core/internal/logging"
	"github.com/lightseat/logind-core/internal/pamauth"
)

var log = logging.L("greeter")

// LocalePersister stores a non-guest authenticated user's SET_LANGUAGE
// request (§4.2). Left unset by default — persisting desktop preferences
// is outside the core's scope (§1).
type LocalePersister interface {
	SetLocale(username, locale string) error
}

const (
	rateLimitAttempts = 10
	rateLimitWindow   = 60 * time.Second
)

// AuthFactory creates a new AuthSession for service/username, wired to
// post its events back to sink. Display supplies this so Greeter never
// needs to know about pamauth.HostAuth or test-mode directly.
type AuthFactory func(service, username string, sink authsession.Sink) *authsession.AuthSession

// Handlers receives the events Greeter raises toward its owning Display
// (§4.3's "upcalls the Greeter makes"). OnAuthenticated for a password
// conversation is called from the goroutine that delivers the
// AuthSession's result; every other call is made synchronously from
// Greeter's recv loop goroutine. None of the methods may block.
type Handlers interface {
	// OnConnected fires once CONNECT has been answered with CONNECTED.
	OnConnected()
	// OnStartSessionRequest fires for a validated START_SESSION; sessionName
	// is "" when the greeter asked for the default. The Display decides the
	// rest (hooks, spawning) asynchronously — no return value is needed
	// because success is signaled only by the channel eventually closing
	// (§4.2's "End-of-channel", §9's Open Question on wire compatibility).
	OnStartSessionRequest(sessionName string)
	// OnAuthenticated fires the moment an AUTHENTICATE or
	// AUTHENTICATE_AS_GUEST conversation ends in SUCCESS, before
	// START_SESSION arrives — this is Display's GREETER_STARTED →
	// GREETER_AUTHED trigger (§4.3).
	OnAuthenticated(username string, isGuest bool)
	// OnAuthenticationReset fires when a new AUTHENTICATE supersedes a
	// previously successful one, the "cancel" edge back to GREETER_STARTED
	// in §4.3's diagram.
	OnAuthenticationReset()
	// OnEndOfChannel fires when the read pipe hangs up.
	OnEndOfChannel()
}

// Greeter mediates one untrusted greeter subprocess (§3, §4.2).
type Greeter struct {
	conn        *greeterwire.Conn
	rateLimiter *greeterwire.RateLimiter
	authFactory AuthFactory
	handlers    Handlers
	service     string

	mu                 sync.Mutex
	hints              map[string]string
	defaultSessionName string
	allowGuest         bool
	guestAuthenticated bool
	current            *pendingAuth // the one "live" AuthSession, per §3's invariant
	authenticatedUser  string
	closed             bool

	// LocalePersister, if set, receives SET_LANGUAGE requests for an
	// authenticated non-guest user.
	LocalePersister LocalePersister
}

// pendingAuth binds one AuthSession to the AUTHENTICATE seq/username that
// started it, so a superseded conversation's eventual result still reports
// against its own request rather than whatever is current by the time it
// arrives (§8 invariant 4: exactly one END_AUTHENTICATION per AUTHENTICATE).
type pendingAuth struct {
	session  *authsession.AuthSession
	seq      uint32
	username string
	styles   []pamauth.MessageStyle
}

// authSink adapts one pendingAuth's AuthSession events to the Greeter,
// carrying its own seq/username so cancellation races can't misattribute
// a result to whichever conversation happens to be current (see pendingAuth).
type authSink struct {
	g  *Greeter
	pa *pendingAuth
}

func (s *authSink) Post(ev authsession.Event) {
	switch ev.Kind {
	case authsession.EventGotMessages:
		s.g.onGotMessages(s.pa, ev.Messages)
	case authsession.EventAuthenticationResult:
		s.g.onAuthResult(s.pa, ev.Result)
	}
}

// New constructs a Greeter driving conn. service is the PAM-style service
// name new AuthSessions authenticate against (e.g. "lightdm").
func New(conn *greeterwire.Conn, service string, authFactory AuthFactory, handlers Handlers) *Greeter {
	return &Greeter{
		conn:        conn,
		rateLimiter: greeterwire.NewRateLimiter(rateLimitAttempts, rateLimitWindow),
		authFactory: authFactory,
		handlers:    handlers,
		service:     service,
		hints:       make(map[string]string),
	}
}

// SetHint sets (or overwrites) one hint key/value, last-write-wins (§8).
// Valid until CONNECTED has been sent; later calls have no observable
// effect on an already-connected greeter, matching an un-negotiated wire
// protocol with no HINT_CHANGED message.
func (g *Greeter) SetHint(key, value string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hints[key] = value
}

// SetAllowGuest configures whether AUTHENTICATE_AS_GUEST may succeed.
func (g *Greeter) SetAllowGuest(allow bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowGuest = allow
}

// SetDefaultSessionName sets the session name START_SESSION("") resolves to.
func (g *Greeter) SetDefaultSessionName(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaultSessionName = name
}

// GuestAuthenticated reports whether the live conversation authenticated as
// guest (§4.3's guest path).
func (g *Greeter) GuestAuthenticated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.guestAuthenticated
}

// AuthenticatedUsername returns the username the most recent successful
// AuthSession authenticated, or "" if none has succeeded yet.
func (g *Greeter) AuthenticatedUsername() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authenticatedUser
}

// Run reads frames until the channel closes or a protocol violation
// occurs, dispatching each to its handler. It owns the blocking pipe read,
// the same rationale AuthSession's worker thread has (§5): exactly one
// thing in this package ever blocks, and it isn't the supervisor.
func (g *Greeter) Run() {
	for {
		frame, err := g.conn.Recv()
		if err != nil {
			g.onEndOfChannel(err)
			return
		}
		if err := g.dispatch(frame); err != nil {
			log.Warn("greeter protocol violation, closing channel", "error", err)
			g.onEndOfChannel(err)
			return
		}
	}
}

func (g *Greeter) dispatch(frame greeterwire.Frame) error {
	dec := greeterwire.NewDecoder(frame.Payload)
	switch frame.ID {
	case greeterwire.MsgConnect:
		return g.handleConnect(dec)
	case greeterwire.MsgAuthenticate:
		return g.handleAuthenticate(dec)
	case greeterwire.MsgAuthenticateAsGuest:
		return g.handleAuthenticateAsGuest(dec)
	case greeterwire.MsgContinueAuthentication:
		return g.handleContinueAuthentication(dec)
	case greeterwire.MsgStartSession:
		return g.handleStartSession(dec)
	case greeterwire.MsgCancelAuthentication:
		return g.handleCancelAuthentication()
	case greeterwire.MsgSetLanguage:
		return g.handleSetLanguage(dec)
	default:
		return fmt.Errorf("greeter: unknown message id %d", frame.ID)
	}
}

func (g *Greeter) handleConnect(dec *greeterwire.Decoder) error {
	if _, err := dec.String(); err != nil { // version, unused beyond framing
		return err
	}
	if !dec.Done() {
		return errors.New("greeter: trailing bytes in CONNECT")
	}

	g.mu.Lock()
	hints := make(map[string]string, len(g.hints))
	for k, v := range g.hints {
		hints[k] = v
	}
	g.mu.Unlock()

	enc := &greeterwire.Encoder{}
	enc.PutString("1.0")
	enc.PutUint32(uint32(len(hints)))
	for k, v := range hints {
		enc.PutString(k)
		enc.PutString(v)
	}
	if err := g.conn.Send(greeterwire.MsgConnected, enc.Bytes()); err != nil {
		return err
	}

	g.handlers.OnConnected()
	return nil
}

func (g *Greeter) handleAuthenticate(dec *greeterwire.Decoder) error {
	seq, err := dec.Uint32()
	if err != nil {
		return err
	}
	username, err := dec.String()
	if err != nil {
		return err
	}
	if !dec.Done() {
		return errors.New("greeter: trailing bytes in AUTHENTICATE")
	}

	identity := username
	if !g.rateLimiter.Allow(identity) {
		return g.endAuthentication(seq, "", pamauth.ResultSystemErr)
	}

	g.cancelCurrentAuth()
	g.handlers.OnAuthenticationReset()

	pa := &pendingAuth{seq: seq, username: username}

	g.mu.Lock()
	g.guestAuthenticated = false
	g.current = pa
	g.mu.Unlock()

	session := g.authFactory(g.service, username, &authSink{g: g, pa: pa})
	pa.session = session

	if err := session.Authenticate(); err != nil {
		log.Warn("authsession failed to start", "username", username, "error", err)
		return g.endAuthentication(seq, "", pamauth.ResultSystemErr)
	}
	return nil
}

func (g *Greeter) handleAuthenticateAsGuest(dec *greeterwire.Decoder) error {
	seq, err := dec.Uint32()
	if err != nil {
		return err
	}
	if !dec.Done() {
		return errors.New("greeter: trailing bytes in AUTHENTICATE_AS_GUEST")
	}

	g.mu.Lock()
	allowed := g.allowGuest
	g.mu.Unlock()

	if !allowed {
		return g.endAuthentication(seq, "", pamauth.ResultUserUnknown)
	}

	g.cancelCurrentAuth()
	g.handlers.OnAuthenticationReset()

	g.mu.Lock()
	g.guestAuthenticated = true
	g.current = nil
	g.mu.Unlock()

	g.handlers.OnAuthenticated("", true)
	return g.endAuthentication(seq, "", pamauth.ResultSuccess)
}

func (g *Greeter) handleContinueAuthentication(dec *greeterwire.Decoder) error {
	n, err := dec.Uint32()
	if err != nil {
		return err
	}
	secrets := make([]string, n)
	for i := range secrets {
		s, err := dec.String()
		if err != nil {
			return err
		}
		secrets[i] = s
	}
	if !dec.Done() {
		return errors.New("greeter: trailing bytes in CONTINUE_AUTHENTICATION")
	}

	g.mu.Lock()
	pa := g.current
	g.mu.Unlock()

	if pa == nil || pa.session == nil {
		// Nothing pending — ignored per §4.2's end-of-channel/ignored-late-frame note.
		return nil
	}
	session := pa.session
	styles := pa.styles

	promptCount := 0
	for _, s := range styles {
		if s.IsPrompt() {
			promptCount++
		}
	}
	if int(n) != promptCount {
		log.Warn("secret count mismatch, cancelling authentication", "got", n, "want", promptCount)
		session.Cancel()
		return nil
	}

	responses := make([]string, len(styles))
	si := 0
	for i, s := range styles {
		if s.IsPrompt() {
			responses[i] = secrets[si]
			si++
		}
	}

	if err := session.Respond(responses); err != nil {
		log.Warn("authsession respond failed", "error", err)
		session.Cancel()
	}
	return nil
}

func (g *Greeter) handleStartSession(dec *greeterwire.Decoder) error {
	name, err := dec.String()
	if err != nil {
		return err
	}
	if !dec.Done() {
		return errors.New("greeter: trailing bytes in START_SESSION")
	}

	g.mu.Lock()
	guest := g.guestAuthenticated
	var succeeded bool
	if g.current != nil && g.current.session != nil {
		succeeded = g.current.session.State() == authsession.StateSucceeded
	}
	if name == "" {
		name = g.defaultSessionName
	}
	g.mu.Unlock()

	if !guest && !succeeded {
		enc := &greeterwire.Encoder{}
		enc.PutUint32(1)
		return g.conn.Send(greeterwire.MsgSessionResult, enc.Bytes())
	}

	g.handlers.OnStartSessionRequest(name)
	return nil
}

func (g *Greeter) handleCancelAuthentication() error {
	g.cancelCurrentAuth()
	return nil
}

func (g *Greeter) handleSetLanguage(dec *greeterwire.Decoder) error {
	locale, err := dec.String()
	if err != nil {
		return err
	}
	if !dec.Done() {
		return errors.New("greeter: trailing bytes in SET_LANGUAGE")
	}

	g.mu.Lock()
	guest := g.guestAuthenticated
	user := g.authenticatedUser
	g.mu.Unlock()

	if guest || user == "" {
		return nil // no-op: only a non-guest authenticated user may set language
	}
	if g.LocalePersister != nil {
		if err := g.LocalePersister.SetLocale(user, locale); err != nil {
			log.Warn("set language failed", "username", user, "locale", locale, "error", err)
		}
	}
	return nil
}

// onGotMessages handles a GOT_MESSAGES event raised by pa's AuthSession. It
// is reached only via authSink.Post, so pa identifies its own conversation
// regardless of whether a later AUTHENTICATE has since superseded it as
// g.current (see pendingAuth).
func (g *Greeter) onGotMessages(pa *pendingAuth, msgs []pamauth.Message) {
	styles := make([]pamauth.MessageStyle, len(msgs))
	for i, m := range msgs {
		styles[i] = m.Style
	}

	g.mu.Lock()
	pa.styles = styles
	g.mu.Unlock()

	enc := &greeterwire.Encoder{}
	enc.PutUint32(pa.seq)
	enc.PutString(pa.username)
	enc.PutUint32(uint32(len(msgs)))
	hasPrompt := false
	for _, m := range msgs {
		enc.PutUint32(uint32(m.Style))
		enc.PutString(m.Text)
		if m.Style.IsPrompt() {
			hasPrompt = true
		}
	}
	if err := g.conn.Send(greeterwire.MsgPrompt, enc.Bytes()); err != nil {
		log.Warn("send PROMPT failed", "error", err)
	}

	if !hasPrompt {
		// PROMPT elision (§4.2): nothing for the greeter to answer, so
		// respond immediately rather than deadlock the worker.
		_ = pa.session.Respond(make([]string, len(msgs)))
	}
}

// onAuthResult handles an AUTHENTICATION_RESULT event raised by pa's
// AuthSession, again routed by pa rather than g.current so a superseded
// conversation's result is still reported exactly once, against its own
// seq/username (§8 invariant 4).
func (g *Greeter) onAuthResult(pa *pendingAuth, result pamauth.Result) {
	pa.session.FinishResult(result)

	g.mu.Lock()
	if result == pamauth.ResultSuccess {
		g.authenticatedUser = pa.username
	}
	// A successful conversation stays current so START_SESSION can see it
	// in SUCCEEDED; a failed one leaves no live conversation.
	if g.current == pa && result != pamauth.ResultSuccess {
		g.current = nil
	}
	g.mu.Unlock()

	if result == pamauth.ResultSuccess {
		g.handlers.OnAuthenticated(pa.username, false)
	}
	if err := g.endAuthentication(pa.seq, pa.username, result); err != nil {
		log.Warn("send END_AUTHENTICATION failed", "error", err)
	}
}

func (g *Greeter) endAuthentication(seq uint32, username string, result pamauth.Result) error {
	enc := &greeterwire.Encoder{}
	enc.PutUint32(seq)
	enc.PutString(username)
	enc.PutUint32(result.WireCode())
	return g.conn.Send(greeterwire.MsgEndAuthentication, enc.Bytes())
}

// cancelCurrentAuth cancels whatever AuthSession is live, if any. Called
// both for explicit CANCEL_AUTHENTICATION and implicitly when a second
// AUTHENTICATE arrives (§3's "at most one live AuthSession" invariant).
func (g *Greeter) cancelCurrentAuth() {
	g.mu.Lock()
	pa := g.current
	g.mu.Unlock()
	if pa != nil && pa.session != nil {
		pa.session.Cancel()
	}
}

func (g *Greeter) onEndOfChannel(err error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.mu.Unlock()

	if err != nil && !errors.Is(err, io.EOF) {
		log.Warn("greeter channel closed", "error", err)
	} else {
		log.Info("greeter channel closed")
	}
	g.cancelCurrentAuth()
	g.handlers.OnEndOfChannel()
}
