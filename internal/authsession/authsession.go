// Package authsession converts the host authentication library's blocking,
// callback-driven API into an event-driven, cancellable object a
// single-threaded supervisor can drive (§4.1). The conversation itself
// always runs on a dedicated worker goroutine; nothing in this package
// blocks the caller of Authenticate.
package authsession

import (
	"sync"
	"sync/atomic"

	"github.com/lightseat/logind-core/internal/errs"
	"github.com/lightseat/logind-core/internal/logging"
	"github.com/lightseat/logind-core/internal/pamauth"
)

var log = logging.L("authsession")

// State is one of the states §3's AuthSession data model names.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateSucceeded
	StateFailed
	StateSessionOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateSucceeded:
		return "SUCCEEDED"
	case StateFailed:
		return "FAILED"
	case StateSessionOpen:
		return "SESSION_OPEN"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// EventKind distinguishes the two events a worker posts to the supervisor.
type EventKind int

const (
	EventGotMessages EventKind = iota
	EventAuthenticationResult
)

// Event is what the worker thread posts to its owner through Sink.Post
// (§5's "Suspension points"). GotMessages is posted from the worker
// goroutine itself; the final result is posted from a separate goroutine.
type Event struct {
	Kind     EventKind
	Messages []pamauth.Message
	Result   pamauth.Result
}

// Sink receives events posted by the worker thread. Implementations must
// not block the caller for long — the worker is waiting to continue its
// blocking auth-library call.
type Sink interface {
	Post(ev Event)
}

// AuthSession wraps one authentication conversation (§3, §4.1).
type AuthSession struct {
	hostAuth    pamauth.HostAuth
	service     string
	username    string // "" means the auth library will prompt for it
	interactive bool
	testMode    bool
	sink        Sink

	mu              sync.Mutex
	state           State
	stopRequested   bool
	pendingMessages []pamauth.Message
	pendingItems    []pendingItem
	resultCode      pamauth.Result
	tx              pamauth.Transaction

	responseQueue chan []string
	cancelOnce    sync.Once
	cancelCh      chan struct{}
	done          chan struct{}
	started       atomic.Bool
}

// New creates an AuthSession in state IDLE. No I/O happens until
// Authenticate is called.
func New(hostAuth pamauth.HostAuth, service, username string, interactive, testMode bool, sink Sink) *AuthSession {
	return &AuthSession{
		hostAuth:      hostAuth,
		service:       service,
		username:      username,
		interactive:   interactive,
		testMode:      testMode,
		sink:          sink,
		state:         StateIdle,
		responseQueue: make(chan []string, 1),
		cancelCh:      make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// State returns the session's current state.
func (s *AuthSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Username returns the username the session authenticated (or was given),
// which may be empty until the auth library reports it.
func (s *AuthSession) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// Authenticate spawns the worker thread and transitions IDLE→AUTHENTICATING.
// It is an error to call this more than once or from any state but IDLE —
// "worker_thread exists ⇔ state == AUTHENTICATING" is the invariant this
// guards.
func (s *AuthSession) Authenticate() error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return errs.State("authsession.Authenticate", "cannot authenticate from state %s", s.state)
	}
	s.state = StateAuthenticating
	s.mu.Unlock()

	s.started.Store(true)
	go s.run()
	return nil
}

// Messages returns the most recent prompt batch delivered by GOT_MESSAGES,
// for the owner to forward to the greeter.
func (s *AuthSession) Messages() []pamauth.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingMessages
}

// Respond delivers one response per pending message. It is a StateError to
// call this with no pending messages (nothing waiting on the queue) or
// outside AUTHENTICATING.
func (s *AuthSession) Respond(responses []string) error {
	s.mu.Lock()
	if s.state != StateAuthenticating || s.pendingMessages == nil {
		s.mu.Unlock()
		return errs.State("authsession.Respond", "no pending conversation to respond to")
	}
	if len(responses) != len(s.pendingMessages) {
		s.mu.Unlock()
		return errs.Protocol("authsession.Respond", "response count %d does not match message count %d", len(responses), len(s.pendingMessages))
	}
	s.pendingMessages = nil
	s.mu.Unlock()

	s.responseQueue <- responses
	return nil
}

// Cancel signals cancellation. If the worker is blocked on the response
// queue it wakes with a sentinel causing the auth library call to return
// CONV_ERR (surfaced as ResultConvErr). Safe to call multiple times and
// before Authenticate.
func (s *AuthSession) Cancel() {
	s.mu.Lock()
	s.stopRequested = true
	s.mu.Unlock()

	s.cancelOnce.Do(func() {
		close(s.cancelCh)
	})
}

// FinishResult is called by the owner after receiving EventAuthenticationResult.
// It joins the worker thread (which exits right after handing the result
// off, so the wait is short and keeps the happens-before relationship
// explicit) and transitions state to SUCCEEDED or FAILED. If a cancellation arrived after
// the result was already in flight, Cancel is invoked once more for
// cleanup, per §4.1.
func (s *AuthSession) FinishResult(result pamauth.Result) {
	<-s.done

	s.mu.Lock()
	s.resultCode = result
	if result == pamauth.ResultSuccess {
		s.state = StateSucceeded
	} else {
		s.state = StateFailed
	}
	stopRequested := s.stopRequested
	s.mu.Unlock()

	if stopRequested {
		s.Cancel()
	}
}

// ResultCode returns the final result once FinishResult has run.
func (s *AuthSession) ResultCode() pamauth.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultCode
}

// OpenSession, CloseSession, and SetupCredentials are valid only after
// SUCCEEDED; they are no-ops in test mode.
func (s *AuthSession) OpenSession() error {
	if err := s.requireState(StateSucceeded); err != nil {
		return err
	}
	if s.testMode {
		s.mu.Lock()
		s.state = StateSessionOpen
		s.mu.Unlock()
		return nil
	}
	if err := s.tx.OpenSession(); err != nil {
		return err
	}
	s.mu.Lock()
	s.state = StateSessionOpen
	s.mu.Unlock()
	return nil
}

func (s *AuthSession) CloseSession() error {
	if err := s.requireState(StateSessionOpen); err != nil {
		return err
	}
	if !s.testMode {
		if err := s.tx.CloseSession(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	return nil
}

func (s *AuthSession) SetupCredentials() error {
	if s.testMode {
		return nil
	}
	return s.tx.SetCred(pamauth.CredEstablish)
}

// GetEnvList returns the environment variables the auth library wants
// exported into the session.
func (s *AuthSession) GetEnvList() (map[string]string, error) {
	if s.testMode || s.tx == nil {
		return map[string]string{}, nil
	}
	return s.tx.GetEnvList()
}

// SetItem passes an item (e.g. TTY) through to the auth library before
// Authenticate is called, matching the IDLE-only contract of §4.1's
// set_item.
func (s *AuthSession) SetItem(item pamauth.Item, value string) error {
	s.mu.Lock()
	idle := s.state == StateIdle
	s.mu.Unlock()
	if !idle {
		return errs.State("authsession.SetItem", "set_item only valid in IDLE")
	}
	s.pendingItems = append(s.pendingItems, pendingItem{item, value})
	return nil
}

type pendingItem struct {
	item  pamauth.Item
	value string
}

func (s *AuthSession) requireState(want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return errs.State("authsession", "expected state %s, have %s", want, s.state)
	}
	return nil
}

// run is the worker thread body: drives Start, Authenticate, AcctMgmt, and
// (if required) ChangeExpiredAuthTok, then posts the final result.
func (s *AuthSession) run() {
	defer close(s.done)

	conv := func(msgs []pamauth.Message) ([]string, error) {
		if !s.interactive {
			// Autologin conversations have no greeter to answer a prompt;
			// failing immediately matches the host auth library's own
			// "interactive-only conversation" convention rather than
			// blocking forever on a response queue nothing will ever post to.
			return nil, errConvErr
		}

		s.mu.Lock()
		s.pendingMessages = msgs
		s.mu.Unlock()

		s.sink.Post(Event{Kind: EventGotMessages, Messages: msgs})

		select {
		case resp := <-s.responseQueue:
			return resp, nil
		case <-s.cancelCh:
			return nil, errConvErr
		}
	}

	tx, err := s.hostAuth.Start(s.service, s.username, conv)
	if err != nil {
		s.finish(pamauth.AsResult(err))
		return
	}
	s.tx = tx

	for _, pi := range s.pendingItems {
		_ = tx.SetItem(pi.item, pi.value)
	}

	if err := tx.Authenticate(); err != nil {
		s.finish(pamauth.AsResult(err))
		return
	}

	if err := tx.AcctMgmt(); err != nil {
		result := pamauth.AsResult(err)
		if result == pamauth.ResultNewAuthTokReqd {
			if err := tx.ChangeExpiredAuthTok(); err != nil {
				s.finish(pamauth.AsResult(err))
				return
			}
		} else {
			s.finish(result)
			return
		}
	}

	s.finish(pamauth.ResultSuccess)
}

// finish hands the final result to the sink on a separate goroutine, so
// run returns (closing done) without waiting for the owner, whose
// FinishResult call from inside Post waits on done.
func (s *AuthSession) finish(result pamauth.Result) {
	log.Info("authentication finished", "service", s.service, "username", s.username, "result", result)
	go s.sink.Post(Event{Kind: EventAuthenticationResult, Result: result})
}

// errConvErr is returned to the auth library when a cancellation wakes the
// worker mid-conversation, carrying ResultConvErr so callers see the wire
// protocol's CONV_ERR rather than a generic SYSTEM_ERR (§8 S3).
var errConvErr = &pamauth.ResultError{Result: pamauth.ResultConvErr}
