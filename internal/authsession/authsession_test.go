package authsession

import (
	"testing"
	"time"

	"github.com/lightseat/logind-core/internal/pamauth"
)

type recordingSink struct {
	events chan Event
}

func newRecordingSink() *recordingSink {
	return &recordingSink{events: make(chan Event, 16)}
}

func (s *recordingSink) Post(ev Event) {
	s.events <- ev
}

func (s *recordingSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-s.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestAuthenticateSuccess(t *testing.T) {
	fake := pamauth.NewFake()
	fake.AddUser("alice", pamauth.FakeUser{Password: "s3cret", Result: pamauth.ResultSuccess})

	sink := newRecordingSink()
	session := New(fake, "login", "alice", true, true, sink)

	if err := session.Authenticate(); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	got := sink.next(t)
	if got.Kind != EventGotMessages {
		t.Fatalf("expected GOT_MESSAGES, got kind %d", got.Kind)
	}
	if len(got.Messages) != 1 || got.Messages[0].Style != pamauth.StylePromptEchoOff {
		t.Fatalf("unexpected messages: %+v", got.Messages)
	}

	if err := session.Respond([]string{"s3cret"}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	result := sink.next(t)
	if result.Kind != EventAuthenticationResult {
		t.Fatalf("expected AUTHENTICATION_RESULT, got kind %d", result.Kind)
	}
	session.FinishResult(result.Result)

	if session.State() != StateSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED", session.State())
	}
}

func TestAuthenticateWrongPasswordFails(t *testing.T) {
	fake := pamauth.NewFake()
	fake.AddUser("alice", pamauth.FakeUser{Password: "s3cret", Result: pamauth.ResultSuccess})

	sink := newRecordingSink()
	session := New(fake, "login", "alice", true, true, sink)
	session.Authenticate()

	sink.next(t) // GOT_MESSAGES
	session.Respond([]string{"wrong"})

	result := sink.next(t)
	session.FinishResult(result.Result)

	if session.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", session.State())
	}
	if session.ResultCode() != pamauth.ResultAuthErr {
		t.Fatalf("ResultCode = %v, want AUTH_ERR", session.ResultCode())
	}
}

func TestAuthenticateTwiceIsStateError(t *testing.T) {
	fake := pamauth.NewFake()
	fake.AddUser("alice", pamauth.FakeUser{Password: "s3cret", Result: pamauth.ResultSuccess})

	sink := newRecordingSink()
	session := New(fake, "login", "alice", true, true, sink)
	session.Authenticate()

	if err := session.Authenticate(); err == nil {
		t.Fatal("expected StateError calling Authenticate twice")
	}

	sink.next(t)
	session.Respond([]string{"s3cret"})
	result := sink.next(t)
	session.FinishResult(result.Result)
}

func TestCancelDuringPromptYieldsConvErr(t *testing.T) {
	fake := pamauth.NewFake()
	fake.AddUser("alice", pamauth.FakeUser{Password: "s3cret", Result: pamauth.ResultSuccess})

	sink := newRecordingSink()
	session := New(fake, "login", "alice", true, true, sink)
	session.Authenticate()

	sink.next(t) // GOT_MESSAGES
	session.Cancel()

	result := sink.next(t)
	session.FinishResult(result.Result)

	if result.Result != pamauth.ResultConvErr {
		t.Fatalf("Result = %v, want CONV_ERR", result.Result)
	}
	if session.State() != StateFailed {
		t.Fatalf("state = %s, want FAILED", session.State())
	}
}

func TestRespondWithoutPendingMessageIsStateError(t *testing.T) {
	fake := pamauth.NewFake()
	sink := newRecordingSink()
	session := New(fake, "login", "alice", true, true, sink)

	if err := session.Respond([]string{"x"}); err == nil {
		t.Fatal("expected StateError responding before authenticate")
	}
}

func TestRespondCountMismatchIsProtocolError(t *testing.T) {
	fake := pamauth.NewFake()
	fake.AddUser("alice", pamauth.FakeUser{Password: "s3cret", Result: pamauth.ResultSuccess})

	sink := newRecordingSink()
	session := New(fake, "login", "alice", true, true, sink)
	session.Authenticate()
	sink.next(t)

	if err := session.Respond([]string{"a", "b"}); err == nil {
		t.Fatal("expected ProtocolError for response count mismatch")
	}
}

func TestTwoFactorFlowEmitsSecondPromptWithUnchangedHandling(t *testing.T) {
	fake := pamauth.NewFake()
	fake.AddUser("two-factor", pamauth.FakeUser{Password: "s3cret", Result: pamauth.ResultSuccess, OTP: "123456"})

	sink := newRecordingSink()
	session := New(fake, "login", "two-factor", true, true, sink)
	session.Authenticate()

	first := sink.next(t)
	session.Respond([]string{"s3cret"})

	second := sink.next(t)
	if second.Kind != EventGotMessages || second.Messages[0].Style != pamauth.StylePromptEchoOn {
		t.Fatalf("expected second PROMPT_ECHO_ON batch, got %+v", second)
	}
	session.Respond([]string{"123456"})

	result := sink.next(t)
	session.FinishResult(result.Result)

	if session.State() != StateSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED", session.State())
	}
	_ = first
}

func TestOpenCloseSessionLifecycleTestMode(t *testing.T) {
	fake := pamauth.NewFake()
	fake.AddUser("alice", pamauth.FakeUser{Password: "s3cret", Result: pamauth.ResultSuccess})

	sink := newRecordingSink()
	session := New(fake, "login", "alice", true, true, sink)
	session.Authenticate()
	sink.next(t)
	session.Respond([]string{"s3cret"})
	result := sink.next(t)
	session.FinishResult(result.Result)

	if err := session.OpenSession(); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if session.State() != StateSessionOpen {
		t.Fatalf("state = %s, want SESSION_OPEN", session.State())
	}
	if err := session.CloseSession(); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if session.State() != StateClosed {
		t.Fatalf("state = %s, want CLOSED", session.State())
	}
}

func TestOpenSessionBeforeSucceededIsStateError(t *testing.T) {
	fake := pamauth.NewFake()
	sink := newRecordingSink()
	session := New(fake, "login", "alice", true, true, sink)

	if err := session.OpenSession(); err == nil {
		t.Fatal("expected StateError opening session before SUCCEEDED")
	}
}
