package pamauth

import (
	"fmt"
	"sync"
)

// FakeUser scripts one user's authentication outcome for test mode.
type FakeUser struct {
	Password     string
	Result       Result // result Authenticate() returns; ResultSuccess means the password must match
	AcctExpired  bool   // AcctMgmt returns ResultNewAuthTokReqd once, until ChangeExpiredAuthTok runs
	OTP          string // non-empty triggers a second PROMPT_ECHO_ON round (§8 S4, "two-factor")
	EchoOnPrompt string // prompt text for the OTP round; defaults to "OTP:"
}

// Fake is a scripted HostAuth for unprivileged test mode (§4.1, §6): no PAM
// module is loaded, no real credential is checked. Deterministic so the end
// to end scenarios (§8) can be driven without root.
type Fake struct {
	mu    sync.Mutex
	Users map[string]FakeUser
}

// NewFake returns a Fake with no scripted users; call AddUser to script one.
func NewFake() *Fake {
	return &Fake{Users: make(map[string]FakeUser)}
}

// AddUser registers a scripted user.
func (f *Fake) AddUser(username string, u FakeUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Users[username] = u
}

func (f *Fake) Start(service, user string, conv ConversationFunc) (Transaction, error) {
	return &fakeTransaction{fake: f, service: service, user: user, conv: conv}, nil
}

type fakeTransaction struct {
	fake    *Fake
	service string
	user    string
	conv    ConversationFunc
	items   map[Item]string
	authed  bool
	tokChanged bool
}

func (t *fakeTransaction) Authenticate() error {
	t.fake.mu.Lock()
	u, ok := t.fake.Users[t.user]
	t.fake.mu.Unlock()

	if !ok {
		return &ResultError{Result: ResultUserUnknown}
	}

	responses, err := t.conv([]Message{{Style: StylePromptEchoOff, Text: "Password:"}})
	if err != nil {
		return &ResultError{Result: AsResult(err)}
	}
	if len(responses) != 1 || responses[0] != u.Password {
		return &ResultError{Result: ResultAuthErr}
	}

	if u.OTP != "" {
		promptText := u.EchoOnPrompt
		if promptText == "" {
			promptText = "OTP:"
		}
		otpResponses, err := t.conv([]Message{{Style: StylePromptEchoOn, Text: promptText}})
		if err != nil {
			return &ResultError{Result: AsResult(err)}
		}
		if len(otpResponses) != 1 || otpResponses[0] != u.OTP {
			return &ResultError{Result: ResultAuthErr}
		}
	}

	if u.Result != ResultSuccess {
		return &ResultError{Result: u.Result}
	}

	t.authed = true
	return nil
}

func (t *fakeTransaction) AcctMgmt() error {
	t.fake.mu.Lock()
	u := t.fake.Users[t.user]
	t.fake.mu.Unlock()

	if u.AcctExpired && !t.tokChanged {
		return &ResultError{Result: ResultNewAuthTokReqd}
	}
	return nil
}

func (t *fakeTransaction) ChangeExpiredAuthTok() error {
	_, err := t.conv([]Message{{Style: StylePromptEchoOff, Text: "New password:"}})
	if err != nil {
		return &ResultError{Result: AsResult(err)}
	}
	t.tokChanged = true
	return nil
}

func (t *fakeTransaction) OpenSession() error  { return nil }
func (t *fakeTransaction) CloseSession() error { return nil }
func (t *fakeTransaction) SetCred(CredAction) error { return nil }

func (t *fakeTransaction) SetItem(item Item, value string) error {
	if t.items == nil {
		t.items = make(map[Item]string)
	}
	t.items[item] = value
	return nil
}

func (t *fakeTransaction) GetItem(item Item) (string, error) {
	if item == ItemUser {
		return t.user, nil
	}
	return t.items[item], nil
}

func (t *fakeTransaction) GetEnvList() (map[string]string, error) {
	return map[string]string{}, nil
}

func (t *fakeTransaction) PutEnv(nameval string) error {
	return nil
}

func (t *fakeTransaction) End() error {
	return nil
}

var _ fmt.Stringer = Result(0)
