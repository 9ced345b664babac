// Package pamauth defines the host authentication library contract
// AuthSession drives (§4.1, §6) and provides two implementations: a real
// PAM-backed adapter for Linux (pam_linux.go) and a scripted fake for
// unprivileged test mode (fake.go).
package pamauth

import "fmt"

// Item identifies a PAM item settable/gettable on a transaction.
type Item int

const (
	ItemUser Item = iota
	ItemTTY
	ItemRHost
)

// CredAction selects which credential operation SetCred performs.
type CredAction int

const (
	CredEstablish CredAction = iota
	CredDelete
	CredRefresh
)

// MessageStyle classifies one conversation message, mirroring the PAM
// conversation styles §6 names.
type MessageStyle int

const (
	StylePromptEchoOn MessageStyle = iota
	StylePromptEchoOff
	StyleTextInfo
	StyleErrorMsg
)

// IsPrompt reports whether this message style expects a response —
// PROMPT_ECHO_ON and PROMPT_ECHO_OFF are prompts, TEXT_INFO and ERROR_MSG
// are not (§4.2's "PROMPT elision").
func (s MessageStyle) IsPrompt() bool {
	return s == StylePromptEchoOn || s == StylePromptEchoOff
}

// Message is one entry the conversation callback delivers.
type Message struct {
	Style MessageStyle
	Text  string
}

// ConversationFunc delivers a batch of messages and collects one response
// per message (empty string for non-prompt styles). It is invoked on the
// AuthSession's worker thread, never on the supervisor goroutine, since a
// real PAM module may block indefinitely waiting on it.
type ConversationFunc func(msgs []Message) (responses []string, err error)

// Result classifies the outcome of an authentication-affecting call,
// matching the failure conditions §4.1 names verbatim.
type Result int

const (
	ResultSuccess Result = iota
	ResultAuthErr
	ResultUserUnknown
	ResultAcctExpired
	ResultNewAuthTokReqd
	ResultPermDenied
	ResultConvErr
	ResultSystemErr
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "SUCCESS"
	case ResultAuthErr:
		return "AUTH_ERR"
	case ResultUserUnknown:
		return "USER_UNKNOWN"
	case ResultAcctExpired:
		return "ACCT_EXPIRED"
	case ResultNewAuthTokReqd:
		return "NEW_AUTHTOK_REQD"
	case ResultPermDenied:
		return "PERM_DENIED"
	case ResultConvErr:
		return "CONV_ERR"
	default:
		return "SYSTEM_ERR"
	}
}

// WireCode returns the numeric result code the greeter wire protocol
// carries in END_AUTHENTICATION (§4.2, §8 S2's literal "AUTH_ERR=7").
// These are the real libpam return codes, not this package's own Result
// ordinal, since greeters expect PAM's numbering for their localization
// tables.
func (r Result) WireCode() uint32 {
	switch r {
	case ResultSuccess:
		return 0
	case ResultPermDenied:
		return 6
	case ResultAuthErr:
		return 7
	case ResultUserUnknown:
		return 10
	case ResultNewAuthTokReqd:
		return 12
	case ResultAcctExpired:
		return 13
	case ResultConvErr:
		return 19
	default:
		return 4 // SYSTEM_ERR
	}
}

// ResultError wraps a non-success Result so callers can recover it with
// errors.As without string-matching.
type ResultError struct {
	Result Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("pamauth: %s", e.Result)
}

// AsResult extracts the Result carried by err, defaulting to ResultSystemErr
// for any error that isn't a *ResultError (e.g. an I/O failure starting the
// transaction).
func AsResult(err error) Result {
	if err == nil {
		return ResultSuccess
	}
	if re, ok := err.(*ResultError); ok {
		return re.Result
	}
	return ResultSystemErr
}

// Transaction is one host-authentication conversation for one user,
// exactly the contract §6 lists: start, authenticate, acct_mgmt, chauthtok,
// open/close session, setcred, set/get item, env list, end.
type Transaction interface {
	// Authenticate runs the conversation to verify the user's identity.
	Authenticate() error

	// AcctMgmt checks account validity (expiry, lockout) after a
	// successful Authenticate.
	AcctMgmt() error

	// ChangeExpiredAuthTok drives a password-change conversation; called
	// only after AcctMgmt returns ResultNewAuthTokReqd.
	ChangeExpiredAuthTok() error

	OpenSession() error
	CloseSession() error
	SetCred(action CredAction) error

	SetItem(item Item, value string) error
	GetItem(item Item) (string, error)

	GetEnvList() (map[string]string, error)
	PutEnv(nameval string) error

	// End releases the transaction. Safe to call once; further calls are
	// no-ops.
	End() error
}

// HostAuth opens Transactions against the host authentication stack.
type HostAuth interface {
	// Start begins a new transaction for service (e.g. "login") and user
	// (empty for a conversation that will supply the username itself).
	// conv is invoked on whatever goroutine calls Authenticate/AcctMgmt/
	// ChangeExpiredAuthTok — always the AuthSession's worker thread.
	Start(service, user string, conv ConversationFunc) (Transaction, error)
}
