//go:build linux

package pamauth

import (
	"errors"
	"fmt"

	"github.com/msteinert/pam/v2"
)

// PAM delivers its conversation callback one message at a time (the vast
// majority of real modules call conv() with a single-element message
// array even though the protocol allows a batch); our ConversationFunc
// is batch-shaped to match the wire protocol's PROMPT frame, so the
// adapter wraps each single PAM message in a one-element slice. A
// Greeter that wants to coalesce adjacent non-prompt messages into one
// PROMPT frame does so itself by buffering before it hits a prompt style.
type pamHostAuth struct{}

// NewPAM returns the production HostAuth backed by libpam via cgo.
func NewPAM() HostAuth {
	return pamHostAuth{}
}

func (pamHostAuth) Start(service, user string, conv ConversationFunc) (Transaction, error) {
	handler := pam.ConversationFunc(func(style pam.Style, msg string) (string, error) {
		responses, err := conv([]Message{{Style: toMessageStyle(style), Text: msg}})
		if err != nil {
			return "", err
		}
		if len(responses) == 0 {
			return "", nil
		}
		return responses[0], nil
	})

	tx, err := pam.StartFunc(service, user, handler)
	if err != nil {
		return nil, &ResultError{Result: classifyErr(err)}
	}
	return &pamTransaction{tx: tx}, nil
}

func toMessageStyle(s pam.Style) MessageStyle {
	switch s {
	case pam.PromptEchoOn:
		return StylePromptEchoOn
	case pam.PromptEchoOff:
		return StylePromptEchoOff
	case pam.ErrorMsg:
		return StyleErrorMsg
	default:
		return StyleTextInfo
	}
}

type pamTransaction struct {
	tx *pam.Transaction
}

func (t *pamTransaction) Authenticate() error {
	if err := t.tx.Authenticate(pam.Flags(0)); err != nil {
		return &ResultError{Result: classifyErr(err)}
	}
	return nil
}

func (t *pamTransaction) AcctMgmt() error {
	if err := t.tx.AcctMgmt(pam.Flags(0)); err != nil {
		return &ResultError{Result: classifyErr(err)}
	}
	return nil
}

func (t *pamTransaction) ChangeExpiredAuthTok() error {
	if err := t.tx.ChangeAuthTok(pam.Flags(0)); err != nil {
		return &ResultError{Result: classifyErr(err)}
	}
	return nil
}

func (t *pamTransaction) OpenSession() error {
	if err := t.tx.OpenSession(pam.Flags(0)); err != nil {
		return &ResultError{Result: classifyErr(err)}
	}
	return nil
}

func (t *pamTransaction) CloseSession() error {
	if err := t.tx.CloseSession(pam.Flags(0)); err != nil {
		return &ResultError{Result: classifyErr(err)}
	}
	return nil
}

func (t *pamTransaction) SetCred(action CredAction) error {
	var flags pam.Flags
	switch action {
	case CredEstablish:
		flags = pam.EstablishCred
	case CredDelete:
		flags = pam.DeleteCred
	case CredRefresh:
		flags = pam.RefreshCred
	}
	if err := t.tx.SetCred(flags); err != nil {
		return &ResultError{Result: classifyErr(err)}
	}
	return nil
}

func (t *pamTransaction) SetItem(item Item, value string) error {
	if err := t.tx.SetItem(toPamItem(item), value); err != nil {
		return fmt.Errorf("pamauth: set item: %w", err)
	}
	return nil
}

func (t *pamTransaction) GetItem(item Item) (string, error) {
	value, err := t.tx.GetItem(toPamItem(item))
	if err != nil {
		return "", fmt.Errorf("pamauth: get item: %w", err)
	}
	return value, nil
}

func (t *pamTransaction) GetEnvList() (map[string]string, error) {
	env, err := t.tx.GetEnvList()
	if err != nil {
		return nil, fmt.Errorf("pamauth: get env list: %w", err)
	}
	return env, nil
}

func (t *pamTransaction) PutEnv(nameval string) error {
	if err := t.tx.PutEnv(nameval); err != nil {
		return fmt.Errorf("pamauth: put env: %w", err)
	}
	return nil
}

func (t *pamTransaction) End() error {
	return t.tx.End()
}

func toPamItem(item Item) pam.Item {
	switch item {
	case ItemUser:
		return pam.User
	case ItemTTY:
		return pam.Tty
	case ItemRHost:
		return pam.Rhost
	default:
		return pam.User
	}
}

// classifyErr maps a libpam error onto the result taxonomy §4.1 and §7
// define. Unrecognized errors fall back to ResultSystemErr.
func classifyErr(err error) Result {
	var pamErr pam.Error
	if !errors.As(err, &pamErr) {
		return ResultSystemErr
	}

	switch pamErr {
	case pam.ErrAuth, pam.ErrCredInsufficient, pam.ErrCredErr:
		return ResultAuthErr
	case pam.ErrUserUnknown:
		return ResultUserUnknown
	case pam.ErrAcctExpired:
		return ResultAcctExpired
	case pam.ErrNewAuthTokReqd:
		return ResultNewAuthTokReqd
	case pam.ErrPermDenied:
		return ResultPermDenied
	case pam.ErrConv, pam.ErrConvAgain:
		return ResultConvErr
	default:
		return ResultSystemErr
	}
}
