package imapx

import (
	"context"
	"fmt"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"

	"mailscout/internal/model"
)

// TokenSource supplies OAuth access tokens for XOAUTH2 authentication.
// Refresh is called at most once per connect attempt, after the server
// rejects the current token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// PasswordSource supplies the account password from the keyring.
type PasswordSource interface {
	Password(account string) (string, error)
}

// Authenticator performs the login step of a connect, applying the
// one-shot refresh policy for token-based accounts.
type Authenticator struct {
	Passwords PasswordSource
	Tokens    TokenSource
}

// Login authenticates c for the account. Token-based auth that fails
// gets exactly one token refresh and one more attempt before the
// failure surfaces.
func (a *Authenticator) Login(ctx context.Context, c *client.Client, account *model.Account, purpose Purpose) error {
	switch account.AuthType {
	case model.AuthGmail, model.AuthOAuth:
		if a.Tokens == nil {
			return &Error{Kind: KindConfiguration, Message: "no token source configured for oauth account"}
		}
		token, err := a.Tokens.Token(ctx)
		if err != nil {
			return Errorf(KindAuth, err, "obtaining access token")
		}
		if err := a.xoauth2(c, account.User, token); err == nil {
			return nil
		}

		// The stored token may have expired; refresh once and retry.
		token, err = a.Tokens.Refresh(ctx)
		if err != nil {
			return Errorf(KindAuth, err, "refreshing access token")
		}
		if err := a.xoauth2(c, account.User, token); err != nil {
			return Errorf(KindAuth, err, "authenticating %s", account.User)
		}
		return nil

	default:
		if a.Passwords == nil {
			return &Error{Kind: KindConfiguration, Message: "no password source configured"}
		}
		password, err := a.Passwords.Password(account.Name)
		if err != nil {
			return Errorf(KindConfiguration, err, "reading password for %s", account.Name)
		}
		if err := c.Login(account.User, password); err != nil {
			if purpose == PurposeCheck {
				// During a connectivity check the raw server text is
				// what the user needs to see.
				return &Error{
					Kind:    KindAuth,
					Message: fmt.Sprintf("login rejected for %s: %v", account.User, err),
				}
			}
			return Errorf(KindAuth, err, "authenticating %s", account.User)
		}
		return nil
	}
}

func (a *Authenticator) xoauth2(c *client.Client, user, token string) error {
	return c.Authenticate(&xoauth2Client{user: user, token: token})
}

// xoauth2Client implements the SASL XOAUTH2 mechanism used by Gmail
// and Outlook. The whole exchange fits in the initial response; a
// challenge from the server carries an error blob and is answered with
// an empty response so the final NO arrives.
type xoauth2Client struct {
	user  string
	token string
	done  bool
}

var _ sasl.Client = (*xoauth2Client)(nil)

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.user + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if c.done {
		return nil, fmt.Errorf("xoauth2: unexpected server challenge")
	}
	c.done = true
	return []byte{}, nil
}
