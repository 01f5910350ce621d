package sasl

import (
	"encoding/base64"
)

// loginStep tracks which half of the two-round-trip LOGIN exchange is
// outstanding.
type loginStep int

const (
	loginAwaitUsername loginStep = iota
	loginAwaitPassword
	loginDone
)

// Base64 of "Username:" and "Password:", the two fixed prompts RFC
// unofficially standardizes for LOGIN clients to pattern-match on.
const (
	loginUsernamePrompt = "VXNlcm5hbWU6"
	loginPasswordPrompt = "UGFzc3dvcmQ6"
)

// Login implements the LOGIN SASL mechanism. It has no RFC of its own —
// it predates RFC 4954 and survives only for legacy client compatibility.
// Prefer PLAIN or CRAM-MD5 for anything new.
type Login struct {
	step     loginStep
	username string
	creds    *Credentials
}

// NewLogin creates a new LOGIN mechanism handler.
func NewLogin() *Login {
	return &Login{step: loginAwaitUsername}
}

// Name returns "LOGIN".
func (l *Login) Name() string {
	return "LOGIN"
}

// Start issues the username prompt. LOGIN has no client-first form.
func (l *Login) Start(initialResponse string) (challenge string, done bool, err error) {
	return loginUsernamePrompt, false, nil
}

// Next advances the username/password exchange by one round trip.
func (l *Login) Next(response string) (challenge string, done bool, err error) {
	if response == "*" {
		l.step = loginDone
		return "", true, ErrAuthenticationCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		l.step = loginDone
		return "", true, ErrInvalidBase64
	}

	switch l.step {
	case loginAwaitUsername:
		l.username = string(decoded)
		l.step = loginAwaitPassword
		return loginPasswordPrompt, false, nil

	case loginAwaitPassword:
		// LOGIN has no authzid concept, so AuthenticationID is the whole
		// identity.
		l.creds = &Credentials{
			AuthenticationID: l.username,
			Password:         string(decoded),
		}
		l.step = loginDone
		return "", true, nil

	default:
		return "", true, ErrInvalidFormat
	}
}

// Credentials returns the extracted credentials.
func (l *Login) Credentials() *Credentials {
	return l.creds
}
