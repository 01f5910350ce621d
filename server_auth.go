package relayd

import (
	"errors"
	"slices"
	"strings"

	"github.com/relaysmith/relayd/sasl"
)

// newMechanism constructs the concrete SASL mechanism for name and the
// AuthWait value that routes the next line read to it.
func newMechanism(s *Server, name string) (sasl.Mechanism, AuthWait, bool) {
	switch name {
	case "PLAIN":
		return sasl.NewPlain(), AuthWaitPlainResponse, true
	case "LOGIN":
		return sasl.NewLogin(), AuthWaitLoginUsername, true
	case "CRAM-MD5":
		return sasl.NewCRAMMD5(s.config.Hostname), AuthWaitCRAMResponse, true
	default:
		return nil, AuthWaitNone, false
	}
}

// handleAuth processes the AUTH command, either completing a one-shot
// exchange (PLAIN with an initial response) or parking the connection in
// AuthWait until the client's next line arrives at handleAuthContinuation.
func (s *Server) handleAuth(conn *Connection, args string) *Response {
	if conn.State() == StateGreeted {
		return &Response{Code: CodeBadSequence, Message: "Error: send EHLO first"}
	}
	if len(s.config.AuthMechanisms) == 0 {
		// "Error: AUTH not implemented" is the exact required wire text; it
		// doesn't fit ResponseCommandNotImplemented's "<command> not
		// implemented" shape, so this stays a literal.
		return &Response{Code: CodeCommandNotImplemented, Message: "Error: AUTH not implemented"}
	}

	name, initial, _ := strings.Cut(strings.TrimSpace(args), " ")
	name = strings.ToUpper(name)
	initial = strings.TrimSpace(initial)
	if name == "" {
		resp := ResponseSyntaxError("Syntax: AUTH mechanism")
		return &resp
	}

	if !slices.Contains(s.config.AuthMechanisms, name) {
		return &Response{Code: CodeParameterNotImpl, Message: "Unrecognized authentication type"}
	}

	mech, wait, ok := newMechanism(s, name)
	if !ok {
		return &Response{Code: CodeParameterNotImpl, Message: "Unrecognized authentication type"}
	}

	challenge, done, err := mech.Start(initial)
	if done {
		return s.finishAuth(conn, name, mech, err)
	}

	conn.setAuthPending(name, mech, wait)
	return &Response{Code: CodeAuthContinue, Message: challenge}
}

// handleAuthContinuation feeds a line received while AuthWait != AuthWaitNone
// to the pending mechanism instead of parsing it as a command.
func (s *Server) handleAuthContinuation(conn *Connection, line string) *Response {
	mech, name := conn.authPending()
	if mech == nil {
		conn.clearAuthPending()
		return &Response{Code: CodeAuthCredentialsInvalid, Message: "Authentication failed."}
	}

	challenge, done, err := mech.Next(line)
	if !done {
		if conn.AuthWait() == AuthWaitLoginUsername {
			conn.setAuthPending(name, mech, AuthWaitLoginPassword)
		}
		return &Response{Code: CodeAuthContinue, Message: challenge}
	}
	return s.finishAuth(conn, name, mech, err)
}

// finishAuth completes a SASL exchange, consulting Handler.HandleAUTH to
// decide validity. Replies carry no enhanced code on success or failure,
// matching RFC 4954's plain "235 Authentication successful."/"535
// Authentication failed." text.
func (s *Server) finishAuth(conn *Connection, name string, mech sasl.Mechanism, exchangeErr error) *Response {
	conn.clearAuthPending()

	if exchangeErr != nil {
		if errors.Is(exchangeErr, sasl.ErrAuthenticationCancelled) {
			return &Response{Code: CodeSyntaxError, Message: "Authentication cancelled"}
		}
		return &Response{Code: CodeAuthCredentialsInvalid, Message: "Authentication failed."}
	}

	creds := mech.Credentials()
	attempt := AuthAttempt{
		Mechanism:  name,
		Username:   creds.AuthenticationID,
		Credential: creds.Password,
		Challenge:  creds.Challenge,
		Digest:     creds.Digest,
	}

	if s.config.Handler == nil || s.config.Handler.HandleAUTH == nil {
		return &Response{Code: CodeAuthCredentialsInvalid, Message: "Authentication failed."}
	}

	if err := s.config.Handler.HandleAUTH(conn.Context(), conn, attempt); err != nil {
		return &Response{Code: CodeAuthCredentialsInvalid, Message: "Authentication failed."}
	}

	conn.SetAuthenticated(name, creds.Identity())
	return &Response{Code: CodeAuthSuccess, Message: "Authentication successful."}
}
