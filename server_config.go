package relayd

import (
	"context"
	"crypto/tls"
	"log/slog"
	"time"
)

// ServerConfig contains configuration options for the SMTP server.
// Prefer using the builder pattern via New().
type ServerConfig struct {
	Hostname           string
	Addr               string
	TLSConfig          *tls.Config
	RequireTLS         bool
	AuthMechanisms     []string
	RequireAuth        bool
	MaxMessageSize     int64
	MaxRecipients      int
	MaxConnections     int
	MaxCommands        int64
	MaxErrors          int
	WriteTimeout       time.Duration
	DataTimeout        time.Duration
	IdleTimeout        time.Duration
	MaxLineLength      int
	EnableDSN          bool
	MaxReceivedHeaders int
	GracefulShutdown   bool
	ShutdownTimeout    time.Duration
	Logger             *slog.Logger
	Handler            *Handler
}

// builtinMaxMessageSize is the session's default SIZE advertisement.
const builtinMaxMessageSize = 10485670

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:               ":25",
		MaxMessageSize:     builtinMaxMessageSize,
		WriteTimeout:       5 * time.Minute,
		DataTimeout:        10 * time.Minute,
		IdleTimeout:        180 * time.Second,
		MaxLineLength:      512,
		MaxReceivedHeaders: 100, // RFC 5321 Section 6.3 recommends at least 100
		EnableDSN:          false,
		AuthMechanisms:     nil,
		GracefulShutdown:   true,
		ShutdownTimeout:    30 * time.Second,
		Logger:             slog.Default(),
	}
}

// SubmissionConfig returns a ServerConfig for mail submission (port 587).
func SubmissionConfig() ServerConfig {
	config := DefaultServerConfig()
	config.Addr = ":587"
	config.AuthMechanisms = []string{"PLAIN", "LOGIN", "CRAM-MD5"}
	config.RequireAuth = true
	config.RequireTLS = true
	return config
}

// AuthAttempt carries the result of a completed SASL exchange to
// Handler.HandleAUTH. Credential is the cleartext password for PLAIN and
// LOGIN; for CRAM-MD5 it is empty and Digest/Challenge are set instead,
// since the session never sees the client's cleartext password for that
// mechanism and the handler must verify the digest itself, typically with
// sasl.VerifyDigest against its own copy of the password.
type AuthAttempt struct {
	Mechanism  string
	Username   string
	Credential string
	Challenge  string
	Digest     string
}

// Handler defines the application-level callbacks a session invokes as it
// processes a connection. Every field is optional; a nil field means "not
// implemented" and the session falls back to the taxonomy's default reply
// for that capability.
type Handler struct {
	// Init is called once, before the greeting is sent. An error aborts
	// the connection with a 554 instead of greeting it.
	Init func(ctx context.Context, conn *Connection) error

	// Terminate is called exactly once as the session ends, for any reason.
	Terminate func(ctx context.Context, conn *Connection, reason error)

	// HandleHELO validates a HELO hostname.
	HandleHELO func(ctx context.Context, conn *Connection, hostname string) error

	// HandleEHLO validates an EHLO hostname and may adjust the final
	// extension set to advertise; a nil returned map keeps the built-in set.
	HandleEHLO func(ctx context.Context, conn *Connection, hostname string, builtin map[Extension]string) (map[Extension]string, error)

	// HandleMAIL validates the MAIL FROM reverse-path.
	HandleMAIL func(ctx context.Context, conn *Connection, from MailboxAddress) error

	// HandleMAILExtension is consulted for MAIL FROM parameters the session
	// does not itself recognize (SIZE and BODY are handled by the session).
	HandleMAILExtension func(ctx context.Context, conn *Connection, token string) error

	// HandleRCPT validates a single forward-path.
	HandleRCPT func(ctx context.Context, conn *Connection, to MailboxAddress) error

	// HandleRCPTExtension mirrors HandleMAILExtension for RCPT TO parameters.
	HandleRCPTExtension func(ctx context.Context, conn *Connection, token string) error

	// HandleDATA receives the complete envelope and body. A non-empty
	// reference is echoed in the 250 reply; an empty one is replaced with a
	// freshly generated identifier.
	HandleDATA func(ctx context.Context, conn *Connection, mail *Mail) (reference string, err error)

	// HandleRSET observes a reset; the envelope has already been cleared.
	HandleRSET func(ctx context.Context, conn *Connection)

	// HandleVRFY answers a VRFY request.
	HandleVRFY func(ctx context.Context, conn *Connection, arg string) (string, error)

	// HandleAUTH validates a completed SASL exchange.
	HandleAUTH func(ctx context.Context, conn *Connection, attempt AuthAttempt) error

	// HandleOther answers any verb the session does not itself implement
	// (EXPN, HELP, and anything nonstandard). A nil *Response falls back to
	// the session's default reply for that verb.
	HandleOther func(ctx context.Context, conn *Connection, verb, arg string) *Response

	// OnStartTLS observes a successful STARTTLS handshake.
	OnStartTLS func(ctx context.Context, conn *Connection)
}
