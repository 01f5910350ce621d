package relayd

import "errors"

// Sentinel errors for the session's error handling taxonomy. The session
// maps each of these to a reply code in exactly one place rather than
// matching on message text, so callers should prefer errors.Is over
// inspecting a *Response's fields.
var (
	ErrServerClosed = errors.New("smtp: server closed")

	// Syntax errors: bad verb arguments, bad address, malformed base64.
	ErrSyntax = errors.New("smtp: syntax error")

	// Sequencing errors: command issued out of order for the current state.
	ErrSequencing = errors.New("smtp: command out of sequence")

	// Policy rejections: the handler declined an otherwise well-formed request.
	ErrPolicyRejected = errors.New("smtp: rejected by policy")

	// Capacity errors: SIZE cap exceeded, declared or measured.
	ErrMessageTooLarge  = errors.New("smtp: message too large")
	ErrTooManyRecipents = errors.New("smtp: too many recipients")

	// Auth failures.
	ErrAuthFailed   = errors.New("smtp: authentication failed")
	ErrAuthRequired = errors.New("smtp: authentication required")

	// Transport failures: read/write error, TLS handshake failure.
	ErrTransport   = errors.New("smtp: transport failure")
	ErrTLSRequired = errors.New("smtp: TLS required")

	// Timeout: idle deadline exceeded with no inbound byte.
	ErrTimeout = errors.New("smtp: timeout")

	// Fatal: framer exceeded its buffer with no terminator found.
	ErrFatalFraming = errors.New("smtp: fatal framing error")

	Err8BitIn7BitMode = errors.New("smtp: 8-bit data in 7BIT mode")
	ErrInvalidCommand = errors.New("smtp: invalid command")
	ErrLoopDetected   = errors.New("smtp: mail loop detected (too many Received headers)")

	// ErrAddressSyntax, ErrAddressTooLong and ErrAddressBrackets are
	// returned by ParsePath; see address.go.
)
