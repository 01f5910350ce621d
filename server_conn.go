package relayd

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/relaysmith/relayd/frame"
	"github.com/relaysmith/relayd/sasl"
)

// ConnectionState represents the current state of an SMTP session.
type ConnectionState int

const (
	// StateGreeted is the state right after the banner, before HELO/EHLO.
	StateGreeted ConnectionState = iota
	// StateIdentified follows a successful HELO/EHLO, before MAIL.
	StateIdentified
	// StateSender follows MAIL, before any RCPT.
	StateSender
	// StateRecipient follows at least one accepted RCPT.
	StateRecipient
	// StateDataHeaders is entered on DATA while the header block is read.
	StateDataHeaders
	// StateDataBody is entered once the header block ends.
	StateDataBody
	// StateAuthPending names an in-progress AUTH challenge/response exchange.
	// The session does not enter it; an exchange is tracked by AuthWait while
	// the connection keeps its current state.
	StateAuthPending
	// StateClosing marks a connection that is being torn down.
	StateClosing
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateGreeted:
		return "GREETED"
	case StateIdentified:
		return "IDENTIFIED"
	case StateSender:
		return "SENDER"
	case StateRecipient:
		return "RECIPIENT"
	case StateDataHeaders:
		return "DATA_HEADERS"
	case StateDataBody:
		return "DATA_BODY"
	case StateAuthPending:
		return "AUTH_PENDING"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

// AuthWait tracks which half of a SASL exchange the session is waiting on.
// It is orthogonal to ConnectionState: a connection can be AuthWaitPlainResponse
// while logically still in StateIdentified, StateSender or StateRecipient.
type AuthWait int

const (
	AuthWaitNone AuthWait = iota
	AuthWaitPlainResponse
	AuthWaitLoginUsername
	AuthWaitLoginPassword
	AuthWaitCRAMResponse
)

// Extension represents an SMTP extension advertised via EHLO response.
type Extension string

const (
	Ext8BitMIME            Extension = "8BITMIME"
	ExtPipelining          Extension = "PIPELINING"
	ExtSMTPUTF8            Extension = "SMTPUTF8"
	ExtSTARTTLS            Extension = "STARTTLS"
	ExtSize                Extension = "SIZE"
	ExtDSN                 Extension = "DSN"
	ExtAuth                Extension = "AUTH"
	ExtEnhancedStatusCodes Extension = "ENHANCEDSTATUSCODES"
	ExtRequireTLS          Extension = "REQUIRETLS"
)

// TLSInfo contains information about the TLS connection.
type TLSInfo struct {
	Enabled            bool
	Version            uint16
	CipherSuite        uint16
	ServerName         string
	PeerCertificates   [][]byte
	NegotiatedProtocol string
}

// AuthInfo contains information about client authentication.
type AuthInfo struct {
	Authenticated   bool
	Mechanism       string
	Identity        string
	AuthenticatedAt time.Time
}

// ConnectionTrace contains diagnostic information for a connection.
type ConnectionTrace struct {
	ID               string
	RemoteAddr       net.Addr
	LocalAddr        net.Addr
	ConnectedAt      time.Time
	ClientHostname   string
	CommandCount     int64
	TransactionCount int64
	BytesRead        int64
	BytesWritten     int64
	LastActivity     time.Time
	Errors           []error
}

// ConnectionLimits defines resource limits for a connection.
type ConnectionLimits struct {
	MaxMessageSize int64
	MaxRecipients  int
	MaxCommands    int64
	MaxErrors      int
	IdleTimeout    time.Duration
	DataTimeout    time.Duration
}

// Connection represents an SMTP session: one transport, one cooperative
// state machine, never interleaved with another session's callbacks.
type Connection struct {
	conn           net.Conn
	ctx            context.Context
	cancel         context.CancelFunc
	framer         *frame.Framer
	writer         *bufio.Writer
	mu             sync.RWMutex
	state          ConnectionState
	Trace          ConnectionTrace
	TLS            TLSInfo
	Auth           AuthInfo
	Limits         ConnectionLimits
	Extensions     map[Extension]string
	currentMail    *Mail
	serverHostname string

	// authWait/authMechanismName/authMechanism track an in-progress AUTH
	// exchange across command-loop iterations; authMechanism is nil when
	// no exchange is active.
	authWait          AuthWait
	authMechanismName string
	authMechanism     sasl.Mechanism

	// handlerState is opaque storage a Handler may use to carry its own
	// state across callbacks for this connection.
	handlerState any

	closedChan chan struct{}
	closed     bool
}

// NewConnection creates a new Connection from a net.Conn.
func NewConnection(ctx context.Context, conn net.Conn, serverHostname string, limits ConnectionLimits, bufioSize int) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	now := time.Now()

	c := &Connection{
		conn:   conn,
		ctx:    connCtx,
		cancel: cancel,
		framer: frame.New(bufio.NewReaderSize(conn, bufioSize)),
		writer: bufio.NewWriterSize(conn, bufioSize),
		state:  StateGreeted,
		Trace: ConnectionTrace{
			RemoteAddr:   conn.RemoteAddr(),
			LocalAddr:    conn.LocalAddr(),
			ConnectedAt:  now,
			LastActivity: now,
		},
		Limits:         limits,
		Extensions:     make(map[Extension]string),
		serverHostname: serverHostname,
		closedChan:     make(chan struct{}),
	}

	return c
}

func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) State() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// StateInfo returns multiple state values in a single lock acquisition.
type StateInfo struct {
	State           ConnectionState
	IsTLS           bool
	IsAuthenticated bool
}

// GetStateInfo returns connection state, TLS status, and auth status atomically.
func (c *Connection) GetStateInfo() StateInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return StateInfo{
		State:           c.state,
		IsTLS:           c.TLS.Enabled,
		IsAuthenticated: c.Auth.Authenticated,
	}
}

// SetState sets the connection state.
func (c *Connection) SetState(state ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Connection) IsTLS() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TLS.Enabled
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Auth.Authenticated
}

// SetAuthenticated records a successful SASL exchange.
func (c *Connection) SetAuthenticated(mechanism, identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Auth = AuthInfo{
		Authenticated:   true,
		Mechanism:       mechanism,
		Identity:        identity,
		AuthenticatedAt: time.Now(),
	}
}

// CurrentMail returns the current mail transaction, or nil if none is active.
func (c *Connection) CurrentMail() *Mail {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentMail
}

// BeginTransaction starts a new mail transaction.
func (c *Connection) BeginTransaction() *Mail {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentMail = NewMail()
	c.currentMail.ReceivedAt = time.Now()
	return c.currentMail
}

// ResetTransaction aborts the current mail transaction (RSET command) and
// returns the connection to StateIdentified; auth state is untouched.
func (c *Connection) ResetTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentMail = nil
	if c.state != StateGreeted {
		c.state = StateIdentified
	}
}

// CompleteTransaction finalizes the current mail transaction.
func (c *Connection) CompleteTransaction() *Mail {
	c.mu.Lock()
	defer c.mu.Unlock()
	mail := c.currentMail
	c.currentMail = nil
	c.state = StateIdentified
	c.Trace.TransactionCount++
	return mail
}

// setAuthPending records an in-progress SASL exchange so the next line read
// by the command loop is routed to the continuation handler instead of
// being parsed as a command.
func (c *Connection) setAuthPending(name string, mechanism sasl.Mechanism, wait AuthWait) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authMechanismName = name
	c.authMechanism = mechanism
	c.authWait = wait
}

// clearAuthPending ends an in-progress SASL exchange, successful or not.
func (c *Connection) clearAuthPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authMechanismName = ""
	c.authMechanism = nil
	c.authWait = AuthWaitNone
}

// AuthWait reports which half of a SASL exchange, if any, is outstanding.
func (c *Connection) AuthWait() AuthWait {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authWait
}

// authPending returns the active mechanism and its name, or (nil, "") if
// no exchange is in progress.
func (c *Connection) authPending() (sasl.Mechanism, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authMechanism, c.authMechanismName
}

// Close closes the connection and releases resources.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()
	close(c.closedChan)

	_ = c.writer.Flush()

	return c.conn.Close()
}

// Done returns a channel that is closed when the connection is terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.closedChan
}

// UpdateActivity updates the last activity timestamp and increments command count.
func (c *Connection) UpdateActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Trace.LastActivity = time.Now()
	c.Trace.CommandCount++
}

// RecordError records an error for this connection.
func (c *Connection) RecordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Trace.Errors = append(c.Trace.Errors, err)
}

// ErrorCount returns the number of errors recorded for this connection.
func (c *Connection) ErrorCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.Trace.Errors)
}

// SetClientHostname sets the hostname from EHLO/HELO.
func (c *Connection) SetClientHostname(hostname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Trace.ClientHostname = hostname
}

// SetExtension sets an extension with optional parameters.
func (c *Connection) SetExtension(ext Extension, params string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Extensions[ext] = params
}

// ResetExtensions clears the advertised extension set, e.g. on a bare HELO
// which offers none, or before EHLO repopulates it.
func (c *Connection) ResetExtensions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Extensions = make(map[Extension]string)
}

// RemoveExtension removes an extension, e.g. STARTTLS after negotiation.
func (c *Connection) RemoveExtension(ext Extension) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Extensions, ext)
}

// HasExtension checks if an extension is enabled, case-insensitively.
func (c *Connection) HasExtension(ext Extension) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.Extensions[ext]; ok {
		return true
	}
	for name := range c.Extensions {
		if strings.EqualFold(string(name), string(ext)) {
			return true
		}
	}
	return false
}

// UpgradeToTLS upgrades the connection to TLS using STARTTLS. Per RFC 3207
// the session must discard any prior envelope and auth state, since the
// channel binding has changed underneath them.
func (c *Connection) UpgradeToTLS(config *tls.Config, bufioSize int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tlsConn := tls.Server(c.conn, config)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	c.conn = tlsConn
	c.framer = frame.New(bufio.NewReaderSize(tlsConn, bufioSize))
	c.writer = bufio.NewWriterSize(tlsConn, bufioSize)

	state := tlsConn.ConnectionState()
	c.TLS = TLSInfo{
		Enabled:            true,
		Version:            state.Version,
		CipherSuite:        state.CipherSuite,
		ServerName:         state.ServerName,
		NegotiatedProtocol: state.NegotiatedProtocol,
	}

	for _, cert := range state.PeerCertificates {
		c.TLS.PeerCertificates = append(c.TLS.PeerCertificates, cert.Raw)
	}

	c.currentMail = nil
	c.Auth = AuthInfo{}
	c.authMechanismName = ""
	c.authMechanism = nil
	c.authWait = AuthWaitNone
	c.state = StateGreeted

	return nil
}

// GenerateReceivedHeader creates a Received header for the current transaction.
func (c *Connection) GenerateReceivedHeader(forRecipient string) TraceField {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var protocol string

	useUTF8 := c.currentMail != nil && c.currentMail.Envelope.SMTPUTF8

	if useUTF8 {
		protocol = "UTF8SMTP"
		if c.TLS.Enabled {
			protocol = "UTF8SMTPS"
		}
	} else {
		protocol = "SMTP"
		if c.TLS.Enabled {
			protocol = "ESMTPS"
		} else if len(c.Extensions) > 0 {
			protocol = "ESMTP"
		}
	}

	if c.Auth.Authenticated {
		protocol += "A"
	}

	return TraceField{
		Type:       "Received",
		FromDomain: c.Trace.ClientHostname,
		FromIP:     c.Trace.RemoteAddr.String(),
		ByDomain:   c.serverHostname,
		Via:        "TCP",
		With:       protocol,
		For:        forRecipient,
		Timestamp:  time.Now(),
		TLS:        c.TLS.Enabled,
	}
}
