package relayd

import (
	"crypto/tls"
	"log/slog"
	"time"
)

// ServerBuilder provides a fluent API for configuring an SMTP server.
type ServerBuilder struct {
	hostname           string
	addr               string
	logger             *slog.Logger
	tlsConfig          *tls.Config
	requireTLS         bool
	writeTimeout       time.Duration
	dataTimeout        time.Duration
	idleTimeout        time.Duration
	maxMessageSize     int64
	maxRecipients      int
	maxConnections     int
	maxCommands        int64
	maxErrors          int
	maxLineLength      int
	maxReceivedHeaders int
	extensions         []ExtensionConfig
	authMechanisms     []string
	requireAuth        bool
	handler            *Handler
	rateLimiter        *RateLimiter
	ipFilter           *IPFilter
	gracefulShutdown   *bool
	shutdownTimeout    time.Duration
}

// ExtensionConfig holds configuration for an SMTP extension.
type ExtensionConfig struct {
	Name    Extension
	Enabled bool
	Params  map[string]any
}

// New creates a new ServerBuilder.
func New(hostname string) *ServerBuilder {
	return &ServerBuilder{
		hostname:           hostname,
		addr:               ":25",
		writeTimeout:       5 * time.Minute,
		dataTimeout:        10 * time.Minute,
		idleTimeout:        180 * time.Second,
		maxMessageSize:     builtinMaxMessageSize,
		maxLineLength:      512,
		maxReceivedHeaders: 100,
		logger:             slog.Default(),
	}
}

// Addr sets the address to listen on (e.g., ":25", "0.0.0.0:587").
func (b *ServerBuilder) Addr(addr string) *ServerBuilder {
	b.addr = addr
	return b
}

// Logger sets the structured logger for the server.
func (b *ServerBuilder) Logger(logger *slog.Logger) *ServerBuilder {
	b.logger = logger
	return b
}

// TLS configures TLS for the server. This enables the STARTTLS extension.
func (b *ServerBuilder) TLS(config *tls.Config) *ServerBuilder {
	b.tlsConfig = config
	return b
}

// RequireTLS sets ServerConfig.RequireTLS. The session does not read this
// value: AUTH is accepted on a plaintext connection as well.
func (b *ServerBuilder) RequireTLS() *ServerBuilder {
	b.requireTLS = true
	return b
}

// WriteTimeout sets the timeout for writing responses.
func (b *ServerBuilder) WriteTimeout(d time.Duration) *ServerBuilder {
	b.writeTimeout = d
	return b
}

// DataTimeout sets the timeout for reading message data.
func (b *ServerBuilder) DataTimeout(d time.Duration) *ServerBuilder {
	b.dataTimeout = d
	return b
}

// IdleTimeout sets the maximum idle time before disconnect.
func (b *ServerBuilder) IdleTimeout(d time.Duration) *ServerBuilder {
	b.idleTimeout = d
	return b
}

// MaxMessageSize sets the maximum allowed message size in bytes and the
// value advertised in the SIZE extension.
func (b *ServerBuilder) MaxMessageSize(size int64) *ServerBuilder {
	b.maxMessageSize = size
	return b
}

// MaxRecipients sets the maximum recipients per message.
func (b *ServerBuilder) MaxRecipients(n int) *ServerBuilder {
	b.maxRecipients = n
	return b
}

// MaxConnections sets the maximum concurrent connections.
func (b *ServerBuilder) MaxConnections(n int) *ServerBuilder {
	b.maxConnections = n
	return b
}

// MaxCommands sets the maximum commands per connection.
func (b *ServerBuilder) MaxCommands(n int64) *ServerBuilder {
	b.maxCommands = n
	return b
}

// MaxErrors sets the maximum errors before disconnect.
func (b *ServerBuilder) MaxErrors(n int) *ServerBuilder {
	b.maxErrors = n
	return b
}

// MaxLineLength sets the maximum command line length.
func (b *ServerBuilder) MaxLineLength(n int) *ServerBuilder {
	b.maxLineLength = n
	return b
}

// MaxReceivedHeaders sets the maximum number of Received headers allowed
// before rejecting the message as a mail loop. Recommended: at least 100.
func (b *ServerBuilder) MaxReceivedHeaders(n int) *ServerBuilder {
	b.maxReceivedHeaders = n
	return b
}

// GracefulShutdown sets ServerConfig.GracefulShutdown. The server installs no
// signal handlers, and the value has no further effect.
func (b *ServerBuilder) GracefulShutdown(enabled bool) *ServerBuilder {
	b.gracefulShutdown = &enabled
	return b
}

// ShutdownTimeout sets the timeout for graceful shutdown.
func (b *ServerBuilder) ShutdownTimeout(d time.Duration) *ServerBuilder {
	b.shutdownTimeout = d
	return b
}

// RateLimiter installs a connection rate limiter, checked before a new
// connection is accepted into the server.
func (b *ServerBuilder) RateLimiter(rl *RateLimiter) *ServerBuilder {
	b.rateLimiter = rl
	return b
}

// IPFilter installs an IP allow/deny filter, checked before a new
// connection is accepted into the server.
func (b *ServerBuilder) IPFilter(f *IPFilter) *ServerBuilder {
	b.ipFilter = f
	return b
}

// Handler installs the capability set the session dispatches into. Only
// one Handler can be installed; later calls replace earlier ones.
func (b *ServerBuilder) Handler(h *Handler) *ServerBuilder {
	b.handler = h
	return b
}

// Auth enables AUTH with the given mechanisms (e.g. "PLAIN", "LOGIN",
// "CRAM-MD5"). Validate attempts via Handler.HandleAUTH.
func (b *ServerBuilder) Auth(mechanisms ...string) *ServerBuilder {
	b.authMechanisms = mechanisms
	return b
}

// RequireAuth sets ServerConfig.RequireAuth and, if no mechanisms were
// configured, enables AUTH PLAIN. The session itself does not refuse MAIL
// from an unauthenticated client; a Handler.HandleMAIL that returns
// ErrAuthRequired does.
func (b *ServerBuilder) RequireAuth() *ServerBuilder {
	b.requireAuth = true
	if b.authMechanisms == nil {
		b.authMechanisms = []string{"PLAIN"}
	}
	return b
}

// Extension adds an opt-in SMTP extension, e.g. DSN(). Build acts only on
// DSN; any other extension config is ignored.
func (b *ServerBuilder) Extension(ext ExtensionConfig) *ServerBuilder {
	b.extensions = append(b.extensions, ext)
	return b
}

// Build creates a Server from the builder configuration.
func (b *ServerBuilder) Build() (*Server, error) {
	config := ServerConfig{
		Hostname:           b.hostname,
		Addr:               b.addr,
		TLSConfig:          b.tlsConfig,
		RequireTLS:         b.requireTLS,
		MaxMessageSize:     b.maxMessageSize,
		MaxRecipients:      b.maxRecipients,
		MaxConnections:     b.maxConnections,
		MaxCommands:        b.maxCommands,
		MaxErrors:          b.maxErrors,
		WriteTimeout:       b.writeTimeout,
		DataTimeout:        b.dataTimeout,
		IdleTimeout:        b.idleTimeout,
		MaxLineLength:      b.maxLineLength,
		MaxReceivedHeaders: b.maxReceivedHeaders,
		GracefulShutdown:   true,
		ShutdownTimeout:    30 * time.Second,
		Logger:             b.logger,
		Handler:            b.handler,
		AuthMechanisms:     b.authMechanisms,
		RequireAuth:        b.requireAuth,
	}

	if b.gracefulShutdown != nil {
		config.GracefulShutdown = *b.gracefulShutdown
	}
	if b.shutdownTimeout > 0 {
		config.ShutdownTimeout = b.shutdownTimeout
	}

	for _, ext := range b.extensions {
		if ext.Name == ExtDSN {
			config.EnableDSN = true
		}
	}

	server, err := NewServer(config)
	if err != nil {
		return nil, err
	}
	server.rateLimiter = b.rateLimiter
	server.ipFilter = b.ipFilter
	return server, nil
}

// Run builds and starts the server.
func (b *ServerBuilder) Run() error {
	server, err := b.Build()
	if err != nil {
		return err
	}
	return server.ListenAndServe()
}

// RunTLS builds and starts the server with implicit TLS.
func (b *ServerBuilder) RunTLS() error {
	server, err := b.Build()
	if err != nil {
		return err
	}
	return server.ListenAndServeTLS()
}
