package relayd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaysmith/relayd/frame"
	"github.com/relaysmith/relayd/utils"
)

// Server is an SMTP server that handles concurrent connections, one
// independent cooperative session per connection.
type Server struct {
	config   ServerConfig
	listener net.Listener

	rateLimiter *RateLimiter
	ipFilter    *IPFilter

	connMu      sync.Mutex
	connections map[*Connection]struct{}
	connCount   atomic.Int64

	ctx        context.Context
	cancel     context.CancelFunc
	shutdownWg sync.WaitGroup
	closed     atomic.Bool
}

// Command is an SMTP verb, upper-cased to its canonical form for recognized
// commands. An unrecognized verb is preserved verbatim.
type Command string

const (
	CmdHelo     Command = "HELO"
	CmdEhlo     Command = "EHLO"
	CmdMail     Command = "MAIL"
	CmdRcpt     Command = "RCPT"
	CmdData     Command = "DATA"
	CmdRset     Command = "RSET"
	CmdVrfy     Command = "VRFY"
	CmdExpn     Command = "EXPN"
	CmdHelp     Command = "HELP"
	CmdNoop     Command = "NOOP"
	CmdQuit     Command = "QUIT"
	CmdStartTLS Command = "STARTTLS"
	CmdAuth     Command = "AUTH"
)

// NewServer creates a new SMTP server with the given configuration.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Hostname == "" {
		return nil, errors.New("smtp: hostname is required")
	}

	if config.Addr == "" {
		config.Addr = ":25"
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 5 * time.Minute
	}
	if config.DataTimeout == 0 {
		config.DataTimeout = 10 * time.Minute
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = 180 * time.Second
	}
	if config.MaxLineLength == 0 {
		config.MaxLineLength = 512
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = builtinMaxMessageSize
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		config:      config,
		connections: make(map[*Connection]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// ListenAndServe starts the SMTP server on the configured address.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen: %w", err)
	}
	return s.Serve(listener)
}

// ListenAndServeTLS starts the SMTP server with implicit TLS.
func (s *Server) ListenAndServeTLS() error {
	if s.config.TLSConfig == nil {
		return errors.New("smtp: TLS config is required for TLS server")
	}
	listener, err := tls.Listen("tcp", s.config.Addr, s.config.TLSConfig)
	if err != nil {
		return fmt.Errorf("smtp: failed to listen TLS: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on the listener and handles them.
func (s *Server) Serve(listener net.Listener) error {
	s.listener = listener

	s.config.Logger.Info("SMTP server started",
		slog.String("addr", listener.Addr().String()),
		slog.String("hostname", s.config.Hostname),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			s.config.Logger.Error("accept error", slog.Any("error", err))
			continue
		}

		if s.config.MaxConnections > 0 && s.connCount.Load() >= int64(s.config.MaxConnections) {
			s.config.Logger.Warn("connection limit reached", slog.String("remote", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}

		ip := extractIP(conn.RemoteAddr())
		if s.ipFilter != nil && !s.ipFilter.IsAllowed(ip) {
			s.config.Logger.Warn("connection denied by IP filter", slog.String("remote", ip))
			_ = conn.Close()
			continue
		}
		if s.rateLimiter != nil && !s.rateLimiter.Allow(ip) {
			s.config.Logger.Warn("connection rate-limited", slog.String("remote", ip))
			_ = conn.Close()
			continue
		}

		s.shutdownWg.Add(1)
		go s.handleConnection(conn)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sendShutdownResponse()

	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.connMu.Lock()
		for conn := range s.connections {
			_ = conn.Close()
		}
		s.connMu.Unlock()
		return ctx.Err()
	}
}

// Close immediately closes the server and all connections.
func (s *Server) Close() error {
	s.closed.Store(true)
	s.cancel()

	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.sendShutdownResponse()

	s.connMu.Lock()
	for conn := range s.connections {
		_ = conn.Close()
	}
	s.connMu.Unlock()

	return nil
}

// sendShutdownResponse sends a 421 response to all connected clients.
func (s *Server) sendShutdownResponse() {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	for conn := range s.connections {
		_ = conn.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		resp := ResponseServiceUnavailable(s.config.Hostname, fmt.Sprintf("Service shutting down [%s]", conn.Trace.ID))
		line := resp.String() + "\r\n"
		_, _ = conn.writer.WriteString(line)
		_ = conn.writer.Flush()
		_ = conn.conn.Close()
	}
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(netConn net.Conn) {
	defer s.shutdownWg.Done()

	limits := ConnectionLimits{
		MaxMessageSize: s.config.MaxMessageSize,
		MaxRecipients:  s.config.MaxRecipients,
		MaxCommands:    s.config.MaxCommands,
		MaxErrors:      s.config.MaxErrors,
		IdleTimeout:    s.config.IdleTimeout,
		DataTimeout:    s.config.DataTimeout,
	}

	conn := NewConnection(s.ctx, netConn, s.config.Hostname, limits, s.config.MaxLineLength*16)
	conn.Trace.ID = utils.GenerateID()

	defer recoverPanic(s.config.Logger, conn.Trace.ID)

	if tlsConn, ok := netConn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState()
		conn.TLS = TLSInfo{
			Enabled:            true,
			Version:            state.Version,
			CipherSuite:        state.CipherSuite,
			ServerName:         state.ServerName,
			NegotiatedProtocol: state.NegotiatedProtocol,
		}
	}

	s.connMu.Lock()
	s.connections[conn] = struct{}{}
	s.connMu.Unlock()
	s.connCount.Add(1)

	var terminateReason error

	defer func() {
		s.connMu.Lock()
		delete(s.connections, conn)
		s.connMu.Unlock()
		s.connCount.Add(-1)

		if s.config.Handler != nil && s.config.Handler.Terminate != nil {
			s.config.Handler.Terminate(conn.Context(), conn, terminateReason)
		}
		_ = conn.Close()
	}()

	logger := s.config.Logger.With(
		slog.String("conn_id", conn.Trace.ID),
		slog.String("remote", conn.RemoteAddr().String()),
	)

	logger.Info("client connected")

	if s.config.Handler != nil && s.config.Handler.Init != nil {
		if err := s.config.Handler.Init(conn.Context(), conn); err != nil {
			logger.Warn("connection rejected", slog.Any("error", err))
			s.writeResponse(conn, ResponseTransactionFailed("Connection rejected", ESCPermFailure))
			terminateReason = err
			return
		}
	}

	s.writeResponse(conn, ResponseServiceReady(s.config.Hostname, fmt.Sprintf("ESMTP ready [%s]", conn.Trace.ID)))

	terminateReason = s.commandLoop(conn, logger)

	logger.Info("client disconnected",
		slog.Int64("commands", conn.Trace.CommandCount),
		slog.Int("errors", len(conn.Trace.Errors)),
		slog.Int64("transactions", conn.Trace.TransactionCount),
	)
}

// commandLoop processes commands from the client until the session ends,
// returning the reason it stopped.
func (s *Server) commandLoop(conn *Connection, logger *slog.Logger) error {
	for {
		select {
		case <-conn.Context().Done():
			return conn.Context().Err()
		default:
		}

		if err := conn.conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout)); err != nil {
			return err
		}

		line, err := conn.framer.ReadLine(s.config.MaxLineLength, false)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return err
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.writeResponse(conn, Response{Code: CodeServiceUnavailable, Message: "Error: timeout exceeded"})
				return ErrTimeout
			}
			if errors.Is(err, frame.ErrLineTooLong) {
				s.writeResponse(conn, Response{Code: CodeSyntaxError, Message: "Line too long"})
				conn.RecordError(err)
				continue
			}
			if errors.Is(err, frame.ErrBadLineEnding) {
				s.writeResponse(conn, Response{Code: CodeSyntaxError, Message: "Line must be terminated with CRLF"})
				conn.RecordError(err)
				continue
			}
			logger.Error("read error", slog.Any("error", err))
			return ErrTransport
		}

		conn.UpdateActivity()

		if conn.Limits.MaxCommands > 0 && conn.Trace.CommandCount > conn.Limits.MaxCommands {
			s.writeResponse(conn, Response{Code: CodeServiceUnavailable, Message: "Too many commands"})
			return ErrFatalFraming
		}

		if conn.Limits.MaxErrors > 0 && conn.ErrorCount() >= conn.Limits.MaxErrors {
			s.writeResponse(conn, Response{Code: CodeServiceUnavailable, Message: "Too many errors"})
			return ErrFatalFraming
		}

		var response *Response
		if conn.AuthWait() != AuthWaitNone {
			response = s.handleAuthContinuation(conn, line)
		} else {
			cmd, args, _ := parseCommand(line)
			logger.Debug("command received", slog.String("cmd", string(cmd)), slog.String("args", args))
			response = s.handleCommand(conn, cmd, args, logger)
		}

		if response != nil {
			s.writeResponse(conn, *response)
		}

		if conn.State() == StateClosing {
			return nil
		}
	}
}

// handleCommand processes a single SMTP command.
func (s *Server) handleCommand(conn *Connection, cmd Command, args string, logger *slog.Logger) *Response {
	switch cmd {
	case CmdHelo:
		return s.handleHelo(conn, args)
	case CmdEhlo:
		return s.handleEhlo(conn, args)
	case CmdMail:
		return s.handleMail(conn, args)
	case CmdRcpt:
		return s.handleRcpt(conn, args)
	case CmdData:
		return s.handleData(conn, logger)
	case CmdRset:
		return s.handleRset(conn)
	case CmdVrfy:
		return s.handleVrfy(conn, args)
	case CmdExpn:
		return s.handleExpn(conn, args)
	case CmdHelp:
		return s.handleHelp(conn, args)
	case CmdNoop:
		return &Response{Code: CodeOK, Message: "Ok"}
	case CmdQuit:
		return s.handleQuit(conn)
	case CmdStartTLS:
		return s.handleStartTLS(conn, args)
	case CmdAuth:
		return s.handleAuth(conn, args)
	default:
		if s.config.Handler != nil && s.config.Handler.HandleOther != nil {
			if resp := s.config.Handler.HandleOther(conn.Context(), conn, string(cmd), args); resp != nil {
				return resp
			}
		}
		conn.RecordError(fmt.Errorf("unknown command: %s", cmd))
		resp := ResponseCommandNotRecognized(string(cmd))
		return &resp
	}
}

// writeResponse sends a single response to the client.
func (s *Server) writeResponse(conn *Connection, resp Response) {
	if err := conn.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return
	}

	line := resp.String() + "\r\n"
	if _, err := conn.writer.WriteString(line); err != nil {
		conn.RecordError(err)
		return
	}
	_ = conn.writer.Flush()
}

// writeMultilineResponse sends a multiline response, e.g. the EHLO reply.
func (s *Server) writeMultilineResponse(conn *Connection, code SMTPCode, lines []string) {
	if err := conn.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return
	}

	for i, line := range lines {
		var formatted string
		if i < len(lines)-1 {
			formatted = fmt.Sprintf("%d-%s\r\n", code, line)
		} else {
			formatted = fmt.Sprintf("%d %s\r\n", code, line)
		}
		if _, err := conn.writer.WriteString(formatted); err != nil {
			conn.RecordError(err)
			return
		}
	}
	_ = conn.writer.Flush()
}
