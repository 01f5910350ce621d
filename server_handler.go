package relayd

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/relaysmith/relayd/utils"
)

// responseForError maps a sentinel error from the taxonomy in errors.go to
// its reply code in the one place the session does that mapping. A handler
// error that isn't one of the sentinels falls back to a generic 554.
func responseForError(err error) Response {
	switch {
	case errors.Is(err, ErrSyntax):
		return ResponseSyntaxError(err.Error())
	case errors.Is(err, ErrSequencing):
		return ResponseBadSequence(err.Error())
	case errors.Is(err, ErrMessageTooLarge):
		return ResponseExceededStorage(err.Error(), ESCMessageTooLarge)
	case errors.Is(err, ErrTooManyRecipents):
		return ResponseInsufficientStorage(err.Error(), ESCTempTooManyRecipients)
	case errors.Is(err, ErrAuthRequired):
		return ResponseAuthRequired(err.Error())
	case errors.Is(err, ErrAuthFailed):
		return ResponseAuthCredentialsInvalid(err.Error())
	case errors.Is(err, ErrPolicyRejected):
		return ResponseTransactionFailed(err.Error(), ESCSecurityError)
	default:
		return ResponseTransactionFailed(err.Error(), ESCPermFailure)
	}
}

// cutVerbPrefix strips a case-insensitive "FROM:"/"TO:" prefix and trims the
// space that conventionally (but not always) follows it.
func cutVerbPrefix(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

// detectLoop rejects a message whose Received header count suggests a mail
// loop, per RFC 5321 Section 6.3.
func detectLoop(mail *Mail, maxAllowed int) error {
	if maxAllowed <= 0 {
		return nil
	}
	if len(mail.Content.Headers.GetAll("Received")) >= maxAllowed {
		return ErrLoopDetected
	}
	return nil
}

func (s *Server) handleHelo(conn *Connection, args string) *Response {
	hostname := strings.TrimSpace(args)
	if hostname == "" {
		return &Response{Code: CodeSyntaxError, Message: "Syntax: HELO hostname"}
	}

	if s.config.Handler != nil && s.config.Handler.HandleHELO != nil {
		if err := s.config.Handler.HandleHELO(conn.Context(), conn, hostname); err != nil {
			resp := responseForError(err)
			return &resp
		}
	}

	conn.SetClientHostname(hostname)
	conn.ResetExtensions()
	conn.SetState(StateIdentified)

	return &Response{Code: CodeOK, Message: s.config.Hostname}
}

func (s *Server) handleEhlo(conn *Connection, args string) *Response {
	hostname := strings.TrimSpace(args)
	if hostname == "" {
		return &Response{Code: CodeSyntaxError, Message: "Syntax: EHLO hostname"}
	}

	builtin := s.buildExtensions(conn)

	final := builtin
	if s.config.Handler != nil && s.config.Handler.HandleEHLO != nil {
		ext, err := s.config.Handler.HandleEHLO(conn.Context(), conn, hostname, builtin)
		if err != nil {
			resp := responseForError(err)
			return &resp
		}
		if ext != nil {
			final = ext
		}
	}

	conn.SetClientHostname(hostname)
	conn.ResetExtensions()
	for ext, val := range final {
		conn.SetExtension(ext, val)
	}
	conn.SetState(StateIdentified)

	names := make([]string, 0, len(final))
	for ext := range final {
		names = append(names, string(ext))
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names)+1)
	lines = append(lines, s.config.Hostname)
	for _, name := range names {
		val := final[Extension(name)]
		if val == "" {
			lines = append(lines, name)
		} else {
			lines = append(lines, name+" "+val)
		}
	}

	s.writeMultilineResponse(conn, CodeOK, lines)
	return nil
}

// buildExtensions assembles the built-in capability set offered to
// Handler.HandleEHLO: SIZE, 8BITMIME, PIPELINING unconditionally, plus
// STARTTLS/AUTH/DSN when configured.
func (s *Server) buildExtensions(conn *Connection) map[Extension]string {
	extensions := map[Extension]string{
		Ext8BitMIME:   "",
		ExtPipelining: "",
	}
	if s.config.MaxMessageSize > 0 {
		extensions[ExtSize] = strconv.FormatInt(s.config.MaxMessageSize, 10)
	}
	if s.config.TLSConfig != nil && !conn.IsTLS() {
		extensions[ExtSTARTTLS] = ""
	}
	if len(s.config.AuthMechanisms) > 0 {
		extensions[ExtAuth] = strings.Join(s.config.AuthMechanisms, " ")
	}
	if s.config.EnableDSN {
		extensions[ExtDSN] = ""
	}
	return extensions
}

func (s *Server) handleMail(conn *Connection, args string) *Response {
	switch conn.State() {
	case StateGreeted:
		return &Response{Code: CodeBadSequence, Message: "Error: send HELO/EHLO first"}
	case StateSender, StateRecipient:
		return &Response{Code: CodeBadSequence, Message: "Error: Nested MAIL command"}
	}

	rest, ok := cutVerbPrefix(strings.TrimSpace(args), "FROM:")
	if !ok {
		return &Response{Code: CodeSyntaxError, Message: "Syntax: MAIL FROM:<address>"}
	}

	path, params, err := parsePathWithParams(rest)
	if err != nil {
		return &Response{Code: CodeSyntaxError, Message: "Bad sender address syntax"}
	}

	var declaredSize int64
	if sizeStr, ok := params["SIZE"]; ok {
		n, perr := strconv.ParseInt(sizeStr, 10, 64)
		if perr != nil {
			return &Response{Code: CodeSyntaxError, Message: "Syntax error in SIZE parameter"}
		}
		if s.config.MaxMessageSize > 0 && n > s.config.MaxMessageSize {
			resp := ResponseExceededStorage(fmt.Sprintf("Estimated message length %d exceeds limit of %d", n, s.config.MaxMessageSize), ESCMessageTooLarge)
			return &resp
		}
		declaredSize = n
	}

	var bodyType BodyType
	if bodyParam, ok := params["BODY"]; ok {
		if !conn.HasExtension(Ext8BitMIME) {
			resp := ResponseParamsNotRecognized("Unsupported option BODY")
			return &resp
		}
		switch strings.ToUpper(bodyParam) {
		case "7BIT", "8BITMIME", "BINARYMIME":
			bodyType = BodyType(strings.ToUpper(bodyParam))
		default:
			resp := ResponseParamsNotRecognized("Unsupported option BODY")
			return &resp
		}
	}

	for key, value := range params {
		if key == "SIZE" || key == "BODY" {
			continue
		}
		token := key
		if value != "" {
			token = key + "=" + value
		}
		if s.config.Handler == nil || s.config.Handler.HandleMAILExtension == nil {
			resp := ResponseParamsNotRecognized("Unsupported option: " + key)
			return &resp
		}
		if err := s.config.Handler.HandleMAILExtension(conn.Context(), conn, token); err != nil {
			resp := ResponseParamsNotRecognized("Unsupported option: " + key)
			return &resp
		}
	}

	if s.config.Handler != nil && s.config.Handler.HandleMAIL != nil {
		if err := s.config.Handler.HandleMAIL(conn.Context(), conn, path.Mailbox); err != nil {
			resp := responseForError(err)
			return &resp
		}
	}

	mail := conn.BeginTransaction()
	mail.SetFrom(path.Mailbox)
	mail.Envelope.Size = declaredSize
	mail.Envelope.BodyType = bodyType
	conn.SetState(StateSender)

	return &Response{Code: CodeOK, Message: "sender Ok"}
}

func (s *Server) handleRcpt(conn *Connection, args string) *Response {
	switch conn.State() {
	case StateGreeted, StateIdentified:
		return &Response{Code: CodeBadSequence, Message: "Error: need MAIL command"}
	}

	rest, ok := cutVerbPrefix(strings.TrimSpace(args), "TO:")
	if !ok {
		return &Response{Code: CodeSyntaxError, Message: "Syntax: RCPT TO:<address>"}
	}

	path, params, err := parsePathWithParams(rest)
	if err != nil || path.Mailbox.String() == "" {
		return &Response{Code: CodeSyntaxError, Message: "Bad recipient address syntax"}
	}

	mail := conn.CurrentMail()
	if s.config.MaxRecipients > 0 && mail != nil && len(mail.Envelope.To) >= s.config.MaxRecipients {
		resp := responseForError(ErrTooManyRecipents)
		return &resp
	}

	for key, value := range params {
		token := key
		if value != "" {
			token = key + "=" + value
		}
		if s.config.Handler == nil || s.config.Handler.HandleRCPTExtension == nil {
			resp := ResponseParamsNotRecognized("Unsupported option: " + key)
			return &resp
		}
		if err := s.config.Handler.HandleRCPTExtension(conn.Context(), conn, token); err != nil {
			resp := ResponseParamsNotRecognized("Unsupported option: " + key)
			return &resp
		}
	}

	if s.config.Handler != nil && s.config.Handler.HandleRCPT != nil {
		if err := s.config.Handler.HandleRCPT(conn.Context(), conn, path.Mailbox); err != nil {
			resp := responseForError(err)
			return &resp
		}
	}

	mail.AddRecipient(path.Mailbox)
	conn.SetState(StateRecipient)

	return &Response{Code: CodeOK, Message: "recipient Ok"}
}

func (s *Server) handleData(conn *Connection, logger *slog.Logger) *Response {
	switch conn.State() {
	case StateGreeted:
		return &Response{Code: CodeBadSequence, Message: "Error: send HELO/EHLO first"}
	case StateIdentified:
		return &Response{Code: CodeBadSequence, Message: "Error: need MAIL command"}
	case StateSender:
		return &Response{Code: CodeBadSequence, Message: "Error: need RCPT command"}
	}

	mail := conn.CurrentMail()
	if mail == nil {
		return &Response{Code: CodeBadSequence, Message: "Error: need MAIL command"}
	}

	s.writeResponse(conn, Response{Code: CodeStartMailInput, Message: "enter mail, end with line containing only '.'"})
	conn.SetState(StateDataHeaders)
	if conn.Limits.DataTimeout > 0 {
		_ = conn.conn.SetReadDeadline(time.Now().Add(conn.Limits.DataTimeout))
	}

	headers, body, err := s.receiveBody(conn)
	if err != nil {
		conn.ResetTransaction()
		if errors.Is(err, ErrMessageTooLarge) {
			resp := ResponseExceededStorage("Message too large", ESCMessageTooLarge)
			return &resp
		}
		logger.Error("error reading message body", slog.Any("error", err))
		resp := ResponseLocalError("Error reading message")
		return &resp
	}

	mail.Content.Headers = headers
	mail.Content.Body = body

	if err := mail.ValidateAndParseMIME(); err != nil {
		logger.Warn("could not parse MIME structure", slog.Any("error", err))
	}

	if err := detectLoop(mail, s.config.MaxReceivedHeaders); err != nil {
		conn.ResetTransaction()
		resp := responseForError(err)
		return &resp
	}

	mail.ID = utils.GenerateID()
	var forRecipient string
	if len(mail.Envelope.To) > 0 {
		forRecipient = mail.Envelope.To[0].Address.String()
	}
	receivedHeader := conn.GenerateReceivedHeader(forRecipient)
	receivedHeader.ID = mail.ID
	mail.Trace = append([]TraceField{receivedHeader}, mail.Trace...)
	mail.Content.Headers = append(Headers{{Name: "Received", Value: receivedHeader.String()}}, mail.Content.Headers...)

	var reference string
	if s.config.Handler != nil && s.config.Handler.HandleDATA != nil {
		ref, herr := s.config.Handler.HandleDATA(conn.Context(), conn, mail)
		if herr != nil {
			conn.CompleteTransaction()
			resp := responseForError(herr)
			return &resp
		}
		reference = ref
	}
	if reference == "" {
		reference = utils.GenerateID()
	}

	conn.CompleteTransaction()
	return &Response{Code: CodeOK, Message: fmt.Sprintf("queued as %s", reference)}
}

// receiveBody drives the headers phase (line mode) followed by the body
// phase (raw mode), applying dot-unstuffing and the SIZE cap throughout.
func (s *Server) receiveBody(conn *Connection) (Headers, []byte, error) {
	limit := conn.Limits.MaxMessageSize
	if limit <= 0 {
		limit = builtinMaxMessageSize
	}

	var headers Headers
	var currentName, currentValue string
	hasCurrent := false
	var total int64

	for {
		line, err := conn.framer.ReadLine(s.config.MaxLineLength, false)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}
		total += int64(len(line)) + 2
		if total > limit {
			return nil, nil, ErrMessageTooLarge
		}

		if line == "." {
			if hasCurrent {
				headers = append(headers, Header{Name: currentName, Value: currentValue})
			}
			conn.SetState(StateDataBody)
			return headers, nil, nil
		}

		unstuffed := line
		if strings.HasPrefix(unstuffed, ".") {
			unstuffed = unstuffed[1:]
		}

		if unstuffed == "" {
			if hasCurrent {
				headers = append(headers, Header{Name: currentName, Value: currentValue})
			}
			break
		}

		if unstuffed[0] == ' ' || unstuffed[0] == '\t' {
			if hasCurrent {
				currentValue += " " + strings.TrimSpace(unstuffed)
				continue
			}
			conn.SetState(StateDataBody)
			return s.receiveRawBody(conn, headers, []byte(line+"\r\n"), total, limit)
		}

		name, value, found := strings.Cut(unstuffed, ":")
		if !found || !isValidHeaderName(name) {
			conn.SetState(StateDataBody)
			return s.receiveRawBody(conn, headers, []byte(line+"\r\n"), total, limit)
		}

		if hasCurrent {
			headers = append(headers, Header{Name: currentName, Value: currentValue})
		}
		currentName = strings.TrimSpace(name)
		currentValue = strings.TrimSpace(value)
		hasCurrent = true
	}

	conn.SetState(StateDataBody)
	return s.receiveRawBody(conn, headers, nil, total, limit)
}

// isValidHeaderName reports whether name consists only of printable ASCII
// in the range (32, 127), per RFC 5322's field-name grammar.
func isValidHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if c := name[i]; c <= 32 || c >= 127 {
			return false
		}
	}
	return true
}

// receiveRawBody reads raw-mode chunks from the framer until the CRLF.CRLF
// sentinel is found, accumulating into buffered (any body bytes already
// read while still scanning for the header/body boundary). A raw-mode read
// has no line-boundary awareness, so a chunk routinely contains bytes past
// the sentinel - a client pipelining its next command right behind DATA's
// terminator in the same TCP segment. Those trailing bytes are pushed back
// onto the framer so the command loop's next ReadLine sees them as the next
// command rather than losing them.
func (s *Server) receiveRawBody(conn *Connection, headers Headers, buffered []byte, total int64, limit int64) (Headers, []byte, error) {
	acc := buffered

	for {
		if idx, next, ok := findSentinel(acc); ok {
			if next < len(acc) {
				conn.framer.Unread(acc[next:])
			}
			return headers, unstuffBody(acc[:idx]), nil
		}

		chunk, err := conn.framer.ReadRaw()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				if conn.framer.Ceiling() == 0 {
					return nil, nil, fmt.Errorf("%w: %v", ErrTimeout, err)
				}
				conn.framer.StepDown()
				continue
			}
			return nil, nil, fmt.Errorf("%w: %v", ErrTransport, err)
		}

		total += int64(len(chunk))
		if total > limit {
			return nil, nil, ErrMessageTooLarge
		}
		acc = append(acc, chunk...)
	}
}

// findSentinel searches acc for the end-of-data sentinel "\r\n.\r\n",
// treating acc as if prefixed by a virtual CRLF (the caller is always
// exactly at a line boundary on entry, so an immediate "." line is a valid
// empty-body terminator). It returns the offset in acc of the start of the
// sentinel's leading CRLF, the offset in acc of the first byte past the
// sentinel, and whether the sentinel was found.
func findSentinel(acc []byte) (bodyEnd, next int, ok bool) {
	virtual := append([]byte("\r\n"), acc...)
	idx := bytes.Index(virtual, []byte("\r\n.\r\n"))
	if idx < 0 {
		return 0, 0, false
	}
	bodyEnd = idx - 2
	if bodyEnd < 0 {
		bodyEnd = 0
	}
	return bodyEnd, idx + 3, true
}

// unstuffBody removes one leading dot from every line that has one, per
// RFC 5321 Section 4.5.2.
func unstuffBody(body []byte) []byte {
	if len(body) == 0 {
		return body
	}
	lines := bytes.Split(body, []byte("\r\n"))
	for i, line := range lines {
		if len(line) > 0 && line[0] == '.' {
			lines[i] = line[1:]
		}
	}
	return bytes.Join(lines, []byte("\r\n"))
}

func (s *Server) handleRset(conn *Connection) *Response {
	conn.ResetTransaction()
	if s.config.Handler != nil && s.config.Handler.HandleRSET != nil {
		s.config.Handler.HandleRSET(conn.Context(), conn)
	}
	return &Response{Code: CodeOK, Message: "Ok"}
}

func (s *Server) handleVrfy(conn *Connection, args string) *Response {
	if strings.TrimSpace(args) == "" {
		return &Response{Code: CodeSyntaxError, Message: "Syntax: VRFY address"}
	}

	if s.config.Handler == nil || s.config.Handler.HandleVRFY == nil {
		resp := ResponseCannotVRFY("")
		return &resp
	}

	reply, err := s.config.Handler.HandleVRFY(conn.Context(), conn, args)
	if err != nil {
		resp := responseForError(err)
		return &resp
	}
	return &Response{Code: CodeOK, Message: reply}
}

// handleExpn and handleHelp have no dedicated Handler capability; both are
// nonstandard enough that they route through HandleOther like any other
// verb the session doesn't itself implement.
func (s *Server) handleExpn(conn *Connection, args string) *Response {
	if s.config.Handler != nil && s.config.Handler.HandleOther != nil {
		if resp := s.config.Handler.HandleOther(conn.Context(), conn, "EXPN", args); resp != nil {
			return resp
		}
	}
	resp := ResponseCommandNotImplemented("EXPN")
	return &resp
}

func (s *Server) handleHelp(conn *Connection, args string) *Response {
	if s.config.Handler != nil && s.config.Handler.HandleOther != nil {
		if resp := s.config.Handler.HandleOther(conn.Context(), conn, "HELP", args); resp != nil {
			return resp
		}
	}
	return &Response{Code: CodeHelpMessage, Message: "See RFC 5321 for command syntax"}
}

func (s *Server) handleQuit(conn *Connection) *Response {
	conn.SetState(StateClosing)
	resp := ResponseServiceClosing(s.config.Hostname, "Bye")
	return &resp
}

func (s *Server) handleStartTLS(conn *Connection, args string) *Response {
	if strings.TrimSpace(args) != "" {
		resp := ResponseSyntaxError("Syntax error (no parameters allowed)")
		return &resp
	}
	if conn.IsTLS() {
		return &Response{Code: CodeCommandUnrecognized, Message: "TLS already negotiated"}
	}
	if s.config.TLSConfig == nil || !conn.HasExtension(ExtSTARTTLS) {
		resp := ResponseCommandNotImplemented("STARTTLS")
		return &resp
	}

	s.writeResponse(conn, Response{Code: CodeServiceReady, Message: "Ready to start TLS"})

	if err := conn.UpgradeToTLS(s.config.TLSConfig, s.config.MaxLineLength*16); err != nil {
		conn.RecordError(err)
		return &Response{Code: CodeTLSNotAvailable, Message: "TLS negotiation failed"}
	}

	conn.RemoveExtension(ExtSTARTTLS)

	if s.config.Handler != nil && s.config.Handler.OnStartTLS != nil {
		s.config.Handler.OnStartTLS(conn.Context(), conn)
	}

	return nil
}
