package relayd

import (
	"fmt"
	"strings"
)

// parseCommand splits a command line into verb and arguments. An empty line
// yields ("", ""). Every recognized verb, including a single-token one such
// as QUIT, DATA, NOOP or RSET, is canonicalized; any other single token is
// returned as-is with an empty argument rather than an error, so that a
// base64 AUTH continuation line never fails to parse as a command.
func parseCommand(line string) (cmd Command, args string, err error) {
	if line == "" {
		return "", "", nil
	}

	before, after, found := strings.Cut(line, " ")
	if !found {
		return canonicalizeVerb(before), "", nil
	}

	return canonicalizeVerb(before), strings.TrimSpace(after), nil
}

// canonicalizeVerb uppercases recognized verbs to their canonical Command
// constant. An unrecognized verb is returned unchanged rather than as an
// error; the caller's dispatch falls through to handle_other.
func canonicalizeVerb(verb string) Command {
	switch len(verb) {
	case 4:
		switch {
		case strings.EqualFold(verb, "HELO"):
			return CmdHelo
		case strings.EqualFold(verb, "EHLO"):
			return CmdEhlo
		case strings.EqualFold(verb, "MAIL"):
			return CmdMail
		case strings.EqualFold(verb, "RCPT"):
			return CmdRcpt
		case strings.EqualFold(verb, "DATA"):
			return CmdData
		case strings.EqualFold(verb, "RSET"):
			return CmdRset
		case strings.EqualFold(verb, "VRFY"):
			return CmdVrfy
		case strings.EqualFold(verb, "EXPN"):
			return CmdExpn
		case strings.EqualFold(verb, "HELP"):
			return CmdHelp
		case strings.EqualFold(verb, "NOOP"):
			return CmdNoop
		case strings.EqualFold(verb, "QUIT"):
			return CmdQuit
		case strings.EqualFold(verb, "AUTH"):
			return CmdAuth
		}
	case 8:
		if strings.EqualFold(verb, "STARTTLS") {
			return CmdStartTLS
		}
	}
	return Command(verb)
}

// parsePathWithParams parses an address path with optional trailing
// parameters. Per RFC 3461 Section 4.5, duplicate parameters are rejected.
func parsePathWithParams(s string) (Path, map[string]string, error) {
	mbox, rest, err := ParsePath(s)
	if err != nil {
		return Path{}, nil, err
	}
	path := Path{Mailbox: mbox}

	var params map[string]string
	if rest != "" {
		params = make(map[string]string)
		for _, param := range strings.Fields(rest) {
			var key, value string
			if before, after, found := strings.Cut(param, "="); found {
				key = strings.ToUpper(before)
				value = strings.ToUpper(after)
			} else {
				key = strings.ToUpper(param)
				value = ""
			}
			if _, exists := params[key]; exists {
				return Path{}, nil, fmt.Errorf("duplicate parameter: %s", key)
			}
			params[key] = value
		}
	}

	return path, params, nil
}

// parseMessageContent parses raw message data into headers and body per RFC 5322.
// The header section is separated from the body by an empty line (CRLF CRLF).
func parseMessageContent(data []byte) (Headers, []byte) {
	var headerEnd int
	dataLen := len(data)

	for i := 0; i < dataLen-3; i++ {
		if data[i] == '\r' && data[i+1] == '\n' && data[i+2] == '\r' && data[i+3] == '\n' {
			headerEnd = i + 2
			break
		}
	}

	if headerEnd == 0 {
		return nil, data
	}

	estimatedHeaders := max(headerEnd/50, 8)
	headers := make(Headers, 0, estimatedHeaders)

	var currentName, currentValue string
	lineStart := 0

	for i := 0; i < headerEnd; i++ {
		if data[i] == '\r' && i+1 < headerEnd && data[i+1] == '\n' {
			line := string(data[lineStart:i])
			lineStart = i + 2
			i++

			if line == "" {
				continue
			}

			if line[0] == ' ' || line[0] == '\t' {
				if currentName != "" {
					currentValue += " " + strings.TrimSpace(line)
				}
				continue
			}

			if currentName != "" {
				headers = append(headers, Header{Name: currentName, Value: currentValue})
			}

			if name, value, found := strings.Cut(line, ":"); found {
				currentName = strings.TrimSpace(name)
				currentValue = strings.TrimSpace(value)
			} else {
				currentName = ""
				currentValue = ""
			}
		}
	}

	if currentName != "" {
		headers = append(headers, Header{Name: currentName, Value: currentValue})
	}

	var body []byte
	if headerEnd+2 < dataLen {
		body = data[headerEnd+2:]
	}

	return headers, body
}
