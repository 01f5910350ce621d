package relayd

import (
	"errors"
	"strings"

	"golang.org/x/net/idna"

	"github.com/relaysmith/relayd/utils"
)

var (
	ErrAddressBrackets = errors.New("smtp: unbalanced angle brackets")
	ErrAddressSyntax   = errors.New("smtp: malformed mailbox address")
	ErrAddressTooLong  = errors.New("smtp: local-part exceeds maximum length")
)

// maxLocalPartLen bounds the accumulated length of a mailbox local-part. For
// a quoted local-part the unescaped octets are counted; the backslashes
// consumed while unescaping are not.
const maxLocalPartLen = 129

// isBareLocalChar reports whether c is permitted in an unquoted local-part.
func isBareLocalChar(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c == '@' || c == '-' || c == '.' || c == '_':
		return true
	}
	return false
}

// ParsePath parses an RFC 5321 Path: the bracketed argument of MAIL FROM or
// RCPT TO, together with any trailing parameter string. A source route
// (<@host1,@host2:user@domain>) is recognized and discarded; only the
// mailbox itself is returned. Domain labels containing non-ASCII octets are
// punycode-normalized via IDNA.
func ParsePath(s string) (MailboxAddress, string, error) {
	s = strings.TrimSpace(s)

	if s == "" {
		return MailboxAddress{}, "", nil
	}

	if s[0] != '<' {
		mbox, rest, err := parseMailbox(s)
		return mbox, strings.TrimSpace(rest), err
	}

	end := findClosingBracket(s)
	if end < 0 {
		return MailboxAddress{}, "", ErrAddressBrackets
	}

	inner := s[1:end]
	rest := strings.TrimSpace(s[end+1:])

	if inner == "" {
		return MailboxAddress{}, rest, nil // null sender: MAIL FROM:<>
	}

	if idx := strings.LastIndex(inner, ":"); idx >= 0 && strings.HasPrefix(inner, "@") {
		inner = inner[idx+1:] // discard source route
	}

	mbox, _, err := parseMailbox(inner)
	if err != nil {
		return MailboxAddress{}, "", err
	}
	return mbox, rest, nil
}

func findClosingBracket(s string) int {
	depth := 0
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case '\\':
			if inQuotes {
				i++ // skip escaped char
			}
		case '<':
			if !inQuotes {
				depth++
			}
		case '>':
			if !inQuotes {
				depth--
				if depth == 0 {
					return i
				}
			}
		}
	}
	return -1
}

// parseMailbox parses a bare local@domain, supporting one quoted local-part
// with single-level backslash escaping. It returns any unconsumed trailing
// input past the domain (an unquoted space and whatever follows it, e.g. a
// MAIL FROM parameter string like "SIZE=100") so the caller can hand it
// back as the path's remainder.
func parseMailbox(s string) (MailboxAddress, string, error) {
	var local strings.Builder
	var rest string

	if len(s) > 0 && s[0] == '"' {
		n, unescaped, err := parseQuotedLocal(s)
		if err != nil {
			return MailboxAddress{}, "", err
		}
		local.WriteString(unescaped)
		rest = s[n:]
	} else {
		i := 0
		for i < len(s) && s[i] != '@' {
			if !isBareLocalChar(s[i]) {
				return MailboxAddress{}, "", ErrAddressSyntax
			}
			local.WriteByte(s[i])
			i++
		}
		rest = s[i:]
	}

	if local.Len() > maxLocalPartLen {
		return MailboxAddress{}, "", ErrAddressTooLong
	}

	if rest == "" {
		return MailboxAddress{LocalPart: local.String()}, "", nil
	}
	if rest[0] != '@' {
		return MailboxAddress{}, "", ErrAddressSyntax
	}
	rest = rest[1:]

	j := 0
	for j < len(rest) && rest[j] != ' ' {
		j++
	}
	domain, remainder := rest[:j], rest[j:]
	if domain == "" {
		return MailboxAddress{}, "", ErrAddressSyntax
	}

	normalized, err := normalizeDomain(domain)
	if err != nil {
		return MailboxAddress{}, "", err
	}

	return MailboxAddress{LocalPart: local.String(), Domain: normalized}, remainder, nil
}

// parseQuotedLocal parses a double-quoted local-part starting at s[0]=='"'.
// It returns the number of input bytes consumed (including both quotes) and
// the unescaped local-part.
func parseQuotedLocal(s string) (int, string, error) {
	var out strings.Builder
	i := 1
	for i < len(s) {
		c := s[i]
		switch {
		case c == '"':
			return i + 1, out.String(), nil
		case c == '\\':
			if i+1 >= len(s) {
				return 0, "", ErrAddressSyntax
			}
			out.WriteByte(s[i+1])
			i += 2
		default:
			out.WriteByte(c)
			i++
		}
		if out.Len() > maxLocalPartLen {
			return 0, "", ErrAddressTooLong
		}
	}
	return 0, "", ErrAddressSyntax
}

func normalizeDomain(domain string) (string, error) {
	if !utils.ContainsNonASCII(domain) {
		return domain, nil
	}
	ascii, err := idna.ToASCII(domain)
	if err != nil {
		return "", ErrAddressSyntax
	}
	return ascii, nil
}
