package relayd

import "testing"

// FuzzParseCommand exercises the command-line parser with arbitrary input;
// it must never panic, regardless of how malformed the line is.
func FuzzParseCommand(f *testing.F) {
	seeds := []string{
		"",
		"HELO",
		"HELO example.com",
		"MAIL FROM:<a@b.com> SIZE=100",
		"RCPT TO:<>",
		"DATA",
		"QUIT",
		"\x00\x01\x02",
		"AUTH PLAIN ====",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, line string) {
		cmd, args, err := parseCommand(line)
		_ = cmd
		_ = args
		_ = err
	})
}

// FuzzParsePathWithParams exercises MAIL/RCPT argument parsing with
// arbitrary input; it must never panic.
func FuzzParsePathWithParams(f *testing.F) {
	seeds := []string{
		"<a@b.com>",
		"<>",
		"<a@b.com> SIZE=100 BODY=8BITMIME",
		"a@b.com",
		"<<>>",
		"<a@" + string(make([]byte, 300)) + ">",
	}
	for _, s := range seeds {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, s string) {
		_, _, _ = parsePathWithParams(s)
	})
}
