package relayd

import "testing"

func TestParseCommand_Basic(t *testing.T) {
	tests := []struct {
		line     string
		wantCmd  Command
		wantArgs string
	}{
		{"", "", ""},
		{"QUIT", CmdQuit, ""},
		{"DATA", CmdData, ""},
		{"HELO example.com", CmdHelo, "example.com"},
		{"MAIL FROM:<a@b.com>", CmdMail, "FROM:<a@b.com>"},
		{"ehlo example.com", CmdEhlo, "example.com"},
		{"dGVzdA==", Command("dGVzdA=="), ""},
	}

	for _, tc := range tests {
		cmd, args, err := parseCommand(tc.line)
		if err != nil {
			t.Errorf("parseCommand(%q) unexpected error: %v", tc.line, err)
			continue
		}
		if cmd != tc.wantCmd || args != tc.wantArgs {
			t.Errorf("parseCommand(%q) = (%q, %q), want (%q, %q)", tc.line, cmd, args, tc.wantCmd, tc.wantArgs)
		}
	}
}

func TestParsePathWithParams_DuplicateParam(t *testing.T) {
	_, _, err := parsePathWithParams("<a@b.com> SIZE=1 SIZE=2")
	if err == nil {
		t.Error("expected error for duplicate parameter")
	}
}

func TestParsePathWithParams_Params(t *testing.T) {
	_, params, err := parsePathWithParams("<a@b.com> SIZE=100 BODY=8BITMIME")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params["SIZE"] != "100" || params["BODY"] != "8BITMIME" {
		t.Errorf("unexpected params: %+v", params)
	}
}
