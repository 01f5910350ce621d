package relayd

import (
	"strings"
	"testing"
	"time"
)

func TestMail_SetFromAndAddRecipient(t *testing.T) {
	m := NewMail()
	m.SetFrom(MailboxAddress{LocalPart: "alice", Domain: "example.com"})
	m.AddRecipient(MailboxAddress{LocalPart: "bob", Domain: "example.org"})
	m.AddRecipient(MailboxAddress{LocalPart: "carol", Domain: "example.org"})

	if got := m.Envelope.From.Mailbox.String(); got != "alice@example.com" {
		t.Errorf("From = %q, want alice@example.com", got)
	}
	if len(m.Envelope.To) != 2 {
		t.Fatalf("expected 2 recipients, got %d", len(m.Envelope.To))
	}
	if got := m.Envelope.To[1].Address.Mailbox.String(); got != "carol@example.org" {
		t.Errorf("second recipient = %q, want carol@example.org", got)
	}
}

func TestMail_SetNullSender(t *testing.T) {
	m := NewMail()
	m.SetFrom(MailboxAddress{LocalPart: "alice", Domain: "example.com"})
	m.SetNullSender()
	if !m.Envelope.From.IsNull() {
		t.Error("expected null sender after SetNullSender")
	}
}

func TestMail_AddHeaderAndLookup(t *testing.T) {
	m := NewMail()
	m.AddHeader("Subject", "hello")
	m.AddHeader("Received", "first hop")
	m.AddHeader("Received", "second hop")

	if got := m.Content.Headers.Get("subject"); got != "hello" {
		t.Errorf("Get(subject) = %q, want hello (case-insensitive)", got)
	}
	all := m.Content.Headers.GetAll("Received")
	if len(all) != 2 || all[0] != "first hop" || all[1] != "second hop" {
		t.Errorf("GetAll(Received) = %v, want [first hop, second hop]", all)
	}
	if got := m.Content.Headers.Get("X-Missing"); got != "" {
		t.Errorf("Get(X-Missing) = %q, want empty", got)
	}
}

func TestPath_IsNull(t *testing.T) {
	var p Path
	if !p.IsNull() {
		t.Error("zero-value Path should be null")
	}
	p.Mailbox = MailboxAddress{LocalPart: "a", Domain: "b.com"}
	if p.IsNull() {
		t.Error("Path with a mailbox should not be null")
	}
}

func TestMail_RequiresSMTPUTF8(t *testing.T) {
	m := NewMail()
	m.SetFrom(MailboxAddress{LocalPart: "üser", Domain: "example.com"})
	if !m.RequiresSMTPUTF8() {
		t.Error("expected SMTPUTF8 requirement for non-ASCII local part")
	}

	m2 := NewMail()
	m2.SetFrom(MailboxAddress{LocalPart: "user", Domain: "example.com"})
	if m2.RequiresSMTPUTF8() {
		t.Error("expected no SMTPUTF8 requirement for ASCII-only envelope")
	}
}

func TestMail_Requires8BitMIME(t *testing.T) {
	m := NewMail()
	m.Content.Body = []byte("plain ascii body")
	if m.Requires8BitMIME() {
		t.Error("ASCII body should not require 8BITMIME")
	}

	m.Content.Body = []byte("body with \xc3\xa9 accent")
	if !m.Requires8BitMIME() {
		t.Error("body with high bytes should require 8BITMIME")
	}
}

func TestParseAddress_SimpleAndDisplayName(t *testing.T) {
	addr, err := ParseAddress("user@example.com")
	if err != nil {
		t.Fatalf("ParseAddress error: %v", err)
	}
	if addr.LocalPart != "user" || addr.Domain != "example.com" {
		t.Errorf("unexpected address: %+v", addr)
	}

	addr, err = ParseAddress("Alice Example <alice@example.com>")
	if err != nil {
		t.Fatalf("ParseAddress error: %v", err)
	}
	if addr.LocalPart != "alice" || addr.Domain != "example.com" || addr.DisplayName != "Alice Example" {
		t.Errorf("unexpected address: %+v", addr)
	}
}

func TestMail_JSONRoundTrip(t *testing.T) {
	m := NewMail()
	m.SetFrom(MailboxAddress{LocalPart: "alice", Domain: "example.com"})
	m.AddRecipient(MailboxAddress{LocalPart: "bob", Domain: "example.org"})
	m.AddHeader("Subject", "round trip")
	m.Content.Body = []byte("hello world")

	data, err := m.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON error: %v", err)
	}

	decoded, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON error: %v", err)
	}
	if decoded.Envelope.From.Mailbox.String() != "alice@example.com" {
		t.Errorf("round-tripped From = %q", decoded.Envelope.From.Mailbox.String())
	}
	if decoded.Content.Headers.Get("Subject") != "round trip" {
		t.Errorf("round-tripped Subject = %q", decoded.Content.Headers.Get("Subject"))
	}
	if string(decoded.Content.Body) != "hello world" {
		t.Errorf("round-tripped body = %q", decoded.Content.Body)
	}
}

func TestMail_MessagePackRoundTrip(t *testing.T) {
	m := NewMail()
	m.SetFrom(MailboxAddress{LocalPart: "alice", Domain: "example.com"})
	m.AddRecipient(MailboxAddress{LocalPart: "bob", Domain: "example.org"})
	m.AddHeader("Subject", "msgpack")
	m.Content.Body = []byte("packed body")

	data, err := m.ToMessagePack()
	if err != nil {
		t.Fatalf("ToMessagePack error: %v", err)
	}

	decoded, err := FromMessagePack(data)
	if err != nil {
		t.Fatalf("FromMessagePack error: %v", err)
	}
	if decoded.Envelope.From.Mailbox.String() != "alice@example.com" {
		t.Errorf("round-tripped From = %q", decoded.Envelope.From.Mailbox.String())
	}
	if decoded.Content.Headers.Get("Subject") != "msgpack" {
		t.Errorf("round-tripped Subject = %q", decoded.Content.Headers.Get("Subject"))
	}
	if string(decoded.Content.Body) != "packed body" {
		t.Errorf("round-tripped body = %q", decoded.Content.Body)
	}
}

func TestTraceField_String(t *testing.T) {
	tf := TraceField{
		Type:       "Received",
		FromDomain: "client.example.com",
		FromIP:     "192.0.2.1",
		ByDomain:   "mail.example.com",
		Via:        "TCP",
		With:       "ESMTP",
		For:        "bob@example.org",
		ID:         "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Timestamp:  time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC),
	}
	s := tf.String()
	for _, want := range []string{"client.example.com", "192.0.2.1", "mail.example.com", "ESMTP", "bob@example.org", "01ARZ3NDEKTSV4RRFFQ69G5FAV"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}

func TestMail_ValidateAndParseMIME_DefaultsToTextPlain(t *testing.T) {
	m := NewMail()
	m.Content.Body = []byte("no content-type here")
	if err := m.ValidateAndParseMIME(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Content.MIME.ContentType != "text/plain" {
		t.Errorf("ContentType = %q, want text/plain", m.Content.MIME.ContentType)
	}
}

func TestMail_ValidateAndParseMIME_Multipart(t *testing.T) {
	const boundary = "boundary42"
	body := strings.Join([]string{
		"--" + boundary,
		"Content-Type: text/plain; charset=utf-8",
		"",
		"plain part",
		"--" + boundary,
		"Content-Type: text/html; charset=utf-8",
		"Content-Disposition: inline; filename=note.html",
		"",
		"<p>html part</p>",
		"--" + boundary + "--",
		"",
	}, "\r\n")

	m := NewMail()
	m.AddHeader("Content-Type", `multipart/mixed; boundary="`+boundary+`"`)
	m.Content.Body = []byte(body)

	if err := m.ValidateAndParseMIME(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Content.MIME.ContentType != "multipart/mixed" {
		t.Errorf("ContentType = %q, want multipart/mixed", m.Content.MIME.ContentType)
	}
	if len(m.Content.MIME.Parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(m.Content.MIME.Parts))
	}
	if ct := m.Content.MIME.Parts[0].ContentType; ct != "text/plain" {
		t.Errorf("part 0 ContentType = %q, want text/plain", ct)
	}
	if ct := m.Content.MIME.Parts[1].ContentType; ct != "text/html" {
		t.Errorf("part 1 ContentType = %q, want text/html", ct)
	}
	if m.Content.MIME.Parts[1].Filename != "note.html" {
		t.Errorf("part 1 Filename = %q, want note.html", m.Content.MIME.Parts[1].Filename)
	}
}
