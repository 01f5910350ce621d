package relayd

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"
)

// selfSignedTLSConfig generates an in-memory self-signed certificate for
// STARTTLS tests, avoiding any dependency on files on disk.
func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

func TestStartTLS_Handshake(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.TLSConfig = selfSignedTLSConfig(t)
	})

	conn, err := net.DialTimeout("tcp", ts.addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	reader := bufio.NewReader(conn)
	readLine := func() string {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return strings.TrimRight(line, "\r\n")
	}
	send := func(s string) {
		if _, err := conn.Write([]byte(s + "\r\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	readLine() // banner

	readMultiline := func() []string {
		var lines []string
		for {
			line := readLine()
			lines = append(lines, line)
			if line[3] == ' ' {
				return lines
			}
		}
	}

	send("EHLO client.test")
	lines := readMultiline()
	found := false
	for _, l := range lines {
		if strings.Contains(l, "STARTTLS") {
			found = true
		}
	}
	if !found {
		t.Fatalf("STARTTLS not advertised in EHLO reply: %v", lines)
	}

	send("STARTTLS")
	line := readLine()
	if !strings.HasPrefix(line, "220") {
		t.Fatalf("expected 220 for STARTTLS, got %q", line)
	}

	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("TLS handshake failed: %v", err)
	}

	tlsReader := bufio.NewReader(tlsConn)
	tlsSend := func(s string) {
		if _, err := tlsConn.Write([]byte(s + "\r\n")); err != nil {
			t.Fatalf("write over TLS: %v", err)
		}
	}
	tlsReadLine := func() string {
		l, err := tlsReader.ReadString('\n')
		if err != nil {
			t.Fatalf("read over TLS: %v", err)
		}
		return strings.TrimRight(l, "\r\n")
	}

	tlsSend("EHLO client.test")
	for {
		l := tlsReadLine()
		if strings.Contains(l, "STARTTLS") {
			t.Fatalf("STARTTLS re-advertised after negotiation: %q", l)
		}
		done := l[3] == ' '
		if done {
			break
		}
	}

	tlsSend("STARTTLS")
	if got := tlsReadLine(); !strings.HasPrefix(got, "500") {
		t.Fatalf("expected 500 for repeated STARTTLS, got %q", got)
	}
}

func TestStartTLS_NoParametersAllowed(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.TLSConfig = selfSignedTLSConfig(t)
	})
	client := ts.Dial()
	defer client.Close()

	client.Send("EHLO client.test")
	client.ExpectMultilineCode(CodeOK)

	client.Send("STARTTLS foo")
	client.ExpectCode(CodeSyntaxError)
}

func TestStartTLS_NotConfigured(t *testing.T) {
	ts := newTestServer(t)
	client := ts.Dial()
	defer client.Close()

	client.Send("EHLO client.test")
	client.ExpectMultilineCode(CodeOK)

	client.Send("STARTTLS")
	client.ExpectCode(CodeCommandNotImplemented)
}
