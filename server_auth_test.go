package relayd

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/relaysmith/relayd/sasl"
)

// cramDigest computes the HMAC-MD5 hex digest a CRAM-MD5 client would send
// in response to challenge, keyed by password, per RFC 2195.
func cramDigest(challenge, password string) string {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write([]byte(challenge))
	return hex.EncodeToString(mac.Sum(nil))
}

func authHandler(validUser, validPass string) *Handler {
	return &Handler{
		HandleAUTH: func(ctx context.Context, conn *Connection, attempt AuthAttempt) error {
			switch attempt.Mechanism {
			case "PLAIN", "LOGIN":
				if attempt.Username == validUser && attempt.Credential == validPass {
					return nil
				}
				return ErrAuthFailed
			case "CRAM-MD5":
				if attempt.Username == validUser && sasl.VerifyDigest(attempt.Challenge, validPass, attempt.Digest) {
					return nil
				}
				return ErrAuthFailed
			default:
				return ErrAuthFailed
			}
		},
	}
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestAuth_PlainImmediate(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.AuthMechanisms = []string{"PLAIN", "LOGIN", "CRAM-MD5"}
		c.Handler = authHandler("user", "secret")
	})
	client := ts.Dial()
	defer client.Close()

	client.Send("EHLO client.test")
	client.ExpectMultilineCode(CodeOK)

	initial := b64("\x00user\x00secret")
	client.Send("AUTH PLAIN %s", initial)
	client.ExpectCode(CodeAuthSuccess)
}

func TestAuth_PlainWrongCredentials(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.AuthMechanisms = []string{"PLAIN"}
		c.Handler = authHandler("user", "secret")
	})
	client := ts.Dial()
	defer client.Close()

	client.Send("EHLO client.test")
	client.ExpectMultilineCode(CodeOK)

	initial := b64("\x00user\x00wrong")
	client.Send("AUTH PLAIN %s", initial)
	client.ExpectCode(CodeAuthCredentialsInvalid)
}

func TestAuth_PlainContinuation(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.AuthMechanisms = []string{"PLAIN"}
		c.Handler = authHandler("user", "secret")
	})
	client := ts.Dial()
	defer client.Close()

	client.Send("EHLO client.test")
	client.ExpectMultilineCode(CodeOK)

	client.Send("AUTH PLAIN")
	client.ExpectCode(CodeAuthContinue)

	client.Send("%s", b64("\x00user\x00secret"))
	client.ExpectCode(CodeAuthSuccess)
}

func TestAuth_Login(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.AuthMechanisms = []string{"LOGIN"}
		c.Handler = authHandler("user", "secret")
	})
	client := ts.Dial()
	defer client.Close()

	client.Send("EHLO client.test")
	client.ExpectMultilineCode(CodeOK)

	client.Send("AUTH LOGIN")
	client.ExpectCode(CodeAuthContinue)

	client.Send("%s", b64("user"))
	client.ExpectCode(CodeAuthContinue)

	client.Send("%s", b64("secret"))
	client.ExpectCode(CodeAuthSuccess)
}

func TestAuth_CramMD5(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.AuthMechanisms = []string{"CRAM-MD5"}
		c.Handler = authHandler("user", "secret")
	})
	client := ts.Dial()
	defer client.Close()

	client.Send("EHLO client.test")
	client.ExpectMultilineCode(CodeOK)

	client.Send("AUTH CRAM-MD5")
	line := client.ExpectCode(CodeAuthContinue)

	var code int
	var challengeB64 string
	fmt.Sscanf(line, "%d %s", &code, &challengeB64)
	decoded, err := base64.StdEncoding.DecodeString(challengeB64)
	if err != nil {
		t.Fatalf("decode challenge: %v", err)
	}

	digest := cramDigest(string(decoded), "secret")
	client.Send("%s", b64("user "+digest))
	client.ExpectCode(CodeAuthSuccess)
}

func TestAuth_UnrecognizedMechanism(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.AuthMechanisms = []string{"PLAIN"}
		c.Handler = authHandler("user", "secret")
	})
	client := ts.Dial()
	defer client.Close()

	client.Send("EHLO client.test")
	client.ExpectMultilineCode(CodeOK)

	client.Send("AUTH GSSAPI")
	client.ExpectCode(CodeParameterNotImpl)
}

func TestAuth_BeforeEhlo(t *testing.T) {
	ts := newTestServer(t)
	client := ts.Dial()
	defer client.Close()

	client.Send("AUTH PLAIN %s", b64("\x00user\x00secret"))
	client.ExpectCode(CodeBadSequence)
}

func TestAuth_NotImplementedByHandler(t *testing.T) {
	ts := newTestServer(t, func(c *ServerConfig) {
		c.AuthMechanisms = []string{"PLAIN"}
	})
	client := ts.Dial()
	defer client.Close()

	client.Send("EHLO client.test")
	client.ExpectMultilineCode(CodeOK)

	client.Send("AUTH PLAIN %s", b64("\x00user\x00secret"))
	client.ExpectCode(CodeAuthCredentialsInvalid)
}
