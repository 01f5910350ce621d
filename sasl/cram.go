package sasl

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// CRAMMD5 implements the CRAM-MD5 SASL mechanism (RFC 2195). Unlike PLAIN
// and LOGIN, the server never sees the cleartext password: it issues a
// challenge, the client returns a keyed hash of it, and the handler must
// verify that hash against its own copy of the password with VerifyDigest.
type CRAMMD5 struct {
	hostname  string
	challenge string
	creds     *Credentials
}

// NewCRAMMD5 creates a CRAM-MD5 mechanism handler. hostname is embedded in
// the issued challenge per RFC 2195's "<random>@hostname" form.
func NewCRAMMD5(hostname string) *CRAMMD5 {
	return &CRAMMD5{hostname: hostname}
}

// Name returns "CRAM-MD5".
func (c *CRAMMD5) Name() string {
	return "CRAM-MD5"
}

// Start issues the initial challenge. CRAM-MD5 has no client-first form, so
// initialResponse is ignored; AUTH CRAM-MD5 never carries an initial-response
// argument on the wire.
func (c *CRAMMD5) Start(initialResponse string) (challenge string, done bool, err error) {
	challenge, err = newCRAMChallenge(c.hostname)
	if err != nil {
		return "", true, err
	}
	c.challenge = challenge
	return base64.StdEncoding.EncodeToString([]byte(challenge)), false, nil
}

// Next consumes the client's base64 "username hexdigest" response.
func (c *CRAMMD5) Next(response string) (challenge string, done bool, err error) {
	if response == "*" {
		return "", true, ErrAuthenticationCancelled
	}

	decoded, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", true, ErrInvalidBase64
	}

	username, digest, ok := strings.Cut(string(decoded), " ")
	if !ok || username == "" || digest == "" {
		return "", true, ErrInvalidFormat
	}

	c.creds = &Credentials{
		AuthenticationID: username,
		Challenge:        c.challenge,
		Digest:           strings.ToLower(digest),
	}
	return "", true, nil
}

// Credentials returns the username, challenge, and digest extracted from
// the client's response. The handler must call VerifyDigest itself.
func (c *CRAMMD5) Credentials() *Credentials {
	return c.creds
}

// VerifyDigest reports whether digest (lowercase hex) is the HMAC-MD5 of
// challenge keyed by password, as RFC 2195 defines the CRAM-MD5 response.
func VerifyDigest(challenge, password, digest string) bool {
	mac := hmac.New(md5.New, []byte(password))
	mac.Write([]byte(challenge))
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.ToLower(digest)))
}

// newCRAMChallenge builds a "<random.random@hostname>" challenge string
// using crypto/rand so successive sessions never reuse a challenge.
func newCRAMChallenge(hostname string) (string, error) {
	r1, err := randUint32()
	if err != nil {
		return "", err
	}
	r2, err := randUint32()
	if err != nil {
		return "", err
	}
	if hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("<%d.%d@%s>", r1, r2, hostname), nil
}

func randUint32() (uint32, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<32-1))
	if err != nil {
		return 0, err
	}
	return uint32(n.Uint64()), nil
}
