// Package relayd implements an RFC 5321/4954/3207-compliant ESMTP server
// session state machine for Go.
//
// # Server
//
// Create an SMTP server using the fluent builder API:
//
//	server, err := relayd.New("mail.example.com").
//	    Addr(":587").
//	    TLS(tlsConfig).
//	    Auth("PLAIN", "LOGIN").
//	    MaxMessageSize(25 * 1024 * 1024).
//	    Handler(&relayd.Handler{
//	        HandleDATA: func(ctx context.Context, conn *relayd.Connection, mail *relayd.Mail) (string, error) {
//	            log.Printf("received mail from %s", mail.Envelope.From.String())
//	            return "", nil
//	        },
//	    }).
//	    Build()
//
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := server.ListenAndServe(); err != nil && err != relayd.ErrServerClosed {
//	    log.Fatal(err)
//	}
//
// The server installs no signal handlers; call Shutdown or Close to stop it.
// The GracefulShutdown builder option is stored in ServerConfig and has no
// further effect.
//
// # Rate limiting and IP filtering
//
// These hook into the builder directly, ahead of any protocol handling:
//
//	server, err := relayd.New("mail.example.com").
//	    RateLimiter(relayd.NewRateLimiter(10, time.Minute)).
//	    IPFilter(relayd.NewIPFilter(relayd.IPFilterModeDeny)).
//	    Build()
//
// # Mail
//
// Envelope and content accumulate across MAIL, RCPT, and DATA and are handed
// to Handler.HandleDATA once the client sends the terminating "." line.
//
// # Serialization
//
// JSON:
//
//	jsonData, err := mail.ToJSON()
//	mail, err := relayd.FromJSON(jsonData)
//
// MessagePack:
//
//	msgpackData, err := mail.ToMessagePack()
//	mail, err := relayd.FromMessagePack(msgpackData)
//
// # Extensions
//
// Always advertised in the EHLO reply:
//   - 8BITMIME (RFC 6152)
//   - PIPELINING (RFC 2920)
//   - SIZE (RFC 1870) - the value set with .MaxMessageSize(size), when positive
//
// Opt-in (configure to enable):
//   - STARTTLS (RFC 3207) - use .TLS(tlsConfig)
//   - AUTH (RFC 4954) - use .Auth(mechanisms...)
//   - DSN (RFC 3461) - enable via ServerConfig.EnableDSN
//
// ENHANCEDSTATUSCODES, SMTPUTF8 and REQUIRETLS appear in IntrinsicExtensions
// but are not advertised by the session.
package relayd
