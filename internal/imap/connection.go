package imap

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/client"
)

// Endpoint describes how to reach and authenticate against one IMAP server.
type Endpoint struct {
	Host     string
	Port     int
	Security string // "ssl", "starttls", or "insecure" (tests only)
	Username string
	Password string
	Timeout  time.Duration
}

// Session is an authenticated IMAP connection.
type Session struct {
	c *client.Client
}

// Connect dials and authenticates an IMAP session. The security mode is
// honored exactly: a "starttls" server that cannot upgrade fails the connect,
// it never falls back to plaintext. Dial and protocol failures come back as
// *NetworkError, credential rejections as *AuthError.
func Connect(ep Endpoint) (*Session, error) {
	timeout := ep.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))

	var c *client.Client
	var err error

	switch ep.Security {
	case "ssl":
		c, err = client.DialWithDialerTLS(dialer, addr, nil)
		if err != nil {
			return nil, &NetworkError{Err: fmt.Errorf("failed to dial %s with TLS: %w", addr, err)}
		}
	case "starttls":
		c, err = client.DialWithDialer(dialer, addr)
		if err != nil {
			return nil, &NetworkError{Err: fmt.Errorf("failed to dial %s: %w", addr, err)}
		}
		if err := c.StartTLS(nil); err != nil {
			_ = c.Logout()
			return nil, &NetworkError{Err: fmt.Errorf("failed to upgrade %s to TLS: %w", addr, err)}
		}
	case "insecure":
		c, err = client.DialWithDialer(dialer, addr)
		if err != nil {
			return nil, &NetworkError{Err: fmt.Errorf("failed to dial %s: %w", addr, err)}
		}
	default:
		return nil, fmt.Errorf("unsupported IMAP security mode %q", ep.Security)
	}

	c.Timeout = timeout

	if err := c.Login(ep.Username, ep.Password); err != nil {
		_ = c.Logout()
		return nil, &AuthError{Err: err}
	}

	return &Session{c: c}, nil
}

// Close logs out the session. Safe to call on a nil session or after a
// failed connect.
func (s *Session) Close() {
	if s == nil || s.c == nil {
		return
	}
	_ = s.c.Logout()
	s.c = nil
}
