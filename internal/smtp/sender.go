package smtp

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Endpoint describes how to reach and authenticate against one SMTP relay.
type Endpoint struct {
	Host     string
	Port     int
	Security string // "ssl", "starttls", or "insecure" (tests only)
	Username string
	Password string
}

// Receipt records the relay's acceptance of a message. Acceptance only, not
// final delivery.
type Receipt struct {
	MessageID  string
	AcceptedAt time.Time
}

// Send transmits a composed message and blocks until the relay acknowledges
// acceptance. The security mode is honored exactly; a "starttls" relay that
// cannot upgrade fails the send instead of degrading to plaintext.
func Send(ep Endpoint, from string, recipients []string, messageID string, raw []byte) (*Receipt, error) {
	if len(recipients) == 0 {
		return nil, &SendError{Err: fmt.Errorf("no recipients")}
	}

	addr := net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))

	var c *smtp.Client
	var err error

	switch ep.Security {
	case "ssl":
		c, err = smtp.DialTLS(addr, nil)
		if err != nil {
			return nil, &SendError{Err: fmt.Errorf("failed to dial %s with TLS: %w", addr, err)}
		}
	case "starttls":
		c, err = smtp.DialStartTLS(addr, nil)
		if err != nil {
			return nil, &SendError{Err: fmt.Errorf("failed to dial %s with STARTTLS: %w", addr, err)}
		}
	case "insecure":
		c, err = smtp.Dial(addr)
		if err != nil {
			return nil, &SendError{Err: fmt.Errorf("failed to dial %s: %w", addr, err)}
		}
	default:
		return nil, &SendError{Err: fmt.Errorf("unsupported SMTP security mode %q", ep.Security)}
	}
	defer func() { _ = c.Close() }()

	if ep.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", ep.Username, ep.Password)); err != nil {
			return nil, &SendError{Err: fmt.Errorf("relay rejected credentials: %w", err)}
		}
	}

	if err := c.SendMail(from, recipients, bytes.NewReader(raw)); err != nil {
		return nil, &SendError{Err: fmt.Errorf("relay rejected message: %w", err)}
	}

	return &Receipt{MessageID: messageID, AcceptedAt: time.Now().UTC()}, nil
}
