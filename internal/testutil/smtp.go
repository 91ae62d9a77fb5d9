package testutil

import (
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// ReceivedMessage is one message accepted by the test relay.
type ReceivedMessage struct {
	From string
	To   []string
	Data []byte
}

// relayBackend collects everything the relay accepts.
type relayBackend struct {
	mu       sync.Mutex
	messages []*ReceivedMessage
}

func (b *relayBackend) NewSession(*gosmtp.Conn) (gosmtp.Session, error) {
	return &relaySession{backend: b}, nil
}

type relaySession struct {
	backend *relayBackend
	from    string
	to      []string
}

func (s *relaySession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *relaySession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		// The test relay accepts any credential.
		return nil
	}), nil
}

func (s *relaySession) Mail(from string, opts *gosmtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.messages = append(s.backend.messages, &ReceivedMessage{
		From: s.from,
		To:   s.to,
		Data: data,
	})

	return nil
}

func (s *relaySession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *relaySession) Logout() error {
	return nil
}

// TestSMTPServer is an in-memory SMTP relay for outbound tests.
type TestSMTPServer struct {
	Server  *gosmtp.Server
	Host    string
	Port    int
	backend *relayBackend
}

// NewTestSMTPServer starts an in-memory SMTP relay on a random port.
func NewTestSMTPServer(t *testing.T) *TestSMTPServer {
	t.Helper()

	be := &relayBackend{}
	s := gosmtp.NewServer(be)
	s.AllowInsecureAuth = true
	s.Domain = "localhost"

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("SMTP server error: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		_ = s.Close()
	})

	host, portStr, err := net.SplitHostPort(listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to split listen address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Failed to parse port: %v", err)
	}

	return &TestSMTPServer{Server: s, Host: host, Port: port, backend: be}
}

// Messages returns everything the relay has accepted so far.
func (s *TestSMTPServer) Messages() []*ReceivedMessage {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()

	out := make([]*ReceivedMessage, len(s.backend.messages))
	copy(out, s.backend.messages)
	return out
}
