package testutil

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	goimap "github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"
)

// TestIMAPServer is an in-memory IMAP server for sync tests.
// The memory backend ships one account: username "username", password
// "password", with an INBOX.
type TestIMAPServer struct {
	Server  *server.Server
	Host    string
	Port    int
	Backend *memory.Backend
}

// NewTestIMAPServer starts an in-memory IMAP server on a random port.
func NewTestIMAPServer(t *testing.T) *TestIMAPServer {
	t.Helper()

	be := memory.New()
	s := server.New(be)
	s.AllowInsecureAuth = true

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}

	go func() {
		if err := s.Serve(listener); err != nil {
			t.Logf("IMAP server error: %v", err)
		}
	}()

	// Give the server a moment to start accepting.
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

	return &TestIMAPServer{
		Server:  s,
		Host:    host,
		Port:    port,
		Backend: be,
	}
}

// Username returns the account name of the built-in test user.
func (s *TestIMAPServer) Username() string { return "username" }

// Password returns the password of the built-in test user.
func (s *TestIMAPServer) Password() string { return "password" }

// connect opens a logged-in client session against the test server.
func (s *TestIMAPServer) connect(t *testing.T) (*imapclient.Client, func()) {
	t.Helper()

	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	client, err := imapclient.Dial(addr)
	if err != nil {
		t.Fatalf("Failed to connect to test IMAP server: %v", err)
	}

	if err := client.Login(s.Username(), s.Password()); err != nil {
		_ = client.Logout()
		t.Fatalf("Failed to login: %v", err)
	}

	return client, func() { _ = client.Logout() }
}

// AppendMessage appends a raw RFC 822 message to INBOX and returns its UID.
func (s *TestIMAPServer) AppendMessage(t *testing.T, raw string, flags []string) uint32 {
	t.Helper()

	client, cleanup := s.connect(t)
	defer cleanup()

	if _, err := client.Select("INBOX", false); err != nil {
		t.Fatalf("Failed to select INBOX: %v", err)
	}

	if err := client.Append("INBOX", flags, time.Now(), strings.NewReader(raw)); err != nil {
		t.Fatalf("Failed to append message: %v", err)
	}

	status, err := client.Select("INBOX", false)
	if err != nil {
		t.Fatalf("Failed to re-select INBOX: %v", err)
	}

	// The memory backend assigns UIDs sequentially; the newest message has
	// the highest UID.
	criteria := goimap.NewSearchCriteria()
	criteria.Uid = new(goimap.SeqSet)
	criteria.Uid.AddRange(1, 0)
	uids, err := client.UidSearch(criteria)
	if err != nil {
		t.Fatalf("Failed to search for message: %v", err)
	}
	if len(uids) == 0 {
		t.Fatalf("Message not found after append (mailbox has %d messages)", status.Messages)
	}

	max := uids[0]
	for _, uid := range uids {
		if uid > max {
			max = uid
		}
	}

	return max
}

// AppendSimpleMessage builds a small plain-text message and appends it.
// inReplyTo may be empty.
func (s *TestIMAPServer) AppendSimpleMessage(t *testing.T, messageID, subject, from, to, inReplyTo string, sentAt time.Time, flags []string) uint32 {
	t.Helper()

	var b strings.Builder
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	fmt.Fprintf(&b, "Date: %s\r\n", sentAt.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", inReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", inReplyTo)
	}
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Body of %q.\r\n", subject)

	return s.AppendMessage(t, b.String(), flags)
}
