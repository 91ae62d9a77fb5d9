package imap

import (
	"context"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
	"go.uber.org/zap"
)

// RunIdle blocks in an IMAP IDLE loop on INBOX and calls onUpdate every time
// the server reports mailbox activity. It returns when the context is
// canceled or the connection drops. Servers without IDLE support get the
// polling fallback.
func (s *Session) RunIdle(ctx context.Context, log *zap.Logger, onUpdate func()) error {
	if _, err := s.c.Select("INBOX", true); err != nil {
		return &NetworkError{Err: err}
	}

	idleClient := idle.NewClient(s.c)

	updates := make(chan imapclient.Update, 10)
	s.c.Updates = updates

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- idleClient.IdleWithFallback(stop, 30*time.Second)
	}()

	for {
		select {
		case <-ctx.Done():
			close(stop)
			<-done
			return nil
		case err := <-done:
			if err != nil {
				return &NetworkError{Err: err}
			}
			return nil
		case update := <-updates:
			mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
			if !ok || mboxUpdate.Mailbox == nil {
				continue
			}
			if mboxUpdate.Mailbox.Name != "INBOX" || mboxUpdate.Mailbox.Messages == 0 {
				continue
			}
			log.Debug("idle: mailbox update", zap.Uint32("messages", mboxUpdate.Mailbox.Messages))
			onUpdate()
		}
	}
}
