package imap

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/emersion/go-imap"
)

// RawMessage is one unparsed message as fetched from the mailbox.
type RawMessage struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Body         []byte
}

// FetchSince returns the next page of INBOX messages with UIDs above the
// cursor, in ascending UID order. The returned cursor covers everything in
// the page; passing it back never re-fetches a delivered message and never
// skips one (at-least-once — the store deduplicates). hasMore reports
// whether another page is waiting.
func (s *Session) FetchSince(cursor int64, pageSize int) ([]RawMessage, int64, bool, error) {
	if s == nil || s.c == nil {
		return nil, cursor, false, fmt.Errorf("session is closed")
	}

	if _, err := s.c.Select("INBOX", true); err != nil {
		return nil, cursor, false, &NetworkError{Err: fmt.Errorf("failed to select INBOX: %w", err)}
	}

	uids, err := s.searchAbove(cursor)
	if err != nil {
		return nil, cursor, false, err
	}

	if len(uids) == 0 {
		return nil, cursor, false, nil
	}

	hasMore := len(uids) > pageSize
	if hasMore {
		uids = uids[:pageSize]
	}

	batch, err := s.fetchFull(uids)
	if err != nil {
		return nil, cursor, false, err
	}

	nextCursor := cursor
	for _, raw := range batch {
		if int64(raw.UID) > nextCursor {
			nextCursor = int64(raw.UID)
		}
	}

	return batch, nextCursor, hasMore, nil
}

// searchAbove returns the UIDs strictly above the cursor, ascending.
// An IMAP "N:*" range always includes the last message of the mailbox even
// when its UID is below N, so the result has to be filtered again.
func (s *Session) searchAbove(cursor int64) ([]uint32, error) {
	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(uint32(cursor+1), 0)

	found, err := s.c.UidSearch(criteria)
	if err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("failed to search for new messages: %w", err)}
	}

	uids := make([]uint32, 0, len(found))
	for _, uid := range found {
		if int64(uid) > cursor {
			uids = append(uids, uid)
		}
	}

	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	return uids, nil
}

// fetchFull fetches the complete RFC 822 body plus flags for the given UIDs.
// BODY.PEEK is used so fetching never flips the remote \Seen flag.
func (s *Session) fetchFull(uids []uint32) ([]RawMessage, error) {
	seqSet := new(imap.SeqSet)
	for _, uid := range uids {
		seqSet.AddNum(uid)
	}

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		section.FetchItem(),
		imap.FetchFlags,
		imap.FetchUid,
		imap.FetchInternalDate,
	}

	messages := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)

	go func() {
		done <- s.c.UidFetch(seqSet, items, messages)
	}()

	var batch []RawMessage
	for msg := range messages {
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}

		body, err := io.ReadAll(literal)
		if err != nil {
			return nil, &NetworkError{Err: fmt.Errorf("failed to read message body: %w", err)}
		}

		batch = append(batch, RawMessage{
			UID:          msg.Uid,
			Flags:        msg.Flags,
			InternalDate: msg.InternalDate,
			Body:         body,
		})
	}

	if err := <-done; err != nil {
		return nil, &NetworkError{Err: fmt.Errorf("failed to fetch messages: %w", err)}
	}

	sort.Slice(batch, func(i, j int) bool { return batch[i].UID < batch[j].UID })

	return batch, nil
}
