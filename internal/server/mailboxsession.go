package server

import (
	"aox/internal/imapparser"
	"aox/internal/models"
)

// MailboxSession is the per-connection view of the selected mailbox:
// the UID-to-MSN mapping, what has been expunged but not yet
// reported, and whether stores are allowed.
type MailboxSession struct {
	mailbox  *models.Mailbox
	readOnly bool

	// uids in MSN order; uids[0] is MSN 1.
	uids []uint32

	// expunged holds UIDs removed from the mailbox that commands may
	// still reference, for RFC 2180 handling.
	expunged *imapparser.NumberSet

	recent int
}

// NewMailboxSession builds the session view for a selected mailbox.
func NewMailboxSession(m *models.Mailbox, uids []uint32, recent int, readOnly bool) *MailboxSession {
	return &MailboxSession{
		mailbox:  m,
		readOnly: readOnly,
		uids:     uids,
		expunged: imapparser.NewNumberSet(),
		recent:   recent,
	}
}

// Count returns the number of messages visible in the session.
func (m *MailboxSession) Count() int { return len(m.uids) }

// MSN maps a UID to its position in the session, or 0.
func (m *MailboxSession) MSN(uid uint32) uint32 {
	for i, u := range m.uids {
		if u == uid {
			return uint32(i + 1)
		}
	}
	return 0
}

// UID maps an MSN to its UID, or 0.
func (m *MailboxSession) UID(msn uint32) uint32 {
	if msn == 0 || int(msn) > len(m.uids) {
		return 0
	}
	return m.uids[msn-1]
}

// LargestUID returns the highest visible UID, for '*' in sets.
func (m *MailboxSession) LargestUID() uint32 {
	if len(m.uids) == 0 {
		return 0
	}
	largest := m.uids[0]
	for _, u := range m.uids {
		if u > largest {
			largest = u
		}
	}
	return largest
}

// UIDSet returns the visible UIDs as a set.
func (m *MailboxSession) UIDSet() *imapparser.NumberSet {
	s := imapparser.NewNumberSet()
	for _, u := range m.uids {
		s.Add(u)
	}
	return s
}

// Expunge removes uid from the view and records it for RFC 2180
// handling. It returns the MSN the message had, or 0.
func (m *MailboxSession) Expunge(uid uint32) uint32 {
	msn := m.MSN(uid)
	if msn == 0 {
		return 0
	}
	m.uids = append(m.uids[:msn-1], m.uids[msn:]...)
	m.expunged.Add(uid)
	return msn
}

// Expunged returns the UIDs expunged during this session.
func (m *MailboxSession) Expunged() *imapparser.NumberSet { return m.expunged }

// Append makes a newly arrived uid visible at the end of the view.
func (m *MailboxSession) Append(uid uint32) {
	m.uids = append(m.uids, uid)
}
