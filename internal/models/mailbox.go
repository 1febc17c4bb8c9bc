package models

// Mailbox is the core's view of a row in the mailboxes table. The
// metadata fields are refreshed from the store when the
// mailboxes_updated channel fires; they are mutated only inside
// committed transactions.
type Mailbox struct {
	ID          int64
	Name        string
	OwnerID     int64
	UIDNext     uint32
	UIDValidity uint32
	NextModSeq  int64
	Deleted     bool
}

// User is an authenticated principal.
type User struct {
	ID      int64
	Login   string
	Address *Address
	InboxID int64
}

// HasInbox reports whether the user has an inbox. Users without one
// are rate limited by the IMAP scheduler.
func (u *User) HasInbox() bool {
	return u.InboxID != 0
}

// Delivery is one row of the deliveries table.
type Delivery struct {
	ID        int64
	MessageID int64
	SenderID  int64
	Expired   bool
	CanRetry  bool
}
