package server

import (
	"testing"

	"aox/internal/models"
)

func testMailbox() *MailboxSession {
	m := &models.Mailbox{ID: 1, Name: "INBOX", UIDNext: 11, UIDValidity: 7}
	return NewMailboxSession(m, []uint32{2, 3, 5, 8, 10}, 2, false)
}

func TestMsnUidMapping(t *testing.T) {
	mbx := testMailbox()
	if mbx.Count() != 5 {
		t.Fatalf("Count = %d, want 5", mbx.Count())
	}
	if got := mbx.MSN(5); got != 3 {
		t.Errorf("MSN(5) = %d, want 3", got)
	}
	if got := mbx.UID(3); got != 5 {
		t.Errorf("UID(3) = %d, want 5", got)
	}
	if got := mbx.MSN(4); got != 0 {
		t.Errorf("MSN(4) = %d, want 0", got)
	}
	if got := mbx.UID(6); got != 0 {
		t.Errorf("UID(6) = %d, want 0", got)
	}
	if got := mbx.LargestUID(); got != 10 {
		t.Errorf("LargestUID = %d, want 10", got)
	}
}

func TestExpungeShiftsMsns(t *testing.T) {
	mbx := testMailbox()
	msn := mbx.Expunge(5)
	if msn != 3 {
		t.Fatalf("Expunge(5) msn = %d, want 3", msn)
	}
	if mbx.Count() != 4 {
		t.Errorf("Count after expunge = %d, want 4", mbx.Count())
	}
	// everything after the gone message shifts down by one
	if got := mbx.MSN(8); got != 3 {
		t.Errorf("MSN(8) = %d, want 3", got)
	}
	if !mbx.Expunged().Contains(5) {
		t.Error("expunged UID not recorded")
	}
	if again := mbx.Expunge(5); again != 0 {
		t.Errorf("second Expunge(5) = %d, want 0", again)
	}
}

func TestAppendExtendsView(t *testing.T) {
	mbx := testMailbox()
	mbx.Append(11)
	if got := mbx.MSN(11); got != 6 {
		t.Errorf("MSN(11) = %d, want 6", got)
	}
}
