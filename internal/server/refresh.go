package server

import (
	"fmt"
	"log"
)

// refreshMailboxView reloads the selected mailbox's UID list and
// queues EXISTS/EXPUNGE responses for the differences. The sequencer
// decides when the EXPUNGEs may actually go out.
func (s *Session) refreshMailboxView() {
	if s.mbx == nil {
		return
	}
	uids, unseen, err := s.server.mailboxUIDs(s.mbx.mailbox.ID)
	if err != nil {
		log.Printf("[%s] Cannot refresh mailbox view: %v", s.logID, err)
		return
	}

	current := make(map[uint32]bool, len(uids))
	for _, u := range uids {
		current[u] = true
	}

	// expunges first, highest MSN first
	var gone []uint32
	for _, u := range s.mbx.uids {
		if !current[u] {
			gone = append(gone, u)
		}
	}
	for i := len(gone) - 1; i >= 0; i-- {
		msn := s.mbx.Expunge(gone[i])
		if msn != 0 {
			s.respond(&Response{
				text:       fmt.Sprintf("%d EXPUNGE", msn),
				meaningful: true,
				changesMsn: true,
			})
		}
	}

	// then arrivals
	known := s.mbx.UIDSet()
	added := false
	for _, u := range uids {
		if !known.Contains(u) {
			s.mbx.Append(u)
			added = true
		}
	}
	s.mbx.recent = unseen
	if added || len(gone) > 0 {
		s.respond(&Response{
			text:       fmt.Sprintf("%d EXISTS", s.mbx.Count()),
			meaningful: true,
		})
	}
}
