package smtpd

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"aox/internal/models"
)

// resolveLocal maps an address to a local mailbox via the aliases
// table, or 0 if nothing local matches.
func (s *Session) resolveLocal(a *models.Address) (int64, error) {
	var mailboxID int64
	err := s.server.store.DB().QueryRow(
		`select al.mailbox from aliases al
		   join addresses ad on (al.address = ad.id)
		  where lower(ad.localpart) = lower($1)
		    and lower(ad.domain) = lower($2)`,
		a.Localpart, a.Domain).Scan(&mailboxID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return mailboxID, nil
}

// deliver stores the accepted message and replies per dialect: one
// status for SMTP/Submit, one per recipient for LMTP.
func (s *Session) deliver() {
	defer func() {
		s.mailFrom = nil
		s.recipients = nil
		s.body = nil
		s.txnID = ""
		s.txnTime = time.Time{}
	}()

	id := s.transactionID()
	results, err := s.inject()
	if err != nil {
		log.Printf("[%s] Injection failed: %v", s.logID, err)
		if s.dialect == Lmtp {
			for range s.recipients {
				s.sendResponse(451, "4.3.0 Injection failed")
			}
		} else {
			s.sendResponse(451, "4.3.0 Injection failed")
		}
		return
	}

	if s.dialect == Lmtp {
		for i, r := range s.recipients {
			if results[i] == nil {
				s.sendResponse(250, "2.1.5 %s delivered to %s",
					id, r.address.LpDomain())
			} else {
				s.sendResponse(451, "4.3.0 Delivery to %s failed",
					r.address.LpDomain())
			}
		}
		return
	}
	s.sendResponse(250, "2.0.0 Message accepted as %s", id)
}

// inject writes the message and its destinations in one transaction.
// Local recipients get a mailbox_messages row; remote ones (submission
// relay) get deliveries rows that wake the spool manager. The per-
// recipient error slice is for LMTP's one-status-per-recipient reply.
func (s *Session) inject() ([]error, error) {
	tx, err := s.server.store.DB().Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sum := sha256.Sum256(s.body)
	blobkey := hex.EncodeToString(sum[:])

	var messageID int64
	err = tx.QueryRow(
		`insert into messages (idate, rfc822size, blobkey)
		 values ($1, $2, $3) returning id`,
		s.transactionTime(), len(s.body), blobkey).Scan(&messageID)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(
		"insert into bodyparts (message, part, bytes, data) values ($1, '1', $2, $3)",
		messageID, len(s.body), s.body)
	if err != nil {
		return nil, err
	}

	senderID, err := s.addressID(tx, s.mailFrom)
	if err != nil {
		return nil, err
	}

	results := make([]error, len(s.recipients))
	var remote []*rcptTo
	for i, r := range s.recipients {
		if r.mailboxID != 0 {
			var uid int64
			err = tx.QueryRow(
				`update mailboxes
				    set uidnext = uidnext + 1, nextmodseq = nextmodseq + 1
				  where id = $1 returning uidnext - 1`,
				r.mailboxID).Scan(&uid)
			if err == nil {
				_, err = tx.Exec(
					`insert into mailbox_messages (mailbox, uid, message, modseq)
					 values ($1, $2, $3,
					         (select nextmodseq - 1 from mailboxes where id = $1))`,
					r.mailboxID, uid, messageID)
			}
			results[i] = err
			if err != nil {
				return nil, err
			}
		} else {
			remote = append(remote, r)
		}
	}

	if len(remote) > 0 {
		var spoolID int64
		var uid int64
		err = tx.QueryRow(
			`update mailboxes set uidnext = uidnext + 1
			  where name = $1 returning id, uidnext - 1`,
			"/archiveopteryx/spool").Scan(&spoolID, &uid)
		if err != nil {
			return nil, fmt.Errorf("no spool mailbox: %w", err)
		}
		_, err = tx.Exec(
			`insert into mailbox_messages (mailbox, uid, message, modseq)
			 values ($1, $2, $3, 1)`, spoolID, uid, messageID)
		if err != nil {
			return nil, err
		}
		var deliveryID int64
		err = tx.QueryRow(
			`insert into deliveries (message, mailbox, uid, sender, expires_at)
			 values ($1, $2, $3, $4, current_timestamp + interval '7 days')
			 returning id`,
			messageID, spoolID, uid, senderID).Scan(&deliveryID)
		if err != nil {
			return nil, err
		}
		for _, r := range remote {
			rid, err := s.addressID(tx, r.address)
			if err != nil {
				return nil, err
			}
			_, err = tx.Exec(
				"insert into delivery_recipients (delivery, recipient) values ($1, $2)",
				deliveryID, rid)
			if err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(remote) > 0 {
		if err := s.server.store.Notify(context.Background(), "deliveries_updated"); err != nil {
			log.Printf("[%s] Cannot notify spool manager: %v", s.logID, err)
		}
	}
	if s.server.blob != nil {
		if err := s.server.blob.Put(context.Background(), blobkey, s.body); err != nil {
			log.Printf("[%s] Cannot store blob: %v", s.logID, err)
		}
	}
	log.Printf("[%s] Injected message %d (%d bytes) for %d recipients",
		s.logID, messageID, len(s.body), len(s.recipients))
	return results, nil
}

// addressID finds or creates the addresses row for a.
func (s *Session) addressID(tx *sql.Tx, a *models.Address) (int64, error) {
	var id int64
	err := tx.QueryRow(
		`insert into addresses (name, localpart, domain)
		 values ($1, $2, $3)
		 on conflict (localpart, domain) do update set name = addresses.name
		 returning id`,
		a.Name, a.Localpart, a.Domain).Scan(&id)
	return id, err
}
