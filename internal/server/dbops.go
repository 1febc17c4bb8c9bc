package server

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"aox/internal/imapparser"
	"aox/internal/models"
)

// verifyLogin checks credentials against the users table.
func (s *IMAPServer) verifyLogin(login, secret string) (*models.User, error) {
	var u models.User
	err := s.store.DB().QueryRow(
		`select id, login, coalesce(inbox, 0) from users
		  where login = $1 and secret = crypt($2, secret)`,
		login, secret).Scan(&u.ID, &u.Login, &u.InboxID)
	if err != nil {
		return nil, fmt.Errorf("authentication failed")
	}
	return &u, nil
}

// lookupLogin resolves a login for token authentication.
func (s *IMAPServer) lookupLogin(login string) (*models.User, error) {
	var u models.User
	err := s.store.DB().QueryRow(
		"select id, login, coalesce(inbox, 0) from users where login = $1",
		login).Scan(&u.ID, &u.Login, &u.InboxID)
	if err != nil {
		return nil, fmt.Errorf("no such user")
	}
	return &u, nil
}

// lookupMailbox finds a mailbox by name for a user.
func (s *IMAPServer) lookupMailbox(userID int64, name string) (*models.Mailbox, error) {
	var m models.Mailbox
	err := s.store.DB().QueryRow(
		`select id, name, coalesce(owner, 0), uidnext, uidvalidity, nextmodseq, deleted
		   from mailboxes
		  where (owner = $1 or owner is null) and lower(name) = lower($2)`,
		userID, name).Scan(&m.ID, &m.Name, &m.OwnerID, &m.UIDNext,
		&m.UIDValidity, &m.NextModSeq, &m.Deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// mailboxUIDs returns the visible UIDs in MSN order and the count of
// unseen messages.
func (s *IMAPServer) mailboxUIDs(mailboxID int64) ([]uint32, int, error) {
	rows, err := s.store.DB().Query(
		`select uid, seen from mailbox_messages
		  where mailbox = $1 and not deleted order by uid`, mailboxID)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var uids []uint32
	unseen := 0
	for rows.Next() {
		var uid uint32
		var seen bool
		if err := rows.Scan(&uid, &seen); err != nil {
			return nil, 0, err
		}
		uids = append(uids, uid)
		if !seen {
			unseen++
		}
	}
	return uids, unseen, nil
}

// condstoreFilter opens a transaction and reduces set to the UIDs
// modified after limit, locking their rows.
func (s *IMAPServer) condstoreFilter(ctx context.Context, mailboxID int64, set *imapparser.NumberSet, limit int64) (*sql.Tx, *imapparser.NumberSet, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	uids := make([]int64, 0, set.Count())
	for _, u := range set.Values() {
		uids = append(uids, int64(u))
	}
	rows, err := tx.QueryContext(ctx,
		`select uid from mailbox_messages
		  where mailbox = $1 and modseq > $2 and uid = any($3) for update`,
		mailboxID, limit, pq.Array(uids))
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}
	defer rows.Close()
	filtered := imapparser.NewNumberSet()
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			tx.Rollback()
			return nil, nil, err
		}
		filtered.Add(uid)
	}
	return tx, filtered, nil
}

// messageTrivia loads internaldate, size and modseq for a batch.
func (s *IMAPServer) messageTrivia(mailboxID int64, msgs map[uint32]*models.Message) error {
	uids := uidKeys(msgs)
	rows, err := s.store.DB().Query(
		`select mm.uid, mm.modseq, ms.idate, ms.rfc822size, ms.id
		   from mailbox_messages mm join messages ms on (mm.message = ms.id)
		  where mm.mailbox = $1 and mm.uid = any($2)`,
		mailboxID, pq.Array(uids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var uid uint32
		var modseq, size, id int64
		var idate sql.NullTime
		if err := rows.Scan(&uid, &modseq, &idate, &size, &id); err != nil {
			return err
		}
		if m := msgs[uid]; m != nil {
			m.ModSeq = modseq
			m.RFC822Size = size
			m.ID = id
			if idate.Valid {
				m.InternalDate = idate.Time
			}
			m.SetTriviaFetched()
		}
	}
	return nil
}

// messageFlags loads the flag sets for a batch.
func (s *IMAPServer) messageFlags(mailboxID int64, msgs map[uint32]*models.Message) error {
	uids := uidKeys(msgs)
	for _, m := range msgs {
		m.Flags = nil
	}
	rows, err := s.store.DB().Query(
		`select mm.uid, f.flag
		   from mailbox_messages mm
		   left join flags f on (f.mailbox = mm.mailbox and f.uid = mm.uid)
		  where mm.mailbox = $1 and mm.uid = any($2)`,
		mailboxID, pq.Array(uids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var uid uint32
		var flag sql.NullString
		if err := rows.Scan(&uid, &flag); err != nil {
			return err
		}
		if m := msgs[uid]; m != nil {
			if flag.Valid {
				m.Flags = append(m.Flags, flag.String)
			}
		}
	}
	for _, m := range msgs {
		m.SetFlagsFetched(true)
	}
	return nil
}

// messageHeaders loads the header fields for a batch.
func (s *IMAPServer) messageHeaders(mailboxID int64, msgs map[uint32]*models.Message) error {
	uids := uidKeys(msgs)
	rows, err := s.store.DB().Query(
		`select mm.uid, hf.field, hf.value
		   from mailbox_messages mm
		   join header_fields hf on (hf.message = mm.message)
		  where mm.mailbox = $1 and mm.uid = any($2)`,
		mailboxID, pq.Array(uids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var uid uint32
		var field, value string
		if err := rows.Scan(&uid, &field, &value); err != nil {
			return err
		}
		if m := msgs[uid]; m != nil {
			m.SetHeader(field, value)
		}
	}
	for _, m := range msgs {
		m.SetHeadersFetched()
	}
	return nil
}

// messageAddresses loads the address-valued fields for a batch.
func (s *IMAPServer) messageAddresses(mailboxID int64, msgs map[uint32]*models.Message) error {
	uids := uidKeys(msgs)
	rows, err := s.store.DB().Query(
		`select mm.uid, af.field, ad.name, ad.localpart, ad.domain
		   from mailbox_messages mm
		   join address_fields af on (af.message = mm.message)
		   join addresses ad on (af.address = ad.id)
		  where mm.mailbox = $1 and mm.uid = any($2)
		  order by af.field, af.number`,
		mailboxID, pq.Array(uids))
	if err != nil {
		return err
	}
	defer rows.Close()
	type key struct {
		uid   uint32
		field string
	}
	byField := make(map[key][]*models.Address)
	for rows.Next() {
		var uid uint32
		var field, name, localpart, domain string
		if err := rows.Scan(&uid, &field, &name, &localpart, &domain); err != nil {
			return err
		}
		k := key{uid, field}
		byField[k] = append(byField[k], models.NewAddress(name, localpart, domain))
	}
	for k, addrs := range byField {
		if m := msgs[k.uid]; m != nil {
			m.SetAddresses(k.field, addrs)
		}
	}
	for _, m := range msgs {
		m.SetAddressesFetched()
	}
	return nil
}

// messageBodies loads body bytes, from the blob store when the
// message has a blob key.
func (s *IMAPServer) messageBodies(mailboxID int64, msgs map[uint32]*models.Message) error {
	uids := uidKeys(msgs)
	rows, err := s.store.DB().Query(
		`select mm.uid, ms.blobkey, bp.data
		   from mailbox_messages mm
		   join messages ms on (mm.message = ms.id)
		   left join bodyparts bp on (bp.message = ms.id and bp.part = '1')
		  where mm.mailbox = $1 and mm.uid = any($2)`,
		mailboxID, pq.Array(uids))
	if err != nil {
		return err
	}
	defer rows.Close()
	type pending struct {
		m   *models.Message
		key string
	}
	var fromBlob []pending
	for rows.Next() {
		var uid uint32
		var blobkey sql.NullString
		var data []byte
		if err := rows.Scan(&uid, &blobkey, &data); err != nil {
			return err
		}
		m := msgs[uid]
		if m == nil {
			continue
		}
		if data != nil {
			m.SetBody(data)
		} else if blobkey.Valid && s.blob != nil {
			fromBlob = append(fromBlob, pending{m, blobkey.String})
		} else {
			m.SetBody(nil)
		}
	}
	for _, p := range fromBlob {
		body, err := s.blob.Get(context.Background(), p.key)
		if err != nil {
			return err
		}
		p.m.SetBody(body)
	}
	return nil
}

// messageAnnotations loads the annotation entries for a batch.
func (s *IMAPServer) messageAnnotations(mailboxID int64, msgs map[uint32]*models.Message) error {
	uids := uidKeys(msgs)
	rows, err := s.store.DB().Query(
		`select uid, entry, value from annotations
		  where mailbox = $1 and uid = any($2)`,
		mailboxID, pq.Array(uids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var uid uint32
		var entry, value string
		if err := rows.Scan(&uid, &entry, &value); err != nil {
			return err
		}
		if m := msgs[uid]; m != nil {
			m.Annotations[entry] = value
		}
	}
	for _, m := range msgs {
		m.SetAnnotationsFetched(true)
	}
	return nil
}

// storeFlags adds or removes a flag on a UID set and bumps modseq.
func (s *IMAPServer) storeFlags(mailboxID int64, set *imapparser.NumberSet, flags []string, add bool) (int64, error) {
	tx, err := s.store.Begin(context.Background())
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var modseq int64
	err = tx.QueryRow(
		`update mailboxes set nextmodseq = nextmodseq + 1
		  where id = $1 returning nextmodseq - 1`, mailboxID).Scan(&modseq)
	if err != nil {
		return 0, err
	}

	uids := make([]int64, 0, set.Count())
	for _, u := range set.Values() {
		uids = append(uids, int64(u))
	}
	for _, flag := range flags {
		if add {
			_, err = tx.Exec(
				`insert into flags (mailbox, uid, flag)
				 select $1, uid, $2 from mailbox_messages
				  where mailbox = $1 and uid = any($3)
				 on conflict do nothing`,
				mailboxID, flag, pq.Array(uids))
		} else {
			_, err = tx.Exec(
				`delete from flags where mailbox = $1 and flag = $2
				    and uid = any($3)`,
				mailboxID, flag, pq.Array(uids))
		}
		if err != nil {
			return 0, err
		}
	}
	_, err = tx.Exec(
		`update mailbox_messages set modseq = $1,
		        seen = seen or ($4 and $5)
		  where mailbox = $2 and uid = any($3)`,
		modseq, mailboxID, pq.Array(uids), add, containsFold(flags, `\Seen`))
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return modseq, nil
}

// expungeMessages moves \Deleted messages of the set into
// deleted_messages and returns the expunged UIDs.
func (s *IMAPServer) expungeMessages(mailboxID int64, set *imapparser.NumberSet) (*imapparser.NumberSet, error) {
	tx, err := s.store.Begin(context.Background())
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var modseq int64
	err = tx.QueryRow(
		`update mailboxes set nextmodseq = nextmodseq + 1
		  where id = $1 returning nextmodseq - 1`, mailboxID).Scan(&modseq)
	if err != nil {
		return nil, err
	}

	uids := make([]int64, 0, set.Count())
	for _, u := range set.Values() {
		uids = append(uids, int64(u))
	}
	rows, err := tx.Query(
		`select mm.uid from mailbox_messages mm
		   join flags f on (f.mailbox = mm.mailbox and f.uid = mm.uid)
		  where mm.mailbox = $1 and mm.uid = any($2)
		    and lower(f.flag) = lower('\Deleted') for update`,
		mailboxID, pq.Array(uids))
	if err != nil {
		return nil, err
	}
	expunged := imapparser.NewNumberSet()
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return nil, err
		}
		expunged.Add(uid)
	}
	rows.Close()
	if expunged.IsEmpty() {
		return expunged, tx.Commit()
	}

	gone := make([]int64, 0, expunged.Count())
	for _, u := range expunged.Values() {
		gone = append(gone, int64(u))
	}
	_, err = tx.Exec(
		`insert into deleted_messages (mailbox, uid, message, modseq)
		 select mailbox, uid, message, $3 from mailbox_messages
		  where mailbox = $1 and uid = any($2)`,
		mailboxID, pq.Array(gone), modseq)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(
		"delete from mailbox_messages where mailbox = $1 and uid = any($2)",
		mailboxID, pq.Array(gone))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	s.store.Notify(context.Background(), "mailboxes_updated")
	return expunged, nil
}

// copyMessages copies the set into another mailbox and returns the
// source and destination UID lists for COPYUID.
func (s *IMAPServer) copyMessages(srcMailbox int64, set *imapparser.NumberSet, dstMailbox int64) ([]uint32, []uint32, error) {
	tx, err := s.store.Begin(context.Background())
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	uids := make([]int64, 0, set.Count())
	for _, u := range set.Values() {
		uids = append(uids, int64(u))
	}
	var srcUIDs, dstUIDs []uint32
	for _, uid := range uids {
		var newUID uint32
		err := tx.QueryRow(
			`update mailboxes set uidnext = uidnext + 1, nextmodseq = nextmodseq + 1
			  where id = $1 returning uidnext - 1`, dstMailbox).Scan(&newUID)
		if err != nil {
			return nil, nil, err
		}
		res, err := tx.Exec(
			`insert into mailbox_messages (mailbox, uid, message, modseq, seen, deleted)
			 select $1, $2, message, (select nextmodseq - 1 from mailboxes where id = $1),
			        seen, deleted
			   from mailbox_messages where mailbox = $3 and uid = $4`,
			dstMailbox, newUID, srcMailbox, uid)
		if err != nil {
			return nil, nil, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			srcUIDs = append(srcUIDs, uint32(uid))
			dstUIDs = append(dstUIDs, newUID)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return srcUIDs, dstUIDs, nil
}

func uidKeys(msgs map[uint32]*models.Message) []int64 {
	uids := make([]int64, 0, len(msgs))
	for u := range msgs {
		uids = append(uids, int64(u))
	}
	return uids
}

func containsFold(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}
