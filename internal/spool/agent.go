package spool

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"aox/internal/conf"
	"aox/internal/db"
	"aox/internal/metrics"
	"aox/internal/models"
	"aox/internal/smtpclient"
)

// spoolMailbox holds messages queued for outbound delivery, and
// receives the bounces the agent generates.
const spoolMailbox = "/archiveopteryx/spool"

// DeliveryAgent attempts delivery of one queued message and updates
// the corresponding rows in the deliveries table.
type DeliveryAgent struct {
	store *db.Store
	cfg   *conf.Config
	blob  BlobFetcher

	messageID int64
	logID     string

	working atomic.Bool
	senders int
	sent    int
}

// NewDeliveryAgent prepares an agent for the message. Run does the
// work.
func NewDeliveryAgent(store *db.Store, cfg *conf.Config, blob BlobFetcher, messageID int64) *DeliveryAgent {
	a := &DeliveryAgent{
		store:     store,
		cfg:       cfg,
		blob:      blob,
		messageID: messageID,
		logID:     ulid.Make().String(),
	}
	a.working.Store(true)
	return a
}

// MessageID identifies the message this agent owns.
func (a *DeliveryAgent) MessageID() int64 { return a.messageID }

// Working reports whether the agent is still running.
func (a *DeliveryAgent) Working() bool { return a.working.Load() }

// Delivered reports whether every delivery of the message completed,
// i.e. the spooled copy may be deleted.
func (a *DeliveryAgent) Delivered() bool {
	return !a.Working() && a.senders == a.sent
}

// Run performs the delivery attempt. The message's delivery and
// recipient rows are updated in one transaction that starts by locking
// the message's deliveries; it commits at most once and is rolled back
// on any earlier exit. Bounces are injected in transactions of their
// own.
func (a *DeliveryAgent) Run(ctx context.Context) {
	defer a.working.Store(false)
	log.Printf("[%s] Starting delivery attempt for message %d", a.logID, a.messageID)
	metrics.DeliveryAttempts.Inc()

	tx, err := a.store.Begin(ctx)
	if err != nil {
		log.Printf("[%s] Cannot begin transaction: %v", a.logID, err)
		return
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`select id, sender,
		        coalesce(current_timestamp > expires_at, false) as expired,
		        (tried_at is null or
		         tried_at + interval '1 hour' < current_timestamp) as can_retry
		   from deliveries where message = $1 for update`, a.messageID)
	if err != nil {
		log.Printf("[%s] Cannot lock deliveries: %v", a.logID, err)
		return
	}
	var deliveries []models.Delivery
	for rows.Next() {
		var d models.Delivery
		if err := rows.Scan(&d.ID, &d.SenderID, &d.Expired, &d.CanRetry); err != nil {
			rows.Close()
			log.Printf("[%s] Scan failed: %v", a.logID, err)
			return
		}
		d.MessageID = a.messageID
		deliveries = append(deliveries, d)
	}
	rows.Close()

	var message *models.Message
	for _, delivery := range deliveries {
		a.senders++
		if !delivery.CanRetry {
			continue
		}

		if message == nil {
			message, err = a.fetchMessage(ctx, tx)
			if err != nil {
				log.Printf("[%s] Cannot fetch message: %v", a.logID, err)
				return
			}
		}

		dsn, err := a.buildDSN(ctx, tx, delivery, message)
		if err != nil {
			log.Printf("[%s] Cannot build DSN: %v", a.logID, err)
			return
		}

		// An expired delivery fails its unhandled recipients
		// instead of trying again.
		if delivery.Expired {
			for _, r := range dsn.Recipients {
				if r.Action == models.ActionUnknown {
					r.SetAction(models.ActionFailed, "4.4.7")
					log.Printf("[%s] Delivery to %s expired", a.logID,
						r.FinalRecipient.LpDomain())
				}
			}
		}

		if dsn.DeliveriesPending() {
			client, err := smtpclient.Provide(
				net.JoinHostPort(a.cfg.SmartHostAddress,
					strconv.Itoa(a.cfg.SmartHostPort)),
				a.cfg.Hostname)
			if err != nil {
				log.Printf("[%s] Cannot reach smarthost: %v", a.logID, err)
				for _, r := range dsn.Recipients {
					if r.Action == models.ActionUnknown {
						r.SetAction(models.ActionDelayed, "4.4.1")
					}
				}
			} else if err := client.Send(dsn); err != nil {
				log.Printf("[%s] Delivery attempt failed: %v", a.logID, err)
			}
		}

		if dsn.AllOk() {
			a.sent++
		} else if dsn.Sender.Type == models.NormalAddress {
			if err := a.injectBounce(ctx, dsn); err != nil {
				log.Printf("[%s] Cannot inject bounce: %v", a.logID, err)
			}
		}

		if err := a.recordOutcome(ctx, tx, delivery, dsn); err != nil {
			log.Printf("[%s] Delivery attempt failed due to database error: %v",
				a.logID, err)
			log.Printf("[%s] Shutting down spool manager.", a.logID)
			Shutdown()
			return
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[%s] Delivery attempt failed due to database error: %v", a.logID, err)
		log.Printf("[%s] Shutting down spool manager.", a.logID)
		Shutdown()
		return
	}
	committed = true
	log.Printf("[%s] Delivery attempt done: %d of %d complete", a.logID, a.sent, a.senders)
}

// fetchMessage loads the header fields, address fields and body of
// the message.
func (a *DeliveryAgent) fetchMessage(ctx context.Context, tx *sql.Tx) (*models.Message, error) {
	m := models.NewMessage(0)
	m.ID = a.messageID

	rows, err := tx.QueryContext(ctx,
		"select field, value from header_fields where message = $1", a.messageID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			rows.Close()
			return nil, err
		}
		m.SetHeader(field, value)
	}
	rows.Close()
	m.SetHeadersFetched()

	rows, err = tx.QueryContext(ctx,
		`select af.field, ad.name, ad.localpart, ad.domain
		   from address_fields af join addresses ad on (af.address = ad.id)
		  where af.message = $1 order by af.field, af.number`, a.messageID)
	if err != nil {
		return nil, err
	}
	byField := make(map[string][]*models.Address)
	for rows.Next() {
		var field, name, localpart, domain string
		if err := rows.Scan(&field, &name, &localpart, &domain); err != nil {
			rows.Close()
			return nil, err
		}
		byField[field] = append(byField[field], models.NewAddress(name, localpart, domain))
	}
	rows.Close()
	for field, addrs := range byField {
		m.SetAddresses(field, addrs)
	}
	m.SetAddressesFetched()

	var blobkey sql.NullString
	var idate time.Time
	var size int64
	err = tx.QueryRowContext(ctx,
		"select blobkey, idate, rfc822size from messages where id = $1",
		a.messageID).Scan(&blobkey, &idate, &size)
	if err != nil {
		return nil, err
	}
	m.InternalDate = idate
	m.RFC822Size = size

	if blobkey.Valid && a.blob != nil {
		body, err := a.blob.Get(ctx, blobkey.String)
		if err != nil {
			return nil, fmt.Errorf("blob fetch: %w", err)
		}
		m.SetBody(body)
	} else {
		var body []byte
		err = tx.QueryRowContext(ctx,
			"select data from bodyparts where message = $1 and part = '1'",
			a.messageID).Scan(&body)
		if err != nil && err != sql.ErrNoRows {
			return nil, err
		}
		m.SetBody(body)
	}
	m.SetTriviaFetched()
	return m, nil
}

// buildDSN assembles the envelope for one delivery row.
func (a *DeliveryAgent) buildDSN(ctx context.Context, tx *sql.Tx, delivery models.Delivery, m *models.Message) (*models.DSN, error) {
	dsn := &models.DSN{Message: m}

	var localpart, domain string
	err := tx.QueryRowContext(ctx,
		"select localpart, domain from addresses where id = $1",
		delivery.SenderID).Scan(&localpart, &domain)
	if err != nil {
		return nil, err
	}
	dsn.Sender = models.NewAddress("", localpart, domain)
	dsn.Sender.ID = delivery.SenderID

	rows, err := tx.QueryContext(ctx,
		`select dr.recipient, ad.localpart, ad.domain, dr.action, dr.status,
		        dr.last_attempt
		   from delivery_recipients dr join addresses ad on (dr.recipient = ad.id)
		  where dr.delivery = $1`, delivery.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var lp, dom, status string
		var action int
		var lastAttempt sql.NullTime
		if err := rows.Scan(&id, &lp, &dom, &action, &status, &lastAttempt); err != nil {
			return nil, err
		}
		addr := models.NewAddress("", lp, dom)
		addr.ID = id
		r := &models.Recipient{
			FinalRecipient: addr,
			Action:         models.RecipientAction(action),
			Status:         status,
		}
		if lastAttempt.Valid {
			r.LastAttempt = lastAttempt.Time
		}
		dsn.AddRecipient(r)
		if r.Action == models.ActionUnknown {
			log.Printf("[%s] Attempting delivery to %s", a.logID, addr.LpDomain())
		}
	}
	return dsn, nil
}

// recordOutcome writes tried_at and the per-recipient results for one
// delivery row into the open transaction.
func (a *DeliveryAgent) recordOutcome(ctx context.Context, tx *sql.Tx, delivery models.Delivery, dsn *models.DSN) error {
	_, err := tx.ExecContext(ctx,
		"update deliveries set tried_at = current_timestamp where id = $1",
		delivery.ID)
	if err != nil {
		return err
	}

	handled, unhandled := 0, 0
	for _, r := range dsn.Recipients {
		if r.Action == models.ActionUnknown {
			unhandled++
			continue
		}
		_, err := tx.ExecContext(ctx,
			`update delivery_recipients
			    set action = $1, status = $2, last_attempt = current_timestamp
			  where delivery = $3 and recipient = $4`,
			int(r.Action), r.Status, delivery.ID, r.FinalRecipient.ID)
		if err != nil {
			return err
		}
		metrics.RecipientOutcomes.WithLabelValues(r.Action.String()).Inc()
		handled++
	}
	log.Printf("[%s] Recipients handled: %d, still queued: %d", a.logID, handled, unhandled)
	return nil
}
