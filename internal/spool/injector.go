package spool

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"aox/internal/metrics"
	"aox/internal/models"
)

// injectBounce spools a nondelivery report for the recipients of dsn
// that failed or were delayed, addressed to the original sender with the empty envelope
// sender, so a bounce can never itself bounce.
func (a *DeliveryAgent) injectBounce(ctx context.Context, dsn *models.DSN) error {
	report := bounceReport(dsn, a.cfg.Hostname)

	tx, err := a.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var messageID int64
	err = tx.QueryRowContext(ctx,
		"insert into messages (rfc822size) values ($1) returning id",
		len(report)).Scan(&messageID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"insert into bodyparts (message, part, bytes, data) values ($1, '1', $2, $3)",
		messageID, len(report), []byte(report))
	if err != nil {
		return err
	}

	var mailboxID int64
	var uid int64
	err = tx.QueryRowContext(ctx,
		`update mailboxes set uidnext = uidnext + 1
		  where name = $1 returning id, uidnext - 1`,
		spoolMailbox).Scan(&mailboxID, &uid)
	if err != nil {
		return fmt.Errorf("no spool mailbox: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`insert into mailbox_messages (mailbox, uid, message, modseq)
		 values ($1, $2, $3, 1)`, mailboxID, uid, messageID)
	if err != nil {
		return err
	}

	// The bounce's envelope sender is <>; its one recipient is the
	// original sender.
	var bounceAddr int64
	err = tx.QueryRowContext(ctx,
		`insert into addresses (localpart, domain) values ('', '')
		 on conflict (localpart, domain) do update set localpart = ''
		 returning id`).Scan(&bounceAddr)
	if err != nil {
		return err
	}
	var deliveryID int64
	err = tx.QueryRowContext(ctx,
		`insert into deliveries (message, mailbox, uid, sender, expires_at)
		 values ($1, $2, $3, $4, current_timestamp + interval '7 days')
		 returning id`,
		messageID, mailboxID, uid, bounceAddr).Scan(&deliveryID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"insert into delivery_recipients (delivery, recipient) values ($1, $2)",
		deliveryID, dsn.Sender.ID)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metrics.Bounces.Inc()
	log.Printf("[%s] Injected bounce for message %d to %s",
		a.logID, a.messageID, dsn.Sender.LpDomain())
	return a.store.Notify(ctx, "deliveries_updated")
}

// bounceReport renders a nondelivery report for dsn in the RFC 3464
// layout.
func bounceReport(dsn *models.DSN, hostname string) string {
	boundary := fmt.Sprintf("bounce-%d-%d", time.Now().Unix(), os.Getpid())
	var b strings.Builder

	b.WriteString("From: Mail Delivery Subsystem <postmaster@" + hostname + ">\r\n")
	b.WriteString("To: " + dsn.Sender.String() + "\r\n")
	b.WriteString("Subject: Delivery status notification\r\n")
	b.WriteString("Date: " + time.Now().UTC().Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/report; report-type=delivery-status;\r\n")
	b.WriteString("  boundary=\"" + boundary + "\"\r\n")
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: text/plain\r\n\r\n")
	b.WriteString("Your message could not be delivered to one or more recipients.\r\n\r\n")
	for _, r := range dsn.Recipients {
		switch r.Action {
		case models.ActionFailed:
			b.WriteString(r.FinalRecipient.LpDomain() + ": failed permanently (" +
				r.Status + ")\r\n")
		case models.ActionDelayed:
			b.WriteString(r.FinalRecipient.LpDomain() + ": delayed, delivery " +
				"attempts continue (" + r.Status + ")\r\n")
		}
	}
	b.WriteString("\r\n")

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: message/delivery-status\r\n\r\n")
	b.WriteString("Reporting-MTA: dns; " + hostname + "\r\n\r\n")
	for _, r := range dsn.Recipients {
		if r.Action == models.ActionUnknown {
			continue
		}
		b.WriteString("Final-Recipient: rfc822; " + r.FinalRecipient.LpDomain() + "\r\n")
		b.WriteString("Action: " + r.Action.String() + "\r\n")
		if r.Status != "" {
			b.WriteString("Status: " + r.Status + "\r\n")
		}
		if !r.LastAttempt.IsZero() {
			b.WriteString("Last-Attempt-Date: " +
				r.LastAttempt.UTC().Format(time.RFC1123Z) + "\r\n")
		}
		b.WriteString("\r\n")
	}

	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: message/rfc822\r\n\r\n")
	b.Write(dsn.Message.RFC822(true))
	b.WriteString("\r\n--" + boundary + "--\r\n")
	return b.String()
}
