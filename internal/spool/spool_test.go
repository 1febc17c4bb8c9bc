package spool

import (
	"strings"
	"testing"
	"time"

	"aox/internal/models"
)

func TestDeliveredCounting(t *testing.T) {
	a := &DeliveryAgent{}
	a.working.Store(true)
	if a.Delivered() {
		t.Error("Delivered() true while still working")
	}

	a.working.Store(false)
	a.senders = 2
	a.sent = 1
	if a.Delivered() {
		t.Error("Delivered() true with one delivery outstanding")
	}

	a.sent = 2
	if !a.Delivered() {
		t.Error("Delivered() false with senders == sent")
	}

	a.senders = 0
	a.sent = 0
	if !a.Delivered() {
		t.Error("Delivered() false with senders == sent == 0")
	}
}

func TestBounceReport(t *testing.T) {
	m := models.NewMessage(1)
	m.SetHeader("subject", "original subject")
	m.SetHeader("message-id", "<orig@test.example>")
	m.SetBody([]byte("original body\r\n"))
	m.SetHeadersFetched()

	sender := models.NewAddress("", "sender", "test.example")
	dsn := &models.DSN{Message: m, Sender: sender}
	dsn.AddRecipient(&models.Recipient{
		FinalRecipient: models.NewAddress("", "gone", "example.org"),
		Action:         models.ActionFailed,
		Status:         "5.2.0",
		LastAttempt:    time.Now(),
	})
	dsn.AddRecipient(&models.Recipient{
		FinalRecipient: models.NewAddress("", "later", "example.org"),
		Action:         models.ActionDelayed,
		Status:         "4.4.1",
	})

	report := bounceReport(dsn, "mail.test.example")

	for _, want := range []string{
		"To: <sender@test.example>",
		"multipart/report",
		"report-type=delivery-status",
		"gone@example.org: failed permanently (5.2.0)",
		"later@example.org: delayed",
		"Final-Recipient: rfc822; gone@example.org",
		"Action: failed",
		"Status: 5.2.0",
		"Reporting-MTA: dns; mail.test.example",
		"message/rfc822",
		"original body",
	} {
		if !strings.Contains(report, want) {
			t.Errorf("bounce report missing %q", want)
		}
	}
}

func TestBounceReportSkipsUnknown(t *testing.T) {
	m := models.NewMessage(1)
	m.SetHeadersFetched()
	dsn := &models.DSN{Message: m, Sender: models.NewAddress("", "s", "d")}
	dsn.AddRecipient(&models.Recipient{
		FinalRecipient: models.NewAddress("", "pending", "example.org"),
	})

	report := bounceReport(dsn, "h")
	if strings.Contains(report, "Final-Recipient: rfc822; pending@example.org") {
		t.Error("bounce report includes an unknown-outcome recipient")
	}
}

func TestDSNPendingAndAllOk(t *testing.T) {
	dsn := &models.DSN{}
	dsn.AddRecipient(&models.Recipient{FinalRecipient: models.NewAddress("", "a", "b")})
	if !dsn.DeliveriesPending() {
		t.Error("DeliveriesPending false with an unknown recipient")
	}
	if dsn.AllOk() {
		t.Error("AllOk true with an unknown recipient")
	}
	dsn.Recipients[0].SetAction(models.ActionRelayed, "")
	if dsn.DeliveriesPending() {
		t.Error("DeliveriesPending true after relay")
	}
	if !dsn.AllOk() {
		t.Error("AllOk false after relay")
	}
}

func TestRecipientActionMonotonic(t *testing.T) {
	r := &models.Recipient{FinalRecipient: models.NewAddress("", "a", "b")}
	r.SetAction(models.ActionFailed, "5.2.0")
	r.SetAction(models.ActionUnknown, "")
	if r.Action != models.ActionFailed || r.Status != "5.2.0" {
		t.Errorf("action regressed to %v/%q", r.Action, r.Status)
	}
}
