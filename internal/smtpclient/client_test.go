package smtpclient

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"aox/internal/models"
)

func testDSN(recipients ...string) *models.DSN {
	m := models.NewMessage(1)
	m.SetHeader("message-id", "<test@example.com>")
	m.SetHeader("subject", "hello")
	m.SetBody([]byte("body text\r\n"))
	m.SetHeadersFetched()

	dsn := &models.DSN{
		Message: m,
		Sender:  models.NewAddress("", "sender", "example.com"),
	}
	for _, r := range recipients {
		parts := strings.SplitN(r, "@", 2)
		dsn.AddRecipient(&models.Recipient{
			FinalRecipient: models.NewAddress("", parts[0], parts[1]),
		})
	}
	return dsn
}

// scriptedServer answers one SMTP session on conn. rcptReplies are
// consumed one per RCPT TO; bodyReply answers the dotted body.
func scriptedServer(t *testing.T, conn net.Conn, rcptReplies []string, bodyReply string) {
	t.Helper()
	br := bufio.NewReader(conn)
	send := func(s string) { conn.Write([]byte(s + "\r\n")) }
	expect := func(prefix string) string {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Errorf("server read failed: %v", err)
			return ""
		}
		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(strings.ToLower(line), prefix) {
			t.Errorf("server got %q, want prefix %q", line, prefix)
		}
		return line
	}

	send("220 smarthost ESMTP")
	expect("ehlo ")
	send("250-smarthost")
	send("250-ENHANCEDSTATUSCODES")
	send("250-SIZE 52428800")
	send("250 SMTPUTF8")
	expect("mail from:")
	send("250 2.1.0 ok")

	rcpts := 0
	for rcpts < len(rcptReplies) {
		expect("rcpt to:")
		send(rcptReplies[rcpts])
		rcpts++
	}

	anyAccepted := false
	for _, r := range rcptReplies {
		if strings.HasPrefix(r, "2") {
			anyAccepted = true
		}
	}
	if anyAccepted {
		expect("data")
		send("354 go ahead")
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				t.Errorf("server read body failed: %v", err)
				return
			}
			if line == ".\r\n" {
				break
			}
		}
		send(bodyReply)
	}
	expect("rset")
	send("250 2.0.0 flushed")
}

func newTestClient(conn net.Conn) *Client {
	return &Client{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		state:    Connected,
		hostname: "mail.example.com",
	}
}

func TestSendAllAccepted(t *testing.T) {
	server, client := net.Pipe()
	go scriptedServer(t, server, []string{"250 2.1.5 ok", "250 2.1.5 ok"}, "250 2.0.0 queued")

	c := newTestClient(client)
	defer c.Close()
	dsn := testDSN("one@test.example", "two@test.example")

	if err := c.Send(dsn); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !c.Sent() {
		t.Error("Sent() = false after successful delivery")
	}
	for _, r := range dsn.Recipients {
		if r.Action != models.ActionRelayed {
			t.Errorf("recipient %s action = %v, want Relayed",
				r.FinalRecipient.LpDomain(), r.Action)
		}
	}
	if c.State() != Rset {
		t.Errorf("state = %v, want Rset", c.State())
	}
	if !c.Ready() {
		t.Error("client not Ready after RSET")
	}
	if !dsn.AllOk() {
		t.Error("DSN not AllOk after full acceptance")
	}
}

func TestSendPermanentRcptFailure(t *testing.T) {
	server, client := net.Pipe()
	go scriptedServer(t, server, []string{"550 5.2.0 user unknown", "250 2.1.5 ok"}, "250 2.0.0 queued")

	c := newTestClient(client)
	defer c.Close()
	dsn := testDSN("bad@test.example", "good@test.example")

	if err := c.Send(dsn); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if dsn.Recipients[0].Action != models.ActionFailed {
		t.Errorf("failed recipient action = %v, want Failed", dsn.Recipients[0].Action)
	}
	if dsn.Recipients[0].Status != "5.2.0" {
		t.Errorf("failed recipient status = %q, want 5.2.0", dsn.Recipients[0].Status)
	}
	if dsn.Recipients[1].Action != models.ActionRelayed {
		t.Errorf("good recipient action = %v, want Relayed", dsn.Recipients[1].Action)
	}
	if dsn.AllOk() {
		t.Error("DSN AllOk despite failure")
	}
}

func TestSendTemporaryRcptFailure(t *testing.T) {
	server, client := net.Pipe()
	go scriptedServer(t, server, []string{"450 mailbox busy"}, "")

	c := newTestClient(client)
	defer c.Close()
	dsn := testDSN("busy@test.example")

	if err := c.Send(dsn); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if dsn.Recipients[0].Action != models.ActionDelayed {
		t.Errorf("action = %v, want Delayed", dsn.Recipients[0].Action)
	}
	if dsn.Recipients[0].Status != "4.2.0" {
		t.Errorf("status = %q, want 4.2.0", dsn.Recipients[0].Status)
	}
	if c.Sent() {
		t.Error("Sent() = true with no accepted recipients")
	}
}

func TestSend421ClosesConnection(t *testing.T) {
	server, client := net.Pipe()
	go func() {
		br := bufio.NewReader(server)
		send := func(s string) { server.Write([]byte(s + "\r\n")) }
		send("220 smarthost")
		br.ReadString('\n') // ehlo
		send("250 smarthost")
		br.ReadString('\n') // mail from
		send("250 ok")
		br.ReadString('\n') // rcpt to
		send("421 shutting down")
	}()

	c := newTestClient(client)
	dsn := testDSN("x@test.example")
	if err := c.Send(dsn); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if c.State() != Invalid {
		t.Errorf("state after 421 = %v, want Invalid", c.State())
	}
	if dsn.Recipients[0].Action != models.ActionDelayed {
		t.Errorf("action = %v, want Delayed", dsn.Recipients[0].Action)
	}
}

func TestFailMarksUnknownsDelayed(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	c := newTestClient(client)
	c.dsn = testDSN("a@test.example", "b@test.example")
	c.dsn.Recipients[1].SetAction(models.ActionFailed, "5.2.0")
	c.lastErr = "Server timeout."
	c.fail(nil)

	if c.dsn.Recipients[0].Action != models.ActionDelayed ||
		c.dsn.Recipients[0].Status != "4.4.1" {
		t.Errorf("unknown recipient = %v/%q, want Delayed/4.4.1",
			c.dsn.Recipients[0].Action, c.dsn.Recipients[0].Status)
	}
	if c.dsn.Recipients[1].Status != "5.2.0" {
		t.Error("fail() touched an already-settled recipient")
	}
	if c.State() != Invalid {
		t.Errorf("state = %v, want Invalid", c.State())
	}
}

func TestRecordExtension(t *testing.T) {
	c := &Client{}
	c.recordExtension("250-ENHANCEDSTATUSCODES")
	c.recordExtension("250-SMTPUTF8")
	c.recordExtension("250-SIZE 1000000")
	c.recordExtension("250-PIPELINING")

	if !c.enhancedStatusCodes || !c.unicode || !c.size {
		t.Errorf("extensions = %v/%v/%v", c.enhancedStatusCodes, c.unicode, c.size)
	}
	if c.observedSize != 1000000 {
		t.Errorf("observedSize = %d", c.observedSize)
	}
}

func TestObservedSize(t *testing.T) {
	c := &Client{observedSize: 1000000}
	if got := c.ObservedSize(128); got != 1000000 {
		t.Errorf("ObservedSize small server = %d", got)
	}
	c.observedSize = 1 << 40
	if got := c.ObservedSize(128); got != 150000*128 {
		t.Errorf("ObservedSize capped = %d, want %d", got, 150000*128)
	}
}

func TestLogoutOnlyFromRset(t *testing.T) {
	c := &Client{state: MailFrom}
	c.Logout(0)
	if c.State() != MailFrom {
		t.Error("Logout changed state outside Rset")
	}
}

func TestLogoutTimerRearm(t *testing.T) {
	c := &Client{state: Rset}
	c.Logout(time.Hour)
	if c.logoutTimer == nil {
		t.Fatal("Logout with a delay did not arm the timer")
	}
	c.stopLogoutTimer()
	if c.State() != Rset {
		t.Error("arming the logout timer changed the state")
	}
}
