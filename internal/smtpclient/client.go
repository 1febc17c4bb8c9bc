// Package smtpclient implements the outbound SMTP client used by the
// delivery agent to hand mail to the configured smarthost.
package smtpclient

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"aox/internal/models"
)

// State tracks the protocol position of the client.
type State int

const (
	Invalid State = iota
	Connected
	Banner
	Hello
	MailFrom
	RcptTo
	Data
	Body
	Error
	Rset
	Quit
)

const responseTimeout = 300 * time.Second

// The idle pool keeps at most one client alive between DSNs.
var (
	poolMu     sync.Mutex
	idleClient *Client
)

// Client is a connection to the smarthost. One DSN is sent per
// session; RSET makes the client reusable for the next.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	state  State

	hostname string

	dsn      *models.DSN
	sentMail bool
	lastErr  string

	enhancedStatusCodes bool
	unicode             bool
	size                bool
	observedSize        int64

	logoutTimer *time.Timer
}

// New connects to addr and waits for the banner/EHLO exchange on the
// first Send.
func New(addr, hostname string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 4*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to smarthost %s: %w", addr, err)
	}
	log.Printf("Connected to smarthost %s", addr)
	return &Client{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		state:    Connected,
		hostname: hostname,
	}, nil
}

// Provide returns an idle pooled client if one exists and is usable,
// or dials a fresh one.
func Provide(addr, hostname string) (*Client, error) {
	poolMu.Lock()
	c := idleClient
	idleClient = nil
	poolMu.Unlock()
	if c != nil && c.Usable() {
		c.stopLogoutTimer()
		return c, nil
	}
	if c != nil {
		c.Close()
	}
	return New(addr, hostname)
}

// Ready reports whether the client can accept a DSN now.
func (c *Client) Ready() bool {
	if c.dsn != nil {
		return false
	}
	switch c.state {
	case Invalid, Connected, Hello, Rset:
		return true
	}
	return false
}

// Usable reports whether the connection is still open and ready.
func (c *Client) Usable() bool {
	return c.conn != nil && c.Ready() && c.state != Invalid
}

// Sent reports whether the most recent Send relayed the message to at
// least one recipient.
func (c *Client) Sent() bool { return c.sentMail }

// Error returns the most recent connection-level error text.
func (c *Client) Error() string { return c.lastErr }

// State returns the protocol state, for tests and logging.
func (c *Client) State() State { return c.state }

// Close tears down the connection.
func (c *Client) Close() {
	c.stopLogoutTimer()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = Invalid
}

// Send delivers the message held by dsn to every recipient whose
// action is still unknown, updating each recipient in place. It
// returns an error only for protocol-breaking conditions; per
// recipient outcomes are in the DSN.
func (c *Client) Send(dsn *models.DSN) error {
	if !c.Ready() || c.conn == nil {
		return fmt.Errorf("client is not ready")
	}
	poolMu.Lock()
	if idleClient == c {
		idleClient = nil
	}
	poolMu.Unlock()
	c.stopLogoutTimer()
	c.dsn = dsn
	c.sentMail = false
	defer c.finishSend()

	msgid := dsn.Message.Header("message-id")
	log.Printf("Sending message to %s, message-id %s, from %s",
		c.conn.RemoteAddr(), msgid, dsn.Sender)

	if c.state == Connected || c.state == Invalid {
		if err := c.hello(); err != nil {
			return err
		}
	}
	if c.state == Rset {
		c.state = Hello
	}

	// MAIL FROM, with smtputf8 and size when available.
	var body []byte
	if dsn.Message.NeedsUnicode() && c.unicode {
		body = Dotted(dsn.Message.RFC822(false))
	} else {
		body = Dotted(dsn.Message.RFC822(true))
	}
	cmd := "mail from:<"
	if dsn.Sender.Type == models.NormalAddress {
		cmd += dsn.Sender.LpDomain()
	}
	cmd += ">"
	if dsn.Message.NeedsUnicode() && c.unicode {
		cmd += " smtputf8"
	}
	if c.size {
		cmd += " size=" + strconv.Itoa(len(body))
	}
	c.state = MailFrom
	code, line, err := c.cmd(cmd)
	if err != nil {
		return c.fail(err)
	}
	if code/100 != 2 {
		c.handleFailure(line)
		return c.rset()
	}

	// One RCPT TO per unknown recipient.
	c.state = RcptTo
	var accepted []*models.Recipient
	for _, r := range dsn.Recipients {
		if r.Action != models.ActionUnknown {
			continue
		}
		code, line, err = c.cmd("rcpt to:<" + r.FinalRecipient.LpDomain() + ">")
		if err != nil {
			return c.fail(err)
		}
		switch {
		case code/100 == 2:
			accepted = append(accepted, r)
		case code == 421:
			c.handleFailure(line)
			c.Close()
			return nil
		case code/100 == 5:
			r.SetAction(models.ActionFailed, enhancedStatus(line, c.enhancedStatusCodes, c.state))
		default:
			r.SetAction(models.ActionDelayed, enhancedStatus(line, c.enhancedStatusCodes, c.state))
		}
	}

	if len(accepted) == 0 {
		return c.rset()
	}

	c.state = Data
	code, line, err = c.cmd("data")
	if err != nil {
		return c.fail(err)
	}
	if code/100 != 3 {
		c.handleFailure(line)
		return c.rset()
	}

	log.Printf("Sending body (%d bytes)", len(body))
	c.state = Body
	if err := c.writeBody(body); err != nil {
		return c.fail(err)
	}
	code, line, err = c.readReply()
	if err != nil {
		return c.fail(err)
	}
	if code/100 == 2 {
		c.sentMail = true
		for _, r := range accepted {
			if r.Action == models.ActionUnknown {
				r.SetAction(models.ActionRelayed, "")
				log.Printf("Sent to %s", r.FinalRecipient.LpDomain())
			}
		}
	} else {
		c.handleFailure(line)
		if code == 421 {
			c.Close()
			return nil
		}
	}

	return c.rset()
}

// hello consumes the banner and negotiates extensions with EHLO.
func (c *Client) hello() error {
	code, line, err := c.readReply()
	if err != nil {
		return c.fail(err)
	}
	if code/100 != 2 {
		c.lastErr = "Bad banner: " + line
		return c.fail(fmt.Errorf("smarthost banner %d", code))
	}
	c.state = Banner

	c.state = Hello
	code, _, err = c.ehlo()
	if err != nil {
		return c.fail(err)
	}
	if code/100 != 2 {
		c.lastErr = "EHLO rejected"
		return c.fail(fmt.Errorf("EHLO rejected with %d", code))
	}
	return nil
}

func (c *Client) ehlo() (int, string, error) {
	if err := c.write("ehlo " + c.hostname + "\r\n"); err != nil {
		return 0, "", err
	}
	for {
		line, err := c.readLine()
		if err != nil {
			return 0, "", err
		}
		code, cont, err := splitReply(line)
		if err != nil {
			c.lastErr = "Server sent garbage: " + line
			return 0, line, err
		}
		if code/100 == 2 {
			c.recordExtension(line)
		}
		if !cont {
			return code, line, nil
		}
	}
}

// cmd writes one command and reads the final reply line.
func (c *Client) cmd(s string) (int, string, error) {
	log.Printf("Sending: %s", s)
	if err := c.write(s + "\r\n"); err != nil {
		return 0, "", err
	}
	return c.readReply()
}

// readReply reads a complete (possibly multi-line) reply and returns
// the final status code and line.
func (c *Client) readReply() (int, string, error) {
	for {
		line, err := c.readLine()
		if err != nil {
			return 0, "", err
		}
		code, cont, err := splitReply(line)
		if err != nil {
			c.lastErr = "Server sent garbage: " + line
			return 0, line, err
		}
		if !cont {
			if code/100 == 1 {
				c.lastErr = "Server sent 1xx response: " + line
				return code, line, fmt.Errorf("unexpected 1xx reply")
			}
			return code, line, nil
		}
	}
}

func (c *Client) readLine() (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(responseTimeout))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			log.Printf("SMTP server timed out")
			c.lastErr = "Server timeout."
			return "", fmt.Errorf("server timeout")
		}
		c.lastErr = "Unexpected close by server."
		return "", fmt.Errorf("read from smarthost: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	log.Printf("Received: %s", line)
	return line, nil
}

func (c *Client) write(s string) error {
	c.conn.SetWriteDeadline(time.Now().Add(responseTimeout))
	_, err := c.conn.Write([]byte(s))
	if err != nil {
		c.lastErr = "Write to smarthost failed."
		return fmt.Errorf("write to smarthost: %w", err)
	}
	return nil
}

// writeBody sends the dotted body in chunks. The deadline is extended
// as long as each chunk makes progress, so a slow but draining peer is
// tolerated; a stalled one fails the attempt.
func (c *Client) writeBody(body []byte) error {
	const chunk = 65536
	for len(body) > 0 {
		n := len(body)
		if n > chunk {
			n = chunk
		}
		c.conn.SetWriteDeadline(time.Now().Add(responseTimeout))
		wrote, err := c.conn.Write(body[:n])
		if wrote > 0 {
			body = body[wrote:]
			continue
		}
		if err != nil {
			c.lastErr = "Server timeout."
			return fmt.Errorf("body write stalled: %w", err)
		}
	}
	return nil
}

// fail marks every unknown recipient Delayed with a 4.4.x status and
// closes the connection.
func (c *Client) fail(err error) error {
	status := "4.4.1"
	if c.lastErr == "Unexpected close by server." {
		status = "4.4.2"
	}
	if c.dsn != nil {
		for _, r := range c.dsn.Recipients {
			if r.Action == models.ActionUnknown {
				r.SetAction(models.ActionDelayed, status)
			}
		}
	}
	c.Close()
	return err
}

// rset returns the session to the reusable state and arms the logout
// timer.
func (c *Client) rset() error {
	code, _, err := c.cmd("rset")
	if err != nil {
		return c.fail(err)
	}
	if code/100 != 2 {
		c.Close()
		return nil
	}
	c.state = Rset
	c.armLogoutTimer()
	return nil
}

// finishSend applies the default Delayed status to anything still
// unknown and releases the DSN.
func (c *Client) finishSend() {
	if c.dsn != nil {
		for _, r := range c.dsn.Recipients {
			if r.Action == models.ActionUnknown {
				r.SetAction(models.ActionDelayed, "4.5.0")
			}
		}
	}
	c.dsn = nil

	if c.state == Rset {
		poolMu.Lock()
		if idleClient == nil {
			idleClient = c
		}
		poolMu.Unlock()
	}
}

// handleFailure records a failure outcome derived from reply line for
// the recipients it concerns.
func (c *Client) handleFailure(line string) {
	status := enhancedStatus(line, c.enhancedStatusCodes, c.state)
	permanent := strings.HasPrefix(line, "5")

	if c.dsn != nil {
		for _, r := range c.dsn.Recipients {
			if r.Action == models.ActionUnknown {
				if permanent {
					r.SetAction(models.ActionFailed, status)
				} else {
					r.SetAction(models.ActionDelayed, status)
				}
			}
		}
	}
	c.state = Error
}

// Logout sends quit and closes. With t > 0, it merely (re)arms the
// timer.
func (c *Client) Logout(t time.Duration) {
	if c.state != Rset {
		return
	}
	if t > 0 {
		c.stopLogoutTimer()
		c.logoutTimer = time.AfterFunc(t, func() { c.Logout(0) })
		return
	}
	log.Printf("Sending: quit")
	c.state = Quit
	c.write("quit\r\n")
	poolMu.Lock()
	if idleClient == c {
		idleClient = nil
	}
	poolMu.Unlock()
	c.Close()
}

func (c *Client) armLogoutTimer() {
	c.stopLogoutTimer()
	d := 15 * time.Second
	poolMu.Lock()
	if idleClient == nil || idleClient == c {
		d = 298 * time.Second
	}
	poolMu.Unlock()
	c.logoutTimer = time.AfterFunc(d, func() { c.Logout(0) })
}

func (c *Client) stopLogoutTimer() {
	if c.logoutTimer != nil {
		c.logoutTimer.Stop()
		c.logoutTimer = nil
	}
}

// recordExtension parses one EHLO continuation line. Unknown
// extensions are ignored.
func (c *Client) recordExtension(line string) {
	if len(line) < 4 {
		return
	}
	l := strings.Fields(line[4:])
	if len(l) == 0 {
		return
	}
	switch strings.ToLower(l[0]) {
	case "enhancedstatuscodes":
		c.enhancedStatusCodes = true
	case "smtputf8":
		c.unicode = true
	case "size":
		c.size = true
		if len(l) > 1 {
			n, err := strconv.ParseInt(l[1], 10, 64)
			if err == nil {
				c.observedSize = n
			}
		}
	}
}

// ObservedSize returns the advertised SIZE, bounded by our own memory
// limit (in megabytes).
func (c *Client) ObservedSize(memoryLimitMB int) int64 {
	limit := int64(150000) * int64(memoryLimitMB)
	if c.observedSize > 0 && c.observedSize < limit {
		return c.observedSize
	}
	return limit
}

// splitReply parses "NNN text" or "NNN-text" into the status code and
// a continuation flag.
func splitReply(line string) (code int, cont bool, err error) {
	if len(line) < 3 {
		return 0, false, fmt.Errorf("short reply line %q", line)
	}
	code, err = strconv.Atoi(line[:3])
	if err != nil {
		return 0, false, fmt.Errorf("nonnumeric reply %q", line)
	}
	if len(line) > 3 && line[3] == '-' {
		cont = true
	}
	return code, cont, nil
}
