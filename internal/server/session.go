package server

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"aox/internal/imapparser"
	"aox/internal/models"
	"aox/internal/proxy"
)

// SessionState is the RFC 3501 session state.
type SessionState int

const (
	NotAuthenticated SessionState = iota
	Authenticated
	Selected
	Logout
)

// Client capabilities announced via ENABLE.
const (
	capCondstore = "CONDSTORE"
	capQresync   = "QRESYNC"
	capUtf8      = "UTF8=ACCEPT"
)

// Client bugs the server works around.
const (
	bugNoUnsolicited = "NoUnsolicitedResponses"
	bugNat           = "Nat"
)

// natKeepaliveInterval is how often an idle session gets a little OK
// so aggressive NAT gateways keep the mapping alive.
const natKeepaliveInterval = 117 * time.Second

// event is one unit of input handed from the reader goroutine to the
// scheduler.
type event struct {
	line     string // complete command, literals inline
	reserved string // raw line for a command that reserved input
	err      error
	timeout  bool
}

// Session is one IMAP connection.
type Session struct {
	server *IMAPServer
	conn   net.Conn
	logID  string

	peer net.Addr
	self net.Addr

	writeMu sync.Mutex

	state SessionState
	user  *models.User
	mbx   *MailboxSession

	commands  []*Command
	responses []*Response

	// reader is the command that reserved the input stream.
	reader *Command

	clientCaps map[string]bool
	clientBugs map[string]bool

	syntaxErrors int
	lastBadTime  time.Time
	nextOkTime   time.Time

	events chan event
	wake   chan struct{}
	closed chan struct{}

	// tlsUpgrade carries the post-handshake connection back to the
	// parked reader after STARTTLS; nil means the handshake failed.
	tlsUpgrade chan net.Conn

	// mu guards the fields the reader goroutine looks at.
	mu           sync.Mutex
	bytesArrived int
	closing      bool
	idleHint     bool
}

// NewSession wraps an accepted connection.
func NewSession(server *IMAPServer, conn net.Conn) *Session {
	return &Session{
		server:     server,
		conn:       conn,
		logID:      ulid.Make().String(),
		peer:       conn.RemoteAddr(),
		self:       conn.LocalAddr(),
		clientCaps: make(map[string]bool),
		clientBugs: make(map[string]bool),
		events:     make(chan event, 8),
		wake:       make(chan struct{}, 1),
		closed:     make(chan struct{}),
		tlsUpgrade: make(chan net.Conn, 1),
	}
}

// Run drives the session until the connection ends.
func (s *Session) Run() {
	defer s.conn.Close()
	defer close(s.closed)

	banner := "* OK [CAPABILITY " + s.capabilities() + "] " +
		s.server.cfg.Hostname + " IMAP Server"
	if !s.server.cfg.Security {
		banner += " (security checking disabled)"
	}
	s.send(banner)

	go s.readLoop()

	keepalive := time.NewTimer(natKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case ev := <-s.events:
			if ev.err != nil {
				s.handleClose(ev.timeout)
				return
			}
			if ev.reserved != "" || (s.reader != nil && ev.line != "") {
				if s.reader != nil {
					s.reader.handler.(reservedReader).read(s.reader, firstNonEmpty(ev.reserved, ev.line))
				}
			} else if ev.line != "" {
				s.addCommand(ev.line)
			}
		case <-s.wake:
		case <-keepalive.C:
			if s.idle() && s.state == Selected && s.server.store != nil {
				s.refreshMailboxView()
				s.emitResponses()
			}
			s.defeatNat()
			keepalive.Reset(natKeepaliveInterval)
		}
		s.runCommands()
		if s.isClosing() {
			return
		}
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// reservedReader is implemented by handlers that reserve the input
// stream (IDLE, AUTHENTICATE).
type reservedReader interface {
	read(c *Command, line string)
}

// poke schedules a scheduler pass; safe from any goroutine.
func (s *Session) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Session) setClosing() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
}

// handleClose marks every live command with a NO and tears down the
// mailbox session.
func (s *Session) handleClose(timeout bool) {
	if timeout && s.state != Logout {
		log.Printf("[%s] Idle timeout", s.logID)
		s.send("* BYE Tempus fugit")
	}
	if s.mbx != nil {
		log.Printf("[%s] Unexpected close by client", s.logID)
		s.mbx = nil
	}
	for _, c := range s.commands {
		switch c.state {
		case Unparsed, Blocked, Executing:
			c.error("NO", "Unexpected close by client")
		}
	}
	s.setClosing()
}

// send writes one response line. The reader goroutine also sends
// literal continuations, hence the lock.
func (s *Session) send(line string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.Write([]byte(line + "\r\n"))
}

// timeoutFor returns the inactivity allowance in the current state.
// It runs on the reader goroutine, so it only looks at mu-guarded
// snapshots of the scheduler's state.
func (s *Session) timeoutFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case NotAuthenticated, Logout:
		return 120 * time.Second
	}
	if s.idleHint {
		return 3600 * time.Second
	}
	return 1860 * time.Second
}

// idle reports whether the session has no work: an empty queue, or
// only an executing IDLE.
func (s *Session) idle() bool {
	for _, c := range s.commands {
		switch c.state {
		case Unparsed, Blocked, Finished:
			return false
		case Executing:
			if c.name != "idle" {
				return false
			}
		}
	}
	return true
}

// readLoop reads lines and literals off the socket and hands complete
// commands to the scheduler.
func (s *Session) readLoop() {
	conn := s.conn
	br := bufio.NewReaderSize(conn, imapparser.MaxLineLength)

	if err := s.consumeProxyLeader(conn, br); err != nil {
		s.events <- event{err: err}
		return
	}

	var acc strings.Builder
	for {
		conn.SetReadDeadline(time.Now().Add(s.timeoutFor()))
		line, err := br.ReadSlice('\n')
		if err == bufio.ErrBufferFull {
			s.send("500 Line too long (legal maximum is 998 bytes)")
			s.events <- event{err: imapparser.ErrLineTooLong}
			return
		}
		if err != nil {
			timeout := false
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				timeout = true
			}
			s.events <- event{err: err, timeout: timeout}
			return
		}

		s.mu.Lock()
		s.bytesArrived += len(line)
		tooMuch := s.bytesArrived > 32768 && s.state == NotAuthenticated
		reserved := s.reader != nil
		s.mu.Unlock()

		if tooMuch {
			log.Printf("[%s] >32k received before login", s.logID)
			s.send("* BYE overlong login sequence")
			s.events <- event{err: fmt.Errorf("overlong login sequence")}
			return
		}

		text := strings.TrimRight(string(line), "\r\n")

		if reserved {
			s.events <- event{reserved: text}
			continue
		}

		acc.WriteString(text)

		// Recursive literal discovery: the remainder after each
		// literal may itself end with another literal.
		n, plus, isLiteral := imapparser.EndsWithLiteral(text)
		for isLiteral {
			acc.WriteString("\r\n")
			if n > s.server.cfg.LiteralSizeLimit {
				if plus {
					discard(br, int(n))
				}
				s.send(fmt.Sprintf("* BAD literal of %d bytes is too big", n))
				s.events <- event{line: ""}
				acc.Reset()
				break
			}
			if !plus {
				s.send("+ reading literal")
			}
			buf := make([]byte, n)
			conn.SetReadDeadline(time.Now().Add(s.timeoutFor()))
			if _, err := readFull(br, buf); err != nil {
				s.events <- event{err: err}
				return
			}
			acc.Write(buf)
			s.mu.Lock()
			s.bytesArrived += int(n)
			s.mu.Unlock()

			conn.SetReadDeadline(time.Now().Add(s.timeoutFor()))
			rest, err := br.ReadSlice('\n')
			if err == bufio.ErrBufferFull {
				s.send("500 Line too long (legal maximum is 998 bytes)")
				s.events <- event{err: imapparser.ErrLineTooLong}
				return
			}
			if err != nil {
				s.events <- event{err: err}
				return
			}
			text = strings.TrimRight(string(rest), "\r\n")
			acc.WriteString(text)
			n, plus, isLiteral = imapparser.EndsWithLiteral(text)
		}

		if acc.Len() > 0 {
			full := acc.String()
			s.events <- event{line: full}
			acc.Reset()

			// STARTTLS hands the connection to the TLS layer; park
			// until the scheduler completes or rejects the upgrade.
			if isStartTLSLine(full) {
				select {
				case upgraded := <-s.tlsUpgrade:
					if upgraded == nil {
						return
					}
					conn = upgraded
					br = bufio.NewReaderSize(conn, imapparser.MaxLineLength)
				case <-s.closed:
					return
				}
			}
		}
	}
}

// isStartTLSLine recognizes a bare tagged STARTTLS command.
func isStartTLSLine(line string) bool {
	fields := strings.Fields(line)
	return len(fields) == 2 && strings.EqualFold(fields[1], "starttls")
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func discard(br *bufio.Reader, n int) {
	br.Discard(n)
}

// consumeProxyLeader checks for a PROXY v2 leader before the first
// protocol byte, one byte at a time.
func (s *Session) consumeProxyLeader(conn net.Conn, br *bufio.Reader) error {
	for i := 1; i <= proxy.SignatureLen; i++ {
		conn.SetReadDeadline(time.Now().Add(s.timeoutFor()))
		b, err := br.Peek(i)
		if err != nil {
			return nil
		}
		if !proxy.MatchesSignaturePrefix(b) {
			return nil
		}
	}

	peek, err := br.Peek(16)
	if err != nil {
		return err
	}
	h, n, perr := proxy.Parse(peek)
	if perr == proxy.ErrIncomplete {
		addrLen := int(binary.BigEndian.Uint16(peek[14:16]))
		peek, err = br.Peek(16 + addrLen)
		if err != nil {
			return err
		}
		h, n, perr = proxy.Parse(peek)
	}
	if perr != nil {
		log.Printf("[%s] %v, ignoring", s.logID, perr)
		if n > 0 {
			br.Discard(n)
		}
		return nil
	}
	br.Discard(n)
	if h.Peer != nil {
		s.peer = h.Peer
		s.self = h.Self
		log.Printf("[%s] PROXY peer is %s", s.logID, s.peer)
	}
	return nil
}

// addCommand parses the tag and verb and appends a command to the
// queue.
func (s *Session) addCommand(text string) {
	// a little courtesy for people typing by hand
	if text == "quit" {
		text = "arnt logout"
	}

	// If this line parked the reader for a TLS upgrade but no
	// command reaches the handshake, the reader must be released.
	unblockTLS := isStartTLSLine(text)
	defer func() {
		if unblockTLS {
			s.tlsUpgrade <- s.conn
		}
	}()

	p := imapparser.New(text)
	tag := p.Tag()
	if !p.Ok() {
		s.send("* BAD " + p.Error())
		s.recordSyntaxError()
		return
	}
	p.Space()
	name := p.Command()
	if !p.Ok() {
		s.send("* BAD " + p.Error())
		s.recordSyntaxError()
		return
	}

	if s.server.InShutdown() && !strings.EqualFold(name, "logout") {
		executing := 0
		for _, c := range s.commands {
			if c.state == Executing {
				executing++
			}
		}
		if executing == 0 {
			s.send("* BYE Server or process shutdown")
			s.setClosing()
		}
		s.send(tag + " NO May not be started during server shutdown")
		return
	}

	cmd := newCommand(s, tag, name, p)
	if cmd == nil {
		if commandDefs[strings.ToLower(tag)] != nil {
			s.send("* OK  Hint: An IMAP command is prefixed by a tag. The command is the")
			s.send("* OK  second word on the line, after the tag.")
		}
		s.recordSyntaxError()
		s.send(tag + " BAD No such command: " + name)
		log.Printf("[%s] Unknown command. Line: %q", s.logID, p.FirstLine())
		return
	}

	if _, ok := cmd.handler.(*starttlsHandler); ok {
		// completeTLS releases the reader after the tagged reply.
		unblockTLS = false
	}
	s.commands = append(s.commands, cmd)
	s.nextOkTime = time.Now().Add(natKeepaliveInterval)

	if cmd.name != "login" && cmd.name != "authenticate" {
		log.Printf("[%s] First line: %s", s.logID, p.FirstLine())
	}
}

// runCommands is the scheduler's fixed-point loop: run the executing
// commands, emit finished leaders, rate limit, then promote.
func (s *Session) runCommands() {
	again := true
	for again {
		again = false

		// run all currently executing commands once
		for _, c := range s.commands {
			if c.state == Executing {
				if c.ok {
					c.execute()
				} else {
					c.finish()
				}
			}
		}

		// emit responses for finished leading commands and retire
		// them
		for len(s.commands) > 0 && s.commands[0].state == Finished {
			c := s.commands[0]
			if s.reader == c {
				s.reader = nil
			}
			c.emitResponses()
			again = true
			s.retireLeading()
		}

		// slow down the command rate if the client is sending
		// errors: after a NO/BAD, no new command starts for n
		// seconds, where n is the number sent, bounded at 16.
		delay := s.syntaxErrors
		if delay > 16 {
			delay = 16
		}
		remaining := time.Duration(delay)*time.Second - time.Since(s.lastBadTime)
		if s.user != nil && !s.user.HasInbox() && remaining < 4*time.Second {
			remaining = 4 * time.Second
		}
		if remaining > 0 && len(s.commands) > 0 {
			log.Printf("[%s] Delaying next IMAP command for %v (because of %d syntax errors)",
				s.logID, remaining, s.syntaxErrors)
			time.AfterFunc(remaining, s.poke)
			return
		}

		// we may be able to start new commands
		var first *Command
		if len(s.commands) > 0 && s.commands[0].state != Retired {
			first = s.commands[0]
			if first.state == Unparsed {
				first.parse()
			}
			if !first.ok {
				first.setState(Finished)
				again = true
			} else if first.state == Unparsed || first.state == Blocked {
				first.setState(Executing)
				again = true
			}
			if first.state != Executing {
				first = nil
			}
		}

		// with a leading command in a group, parse and promote
		// followers of the same group
		if first != nil && first.group != groupSolitary {
			for _, c := range s.commands[1:] {
				if c.state == Retired || c.state == Finished {
					continue
				}
				if c.state == Unparsed {
					c.parse()
				}
				if !c.ok {
					c.setState(Finished)
					again = true
					continue
				}
				if c.group == first.group {
					if c.state == Blocked || c.state == Unparsed {
						c.setState(Executing)
						again = true
					}
				} else {
					if c.state == Unparsed {
						c.setState(Blocked)
					}
					break
				}
			}
		}
	}

	s.retireLeading()
	if len(s.commands) == 0 {
		if s.server.InShutdown() {
			s.setClosing()
		}
	}

	idle := s.idle()
	s.mu.Lock()
	s.idleHint = idle
	s.mu.Unlock()
}

// retireLeading drops retired commands from the front of the queue.
func (s *Session) retireLeading() {
	for len(s.commands) > 0 && s.commands[0].state == Retired {
		s.commands = s.commands[1:]
	}
}

// reserve gives c exclusive use of the input stream; nil releases it.
func (s *Session) reserve(c *Command) {
	s.mu.Lock()
	s.reader = c
	s.mu.Unlock()
}

// recordSyntaxError feeds the rate limiter.
func (s *Session) recordSyntaxError() {
	s.syntaxErrors++
	s.lastBadTime = time.Now()
}

// setUser records a successful authentication.
func (s *Session) setUser(u *models.User, mechanism string) {
	log.Printf("[%s] Authenticated as %s using %s", s.logID, u.Login, mechanism)
	s.user = u
	s.setState(Authenticated)

	// Four-character dotless tags are how a well-known client behind
	// broken NAT gateways looks; turn keepalives on for it.
	possiblyOutlook := true
	for _, c := range s.commands {
		if len(c.tag) != 4 || strings.Contains(c.tag, ".") {
			possiblyOutlook = false
		}
	}
	if possiblyOutlook {
		s.setClientBug(bugNat)
	}
}

// setState moves the session between RFC 3501 states.
func (s *Session) setState(st SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == st {
		return
	}
	s.state = st
	var name string
	switch st {
	case NotAuthenticated:
		name = "not authenticated"
	case Authenticated:
		name = "authenticated"
	case Selected:
		name = "selected"
	case Logout:
		name = "logout"
	}
	log.Printf("[%s] Changed to %s state", s.logID, name)
}

// setMailboxSession switches the selected mailbox; nil deselects.
func (s *Session) setMailboxSession(m *MailboxSession) {
	if m == nil && s.mbx == nil {
		return
	}
	if s.mbx != nil {
		s.respond(&Response{text: "OK [CLOSED] mailbox closed", meaningful: true})
	}
	s.mbx = m
	if m != nil {
		s.setState(Selected)
		log.Printf("[%s] Starting session on mailbox %s", s.logID, m.mailbox.Name)
	} else {
		s.setState(Authenticated)
	}
}

func (s *Session) clientSupports(cap string) bool { return s.clientCaps[cap] }

func (s *Session) setClientSupports(cap string) {
	s.clientCaps[cap] = true
	if cap == capQresync {
		s.clientCaps[capCondstore] = true
	}
}

func (s *Session) clientHasBug(bug string) bool { return s.clientBugs[bug] }

func (s *Session) setClientBug(bug string) {
	if s.clientBugs[bug] {
		return
	}
	s.clientBugs[bug] = true
	log.Printf("[%s] Activating client workaround: %s", s.logID, bug)
}

// defeatNat emits a little OK on an idle authenticated session, so
// NAT gateways that drop quiet connections see steady traffic.
func (s *Session) defeatNat() {
	if !s.clientHasBug(bugNat) {
		return
	}
	if !s.idle() {
		return
	}
	if s.state == NotAuthenticated || s.state == Logout {
		return
	}
	now := time.Now()
	if now.Before(s.nextOkTime) {
		return
	}
	s.nextOkTime = now.Add(natKeepaliveInterval)
	s.send("* OK (NAT keepalive: " + now.UTC().Format("15:04:05") + ")")
}
