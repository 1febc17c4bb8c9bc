package smtpd

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"aox/internal/models"
	"aox/internal/proxy"
	"aox/internal/sasl"
)

// inputState says what the next bytes from the client are.
type inputState int

const (
	stateCommand inputState = iota
	stateData
	stateBdat
)

const sessionTimeout = 1800 * time.Second
const maxLineLength = 4096

// Session is one inbound SMTP/LMTP/Submit connection.
type Session struct {
	conn    net.Conn
	reader  *bufio.Reader
	server  *Server
	dialect Dialect

	logID string

	peer net.Addr
	self net.Addr

	helo       string
	user       *models.User
	permitted  []*models.Address
	mailFrom   *models.Address
	recipients []*rcptTo
	body       []byte
	txnID      string
	txnTime    time.Time

	input      inputState
	bdatSize   int64
	bdatLast   bool
	proxyDone  bool
	tlsStarted bool
	closing    bool
}

// rcptTo is one accepted RCPT TO and where it resolves.
type rcptTo struct {
	address   *models.Address
	mailboxID int64 // 0 for remote recipients
}

// NewSession wraps an accepted connection.
func NewSession(conn net.Conn, server *Server, dialect Dialect) *Session {
	s := &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		server:  server,
		dialect: dialect,
		logID:   ulid.Make().String(),
		peer:    conn.RemoteAddr(),
		self:    conn.LocalAddr(),
	}
	if _, ok := conn.(*tls.Conn); ok {
		s.tlsStarted = true
	}
	return s
}

// Handle runs the session until the client quits or errs out.
func (s *Session) Handle() error {
	s.conn.SetDeadline(time.Now().Add(sessionTimeout))

	switch s.dialect {
	case Lmtp:
		s.sendResponse(220, "LMTP %s", s.server.cfg.Hostname)
	case Submit:
		s.sendResponse(220, "SMTP Submission %s", s.server.cfg.Hostname)
	default:
		s.sendResponse(220, "ESMTP %s", s.server.cfg.Hostname)
	}

	for !s.closing {
		if !s.proxyDone {
			if err := s.consumeProxyLeader(); err != nil {
				return err
			}
		}

		switch s.input {
		case stateData:
			if err := s.readDataBody(); err != nil {
				return err
			}
			continue
		case stateBdat:
			if err := s.readBdatChunk(); err != nil {
				return err
			}
			continue
		}

		line, err := s.readLine()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				log.Printf("[%s] Idle timeout", s.logID)
				s.sendResponse(421, "Tempus fugit")
				return nil
			}
			return err
		}
		if line == "" {
			continue
		}
		log.Printf("[%s] C: %s", s.logID, line)

		parts := strings.SplitN(line, " ", 2)
		cmd := strings.ToUpper(parts[0])
		args := ""
		if len(parts) > 1 {
			args = parts[1]
		}

		s.handleCommand(cmd, args)
		s.conn.SetDeadline(time.Now().Add(sessionTimeout))
	}
	return nil
}

// consumeProxyLeader honors a PROXY v2 header if one is present
// before the first protocol byte. The signature is checked a byte at
// a time so an ordinary client is never blocked on a long peek.
func (s *Session) consumeProxyLeader() error {
	for i := 1; i <= proxy.SignatureLen; i++ {
		b, err := s.reader.Peek(i)
		if err != nil {
			s.proxyDone = true
			return nil
		}
		if !proxy.MatchesSignaturePrefix(b) {
			s.proxyDone = true
			return nil
		}
	}
	s.proxyDone = true

	peek, err := s.reader.Peek(16)
	if err != nil {
		return err
	}
	h, n, perr := proxy.Parse(peek)
	if perr == proxy.ErrIncomplete {
		addrLen := int(binary.BigEndian.Uint16(peek[14:16]))
		peek, err = s.reader.Peek(16 + addrLen)
		if err != nil {
			return err
		}
		h, n, perr = proxy.Parse(peek)
	}
	if perr != nil {
		log.Printf("[%s] %v, ignoring", s.logID, perr)
		if n > 0 {
			s.reader.Discard(n)
		}
		return nil
	}
	s.reader.Discard(n)
	if h.Peer != nil {
		s.peer = h.Peer
		s.self = h.Self
		log.Printf("[%s] PROXY peer is %s", s.logID, s.peer)
	}
	return nil
}

func (s *Session) handleCommand(cmd, args string) {
	switch cmd {
	case "HELO":
		s.handleHelo(args, false)
	case "EHLO":
		if s.dialect == Lmtp {
			s.sendResponse(500, "Use LHLO")
			return
		}
		s.handleHelo(args, true)
	case "LHLO":
		if s.dialect != Lmtp {
			s.sendResponse(500, "Command not recognized")
			return
		}
		s.handleHelo(args, true)
	case "MAIL":
		s.handleMail(args)
	case "RCPT":
		s.handleRcpt(args)
	case "DATA":
		s.handleData()
	case "BDAT":
		s.handleBdat(args)
	case "RSET":
		s.handleRset()
	case "NOOP":
		s.sendResponse(250, "2.0.0 OK")
	case "QUIT":
		s.sendResponse(221, "2.0.0 %s closing connection", s.server.cfg.Hostname)
		s.closing = true
	case "VRFY":
		s.sendResponse(252, "2.1.5 Cannot VRFY, but will accept message and attempt delivery")
	case "HELP":
		s.sendResponse(214, "2.0.0 See RFC 5321")
	case "AUTH":
		s.handleAuth(args)
	case "STARTTLS":
		s.handleStartTLS()
	case "BURL":
		s.handleBurl(args)
	default:
		s.sendResponse(500, "Command not recognized")
	}
}

func (s *Session) handleHelo(args string, extended bool) {
	if args == "" {
		s.sendResponse(501, "HELO requires domain address")
		return
	}
	s.helo = strings.Fields(args)[0]

	if !extended {
		s.sendResponse(250, "%s", s.server.cfg.Hostname)
		return
	}

	lines := []string{
		fmt.Sprintf("250-%s", s.server.cfg.Hostname),
		"250-PIPELINING",
		"250-ENHANCEDSTATUSCODES",
		"250-8BITMIME",
		"250-SMTPUTF8",
		"250-CHUNKING",
		"250-BINARYMIME",
		fmt.Sprintf("250-SIZE %d", int64(s.server.cfg.MemoryLimit)*150000),
	}
	if s.server.tlsConfig != nil && !s.tlsStarted {
		lines = append(lines, "250-STARTTLS")
	}
	if s.dialect == Submit {
		mechs := sasl.Mechanisms(s.server.cfg.JWTSecret != "")
		lines = append(lines, "250-AUTH "+strings.Join(mechs, " "))
		lines = append(lines, "250-BURL imap")
	}
	lines = append(lines, "250 HELP")
	for _, l := range lines {
		s.sendRaw(l)
	}
}

func (s *Session) handleMail(args string) {
	if s.helo == "" {
		s.sendResponse(503, "5.5.1 Please send HELO first")
		return
	}
	if s.mailFrom != nil {
		s.sendResponse(503, "5.5.1 Sender already specified")
		return
	}
	if s.dialect == Submit && s.user == nil {
		s.sendResponse(530, "5.7.0 Authentication required for submission")
		return
	}

	addr, params, err := parsePath(args, "FROM")
	if err != nil {
		s.sendResponse(501, "5.5.2 %v", err)
		return
	}
	if size, ok := params["SIZE"]; ok {
		n, err := strconv.ParseInt(size, 10, 64)
		if err == nil && n > int64(s.server.cfg.MemoryLimit)*150000 {
			s.sendResponse(552, "5.3.4 Message exceeds maximum size")
			return
		}
	}

	if s.dialect == Submit && addr.Type == models.NormalAddress {
		if !s.addressPermitted(addr) {
			s.sendResponse(550, "5.7.1 You may not send mail as %s", addr.LpDomain())
			return
		}
	}

	s.mailFrom = addr
	s.sendResponse(250, "2.1.0 Sender %s accepted", addr)
}

func (s *Session) handleRcpt(args string) {
	if s.mailFrom == nil {
		s.sendResponse(503, "5.5.1 Please send MAIL FROM first")
		return
	}

	addr, _, err := parsePath(args, "TO")
	if err != nil {
		s.sendResponse(501, "5.5.2 %v", err)
		return
	}
	if addr.Type != models.NormalAddress {
		s.sendResponse(550, "5.1.3 Bad recipient address")
		return
	}

	mailboxID, err := s.resolveLocal(addr)
	if err != nil {
		s.sendResponse(451, "4.3.0 Temporary failure looking up %s", addr.LpDomain())
		return
	}
	if mailboxID == 0 && s.dialect != Submit {
		s.sendResponse(550, "5.1.1 No such user: %s", addr.LpDomain())
		return
	}

	s.recipients = append(s.recipients, &rcptTo{address: addr, mailboxID: mailboxID})
	log.Printf("[%s] Recipient: %s", s.logID, addr.LpDomain())
	s.sendResponse(250, "2.1.5 Recipient %s accepted", addr)
}

func (s *Session) handleData() {
	if len(s.recipients) == 0 {
		s.sendResponse(503, "5.5.1 No valid recipients")
		return
	}
	s.sendResponse(354, "Start mail input; end with <CRLF>.<CRLF>")
	s.input = stateData
}

// readDataBody consumes the dot-stuffed body after DATA. The command
// line length limit does not apply inside the body.
func (s *Session) readDataBody() error {
	body, err := readDotted(s.reader)
	if err != nil {
		return err
	}
	s.input = stateCommand
	s.body = body
	s.deliver()
	return nil
}

// readDotted reads lines up to the terminating ".CRLF", removing the
// dot-stuffing and normalizing line endings to CRLF.
func readDotted(r *bufio.Reader) ([]byte, error) {
	var body []byte
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		if line == ".\r\n" || line == ".\n" {
			return body, nil
		}
		line = strings.TrimRight(line, "\r\n") + "\r\n"
		if strings.HasPrefix(line, ".") {
			line = line[1:]
		}
		body = append(body, line...)
	}
}

func (s *Session) handleBdat(args string) {
	if len(s.recipients) == 0 {
		s.sendResponse(503, "5.5.1 No valid recipients")
		return
	}
	fields := strings.Fields(args)
	if len(fields) == 0 {
		s.sendResponse(501, "5.5.4 BDAT requires a chunk size")
		return
	}
	n, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || n < 0 {
		s.sendResponse(501, "5.5.4 Bad chunk size")
		return
	}
	s.bdatSize = n
	s.bdatLast = len(fields) > 1 && strings.EqualFold(fields[1], "LAST")
	s.input = stateBdat
}

// readBdatChunk consumes one BDAT chunk of the announced size.
func (s *Session) readBdatChunk() error {
	chunk := make([]byte, s.bdatSize)
	if _, err := readFull(s.reader, chunk); err != nil {
		return err
	}
	s.body = append(s.body, chunk...)
	s.input = stateCommand

	if s.bdatLast {
		s.deliver()
	} else {
		s.sendResponse(250, "2.0.0 %d octets received", s.bdatSize)
	}
	return nil
}

func (s *Session) handleRset() {
	if len(s.recipients) > 0 || len(s.body) > 0 {
		log.Printf("[%s] State reset", s.logID)
	}
	s.mailFrom = nil
	s.recipients = nil
	s.body = nil
	s.txnID = ""
	s.txnTime = time.Time{}
	s.input = stateCommand
	s.sendResponse(250, "2.0.0 State reset")
}

func (s *Session) handleStartTLS() {
	if s.server.tlsConfig == nil {
		s.sendResponse(454, "4.7.0 TLS not available")
		return
	}
	if s.tlsStarted {
		s.sendResponse(503, "5.5.1 TLS already active")
		return
	}
	s.sendResponse(220, "2.0.0 Ready to start TLS")
	tlsConn := tls.Server(s.conn, s.server.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		log.Printf("[%s] TLS handshake failed: %v", s.logID, err)
		s.closing = true
		return
	}
	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.tlsStarted = true
	s.helo = ""
	s.handleRset0()
}

// handleRset0 clears the transaction without replying, for the
// STARTTLS state reset.
func (s *Session) handleRset0() {
	s.mailFrom = nil
	s.recipients = nil
	s.body = nil
	s.txnID = ""
	s.txnTime = time.Time{}
}

func (s *Session) handleBurl(args string) {
	if s.dialect != Submit {
		s.sendResponse(500, "Command not recognized")
		return
	}
	if s.user == nil {
		s.sendResponse(530, "5.7.0 Authentication required")
		return
	}
	// The URLAUTH resolver is not wired up; announce that honestly.
	s.sendResponse(554, "5.5.0 BURL is advertised but no IMAP URL resolver is configured")
}

// transactionID returns the ESMTP transaction id, assigning one on
// first use. RSET clears it.
func (s *Session) transactionID() string {
	if s.txnID != "" {
		return s.txnID
	}
	s.txnID = fmt.Sprintf("%d-%d-%s",
		s.transactionTime().Unix(), os.Getpid(), s.logID)
	log.Printf("[%s] Assigned transaction ID %s", s.logID, s.txnID)
	return s.txnID
}

// transactionTime freezes the time of the transaction at first use.
func (s *Session) transactionTime() time.Time {
	if s.txnTime.IsZero() {
		s.txnTime = time.Now()
	}
	return s.txnTime
}

func (s *Session) sendResponse(code int, format string, args ...interface{}) {
	s.sendRaw(fmt.Sprintf("%d %s", code, fmt.Sprintf(format, args...)))
}

func (s *Session) sendRaw(line string) {
	log.Printf("[%s] S: %s", s.logID, line)
	s.conn.Write([]byte(line + "\r\n"))
}

// readLine reads one CRLF-terminated command line, enforcing the
// length limit.
func (s *Session) readLine() (string, error) {
	line, err := s.readRawLine()
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) readRawLine() (string, error) {
	line, err := s.reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull || len(line) > maxLineLength {
		log.Printf("[%s] Connection closed due to overlong line", s.logID)
		s.sendResponse(500, "Line too long (legal maximum is 998 bytes)")
		s.closing = true
		return "", errLineTooLong
	}
	if err != nil {
		if len(line) > 0 && err == io.EOF {
			return string(line), nil
		}
		return "", err
	}
	return string(line), nil
}

var errLineTooLong = fmt.Errorf("line too long")

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
