package server

import (
	"crypto/tls"
	"encoding/base64"
	"strconv"
	"strings"

	"aox/internal/sasl"
)

func init() {
	defineCommand("capability", groupUIDRead, false, anyState, func() handler { return &capabilityHandler{} })
	defineCommand("noop", groupUIDRead, false, anyState, func() handler { return &noopHandler{} })
	defineCommand("logout", groupSolitary, false, anyState, func() handler { return &logoutHandler{} })
	defineCommand("login", groupSolitary, false, preAuthOnly, func() handler { return &loginHandler{} })
	defineCommand("authenticate", groupSolitary, false, preAuthOnly, func() handler { return &authenticateHandler{} })
	defineCommand("starttls", groupSolitary, false, preAuthOnly, func() handler { return &starttlsHandler{} })
	defineCommand("enable", groupSolitary, false, authenticated, func() handler { return &enableHandler{} })
	defineCommand("id", groupUIDRead, false, anyState, func() handler { return &idHandler{} })
}

// capabilities returns the capability list for the current state.
func (s *Session) capabilities() string {
	caps := []string{"IMAP4rev1"}
	if _, ok := s.conn.(*tls.Conn); ok || s.server.certPath == "" {
		mechs := sasl.Mechanisms(s.server.cfg.JWTSecret != "")
		for _, m := range mechs {
			caps = append(caps, "AUTH="+m)
		}
	} else {
		caps = append(caps, "STARTTLS", "LOGINDISABLED")
	}
	caps = append(caps,
		"LITERAL+",
		"IDLE",
		"UIDPLUS",
		"ENABLE",
		"CONDSTORE",
		"QRESYNC",
		"BINARY",
		"ANNOTATE-EXPERIMENT-1",
		"UNSELECT",
		"ID",
	)
	return strings.Join(caps, " ")
}

// loginDisabled reports whether plaintext authentication is refused
// on this connection.
func (s *Session) loginDisabled() bool {
	if _, ok := s.conn.(*tls.Conn); ok {
		return false
	}
	return s.server.certPath != ""
}

type capabilityHandler struct{}

func (h *capabilityHandler) parse(c *Command) { c.parser.End() }
func (h *capabilityHandler) execute(c *Command) {
	c.respond("CAPABILITY " + c.session.capabilities())
	c.finish()
}

type noopHandler struct{}

func (h *noopHandler) parse(c *Command) { c.parser.End() }
func (h *noopHandler) execute(c *Command) {
	s := c.session
	if s.mbx != nil {
		s.refreshMailboxView()
		c.respond(strconv.Itoa(s.mbx.Count()) + " EXISTS")
		c.respond(strconv.Itoa(s.mbx.recent) + " RECENT")
	}
	c.finish()
}

type logoutHandler struct{}

func (h *logoutHandler) parse(c *Command) { c.parser.End() }
func (h *logoutHandler) execute(c *Command) {
	s := c.session
	s.setMailboxSession(nil)
	s.setState(Logout)
	c.respond("BYE " + s.server.cfg.Hostname + " closing connection")
	c.finish()
	s.setClosing()
}

type loginHandler struct {
	username string
	password string
}

func (h *loginHandler) parse(c *Command) {
	c.parser.Space()
	h.username = c.parser.Astring()
	c.parser.Space()
	h.password = c.parser.Astring()
	c.parser.End()
}

func (h *loginHandler) execute(c *Command) {
	s := c.session
	if s.loginDisabled() {
		c.error("NO", "[PRIVACYREQUIRED] LOGIN is disabled on an insecure connection, use STARTTLS first")
		return
	}
	u, err := s.server.verifyLogin(h.username, h.password)
	if err != nil {
		c.error("NO", "Login failed")
		return
	}
	s.setUser(u, "login")
	c.resultText = "[CAPABILITY " + s.capabilities() + "] completed"
	c.finish()
}

type authenticateHandler struct {
	mech    string
	session *sasl.Session
	failed  bool
	done    bool
}

func (h *authenticateHandler) parse(c *Command) {
	c.parser.Space()
	h.mech = c.parser.Atom()
	var initial []byte
	if c.parser.NextChar() == ' ' {
		c.parser.Space()
		resp := c.parser.Atom()
		if c.parser.Ok() {
			decoded, err := base64.StdEncoding.DecodeString(resp)
			if err != nil {
				c.error("BAD", "Bad base64 in initial response")
				return
			}
			initial = decoded
		}
	}
	c.parser.End()
	if !c.parser.Ok() {
		return
	}

	s := c.session
	if s.loginDisabled() && !strings.EqualFold(h.mech, "OAUTHBEARER") {
		c.error("NO", "[PRIVACYREQUIRED] Use STARTTLS first")
		return
	}
	sess, err := sasl.New(h.mech, s.server.verifyLogin, s.server.lookupLogin,
		[]byte(s.server.cfg.JWTSecret))
	if err != nil {
		c.error("NO", "Mechanism "+h.mech+" not supported")
		return
	}
	h.session = sess

	challenge, done, err := sess.Next(initial)
	if err != nil {
		h.failed = true
		return
	}
	if done {
		h.done = true
		return
	}
	s.reserve(c)
	s.send("+ " + base64.StdEncoding.EncodeToString(challenge))
}

func (h *authenticateHandler) execute(c *Command) {
	if h.failed {
		c.error("NO", "Authentication failed")
		return
	}
	if !h.done {
		// waiting for the client's next response
		return
	}
	s := c.session
	s.reserve(nil)
	s.setUser(h.session.User(), h.session.Mechanism())
	c.resultText = "[CAPABILITY " + s.capabilities() + "] completed"
	c.finish()
}

// read consumes one reserved input line of the SASL exchange.
func (h *authenticateHandler) read(c *Command, line string) {
	s := c.session
	if line == "*" {
		s.reserve(nil)
		c.error("BAD", "Authentication aborted")
		return
	}
	response, err := base64.StdEncoding.DecodeString(line)
	if err != nil {
		s.reserve(nil)
		c.error("BAD", "Bad base64 in response")
		return
	}
	challenge, done, err := h.session.Next(response)
	if err != nil {
		s.reserve(nil)
		h.failed = true
		return
	}
	if done {
		s.reserve(nil)
		h.done = true
		return
	}
	s.send("+ " + base64.StdEncoding.EncodeToString(challenge))
}

type starttlsHandler struct {
	cert tls.Certificate
}

func (h *starttlsHandler) parse(c *Command) { c.parser.End() }
func (h *starttlsHandler) execute(c *Command) {
	s := c.session
	if _, ok := s.conn.(*tls.Conn); ok {
		c.error("BAD", "TLS is already active")
		return
	}
	if s.server.certPath == "" {
		c.error("NO", "TLS is not configured")
		return
	}
	cert, err := tls.LoadX509KeyPair(s.server.certPath, s.server.keyPath)
	if err != nil {
		c.error("NO", "TLS is not available")
		return
	}
	h.cert = cert
	c.finish()
}

// completeTLS runs after the tagged reply is on the wire: the reader
// is parked, so the handshake owns the socket. Every STARTTLS path
// must unblock the reader exactly once.
func (h *starttlsHandler) completeTLS(c *Command) {
	s := c.session
	if c.status != "OK" {
		s.tlsUpgrade <- s.conn
		return
	}
	tlsConn := tls.Server(s.conn, &tls.Config{Certificates: []tls.Certificate{h.cert}})
	if err := tlsConn.Handshake(); err != nil {
		s.setClosing()
		s.tlsUpgrade <- nil
		return
	}
	s.writeMu.Lock()
	s.conn = tlsConn
	s.writeMu.Unlock()
	s.tlsUpgrade <- tlsConn
}

type enableHandler struct {
	caps []string
}

func (h *enableHandler) parse(c *Command) {
	for c.parser.NextChar() == ' ' {
		c.parser.Space()
		h.caps = append(h.caps, c.parser.Atom())
	}
	c.parser.End()
	if len(h.caps) == 0 {
		c.error("BAD", "ENABLE requires at least one capability")
	}
}

func (h *enableHandler) execute(c *Command) {
	s := c.session
	var enabled []string
	for _, cap := range h.caps {
		switch strings.ToUpper(cap) {
		case capCondstore:
			s.setClientSupports(capCondstore)
			enabled = append(enabled, capCondstore)
		case capQresync:
			s.setClientSupports(capQresync)
			enabled = append(enabled, capQresync)
		case capUtf8:
			s.setClientSupports(capUtf8)
			enabled = append(enabled, capUtf8)
		}
	}
	c.respond("ENABLED " + strings.Join(enabled, " "))
	c.finish()
}

type idHandler struct{}

func (h *idHandler) parse(c *Command) {
	// swallow the client's parameter list wholesale
	for !c.parser.AtEnd() {
		c.parser.Step()
	}
}

func (h *idHandler) execute(c *Command) {
	c.respond(`ID ("name" "aox" "vendor" "aox.org")`)
	c.finish()
}

