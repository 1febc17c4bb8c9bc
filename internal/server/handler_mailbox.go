package server

import (
	"fmt"
	"strconv"
	"strings"

	"aox/internal/imapparser"
)

func init() {
	defineCommand("select", groupSolitary, false, authenticated, func() handler { return &selectHandler{} })
	defineCommand("examine", groupSolitary, false, authenticated, func() handler { return &selectHandler{readOnly: true} })
	defineCommand("close", groupSolitary, false, selectedOnly, func() handler { return &closeHandler{expunge: true} })
	defineCommand("unselect", groupSolitary, false, selectedOnly, func() handler { return &closeHandler{} })
	defineCommand("expunge", groupSolitary, false, selectedOnly, func() handler { return &expungeHandler{} })
	defineCommand("uid expunge", groupSolitary, false, selectedOnly, func() handler { return &expungeHandler{uid: true} })
	defineCommand("status", groupUIDRead, false, authenticated, func() handler { return &statusHandler{} })
	defineCommand("idle", groupSolitary, false, authenticated, func() handler { return &idleHandler{} })
}

type selectHandler struct {
	readOnly bool
	name     string
	condstor bool
}

func (h *selectHandler) parse(c *Command) {
	c.parser.Space()
	h.name = c.parser.Astring()
	if c.parser.NextChar() == ' ' {
		c.parser.Space()
		c.parser.Require("(")
		param := c.parser.Atom()
		c.parser.Require(")")
		if strings.EqualFold(param, "condstore") {
			h.condstor = true
		}
	}
	c.parser.End()
}

func (h *selectHandler) execute(c *Command) {
	s := c.session
	name := h.name
	if strings.EqualFold(name, "inbox") {
		name = "INBOX"
	}
	m, err := s.server.lookupMailbox(s.user.ID, name)
	if err != nil {
		c.error("NO", "Database failure: "+err.Error())
		return
	}
	if m == nil || m.Deleted {
		c.error("NO", "No such mailbox: "+h.name)
		return
	}
	uids, unseen, err := s.server.mailboxUIDs(m.ID)
	if err != nil {
		c.error("NO", "Database failure: "+err.Error())
		return
	}

	if h.condstor {
		s.setClientSupports(capCondstore)
	}

	s.setMailboxSession(NewMailboxSession(m, uids, unseen, h.readOnly))

	c.respond(fmt.Sprintf("%d EXISTS", len(uids)))
	c.respond(fmt.Sprintf("%d RECENT", unseen))
	c.respond(`FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`)
	c.respond(`OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft \*)] permanent flags`)
	c.respond(fmt.Sprintf("OK [UIDVALIDITY %d] uid validity", m.UIDValidity))
	c.respond(fmt.Sprintf("OK [UIDNEXT %d] next uid", m.UIDNext))
	c.respond(fmt.Sprintf("OK [HIGHESTMODSEQ %d] highest modseq", m.NextModSeq-1))

	if h.readOnly {
		c.resultText = "[READ-ONLY] completed"
	} else {
		c.resultText = "[READ-WRITE] completed"
	}
	c.finish()
}

type closeHandler struct {
	expunge bool
}

func (h *closeHandler) parse(c *Command) { c.parser.End() }
func (h *closeHandler) execute(c *Command) {
	s := c.session
	if h.expunge && s.mbx != nil && !s.mbx.readOnly {
		_, err := s.server.expungeMessages(s.mbx.mailbox.ID, s.mbx.UIDSet())
		if err != nil {
			c.error("NO", "Database failure: "+err.Error())
			return
		}
	}
	s.setMailboxSession(nil)
	c.finish()
}

type expungeHandler struct {
	uid bool
	set *imapparser.NumberSet
}

func (h *expungeHandler) parse(c *Command) {
	if h.uid {
		c.parser.Space()
		h.set = c.parser.Set(c.session.largestUID())
	}
	c.parser.End()
}

func (h *expungeHandler) execute(c *Command) {
	s := c.session
	if s.mbx.readOnly {
		c.error("NO", "Mailbox is read-only")
		return
	}
	set := h.set
	if set == nil {
		set = s.mbx.UIDSet()
	}
	expunged, err := s.server.expungeMessages(s.mbx.mailbox.ID, set)
	if err != nil {
		c.error("NO", "Database failure: "+err.Error())
		return
	}
	// Report highest MSNs first so each EXPUNGE line is valid when
	// it arrives.
	values := expunged.Values()
	for i := len(values) - 1; i >= 0; i-- {
		msn := s.mbx.Expunge(values[i])
		if msn != 0 {
			s.respond(&Response{
				text:       fmt.Sprintf("%d EXPUNGE", msn),
				meaningful: true,
				changesMsn: true,
			})
		}
	}
	c.finish()
}

type statusHandler struct {
	name  string
	attrs []string
}

func (h *statusHandler) parse(c *Command) {
	c.parser.Space()
	h.name = c.parser.Astring()
	c.parser.Space()
	c.parser.Require("(")
	for {
		h.attrs = append(h.attrs, c.parser.Atom())
		if c.parser.NextChar() != ' ' {
			break
		}
		c.parser.Space()
	}
	c.parser.Require(")")
	c.parser.End()
}

func (h *statusHandler) execute(c *Command) {
	s := c.session
	m, err := s.server.lookupMailbox(s.user.ID, h.name)
	if err != nil {
		c.error("NO", "Database failure: "+err.Error())
		return
	}
	if m == nil {
		c.error("NO", "No such mailbox: "+h.name)
		return
	}
	uids, unseen, err := s.server.mailboxUIDs(m.ID)
	if err != nil {
		c.error("NO", "Database failure: "+err.Error())
		return
	}

	var parts []string
	for _, a := range h.attrs {
		switch strings.ToUpper(a) {
		case "MESSAGES":
			parts = append(parts, "MESSAGES "+strconv.Itoa(len(uids)))
		case "RECENT":
			parts = append(parts, "RECENT "+strconv.Itoa(unseen))
		case "UIDNEXT":
			parts = append(parts, fmt.Sprintf("UIDNEXT %d", m.UIDNext))
		case "UIDVALIDITY":
			parts = append(parts, fmt.Sprintf("UIDVALIDITY %d", m.UIDValidity))
		case "UNSEEN":
			parts = append(parts, "UNSEEN "+strconv.Itoa(unseen))
		case "HIGHESTMODSEQ":
			parts = append(parts, fmt.Sprintf("HIGHESTMODSEQ %d", m.NextModSeq-1))
		}
	}
	c.respond("STATUS " + imapQuote(h.name) + " (" + strings.Join(parts, " ") + ")")
	c.finish()
}

type idleHandler struct {
	started bool
	done    bool
}

func (h *idleHandler) parse(c *Command) { c.parser.End() }

func (h *idleHandler) execute(c *Command) {
	s := c.session
	if !h.started {
		h.started = true
		s.reserve(c)
		s.send("+ idling")
		return
	}
	if h.done {
		c.finish()
	}
	// remain Executing: untagged responses flow freely while the
	// client idles
}

// read handles the client's DONE.
func (h *idleHandler) read(c *Command, line string) {
	if strings.EqualFold(strings.TrimSpace(line), "done") {
		h.done = true
		c.session.reserve(nil)
		c.session.poke()
		return
	}
	c.session.reserve(nil)
	c.error("BAD", "Expected DONE, got: "+line)
}

// checkUntaggedResponses does nothing for IDLE, which stays Executing
// until the client sends DONE.
func (h *idleHandler) checkUntaggedResponses(c *Command) {}

// largestUID returns the session's highest visible UID, for '*'.
func (s *Session) largestUID() uint32 {
	if s.mbx == nil {
		return 0
	}
	return s.mbx.LargestUID()
}

// largestMSN returns the message count, for '*' in MSN sets.
func (s *Session) largestMSN() uint32 {
	if s.mbx == nil {
		return 0
	}
	return uint32(s.mbx.Count())
}

// imapQuote renders a string as an IMAP quoted string.
func imapQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}
