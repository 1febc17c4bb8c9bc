package server

import (
	"fmt"
	"strings"

	"aox/internal/imapparser"
	"aox/internal/models"
)

func init() {
	defineCommand("store", groupFlags, true, selectedOnly, func() handler { return &storeHandler{} })
	defineCommand("uid store", groupFlags, false, selectedOnly, func() handler { return &storeHandler{uid: true} })
	defineCommand("search", groupMSN, true, selectedOnly, func() handler { return &searchHandler{} })
	defineCommand("uid search", groupUIDRead, false, selectedOnly, func() handler { return &searchHandler{uid: true} })
	defineCommand("copy", groupMSN, true, selectedOnly, func() handler { return &copyHandler{} })
	defineCommand("uid copy", groupUIDRead, false, selectedOnly, func() handler { return &copyHandler{uid: true} })
}

type storeHandler struct {
	uid    bool
	set    *imapparser.NumberSet
	add    bool
	remove bool
	silent bool
	flags  []string
}

func (h *storeHandler) parse(c *Command) {
	p := c.parser
	p.Space()
	star := c.session.largestMSN()
	if h.uid {
		star = c.session.largestUID()
	}
	h.set = p.Set(star)
	p.Space()

	switch p.NextChar() {
	case '+':
		p.Step()
		h.add = true
	case '-':
		p.Step()
		h.remove = true
	}
	item := p.Atom()
	if !strings.EqualFold(item, "flags") && !strings.EqualFold(item, "flags.silent") {
		c.error("BAD", "Expected FLAGS, got: "+item)
		return
	}
	h.silent = strings.EqualFold(item, "flags.silent")
	p.Space()

	parens := p.NextChar() == '('
	if parens {
		p.Require("(")
	}
	for p.Ok() {
		if p.NextChar() == '\\' {
			p.Step()
			h.flags = append(h.flags, `\`+p.Atom())
		} else {
			h.flags = append(h.flags, p.Atom())
		}
		if p.NextChar() != ' ' {
			break
		}
		p.Space()
	}
	if parens {
		p.Require(")")
	}
	p.End()
}

func (h *storeHandler) execute(c *Command) {
	s := c.session
	if s.mbx.readOnly {
		c.error("NO", "Mailbox is read-only")
		return
	}

	uids := imapparser.NewNumberSet()
	for _, n := range h.set.Values() {
		u := n
		if !h.uid {
			u = s.mbx.UID(n)
		}
		if u != 0 && s.mbx.UIDSet().Contains(u) {
			uids.Add(u)
		}
	}
	if uids.IsEmpty() {
		c.finish()
		return
	}

	// A replace is a remove-all plus add.
	if !h.add && !h.remove {
		all := []string{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`}
		if _, err := s.server.storeFlags(s.mbx.mailbox.ID, uids, all, false); err != nil {
			c.error("NO", "Database failure: "+err.Error())
			return
		}
	}
	add := !h.remove
	modseq, err := s.server.storeFlags(s.mbx.mailbox.ID, uids, h.flags, add)
	if err != nil {
		c.error("NO", "Database failure: "+err.Error())
		return
	}

	if !h.silent {
		msgs := make(map[uint32]*models.Message)
		for _, u := range uids.Values() {
			msgs[u] = models.NewMessage(u)
		}
		if err := s.server.messageFlags(s.mbx.mailbox.ID, msgs); err != nil {
			c.error("NO", "Database failure: "+err.Error())
			return
		}
		for _, u := range uids.Values() {
			msn := s.mbx.MSN(u)
			if msn == 0 {
				continue
			}
			m := msgs[u]
			line := fmt.Sprintf("%d FETCH (FLAGS (%s)", msn, strings.Join(m.Flags, " "))
			if h.uid {
				line += fmt.Sprintf(" UID %d", u)
			}
			if s.clientSupports(capCondstore) {
				line += fmt.Sprintf(" MODSEQ (%d)", modseq)
			}
			line += ")"
			c.respond(line)
		}
	}
	c.finish()
}

// searchHandler implements the UID-oriented subset of SEARCH the
// clients in the wild actually send.
type searchHandler struct {
	uid bool

	set      *imapparser.NumberSet
	all      bool
	seen     *bool
	deleted  *bool
	answered *bool
	flagged  *bool
}

func (h *searchHandler) parse(c *Command) {
	p := c.parser
	for p.Ok() && p.NextChar() == ' ' {
		p.Space()
		if p.NextChar() >= '0' && p.NextChar() <= '9' || p.NextChar() == '*' {
			star := c.session.largestMSN()
			if h.uid {
				star = c.session.largestUID()
			}
			h.set = p.Set(star)
			continue
		}
		key := strings.ToLower(p.Atom())
		switch key {
		case "all":
			h.all = true
		case "seen":
			h.seen = boolPtr(true)
		case "unseen":
			h.seen = boolPtr(false)
		case "deleted":
			h.deleted = boolPtr(true)
		case "undeleted":
			h.deleted = boolPtr(false)
		case "answered":
			h.answered = boolPtr(true)
		case "unanswered":
			h.answered = boolPtr(false)
		case "flagged":
			h.flagged = boolPtr(true)
		case "unflagged":
			h.flagged = boolPtr(false)
		case "uid":
			p.Space()
			h.set = p.Set(c.session.largestUID())
		default:
			c.error("BAD", "Unsupported search key: "+key)
			return
		}
	}
	p.End()
}

func boolPtr(b bool) *bool { return &b }

func (h *searchHandler) execute(c *Command) {
	s := c.session

	candidates := s.mbx.UIDSet()
	if h.set != nil {
		working := imapparser.NewNumberSet()
		for _, n := range h.set.Values() {
			u := n
			if !h.uid && h.set != nil {
				u = s.mbx.UID(n)
			}
			if candidates.Contains(u) {
				working.Add(u)
			}
		}
		candidates = working
	}

	needFlags := h.seen != nil || h.deleted != nil || h.answered != nil || h.flagged != nil
	msgs := make(map[uint32]*models.Message)
	for _, u := range candidates.Values() {
		msgs[u] = models.NewMessage(u)
	}
	if needFlags && len(msgs) > 0 {
		if err := s.server.messageFlags(s.mbx.mailbox.ID, msgs); err != nil {
			c.error("NO", "Database failure: "+err.Error())
			return
		}
	}

	var hits []string
	for _, u := range candidates.Values() {
		m := msgs[u]
		if !matchFlag(m, h.seen, `\Seen`) ||
			!matchFlag(m, h.deleted, `\Deleted`) ||
			!matchFlag(m, h.answered, `\Answered`) ||
			!matchFlag(m, h.flagged, `\Flagged`) {
			continue
		}
		n := u
		if !h.uid {
			n = s.mbx.MSN(u)
			if n == 0 {
				continue
			}
		}
		hits = append(hits, fmt.Sprintf("%d", n))
	}

	c.respond(strings.TrimSpace("SEARCH " + strings.Join(hits, " ")))
	c.finish()
}

func matchFlag(m *models.Message, want *bool, flag string) bool {
	if want == nil {
		return true
	}
	return m.HasFlag(flag) == *want
}

type copyHandler struct {
	uid  bool
	set  *imapparser.NumberSet
	dest string
}

func (h *copyHandler) parse(c *Command) {
	p := c.parser
	p.Space()
	star := c.session.largestMSN()
	if h.uid {
		star = c.session.largestUID()
	}
	h.set = p.Set(star)
	p.Space()
	h.dest = p.Astring()
	p.End()
}

func (h *copyHandler) execute(c *Command) {
	s := c.session
	dest, err := s.server.lookupMailbox(s.user.ID, h.dest)
	if err != nil {
		c.error("NO", "Database failure: "+err.Error())
		return
	}
	if dest == nil || dest.Deleted {
		c.error("NO", "[TRYCREATE] No such mailbox: "+h.dest)
		return
	}

	uids := imapparser.NewNumberSet()
	for _, n := range h.set.Values() {
		u := n
		if !h.uid {
			u = s.mbx.UID(n)
		}
		if u != 0 && s.mbx.UIDSet().Contains(u) {
			uids.Add(u)
		}
	}
	if uids.IsEmpty() {
		c.finish()
		return
	}

	src, dst, err := s.server.copyMessages(s.mbx.mailbox.ID, uids, dest.ID)
	if err != nil {
		c.error("NO", "Database failure: "+err.Error())
		return
	}
	srcSet := imapparser.NewNumberSet()
	for _, u := range src {
		srcSet.Add(u)
	}
	dstSet := imapparser.NewNumberSet()
	for _, u := range dst {
		dstSet.Add(u)
	}
	c.resultText = fmt.Sprintf("[COPYUID %d %s %s] completed",
		dest.UIDValidity, srcSet.String(), dstSet.String())
	c.finish()
}
