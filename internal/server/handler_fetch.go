package server

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"aox/internal/imapparser"
	"aox/internal/models"
)

func init() {
	defineCommand("fetch", groupMSN, true, selectedOnly, func() handler { return &fetchHandler{} })
	defineCommand("uid fetch", groupUIDRead, false, selectedOnly, func() handler { return &fetchHandler{uid: true} })
}

// section is one BODY[...] or BINARY[...] request.
type section struct {
	id      string // "", "rfc822", "header", "header.fields", "header.fields.not", "text", "mime" or "part"
	part    string // the part number when id is "part"
	fields  []string
	binary  bool
	partial bool
	offset  uint32
	length  uint32
	raw     string // original specifier, echoed in the response
}

// fetchHandler implements FETCH and UID FETCH.
type fetchHandler struct {
	uid bool

	set  *imapparser.NumberSet
	peek bool

	// attribute flags
	flags        bool
	envelope     bool
	body         bool // BODY (structure without extensions)
	bodystructure bool
	internaldate bool
	rfc822size   bool
	uidAttr      bool
	modseq       bool
	annotation   bool

	sections []*section

	// dependency flags derived while parsing
	needsAddresses   bool
	needsHeader      bool
	needsBody        bool
	needsPartNumbers bool

	changedSince int64

	// execution state, advanced per cooperative step
	state        int
	tx           *sql.Tx
	expunged     *imapparser.NumberSet
	seenStored   bool
	msgs         map[uint32]*models.Message
	requested    []uint32
	available    []uint32
	responseRate int
	timer        *time.Timer
}

func (h *fetchHandler) parse(c *Command) {
	p := c.parser
	p.Space()
	star := c.session.largestMSN()
	if h.uid {
		star = c.session.largestUID()
	}
	h.set = p.Set(star)
	p.Space()
	h.peek = true

	switch p.NextChar() {
	case '(':
		p.Require("(")
		for {
			h.parseAttribute(c)
			if !p.Ok() || p.NextChar() != ' ' {
				break
			}
			p.Space()
		}
		p.Require(")")
	default:
		// a single attribute or a macro
		h.parseAttribute(c)
	}

	// CHANGEDSINCE modifier
	if p.Ok() && p.NextChar() == ' ' {
		p.Space()
		p.Require("(")
		word := p.Atom()
		if strings.EqualFold(word, "changedsince") {
			p.Space()
			h.changedSince = int64(p.NzNumber())
			c.session.setClientSupports(capCondstore)
		} else {
			c.error("BAD", "Unknown FETCH modifier: "+word)
		}
		p.Require(")")
	}
	p.End()

	if h.uid {
		h.uidAttr = true
	}
	if c.session.clientSupports(capCondstore) && h.changedSince > 0 {
		h.modseq = true
	}
}

// parseAttribute consumes one fetch-att or macro and raises the
// dependency flags it implies.
func (h *fetchHandler) parseAttribute(c *Command) {
	p := c.parser
	keyword := strings.ToLower(p.Atom())
	if !p.Ok() {
		return
	}

	switch keyword {
	case "all":
		h.flags, h.internaldate, h.rfc822size, h.envelope = true, true, true, true
		h.needsAddresses, h.needsHeader = true, true
	case "full":
		h.flags, h.internaldate, h.rfc822size, h.envelope, h.body = true, true, true, true, true
		h.needsAddresses, h.needsHeader, h.needsPartNumbers = true, true, true
	case "fast":
		h.flags, h.internaldate, h.rfc822size = true, true, true
	case "flags":
		h.flags = true
	case "envelope":
		h.envelope = true
		h.needsAddresses, h.needsHeader = true, true
	case "internaldate":
		h.internaldate = true
	case "uid":
		h.uidAttr = true
	case "modseq":
		h.modseq = true
		c.session.setClientSupports(capCondstore)
	case "annotation":
		h.annotation = true
		h.parseAnnotation(c)
	case "rfc822.size":
		h.rfc822size = true
	case "rfc822":
		h.peek = false
		h.needsHeader, h.needsBody = true, true
		h.sections = append(h.sections, &section{id: "rfc822", raw: "RFC822"})
	case "rfc822.header":
		h.needsHeader = true
		h.sections = append(h.sections, &section{id: "header", raw: "RFC822.HEADER"})
	case "rfc822.text":
		h.peek = false
		h.needsBody = true
		h.sections = append(h.sections, &section{id: "text", raw: "RFC822.TEXT"})
	case "bodystructure":
		h.bodystructure = true
		h.needsHeader, h.needsPartNumbers = true, true
	case "body":
		if p.NextChar() == '[' {
			h.peek = false
			h.parseSection(c, false)
		} else {
			h.body = true
			h.needsHeader, h.needsPartNumbers = true, true
		}
	case "body.peek":
		if p.NextChar() != '[' {
			c.error("BAD", "BODY.PEEK requires a section")
			return
		}
		h.parseSection(c, false)
	case "binary":
		h.peek = false
		h.parseSection(c, true)
	case "binary.peek":
		h.parseSection(c, true)
	case "binary.size":
		h.parseSection(c, true)
	default:
		c.error("BAD", "Unknown fetch attribute: "+keyword)
	}
}

// parseSection consumes "[...]<offset.length>" after BODY or BINARY.
func (h *fetchHandler) parseSection(c *Command, binary bool) {
	p := c.parser
	p.Require("[")
	sec := &section{binary: binary}
	var raw strings.Builder

	for p.Ok() && p.NextChar() != ']' && p.NextChar() != 0 {
		raw.WriteByte(p.NextChar())
		p.Step()
	}
	p.Require("]")
	if !p.Ok() {
		return
	}
	spec := raw.String()
	sec.raw = "BODY[" + spec + "]"
	if binary {
		sec.raw = "BINARY[" + spec + "]"
	}

	lower := strings.ToLower(spec)
	switch {
	case spec == "":
		sec.id = ""
		h.needsHeader, h.needsBody = true, true
	case strings.HasPrefix(lower, "header.fields.not"):
		sec.id = "header.fields.not"
		sec.fields = parseFieldList(spec[len("header.fields.not"):])
		h.needsHeader = true
	case strings.HasPrefix(lower, "header.fields"):
		sec.id = "header.fields"
		sec.fields = parseFieldList(spec[len("header.fields"):])
		h.needsHeader = true
	case lower == "header":
		sec.id = "header"
		h.needsHeader = true
	case lower == "text":
		sec.id = "text"
		h.needsBody = true
	case lower == "mime":
		sec.id = "mime"
		h.needsHeader = true
	default:
		sec.id = "part"
		sec.part = spec
		h.needsBody, h.needsPartNumbers = true, true
	}

	// <offset.length>
	if p.NextChar() == '<' {
		p.Step()
		sec.partial = true
		sec.offset = p.Number()
		p.Require(".")
		sec.length = p.NzNumber()
		p.Require(">")
	}

	h.sections = append(h.sections, sec)
}

func (h *fetchHandler) parseAnnotation(c *Command) {
	p := c.parser
	if p.NextChar() != ' ' {
		return
	}
	p.Space()
	p.Require("(")
	for p.Ok() && p.NextChar() != ')' && p.NextChar() != 0 {
		p.Step()
	}
	p.Require(")")
}

func parseFieldList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimSuffix(s, ")")
	var fields []string
	for _, f := range strings.Fields(s) {
		fields = append(fields, strings.Trim(f, `"`))
	}
	return fields
}

// execute advances the FETCH state machine one step. The numbered
// states follow the order of operations: condstore filter, shrink,
// implicit store, data acquisition, trickle, completion.
func (h *fetchHandler) execute(c *Command) {
	s := c.session

	if !h.peek && s.mbx.readOnly {
		h.peek = true
	}

	if h.state == 0 {
		if h.changedSince > 0 {
			uidSet := h.workingUIDs(s)
			tx, filtered, err := s.server.condstoreFilter(
				context.Background(), s.mbx.mailbox.ID, uidSet, h.changedSince)
			if err != nil {
				c.error("NO", "Database failure: "+err.Error())
				return
			}
			h.tx = tx
			h.set = filtered
			h.uid = true // the filtered set is UIDs now
		}
		h.state = 1
	}

	if h.state == 1 {
		uidSet := h.workingUIDs(s)
		if c.group == groupMSN {
			// RFC 2180 section 4.1.2 applies
			h.expunged = s.mbx.Expunged().Intersection(uidSet)
		} else {
			h.expunged = imapparser.NewNumberSet()
		}
		known := s.mbx.UIDSet()
		shrunk := imapparser.NewNumberSet()
		for _, u := range uidSet.Values() {
			if known.Contains(u) {
				shrunk.Add(u)
			}
		}
		h.set = shrunk
		h.uid = true
		h.state = 2
		if shrunk.IsEmpty() {
			h.state = 5
		}
	}

	if h.state == 2 {
		if h.peek {
			h.state = 3
		} else {
			if !h.seenStored {
				h.seenStored = true
				if _, err := s.server.storeFlags(s.mbx.mailbox.ID, h.set,
					[]string{`\Seen`}, true); err != nil {
					c.error("NO", "Database failure: "+err.Error())
					return
				}
			}
			h.state = 3
		}
	}

	if h.state == 3 {
		if err := h.sendFetchQueries(c); err != nil {
			c.error("NO", "Database failure: "+err.Error())
			return
		}
		h.state = 4
		h.responseRate = 1
		h.timer = time.AfterFunc(time.Second, func() {
			s.poke()
		})
	}

	if h.state == 4 {
		h.pickup()
		if len(h.requested) > 0 {
			// some messages still lack data; trickle what is ready
			// and keep ticking
			h.trickle(c)
			h.timer = time.AfterFunc(time.Second, func() { s.poke() })
			return
		}
		// everything is here; drain the rest at once
		for len(h.available) > 0 {
			u := h.available[0]
			h.available = h.available[1:]
			if msn := s.mbx.MSN(u); msn != 0 {
				s.respond(&Response{
					text:       h.makeFetchResponse(c, h.msgs[u], u, msn),
					meaningful: true,
				})
			}
		}
		s.emitResponses()
		h.state = 5
	}

	if h.state == 5 {
		if h.timer != nil {
			h.timer.Stop()
			h.timer = nil
		}
		if h.tx != nil {
			if err := h.tx.Commit(); err != nil {
				c.error("NO", "Database failure: "+err.Error())
				return
			}
			h.tx = nil
		}
		if h.expunged != nil && !h.expunged.IsEmpty() {
			c.error("NO", "UID(s) "+h.expunged.String()+" has/have been expunged")
			return
		}
		c.finish()
	}
}

// workingUIDs maps the parsed set to UIDs if it was MSN-based.
func (h *fetchHandler) workingUIDs(s *Session) *imapparser.NumberSet {
	if h.uid {
		return h.set
	}
	uids := imapparser.NewNumberSet()
	for _, msn := range h.set.Values() {
		if u := s.mbx.UID(msn); u != 0 {
			uids.Add(u)
		}
	}
	return uids
}

// sendFetchQueries runs the fetchers for every dependency flag not
// yet satisfied by the cache.
func (h *fetchHandler) sendFetchQueries(c *Command) error {
	s := c.session
	h.msgs = make(map[uint32]*models.Message)
	for _, u := range h.set.Values() {
		h.msgs[u] = models.NewMessage(u)
		h.requested = append(h.requested, u)
	}
	if len(h.msgs) == 0 {
		return nil
	}

	mb := s.mbx.mailbox.ID
	if h.needsAddresses {
		if err := s.server.messageAddresses(mb, h.msgs); err != nil {
			return err
		}
	}
	if h.needsHeader || h.envelope || h.bodystructure || h.body {
		if err := s.server.messageHeaders(mb, h.msgs); err != nil {
			return err
		}
	}
	if h.needsBody || h.needsPartNumbers {
		if err := s.server.messageBodies(mb, h.msgs); err != nil {
			return err
		}
	}
	if h.flags {
		if err := s.server.messageFlags(mb, h.msgs); err != nil {
			return err
		}
	}
	if h.rfc822size || h.internaldate || h.modseq || h.uidAttr {
		if err := s.server.messageTrivia(mb, h.msgs); err != nil {
			return err
		}
	}
	if h.annotation {
		if err := s.server.messageAnnotations(mb, h.msgs); err != nil {
			return err
		}
	}
	return nil
}

// pickup moves messages whose dependencies are all satisfied onto the
// available list, preserving request order.
func (h *fetchHandler) pickup() {
	done := 0
	for _, u := range h.requested {
		m := h.msgs[u]
		if m == nil {
			break
		}
		ok := true
		if h.needsAddresses && !m.HasAddresses() {
			ok = false
		}
		if h.needsHeader && !m.HasHeaders() {
			ok = false
		}
		if h.needsBody && !m.HasBodies() {
			ok = false
		}
		if h.needsPartNumbers && !m.HasBytesAndLines() {
			ok = false
		}
		if h.flags && !m.HasFlags() {
			ok = false
		}
		if (h.rfc822size || h.internaldate || h.modseq) && !m.HasTrivia() {
			ok = false
		}
		if h.annotation && !m.HasAnnotations() {
			ok = false
		}
		if !ok {
			break
		}
		h.available = append(h.available, u)
		done++
	}
	h.requested = h.requested[done:]
}

// trickle emits responses at an adaptive rate: fast enough to clear
// the backlog inside ~90 seconds, at least one per second.
func (h *fetchHandler) trickle(c *Command) {
	r := len(h.available) / 90
	if r > h.responseRate {
		h.responseRate = r
	} else if r < 2 && h.responseRate > 1 {
		h.responseRate = 1
	}

	s := c.session
	emitted := 0
	for emitted < h.responseRate && len(h.available) > 0 {
		u := h.available[0]
		h.available = h.available[1:]
		msn := s.mbx.MSN(u)
		if msn == 0 {
			continue
		}
		s.respond(&Response{
			text:       h.makeFetchResponse(c, h.msgs[u], u, msn),
			meaningful: true,
		})
		emitted++
	}
	if emitted > 0 {
		s.emitResponses()
	}
}

// checkUntaggedResponses does nothing for FETCH; trickle queues and
// emits its own responses.
func (h *fetchHandler) checkUntaggedResponses(c *Command) {}

// makeFetchResponse renders one untagged FETCH line.
func (h *fetchHandler) makeFetchResponse(c *Command, m *models.Message, uid, msn uint32) string {
	var items []string

	if h.flags {
		flags := append([]string(nil), m.Flags...)
		if !m.HasFlag(`\Seen`) && c.session.mbx.recent > 0 {
			flags = append(flags, `\Recent`)
		}
		items = append(items, "FLAGS ("+strings.Join(flags, " ")+")")
	}
	if h.uidAttr {
		items = append(items, fmt.Sprintf("UID %d", uid))
	}
	if h.internaldate {
		items = append(items, `INTERNALDATE "`+
			m.InternalDate.UTC().Format("02-Jan-2006 15:04:05 -0700")+`"`)
	}
	if h.rfc822size {
		items = append(items, fmt.Sprintf("RFC822.SIZE %d", m.RFC822Size))
	}
	if h.modseq {
		items = append(items, fmt.Sprintf("MODSEQ (%d)", m.ModSeq))
	}
	if h.envelope {
		items = append(items, "ENVELOPE "+envelope(m))
	}
	if h.body {
		items = append(items, "BODY "+SerializeBodyStructure(StructureOf(m), false))
	}
	if h.bodystructure {
		items = append(items, "BODYSTRUCTURE "+SerializeBodyStructure(StructureOf(m), true))
	}
	if h.annotation {
		items = append(items, "ANNOTATION ()")
	}
	for _, sec := range h.sections {
		items = append(items, h.sectionResponse(sec, m))
	}

	return fmt.Sprintf("%d FETCH (%s)", msn, strings.Join(items, " "))
}

// sectionResponse renders one BODY[...] item with its literal.
func (h *fetchHandler) sectionResponse(sec *section, m *models.Message) string {
	data := sectionData(sec, m)
	if sec.partial {
		end := int(sec.offset) + int(sec.length)
		if int(sec.offset) > len(data) {
			data = nil
		} else {
			if end > len(data) {
				end = len(data)
			}
			data = data[sec.offset:end]
		}
		return fmt.Sprintf("%s<%d> {%d}\r\n%s", sec.raw, sec.offset, len(data), data)
	}
	name := sec.raw
	switch sec.id {
	case "rfc822":
		name = "RFC822"
	case "text":
		if strings.HasPrefix(name, "RFC822") {
			name = "RFC822.TEXT"
		}
	}
	return fmt.Sprintf("%s {%d}\r\n%s", name, len(data), data)
}

// sectionData extracts the octets a section specifier names.
func sectionData(sec *section, m *models.Message) []byte {
	switch sec.id {
	case "", "rfc822":
		return m.RFC822(false)
	case "header", "mime":
		return headerBytes(m, nil, false)
	case "header.fields":
		return headerBytes(m, sec.fields, false)
	case "header.fields.not":
		return headerBytes(m, sec.fields, true)
	case "text":
		return m.Body()
	case "part":
		if sec.part == "1" {
			return m.Body()
		}
		return nil
	}
	return nil
}

// headerBytes renders the header, filtered to (or excluding) the
// named fields.
func headerBytes(m *models.Message, fields []string, exclude bool) []byte {
	var b strings.Builder
	include := func(f string) bool {
		if fields == nil {
			return true
		}
		for _, w := range fields {
			if strings.EqualFold(w, f) {
				return !exclude
			}
		}
		return exclude
	}
	for _, f := range headerFieldOrder(m) {
		if !include(f) {
			continue
		}
		for _, v := range m.HeaderValues(f) {
			b.WriteString(canonicalFieldName(f))
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func headerFieldOrder(m *models.Message) []string {
	known := []string{"return-path", "received", "date", "from", "sender",
		"reply-to", "to", "cc", "bcc", "message-id", "in-reply-to",
		"references", "subject", "mime-version", "content-type",
		"content-transfer-encoding"}
	seen := make(map[string]bool)
	var order []string
	for _, f := range known {
		if len(m.HeaderValues(f)) > 0 {
			order = append(order, f)
			seen[f] = true
		}
	}
	return order
}

func canonicalFieldName(f string) string {
	parts := strings.Split(f, "-")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "-")
}

// envelope renders the RFC 3501 ENVELOPE for m.
func envelope(m *models.Message) string {
	addr := func(field string) string {
		list := m.Addresses(field)
		if len(list) == 0 && (field == "sender" || field == "reply-to") {
			list = m.Addresses("from")
		}
		if len(list) == 0 {
			return "NIL"
		}
		var b strings.Builder
		b.WriteByte('(')
		for _, a := range list {
			b.WriteString("(")
			b.WriteString(nstring(a.Name))
			b.WriteString(" NIL ")
			b.WriteString(nstring(a.Localpart))
			b.WriteString(" ")
			b.WriteString(nstring(a.Domain))
			b.WriteString(")")
		}
		b.WriteByte(')')
		return b.String()
	}

	parts := []string{
		nstring(m.Header("date")),
		nstring(m.Header("subject")),
		addr("from"),
		addr("sender"),
		addr("reply-to"),
		addr("to"),
		addr("cc"),
		addr("bcc"),
		nstring(m.Header("in-reply-to")),
		nstring(m.Header("message-id")),
	}
	return "(" + strings.Join(parts, " ") + ")"
}

func nstring(s string) string {
	if s == "" {
		return "NIL"
	}
	return imapQuote(s)
}
