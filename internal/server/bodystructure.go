package server

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"aox/internal/imapparser"
	"aox/internal/models"
)

// BodyStructure is the parsed form of one BODY/BODYSTRUCTURE item:
// either a leaf part or a multipart with children.
type BodyStructure struct {
	Type     string
	Subtype  string
	Params   map[string]string
	ID       string
	Desc     string
	Encoding string
	Bytes    int64
	Lines    int64

	Children []*BodyStructure
}

// StructureOf derives the structure of a stored message. The store
// keeps the body as one part; the content type comes from the header.
func StructureOf(m *models.Message) *BodyStructure {
	mediatype := "text"
	subtype := "plain"
	params := map[string]string{"charset": "us-ascii"}

	ct := m.Header("content-type")
	if ct != "" {
		segments := strings.Split(ct, ";")
		mt := strings.SplitN(strings.TrimSpace(segments[0]), "/", 2)
		if len(mt) == 2 {
			mediatype = strings.ToLower(mt[0])
			subtype = strings.ToLower(mt[1])
		}
		params = map[string]string{}
		for _, seg := range segments[1:] {
			kv := strings.SplitN(strings.TrimSpace(seg), "=", 2)
			if len(kv) == 2 {
				params[strings.ToLower(kv[0])] = strings.Trim(kv[1], `"`)
			}
		}
	}

	encoding := m.Header("content-transfer-encoding")
	if encoding == "" {
		encoding = "7bit"
	}

	body := m.Body()
	lines := int64(strings.Count(string(body), "\n"))

	return &BodyStructure{
		Type:     mediatype,
		Subtype:  subtype,
		Params:   params,
		Encoding: strings.ToLower(encoding),
		Bytes:    int64(len(body)),
		Lines:    lines,
	}
}

// SerializeBodyStructure renders bs per the RFC 3501 ABNF. extended
// selects BODYSTRUCTURE form; BODY omits the extension data (none is
// kept here, so the two differ only for future callers).
func SerializeBodyStructure(bs *BodyStructure, extended bool) string {
	var b strings.Builder
	serializeStructure(&b, bs)
	return b.String()
}

func serializeStructure(b *strings.Builder, bs *BodyStructure) {
	b.WriteByte('(')
	if len(bs.Children) > 0 {
		for _, child := range bs.Children {
			serializeStructure(b, child)
		}
		b.WriteByte(' ')
		b.WriteString(imapQuote(bs.Subtype))
		b.WriteByte(')')
		return
	}

	b.WriteString(imapQuote(bs.Type))
	b.WriteByte(' ')
	b.WriteString(imapQuote(bs.Subtype))
	b.WriteByte(' ')
	if len(bs.Params) == 0 {
		b.WriteString("NIL")
	} else {
		b.WriteByte('(')
		first := true
		for _, k := range sortedKeys(bs.Params) {
			if !first {
				b.WriteByte(' ')
			}
			first = false
			b.WriteString(imapQuote(k))
			b.WriteByte(' ')
			b.WriteString(imapQuote(bs.Params[k]))
		}
		b.WriteByte(')')
	}
	b.WriteByte(' ')
	b.WriteString(nstring(bs.ID))
	b.WriteByte(' ')
	b.WriteString(nstring(bs.Desc))
	b.WriteByte(' ')
	b.WriteString(imapQuote(bs.Encoding))
	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(bs.Bytes, 10))
	if bs.Type == "text" {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(bs.Lines, 10))
	}
	b.WriteByte(')')
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParseBodyStructure is the inverse of SerializeBodyStructure.
func ParseBodyStructure(s string) (*BodyStructure, error) {
	p := imapparser.New(s)
	bs := parseStructure(p)
	if bs == nil || !p.Ok() {
		return nil, fmt.Errorf("bad body structure %q: %s", s, p.Error())
	}
	p.End()
	if !p.Ok() {
		return nil, fmt.Errorf("bad body structure %q: %s", s, p.Error())
	}
	return bs, nil
}

func parseStructure(p *imapparser.Parser) *BodyStructure {
	p.Require("(")
	if !p.Ok() {
		return nil
	}
	bs := &BodyStructure{Params: map[string]string{}}

	if p.NextChar() == '(' {
		// multipart: children until the quoted subtype
		for p.NextChar() == '(' {
			child := parseStructure(p)
			if child == nil {
				return nil
			}
			bs.Children = append(bs.Children, child)
		}
		p.Require(" ")
		bs.Subtype = p.Quoted()
		p.Require(")")
		if !p.Ok() {
			return nil
		}
		return bs
	}

	bs.Type = p.Quoted()
	p.Require(" ")
	bs.Subtype = p.Quoted()
	p.Require(" ")
	if p.NextChar() == '(' {
		p.Require("(")
		for p.Ok() && p.NextChar() != ')' {
			k := p.Quoted()
			p.Require(" ")
			v := p.Quoted()
			bs.Params[k] = v
			if p.NextChar() == ' ' {
				p.Space()
			}
		}
		p.Require(")")
	} else {
		parseNil(p)
	}
	p.Require(" ")
	bs.ID = parseNstringValue(p)
	p.Require(" ")
	bs.Desc = parseNstringValue(p)
	p.Require(" ")
	bs.Encoding = p.Quoted()
	p.Require(" ")
	bs.Bytes = int64(p.Number())
	if bs.Type == "text" {
		p.Require(" ")
		bs.Lines = int64(p.Number())
	}
	p.Require(")")
	if !p.Ok() {
		return nil
	}
	return bs
}

func parseNil(p *imapparser.Parser) {
	p.Require("NIL")
}

func parseNstringValue(p *imapparser.Parser) string {
	if p.NextChar() == '"' {
		return p.Quoted()
	}
	parseNil(p)
	return ""
}
