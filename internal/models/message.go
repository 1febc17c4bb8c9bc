package models

import (
	"strings"
	"time"
)

// Message is the core's view of a stored message: an identifier plus
// whatever parts have been fetched so far. The has* bits say which
// parts are present; fetchers set them as query results arrive.
type Message struct {
	ID  int64
	UID uint32

	header    map[string][]string
	addresses map[string][]*Address
	body      []byte

	InternalDate time.Time
	RFC822Size   int64
	ModSeq       int64
	Flags        []string
	Annotations  map[string]string

	hasHeaders       bool
	hasAddresses     bool
	hasBodies        bool
	hasBytesAndLines bool
	hasTrivia        bool
	hasFlags         bool
	hasAnnotations   bool
}

// NewMessage creates an empty message shell for uid.
func NewMessage(uid uint32) *Message {
	return &Message{
		UID:         uid,
		header:      make(map[string][]string),
		addresses:   make(map[string][]*Address),
		Annotations: make(map[string]string),
	}
}

func (m *Message) HasHeaders() bool       { return m.hasHeaders }
func (m *Message) HasAddresses() bool     { return m.hasAddresses }
func (m *Message) HasBodies() bool        { return m.hasBodies }
func (m *Message) HasBytesAndLines() bool { return m.hasBytesAndLines }
func (m *Message) HasTrivia() bool        { return m.hasTrivia }
func (m *Message) HasFlags() bool         { return m.hasFlags }
func (m *Message) HasAnnotations() bool   { return m.hasAnnotations }

// SetHeader records a header field value fetched from the store.
func (m *Message) SetHeader(field, value string) {
	k := strings.ToLower(field)
	m.header[k] = append(m.header[k], value)
}

// Header returns the first value of field, or an empty string.
func (m *Message) Header(field string) string {
	v := m.header[strings.ToLower(field)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// HeaderValues returns all values of field.
func (m *Message) HeaderValues(field string) []string {
	return m.header[strings.ToLower(field)]
}

// SetAddresses records the address list of an address-valued header
// field (From, To, Cc...).
func (m *Message) SetAddresses(field string, a []*Address) {
	m.addresses[strings.ToLower(field)] = a
}

// Addresses returns the fetched address list for field.
func (m *Message) Addresses(field string) []*Address {
	return m.addresses[strings.ToLower(field)]
}

// SetBody records the message body bytes.
func (m *Message) SetBody(b []byte) {
	m.body = b
	m.hasBodies = true
	m.hasBytesAndLines = true
}

// Body returns the fetched body bytes.
func (m *Message) Body() []byte { return m.body }

func (m *Message) SetHeadersFetched()     { m.hasHeaders = true }
func (m *Message) SetAddressesFetched()   { m.hasAddresses = true }
func (m *Message) SetTriviaFetched()      { m.hasTrivia = true }
func (m *Message) SetFlagsFetched(b bool) { m.hasFlags = b }
func (m *Message) SetAnnotationsFetched(b bool) {
	m.hasAnnotations = b
}

// HasFlag reports whether flag is set, matching case-insensitively.
func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// RFC822 serializes the message for transmission. If ascii is true,
// any non-ASCII header content is downgraded (encoded-word form is
// assumed to be present already; bodies pass through).
func (m *Message) RFC822(ascii bool) []byte {
	var b strings.Builder
	for field, values := range m.header {
		for _, v := range values {
			if ascii {
				v = downgrade(v)
			}
			b.WriteString(canonicalField(field))
			b.WriteString(": ")
			b.WriteString(v)
			b.WriteString("\r\n")
		}
	}
	b.WriteString("\r\n")
	b.Write(m.body)
	return []byte(b.String())
}

// NeedsUnicode returns true if the message cannot be serialized in
// pure ASCII, i.e. SMTPUTF8 is needed on the wire.
func (m *Message) NeedsUnicode() bool {
	for _, values := range m.header {
		for _, v := range values {
			for i := 0; i < len(v); i++ {
				if v[i] >= 0x80 {
					return true
				}
			}
		}
	}
	return false
}

func downgrade(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] < 0x80 {
			b.WriteByte(s[i])
		} else {
			b.WriteByte('?')
		}
	}
	return b.String()
}

func canonicalField(f string) string {
	parts := strings.Split(f, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}
