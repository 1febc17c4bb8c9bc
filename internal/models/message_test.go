package models

import (
	"strings"
	"testing"
)

func TestRFC822Serialization(t *testing.T) {
	m := NewMessage(1)
	m.SetHeader("subject", "hello")
	m.SetHeader("message-id", "<x@y>")
	m.SetBody([]byte("body\r\n"))
	m.SetHeadersFetched()

	out := string(m.RFC822(true))
	if !strings.Contains(out, "Subject: hello\r\n") {
		t.Errorf("serialized message missing subject: %q", out)
	}
	if !strings.Contains(out, "Message-Id: <x@y>\r\n") {
		t.Errorf("serialized message missing message-id: %q", out)
	}
	if !strings.HasSuffix(out, "\r\n\r\nbody\r\n") {
		t.Errorf("header/body separator wrong: %q", out)
	}
}

func TestNeedsUnicode(t *testing.T) {
	m := NewMessage(1)
	m.SetHeader("subject", "plain ascii")
	if m.NeedsUnicode() {
		t.Error("ascii message claims to need unicode")
	}
	m.SetHeader("from", "sm\xc3\xb8rebr\xc3\xb8d")
	if !m.NeedsUnicode() {
		t.Error("non-ascii header not detected")
	}
}

func TestUnicodeDowngrade(t *testing.T) {
	m := NewMessage(1)
	m.SetHeader("subject", "caf\xc3\xa9")
	ascii := string(m.RFC822(true))
	for i := 0; i < len(ascii); i++ {
		if ascii[i] >= 0x80 {
			t.Fatalf("downgraded serialization still has byte %#x", ascii[i])
		}
	}
}

func TestAddressForms(t *testing.T) {
	a := NewAddress("Name", "user", "example.com")
	if a.LpDomain() != "user@example.com" {
		t.Errorf("LpDomain = %q", a.LpDomain())
	}
	if a.String() != "Name <user@example.com>" {
		t.Errorf("String = %q", a.String())
	}

	bounce := NewAddress("", "", "")
	if bounce.Type != BounceAddress {
		t.Error("empty address is not a bounce address")
	}
	if bounce.LpDomain() != "" || bounce.String() != "<>" {
		t.Errorf("bounce forms = %q / %q", bounce.LpDomain(), bounce.String())
	}
}
