package server

import (
	"reflect"
	"strings"
	"testing"

	"aox/internal/models"
)

func TestBodyStructureRoundTrip(t *testing.T) {
	tests := []*BodyStructure{
		{
			Type:     "text",
			Subtype:  "plain",
			Params:   map[string]string{"charset": "us-ascii"},
			Encoding: "7bit",
			Bytes:    42,
			Lines:    3,
		},
		{
			Type:     "application",
			Subtype:  "octet-stream",
			Params:   map[string]string{},
			Encoding: "base64",
			Bytes:    1024,
		},
		{
			Type:     "text",
			Subtype:  "html",
			Params:   map[string]string{"charset": "utf-8"},
			ID:       "<part1@example>",
			Desc:     "the html part",
			Encoding: "quoted-printable",
			Bytes:    99,
			Lines:    7,
		},
		{
			Subtype: "alternative",
			Params:  map[string]string{},
			Children: []*BodyStructure{
				{
					Type:     "text",
					Subtype:  "plain",
					Params:   map[string]string{"charset": "utf-8"},
					Encoding: "7bit",
					Bytes:    10,
					Lines:    1,
				},
				{
					Type:     "text",
					Subtype:  "html",
					Params:   map[string]string{"charset": "utf-8"},
					Encoding: "7bit",
					Bytes:    20,
					Lines:    1,
				},
			},
		},
	}

	for _, bs := range tests {
		wire := SerializeBodyStructure(bs, true)
		parsed, err := ParseBodyStructure(wire)
		if err != nil {
			t.Fatalf("ParseBodyStructure(%q) failed: %v", wire, err)
		}
		if !reflect.DeepEqual(bs, parsed) {
			t.Errorf("round trip of %q:\n got %+v\nwant %+v", wire, parsed, bs)
		}
	}
}

func TestStructureOfPlainMessage(t *testing.T) {
	m := models.NewMessage(1)
	m.SetHeader("content-type", `text/plain; charset="utf-8"`)
	m.SetBody([]byte("line one\r\nline two\r\n"))
	m.SetHeadersFetched()

	bs := StructureOf(m)
	if bs.Type != "text" || bs.Subtype != "plain" {
		t.Errorf("type = %s/%s, want text/plain", bs.Type, bs.Subtype)
	}
	if bs.Params["charset"] != "utf-8" {
		t.Errorf("charset = %q, want utf-8", bs.Params["charset"])
	}
	if bs.Bytes != 20 || bs.Lines != 2 {
		t.Errorf("bytes/lines = %d/%d, want 20/2", bs.Bytes, bs.Lines)
	}
}

func TestStructureDefaults(t *testing.T) {
	m := models.NewMessage(1)
	m.SetBody([]byte("x"))
	bs := StructureOf(m)
	if bs.Type != "text" || bs.Subtype != "plain" || bs.Encoding != "7bit" {
		t.Errorf("defaults = %s/%s/%s", bs.Type, bs.Subtype, bs.Encoding)
	}
}

func TestEnvelopeRendering(t *testing.T) {
	m := models.NewMessage(1)
	m.SetHeader("date", "Mon, 1 Jan 2024 00:00:00 +0000")
	m.SetHeader("subject", "hello")
	m.SetHeader("message-id", "<id@example>")
	m.SetAddresses("from", []*models.Address{
		models.NewAddress("Sender Name", "sender", "example.com"),
	})
	m.SetAddresses("to", []*models.Address{
		models.NewAddress("", "rcpt", "example.org"),
	})
	m.SetHeadersFetched()
	m.SetAddressesFetched()

	e := envelope(m)
	for _, want := range []string{
		`"Mon, 1 Jan 2024 00:00:00 +0000"`,
		`"hello"`,
		`(("Sender Name" NIL "sender" "example.com"))`,
		`((NIL NIL "rcpt" "example.org"))`,
		"NIL",
		`"<id@example>"`,
	} {
		if !strings.Contains(e, want) {
			t.Errorf("envelope %q missing %q", e, want)
		}
	}
}
