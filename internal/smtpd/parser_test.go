package smtpd

import (
	"testing"

	"aox/internal/models"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name      string
		args      string
		keyword   string
		wantLocal string
		wantDom   string
		wantErr   bool
	}{
		{"simple", "FROM:<user@example.com>", "FROM", "user", "example.com", false},
		{"space after colon", "FROM: <user@example.com>", "FROM", "user", "example.com", false},
		{"lowercase keyword", "from:<user@example.com>", "FROM", "user", "example.com", false},
		{"empty path", "FROM:<>", "FROM", "", "", false},
		{"rcpt", "TO:<u@d.tld>", "TO", "u", "d.tld", false},
		{"source route", "TO:<@relay.example:u@d.tld>", "TO", "u", "d.tld", false},
		{"quoted localpart", `FROM:<"odd user"@example.com>`, "FROM", "odd user", "example.com", false},
		{"missing brackets", "FROM:user@example.com", "FROM", "", "", true},
		{"unterminated", "FROM:<user@example.com", "FROM", "", "", true},
		{"wrong keyword", "TO:<u@d>", "FROM", "", "", true},
		{"no domain", "FROM:<user>", "FROM", "", "", true},
		{"no localpart", "FROM:<@example.com>", "FROM", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, _, err := parsePath(tt.args, tt.keyword)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePath(%q) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if addr.Localpart != tt.wantLocal || addr.Domain != tt.wantDom {
				t.Errorf("parsePath(%q) = %s@%s, want %s@%s",
					tt.args, addr.Localpart, addr.Domain, tt.wantLocal, tt.wantDom)
			}
		})
	}
}

func TestParsePathBounceAddress(t *testing.T) {
	addr, _, err := parsePath("FROM:<>", "FROM")
	if err != nil {
		t.Fatalf("parsePath failed: %v", err)
	}
	if addr.Type != models.BounceAddress {
		t.Errorf("empty path type = %v, want BounceAddress", addr.Type)
	}
}

func TestParsePathParams(t *testing.T) {
	_, params, err := parsePath("FROM:<u@d.tld> SIZE=1234 BODY=8BITMIME SMTPUTF8", "FROM")
	if err != nil {
		t.Fatalf("parsePath failed: %v", err)
	}
	if params["SIZE"] != "1234" {
		t.Errorf("SIZE = %q, want 1234", params["SIZE"])
	}
	if params["BODY"] != "8BITMIME" {
		t.Errorf("BODY = %q", params["BODY"])
	}
	if _, ok := params["SMTPUTF8"]; !ok {
		t.Error("SMTPUTF8 param missing")
	}
}
