package smtpclient

import "testing"

func TestDotted(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "hello\r\nworld\r\n", "hello\r\nworld\r\n.\r\n"},
		{"leading dot", ".hidden\r\n", "..hidden\r\n.\r\n"},
		{"dot mid line", "a.b\r\n", "a.b\r\n.\r\n"},
		{"lone lf", "a\nb\n", "a\r\nb\r\n.\r\n"},
		{"lone cr", "a\rb", "a\r\nb\r\n.\r\n"},
		{"missing final crlf", "abc", "abc\r\n.\r\n"},
		{"empty", "", ".\r\n"},
		{"only dot line", ".\r\n", "..\r\n.\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(Dotted([]byte(tt.input))); got != tt.want {
				t.Errorf("Dotted(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestEnhancedStatus(t *testing.T) {
	tests := []struct {
		line     string
		enhanced bool
		state    State
		want     string
	}{
		{"550 5.7.1 rejected", true, RcptTo, "5.7.1"},
		{"550 user unknown", false, RcptTo, "5.2.0"},
		{"450 try later", false, RcptTo, "4.2.0"},
		{"250 ok", false, RcptTo, "2.1.0"},
		{"250 ok", false, Body, "2.0.0"},
		{"421 closing", false, Body, "4.3.0"},
		{"552 too big", false, Data, "5.3.0"},
		{"554 no service", false, Body, "5.0.0"},
		{"999 weird", false, Body, "4.0.0"},
		{"garbage", false, Body, "4.0.0"},
		{"430 odd", false, Body, "4.0.0"},
	}

	for _, tt := range tests {
		got := enhancedStatus(tt.line, tt.enhanced, tt.state)
		if got != tt.want {
			t.Errorf("enhancedStatus(%q, %v) = %q, want %q",
				tt.line, tt.enhanced, got, tt.want)
		}
	}
}
