package imapparser

import "testing"

func TestEndsWithLiteral(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantN    uint32
		wantPlus bool
		wantOk   bool
	}{
		{"simple literal", "a001 login {5}", 5, false, true},
		{"literal plus", "a001 login {5+}", 5, true, true},
		{"no literal", "a001 noop", 0, false, false},
		{"empty braces", "a001 login {}", 0, false, false},
		{"zero literal", "a001 append inbox {0}", 0, false, true},
		{"large literal", "a1 append x {4294967295}", 4294967295, false, true},
		{"overflow", "a1 append x {4294967296}", 0, false, false},
		{"brace only", "}", 0, false, false},
		{"plus without digits", "a {+}", 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, plus, ok := EndsWithLiteral(tt.line)
			if ok != tt.wantOk {
				t.Fatalf("EndsWithLiteral(%q) ok = %v, want %v", tt.line, ok, tt.wantOk)
			}
			if n != tt.wantN || plus != tt.wantPlus {
				t.Errorf("EndsWithLiteral(%q) = (%d, %v), want (%d, %v)",
					tt.line, n, plus, tt.wantN, tt.wantPlus)
			}
		})
	}
}

func TestTagAndCommand(t *testing.T) {
	p := New("A001 UID FETCH 1:10 FLAGS")
	tag := p.Tag()
	if tag != "A001" {
		t.Errorf("Tag() = %q, want A001", tag)
	}
	p.Space()
	cmd := p.Command()
	if cmd != "UID FETCH" {
		t.Errorf("Command() = %q, want UID FETCH", cmd)
	}
	if !p.Ok() {
		t.Errorf("unexpected parse error: %s", p.Error())
	}
}

func TestTagRejectsPlus(t *testing.T) {
	p := New("+ garbage")
	p.Tag()
	if p.Ok() {
		t.Error("expected error parsing tag starting with +")
	}
}

func TestAstringForms(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"atom", "inbox rest", "inbox"},
		{"quoted", `"hello world"`, "hello world"},
		{"quoted escape", `"a\"b"`, `a"b`},
		{"literal", "{5}\r\nhello", "hello"},
		{"literal plus", "{5+}\r\nhello", "hello"},
		{"literal with crlf content", "{6}\r\nab\r\ncd?", "ab\r\ncd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.input)
			got := p.Astring()
			if !p.Ok() {
				t.Fatalf("Astring(%q) failed: %s", tt.input, p.Error())
			}
			if got != tt.want {
				t.Errorf("Astring(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNstring(t *testing.T) {
	p := New("NIL")
	s, present := p.Nstring()
	if present || s != "" || !p.Ok() {
		t.Errorf("Nstring(NIL) = (%q, %v), want empty absent", s, present)
	}

	p = New(`"x"`)
	s, present = p.Nstring()
	if !present || s != "x" {
		t.Errorf("Nstring(\"x\") = (%q, %v), want x present", s, present)
	}
}

func TestNumbers(t *testing.T) {
	p := New("0")
	if n := p.Number(); n != 0 || !p.Ok() {
		t.Errorf("Number(0) = %d, ok=%v", n, p.Ok())
	}

	p = New("4294967295")
	if n := p.Number(); n != 4294967295 || !p.Ok() {
		t.Errorf("Number(max) = %d, ok=%v", n, p.Ok())
	}

	p = New("4294967296")
	p.Number()
	if p.Ok() {
		t.Error("expected overflow error")
	}

	p = New("0")
	p.NzNumber()
	if p.Ok() {
		t.Error("NzNumber(0) should fail")
	}
}

func TestSetParsing(t *testing.T) {
	tests := []struct {
		input string
		star  uint32
		want  string
	}{
		{"1", 10, "1"},
		{"1:3", 10, "1:3"},
		{"3:1", 10, "1:3"},
		{"1,3,5", 10, "1,3,5"},
		{"1:3,7,9:*", 10, "1:3,7,9:10"},
		{"*", 42, "42"},
	}

	for _, tt := range tests {
		p := New(tt.input)
		s := p.Set(tt.star)
		if !p.Ok() {
			t.Fatalf("Set(%q) failed: %s", tt.input, p.Error())
		}
		if got := s.String(); got != tt.want {
			t.Errorf("Set(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestSetOperations(t *testing.T) {
	a := NewNumberSet()
	a.AddRange(1, 5)
	b := NewNumberSet()
	b.Add(3)
	b.Add(5)
	b.Add(9)

	i := a.Intersection(b)
	if got := i.String(); got != "3,5" {
		t.Errorf("Intersection = %q, want 3,5", got)
	}
	if a.Smallest() != 1 {
		t.Errorf("Smallest = %d, want 1", a.Smallest())
	}
	a.Remove(1)
	if a.Contains(1) {
		t.Error("Remove(1) did not remove")
	}
}

func TestLiteralTruncated(t *testing.T) {
	p := New("{10}\r\nshort")
	p.Literal()
	if p.Ok() {
		t.Error("expected error for truncated literal")
	}
}
