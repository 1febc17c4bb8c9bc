package server

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"aox/internal/conf"
)

func testSession(t *testing.T) (*Session, net.Conn) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	srv := NewIMAPServer(nil, conf.DefaultConfig())
	s := NewSession(srv, serverConn)
	return s, clientConn
}

// queuedCommand plants a command in a given state without running the
// scheduler.
func queuedCommand(s *Session, name string, state CommandState) *Command {
	c := newCommand(s, "t"+name, name, nil)
	if c == nil {
		panic("unknown command " + name)
	}
	c.state = state
	s.commands = append(s.commands, c)
	return c
}

func TestCanSendExpungeWhileIdle(t *testing.T) {
	s, conn := testSession(t)
	defer conn.Close()

	queuedCommand(s, "idle", Executing)
	if !s.canSendExpunge() {
		t.Error("expunge blocked while IDLE is executing")
	}
}

func TestCannotSendExpungeWhileExecuting(t *testing.T) {
	s, conn := testSession(t)
	defer conn.Close()

	queuedCommand(s, "capability", Executing)
	if s.canSendExpunge() {
		t.Error("expunge permitted while a non-IDLE command executes")
	}
}

func TestCannotSendExpungeWithMsnCommandQueued(t *testing.T) {
	s, conn := testSession(t)
	defer conn.Close()

	// group 2 command (FETCH) waiting in the pipeline
	queuedCommand(s, "fetch", Blocked)
	if s.canSendExpunge() {
		t.Error("expunge permitted with a group-2 command in the pipeline")
	}
}

func TestCannotSendExpungeWithFlagCommandQueued(t *testing.T) {
	s, conn := testSession(t)
	defer conn.Close()

	queuedCommand(s, "store", Blocked)
	if s.canSendExpunge() {
		t.Error("expunge permitted with a group-3 command in the pipeline")
	}
}

func TestCanSendExpungeBeforeTaggedReply(t *testing.T) {
	s, conn := testSession(t)
	defer conn.Close()

	// a finished UID FETCH waiting for its tagged OK permits the
	// expunge to precede it
	queuedCommand(s, "uid fetch", Finished)
	if !s.canSendExpunge() {
		t.Error("expunge blocked although a finished command is pending")
	}
}

func TestCopyExemptFromMsnRule(t *testing.T) {
	s, conn := testSession(t)
	defer conn.Close()

	c := queuedCommand(s, "copy", Finished)
	if !c.usesMsn {
		t.Fatal("copy should use MSNs")
	}
	// copy is group 2, so the group rule still blocks; the RFC 2180
	// exemption applies only to the usesMsn rule.
	if s.canSendExpunge() {
		t.Error("group-2 rule should still block a queued copy")
	}

	s2, conn2 := testSession(t)
	defer conn2.Close()
	c2 := queuedCommand(s2, "uid copy", Finished)
	c2.usesMsn = true // pretend the set used MSN syntax
	c2.name = "copy"
	c2.group = groupUIDRead
	if !s2.canSendExpunge() {
		t.Error("finished copy must not suppress expunges (RFC 2180)")
	}
}

func TestEmitResponsesDefersExpunge(t *testing.T) {
	s, conn := testSession(t)
	lines := make(chan string, 16)
	go func() {
		br := bufio.NewReader(conn)
		for {
			l, err := br.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimRight(l, "\r\n")
		}
	}()

	// a UID FETCH is executing: the EXPUNGE must stay queued
	f := queuedCommand(s, "uid fetch", Executing)
	s.respond(&Response{text: "5 EXPUNGE", meaningful: true, changesMsn: true})
	s.respond(&Response{text: "7 EXISTS", meaningful: true})
	s.emitResponses()

	select {
	case l := <-lines:
		if l != "* 7 EXISTS" {
			t.Fatalf("got %q, want * 7 EXISTS", l)
		}
	case <-time.After(time.Second):
		t.Fatal("EXISTS was not emitted")
	}
	if len(s.responses) != 1 || s.responses[0].text != "5 EXPUNGE" {
		t.Fatalf("EXPUNGE not retained, responses = %+v", s.responses)
	}

	// once the UID FETCH finishes and awaits its tagged reply, the
	// expunge goes out
	f.state = Finished
	s.emitResponses()
	select {
	case l := <-lines:
		if l != "* 5 EXPUNGE" {
			t.Fatalf("got %q, want * 5 EXPUNGE", l)
		}
	case <-time.After(time.Second):
		t.Fatal("EXPUNGE was not emitted after command finished")
	}
	conn.Close()
}

func TestNoUnsolicitedResponsesBug(t *testing.T) {
	s, conn := testSession(t)
	defer conn.Close()

	s.setClientBug(bugNoUnsolicited)
	s.respond(&Response{text: "3 EXISTS", meaningful: true})
	s.emitResponses()
	if len(s.responses) != 1 {
		t.Error("response emitted to a NoUnsolicitedResponses client with an empty queue")
	}
}

func TestMeaninglessResponsesDropped(t *testing.T) {
	s, conn := testSession(t)
	defer conn.Close()

	s.respond(&Response{text: "ignored", meaningful: false})
	s.emitResponses()
	if len(s.responses) != 0 {
		t.Error("meaningless response retained")
	}
}
