package server

import (
	"fmt"
	"strings"

	"aox/internal/imapparser"
	"aox/internal/metrics"
)

// CommandState is the lifecycle position of one tagged command.
type CommandState int

const (
	Unparsed CommandState = iota
	Blocked
	Executing
	Finished
	Retired
)

// Groups declare which commands may execute concurrently. The leading
// command's group decides whether followers are promoted.
//
//	0 solitary; 1 UID-based read-only; 2 uses MSNs; 3 changes flags.
const (
	groupSolitary = 0
	groupUIDRead  = 1
	groupMSN      = 2
	groupFlags    = 3
)

// handler is the verb-specific part of a command: parse consumes the
// arguments, execute runs one cooperative step and calls c.finish()
// (or c.error) when the command is done.
type handler interface {
	parse(c *Command)
	execute(c *Command)
}

// commandDef ties a verb to its handler factory and scheduling
// constraints.
type commandDef struct {
	factory func() handler
	group   int
	usesMsn bool
	// states the command may start in
	states []SessionState
}

var commandDefs = map[string]*commandDef{}

func defineCommand(name string, group int, usesMsn bool, states []SessionState, factory func() handler) {
	commandDefs[name] = &commandDef{
		factory: factory,
		group:   group,
		usesMsn: usesMsn,
		states:  states,
	}
}

var (
	anyState       = []SessionState{NotAuthenticated, Authenticated, Selected, Logout}
	authenticated  = []SessionState{Authenticated, Selected}
	selectedOnly   = []SessionState{Selected}
	preAuthOnly    = []SessionState{NotAuthenticated}
)

// Command is one tagged command from parse to retirement.
type Command struct {
	session *Session
	tag     string
	name    string
	parser  *imapparser.Parser

	state   CommandState
	group   int
	usesMsn bool
	ok      bool

	// result of the command, sent as the tagged line
	status     string // "OK", "NO" or "BAD"
	resultText string

	// untagged responses owned by this command, sent immediately
	// before its tagged line
	untagged []string

	handler handler
	def     *commandDef
}

// newCommand creates a command for one complete input line. A nil
// return means the verb is unknown.
func newCommand(s *Session, tag, name string, p *imapparser.Parser) *Command {
	def := commandDefs[strings.ToLower(name)]
	if def == nil {
		return nil
	}
	c := &Command{
		session: s,
		tag:     tag,
		name:    strings.ToLower(name),
		parser:  p,
		state:   Unparsed,
		group:   def.group,
		usesMsn: def.usesMsn,
		ok:      true,
		status:  "OK",
		handler: def.factory(),
		def:     def,
	}
	return c
}

// setState moves the command along its lifecycle.
func (c *Command) setState(s CommandState) {
	c.state = s
}

// parse checks the session state and hands the cursor to the verb
// handler.
func (c *Command) parse() {
	allowed := false
	for _, st := range c.def.states {
		if c.session.state == st {
			allowed = true
		}
	}
	if !allowed {
		c.error("NO", "Not permitted in this state")
		return
	}
	c.handler.parse(c)
	if c.ok && c.parser.Ok() {
		return
	}
	if c.parser.Error() != "" {
		c.error("BAD", c.parser.Error())
	}
}

// execute runs one cooperative step.
func (c *Command) execute() {
	if c.state != Executing {
		return
	}
	if !c.ok {
		c.finish()
		return
	}
	c.handler.execute(c)
}

// respond queues an untagged response owned by this command.
func (c *Command) respond(text string) {
	c.untagged = append(c.untagged, text)
}

// error fails the command with a NO or BAD result. BAD counts as a
// syntax error for the rate limiter.
func (c *Command) error(status, text string) {
	if !c.ok {
		return
	}
	c.ok = false
	c.status = status
	c.resultText = text
	if status == "BAD" {
		c.session.recordSyntaxError()
	}
	if c.state == Unparsed || c.state == Blocked || c.state == Executing {
		c.setState(Finished)
	}
}

// finish completes the command successfully; the text defaults to
// "completed".
func (c *Command) finish() {
	if c.state == Finished || c.state == Retired {
		return
	}
	if c.resultText == "" {
		c.resultText = "completed"
	}
	c.setState(Finished)
}

// emitResponses drains the session's sequencer, then this command's
// own untagged responses, then the tagged line, and retires the
// command.
func (c *Command) emitResponses() {
	s := c.session
	s.emitResponses()

	for _, u := range c.untagged {
		s.send("* " + u)
	}
	c.untagged = nil

	text := c.resultText
	if text == "" {
		text = "completed"
	}
	s.send(fmt.Sprintf("%s %s %s %s", c.tag, c.status, strings.ToUpper(c.name), text))
	metrics.ImapCommands.WithLabelValues(c.name).Inc()
	c.setState(Retired)

	if st, ok := c.handler.(*starttlsHandler); ok {
		st.completeTLS(c)
	}
}
