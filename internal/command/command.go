// Package command wraps a channel command and the JSON sequence decoding of
// its result into a single completion callback.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/tcfchan/internal/channel"
	"github.com/danmuck/tcfchan/internal/protocol"
	"github.com/danmuck/tcfchan/internal/protocol/errreport"
)

var (
	ErrCannotSend = errors.New("command: cannot send command")
	ErrArgCount   = errors.New("command: unexpected number of result arguments")
)

// DoneFunc receives the outcome of a command. err is set when the command
// could not be sent, was terminated, or returned a malformed result; args
// holds the decoded result sequence otherwise.
type DoneFunc func(cmd *Command, err error, args []json.RawMessage)

// Command is one in-flight request sent through Send.
type Command struct {
	ch      *channel.Channel
	service string
	name    string
	args    []any
	token   *channel.Token
	done    DoneFunc
	settled bool
}

// Send marshals args, sends service.name on ch, and calls done exactly once.
// When the command cannot be queued done still runs, asynchronously on the
// dispatcher, and the returned Command has no token. Must be called on the
// dispatch goroutine.
func Send(ch *channel.Channel, service channel.Service, name string, args []any, done DoneFunc) *Command {
	cmd := &Command{
		ch:      ch,
		service: service.Name(),
		name:    name,
		args:    args,
		done:    done,
	}
	data, err := protocol.ToJSONSequence(args...)
	if err == nil {
		cmd.token, err = ch.SendCommand(service, name, data, cmd)
	}
	if err != nil {
		cause := fmt.Errorf("%w %s: %w", ErrCannotSend, cmd.String(), err)
		ch.Dispatcher().Invoke(func() { cmd.finish(cause, nil) })
	}
	return cmd
}

// Token is nil when the command was never queued.
func (c *Command) Token() *channel.Token {
	return c.token
}

func (c *Command) Service() string {
	return c.service
}

func (c *Command) Name() string {
	return c.name
}

func (c *Command) Args() []any {
	return c.args
}

// Cancel withdraws the command if it has not been transmitted. A canceled
// command never calls done.
func (c *Command) Cancel() bool {
	if c.token == nil || c.settled {
		return false
	}
	if !c.token.Cancel() {
		return false
	}
	c.settled = true
	return true
}

func (c *Command) Progress(*channel.Token, []byte) {}

func (c *Command) Result(_ *channel.Token, data []byte) {
	args, err := protocol.ParseSequence(data)
	if err != nil {
		c.finish(fmt.Errorf("command %s: %w", c.String(), err), nil)
		return
	}
	c.finish(nil, args)
}

func (c *Command) Terminated(_ *channel.Token, err error) {
	c.finish(err, nil)
}

func (c *Command) finish(err error, args []json.RawMessage) {
	if c.settled {
		return
	}
	c.settled = true
	if c.done != nil {
		c.done(c, err, args)
	}
}

// String renders the command as "<service> <name> <arg>, <arg>" with JSON
// encoded arguments.
func (c *Command) String() string {
	var b strings.Builder
	b.WriteString(c.service)
	b.WriteByte(' ')
	b.WriteString(c.name)
	for i, arg := range c.args {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		raw, err := json.Marshal(arg)
		if err != nil {
			fmt.Fprintf(&b, "%v", arg)
			continue
		}
		b.Write(raw)
	}
	return b.String()
}

// ToError converts an error report result element into an error. JSON null
// and an empty element mean success.
func (c *Command) ToError(raw json.RawMessage) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	report, err := errreport.Parse(raw)
	if err != nil {
		// older agents report errors as plain strings
		var text string
		if json.Unmarshal(raw, &text) != nil {
			text = trimmed
		}
		report = errreport.New(errreport.CodeOther, text)
		report.Time = 0
	}
	return &errreport.Error{Report: report, Text: c.errorText(report)}
}

func (c *Command) errorText(r errreport.Report) string {
	var b strings.Builder
	b.WriteString("TCF error report:\n")
	fmt.Fprintf(&b, "Command: %s\n", c.String())
	fmt.Fprintf(&b, "Error: %s\n", r.Message())
	b.WriteString(errreport.FormatProps(r))
	return strings.TrimRight(b.String(), "\n")
}

// ExpectArgs checks the length of a result sequence.
func ExpectArgs(args []json.RawMessage, n int) error {
	if len(args) != n {
		return fmt.Errorf("%w: want %d, got %d", ErrArgCount, n, len(args))
	}
	return nil
}

// Decode is ExpectArgs followed by unmarshaling element i into targets[i].
// Nil targets are skipped.
func Decode(args []json.RawMessage, targets ...any) error {
	if err := ExpectArgs(args, len(targets)); err != nil {
		return err
	}
	for i, target := range targets {
		if target == nil {
			continue
		}
		if err := json.Unmarshal(args[i], target); err != nil {
			return fmt.Errorf("%w: element %d: %w", protocol.ErrInvalidJSON, i, err)
		}
	}
	return nil
}
