// Package diagnostics implements the TCF Diagnostics service used to test
// channels end to end.
package diagnostics

import (
	"encoding/json"

	"github.com/danmuck/tcfchan/internal/channel"
	"github.com/danmuck/tcfchan/internal/command"
	"github.com/danmuck/tcfchan/internal/protocol"
	"github.com/danmuck/tcfchan/internal/protocol/errreport"
	"github.com/rs/zerolog/log"
)

const Name = "Diagnostics"

// Server answers Diagnostics commands on one channel.
type Server struct {
	tests []string
}

// New returns a server that lists tests from getTestList.
func New(tests ...string) *Server {
	return &Server{tests: tests}
}

// Factory adapts New to a per-channel service factory.
func Factory(tests ...string) func(*channel.Channel) channel.Service {
	return func(*channel.Channel) channel.Service { return New(tests...) }
}

func (s *Server) Name() string { return Name }

func (s *Server) Command(tok *channel.Token, name string, data []byte) {
	ch := tok.Channel()
	reply, err := s.handle(name, data)
	if err != nil {
		reply, err = protocol.ToJSONSequence(errreport.FromError(err))
		if err != nil {
			log.Error().Err(err).Str("command", name).Msg("diagnostics: encode error reply")
			_ = ch.RejectCommand(tok)
			return
		}
	}
	if reply == nil {
		_ = ch.RejectCommand(tok)
		return
	}
	_ = ch.SendResult(tok, reply)
}

// handle returns a nil reply for unknown commands.
func (s *Server) handle(name string, data []byte) ([]byte, error) {
	switch name {
	case "echo":
		var text string
		if err := protocol.DecodeSequence(data, &text); err != nil {
			return nil, errreport.NewError(errreport.CodeJSONSyntax, "echo: {0}", err.Error())
		}
		return protocol.ToJSONSequence(text)
	case "echoFP":
		var n json.Number
		if err := protocol.DecodeSequence(data, &n); err != nil {
			return nil, errreport.NewError(errreport.CodeInvNumber, "echoFP: {0}", err.Error())
		}
		return protocol.ToJSONSequence(n)
	case "echoERR":
		var report json.RawMessage
		if err := protocol.DecodeSequence(data, &report); err != nil {
			return nil, errreport.NewError(errreport.CodeJSONSyntax, "echoERR: {0}", err.Error())
		}
		r, err := errreport.Parse(report)
		if err != nil {
			return nil, errreport.NewError(errreport.CodeJSONSyntax, "echoERR: {0}", err.Error())
		}
		return protocol.ToJSONSequence(r, nil)
	case "getTestList":
		tests := s.tests
		if tests == nil {
			tests = []string{}
		}
		return protocol.ToJSONSequence(nil, tests)
	default:
		return nil, nil
	}
}

// Echo sends echo(text) and passes the reply to done.
func Echo(ch *channel.Channel, text string, done func(reply string, err error)) *command.Command {
	return command.Send(ch, channel.ServiceName(Name), "echo", []any{text}, func(_ *command.Command, err error, args []json.RawMessage) {
		var reply string
		if err == nil {
			err = command.Decode(args, &reply)
		}
		done(reply, err)
	})
}

// GetTestList sends getTestList and passes the names to done.
func GetTestList(ch *channel.Channel, done func(tests []string, err error)) *command.Command {
	return command.Send(ch, channel.ServiceName(Name), "getTestList", nil, func(cmd *command.Command, err error, args []json.RawMessage) {
		var (
			report json.RawMessage
			tests  []string
		)
		if err == nil {
			err = command.Decode(args, &report, &tests)
		}
		if err == nil {
			err = cmd.ToError(report)
		}
		done(tests, err)
	})
}
