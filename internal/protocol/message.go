package protocol

import "fmt"

// Type is the one-byte wire tag of a message.
type Type byte

const (
	TypeCommand      Type = 'C'
	TypeResult       Type = 'R'
	TypeUnrecognized Type = 'N'
	TypeProgress     Type = 'P'
	TypeEvent        Type = 'E'
	TypeFlowControl  Type = 'F'
)

func (t Type) Valid() bool {
	switch t {
	case TypeCommand, TypeResult, TypeUnrecognized, TypeProgress, TypeEvent, TypeFlowControl:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	switch t {
	case TypeCommand:
		return "command"
	case TypeResult:
		return "result"
	case TypeUnrecognized:
		return "unrecognized"
	case TypeProgress:
		return "progress"
	case TypeEvent:
		return "event"
	case TypeFlowControl:
		return "flow_control"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Message is one logical TCF message. The set of implementations is closed.
type Message interface {
	Type() Type
	Validate() error
	message()
}

// Command asks the remote peer to run Service.Name with Data as arguments.
type Command struct {
	Token   string
	Service string
	Name    string
	Data    []byte
}

// Result is the terminal reply to a command.
type Result struct {
	Token string
	Data  []byte
}

// Progress is an intermediate reply; the token stays outstanding.
type Progress struct {
	Token string
	Data  []byte
}

// Unrecognized tells the sender its command was not handled.
type Unrecognized struct {
	Token string
}

// Event is a fire-and-forget notification.
type Event struct {
	Service string
	Name    string
	Data    []byte
}

// FlowControl carries the sender's congestion level as ASCII decimal.
type FlowControl struct {
	Data []byte
}

func (*Command) Type() Type      { return TypeCommand }
func (*Result) Type() Type       { return TypeResult }
func (*Progress) Type() Type     { return TypeProgress }
func (*Unrecognized) Type() Type { return TypeUnrecognized }
func (*Event) Type() Type        { return TypeEvent }
func (*FlowControl) Type() Type  { return TypeFlowControl }

func (*Command) message()      {}
func (*Result) message()       {}
func (*Progress) message()     {}
func (*Unrecognized) message() {}
func (*Event) message()        {}
func (*FlowControl) message()  {}

func (m *Command) Validate() error {
	if m.Token == "" {
		return fmt.Errorf("%w: command %s.%s", ErrMissingToken, m.Service, m.Name)
	}
	return validateTarget(m.Service, m.Name)
}

func (m *Result) Validate() error       { return validateToken(m.Token) }
func (m *Progress) Validate() error     { return validateToken(m.Token) }
func (m *Unrecognized) Validate() error { return validateToken(m.Token) }
func (m *Event) Validate() error        { return validateTarget(m.Service, m.Name) }
func (m *FlowControl) Validate() error  { return nil }

// TokenOf returns the correlation token carried by m, if any.
func TokenOf(m Message) (string, bool) {
	switch v := m.(type) {
	case *Command:
		return v.Token, true
	case *Result:
		return v.Token, true
	case *Progress:
		return v.Token, true
	case *Unrecognized:
		return v.Token, true
	default:
		return "", false
	}
}

// PayloadOf returns the raw data bytes carried by m.
func PayloadOf(m Message) []byte {
	switch v := m.(type) {
	case *Command:
		return v.Data
	case *Result:
		return v.Data
	case *Progress:
		return v.Data
	case *Event:
		return v.Data
	case *FlowControl:
		return v.Data
	default:
		return nil
	}
}

func validateToken(token string) error {
	if token == "" {
		return ErrMissingToken
	}
	return nil
}

func validateTarget(service, name string) error {
	if service == "" {
		return ErrMissingService
	}
	if name == "" {
		return fmt.Errorf("%w: service %s", ErrMissingName, service)
	}
	return nil
}
