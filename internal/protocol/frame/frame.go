package frame

import (
	"errors"
	"fmt"

	"github.com/danmuck/tcfchan/internal/protocol/errreport"
)

const (
	// EOM marks the end of one message.
	EOM = -1
	// EOS marks the end of the stream.
	EOS = -2
)

var (
	ErrSyntax          = errors.New("frame: protocol syntax error")
	ErrUnexpectedEOM   = errors.New("frame: unexpected end of message")
	ErrRemoteClosed    = errors.New("frame: remote peer closed stream inside a message")
	ErrInvalidString   = errors.New("frame: string contains NUL")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrStringTooLarge  = errors.New("frame: header string too large")
)

// Transport is the byte-level contract between the codec and a binding.
//
// Read returns one byte (0-255), EOM or EOS. Write accepts the same values.
// Stop must unblock any goroutine parked in Read or Write.
type Transport interface {
	Read() (int, error)
	Write(n int) error
	WriteBlock(b []byte) error
	Flush() error
	Stop() error
}

// Limits constrains decode memory use.
type Limits struct {
	MaxStringBytes  int
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxStringBytes:  64 * 1024,
		MaxPayloadBytes: 64 * 1024 * 1024,
	}
}

// RemoteError is returned when the peer ends the stream with an error report.
type RemoteError struct {
	Err *errreport.Error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("frame: remote peer terminated channel: %s", e.Err.Error())
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}
