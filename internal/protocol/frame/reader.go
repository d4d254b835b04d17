package frame

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/danmuck/tcfchan/internal/protocol"
	"github.com/danmuck/tcfchan/internal/protocol/errreport"
)

// Reader decodes messages from a Transport. It is not safe for concurrent use.
type Reader struct {
	t      Transport
	limits Limits
	sb     strings.Builder
}

func NewReader(t Transport, limits Limits) *Reader {
	return &Reader{t: t, limits: limits}
}

// ReadMessage returns the next message. A clean end of stream yields io.EOF;
// an end of stream carrying an error report yields *RemoteError.
func (r *Reader) ReadMessage() (protocol.Message, error) {
	for {
		n, err := r.t.Read()
		if err != nil {
			return nil, err
		}
		switch n {
		case EOM:
			continue
		case EOS:
			return nil, r.readEndOfStream()
		}
		typ := protocol.Type(n)
		if n < 0 || n > 255 || !typ.Valid() {
			return nil, fmt.Errorf("%w: invalid message type %d", ErrSyntax, n)
		}
		if err := r.readSeparator(); err != nil {
			return nil, err
		}
		return r.readBody(typ)
	}
}

func (r *Reader) readBody(typ protocol.Type) (protocol.Message, error) {
	switch typ {
	case protocol.TypeCommand:
		token, err := r.readString()
		if err != nil {
			return nil, err
		}
		service, err := r.readString()
		if err != nil {
			return nil, err
		}
		name, err := r.readString()
		if err != nil {
			return nil, err
		}
		data, err := r.readData()
		if err != nil {
			return nil, err
		}
		return &protocol.Command{Token: token, Service: service, Name: name, Data: data}, nil

	case protocol.TypeResult, protocol.TypeProgress:
		token, err := r.readString()
		if err != nil {
			return nil, err
		}
		data, err := r.readData()
		if err != nil {
			return nil, err
		}
		if typ == protocol.TypeResult {
			return &protocol.Result{Token: token, Data: data}, nil
		}
		return &protocol.Progress{Token: token, Data: data}, nil

	case protocol.TypeUnrecognized:
		token, err := r.readString()
		if err != nil {
			return nil, err
		}
		if _, err := r.readData(); err != nil {
			return nil, err
		}
		return &protocol.Unrecognized{Token: token}, nil

	case protocol.TypeEvent:
		service, err := r.readString()
		if err != nil {
			return nil, err
		}
		name, err := r.readString()
		if err != nil {
			return nil, err
		}
		data, err := r.readData()
		if err != nil {
			return nil, err
		}
		return &protocol.Event{Service: service, Name: name, Data: data}, nil

	default:
		data, err := r.readData()
		if err != nil {
			return nil, err
		}
		return &protocol.FlowControl{Data: data}, nil
	}
}

func (r *Reader) readSeparator() error {
	n, err := r.t.Read()
	if err != nil {
		return err
	}
	switch n {
	case 0:
		return nil
	case EOM:
		return ErrUnexpectedEOM
	case EOS:
		return ErrRemoteClosed
	default:
		return fmt.Errorf("%w: missing NUL after message type", ErrSyntax)
	}
}

// readData collects raw bytes up to EOM. NUL bytes are payload.
func (r *Reader) readData() ([]byte, error) {
	var buf []byte
	for {
		n, err := r.t.Read()
		if err != nil {
			return nil, err
		}
		switch n {
		case EOM:
			return buf, nil
		case EOS:
			return nil, ErrRemoteClosed
		}
		if r.limits.MaxPayloadBytes > 0 && len(buf) >= r.limits.MaxPayloadBytes {
			return nil, ErrPayloadTooLarge
		}
		buf = append(buf, byte(n))
	}
}

// readString decodes a NUL terminated string. Sequences of up to six bytes
// are accepted, and a surrogate pair sent as two three-byte sequences is
// joined into one code point.
func (r *Reader) readString() (string, error) {
	r.sb.Reset()
	var high rune = -1
	for {
		n, err := r.t.Read()
		if err != nil {
			return "", err
		}
		switch n {
		case 0:
			if high >= 0 {
				r.sb.WriteRune(utf8.RuneError)
			}
			return r.sb.String(), nil
		case EOM:
			return "", ErrUnexpectedEOM
		case EOS:
			return "", ErrRemoteClosed
		}
		ch, err := r.decodeRune(n)
		if err != nil {
			return "", err
		}
		switch {
		case utf16.IsSurrogate(ch) && ch < 0xDC00:
			if high >= 0 {
				r.sb.WriteRune(utf8.RuneError)
			}
			high = ch
			continue
		case high >= 0 && utf16.IsSurrogate(ch):
			r.sb.WriteRune(utf16.DecodeRune(high, ch))
			high = -1
		case high >= 0:
			r.sb.WriteRune(utf8.RuneError)
			r.sb.WriteRune(ch)
			high = -1
		default:
			// WriteRune maps lone low surrogates and out of range values to U+FFFD.
			r.sb.WriteRune(ch)
		}
		if r.limits.MaxStringBytes > 0 && r.sb.Len() > r.limits.MaxStringBytes {
			return "", ErrStringTooLarge
		}
	}
}

func (r *Reader) decodeRune(first int) (rune, error) {
	var ch rune
	var extra int
	switch {
	case first < 0x80:
		return rune(first), nil
	case first&0xe0 == 0xc0:
		ch, extra = rune(first&0x1f), 1
	case first&0xf0 == 0xe0:
		ch, extra = rune(first&0x0f), 2
	case first&0xf8 == 0xf0:
		ch, extra = rune(first&0x07), 3
	case first&0xfc == 0xf8:
		ch, extra = rune(first&0x03), 4
	case first&0xfe == 0xfc:
		ch, extra = rune(first&0x01), 5
	default:
		return utf8.RuneError, nil
	}
	for i := 0; i < extra; i++ {
		n, err := r.t.Read()
		if err != nil {
			return 0, err
		}
		switch n {
		case EOM:
			return 0, ErrUnexpectedEOM
		case EOS:
			return 0, ErrRemoteClosed
		}
		ch = ch<<6 | rune(n&0x3f)
	}
	return ch, nil
}

func (r *Reader) readEndOfStream() error {
	var buf []byte
	for {
		n, err := r.t.Read()
		if err != nil {
			return err
		}
		if n == EOM || n == EOS {
			break
		}
		buf = append(buf, byte(n))
	}
	if len(buf) == 0 {
		return io.EOF
	}
	report, err := errreport.Parse(buf)
	if err != nil {
		report = errreport.Report{Code: errreport.CodeOther, Format: string(buf)}
	}
	return &RemoteError{Err: &errreport.Error{Report: report}}
}
