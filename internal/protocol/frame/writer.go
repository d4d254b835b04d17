package frame

import (
	"fmt"
	"strings"

	"github.com/danmuck/tcfchan/internal/protocol"
)

// Writer encodes messages onto a Transport. It reuses one buffer and is not
// safe for concurrent use.
type Writer struct {
	t   Transport
	buf []byte
}

func NewWriter(t Transport) *Writer {
	return &Writer{t: t, buf: make([]byte, 0, 256)}
}

// WriteMessage writes m followed by EOM. It does not flush.
func (w *Writer) WriteMessage(m protocol.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	buf, err := AppendMessage(w.buf[:0], m)
	if err != nil {
		return err
	}
	w.buf = buf
	if err := w.t.WriteBlock(buf); err != nil {
		return err
	}
	return w.t.Write(EOM)
}

// WriteEndOfStream writes EOS, the optional JSON error report, EOM, and
// flushes the transport.
func (w *Writer) WriteEndOfStream(report []byte) error {
	if err := w.t.Write(EOS); err != nil {
		return err
	}
	if len(report) > 0 {
		if err := w.t.WriteBlock(report); err != nil {
			return err
		}
	}
	if err := w.t.Write(EOM); err != nil {
		return err
	}
	return w.t.Flush()
}

func (w *Writer) Flush() error {
	return w.t.Flush()
}

// AppendMessage appends the unescaped wire form of m, without EOM, to dst.
func AppendMessage(dst []byte, m protocol.Message) ([]byte, error) {
	dst = append(dst, byte(m.Type()), 0)
	var err error
	switch v := m.(type) {
	case *protocol.Command:
		if dst, err = appendString(dst, v.Token); err != nil {
			return nil, err
		}
		if dst, err = appendString(dst, v.Service); err != nil {
			return nil, err
		}
		if dst, err = appendString(dst, v.Name); err != nil {
			return nil, err
		}
		dst = append(dst, v.Data...)
	case *protocol.Result:
		if dst, err = appendString(dst, v.Token); err != nil {
			return nil, err
		}
		dst = append(dst, v.Data...)
	case *protocol.Progress:
		if dst, err = appendString(dst, v.Token); err != nil {
			return nil, err
		}
		dst = append(dst, v.Data...)
	case *protocol.Unrecognized:
		if dst, err = appendString(dst, v.Token); err != nil {
			return nil, err
		}
	case *protocol.Event:
		if dst, err = appendString(dst, v.Service); err != nil {
			return nil, err
		}
		if dst, err = appendString(dst, v.Name); err != nil {
			return nil, err
		}
		dst = append(dst, v.Data...)
	case *protocol.FlowControl:
		dst = append(dst, v.Data...)
	default:
		return nil, fmt.Errorf("%w: %T", protocol.ErrInvalidType, m)
	}
	return dst, nil
}

func appendString(dst []byte, s string) ([]byte, error) {
	if strings.IndexByte(s, 0) >= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidString, s)
	}
	dst = append(dst, s...)
	return append(dst, 0), nil
}
