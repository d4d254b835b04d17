package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	ESC = 3

	escLiteral = 0
	escEOM     = 1
	escEOS     = 2
	escBlock   = 3

	// Runs of at least this many bytes go out as a raw block when enabled.
	blockThreshold = 32
)

type flusher interface {
	Flush() error
}

// EscapeTransport maps the EOM/EOS markers onto a plain byte stream.
//
//	ESC 0          literal 3
//	ESC 1          EOM
//	ESC 2          EOS
//	ESC 3 n bytes  raw block of n bytes (n as uvarint)
//
// A physical EOF reads as EOS. Reads and writes may run on separate
// goroutines; each side must stay on one goroutine.
type EscapeTransport struct {
	r      *bufio.Reader
	w      *bufio.Writer
	next   flusher
	closer io.Closer

	block    uint64
	zeroCopy atomic.Bool
	eof      bool

	stopOnce sync.Once
	stopErr  error
}

// NewEscapeTransport wraps r and w. If w has its own Flush it is called after
// the buffered bytes are written, which lets packet bindings frame messages.
func NewEscapeTransport(r io.Reader, w io.Writer, closer io.Closer) *EscapeTransport {
	t := &EscapeTransport{
		r:      bufio.NewReader(r),
		w:      bufio.NewWriter(w),
		closer: closer,
	}
	if f, ok := w.(flusher); ok {
		t.next = f
	}
	return t
}

// EnableZeroCopy turns raw block writes on or off. Readers always accept
// blocks; writers only emit them once the peer advertised support.
func (t *EscapeTransport) EnableZeroCopy(on bool) {
	t.zeroCopy.Store(on)
}

func (t *EscapeTransport) Read() (int, error) {
	if t.eof {
		return EOS, nil
	}
	for {
		b, err := t.r.ReadByte()
		if err != nil {
			return t.readErr(err)
		}
		if t.block > 0 {
			t.block--
			return int(b), nil
		}
		if b != ESC {
			return int(b), nil
		}
		code, err := t.r.ReadByte()
		if err != nil {
			return t.readErr(err)
		}
		switch code {
		case escLiteral:
			return ESC, nil
		case escEOM:
			return EOM, nil
		case escEOS:
			return EOS, nil
		case escBlock:
			n, err := binary.ReadUvarint(t.r)
			if err != nil {
				return t.readErr(err)
			}
			t.block = n
		default:
			return 0, fmt.Errorf("%w: invalid escape sequence %d", ErrSyntax, code)
		}
	}
}

func (t *EscapeTransport) readErr(err error) (int, error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		t.eof = true
		return EOS, nil
	}
	return 0, err
}

func (t *EscapeTransport) Write(n int) error {
	switch {
	case n == EOM:
		_, err := t.w.Write([]byte{ESC, escEOM})
		return err
	case n == EOS:
		_, err := t.w.Write([]byte{ESC, escEOS})
		return err
	case n == ESC:
		_, err := t.w.Write([]byte{ESC, escLiteral})
		return err
	case n < 0 || n > 255:
		return fmt.Errorf("frame: invalid byte value %d", n)
	default:
		return t.w.WriteByte(byte(n))
	}
}

func (t *EscapeTransport) WriteBlock(b []byte) error {
	if t.zeroCopy.Load() && len(b) >= blockThreshold {
		var hdr [2 + binary.MaxVarintLen64]byte
		hdr[0], hdr[1] = ESC, escBlock
		n := binary.PutUvarint(hdr[2:], uint64(len(b)))
		if _, err := t.w.Write(hdr[:2+n]); err != nil {
			return err
		}
		_, err := t.w.Write(b)
		return err
	}
	for _, c := range b {
		if c == ESC {
			if _, err := t.w.Write([]byte{ESC, escLiteral}); err != nil {
				return err
			}
			continue
		}
		if err := t.w.WriteByte(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *EscapeTransport) Flush() error {
	if err := t.w.Flush(); err != nil {
		return err
	}
	if t.next != nil {
		return t.next.Flush()
	}
	return nil
}

func (t *EscapeTransport) Stop() error {
	t.stopOnce.Do(func() {
		if t.closer != nil {
			t.stopErr = t.closer.Close()
		}
	})
	return t.stopErr
}
