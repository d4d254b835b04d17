// Package errreport implements the TCF error report object carried in command
// results and in end-of-stream messages.
package errreport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidReport = errors.New("errreport: invalid error report")

// Report is the JSON error object. Code is the only required key.
type Report struct {
	Code     Code     `json:"Code"`
	Time     int64    `json:"Time,omitempty"`
	Service  string   `json:"Service,omitempty"`
	Format   string   `json:"Format,omitempty"`
	Params   []any    `json:"Params,omitempty"`
	Severity Severity `json:"Severity,omitempty"`
	AltCode  int      `json:"AltCode,omitempty"`
	AltOrg   string   `json:"AltOrg,omitempty"`
	CausedBy *Report  `json:"CausedBy,omitempty"`
}

// New returns a report stamped with the current time.
func New(code Code, format string, params ...any) Report {
	return Report{
		Code:   code,
		Time:   time.Now().UnixMilli(),
		Format: format,
		Params: params,
	}
}

// Parse decodes a JSON error report.
func Parse(raw []byte) (Report, error) {
	var r Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return Report{}, fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}
	if r.Code == 0 {
		return Report{}, fmt.Errorf("%w: missing Code", ErrInvalidReport)
	}
	return r, nil
}

func (r Report) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Message renders Format with {N} placeholders replaced by Params[N].
// An empty Format falls back to the code text.
func (r Report) Message() string {
	if r.Format == "" {
		return r.Code.Text()
	}
	if len(r.Params) == 0 || !strings.Contains(r.Format, "{") {
		return r.Format
	}
	var b strings.Builder
	s := r.Format
	for {
		open := strings.IndexByte(s, '{')
		if open < 0 {
			b.WriteString(s)
			break
		}
		end := strings.IndexByte(s[open:], '}')
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += open
		idx, err := strconv.Atoi(s[open+1 : end])
		b.WriteString(s[:open])
		if err != nil || idx < 0 || idx >= len(r.Params) {
			b.WriteString(s[open : end+1])
		} else {
			b.WriteString(formatParam(r.Params[idx]))
		}
		s = s[end+1:]
	}
	return b.String()
}

func formatParam(v any) string {
	switch p := v.(type) {
	case nil:
		return "null"
	case string:
		return p
	case float64:
		return strconv.FormatFloat(p, 'f', -1, 64)
	default:
		return fmt.Sprint(p)
	}
}

// FormatProps renders the report's secondary properties one per line,
// followed by a recursive "Caused by:" block.
func FormatProps(r Report) string {
	var b strings.Builder
	if r.Time != 0 {
		fmt.Fprintf(&b, "Time: %s\n", time.UnixMilli(r.Time).UTC().Format(time.RFC3339Nano))
	}
	fmt.Fprintf(&b, "Code: %d\n", r.Code)
	if r.Service != "" {
		fmt.Fprintf(&b, "Service: %s\n", r.Service)
	}
	fmt.Fprintf(&b, "Severity: %s\n", r.Severity)
	if r.AltCode != 0 {
		fmt.Fprintf(&b, "Alt code: %d\n", r.AltCode)
	}
	if r.AltOrg != "" {
		fmt.Fprintf(&b, "Alt org: %s\n", r.AltOrg)
	}
	if r.CausedBy != nil {
		b.WriteString("Caused by:\n")
		b.WriteString(r.CausedBy.Message())
		b.WriteByte('\n')
		b.WriteString(FormatProps(*r.CausedBy))
	}
	return b.String()
}

// Error is a Go error backed by a report.
type Error struct {
	Report Report
	// Text overrides Report.Message() when set.
	Text string
}

func NewError(code Code, format string, params ...any) *Error {
	return &Error{Report: New(code, format, params...)}
}

func (e *Error) Error() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Report.Message()
}

func (e *Error) Code() Code {
	return e.Report.Code
}

// Unwrap exposes the cause report as an error chain.
func (e *Error) Unwrap() error {
	if e.Report.CausedBy == nil {
		return nil
	}
	return &Error{Report: *e.Report.CausedBy}
}

// HasCode reports whether any report in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var re *Error
		if !errors.As(err, &re) {
			return false
		}
		if re.Report.Code == code {
			return true
		}
		err = re.Unwrap()
	}
	return false
}

// FromError converts err into a report. A wrapped *Error keeps its report;
// anything else becomes CodeOther with the error text.
func FromError(err error) Report {
	if err == nil {
		return Report{}
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Report
	}
	return New(CodeOther, err.Error())
}
