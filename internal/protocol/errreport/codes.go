package errreport

import "strconv"

// Code is a standard TCF error code.
type Code int

const (
	CodeOther            Code = 1
	CodeJSONSyntax       Code = 2
	CodeProtocol         Code = 3
	CodeBufferOverflow   Code = 4
	CodeChannelClosed    Code = 5
	CodeCommandCancelled Code = 6
	CodeUnknownPeer      Code = 7
	CodeBase64           Code = 8
	CodeEOF              Code = 9
	CodeAlreadyStopped   Code = 10
	CodeAlreadyExited    Code = 11
	CodeAlreadyRunning   Code = 12
	CodeAlreadyAttached  Code = 13
	CodeIsRunning        Code = 14
	CodeInvDataSize      Code = 15
	CodeInvContext       Code = 16
	CodeInvAddress       Code = 17
	CodeInvExpression    Code = 18
	CodeInvFormat        Code = 19
	CodeInvNumber        Code = 20
	CodeInvDwarf         Code = 21
	CodeSymNotFound      Code = 22
	CodeUnsupported      Code = 23
	CodeInvDataType      Code = 24
	CodeInvCommand       Code = 25
	CodeInvTransport     Code = 26
	CodeCacheMiss        Code = 27
	CodeNotActive        Code = 28
)

var codeText = map[Code]string{
	CodeOther:            "Unspecified failure",
	CodeJSONSyntax:       "JSON syntax error",
	CodeProtocol:         "Protocol format error",
	CodeBufferOverflow:   "Buffer overflow",
	CodeChannelClosed:    "Channel closed",
	CodeCommandCancelled: "Command canceled",
	CodeUnknownPeer:      "Unknown peer",
	CodeBase64:           "Invalid BASE64 string",
	CodeEOF:              "End of file",
	CodeAlreadyStopped:   "Already stopped",
	CodeAlreadyExited:    "Already exited",
	CodeAlreadyRunning:   "Already running",
	CodeAlreadyAttached:  "Already attached",
	CodeIsRunning:        "Execution context is running",
	CodeInvDataSize:      "Invalid data size",
	CodeInvContext:       "Invalid context",
	CodeInvAddress:       "Invalid address",
	CodeInvExpression:    "Invalid expression",
	CodeInvFormat:        "Invalid format",
	CodeInvNumber:        "Invalid number",
	CodeInvDwarf:         "Error reading DWARF data",
	CodeSymNotFound:      "Symbol not found",
	CodeUnsupported:      "Unsupported command",
	CodeInvDataType:      "Invalid data type",
	CodeInvCommand:       "Command is not recognized",
	CodeInvTransport:     "Invalid transport name",
	CodeCacheMiss:        "Invalid data cache state",
	CodeNotActive:        "Context is not active",
}

// Text is the default human readable message for c.
func (c Code) Text() string {
	if s, ok := codeText[c]; ok {
		return s
	}
	return "Error code " + strconv.Itoa(int(c))
}

func (c Code) String() string {
	return strconv.Itoa(int(c))
}

// Severity of an error report.
type Severity int

const (
	SeverityError   Severity = 0
	SeverityWarning Severity = 1
	SeverityFatal   Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "Error"
	case SeverityWarning:
		return "Warning"
	case SeverityFatal:
		return "Fatal"
	default:
		return "Severity " + strconv.Itoa(int(s))
	}
}
