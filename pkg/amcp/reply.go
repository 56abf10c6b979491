package amcp

import (
	"fmt"
	"strings"
)

// Delimiter terminates every protocol line in both directions.
const Delimiter = "\r\n"

// Reply status codes.
const (
	StatusMultiLine         = 200
	StatusData              = 201
	StatusOK                = 202
	StatusUnknownCommand    = 400
	StatusBadTarget         = 401
	StatusMissingParameters = 402
	StatusInvalidParameter  = 403
	StatusNotFound          = 404
	StatusInternal          = 500
	StatusFailed            = 501
	StatusAccessDenied      = 503
	StatusQueueOverflow     = 504
	StatusDiscarded         = 505
)

// Reply is the successful result of an action. The zero value is a plain
// "202 <VERB> OK".
type Reply struct {
	Code  int
	Lines []string
	// Then runs on the queue worker once the reply has been handed to the
	// session. It must not block on the queue it runs on.
	Then func()
}

// OK is a reply without data.
func OK() Reply {
	return Reply{Code: StatusOK}
}

// Data is a reply carrying exactly one data line.
func Data(line string) Reply {
	return Reply{Code: StatusData, Lines: []string{line}}
}

// Lines is a multi-line reply terminated by an empty line.
func Lines(lines ...string) Reply {
	return Reply{Code: StatusMultiLine, Lines: lines}
}

// Format renders the reply for verb.
func (r Reply) Format(verb string) string {
	var b strings.Builder
	switch r.Code {
	case StatusData:
		fmt.Fprintf(&b, "%d %s OK%s", StatusData, verb, Delimiter)
		line := ""
		if len(r.Lines) > 0 {
			line = r.Lines[0]
		}
		b.WriteString(line)
		b.WriteString(Delimiter)
	case StatusMultiLine:
		fmt.Fprintf(&b, "%d %s OK%s", StatusMultiLine, verb, Delimiter)
		for _, line := range r.Lines {
			b.WriteString(line)
			b.WriteString(Delimiter)
		}
		b.WriteString(Delimiter)
	default:
		fmt.Fprintf(&b, "%d %s OK%s", StatusOK, verb, Delimiter)
	}
	return b.String()
}

// OverflowReply is sent when the target queue is at capacity.
func OverflowReply() string {
	return fmt.Sprintf("%d QUEUE OVERFLOW%s", StatusQueueOverflow, Delimiter)
}

// InternalErrorReply is sent when an action panics.
func InternalErrorReply() string {
	return fmt.Sprintf("%d INTERNAL ERROR%s", StatusInternal, Delimiter)
}

// DiscardedReply is sent for a command purged before it started.
func DiscardedReply(verb string) string {
	return fmt.Sprintf("%d %s DISCARDED%s", StatusDiscarded, verb, Delimiter)
}

// FailedReply is "<code> <VERB> FAILED".
func FailedReply(code int, verb string) string {
	return fmt.Sprintf("%d %s FAILED%s", code, verb, Delimiter)
}
