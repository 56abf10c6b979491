package amcp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GeneralQueue is the queue id for commands without a channel target.
const GeneralQueue = 0

// NoLayer is the Target.Layer value when the target names no layer.
const NoLayer = -1

// Directive controls how a command enters its target queue.
type Directive int

const (
	// DirectiveDefault defers to the verb's descriptor.
	DirectiveDefault Directive = iota
	// DirectiveAddToQueue appends the command behind pending work.
	DirectiveAddToQueue
	// DirectiveImmediatelyAndClear drops pending work of the target first.
	DirectiveImmediatelyAndClear
)

func (d Directive) String() string {
	switch d {
	case DirectiveAddToQueue:
		return "add_to_queue"
	case DirectiveImmediatelyAndClear:
		return "immediately_and_clear"
	default:
		return "default"
	}
}

// ParseSwitch maps a leading /SWITCH token to a directive. Unknown
// switches yield DirectiveDefault.
func ParseSwitch(token string) Directive {
	switch strings.ToUpper(token) {
	case "/APP":
		return DirectiveAddToQueue
	case "/IMMF":
		return DirectiveImmediatelyAndClear
	default:
		return DirectiveDefault
	}
}

// ErrInvalidTarget is returned by ParseTarget for malformed target tokens.
var ErrInvalidTarget = errors.New("invalid target")

// Target addresses a channel and optionally a layer. Channel is zero-based.
type Target struct {
	Channel int
	Layer   int
}

// ParseTarget parses "<channel>[-<layer>]" where channel is 1-based.
func ParseTarget(token string) (Target, error) {
	chPart, layerPart, hasLayer := strings.Cut(token, "-")

	channel, err := parseIndex(chPart)
	if err != nil || channel < 1 {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, token)
	}

	t := Target{Channel: channel - 1, Layer: NoLayer}
	if hasLayer {
		layer, err := parseIndex(layerPart)
		if err != nil {
			return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, token)
		}
		t.Layer = layer
	}
	return t, nil
}

func parseIndex(s string) (int, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(s)
}

// QueueID is the id of the queue serving this target.
func (t Target) QueueID() int {
	return t.Channel + 1
}

// HasLayer reports whether a layer was given.
func (t Target) HasLayer() bool {
	return t.Layer != NoLayer
}

// LayerOr returns the layer, or def when none was given.
func (t Target) LayerOr(def int) int {
	if t.HasLayer() {
		return t.Layer
	}
	return def
}

// String formats the target the way clients write it.
func (t Target) String() string {
	if t.HasLayer() {
		return fmt.Sprintf("%d-%d", t.Channel+1, t.Layer)
	}
	return strconv.Itoa(t.Channel + 1)
}

// Sink delivers text to client sessions. Implementations must be safe for
// concurrent use because replies come from several queue workers.
type Sink interface {
	Send(sessionID, text string) error
	Disconnect(sessionID string) error
}

// Session is the originating client of a command.
type Session struct {
	ID   string
	Sink Sink
}

// Send writes text to the session. A session without a sink drops it.
func (s Session) Send(text string) error {
	if s.Sink == nil {
		return nil
	}
	return s.Sink.Send(s.ID, text)
}

// Disconnect asks the transport to close the session.
func (s Session) Disconnect() error {
	if s.Sink == nil {
		return nil
	}
	return s.Sink.Disconnect(s.ID)
}

// Command is one parsed request, ready to be queued.
type Command struct {
	ID         string
	Verb       string
	Params     []string
	Target     *Target
	Directive  Directive
	Session    Session
	Raw        string
	RequestID  string
	Handle     interface{}
	Descriptor *Descriptor
	ReceivedAt time.Time
}

// QueueID is the id of the queue this command routes to.
func (c *Command) QueueID() int {
	if c.Target == nil {
		return GeneralQueue
	}
	return c.Target.QueueID()
}

// EffectiveDirective resolves DirectiveDefault through the descriptor and
// falls back to DirectiveAddToQueue.
func (c *Command) EffectiveDirective() Directive {
	if c.Directive != DirectiveDefault {
		return c.Directive
	}
	if c.Descriptor != nil && c.Descriptor.Directive != DirectiveDefault {
		return c.Descriptor.Directive
	}
	return DirectiveAddToQueue
}

// Param returns the i-th parameter or "" when absent.
func (c *Command) Param(i int) string {
	if i < 0 || i >= len(c.Params) {
		return ""
	}
	return c.Params[i]
}

// Reply sends text to the originating session, prefixed with the request
// id when the client sent one.
func (c *Command) Reply(text string) error {
	return c.Session.Send(WithRequestID(c.RequestID, text))
}

// WithRequestID prefixes text with "RES <id> " when id is set.
func WithRequestID(requestID, text string) string {
	if requestID == "" {
		return text
	}
	return "RES " + requestID + " " + text
}
