package amcp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/amcpd/internal/tracing"
)

var (
	// ErrUnknownCommand means no registered verb was found (400).
	ErrUnknownCommand = errors.New("unknown command")
	// ErrBadTarget means a required target was missing or unusable (401).
	ErrBadTarget = errors.New("bad target")
	// ErrMissingParameters means fewer parameters than the verb needs (402).
	ErrMissingParameters = errors.New("missing parameters")
	// ErrTargetNotFound is returned by a Resolver for unknown channels.
	ErrTargetNotFound = errors.New("target not found")
)

// Resolver looks up the handle of a zero-based channel.
type Resolver interface {
	ResolveTarget(channel int) (interface{}, error)
}

// ParseError is a synchronous rejection of a protocol line.
type ParseError struct {
	Code      int
	Verb      string
	Line      string
	RequestID string
	Err       error
}

func (e *ParseError) Error() string {
	if e.Verb != "" {
		return fmt.Sprintf("%s %s: %v", e.Verb, e.sentinel(), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.sentinel(), e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *ParseError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.sentinel()}
	}
	return []error{e.sentinel(), e.Err}
}

func (e *ParseError) sentinel() error {
	switch e.Code {
	case StatusBadTarget:
		return ErrBadTarget
	case StatusMissingParameters:
		return ErrMissingParameters
	default:
		return ErrUnknownCommand
	}
}

// Reply renders the error line sent back to the client.
func (e *ParseError) Reply() string {
	var text string
	switch e.Code {
	case StatusBadTarget, StatusMissingParameters:
		text = fmt.Sprintf("%d %s ERROR%s", e.Code, e.Verb, Delimiter)
	default:
		text = fmt.Sprintf("%d ERROR%s%s%s", StatusUnknownCommand, Delimiter, e.Line, Delimiter)
	}
	return WithRequestID(e.RequestID, text)
}

type parseState int

const (
	stateNew parseState = iota
	stateGetSwitch
	stateGetRequest
	stateGetCommand
	stateGetTarget
	stateGetParameters
	stateDone
)

// ParserOptions configures a Parser.
type ParserOptions struct {
	Registry *Registry
	// Resolver validates targets. Without one any well-formed target passes.
	Resolver Resolver
	// ControlVerbs are handled by the caller rather than the registry. A
	// control command has a nil Descriptor and carries the remaining tokens
	// as Params.
	ControlVerbs []string
}

// Parser turns protocol lines into Commands. It is safe for concurrent use.
type Parser struct {
	registry *Registry
	resolver Resolver
	controls map[string]bool
}

// NewParser builds a Parser.
func NewParser(opts ParserOptions) *Parser {
	controls := make(map[string]bool, len(opts.ControlVerbs))
	for _, v := range opts.ControlVerbs {
		controls[strings.ToUpper(v)] = true
	}
	return &Parser{
		registry: opts.Registry,
		resolver: opts.Resolver,
		controls: controls,
	}
}

// IsControl reports whether cmd is a control verb for the caller to handle.
func IsControl(cmd *Command) bool {
	return cmd != nil && cmd.Descriptor == nil
}

// Parse tokenizes and parses one line (without delimiter).
func (p *Parser) Parse(line string, session Session) (*Command, error) {
	return p.ParseTokens(line, Tokenize(line), session)
}

// ParseTokens runs the parse state machine over already tokenized input.
func (p *Parser) ParseTokens(line string, tokens []string, session Session) (*Command, error) {
	cmd := &Command{
		Raw:        line,
		Session:    session,
		ReceivedAt: time.Now(),
	}

	fail := func(code int, err error) (*Command, error) {
		return nil, &ParseError{
			Code:      code,
			Verb:      cmd.Verb,
			Line:      line,
			RequestID: cmd.RequestID,
			Err:       err,
		}
	}

	i := 0
	state := stateNew
	for state != stateDone {
		switch state {
		case stateNew:
			if len(tokens) == 0 {
				return fail(StatusUnknownCommand, errors.New("empty message"))
			}
			if strings.HasPrefix(tokens[0], "/") {
				state = stateGetSwitch
			} else {
				state = stateGetRequest
			}

		case stateGetSwitch:
			cmd.Directive = ParseSwitch(tokens[i])
			i++
			state = stateGetRequest

		case stateGetRequest:
			if i < len(tokens) && strings.EqualFold(tokens[i], "REQ") {
				i++
				if i >= len(tokens) {
					cmd.Verb = "REQ"
					return fail(StatusMissingParameters, errors.New("request id missing"))
				}
				cmd.RequestID = tokens[i]
				i++
			}
			state = stateGetCommand

		case stateGetCommand:
			if i >= len(tokens) {
				return fail(StatusUnknownCommand, errors.New("no verb"))
			}
			cmd.Verb = strings.ToUpper(tokens[i])
			i++

			if p.controls[cmd.Verb] {
				cmd.Params = append([]string(nil), tokens[i:]...)
				state = stateDone
				continue
			}

			desc, ok := p.lookup(cmd.Verb)
			if !ok {
				return fail(StatusUnknownCommand, fmt.Errorf("verb %q not registered", cmd.Verb))
			}
			cmd.Descriptor = desc
			if desc.RequiresTarget {
				state = stateGetTarget
			} else {
				state = stateGetParameters
			}

		case stateGetTarget:
			if i >= len(tokens) {
				return fail(StatusBadTarget, errors.New("target missing"))
			}
			target, err := ParseTarget(tokens[i])
			if err != nil {
				return fail(StatusBadTarget, err)
			}
			if p.resolver != nil {
				handle, err := p.resolver.ResolveTarget(target.Channel)
				if err != nil {
					return fail(StatusBadTarget, err)
				}
				cmd.Handle = handle
			}
			cmd.Target = &target
			i++
			state = stateGetParameters

		case stateGetParameters:
			cmd.Params = append([]string(nil), tokens[i:]...)
			if len(cmd.Params) < cmd.Descriptor.MinParams {
				return fail(StatusMissingParameters, fmt.Errorf("need %d parameters, got %d", cmd.Descriptor.MinParams, len(cmd.Params)))
			}
			state = stateDone
		}
	}

	cmd.ID = tracing.NewCommandID()
	return cmd, nil
}

func (p *Parser) lookup(verb string) (*Descriptor, bool) {
	if p.registry == nil {
		return nil, false
	}
	return p.registry.Lookup(verb)
}
