package dispatcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/amcpd/internal/observability"
	"github.com/harun/amcpd/internal/tracing"
	"github.com/harun/amcpd/pkg/amcp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMaxMessageBytes bounds a session buffer that has not seen a
// delimiter yet.
const DefaultMaxMessageBytes = 64 * 1024

// Control verbs handled here instead of through the registry.
const (
	verbPing    = "PING"
	verbBegin   = "BEGIN"
	verbCommit  = "COMMIT"
	verbDiscard = "DISCARD"
)

var (
	ErrNoRegistry = errors.New("dispatcher requires a command registry")
	ErrNoRouter   = errors.New("dispatcher requires a router")
)

// Router accepts parsed commands. *commandqueue.Table implements it.
type Router interface {
	// Route queues cmd on the queue its target selects.
	Route(ctx context.Context, cmd *amcp.Command) error
	// Enqueue queues cmd like Route and calls done once it has been
	// answered. done is not called when Enqueue returns an error.
	Enqueue(ctx context.Context, cmd *amcp.Command, done func(error)) error
}

// Options configures a Dispatcher.
type Options struct {
	Registry        *amcp.Registry
	Resolver        amcp.Resolver
	Router          Router
	Sink            amcp.Sink
	MaxMessageBytes int
	Logger          *zerolog.Logger
}

// session is the per-connection protocol state.
type session struct {
	id string

	mu       sync.Mutex
	buf      []byte
	inBatch  bool
	batch    []*amcp.Command
	batchReq string
}

// Dispatcher turns raw session bytes into routed commands.
type Dispatcher struct {
	parser   *amcp.Parser
	router   Router
	sink     amcp.Sink
	maxBytes int
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New creates a Dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Registry == nil {
		return nil, ErrNoRegistry
	}
	if opts.Router == nil {
		return nil, ErrNoRouter
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = DefaultMaxMessageBytes
	}

	var base zerolog.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	} else {
		base = log.Logger
	}

	observability.EnsureRegistered()

	return &Dispatcher{
		parser: amcp.NewParser(amcp.ParserOptions{
			Registry:     opts.Registry,
			Resolver:     opts.Resolver,
			ControlVerbs: []string{verbPing, verbBegin, verbCommit, verbDiscard},
		}),
		router:   opts.Router,
		sink:     opts.Sink,
		maxBytes: opts.MaxMessageBytes,
		logger:   base.With().Str("component", "dispatcher").Logger(),
		sessions: make(map[string]*session),
	}, nil
}

// OnData appends bytes received from a session and processes every
// complete line. Bytes after the last delimiter are kept for the next call.
func (d *Dispatcher) OnData(ctx context.Context, sessionID string, data []byte) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := d.session(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, data...)
	delim := []byte(amcp.Delimiter)
	for {
		idx := bytes.Index(s.buf, delim)
		if idx < 0 {
			break
		}
		line := string(s.buf[:idx])
		s.buf = s.buf[idx+len(delim):]
		d.processLine(ctx, s, line)
	}

	if len(s.buf) > d.maxBytes {
		d.logger.Warn().
			Str("session_id", sessionID).
			Int("buffered", len(s.buf)).
			Msg("Dropping oversized message")
		s.buf = nil
		observability.RecordParseError(amcp.StatusUnknownCommand)
		d.send(sessionID, fmt.Sprintf("%d ERROR%smessage too long%s", amcp.StatusUnknownCommand, amcp.Delimiter, amcp.Delimiter))
		return
	}

	// Compact so the buffer does not pin an ever-growing backing array.
	if len(s.buf) == 0 {
		s.buf = nil
	} else {
		s.buf = append([]byte(nil), s.buf...)
	}
}

// HandleLine processes one complete line for a session as if it had been
// received with a trailing delimiter.
func (d *Dispatcher) HandleLine(ctx context.Context, sessionID, line string) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := d.session(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	d.processLine(ctx, s, line)
}

// Close forgets a session's buffered bytes and open batch.
func (d *Dispatcher) Close(sessionID string) {
	d.mu.Lock()
	s, ok := d.sessions[sessionID]
	delete(d.sessions, sessionID)
	d.mu.Unlock()

	if !ok {
		return
	}
	s.mu.Lock()
	dropped := len(s.batch)
	s.buf = nil
	s.batch = nil
	s.inBatch = false
	s.mu.Unlock()

	d.logger.Debug().
		Str("session_id", sessionID).
		Int("droppedBatch", dropped).
		Msg("Session closed")
}

// Sessions returns the number of sessions with protocol state.
func (d *Dispatcher) Sessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (d *Dispatcher) session(id string) *session {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sessions[id]
	if !ok {
		s = &session{id: id}
		d.sessions[id] = s
	}
	return s
}

// processLine handles one line. Caller holds s.mu.
func (d *Dispatcher) processLine(ctx context.Context, s *session, line string) {
	if strings.TrimSpace(line) == "" {
		return
	}

	ctx = tracing.NewLineContext(ctx, s.id)
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerDispatcher,
		"dispatcher.line",
		attribute.String("session_id", s.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, d.logger)
	logger.Info().Str("line", line).Msg("Received message")

	cmd, err := d.parser.Parse(line, amcp.Session{ID: s.id, Sink: d.sink})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		var pe *amcp.ParseError
		if errors.As(err, &pe) {
			observability.RecordParseError(pe.Code)
			logger.Debug().Int("code", pe.Code).Err(err).Msg("Rejected message")
			d.send(s.id, pe.Reply())
			return
		}
		observability.RecordParseError(amcp.StatusInternal)
		logger.Error().Err(err).Msg("Failed to parse message")
		d.send(s.id, fmt.Sprintf("%d FAILED%s", amcp.StatusInternal, amcp.Delimiter))
		return
	}

	span.SetAttributes(attribute.String("verb", cmd.Verb))

	if amcp.IsControl(cmd) {
		d.control(ctx, s, cmd)
		return
	}

	if s.inBatch {
		s.batch = append(s.batch, cmd)
		logger.Debug().Str("verb", cmd.Verb).Int("batchSize", len(s.batch)).Msg("Command added to batch")
		return
	}

	if err := d.router.Route(ctx, cmd); err != nil {
		logger.Warn().Str("verb", cmd.Verb).Err(err).Msg("Failed to route command")
		observability.RecordParseError(amcp.StatusBadTarget)
		d.send(s.id, amcp.WithRequestID(cmd.RequestID, fmt.Sprintf("%d %s ERROR%s", amcp.StatusBadTarget, cmd.Verb, amcp.Delimiter)))
	}
}

func (d *Dispatcher) control(ctx context.Context, s *session, cmd *amcp.Command) {
	switch cmd.Verb {
	case verbPing:
		pong := "PONG"
		if len(cmd.Params) > 0 {
			pong += " " + strings.Join(cmd.Params, " ")
		}
		d.send(s.id, amcp.WithRequestID(cmd.RequestID, pong+amcp.Delimiter))

	case verbBegin:
		if s.inBatch {
			d.rejectControl(s, cmd)
			return
		}
		s.inBatch = true
		s.batch = nil
		s.batchReq = cmd.RequestID
		d.send(s.id, amcp.WithRequestID(cmd.RequestID, amcp.OK().Format(verbBegin)))

	case verbDiscard:
		if !s.inBatch {
			d.rejectControl(s, cmd)
			return
		}
		s.inBatch = false
		s.batch = nil
		d.send(s.id, amcp.WithRequestID(cmd.RequestID, amcp.OK().Format(verbDiscard)))

	case verbCommit:
		if !s.inBatch {
			d.rejectControl(s, cmd)
			return
		}
		batch := s.batch
		s.inBatch = false
		s.batch = nil

		reqID := cmd.RequestID
		if reqID == "" {
			reqID = s.batchReq
		}
		b := &batchRun{d: d, ctx: ctx, sessionID: s.id, reqID: reqID, cmds: batch}
		b.next(0)
	}
}

// batchRun feeds a committed batch through the queues one command at a
// time. Each command enters its target's FIFO behind whatever is already
// queued there, and the next one is queued from the previous one's
// completion, so no queue worker ever waits on another queue.
type batchRun struct {
	d         *Dispatcher
	ctx       context.Context
	sessionID string
	reqID     string
	cmds      []*amcp.Command

	failed int
}

func (b *batchRun) next(i int) {
	for ; i < len(b.cmds); i++ {
		cmd := b.cmds[i]
		next := i + 1
		err := b.d.router.Enqueue(b.ctx, cmd, func(err error) {
			if err != nil {
				b.failed++
			}
			b.next(next)
		})
		if err == nil {
			return
		}
		b.failed++
		b.d.logger.Warn().Str("session_id", b.sessionID).Str("verb", cmd.Verb).Err(err).Msg("Failed to route batched command")
		b.d.send(b.sessionID, amcp.WithRequestID(cmd.RequestID, fmt.Sprintf("%d %s ERROR%s", amcp.StatusBadTarget, cmd.Verb, amcp.Delimiter)))
	}
	b.finish()
}

func (b *batchRun) finish() {
	reply := amcp.OK().Format(verbCommit)
	if b.failed > 0 {
		err := amcp.Failed(fmt.Errorf("%d of %d batched commands failed", b.failed, len(b.cmds)))
		reply = amcp.ErrorReply(verbCommit, err)
		b.d.logger.Debug().Str("session_id", b.sessionID).Err(err).Msg("Batch finished with failures")
	}
	b.d.send(b.sessionID, amcp.WithRequestID(b.reqID, reply))
}

func (d *Dispatcher) rejectControl(s *session, cmd *amcp.Command) {
	observability.RecordParseError(amcp.StatusUnknownCommand)
	d.send(s.id, amcp.WithRequestID(cmd.RequestID, fmt.Sprintf("%d ERROR%s%s%s", amcp.StatusUnknownCommand, amcp.Delimiter, cmd.Raw, amcp.Delimiter)))
}

func (d *Dispatcher) send(sessionID, text string) {
	if d.sink == nil {
		return
	}
	if err := d.sink.Send(sessionID, text); err != nil {
		d.logger.Warn().Str("session_id", sessionID).Err(err).Msg("Failed to deliver reply")
	}
}
