package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/harun/amcpd/internal/observability"
	"github.com/harun/amcpd/internal/tracing"
	"github.com/harun/amcpd/pkg/amcp"
	"github.com/harun/amcpd/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Options configures every queue of a table.
type Options struct {
	// Capacity bounds outstanding commands per queue.
	Capacity int
	// CommandTimeout puts a deadline on the context handed to actions.
	// Zero means no deadline.
	CommandTimeout time.Duration
	// WarnAfter logs a warning for commands still waiting after this long.
	WarnAfter time.Duration
	Logger    *zerolog.Logger
}

// entry is a command waiting for its turn.
type entry struct {
	cmd        *amcp.Command
	ctx        context.Context
	enqueuedAt time.Time
	warnTimer  *time.Timer
	done       func(error)
}

func (e *entry) stopTimer() {
	if e.warnTimer != nil {
		e.warnTimer.Stop()
	}
}

// finish reports the command's outcome once its reply has been sent.
func (e *entry) finish(err error) {
	if e.done != nil {
		e.done(err)
	}
}

// Queue serializes the commands of one target on its own scheduler.
type Queue struct {
	id     int
	name   string
	sched  *scheduler.Scheduler
	opts   Options
	logger zerolog.Logger
	events *eventBus

	mu      sync.Mutex
	pending []*entry
}

// QueueName is the metrics and log label of queue id.
func QueueName(id int) string {
	if id == amcp.GeneralQueue {
		return "general"
	}
	return fmt.Sprintf("channel-%d", id)
}

// NewQueue creates a queue and starts its worker.
func NewQueue(id int, opts Options) *Queue {
	return newQueue(id, opts, newEventBus())
}

func newQueue(id int, opts Options, events *eventBus) *Queue {
	observability.EnsureRegistered()

	var base zerolog.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	} else {
		base = log.Logger
	}

	name := QueueName(id)
	logger := base.With().Str("queue", name).Logger()

	return &Queue{
		id:   id,
		name: name,
		sched: scheduler.New(scheduler.Options{
			Name:     name,
			Capacity: opts.Capacity,
			Logger:   &logger,
		}),
		opts:    opts,
		logger:  logger,
		events:  events,
		pending: make([]*entry, 0),
	}
}

// ID returns the queue id.
func (q *Queue) ID() int {
	return q.id
}

// Name returns the queue label.
func (q *Queue) Name() string {
	return q.name
}

// Add queues cmd and returns without waiting. Every command passed to Add
// gets exactly one reply: its result, a discard notice when a later
// ImmediatelyAndClear purges it, or an overflow/failure reply when it could
// not be admitted.
func (q *Queue) Add(ctx context.Context, cmd *amcp.Command) {
	q.Enqueue(ctx, cmd, nil)
}

// Enqueue is Add with a completion callback. done is called exactly once,
// after the command's reply has been sent, with the action error,
// scheduler.ErrDiscarded when the command was purged, or the admission
// error when it was rejected. done runs on whichever goroutine settled the
// command and must not block.
func (q *Queue) Enqueue(ctx context.Context, cmd *amcp.Command, done func(error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = q.commandContext(ctx, cmd)

	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerCommandQueue,
		"commandqueue.enqueue",
		attribute.String("queue", q.name),
		attribute.String("verb", cmd.Verb),
		attribute.String("directive", cmd.EffectiveDirective().String()),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, q.logger)

	e := &entry{cmd: cmd, ctx: ctx, enqueuedAt: time.Now(), done: done}

	q.mu.Lock()
	var purged []*entry
	if cmd.EffectiveDirective() == amcp.DirectiveImmediatelyAndClear {
		purged = q.takePendingLocked()
	}
	_, err := q.sched.Submit(context.Background(), q.runNext, scheduler.PriorityNormal)
	if err == nil {
		q.pending = append(q.pending, e)
		if q.opts.WarnAfter > 0 {
			e.warnTimer = time.AfterFunc(q.opts.WarnAfter, func() { q.warnWaiting(e) })
		}
	}
	queueSize := len(q.pending)
	q.mu.Unlock()

	q.discard(purged)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.reject(logger, cmd, err)
		e.finish(err)
		return
	}

	logger.Debug().
		Str("verb", cmd.Verb).
		Int("queueSize", queueSize).
		Msg("Command enqueued")

	observability.RecordQueueEnqueue(q.name, queueSize)
	q.events.emit(Event{
		Type:      EventEnqueued,
		Queue:     q.name,
		CommandID: cmd.ID,
		Verb:      cmd.Verb,
		Data:      map[string]interface{}{"queueSize": queueSize},
	})
}

// Clear discards every command of this queue that has not started. Each
// discarded command is answered. It returns the number discarded.
func (q *Queue) Clear() int {
	q.mu.Lock()
	purged := q.takePendingLocked()
	q.mu.Unlock()

	q.discard(purged)
	return len(purged)
}

// Len returns the number of commands waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// SetCapacity changes the admission bound.
func (q *Queue) SetCapacity(capacity int) {
	q.sched.SetCapacity(capacity)
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() Stats {
	s := q.sched.Stats()
	return Stats{
		ID:          q.id,
		Name:        q.name,
		Pending:     q.Len(),
		Outstanding: s.Outstanding,
		Capacity:    s.Capacity,
		State:       s.State.String(),
	}
}

// Stop stops the worker. With drain every pending command still runs;
// without it pending commands are answered as discarded.
func (q *Queue) Stop(drain bool) {
	if !drain {
		q.Clear()
	}
	q.sched.Stop(drain)

	q.mu.Lock()
	leftover := q.takePendingLocked()
	q.mu.Unlock()

	q.discard(leftover)
}

// takePendingLocked removes all waiting commands together with the worker
// tokens that would have run them. Caller holds q.mu.
func (q *Queue) takePendingLocked() []*entry {
	if len(q.pending) == 0 {
		return nil
	}
	taken := q.pending
	q.pending = make([]*entry, 0)
	q.sched.Clear()
	return taken
}

// runNext is the scheduler task behind every Add. Tokens and entries are
// not paired: a token whose entry was purged finds the list empty and
// returns.
func (q *Queue) runNext(ctx context.Context) (interface{}, error) {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil, nil
	}
	e := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	q.mu.Unlock()

	e.stopTimer()

	// Worker identity comes from ctx; tracing values and the span parent
	// come from the entry.
	runCtx := tracing.NewContext(ctx, tracing.FromContext(e.ctx))
	runCtx = trace.ContextWithSpanContext(runCtx, trace.SpanContextFromContext(e.ctx))

	err := q.execute(runCtx, e.cmd)
	e.finish(err)
	return nil, err
}

// execute runs the action of cmd and sends its single reply.
func (q *Queue) execute(ctx context.Context, cmd *amcp.Command) error {
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerCommandQueue,
		"commandqueue.execute",
		attribute.String("queue", q.name),
		attribute.String("verb", cmd.Verb),
		attribute.String("command_id", cmd.ID),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, q.logger)

	runCtx := ctx
	if q.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, q.opts.CommandTimeout)
		defer cancel()
	}

	startTime := time.Now()
	reply, err := q.invoke(runCtx, cmd)
	duration := time.Since(startTime)

	var text string
	switch {
	case err == nil:
		text = reply.Format(cmd.Verb)
	case scheduler.IsPanic(err):
		text = amcp.InternalErrorReply()
	default:
		text = amcp.ErrorReply(cmd.Verb, err)
	}
	q.send(logger, cmd, text)
	if err == nil && reply.Then != nil {
		reply.Then()
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("verb", cmd.Verb).
			Str("raw", cmd.Raw).
			Dur("duration", duration).
			Err(err).
			Msg("Command failed")
	} else {
		logger.Debug().
			Str("verb", cmd.Verb).
			Dur("duration", duration).
			Msg("Command completed")
	}

	observability.RecordQueueCompletion(q.name, duration, err == nil, q.Len())
	q.events.emit(Event{
		Type:      EventCompleted,
		Queue:     q.name,
		CommandID: cmd.ID,
		Verb:      cmd.Verb,
		Data: map[string]interface{}{
			"duration": duration.Milliseconds(),
			"success":  err == nil,
		},
	})

	return err
}

func (q *Queue) invoke(ctx context.Context, cmd *amcp.Command) (reply amcp.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &scheduler.PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	if cmd.Descriptor == nil || cmd.Descriptor.Action == nil {
		return amcp.Reply{}, fmt.Errorf("no action for verb %s", cmd.Verb)
	}
	return cmd.Descriptor.Action(ctx, cmd)
}

func (q *Queue) discard(entries []*entry) {
	if len(entries) == 0 {
		return
	}
	for _, e := range entries {
		e.stopTimer()
		logger := tracing.LoggerFromContext(e.ctx, q.logger)
		q.send(logger, e.cmd, amcp.DiscardedReply(e.cmd.Verb))
		logger.Debug().Str("verb", e.cmd.Verb).Msg("Command discarded")
		q.events.emit(Event{
			Type:      EventDiscarded,
			Queue:     q.name,
			CommandID: e.cmd.ID,
			Verb:      e.cmd.Verb,
		})
	}
	observability.RecordCommandsDiscarded(q.name, len(entries))
	observability.SetQueueSize(q.name, q.Len())

	for _, e := range entries {
		e.finish(scheduler.ErrDiscarded)
	}
}

func (q *Queue) reject(logger zerolog.Logger, cmd *amcp.Command, err error) {
	text := amcp.FailedReply(amcp.StatusInternal, cmd.Verb)
	if errors.Is(err, scheduler.ErrOverflow) {
		text = amcp.OverflowReply()
	}
	q.send(logger, cmd, text)

	logger.Error().
		Str("verb", cmd.Verb).
		Str("raw", cmd.Raw).
		Err(err).
		Msg("Command rejected")

	q.events.emit(Event{
		Type:      EventRejected,
		Queue:     q.name,
		CommandID: cmd.ID,
		Verb:      cmd.Verb,
		Data:      map[string]interface{}{"error": err.Error()},
	})
}

func (q *Queue) send(logger zerolog.Logger, cmd *amcp.Command, text string) {
	if err := cmd.Reply(text); err != nil {
		logger.Warn().
			Str("verb", cmd.Verb).
			Str("session_id", cmd.Session.ID).
			Err(err).
			Msg("Failed to deliver reply")
	}
}

func (q *Queue) warnWaiting(e *entry) {
	q.mu.Lock()
	pos := -1
	for i, p := range q.pending {
		if p == e {
			pos = i
			break
		}
	}
	q.mu.Unlock()

	if pos < 0 {
		return
	}
	logger := tracing.LoggerFromContext(e.ctx, q.logger)
	logger.Warn().
		Str("verb", e.cmd.Verb).
		Dur("waited", time.Since(e.enqueuedAt)).
		Int("queuePos", pos).
		Msg("Command waiting longer than expected")
}

func (q *Queue) commandContext(ctx context.Context, cmd *amcp.Command) context.Context {
	ctx = tracing.WithQueue(ctx, q.name)
	if cmd.ID != "" {
		ctx = tracing.WithCommandID(ctx, cmd.ID)
	}
	if cmd.RequestID != "" {
		ctx = tracing.WithRequestID(ctx, cmd.RequestID)
	}
	if cmd.Session.ID != "" && tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, cmd.Session.ID)
	}
	return ctx
}
