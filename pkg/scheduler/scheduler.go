package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/amcpd/internal/observability"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultCapacity bounds outstanding tasks when Options.Capacity is unset.
const DefaultCapacity = 256

// Task is a unit of work run on the scheduler's worker.
type Task func(ctx context.Context) (interface{}, error)

// State is the lifecycle state of a Scheduler.
type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Options configures a Scheduler.
type Options struct {
	Name     string
	Capacity int
	Logger   *zerolog.Logger
}

// Stats is a point-in-time view of a Scheduler.
type Stats struct {
	Name        string
	State       State
	Pending     int
	Outstanding int
	Capacity    int
}

// workerKey marks contexts handed to tasks of one scheduler. The value is the
// execution id of the task the context was created for.
type workerKey struct {
	s *Scheduler
}

// Scheduler runs tasks one at a time on a single worker goroutine.
type Scheduler struct {
	name   string
	logger zerolog.Logger

	mu          sync.Mutex
	pending     taskHeap
	seq         uint64
	outstanding int
	capacity    int
	state       State

	execSeq atomic.Uint64
	current atomic.Uint64

	wake chan struct{}
	done chan struct{}
}

// New creates a Scheduler and starts its worker.
func New(opts Options) *Scheduler {
	observability.EnsureRegistered()

	if opts.Name == "" {
		opts.Name = "scheduler"
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}

	var logger zerolog.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	} else {
		logger = log.Logger
	}

	s := &Scheduler{
		name:     opts.Name,
		logger:   logger.With().Str("scheduler", opts.Name).Logger(),
		pending:  make(taskHeap, 0),
		capacity: opts.Capacity,
		state:    StateRunning,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	heap.Init(&s.pending)

	go s.run()

	s.logger.Debug().Int("capacity", opts.Capacity).Msg("Scheduler started")
	return s
}

// Name returns the scheduler name.
func (s *Scheduler) Name() string {
	return s.name
}

// Submit queues task and returns its Future without waiting.
func (s *Scheduler) Submit(ctx context.Context, task Task, priority Priority) (*Future, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !priority.Valid() {
		priority = PriorityNormal
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotRunning, s.name, s.stateLocked())
	}
	if s.outstanding >= s.capacity {
		capacity := s.capacity
		s.mu.Unlock()
		observability.RecordSchedulerOverflow(s.name)
		s.logger.Warn().Int("capacity", capacity).Msg("Scheduler overflow")
		return nil, fmt.Errorf("%w: %s at capacity %d", ErrOverflow, s.name, capacity)
	}

	s.seq++
	s.outstanding++
	it := &item{
		task:       task,
		priority:   priority,
		seq:        s.seq,
		ctx:        context.WithoutCancel(ctx),
		future:     newFuture(),
		enqueuedAt: time.Now(),
	}
	heap.Push(&s.pending, it)
	s.mu.Unlock()

	s.signal()
	return it.future, nil
}

// SubmitAndWait runs task and blocks for its result. When ctx belongs to the
// task currently running on this scheduler, task runs inline on the caller.
// A ctx that ends first returns ctx.Err(); the task still runs.
func (s *Scheduler) SubmitAndWait(ctx context.Context, task Task, priority Priority) (interface{}, error) {
	if task == nil {
		return nil, ErrNilTask
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if s.IsCurrent(ctx) {
		return s.invoke(ctx, task)
	}

	future, err := s.Submit(ctx, task, priority)
	if err != nil {
		return nil, err
	}
	return future.Wait(ctx)
}

// IsCurrent reports whether ctx was handed out by this scheduler to the task
// that is executing right now.
func (s *Scheduler) IsCurrent(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	id, ok := ctx.Value(workerKey{s: s}).(uint64)
	if !ok || id == 0 {
		return false
	}
	return s.current.Load() == id
}

// Clear discards every task that has not started. Their futures resolve with
// ErrDiscarded. It returns the number of discarded tasks.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	discarded := s.takePendingLocked()
	s.mu.Unlock()

	for _, it := range discarded {
		it.future.resolve(nil, ErrDiscarded)
	}
	if len(discarded) > 0 {
		s.logger.Debug().Int("discarded", len(discarded)).Msg("Scheduler cleared")
	}
	return len(discarded)
}

// Stop stops accepting tasks, then either drains or discards the pending
// ones and waits for the worker to exit. It is safe to call more than once
// and from several goroutines, but not from a task of this scheduler.
func (s *Scheduler) Stop(drain bool) {
	var discarded []*item

	s.mu.Lock()
	if s.state == StateRunning {
		s.state = StateStopping
		s.logger.Debug().Bool("drain", drain).Int("pending", s.pending.Len()).Msg("Scheduler stopping")
	}
	if !drain && s.state == StateStopping {
		discarded = s.takePendingLocked()
	}
	s.mu.Unlock()

	for _, it := range discarded {
		it.future.resolve(nil, ErrDiscarded)
	}

	s.signal()
	<-s.done

	s.mu.Lock()
	if s.state != StateStopped {
		s.state = StateStopped
		s.logger.Debug().Msg("Scheduler stopped")
	}
	s.mu.Unlock()
}

// Len returns the number of tasks waiting to start.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Capacity returns the maximum number of outstanding tasks.
func (s *Scheduler) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// SetCapacity changes the bound for future submissions. Tasks already
// admitted are kept even when the new bound is lower.
func (s *Scheduler) SetCapacity(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	s.mu.Lock()
	s.capacity = capacity
	s.mu.Unlock()
}

// State returns the lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Stats returns a snapshot of the scheduler.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Name:        s.name,
		State:       s.state,
		Pending:     s.pending.Len(),
		Outstanding: s.outstanding,
		Capacity:    s.capacity,
	}
}

func (s *Scheduler) stateLocked() State {
	return s.state
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) takePendingLocked() []*item {
	if s.pending.Len() == 0 {
		return nil
	}
	taken := make([]*item, 0, s.pending.Len())
	for s.pending.Len() > 0 {
		taken = append(taken, heap.Pop(&s.pending).(*item))
	}
	s.outstanding -= len(taken)
	return taken
}

// run is the worker loop.
func (s *Scheduler) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for s.pending.Len() == 0 && s.state == StateRunning {
			s.mu.Unlock()
			<-s.wake
			s.mu.Lock()
		}
		if s.pending.Len() == 0 {
			s.mu.Unlock()
			return
		}
		it := heap.Pop(&s.pending).(*item)
		s.mu.Unlock()

		value, err := s.execute(it)

		s.mu.Lock()
		s.outstanding--
		s.mu.Unlock()

		it.future.resolve(value, err)
	}
}

func (s *Scheduler) execute(it *item) (interface{}, error) {
	id := s.execSeq.Add(1)
	s.current.Store(id)
	defer s.current.Store(0)

	if wait := time.Since(it.enqueuedAt); wait > time.Second {
		s.logger.Debug().
			Dur("wait", wait).
			Str("priority", it.priority.String()).
			Msg("Task waited long before execution")
	}

	ctx := context.WithValue(it.ctx, workerKey{s: s}, id)
	return s.invoke(ctx, it.task)
}

// invoke runs task and turns a panic into a *PanicError.
func (s *Scheduler) invoke(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			s.logger.Error().
				Interface("panic", r).
				Bytes("stack", stack).
				Msg("Task panicked")
			value = nil
			err = &PanicError{Value: r, Stack: stack}
		}
	}()
	return task(ctx)
}
