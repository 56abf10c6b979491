package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/harun/amcpd/pkg/amcp"
	"github.com/rs/zerolog/log"
)

// ErrUnknownQueue is returned by Route for a queue id outside the table.
var ErrUnknownQueue = errors.New("unknown queue")

// Stats is a point-in-time view of one queue.
type Stats struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Pending     int    `json:"pending"`
	Outstanding int    `json:"outstanding"`
	Capacity    int    `json:"capacity"`
	State       string `json:"state"`
}

// Table holds the general queue (id 0) and one queue per channel
// (id channel+1).
type Table struct {
	queues []*Queue
	events *eventBus

	stopOnce sync.Once
}

// NewTable creates the general queue plus one queue for each of channels.
func NewTable(channels int, opts Options) *Table {
	if channels < 0 {
		channels = 0
	}

	t := &Table{
		queues: make([]*Queue, 0, channels+1),
		events: newEventBus(),
	}
	for id := 0; id <= channels; id++ {
		t.queues = append(t.queues, newQueue(id, opts, t.events))
	}

	log.Debug().Int("channels", channels).Msg("Command queue table created")
	return t
}

// Route adds cmd to the queue its target selects.
func (t *Table) Route(ctx context.Context, cmd *amcp.Command) error {
	q, ok := t.Queue(cmd.QueueID())
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQueue, cmd.QueueID())
	}
	q.Add(ctx, cmd)
	return nil
}

// Enqueue adds cmd to the queue its target selects and calls done once the
// command has been answered. done is not called when Enqueue returns an
// error.
func (t *Table) Enqueue(ctx context.Context, cmd *amcp.Command, done func(error)) error {
	q, ok := t.Queue(cmd.QueueID())
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownQueue, cmd.QueueID())
	}
	q.Enqueue(ctx, cmd, done)
	return nil
}

// Queue returns the queue with id.
func (t *Table) Queue(id int) (*Queue, bool) {
	if id < 0 || id >= len(t.queues) {
		return nil, false
	}
	return t.queues[id], true
}

// General returns queue 0.
func (t *Table) General() *Queue {
	return t.queues[amcp.GeneralQueue]
}

// Len returns the number of queues including the general one.
func (t *Table) Len() int {
	return len(t.queues)
}

// Stats returns a snapshot of every queue in id order.
func (t *Table) Stats() []Stats {
	out := make([]Stats, 0, len(t.queues))
	for _, q := range t.queues {
		out = append(out, q.Stats())
	}
	return out
}

// SetCapacity changes the admission bound of every queue.
func (t *Table) SetCapacity(capacity int) {
	for _, q := range t.queues {
		q.SetCapacity(capacity)
	}
}

// On registers an event handler for a specific event type
func (t *Table) On(eventType string, handler EventHandler) {
	t.events.on(eventType, handler)
}

// Off removes all handlers for the event type
func (t *Table) Off(eventType string) {
	t.events.off(eventType)
}

// Stop stops every queue. The general queue stops first, then channel
// queues stop in parallel. A batch still advancing when its next target has
// stopped gets failure replies for the rest. Later calls are no-ops.
func (t *Table) Stop(drain bool) {
	t.stopOnce.Do(func() {
		t.queues[amcp.GeneralQueue].Stop(drain)

		var wg sync.WaitGroup
		for _, q := range t.queues[1:] {
			wg.Add(1)
			go func(q *Queue) {
				defer wg.Done()
				q.Stop(drain)
			}(q)
		}
		wg.Wait()

		log.Debug().Bool("drain", drain).Msg("Command queue table stopped")
	})
}
