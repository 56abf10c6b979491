package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/harun/amcpd/internal/observability"
)

// EventLoop runs periodic maintenance: queue statistics and gauges.
type EventLoop struct {
	daemon *Daemon

	mu       sync.Mutex
	interval time.Duration
	resetCh  chan struct{}
}

// NewEventLoop creates a new event loop
func NewEventLoop(d *Daemon) *EventLoop {
	return &EventLoop{
		daemon:   d,
		interval: d.config.StatsInterval(),
		resetCh:  make(chan struct{}, 1),
	}
}

// SetInterval changes the tick period. Zero pauses the loop.
func (e *EventLoop) SetInterval(interval time.Duration) {
	e.mu.Lock()
	e.interval = interval
	e.mu.Unlock()

	select {
	case e.resetCh <- struct{}{}:
	default:
	}
}

func (e *EventLoop) currentInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.interval
}

// Run runs the event loop until ctx is cancelled
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.logger.Info().Msg("Event loop started")

	for {
		interval := e.currentInterval()
		var tick <-chan time.Time
		var ticker *time.Ticker
		if interval > 0 {
			ticker = time.NewTicker(interval)
			tick = ticker.C
		}

		stop := false
		for !stop {
			select {
			case <-ctx.Done():
				if ticker != nil {
					ticker.Stop()
				}
				e.daemon.logger.Info().Msg("Event loop stopping")
				return

			case <-e.resetCh:
				stop = true

			case <-tick:
				e.processTasks()
			}
		}
		if ticker != nil {
			ticker.Stop()
		}
	}
}

// processTasks logs busy queues and refreshes gauges.
func (e *EventLoop) processTasks() {
	for _, st := range e.daemon.queues.Stats() {
		observability.SetQueueSize(st.Name, st.Pending)
		if st.Pending > 0 || st.Outstanding > 0 {
			e.daemon.logger.Debug().
				Str("queue", st.Name).
				Int("pending", st.Pending).
				Int("outstanding", st.Outstanding).
				Int("capacity", st.Capacity).
				Msg("Queue stats")
		}
	}

	observability.SetActiveSessions(e.daemon.gatewayServer.ClientCount())
	if e.daemon.cronService != nil {
		observability.SetScheduledCommands(e.daemon.cronService.Len())
	}
}
