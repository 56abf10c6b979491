package commandqueue

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/amcpd/pkg/amcp"
	"github.com/harun/amcpd/pkg/scheduler"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSink collects replies per session.
type recordingSink struct {
	mu      sync.Mutex
	replies map[string][]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{replies: make(map[string][]string)}
}

func (s *recordingSink) Send(sessionID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[sessionID] = append(s.replies[sessionID], text)
	return nil
}

func (s *recordingSink) Disconnect(sessionID string) error {
	return nil
}

func (s *recordingSink) get(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.replies[sessionID]))
	copy(out, s.replies[sessionID])
	return out
}

func (s *recordingSink) waitFor(t *testing.T, sessionID string, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(s.get(sessionID)) >= n
	}, 2*time.Second, time.Millisecond)
	return s.get(sessionID)
}

func command(verb string, channel int, sink amcp.Sink, action amcp.Action) *amcp.Command {
	cmd := &amcp.Command{
		ID:      verb,
		Verb:    verb,
		Session: amcp.Session{ID: "s1", Sink: sink},
		Raw:     verb,
		Descriptor: &amcp.Descriptor{
			Verb:      verb,
			Directive: amcp.DirectiveAddToQueue,
			Action:    action,
		},
	}
	if channel >= 0 {
		cmd.Target = &amcp.Target{Channel: channel, Layer: amcp.NoLayer}
	}
	return cmd
}

func ok(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
	return amcp.OK(), nil
}

// gated returns an action that blocks until release is called and a
// channel closed once it has started.
func gated() (action amcp.Action, started <-chan struct{}, release func()) {
	startedCh := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	action = func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
		close(startedCh)
		<-gate
		return amcp.OK(), nil
	}
	return action, startedCh, func() { once.Do(func() { close(gate) }) }
}

func TestQueue_FIFOReplies(t *testing.T) {
	table := NewTable(1, Options{})
	defer table.Stop(true)
	sink := newRecordingSink()

	var mu sync.Mutex
	var order []string
	verbs := []string{"LOADBG", "PLAY", "PAUSE", "RESUME", "STOP"}
	for _, verb := range verbs {
		verb := verb
		require.NoError(t, table.Route(context.Background(), command(verb, 0, sink, func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, cmd.Verb)
			mu.Unlock()
			return amcp.OK(), nil
		})))
	}

	replies := sink.waitFor(t, "s1", len(verbs))
	for i, verb := range verbs {
		assert.Equal(t, "202 "+verb+" OK\r\n", replies[i])
	}
	mu.Lock()
	assert.Equal(t, verbs, order)
	mu.Unlock()
}

func TestQueue_ImmediatelyAndClear(t *testing.T) {
	table := NewTable(2, Options{})
	defer table.Stop(true)
	sink := newRecordingSink()

	block, started, release := gated()
	require.NoError(t, table.Route(context.Background(), command("PLAY", 0, sink, block)))
	<-started

	for _, verb := range []string{"LOADBG", "CALL", "SWAP"} {
		require.NoError(t, table.Route(context.Background(), command(verb, 0, sink, ok)))
	}
	q, _ := table.Queue(1)
	assert.Equal(t, 3, q.Len())

	otherSink := newRecordingSink()
	other := command("MIXER", 1, otherSink, ok)
	other.Session.ID = "s2"
	require.NoError(t, table.Route(context.Background(), other))

	clearCmd := command("CLEAR", 0, sink, ok)
	clearCmd.Directive = amcp.DirectiveImmediatelyAndClear
	require.NoError(t, table.Route(context.Background(), clearCmd))

	replies := sink.waitFor(t, "s1", 3)
	assert.Equal(t, []string{
		"505 LOADBG DISCARDED\r\n",
		"505 CALL DISCARDED\r\n",
		"505 SWAP DISCARDED\r\n",
	}, replies[:3])

	release()
	replies = sink.waitFor(t, "s1", 5)
	assert.Equal(t, "202 PLAY OK\r\n", replies[3])
	assert.Equal(t, "202 CLEAR OK\r\n", replies[4])

	assert.Equal(t, []string{"202 MIXER OK\r\n"}, otherSink.waitFor(t, "s2", 1))
}

func TestQueue_DescriptorDirectiveApplies(t *testing.T) {
	table := NewTable(1, Options{})
	defer table.Stop(true)
	sink := newRecordingSink()

	block, started, release := gated()
	require.NoError(t, table.Route(context.Background(), command("PLAY", 0, sink, block)))
	<-started
	require.NoError(t, table.Route(context.Background(), command("LOADBG", 0, sink, ok)))

	load := command("LOAD", 0, sink, ok)
	load.Descriptor.Directive = amcp.DirectiveImmediatelyAndClear
	require.NoError(t, table.Route(context.Background(), load))

	release()
	replies := sink.waitFor(t, "s1", 3)
	assert.Equal(t, []string{"505 LOADBG DISCARDED\r\n", "202 PLAY OK\r\n", "202 LOAD OK\r\n"}, replies)
}

func TestQueue_Overflow(t *testing.T) {
	table := NewTable(1, Options{Capacity: 2})
	defer table.Stop(false)
	sink := newRecordingSink()

	block, started, release := gated()
	defer release()
	require.NoError(t, table.Route(context.Background(), command("PLAY", 0, sink, block)))
	<-started
	require.NoError(t, table.Route(context.Background(), command("PAUSE", 0, sink, ok)))
	require.NoError(t, table.Route(context.Background(), command("RESUME", 0, sink, ok)))

	replies := sink.waitFor(t, "s1", 1)
	assert.Equal(t, "504 QUEUE OVERFLOW\r\n", replies[0])
}

func TestQueue_TargetsRunInParallel(t *testing.T) {
	table := NewTable(2, Options{})
	defer table.Stop(true)
	sink := newRecordingSink()

	block, started, release := gated()
	defer release()
	require.NoError(t, table.Route(context.Background(), command("PLAY", 0, sink, block)))
	<-started

	other := command("PLAY", 1, sink, ok)
	other.Session.ID = "s2"
	require.NoError(t, table.Route(context.Background(), other))

	assert.Equal(t, []string{"202 PLAY OK\r\n"}, sink.waitFor(t, "s2", 1))
	assert.Empty(t, sink.get("s1"))
}

func TestQueue_ErrorReplies(t *testing.T) {
	table := NewTable(0, Options{})
	defer table.Stop(true)
	sink := newRecordingSink()

	actions := []amcp.Action{
		func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			return amcp.Reply{}, amcp.NotFound("missing")
		},
		func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			return amcp.Reply{}, errors.New("boom")
		},
		func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			panic("kaboom")
		},
		func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
			return amcp.Data("payload"), nil
		},
	}
	for _, action := range actions {
		require.NoError(t, table.Route(context.Background(), command("CINF", -1, sink, action)))
	}

	replies := sink.waitFor(t, "s1", 4)
	assert.Equal(t, []string{
		"404 CINF FAILED\r\n",
		"501 CINF FAILED\r\n",
		"500 INTERNAL ERROR\r\n",
		"201 CINF OK\r\npayload\r\n",
	}, replies)
}

func TestQueue_RequestIDPrefix(t *testing.T) {
	table := NewTable(1, Options{})
	defer table.Stop(true)
	sink := newRecordingSink()

	cmd := command("PLAY", 0, sink, ok)
	cmd.RequestID = "abc"
	require.NoError(t, table.Route(context.Background(), cmd))

	assert.Equal(t, []string{"RES abc 202 PLAY OK\r\n"}, sink.waitFor(t, "s1", 1))
}

// lockedBuffer is a log sink safe for the timer goroutines that write to it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// outcome records the error handed to an Enqueue callback.
type outcome struct {
	done chan struct{}
	err  error
}

func newOutcome() *outcome {
	return &outcome{done: make(chan struct{})}
}

func (o *outcome) callback(err error) {
	o.err = err
	close(o.done)
}

func (o *outcome) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-o.done:
		return o.err
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback not called")
		return nil
	}
}

func TestQueue_EnqueueReportsOutcome(t *testing.T) {
	table := NewTable(1, Options{})
	defer table.Stop(true)
	sink := newRecordingSink()

	okDone := newOutcome()
	require.NoError(t, table.Enqueue(context.Background(), command("PLAY", 0, sink, ok), okDone.callback))
	assert.NoError(t, okDone.wait(t))
	assert.Equal(t, []string{"202 PLAY OK\r\n"}, sink.get("s1"))

	failDone := newOutcome()
	require.NoError(t, table.Enqueue(context.Background(), command("CALL", 0, sink, func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
		return amcp.Reply{}, amcp.InvalidParameter("bad")
	}), failDone.callback))
	var ce *amcp.CommandError
	require.ErrorAs(t, failDone.wait(t), &ce)
	assert.Equal(t, "403 CALL FAILED\r\n", sink.get("s1")[1])
}

func TestQueue_EnqueueKeepsFIFO(t *testing.T) {
	table := NewTable(1, Options{})
	defer table.Stop(true)
	sink := newRecordingSink()

	block, started, release := gated()
	require.NoError(t, table.Route(context.Background(), command("PLAY", 0, sink, block)))
	<-started
	require.NoError(t, table.Route(context.Background(), command("LOADBG", 0, sink, ok)))

	done := newOutcome()
	require.NoError(t, table.Enqueue(context.Background(), command("CALL", 0, sink, ok), done.callback))
	assert.Equal(t, 2, table.Stats()[1].Pending)

	release()
	require.NoError(t, done.wait(t))
	assert.Equal(t, []string{"202 PLAY OK\r\n", "202 LOADBG OK\r\n", "202 CALL OK\r\n"}, sink.get("s1"))
}

func TestQueue_EnqueueDiscardedAndRejected(t *testing.T) {
	table := NewTable(1, Options{Capacity: 2})
	defer table.Stop(false)
	sink := newRecordingSink()

	block, started, release := gated()
	defer release()
	require.NoError(t, table.Route(context.Background(), command("PLAY", 0, sink, block)))
	<-started

	discarded := newOutcome()
	require.NoError(t, table.Enqueue(context.Background(), command("LOADBG", 0, sink, ok), discarded.callback))

	rejected := newOutcome()
	require.NoError(t, table.Enqueue(context.Background(), command("CALL", 0, sink, ok), rejected.callback))
	assert.ErrorIs(t, rejected.wait(t), scheduler.ErrOverflow)

	q, _ := table.Queue(1)
	assert.Equal(t, 1, q.Clear())
	assert.ErrorIs(t, discarded.wait(t), scheduler.ErrDiscarded)
	assert.Equal(t, []string{"504 QUEUE OVERFLOW\r\n", "505 LOADBG DISCARDED\r\n"}, sink.get("s1"))
}

func TestTable_EnqueueUnknownQueue(t *testing.T) {
	table := NewTable(1, Options{})
	defer table.Stop(true)

	called := false
	err := table.Enqueue(context.Background(), command("PLAY", 5, newRecordingSink(), ok), func(error) { called = true })
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.False(t, called)
}

func TestQueue_WarnAfterLogsWaitingCommand(t *testing.T) {
	var logs lockedBuffer
	logger := zerolog.New(&logs)

	table := NewTable(1, Options{WarnAfter: 10 * time.Millisecond, Logger: &logger})
	defer table.Stop(true)
	sink := newRecordingSink()

	block, started, release := gated()
	require.NoError(t, table.Route(context.Background(), command("PLAY", 0, sink, block)))
	<-started
	require.NoError(t, table.Route(context.Background(), command("LOADBG", 0, sink, ok)))

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Command waiting longer than expected")
	}, 2*time.Second, time.Millisecond)
	assert.Contains(t, logs.String(), `"verb":"LOADBG"`)
	assert.Contains(t, logs.String(), `"queuePos":0`)
	assert.Contains(t, logs.String(), `"level":"warn"`)

	release()
	sink.waitFor(t, "s1", 2)
}

func TestQueue_WarnAfterSkipsStartedCommand(t *testing.T) {
	var logs lockedBuffer
	logger := zerolog.New(&logs)

	table := NewTable(1, Options{WarnAfter: 20 * time.Millisecond, Logger: &logger})
	defer table.Stop(true)
	sink := newRecordingSink()

	require.NoError(t, table.Route(context.Background(), command("PLAY", 0, sink, ok)))
	sink.waitFor(t, "s1", 1)
	time.Sleep(50 * time.Millisecond)

	assert.NotContains(t, logs.String(), "Command waiting longer than expected")
}

func TestQueue_StopDiscardsPending(t *testing.T) {
	table := NewTable(1, Options{})
	sink := newRecordingSink()

	block, started, release := gated()
	require.NoError(t, table.Route(context.Background(), command("PLAY", 0, sink, block)))
	<-started
	require.NoError(t, table.Route(context.Background(), command("STOP", 0, sink, ok)))

	stopped := make(chan struct{})
	go func() {
		table.Stop(false)
		close(stopped)
	}()
	replies := sink.waitFor(t, "s1", 1)
	assert.Equal(t, "505 STOP DISCARDED\r\n", replies[0])

	release()
	<-stopped
	replies = sink.waitFor(t, "s1", 2)
	assert.Equal(t, "202 PLAY OK\r\n", replies[1])

	require.NoError(t, table.Route(context.Background(), command("PLAY", 0, sink, ok)))
	replies = sink.waitFor(t, "s1", 3)
	assert.Equal(t, "500 PLAY FAILED\r\n", replies[2])

	table.Stop(true)
}

func TestQueue_StopDrainRunsPending(t *testing.T) {
	table := NewTable(1, Options{})
	sink := newRecordingSink()

	for _, verb := range []string{"PLAY", "PAUSE", "RESUME"} {
		require.NoError(t, table.Route(context.Background(), command(verb, 0, sink, ok)))
	}
	table.Stop(true)

	assert.Equal(t, []string{"202 PLAY OK\r\n", "202 PAUSE OK\r\n", "202 RESUME OK\r\n"}, sink.get("s1"))
}

func TestTable_RouteUnknownQueue(t *testing.T) {
	table := NewTable(1, Options{})
	defer table.Stop(true)

	err := table.Route(context.Background(), command("PLAY", 5, newRecordingSink(), ok))
	assert.ErrorIs(t, err, ErrUnknownQueue)
	assert.Equal(t, 2, table.Len())
	assert.Equal(t, "general", table.General().Name())
}

func TestTable_Events(t *testing.T) {
	table := NewTable(1, Options{})
	defer table.Stop(true)
	sink := newRecordingSink()

	var mu sync.Mutex
	var seen []Event
	table.On(EventCompleted, func(e Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})

	require.NoError(t, table.Route(context.Background(), command("PLAY", 0, sink, ok)))
	sink.waitFor(t, "s1", 1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, "channel-1", seen[0].Queue)
	assert.Equal(t, "PLAY", seen[0].Verb)
	assert.Equal(t, true, seen[0].Data["success"])
	mu.Unlock()

	table.Off(EventCompleted)
}

func TestTable_Stats(t *testing.T) {
	table := NewTable(2, Options{Capacity: 10})
	defer table.Stop(true)

	stats := table.Stats()
	require.Len(t, stats, 3)
	assert.Equal(t, "general", stats[0].Name)
	assert.Equal(t, "channel-2", stats[2].Name)
	assert.Equal(t, 10, stats[1].Capacity)
	assert.Equal(t, "running", stats[1].State)

	table.SetCapacity(20)
	assert.Equal(t, 20, table.Stats()[0].Capacity)
}

func TestQueue_CommandTimeout(t *testing.T) {
	table := NewTable(0, Options{CommandTimeout: 10 * time.Millisecond})
	defer table.Stop(true)
	sink := newRecordingSink()

	require.NoError(t, table.Route(context.Background(), command("DIAG", -1, sink, func(ctx context.Context, cmd *amcp.Command) (amcp.Reply, error) {
		<-ctx.Done()
		return amcp.Reply{}, ctx.Err()
	})))

	assert.Equal(t, []string{"501 DIAG FAILED\r\n"}, sink.waitFor(t, "s1", 1))
}

func TestQueueName(t *testing.T) {
	assert.Equal(t, "general", QueueName(0))
	assert.Equal(t, "channel-3", QueueName(3))
}
