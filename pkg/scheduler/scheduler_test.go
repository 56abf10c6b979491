package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockWorker occupies the worker until the returned release func is called.
func blockWorker(t *testing.T, s *Scheduler) (release func()) {
	t.Helper()
	started := make(chan struct{})
	gate := make(chan struct{})
	_, err := s.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		close(started)
		<-gate
		return nil, nil
	}, PriorityHigher)
	require.NoError(t, err)
	<-started

	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func TestScheduler_SubmitAndWait(t *testing.T) {
	s := New(Options{Name: "test"})
	defer s.Stop(true)

	result, err := s.SubmitAndWait(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "result", nil
	}, PriorityNormal)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
}

func TestScheduler_TaskError(t *testing.T) {
	s := New(Options{Name: "test"})
	defer s.Stop(true)

	expectedErr := errors.New("task failed")
	result, err := s.SubmitAndWait(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, expectedErr
	}, PriorityNormal)

	assert.Equal(t, expectedErr, err)
	assert.Nil(t, result)
}

func TestScheduler_PanicBecomesError(t *testing.T) {
	s := New(Options{Name: "test"})
	defer s.Stop(true)

	_, err := s.SubmitAndWait(context.Background(), func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, PriorityNormal)

	require.Error(t, err)
	assert.True(t, IsPanic(err))
	assert.Contains(t, err.Error(), "boom")

	// Worker survives the panic.
	result, err := s.SubmitAndWait(context.Background(), func(ctx context.Context) (interface{}, error) {
		return 42, nil
	}, PriorityNormal)
	assert.NoError(t, err)
	assert.Equal(t, 42, result)
}

func TestScheduler_PriorityOrder(t *testing.T) {
	s := New(Options{Name: "test"})
	defer s.Stop(true)

	release := blockWorker(t, s)

	var mu sync.Mutex
	var order []Priority
	var futures []*Future
	for _, p := range []Priority{PriorityLowest, PriorityNormal, PriorityHigher, PriorityLow, PriorityHigh} {
		p := p
		f, err := s.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			return nil, nil
		}, p)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	release()
	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Priority{PriorityHigher, PriorityHigh, PriorityNormal, PriorityLow, PriorityLowest}, order)
}

func TestScheduler_SerialExecution(t *testing.T) {
	s := New(Options{Name: "test"})
	defer s.Stop(true)

	var mu sync.Mutex
	running, maxRunning := 0, 0
	var futures []*Future
	for i := 0; i < 20; i++ {
		f, err := s.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil, nil
		}, PriorityNormal)
		require.NoError(t, err)
		futures = append(futures, f)
	}
	for _, f := range futures {
		<-f.Done()
	}

	assert.Equal(t, 1, maxRunning)
}

func TestScheduler_Overflow(t *testing.T) {
	s := New(Options{Name: "small", Capacity: 2})
	defer s.Stop(false)

	release := blockWorker(t, s)
	defer release()

	_, err := s.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal)
	require.NoError(t, err)

	_, err = s.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestScheduler_CapacityFreedAfterCompletion(t *testing.T) {
	s := New(Options{Name: "small", Capacity: 1})
	defer s.Stop(true)

	for i := 0; i < 5; i++ {
		_, err := s.SubmitAndWait(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, PriorityNormal)
		require.NoError(t, err)
	}
}

func TestScheduler_ReentrantSubmitAndWait(t *testing.T) {
	s := New(Options{Name: "test"})
	defer s.Stop(true)

	done := make(chan struct{})
	var result interface{}
	var err error
	go func() {
		defer close(done)
		result, err = s.SubmitAndWait(context.Background(), func(ctx context.Context) (interface{}, error) {
			assert.True(t, s.IsCurrent(ctx))
			return s.SubmitAndWait(ctx, func(ctx context.Context) (interface{}, error) {
				return "inner", nil
			}, PriorityLowest)
		}, PriorityNormal)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reentrant SubmitAndWait deadlocked")
	}
	assert.NoError(t, err)
	assert.Equal(t, "inner", result)
}

func TestScheduler_ReentrantAcrossSchedulers(t *testing.T) {
	a := New(Options{Name: "a"})
	defer a.Stop(true)
	b := New(Options{Name: "b"})
	defer b.Stop(true)

	done := make(chan struct{})
	var result interface{}
	var err error
	go func() {
		defer close(done)
		result, err = a.SubmitAndWait(context.Background(), func(ctx context.Context) (interface{}, error) {
			return b.SubmitAndWait(ctx, func(ctx context.Context) (interface{}, error) {
				return a.SubmitAndWait(ctx, func(ctx context.Context) (interface{}, error) {
					return "back on a", nil
				}, PriorityNormal)
			}, PriorityNormal)
		}, PriorityNormal)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cross-scheduler SubmitAndWait deadlocked")
	}
	assert.NoError(t, err)
	assert.Equal(t, "back on a", result)
}

func TestScheduler_IsCurrentFalseForStaleContext(t *testing.T) {
	s := New(Options{Name: "test"})
	defer s.Stop(true)

	var captured context.Context
	_, err := s.SubmitAndWait(context.Background(), func(ctx context.Context) (interface{}, error) {
		captured = ctx
		return nil, nil
	}, PriorityNormal)
	require.NoError(t, err)

	assert.False(t, s.IsCurrent(captured))
	assert.False(t, s.IsCurrent(context.Background()))
}

func TestScheduler_SubmitAndWaitHonorsContext(t *testing.T) {
	s := New(Options{Name: "test"})
	defer s.Stop(false)

	release := blockWorker(t, s)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.SubmitAndWait(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduler_TaskContextOutlivesSubmitter(t *testing.T) {
	s := New(Options{Name: "test"})
	defer s.Stop(true)

	release := blockWorker(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	f, err := s.Submit(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, ctx.Err()
	}, PriorityNormal)
	require.NoError(t, err)
	cancel()
	release()

	_, err = f.Wait(context.Background())
	assert.NoError(t, err)
}

func TestScheduler_StopDrain(t *testing.T) {
	s := New(Options{Name: "test"})
	release := blockWorker(t, s)

	var mu sync.Mutex
	ran := 0
	var futures []*Future
	for i := 0; i < 3; i++ {
		f, err := s.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil, nil
		}, PriorityNormal)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	stopped := make(chan struct{})
	go func() {
		s.Stop(true)
		close(stopped)
	}()

	assert.Eventually(t, func() bool { return s.State() == StateStopping }, time.Second, time.Millisecond)
	release()
	<-stopped

	assert.Equal(t, StateStopped, s.State())
	mu.Lock()
	assert.Equal(t, 3, ran)
	mu.Unlock()
	for _, f := range futures {
		assert.NoError(t, f.Err())
	}
}

func TestScheduler_StopDiscard(t *testing.T) {
	s := New(Options{Name: "test"})
	release := blockWorker(t, s)

	f, err := s.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		t.Error("discarded task must not run")
		return nil, nil
	}, PriorityNormal)
	require.NoError(t, err)

	stopped := make(chan struct{})
	go func() {
		s.Stop(false)
		close(stopped)
	}()

	_, err = f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDiscarded)

	release()
	<-stopped
	assert.Equal(t, StateStopped, s.State())
}

func TestScheduler_SubmitAfterStop(t *testing.T) {
	s := New(Options{Name: "test"})
	s.Stop(true)

	_, err := s.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, PriorityNormal)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := New(Options{Name: "test"})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(drain bool) {
			defer wg.Done()
			s.Stop(drain)
		}(i%2 == 0)
	}
	wg.Wait()
	s.Stop(true)

	assert.Equal(t, StateStopped, s.State())
}

func TestScheduler_Clear(t *testing.T) {
	s := New(Options{Name: "test"})
	defer s.Stop(true)

	release := blockWorker(t, s)

	var futures []*Future
	for i := 0; i < 4; i++ {
		f, err := s.Submit(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}, PriorityNormal)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	assert.Equal(t, 4, s.Clear())
	assert.Equal(t, 0, s.Len())
	release()

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		assert.ErrorIs(t, err, ErrDiscarded)
	}

	stats := s.Stats()
	assert.Equal(t, "test", stats.Name)
	assert.Equal(t, DefaultCapacity, stats.Capacity)
}

func TestScheduler_NilTask(t *testing.T) {
	s := New(Options{Name: "test"})
	defer s.Stop(true)

	_, err := s.Submit(context.Background(), nil, PriorityNormal)
	assert.ErrorIs(t, err, ErrNilTask)
}

func TestPriority_String(t *testing.T) {
	assert.Equal(t, "normal", PriorityNormal.String())
	assert.Equal(t, "higher", PriorityHigher.String())
	assert.Equal(t, "priority(9)", Priority(9).String())
	assert.False(t, Priority(-1).Valid())
}
