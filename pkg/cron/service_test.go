package cron

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fired struct {
	sessionID string
	line      string
}

type recorder struct {
	mu     sync.Mutex
	fires  []fired
	events []Event
	err    error
}

func (r *recorder) fire(_ context.Context, sessionID, line string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fires = append(r.fires, fired{sessionID: sessionID, line: line})
	return r.err
}

func (r *recorder) onEvent(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) fireCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fires)
}

func (r *recorder) firstFire() fired {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fires[0]
}

func (r *recorder) hasEvent(action EventAction, token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Action == action && e.Token == token {
			return true
		}
	}
	return false
}

func createTestService(t *testing.T, storePath string) (*Service, *recorder) {
	t.Helper()
	rec := &recorder{}
	logger := zerolog.New(os.Stdout).Level(zerolog.Disabled)

	s, err := NewService(ServiceOptions{
		StorePath: storePath,
		Fire:      rec.fire,
		OnEvent:   rec.onEvent,
		Logger:    &logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s, rec
}

func TestNewService_RequiresFire(t *testing.T) {
	_, err := NewService(ServiceOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fire callback is required")
}

func TestService_SetValidates(t *testing.T) {
	s, _ := createTestService(t, "")

	_, err := s.Set("", "@hourly", "PLAY 1", "c1")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Set("two words", "@hourly", "PLAY 1", "c1")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Set("t1", "@hourly", "  ", "c1")
	assert.ErrorIs(t, err, ErrEmptyLine)

	_, err = s.Set("t1", "not a schedule", "PLAY 1", "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")

	_, err = s.Set("t1", "2001-01-01T00:00:00Z", "PLAY 1", "c1")
	assert.ErrorIs(t, err, ErrAlreadyElapsed)

	assert.Equal(t, 0, s.Len())
}

func TestService_OneShotFiresOnceAndIsRemoved(t *testing.T) {
	s, rec := createTestService(t, "")

	at := time.Now().Add(150 * time.Millisecond).UTC().Format(time.RFC3339Nano)
	job, err := s.Set("intro", at, "PLAY 1-10 AMB", "client-1")
	require.NoError(t, err)
	assert.Equal(t, ScheduleKindAt, job.Schedule.Kind)
	assert.Equal(t, 1, s.Len())

	require.Eventually(t, func() bool { return rec.fireCount() == 1 }, 3*time.Second, 10*time.Millisecond)
	f := rec.firstFire()
	assert.Equal(t, "client-1", f.sessionID)
	assert.Equal(t, "PLAY 1-10 AMB", f.line)

	assert.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.True(t, rec.hasEvent(EventActionAdded, "intro"))
	assert.True(t, rec.hasEvent(EventActionFired, "intro"))
	assert.True(t, rec.hasEvent(EventActionDeleted, "intro"))
}

func TestService_SetReplacesSameToken(t *testing.T) {
	s, _ := createTestService(t, "")

	_, err := s.Set("loop", "@hourly", "PLAY 1", "a")
	require.NoError(t, err)
	_, err = s.Set("LOOP", "@daily", "STOP 1", "b")
	require.NoError(t, err)

	assert.Equal(t, 1, s.Len())
	job, err := s.Get("Loop")
	require.NoError(t, err)
	assert.Equal(t, "STOP 1", job.Line)
	assert.Equal(t, "b", job.SessionID)
	assert.Equal(t, "@daily", job.Spec)
}

func TestService_RemoveAndClear(t *testing.T) {
	s, rec := createTestService(t, "")

	_, err := s.Set("a", "@hourly", "PLAY 1", "c")
	require.NoError(t, err)
	_, err = s.Set("b", "@hourly", "PLAY 2", "c")
	require.NoError(t, err)

	require.NoError(t, s.Remove("A"))
	assert.ErrorIs(t, s.Remove("a"), ErrJobNotFound)
	assert.True(t, rec.hasEvent(EventActionDeleted, "a"))

	n, err := s.Clear()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, s.Len())
	assert.True(t, rec.hasEvent(EventActionDeleted, "b"))
}

func TestService_ListOrdersByNextRun(t *testing.T) {
	s, _ := createTestService(t, "")

	_, err := s.Set("later", time.Now().Add(2*time.Hour).UTC().Format(time.RFC3339), "PLAY 1", "c")
	require.NoError(t, err)
	_, err = s.Set("sooner", time.Now().Add(time.Hour).UTC().Format(time.RFC3339), "PLAY 1", "c")
	require.NoError(t, err)

	jobs := s.List()
	require.Len(t, jobs, 2)
	assert.Equal(t, "sooner", jobs[0].Token)
	assert.Equal(t, "later", jobs[1].Token)

	// Copies do not alias service state.
	jobs[0].Line = "changed"
	job, _ := s.Get("sooner")
	assert.Equal(t, "PLAY 1", job.Line)
}

func TestService_RunNowKeepsSchedule(t *testing.T) {
	s, rec := createTestService(t, "")

	_, err := s.Set("manual", "@daily", "CLEAR 1", "c")
	require.NoError(t, err)
	before, _ := s.Get("manual")

	require.NoError(t, s.RunNow("manual"))
	require.Eventually(t, func() bool { return rec.fireCount() == 1 }, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		job, _ := s.Get("manual")
		return job.State.RunCount == 1
	}, time.Second, 10*time.Millisecond)

	after, _ := s.Get("manual")
	assert.Equal(t, *before.State.NextRunAtMs, *after.State.NextRunAtMs)
	assert.Equal(t, "ok", after.State.LastStatus)

	assert.ErrorIs(t, s.RunNow("missing"), ErrJobNotFound)
}

func TestService_RecordsFireErrors(t *testing.T) {
	s, rec := createTestService(t, "")
	rec.err = errors.New("session gone")

	_, err := s.Set("bad", "@daily", "PLAY 1", "c")
	require.NoError(t, err)
	require.NoError(t, s.RunNow("bad"))

	require.Eventually(t, func() bool {
		job, _ := s.Get("bad")
		return job.State.LastStatus == "error"
	}, time.Second, 10*time.Millisecond)

	job, _ := s.Get("bad")
	assert.Equal(t, "session gone", job.State.LastError)
}

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

func TestService_RunNowLogsPersistFailure(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "jobs.json")
	rec := &recorder{}
	var logs lockedBuffer
	logger := zerolog.New(&logs)

	s, err := NewService(ServiceOptions{
		StorePath: storePath,
		Fire:      rec.fire,
		OnEvent:   rec.onEvent,
		Logger:    &logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })

	_, err = s.Set("manual", "@daily", "CLEAR 1", "c")
	require.NoError(t, err)

	// A non-empty directory where the file should be makes the rename fail.
	require.NoError(t, os.Remove(storePath))
	require.NoError(t, os.MkdirAll(filepath.Join(storePath, "keep"), 0o755))

	require.NoError(t, s.RunNow("manual"))
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Failed to persist scheduled commands")
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, rec.fireCount())
}

func TestService_PersistsAndReloads(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "schedule", "jobs.json")

	s, _ := createTestService(t, storePath)
	_, err := s.Set("nightly", "0 3 * * *", "CLEAR 1", "ops")
	require.NoError(t, err)
	require.NoError(t, s.Stop())

	data, err := os.ReadFile(storePath)
	require.NoError(t, err)
	var stored []*Job
	require.NoError(t, json.Unmarshal(data, &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, "nightly", stored[0].Token)

	reloaded, _ := createTestService(t, storePath)
	job, err := reloaded.Get("NIGHTLY")
	require.NoError(t, err)
	assert.Equal(t, "CLEAR 1", job.Line)
	assert.Equal(t, "ops", job.SessionID)
	require.NotNil(t, job.State.NextRunAtMs)
	assert.Greater(t, *job.State.NextRunAtMs, Now())
}

func TestService_StoppedRejectsChanges(t *testing.T) {
	s, _ := createTestService(t, "")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())

	_, err := s.Set("x", "@hourly", "PLAY 1", "c")
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, s.Remove("x"), ErrStopped)
	_, err = s.Clear()
	assert.ErrorIs(t, err, ErrStopped)
}
