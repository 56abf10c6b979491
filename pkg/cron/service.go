package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/amcpd/internal/observability"
	"github.com/harun/amcpd/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrJobNotFound     = errors.New("scheduled command not found")
	ErrStopped         = errors.New("cron service is stopped")
	ErrInvalidToken    = errors.New("invalid schedule token")
	ErrEmptyLine       = errors.New("scheduled command line is empty")
	ErrAlreadyElapsed  = errors.New("schedule time has already passed")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// Service fires scheduled command lines. Jobs are addressed by a client
// chosen token; tokens compare case-insensitively.
type Service struct {
	jobs    map[string]*Job
	timers  map[string]*time.Timer
	options ServiceOptions
	logger  zerolog.Logger
	loc     *time.Location
	mu      sync.RWMutex
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewService creates a cron service and schedules any persisted jobs.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Fire == nil {
		return nil, fmt.Errorf("fire callback is required")
	}

	var base zerolog.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	} else {
		base = log.Logger
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}

	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		jobs:    make(map[string]*Job),
		timers:  make(map[string]*time.Timer),
		options: opts,
		logger:  base.With().Str("component", "cron").Logger(),
		loc:     loc,
		ctx:     ctx,
		cancel:  cancel,
	}

	if err := s.loadJobs(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load scheduled commands, starting empty")
	}
	s.scheduleAll()

	s.logger.Info().Int("jobCount", len(s.jobs)).Msg("Cron service initialized")
	return s, nil
}

func key(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// Set schedules line under token, replacing any job with the same token.
func (s *Service) Set(token, spec, line, sessionID string) (*Job, error) {
	if key(token) == "" || strings.ContainsAny(token, " \t\r\n") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	if strings.TrimSpace(line) == "" {
		return nil, ErrEmptyLine
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	next, err := CalculateNextRun(schedule, time.Now().In(s.loc))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	if schedule.Kind == ScheduleKindAt && next <= Now() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyElapsed, schedule.At)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrStopped
	}

	k := key(token)
	previous := s.jobs[k]
	s.cancelJobLocked(k)

	job := &Job{
		Token:       strings.TrimSpace(token),
		Spec:        strings.TrimSpace(spec),
		Schedule:    schedule,
		Line:        strings.TrimSpace(line),
		SessionID:   sessionID,
		CreatedAtMs: Now(),
		State:       JobState{NextRunAtMs: Int64Ptr(next)},
	}
	s.jobs[k] = job

	if err := s.persist(); err != nil {
		if previous != nil {
			s.jobs[k] = previous
			s.scheduleJobLocked(previous)
		} else {
			delete(s.jobs, k)
		}
		return nil, fmt.Errorf("failed to persist scheduled command: %w", err)
	}
	s.scheduleJobLocked(job)
	observability.SetScheduledCommands(len(s.jobs))

	s.logger.Info().
		Str("token", job.Token).
		Str("spec", job.Spec).
		Str("line", job.Line).
		Str("session_id", sessionID).
		Time("nextRun", time.UnixMilli(next)).
		Msg("Command scheduled")

	s.emit(Event{Action: EventActionAdded, Token: job.Token, NextRunAtMs: job.State.NextRunAtMs})
	return job.clone(), nil
}

// Remove deletes the job with token.
func (s *Service) Remove(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}

	k := key(token)
	job, exists := s.jobs[k]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, token)
	}

	s.cancelJobLocked(k)
	delete(s.jobs, k)

	if err := s.persist(); err != nil {
		return fmt.Errorf("failed to persist scheduled commands: %w", err)
	}
	observability.SetScheduledCommands(len(s.jobs))

	s.logger.Info().Str("token", job.Token).Msg("Scheduled command removed")
	s.emit(Event{Action: EventActionDeleted, Token: job.Token})
	return nil
}

// Clear deletes every job and returns how many there were.
func (s *Service) Clear() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0, ErrStopped
	}

	n := len(s.jobs)
	tokens := make([]string, 0, n)
	for k, job := range s.jobs {
		s.cancelJobLocked(k)
		tokens = append(tokens, job.Token)
	}
	s.jobs = make(map[string]*Job)

	if err := s.persist(); err != nil {
		return n, fmt.Errorf("failed to persist scheduled commands: %w", err)
	}
	observability.SetScheduledCommands(0)

	for _, token := range tokens {
		s.emit(Event{Action: EventActionDeleted, Token: token})
	}
	s.logger.Info().Int("count", n).Msg("Scheduled commands cleared")
	return n, nil
}

// List returns copies of every job sorted by next run, then token.
func (s *Service) List() []*Job {
	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job.clone())
	}
	s.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		ni, nj := nextOf(jobs[i]), nextOf(jobs[j])
		if ni != nj {
			return ni < nj
		}
		return key(jobs[i].Token) < key(jobs[j].Token)
	})
	return jobs
}

func nextOf(j *Job) int64 {
	if j.State.NextRunAtMs == nil {
		return 0
	}
	return *j.State.NextRunAtMs
}

// Get returns a copy of the job with token.
func (s *Service) Get(token string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[key(token)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, token)
	}
	return job.clone(), nil
}

// RunNow fires the job with token immediately, outside its schedule.
func (s *Service) RunNow(token string) error {
	s.mu.RLock()
	job, exists := s.jobs[key(token)]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, token)
	}
	go s.executeJob(key(token), job, false)
	return nil
}

// Len returns the number of jobs.
func (s *Service) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Stop cancels every timer and persists the final state.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}

	s.stopped = true
	s.cancel()

	for k := range s.timers {
		s.cancelJobLocked(k)
	}

	if err := s.persist(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist scheduled commands on shutdown")
		return err
	}

	s.logger.Info().Msg("Cron service stopped")
	return nil
}

func (s *Service) scheduleAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().In(s.loc)
	for k, job := range s.jobs {
		// Repeating jobs restart from now; a missed one-shot fires at once.
		if job.Schedule.Kind != ScheduleKindAt {
			next, err := CalculateNextRun(job.Schedule, now)
			if err != nil {
				s.logger.Warn().Str("token", job.Token).Err(err).Msg("Dropping unschedulable command")
				delete(s.jobs, k)
				continue
			}
			job.State.NextRunAtMs = Int64Ptr(next)
		}
		s.scheduleJobLocked(job)
	}
	observability.SetScheduledCommands(len(s.jobs))
}

// scheduleJobLocked arms the timer for job. Caller holds s.mu.
func (s *Service) scheduleJobLocked(job *Job) {
	if job.State.NextRunAtMs == nil {
		s.logger.Warn().Str("token", job.Token).Msg("Cannot schedule command without next run time")
		return
	}

	delay := *job.State.NextRunAtMs - Now()
	if delay < 0 {
		delay = 0
	}

	k := key(job.Token)
	s.timers[k] = time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
		s.executeJob(k, job, true)
	})

	s.logger.Debug().
		Str("token", job.Token).
		Int64("delayMs", delay).
		Msg("Command timer armed")
}

// cancelJobLocked stops the timer for k. Caller holds s.mu.
func (s *Service) cancelJobLocked(k string) {
	if timer, exists := s.timers[k]; exists {
		timer.Stop()
		delete(s.timers, k)
	}
}

// executeJob fires job. Scheduled firings re-arm the timer; a manual run
// leaves the schedule alone.
func (s *Service) executeJob(k string, job *Job, scheduled bool) {
	s.mu.RLock()
	current, exists := s.jobs[k]
	stopped := s.stopped
	s.mu.RUnlock()

	// The job was replaced or removed after the timer fired.
	if stopped || !exists || current != job {
		return
	}

	ctx, span := tracing.StartSpan(
		tracing.WithSessionID(s.ctx, job.SessionID),
		tracing.TracerCron,
		"cron.fire",
		attribute.String("token", job.Token),
	)
	err := s.options.Fire(ctx, job.SessionID, job.Line)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || s.jobs[k] != job {
		return
	}

	startMs := Now()
	job.State.LastRunAtMs = Int64Ptr(startMs)
	job.State.RunCount++
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		s.logger.Error().Str("token", job.Token).Err(err).Msg("Scheduled command failed")
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
		s.logger.Info().Str("token", job.Token).Str("line", job.Line).Msg("Scheduled command fired")
	}

	evt := Event{Action: EventActionFired, Token: job.Token, Status: job.State.LastStatus, Error: job.State.LastError}

	if !scheduled {
		if err := s.persist(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to persist scheduled commands")
		}
		s.emit(evt)
		return
	}

	if job.Schedule.Kind == ScheduleKindAt {
		delete(s.timers, k)
		delete(s.jobs, k)
		if err := s.persist(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to persist scheduled commands")
		}
		observability.SetScheduledCommands(len(s.jobs))
		s.emit(evt)
		s.emit(Event{Action: EventActionDeleted, Token: job.Token})
		return
	}

	next, calcErr := CalculateNextRun(job.Schedule, time.Now().In(s.loc))
	if calcErr != nil {
		s.logger.Error().Str("token", job.Token).Err(calcErr).Msg("Failed to calculate next run")
		delete(s.timers, k)
	} else {
		job.State.NextRunAtMs = Int64Ptr(next)
		evt.NextRunAtMs = job.State.NextRunAtMs
		s.scheduleJobLocked(job)
	}
	if err := s.persist(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to persist scheduled commands")
	}
	s.emit(evt)
}

func (s *Service) emit(evt Event) {
	if s.options.OnEvent != nil {
		s.options.OnEvent(evt)
	}
}

func (j *Job) clone() *Job {
	c := *j
	if j.State.NextRunAtMs != nil {
		c.State.NextRunAtMs = Int64Ptr(*j.State.NextRunAtMs)
	}
	if j.State.LastRunAtMs != nil {
		c.State.LastRunAtMs = Int64Ptr(*j.State.LastRunAtMs)
	}
	return &c
}

// loadJobs loads jobs from storage
func (s *Service) loadJobs() error {
	if s.options.StorePath == "" {
		return nil
	}
	if _, err := os.Stat(s.options.StorePath); os.IsNotExist(err) {
		s.logger.Info().Msg("No existing schedule file, starting empty")
		return nil
	}

	data, err := os.ReadFile(s.options.StorePath)
	if err != nil {
		return fmt.Errorf("failed to read schedule file: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("failed to parse schedule file: %w", err)
	}

	s.jobs = make(map[string]*Job, len(jobs))
	for _, job := range jobs {
		if key(job.Token) == "" {
			continue
		}
		s.jobs[key(job.Token)] = job
	}

	s.logger.Info().Int("count", len(s.jobs)).Msg("Loaded scheduled commands")
	return nil
}

// persist saves jobs to storage. Caller holds s.mu.
func (s *Service) persist() error {
	if s.options.StorePath == "" {
		return nil
	}

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return key(jobs[i].Token) < key(jobs[j].Token) })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal jobs: %w", err)
	}

	dir := filepath.Dir(s.options.StorePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempFile := s.options.StorePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.options.StorePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	s.logger.Debug().Int("count", len(jobs)).Msg("Persisted scheduled commands")
	return nil
}
