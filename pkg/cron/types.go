package cron

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ScheduleKind represents the type of schedule
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule is a parsed time specification.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// For "at" schedule
	At string `json:"at,omitempty"` // RFC 3339 timestamp

	// For "every" schedule
	EveryMs int64 `json:"everyMs,omitempty"`

	// For "cron" schedule
	Expr string `json:"expr,omitempty"` // 5-field expression or @descriptor
	TZ   string `json:"tz,omitempty"`
}

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAtMs *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMs *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"` // "ok" or "error"
	LastError   string `json:"lastError,omitempty"`
	RunCount    int    `json:"runCount,omitempty"`
}

// Job is a command line fired on a schedule on behalf of a session.
type Job struct {
	Token       string   `json:"token"`
	Spec        string   `json:"spec"`
	Schedule    Schedule `json:"schedule"`
	Line        string   `json:"line"`
	SessionID   string   `json:"sessionId"`
	CreatedAtMs int64    `json:"createdAtMs"`
	State       JobState `json:"state"`
}

// EventAction represents the type of event
type EventAction string

const (
	EventActionFired   EventAction = "fired"
	EventActionAdded   EventAction = "added"
	EventActionDeleted EventAction = "deleted"
)

// Event represents a cron system event
type Event struct {
	Action      EventAction `json:"action"`
	Token       string      `json:"token"`
	Status      string      `json:"status,omitempty"`
	Error       string      `json:"error,omitempty"`
	NextRunAtMs *int64      `json:"nextRunAtMs,omitempty"`
}

// FireFunc delivers a scheduled line as if sessionID had sent it.
type FireFunc func(ctx context.Context, sessionID, line string) error

// ServiceOptions configures the cron service
type ServiceOptions struct {
	StorePath string          // jobs.json; empty keeps jobs in memory only
	Fire      FireFunc        // required
	OnEvent   func(evt Event) // optional
	Location  *time.Location  // cron evaluation zone, default local
	Logger    *zerolog.Logger // default log.Logger
}

// Now returns current time in milliseconds
func Now() int64 {
	return time.Now().UnixMilli()
}

// Int64Ptr returns a pointer to an int64 value
func Int64Ptr(v int64) *int64 {
	return &v
}
