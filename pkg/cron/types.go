package cron

import (
	"context"
	"time"
)

// Func is the work a job performs. The context ends when the scheduler stops.
type Func func(ctx context.Context) error

// JobState tracks the outcome of a job's runs.
type JobState struct {
	NextRunAt         time.Time     `json:"next_run_at"`
	LastRunAt         time.Time     `json:"last_run_at,omitempty"`
	LastDuration      time.Duration `json:"last_duration,omitempty"`
	LastStatus        string        `json:"last_status,omitempty"` // ok, error
	LastError         string        `json:"last_error,omitempty"`
	Runs              int           `json:"runs"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
}

// Job is a registered maintenance job.
type Job struct {
	Name  string   `json:"name"`
	Spec  string   `json:"spec"`
	State JobState `json:"state"`
}

// EventAction describes what happened to a job.
type EventAction string

const (
	EventActionAdded    EventAction = "added"
	EventActionStarted  EventAction = "started"
	EventActionFinished EventAction = "finished"
	EventActionSkipped  EventAction = "skipped"
)

// Event is emitted to Options.OnEvent.
type Event struct {
	Action   EventAction
	Job      string
	Status   string
	Error    string
	Duration time.Duration
}

// Options configures a Scheduler.
type Options struct {
	// Location for cron specs, time.Local when nil.
	Location *time.Location
	OnEvent  func(Event)
}
