package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is where a job sits in its lifecycle.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// States lists every state in lifecycle order.
var States = []State{StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state %q", s)
}

// Terminal reports whether a job in this state will never run again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is the broker's record of one unit of deferred work. Attempts counts
// claims, so it equals the number of times a handler has been started.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	State       State           `json:"state"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	RunAt       time.Time       `json:"run_at"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	FinishedAt  time.Time       `json:"finished_at,omitzero"`
	LeaseUntil  time.Time       `json:"lease_until,omitzero"`
}

// Exhausted reports whether the job has used every attempt.
func (j *Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// Stats holds per-state counts.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Depth is the number of jobs not yet picked up.
func (s Stats) Depth() int64 {
	return s.Waiting + s.Delayed
}

// Count returns the count for one state.
func (s Stats) Count(state State) int64 {
	switch state {
	case StateWaiting:
		return s.Waiting
	case StateDelayed:
		return s.Delayed
	case StateActive:
		return s.Active
	case StateCompleted:
		return s.Completed
	case StateFailed:
		return s.Failed
	}
	return 0
}
