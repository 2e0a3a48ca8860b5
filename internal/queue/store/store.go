// Package store holds the job broker implementations.
package store

import (
	"time"

	"switchboard/internal/queue"
)

// Retention bounds how long settled jobs stay visible.
type Retention struct {
	CompletedCount int
	CompletedAge   time.Duration
	FailedAge      time.Duration
}

// DefaultRetention keeps the last 1000 completed jobs for up to a day and
// failed jobs for a week.
func DefaultRetention() Retention {
	return Retention{
		CompletedCount: queue.CompletedRetentionCount,
		CompletedAge:   queue.CompletedRetentionAge,
		FailedAge:      queue.FailedRetentionAge,
	}
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}

const leaseExpiredError = "lease expired before the job settled"
