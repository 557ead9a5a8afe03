// Package metrics records scheduler and run outcomes.
//
// All Sink methods are fire-and-forget: implementations must not block or
// return errors to the caller.
package metrics

import "time"

// Sink defines the interface for recording metrics.
type Sink interface {
	PollCycleCompleted(duration time.Duration, dueJobs int)
	ScheduledJobFinished(status string)
	RunFinished(mode, status string, duration time.Duration)
	StaleRowsFailed(kind string, count int)
}

// Stale row kinds.
const (
	KindRun          = "run"
	KindScheduledJob = "scheduled_job"
)
