package metrics

import "time"

// NoopSink discards all metrics.
type NoopSink struct{}

func (NoopSink) PollCycleCompleted(time.Duration, int)     {}
func (NoopSink) ScheduledJobFinished(string)               {}
func (NoopSink) RunFinished(string, string, time.Duration) {}
func (NoopSink) StaleRowsFailed(string, int)               {}
