package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink with Prometheus collectors.
// Registration errors are logged, never propagated.
type PrometheusSink struct {
	pollCyclesTotal   prometheus.Counter
	pollCycleDuration prometheus.Histogram
	pollDueJobsTotal  prometheus.Counter

	jobsFinishedTotal *prometheus.CounterVec
	runsFinishedTotal *prometheus.CounterVec
	runDuration       *prometheus.HistogramVec
	staleRowsTotal    *prometheus.CounterVec

	logger *slog.Logger
}

// NewPrometheusSink creates the collectors and registers them with reg.
func NewPrometheusSink(reg prometheus.Registerer, logger *slog.Logger) *PrometheusSink {
	s := &PrometheusSink{logger: logger}

	s.pollCyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campaignd_poll_cycles_total",
		Help: "Total number of completed poll cycles.",
	})
	s.pollCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "campaignd_poll_cycle_duration_seconds",
		Help:    "Duration of each poll cycle in seconds, including the runs it started.",
		Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 1800, 7200},
	})
	s.pollDueJobsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "campaignd_poll_due_jobs_total",
		Help: "Total number of due scheduled jobs seen by poll cycles.",
	})
	s.jobsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignd_scheduled_jobs_finished_total",
		Help: "Scheduled jobs that reached a terminal or waiting state, by status.",
	}, []string{"status"})
	s.runsFinishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignd_runs_finished_total",
		Help: "External process runs that finished, by mode and status.",
	}, []string{"mode", "status"})
	s.runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "campaignd_run_duration_seconds",
		Help:    "Wall-clock duration of external process runs in seconds.",
		Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"mode"})
	s.staleRowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "campaignd_stale_rows_failed_total",
		Help: "Rows left running past the liveness threshold and failed by reconciliation.",
	}, []string{"kind"})

	s.register(reg, s.pollCyclesTotal, "campaignd_poll_cycles_total")
	s.register(reg, s.pollCycleDuration, "campaignd_poll_cycle_duration_seconds")
	s.register(reg, s.pollDueJobsTotal, "campaignd_poll_due_jobs_total")
	s.register(reg, s.jobsFinishedTotal, "campaignd_scheduled_jobs_finished_total")
	s.register(reg, s.runsFinishedTotal, "campaignd_runs_finished_total")
	s.register(reg, s.runDuration, "campaignd_run_duration_seconds")
	s.register(reg, s.staleRowsTotal, "campaignd_stale_rows_failed_total")
	return s
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("register metric", "name", name, "err", err)
	}
}

func (s *PrometheusSink) PollCycleCompleted(duration time.Duration, dueJobs int) {
	s.pollCyclesTotal.Inc()
	s.pollCycleDuration.Observe(duration.Seconds())
	s.pollDueJobsTotal.Add(float64(dueJobs))
}

func (s *PrometheusSink) ScheduledJobFinished(status string) {
	s.jobsFinishedTotal.WithLabelValues(status).Inc()
}

func (s *PrometheusSink) RunFinished(mode, status string, duration time.Duration) {
	s.runsFinishedTotal.WithLabelValues(mode, status).Inc()
	s.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func (s *PrometheusSink) StaleRowsFailed(kind string, count int) {
	if count <= 0 {
		return
	}
	s.staleRowsTotal.WithLabelValues(kind).Add(float64(count))
}
