package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"campaignd/internal/metrics"
	"campaignd/internal/notify"
)

// PollerConfig controls the poll cadence and crash recovery threshold.
type PollerConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

const staleRunMessage = "run abandoned: no completion recorded"

// Poller promotes due scheduled jobs into orchestrated runs on a fixed interval.
// Cycles never overlap.
type Poller struct {
	store        Store
	orchestrator *Orchestrator
	sealer       Sealer
	notifier     notify.Notifier
	metrics      metrics.Sink
	logger       *slog.Logger
	cfg          PollerConfig
	clock        func() time.Time

	cron *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPoller constructs a poller. Nil sealer, notifier or sink fall back to no-op implementations.
func NewPoller(store Store, orchestrator *Orchestrator, sealer Sealer, notifier notify.Notifier, sink metrics.Sink, logger *slog.Logger, cfg PollerConfig) *Poller {
	if sealer == nil {
		sealer = PlainSealer{}
	}
	if notifier == nil {
		notifier = notify.NoOpNotifier{}
	}
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return &Poller{
		store:        store,
		orchestrator: orchestrator,
		sealer:       sealer,
		notifier:     notifier,
		metrics:      sink,
		logger:       logger,
		cfg:          cfg,
		clock:        time.Now,
		cron:         c,
	}
}

// Start sweeps stale rows once and then begins the recurring poll.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	runCtx := p.ctx
	p.mu.Unlock()

	if err := p.Reconcile(runCtx); err != nil {
		p.logger.Error("startup reconcile", "err", err)
	}
	p.cron.Schedule(cron.Every(p.cfg.Interval), cron.FuncJob(func() {
		if _, err := p.PollOnce(runCtx); err != nil {
			p.logger.Error("poll cycle", "err", err)
		}
	}))
	p.cron.Start()
	p.logger.Info("poller started", "interval", p.cfg.Interval, "stale_after", p.cfg.StaleAfter)
}

// Stop halts the timer. The returned context is done once an in-flight cycle has finished.
func (p *Poller) Stop() context.Context {
	stopped := p.cron.Stop()
	done, finish := context.WithCancel(context.Background())
	go func() {
		<-stopped.Done()
		p.mu.Lock()
		if p.cancel != nil {
			p.cancel()
		}
		p.mu.Unlock()
		finish()
	}()
	return done
}

// PollOnce runs one full poll cycle and returns the number of due jobs it handled.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	started := p.clock()
	if err := p.Reconcile(ctx); err != nil {
		p.logger.Warn("reconcile", "err", err)
	}

	status := JobStatusScheduled
	jobs, err := p.store.ListScheduledJobs(ctx, &status, 0)
	if err != nil {
		return 0, fmt.Errorf("list scheduled jobs: %w", err)
	}
	now := p.clock().UTC()
	due := make([]*ScheduledJob, 0, len(jobs))
	for _, job := range jobs {
		if !job.RunAt.UTC().After(now) {
			due = append(due, job)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		if !due[i].RunAt.Equal(due[j].RunAt) {
			return due[i].RunAt.Before(due[j].RunAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		p.runJob(ctx, job)
	}
	p.metrics.PollCycleCompleted(p.clock().Sub(started), len(due))
	if len(due) > 0 {
		p.logger.Info("poll cycle completed", "due_jobs", len(due))
	}
	return len(due), ctx.Err()
}

func (p *Poller) runJob(ctx context.Context, job *ScheduledJob) {
	log := p.logger.With("job_id", job.ID, "campaign_id", job.CampaignID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("scheduled job panicked", "panic", r)
			p.finishJob(ctx, job, JobStatusFailed, log)
		}
	}()

	if !job.HasCredential() {
		ok, err := p.store.TransitionScheduledJob(ctx, job.ID, []JobStatus{JobStatusScheduled}, JobStatusWaitingToken, p.clock().UTC())
		if err != nil {
			log.Error("mark job waiting for token", "err", err)
		} else if ok {
			log.Info("scheduled job is waiting for a token")
		}
		return
	}

	claimed, err := p.store.TransitionScheduledJob(ctx, job.ID, []JobStatus{JobStatusScheduled}, JobStatusRunning, p.clock().UTC())
	if err != nil {
		log.Error("claim scheduled job", "err", err)
		return
	}
	if !claimed {
		log.Debug("scheduled job changed before pickup")
		return
	}

	credential, err := p.sealer.Open(*job.Credential)
	if err != nil {
		log.Error("open stored credential", "err", err)
		p.finishJob(ctx, job, JobStatusFailed, log)
		return
	}
	inputs, err := p.orchestrator.Resolve(ctx, job.CampaignID)
	if err != nil {
		log.Warn("resolve scheduled job inputs", "err", err)
		p.finishJob(ctx, job, JobStatusFailed, log)
		return
	}

	run, err := p.orchestrator.StartRun(ctx, RunRequest{
		CampaignID: job.CampaignID,
		Mode:       ModeSend,
		Credential: credential,
		Inputs:     inputs,
		OnCreated: func(run *RunRecord) {
			if err := p.store.SetScheduledJobLastRun(ctx, job.ID, run.ID, p.clock().UTC()); err != nil {
				log.Error("record last run id", "run_id", run.ID, "err", err)
			}
		},
	})
	if errors.Is(err, ErrCampaignBusy) {
		// Another send of this campaign is in flight; retry on a later cycle.
		if _, terr := p.store.TransitionScheduledJob(ctx, job.ID, []JobStatus{JobStatusRunning}, JobStatusScheduled, p.clock().UTC()); terr != nil {
			log.Error("return busy job to schedule", "err", terr)
		}
		log.Info("campaign busy, scheduled job deferred")
		return
	}
	if run == nil {
		log.Warn("scheduled run not started", "err", err)
		p.finishJob(ctx, job, JobStatusFailed, log)
		return
	}
	if err != nil {
		log.Error("scheduled run orchestration", "run_id", run.ID, "err", err)
	}

	final := JobStatusFailed
	if run.Status == RunStatusSuccess {
		final = JobStatusSuccess
	}
	p.finishJob(ctx, job, final, log.With("run_id", run.ID))
}

func (p *Poller) finishJob(ctx context.Context, job *ScheduledJob, status JobStatus, log *slog.Logger) {
	writeCtx := context.WithoutCancel(ctx)
	ok, err := p.store.TransitionScheduledJob(writeCtx, job.ID, []JobStatus{JobStatusRunning}, status, p.clock().UTC())
	if err != nil {
		log.Error("finish scheduled job", "status", status, "err", err)
		return
	}
	if !ok {
		log.Warn("scheduled job left running state elsewhere", "status", status)
		return
	}
	p.metrics.ScheduledJobFinished(string(status))
	log.Info("scheduled job finished", "status", status)

	title := fmt.Sprintf("campaignd: scheduled send %s", status)
	body := fmt.Sprintf("campaign %s", job.CampaignID)
	if job.CampaignName != nil && *job.CampaignName != "" {
		body = fmt.Sprintf("campaign %s (%s)", *job.CampaignName, job.CampaignID)
	}
	if err := p.notifier.Send(writeCtx, title, body); err != nil {
		log.Warn("send notification", "err", err)
	}
}

// Reconcile fails running runs and jobs that have not made progress within the stale threshold.
func (p *Poller) Reconcile(ctx context.Context) error {
	if p.cfg.StaleAfter <= 0 {
		return nil
	}
	now := p.clock().UTC()
	cutoff := now.Add(-p.cfg.StaleAfter)
	var errs []error

	runs, err := p.store.ListRunningRuns(ctx)
	if err != nil {
		errs = append(errs, fmt.Errorf("list running runs: %w", err))
	}
	failedRuns := 0
	for _, run := range runs {
		if !run.StartedAt.Before(cutoff) {
			continue
		}
		if err := AppendRunLog(run.LogPath, "STALE RUN", staleRunMessage); err != nil {
			p.logger.Warn("append stale run log", "run_id", run.ID, "err", err)
		}
		result := RunResult{OK: false, Error: staleRunMessage, Kind: ResultKindStale}
		err := p.store.CompleteRun(ctx, run.ID, RunStatusFailed, now, result)
		switch {
		case errors.Is(err, ErrRunFinalized):
		case err != nil:
			errs = append(errs, fmt.Errorf("fail stale run %s: %w", run.ID, err))
		default:
			failedRuns++
			p.logger.Warn("failed stale run", "run_id", run.ID, "campaign_id", run.CampaignID, "started_at", run.StartedAt)
		}
	}
	p.metrics.StaleRowsFailed(metrics.KindRun, failedRuns)

	running := JobStatusRunning
	jobs, err := p.store.ListScheduledJobs(ctx, &running, 0)
	if err != nil {
		errs = append(errs, fmt.Errorf("list running jobs: %w", err))
	}
	failedJobs := 0
	for _, job := range jobs {
		if !job.UpdatedAt.Before(cutoff) {
			continue
		}
		ok, err := p.store.TransitionScheduledJob(ctx, job.ID, []JobStatus{JobStatusRunning}, JobStatusFailed, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("fail stale job %s: %w", job.ID, err))
			continue
		}
		if ok {
			failedJobs++
			p.logger.Warn("failed stale scheduled job", "job_id", job.ID, "updated_at", job.UpdatedAt)
		}
	}
	p.metrics.StaleRowsFailed(metrics.KindScheduledJob, failedJobs)
	return errors.Join(errs...)
}
