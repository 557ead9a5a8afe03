package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxScheduledJobList caps a single listing of scheduled jobs.
const MaxScheduledJobList = 300

// Schedules owns the request-path operations on scheduled jobs.
type Schedules struct {
	store  Store
	sealer Sealer
	clock  func() time.Time
}

func NewSchedules(store Store, sealer Sealer) *Schedules {
	if sealer == nil {
		sealer = PlainSealer{}
	}
	return &Schedules{store: store, sealer: sealer, clock: time.Now}
}

// ParseRunAt parses a timezone-aware RFC 3339 instant and normalizes it to UTC.
func ParseRunAt(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, fmt.Errorf("run_at must be an RFC 3339 timestamp with a timezone offset: %w", err)
	}
	return t.UTC(), nil
}

// Schedule creates a job that the poller will run at runAt.
func (s *Schedules) Schedule(ctx context.Context, campaignID string, runAt time.Time, credential string) (*ScheduledJob, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrCredentialRequired
	}
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	customer, err := s.store.GetCustomer(ctx, campaign.CustomerID)
	if err != nil && !errors.Is(err, ErrCustomerNotFound) {
		return nil, err
	}
	sealed, err := s.sealer.Seal(credential)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}

	now := s.clock().UTC()
	job := &ScheduledJob{
		ID:         NewID(),
		CampaignID: campaign.ID,
		RunAt:      runAt.UTC(),
		Status:     JobStatusScheduled,
		Credential: &sealed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if campaign.Name != nil {
		name := *campaign.Name
		job.CampaignName = &name
	}
	if customer != nil {
		name := customer.Name
		job.CustomerName = &name
	}
	if err := s.store.InsertScheduledJob(ctx, job); err != nil {
		return nil, fmt.Errorf("insert scheduled job: %w", err)
	}
	return job, nil
}

// Cancel stops a job that has not been picked up. A job that already
// finished is returned unchanged.
func (s *Schedules) Cancel(ctx context.Context, id string) (*ScheduledJob, error) {
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}
	if job.Status == JobStatusRunning {
		return job, ErrJobRunning
	}
	ok, err := s.store.TransitionScheduledJob(ctx, id, []JobStatus{JobStatusScheduled, JobStatusWaitingToken}, JobStatusCanceled, s.clock().UTC())
	if err != nil {
		return nil, fmt.Errorf("cancel scheduled job: %w", err)
	}
	current, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok && current.Status == JobStatusRunning {
		// The poller claimed the job first.
		return current, ErrJobRunning
	}
	return current, nil
}

// Rearm replaces the job's credential and returns it to scheduled.
// A nil runAt keeps the existing due time.
func (s *Schedules) Rearm(ctx context.Context, id, credential string, runAt *time.Time) (*ScheduledJob, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrCredentialRequired
	}
	job, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rearmRejection(job.Status); err != nil {
		return job, err
	}
	sealed, err := s.sealer.Seal(credential)
	if err != nil {
		return nil, fmt.Errorf("seal credential: %w", err)
	}
	var due *time.Time
	if runAt != nil {
		utc := runAt.UTC()
		due = &utc
	}
	ok, err := s.store.RearmScheduledJob(ctx, id, sealed, due, s.clock().UTC())
	if err != nil {
		return nil, fmt.Errorf("rearm scheduled job: %w", err)
	}
	current, err := s.store.GetScheduledJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		if err := rearmRejection(current.Status); err != nil {
			return current, err
		}
	}
	return current, nil
}

func rearmRejection(status JobStatus) error {
	switch {
	case status == JobStatusRunning:
		return ErrJobRunning
	case status.Terminal():
		return ErrJobTerminal
	default:
		return nil
	}
}

// Get returns a single job.
func (s *Schedules) Get(ctx context.Context, id string) (*ScheduledJob, error) {
	return s.store.GetScheduledJob(ctx, id)
}

// List returns jobs newest run_at first, optionally filtered by status.
func (s *Schedules) List(ctx context.Context, status *JobStatus, limit int) ([]*ScheduledJob, error) {
	if limit <= 0 || limit > MaxScheduledJobList {
		limit = MaxScheduledJobList
	}
	return s.store.ListScheduledJobs(ctx, status, limit)
}
