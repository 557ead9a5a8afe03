package core

import (
	"context"
	"time"
)

// Store abstracts the persistence layer used by the orchestrator, poller and
// schedule operations. Every state change of a run or scheduled job is a
// conditional write: it applies only if the row is still in an expected
// status, and reports whether it applied.
type Store interface {
	// Catalog lookups
	GetCampaign(ctx context.Context, id string) (*Campaign, error)
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	GetAudienceSnapshot(ctx context.Context, id string) (*AudienceSnapshot, error)
	InsertCustomerMedia(ctx context.Context, media *CustomerMedia) error

	// Run operations
	// InsertRun fails with ErrCampaignBusy while another run of the same campaign is running.
	InsertRun(ctx context.Context, run *RunRecord) error
	// CompleteRun fails with ErrRunFinalized unless the run is still running.
	CompleteRun(ctx context.Context, id string, status RunStatus, finishedAt time.Time, result RunResult) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRunningRuns(ctx context.Context) ([]*RunRecord, error)

	// Scheduled job operations
	InsertScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	ListScheduledJobs(ctx context.Context, status *JobStatus, limit int) ([]*ScheduledJob, error)
	// TransitionScheduledJob moves a job to status `to` if its current status is one of `from`.
	// The stored credential is scrubbed when `to` is terminal.
	TransitionScheduledJob(ctx context.Context, id string, from []JobStatus, to JobStatus, at time.Time) (bool, error)
	// RearmScheduledJob replaces the credential and resets the job to scheduled if it is armable.
	RearmScheduledJob(ctx context.Context, id string, credential string, runAt *time.Time, at time.Time) (bool, error)
	SetScheduledJobLastRun(ctx context.Context, id, runID string, at time.Time) error
}
