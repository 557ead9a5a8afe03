package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"campaignd/internal/metrics"
)

// RunInputs are the collaborator entities a send depends on.
type RunInputs struct {
	Campaign *Campaign
	Customer *Customer
	Snapshot *AudienceSnapshot
}

// RunRequest asks the orchestrator to send a campaign.
type RunRequest struct {
	CampaignID string
	Mode       Mode
	Credential string
	// TestNumber overrides the destination of a test send.
	TestNumber string
	// Inputs skips the lookup when the caller already resolved them.
	Inputs *RunInputs
	// OnCreated is called once the run record exists, before the process starts.
	OnCreated func(run *RunRecord)
}

// UploadRequest asks the orchestrator to register a local media file.
type UploadRequest struct {
	CustomerID string
	Credential string
	MediaPath  string
	MediaType  string
	FileName   string
}

// Orchestrator turns a campaign send into a recorded run.
type Orchestrator struct {
	store             Store
	runner            Runner
	metrics           metrics.Sink
	logger            *slog.Logger
	defaultTestNumber string
	clock             func() time.Time
}

// NewOrchestrator wires the orchestrator to its store and runner.
func NewOrchestrator(store Store, runner Runner, sink metrics.Sink, logger *slog.Logger, defaultTestNumber string) *Orchestrator {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Orchestrator{
		store:             store,
		runner:            runner,
		metrics:           sink,
		logger:            logger,
		defaultTestNumber: defaultTestNumber,
		clock:             time.Now,
	}
}

// Resolve loads the campaign, its customer and its audience snapshot.
// Any missing entity yields an error wrapping ErrMissingDependency.
func (o *Orchestrator) Resolve(ctx context.Context, campaignID string) (*RunInputs, error) {
	campaign, err := o.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	customer, err := o.store.GetCustomer(ctx, campaign.CustomerID)
	if err != nil {
		return nil, err
	}
	snapshot, err := o.store.GetAudienceSnapshot(ctx, campaign.AudienceSnapshotID)
	if err != nil {
		return nil, err
	}
	return &RunInputs{Campaign: campaign, Customer: customer, Snapshot: snapshot}, nil
}

// StartRun records a run, executes it synchronously and records its outcome.
// A nil record is returned only when validation or lookup fails before the
// run exists. Once the record exists it always reaches a terminal status.
func (o *Orchestrator) StartRun(ctx context.Context, req RunRequest) (*RunRecord, error) {
	if req.Mode != ModeTestSend && req.Mode != ModeSend {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}
	credential := strings.TrimSpace(req.Credential)
	if credential == "" {
		return nil, ErrCredentialRequired
	}

	inputs := req.Inputs
	if inputs == nil {
		resolved, err := o.Resolve(ctx, req.CampaignID)
		if err != nil {
			return nil, err
		}
		inputs = resolved
	}
	if strings.TrimSpace(inputs.Campaign.MessageText) == "" {
		return nil, ErrEmptyMessage
	}

	runID := NewID()
	run := &RunRecord{
		ID:            runID,
		CampaignID:    inputs.Campaign.ID,
		Mode:          req.Mode,
		Status:        RunStatusRunning,
		StartedAt:     o.clock().UTC(),
		LogPath:       o.runner.LogPath(runID),
		ArtifactsPath: o.runner.RunDir(runID),
	}
	if err := o.store.InsertRun(ctx, run); err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	if err := CreateRunLog(run.LogPath); err != nil {
		o.logger.Warn("create run log", "run_id", run.ID, "log_path", run.LogPath, "err", err)
	}
	o.logger.Info("run started", "run_id", run.ID, "campaign_id", run.CampaignID, "mode", run.Mode)
	if req.OnCreated != nil {
		req.OnCreated(run)
	}

	inv := Invocation{
		RunID:        run.ID,
		Mode:         req.Mode,
		Credential:   credential,
		SnapshotPath: inputs.Snapshot.StoredPath,
		ServiceID:    inputs.Customer.ServiceID,
		MessageText:  inputs.Campaign.MessageText,
	}
	if inputs.Campaign.SelectedFileID != nil {
		inv.FileID = *inputs.Campaign.SelectedFileID
	}
	if req.Mode == ModeTestSend {
		inv.TestNumber = o.testNumber(req.TestNumber, inputs.Campaign)
	}

	outcome, runErr := o.invoke(ctx, inv)

	status := RunStatusFailed
	var result RunResult
	switch {
	case runErr != nil:
		result = RunResult{OK: false, Error: runErr.Error()}
		o.appendLog(run.LogPath, "ORCHESTRATION ERROR", runErr.Error())
	case outcome.TimedOut:
		result = RunResult{OK: false, Error: outcome.Error, Kind: ResultKindTimeout}
	case outcome.Succeeded():
		status = RunStatusSuccess
		result = RunResult{OK: true}
	default:
		code := outcome.ExitCode
		result = RunResult{OK: false, ReturnCode: &code}
	}
	if info, err := os.Stat(run.LogPath); err != nil || info.Size() == 0 {
		reason := outcome.Error
		if reason == "" {
			reason = "run log was not written"
		}
		o.appendLog(run.LogPath, "RUNNER ERROR", reason)
	}

	finishedAt := o.clock().UTC()
	if finishedAt.Before(run.StartedAt) {
		finishedAt = run.StartedAt
	}
	// The terminal write must land even if the caller has gone away.
	if err := o.store.CompleteRun(context.WithoutCancel(ctx), run.ID, status, finishedAt, result); err != nil {
		o.logger.Error("record run outcome", "run_id", run.ID, "err", err)
		return run, fmt.Errorf("%w: record outcome: %v", ErrOrchestration, err)
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	run.Result = &result

	o.metrics.RunFinished(string(run.Mode), string(status), finishedAt.Sub(run.StartedAt))
	o.logger.Info("run finished", "run_id", run.ID, "campaign_id", run.CampaignID, "status", status, "exit_code", outcome.ExitCode)

	if runErr != nil {
		return run, fmt.Errorf("%w: %v", ErrOrchestration, runErr)
	}
	return run, nil
}

// UploadMedia uploads a local file through the external process and records
// the remote file id it reports.
func (o *Orchestrator) UploadMedia(ctx context.Context, req UploadRequest) (*CustomerMedia, error) {
	if req.MediaType != "Image" && req.MediaType != "Video" {
		return nil, ErrInvalidMediaType
	}
	credential := strings.TrimSpace(req.Credential)
	if credential == "" {
		return nil, ErrCredentialRequired
	}
	if _, err := o.store.GetCustomer(ctx, req.CustomerID); err != nil {
		return nil, err
	}

	started := o.clock()
	outcome, err := o.invoke(ctx, Invocation{
		RunID:      NewID(),
		Mode:       ModeUploadMedia,
		Credential: credential,
		MediaPath:  req.MediaPath,
		MediaType:  req.MediaType,
	})
	duration := o.clock().Sub(started)
	if err != nil {
		o.metrics.RunFinished(string(ModeUploadMedia), string(RunStatusFailed), duration)
		return nil, &UploadError{Outcome: outcome, Reason: err.Error()}
	}

	var reason string
	switch {
	case outcome.Result == nil:
		reason = "no result file written"
	case !outcome.Result.OK:
		reason = outcome.Result.Error
		if reason == "" {
			reason = "upload reported failure"
		}
	case outcome.Result.FileID == "":
		reason = "result has no file_id"
	}
	if reason != "" {
		o.metrics.RunFinished(string(ModeUploadMedia), string(RunStatusFailed), duration)
		o.logger.Warn("media upload failed", "customer_id", req.CustomerID, "run_dir", outcome.RunDir, "exit_code", outcome.ExitCode, "reason", reason)
		return nil, &UploadError{Outcome: outcome, Reason: reason}
	}
	o.metrics.RunFinished(string(ModeUploadMedia), string(RunStatusSuccess), duration)

	media := &CustomerMedia{
		ID:         NewID(),
		CustomerID: req.CustomerID,
		FileID:     outcome.Result.FileID,
		FileType:   req.MediaType,
		CreatedAt:  o.clock().UTC(),
	}
	if req.FileName != "" {
		name := req.FileName
		media.FileName = &name
	}
	if err := o.store.InsertCustomerMedia(ctx, media); err != nil {
		return nil, fmt.Errorf("insert customer media: %w", err)
	}
	return media, nil
}

func (o *Orchestrator) testNumber(override string, campaign *Campaign) string {
	if n := strings.TrimSpace(override); n != "" {
		return n
	}
	if campaign.TestNumber != nil && *campaign.TestNumber != "" {
		return *campaign.TestNumber
	}
	return o.defaultTestNumber
}

func (o *Orchestrator) invoke(ctx context.Context, inv Invocation) (out Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("runner panic: %v", p)
		}
	}()
	return o.runner.Execute(ctx, inv), nil
}

func (o *Orchestrator) appendLog(path, title, message string) {
	if err := AppendRunLog(path, title, message); err != nil {
		o.logger.Error("append run log", "log_path", path, "err", err)
	}
}
