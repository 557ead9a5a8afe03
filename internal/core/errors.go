package core

import (
	"errors"
	"fmt"
)

// ErrMissingDependency is wrapped by every lookup failure of an entity a run depends on.
var ErrMissingDependency = errors.New("missing dependency")

var (
	ErrCampaignNotFound = fmt.Errorf("campaign not found: %w", ErrMissingDependency)
	ErrCustomerNotFound = fmt.Errorf("customer not found: %w", ErrMissingDependency)
	ErrSnapshotNotFound = fmt.Errorf("audience snapshot not found: %w", ErrMissingDependency)
)

var (
	ErrRunNotFound        = errors.New("run not found")
	ErrRunFinalized       = errors.New("run already finished")
	ErrJobNotFound        = errors.New("scheduled job not found")
	ErrJobRunning         = errors.New("scheduled job is already running")
	ErrJobTerminal        = errors.New("scheduled job already finished")
	ErrCampaignBusy       = errors.New("campaign already has a running send")
	ErrCredentialRequired = errors.New("token is required")
	ErrInvalidMode        = errors.New("invalid run mode")
	ErrEmptyMessage       = errors.New("campaign has no message text")
	ErrInvalidMediaType   = errors.New("media type must be Image or Video")
	ErrOrchestration      = errors.New("run orchestration failed")
)

// UploadError reports a media upload that did not yield a remote file id.
type UploadError struct {
	Outcome Outcome
	Reason  string
}

// ErrUploadFailed matches any *UploadError via errors.Is.
var ErrUploadFailed = errors.New("media upload failed")

func (e *UploadError) Error() string {
	if e.Reason == "" {
		return ErrUploadFailed.Error()
	}
	return fmt.Sprintf("%s: %s", ErrUploadFailed, e.Reason)
}

func (e *UploadError) Is(target error) bool {
	return target == ErrUploadFailed
}
