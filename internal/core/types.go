package core

import (
	"encoding/json"
	"time"
)

// RunStatus describes the state of an individual execution attempt.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Terminal reports whether the run has reached its final state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// JobStatus describes the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobStatusScheduled    JobStatus = "scheduled"
	JobStatusWaitingToken JobStatus = "waiting_token"
	JobStatusRunning      JobStatus = "running"
	JobStatusSuccess      JobStatus = "success"
	JobStatusFailed       JobStatus = "failed"
	JobStatusCanceled     JobStatus = "canceled"
)

// Terminal reports whether no further transition is accepted.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSuccess, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// Armable reports whether a fresh credential may be supplied in this state.
func (s JobStatus) Armable() bool {
	return s == JobStatusScheduled || s == JobStatusWaitingToken
}

// Mode selects what the external process does.
type Mode string

const (
	ModeTestSend    Mode = "test-send"
	ModeSend        Mode = "send"
	ModeUploadMedia Mode = "upload-media"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeTestSend, ModeSend, ModeUploadMedia:
		return true
	default:
		return false
	}
}

// RunRecord captures a single execution attempt of a campaign send.
type RunRecord struct {
	ID            string
	CampaignID    string
	Mode          Mode
	Status        RunStatus
	StartedAt     time.Time
	FinishedAt    *time.Time
	LogPath       string
	ArtifactsPath string
	Result        *RunResult
}

// RunResult is the structured payload recorded when a run finishes.
type RunResult struct {
	OK         bool   `json:"ok"`
	ReturnCode *int   `json:"returncode,omitempty"`
	Error      string `json:"error,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

// Result kinds that qualify a failure.
const (
	ResultKindTimeout = "timeout"
	ResultKindStale   = "stale"
)

// Marshal encodes the result for storage.
func (r RunResult) Marshal() []byte {
	data, err := json.Marshal(r)
	if err != nil {
		return []byte(`{"ok":false}`)
	}
	return data
}

// ScheduledJob is a deferred send awaiting pickup by the poller.
type ScheduledJob struct {
	ID           string
	CampaignID   string
	RunAt        time.Time
	Status       JobStatus
	Credential   *string
	CustomerName *string
	CampaignName *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastRunID    *string
}

// HasCredential reports whether a credential is currently stored.
func (j *ScheduledJob) HasCredential() bool {
	return j.Credential != nil && *j.Credential != ""
}

// Customer is the read-only view of a messaging-service account.
type Customer struct {
	ID        string
	Code      string
	Name      string
	ServiceID string
	CreatedAt time.Time
}

// Campaign is the read-only view of a message campaign.
type Campaign struct {
	ID                 string
	Name               *string
	CustomerID         string
	AudienceSnapshotID string
	SelectedFileID     *string
	MessageText        string
	TestNumber         *string
	Status             string
	CreatedAt          time.Time
}

// AudienceSnapshot is a previously validated recipient file.
type AudienceSnapshot struct {
	ID               string
	OriginalFilename string
	StoredPath       string
	RowCount         int
	Hash             string
	CreatedAt        time.Time
}

// CustomerMedia is a media file registered with the messaging service.
type CustomerMedia struct {
	ID         string
	CustomerID string
	FileID     string
	FileName   *string
	FileType   string
	CreatedAt  time.Time
}
