package core

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store with the same conditional-write semantics as the sqlite store.
type memStore struct {
	mu        sync.Mutex
	campaigns map[string]*Campaign
	customers map[string]*Customer
	snapshots map[string]*AudienceSnapshot
	media     []*CustomerMedia
	runs      map[string]*RunRecord
	jobs      map[string]*ScheduledJob

	// beforeTransition, if set, runs before a job transition is applied.
	beforeTransition func(id string, to JobStatus)
}

func newMemStore() *memStore {
	return &memStore{
		campaigns: map[string]*Campaign{},
		customers: map[string]*Customer{},
		snapshots: map[string]*AudienceSnapshot{},
		runs:      map[string]*RunRecord{},
		jobs:      map[string]*ScheduledJob{},
	}
}

// seedCampaign stores a campaign with its customer and snapshot and returns the campaign id.
func (m *memStore) seedCampaign(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := "campaign " + id
	m.customers["cust-"+id] = &Customer{ID: "cust-" + id, Code: "C1", Name: "Acme", ServiceID: "svc-1"}
	m.snapshots["snap-"+id] = &AudienceSnapshot{ID: "snap-" + id, StoredPath: "/data/audience.xlsx", RowCount: 3}
	m.campaigns[id] = &Campaign{
		ID:                 id,
		Name:               &name,
		CustomerID:         "cust-" + id,
		AudienceSnapshotID: "snap-" + id,
		MessageText:        "hello there",
		Status:             "ready",
	}
	return id
}

func (m *memStore) deleteCustomer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.customers, id)
}

func (m *memStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, ErrCampaignNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) GetAudienceSnapshot(ctx context.Context, id string) (*AudienceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[id]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) InsertCustomerMedia(ctx context.Context, media *CustomerMedia) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *media
	m.media = append(m.media, &cp)
	return nil
}

func (m *memStore) InsertRun(ctx context.Context, run *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.CampaignID == run.CampaignID && r.Status == RunStatusRunning {
			return ErrCampaignBusy
		}
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *memStore) CompleteRun(ctx context.Context, id string, status RunStatus, finishedAt time.Time, result RunResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok || r.Status != RunStatusRunning {
		return ErrRunFinalized
	}
	r.Status = status
	r.FinishedAt = &finishedAt
	r.Result = &result
	return nil
}

func (m *memStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ListRunningRuns(ctx context.Context) ([]*RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*RunRecord
	for _, r := range m.runs {
		if r.Status == RunStatusRunning {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) InsertScheduledJob(ctx context.Context, job *ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memStore) GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ListScheduledJobs(ctx context.Context, status *JobStatus, limit int) ([]*ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ScheduledJob
	for _, j := range m.jobs {
		if status != nil && j.Status != *status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RunAt.After(out[k].RunAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) TransitionScheduledJob(ctx context.Context, id string, from []JobStatus, to JobStatus, at time.Time) (bool, error) {
	if m.beforeTransition != nil {
		m.beforeTransition(id, to)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, s := range from {
		if j.Status == s {
			matched = true
		}
	}
	if !matched {
		return false, nil
	}
	j.Status = to
	j.UpdatedAt = at
	if to.Terminal() {
		j.Credential = nil
	}
	return true, nil
}

func (m *memStore) RearmScheduledJob(ctx context.Context, id string, credential string, runAt *time.Time, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || !j.Status.Armable() {
		return false, nil
	}
	c := credential
	j.Credential = &c
	if runAt != nil {
		j.RunAt = *runAt
	}
	j.Status = JobStatusScheduled
	j.UpdatedAt = at
	return true, nil
}

func (m *memStore) SetScheduledJobLastRun(ctx context.Context, id, runID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	r := runID
	j.LastRunID = &r
	j.UpdatedAt = at
	return nil
}

// fakeRunner records invocations and returns a scripted outcome.
type fakeRunner struct {
	mu      sync.Mutex
	dir     string
	calls   []Invocation
	outcome func(inv Invocation) Outcome
	// hook runs during Execute, while the run is in flight.
	hook func(inv Invocation)
}

func newFakeRunner(dir string, exitCode int) *fakeRunner {
	return &fakeRunner{
		dir: dir,
		outcome: func(inv Invocation) Outcome {
			return Outcome{ExitCode: exitCode}
		},
	}
}

func (f *fakeRunner) RunDir(runID string) string  { return filepath.Join(f.dir, runID) }
func (f *fakeRunner) LogPath(runID string) string { return filepath.Join(f.RunDir(runID), runLogName) }

func (f *fakeRunner) Execute(ctx context.Context, inv Invocation) Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	if f.hook != nil {
		f.hook(inv)
	}
	_ = os.MkdirAll(f.RunDir(inv.RunID), 0o755)
	_ = os.WriteFile(f.LogPath(inv.RunID), []byte("COMMAND:\nfake\n\n"), 0o644)
	out := f.outcome(inv)
	out.RunDir = f.RunDir(inv.RunID)
	out.LogPath = f.LogPath(inv.RunID)
	return out
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// recordingNotifier captures notification titles.
type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (r *recordingNotifier) Send(ctx context.Context, title, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return nil
}
