package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"campaignd/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var baseTime = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func seedCatalog(t *testing.T, s *Store, suffix string) *core.Campaign {
	t.Helper()
	ctx := context.Background()
	customer := &core.Customer{ID: "cust-" + suffix, Code: "CODE-" + suffix, Name: "Acme " + suffix, ServiceID: "svc", CreatedAt: baseTime}
	require.NoError(t, s.InsertCustomer(ctx, customer))
	snap := &core.AudienceSnapshot{ID: "snap-" + suffix, OriginalFilename: "list.xlsx", StoredPath: "/data/list.xlsx", RowCount: 12, Hash: "abc", CreatedAt: baseTime}
	require.NoError(t, s.InsertAudienceSnapshot(ctx, snap))
	name := "Spring " + suffix
	campaign := &core.Campaign{
		ID:                 "camp-" + suffix,
		Name:               &name,
		CustomerID:         customer.ID,
		AudienceSnapshotID: snap.ID,
		MessageText:        "hello",
		Status:             "ready",
		CreatedAt:          baseTime,
	}
	require.NoError(t, s.InsertCampaign(ctx, campaign))
	return campaign
}

func newRun(id, campaignID string, startedAt time.Time) *core.RunRecord {
	return &core.RunRecord{
		ID:            id,
		CampaignID:    campaignID,
		Mode:          core.ModeSend,
		Status:        core.RunStatusRunning,
		StartedAt:     startedAt,
		LogPath:       "/runs/" + id + "/run.log",
		ArtifactsPath: "/runs/" + id,
	}
}

func TestOpen_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestCatalog_Lookups(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	campaign := seedCatalog(t, s, "a")

	got, err := s.GetCampaign(ctx, campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, campaign, got)

	customer, err := s.GetCustomer(ctx, campaign.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, "svc", customer.ServiceID)

	snap, err := s.GetAudienceSnapshot(ctx, campaign.AudienceSnapshotID)
	require.NoError(t, err)
	assert.Equal(t, "/data/list.xlsx", snap.StoredPath)

	_, err = s.GetCampaign(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrCampaignNotFound)
	_, err = s.GetCustomer(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrMissingDependency)
	_, err = s.GetAudienceSnapshot(ctx, "nope")
	assert.ErrorIs(t, err, core.ErrSnapshotNotFound)
}

func TestCatalog_CustomerMedia(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	campaign := seedCatalog(t, s, "a")
	name := "banner.png"

	require.NoError(t, s.InsertCustomerMedia(ctx, &core.CustomerMedia{
		ID: "m1", CustomerID: campaign.CustomerID, FileID: "remote-1", FileName: &name, FileType: "Image", CreatedAt: baseTime,
	}))
	require.NoError(t, s.InsertCustomerMedia(ctx, &core.CustomerMedia{
		ID: "m2", CustomerID: campaign.CustomerID, FileID: "remote-2", FileType: "Video", CreatedAt: baseTime.Add(time.Minute),
	}))

	media, err := s.ListCustomerMedia(ctx, campaign.CustomerID)
	require.NoError(t, err)
	require.Len(t, media, 2)
	assert.Equal(t, "remote-2", media[0].FileID)
	assert.Nil(t, media[0].FileName)
	require.NotNil(t, media[1].FileName)
	assert.Equal(t, "banner.png", *media[1].FileName)
}

func TestRuns_InsertIsExclusivePerCampaign(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertRun(ctx, newRun("r1", "camp-a", baseTime)))
	assert.ErrorIs(t, s.InsertRun(ctx, newRun("r2", "camp-a", baseTime)), core.ErrCampaignBusy)
	require.NoError(t, s.InsertRun(ctx, newRun("r3", "camp-b", baseTime)))

	require.NoError(t, s.CompleteRun(ctx, "r1", core.RunStatusSuccess, baseTime.Add(time.Minute), core.RunResult{OK: true}))
	require.NoError(t, s.InsertRun(ctx, newRun("r2", "camp-a", baseTime.Add(2*time.Minute))))
}

func TestRuns_CompleteOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertRun(ctx, newRun("r1", "camp-a", baseTime)))

	code := 7
	require.NoError(t, s.CompleteRun(ctx, "r1", core.RunStatusFailed, baseTime.Add(time.Second), core.RunResult{ReturnCode: &code}))
	err := s.CompleteRun(ctx, "r1", core.RunStatusSuccess, baseTime.Add(time.Hour), core.RunResult{OK: true})
	assert.ErrorIs(t, err, core.ErrRunFinalized)
	assert.ErrorIs(t, s.CompleteRun(ctx, "missing", core.RunStatusSuccess, baseTime, core.RunResult{OK: true}), core.ErrRunNotFound)

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, run.Status)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, baseTime.Add(time.Second), *run.FinishedAt)
	require.NotNil(t, run.Result)
	require.NotNil(t, run.Result.ReturnCode)
	assert.Equal(t, 7, *run.Result.ReturnCode)
	assert.False(t, run.Result.OK)
}

func TestRuns_ListingAndRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertRun(ctx, newRun("old", "camp-a", baseTime)))
	require.NoError(t, s.CompleteRun(ctx, "old", core.RunStatusSuccess, baseTime.Add(time.Second), core.RunResult{OK: true}))
	require.NoError(t, s.InsertRun(ctx, newRun("new", "camp-a", baseTime.Add(time.Hour))))
	require.NoError(t, s.InsertRun(ctx, newRun("other", "camp-b", baseTime.Add(500*time.Millisecond))))

	all, err := s.ListRuns(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"new", "other", "old"}, []string{all[0].ID, all[1].ID, all[2].ID})

	forA, err := s.ListRuns(ctx, "camp-a", 10, 0)
	require.NoError(t, err)
	assert.Len(t, forA, 2)

	running, err := s.ListRunningRuns(ctx)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "other", running[0].ID)
}

func TestRuns_Dashboard(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := seedCatalog(t, s, "a")
	b := seedCatalog(t, s, "b")
	require.NoError(t, s.InsertRun(ctx, newRun("ra", a.ID, baseTime)))
	require.NoError(t, s.CompleteRun(ctx, "ra", core.RunStatusFailed, baseTime.Add(time.Second), core.RunResult{Error: "x"}))
	require.NoError(t, s.InsertRun(ctx, newRun("rb", b.ID, baseTime.Add(time.Minute))))
	require.NoError(t, s.InsertRun(ctx, newRun("orphan", "deleted-campaign", baseTime)))

	all, err := s.ListDashboardRuns(ctx, DashboardFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "rb", all[0].Run.ID)
	assert.Equal(t, "Acme b", all[0].CustomerName)
	require.NotNil(t, all[0].CampaignName)
	assert.Equal(t, "Spring b", *all[0].CampaignName)

	byCustomer, err := s.ListDashboardRuns(ctx, DashboardFilter{CustomerID: a.CustomerID})
	require.NoError(t, err)
	require.Len(t, byCustomer, 1)
	assert.Equal(t, "ra", byCustomer[0].Run.ID)

	failed, err := s.ListDashboardRuns(ctx, DashboardFilter{Status: core.RunStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	byName, err := s.ListDashboardRuns(ctx, DashboardFilter{Query: "spring b"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "rb", byName[0].Run.ID)
}

func newJob(id string, runAt time.Time, credential string) *core.ScheduledJob {
	campaignName := "Spring"
	job := &core.ScheduledJob{
		ID:           id,
		CampaignID:   "camp-a",
		RunAt:        runAt,
		Status:       core.JobStatusScheduled,
		CampaignName: &campaignName,
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
	}
	if credential != "" {
		job.Credential = &credential
	}
	return job
}

func TestJobs_RoundTripAndListing(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertScheduledJob(ctx, newJob("j1", baseTime.Add(time.Hour), "tok")))
	require.NoError(t, s.InsertScheduledJob(ctx, newJob("j2", baseTime.Add(2*time.Hour), "tok")))
	require.NoError(t, s.InsertScheduledJob(ctx, newJob("j3", baseTime.Add(1500*time.Millisecond), "")))

	job, err := s.GetScheduledJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, newJob("j1", baseTime.Add(time.Hour), "tok"), job)

	_, err = s.GetScheduledJob(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrJobNotFound)

	all, err := s.ListScheduledJobs(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"j2", "j1", "j3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	limited, err := s.ListScheduledJobs(ctx, nil, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	canceled := core.JobStatusCanceled
	none, err := s.ListScheduledJobs(ctx, &canceled, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestJobs_TransitionIsConditional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertScheduledJob(ctx, newJob("j1", baseTime, "tok")))
	at := baseTime.Add(time.Minute)

	ok, err := s.TransitionScheduledJob(ctx, "j1", []core.JobStatus{core.JobStatusScheduled}, core.JobStatusRunning, at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionScheduledJob(ctx, "j1", []core.JobStatus{core.JobStatusScheduled, core.JobStatusWaitingToken}, core.JobStatusCanceled, at)
	require.NoError(t, err)
	assert.False(t, ok)

	job, err := s.GetScheduledJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusRunning, job.Status)
	require.NotNil(t, job.Credential)
	assert.Equal(t, at, job.UpdatedAt)

	ok, err = s.TransitionScheduledJob(ctx, "j1", []core.JobStatus{core.JobStatusRunning}, core.JobStatusSuccess, at.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	job, err = s.GetScheduledJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusSuccess, job.Status)
	assert.Nil(t, job.Credential)

	ok, err = s.TransitionScheduledJob(ctx, "missing", []core.JobStatus{core.JobStatusScheduled}, core.JobStatusRunning, at)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.TransitionScheduledJob(ctx, "j1", nil, core.JobStatusRunning, at)
	assert.Error(t, err)
}

func TestJobs_Rearm(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertScheduledJob(ctx, newJob("j1", baseTime, "")))
	ok, err := s.TransitionScheduledJob(ctx, "j1", []core.JobStatus{core.JobStatusScheduled}, core.JobStatusWaitingToken, baseTime)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.RearmScheduledJob(ctx, "j1", "fresh", nil, baseTime.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	job, err := s.GetScheduledJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusScheduled, job.Status)
	assert.Equal(t, baseTime, job.RunAt)
	require.NotNil(t, job.Credential)
	assert.Equal(t, "fresh", *job.Credential)

	later := baseTime.Add(24 * time.Hour)
	ok, err = s.RearmScheduledJob(ctx, "j1", "fresher", &later, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	job, err = s.GetScheduledJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, later, job.RunAt)

	_, err = s.TransitionScheduledJob(ctx, "j1", []core.JobStatus{core.JobStatusScheduled}, core.JobStatusCanceled, baseTime)
	require.NoError(t, err)
	ok, err = s.RearmScheduledJob(ctx, "j1", "late", nil, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
	job, err = s.GetScheduledJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCanceled, job.Status)
	assert.Nil(t, job.Credential)
}

func TestJobs_SetLastRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertScheduledJob(ctx, newJob("j1", baseTime, "tok")))

	require.NoError(t, s.SetScheduledJobLastRun(ctx, "j1", "run-1", baseTime.Add(time.Second)))
	job, err := s.GetScheduledJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, job.LastRunID)
	assert.Equal(t, "run-1", *job.LastRunID)

	assert.ErrorIs(t, s.SetScheduledJobLastRun(ctx, "missing", "run-1", baseTime), core.ErrJobNotFound)
}

func TestStore_WorksWithCoreServices(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	campaign := seedCatalog(t, s, "a")
	schedules := core.NewSchedules(s, nil)

	job, err := schedules.Schedule(ctx, campaign.ID, baseTime, "tok")
	require.NoError(t, err)
	require.NotNil(t, job.CustomerName)
	assert.Equal(t, "Acme a", *job.CustomerName)

	canceled, err := schedules.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCanceled, canceled.Status)
	assert.False(t, canceled.HasCredential())
}
