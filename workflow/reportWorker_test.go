package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/summarizer"
	"github.com/mmdatafocus/opsfeedback_backend/testutil"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type fakeSummarizer struct {
	err   error
	calls int
}

func (f *fakeSummarizer) Model() string { return "fake-model" }

func (f *fakeSummarizer) Summarize(_ context.Context, req summarizer.Request) (*summarizer.Result, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &summarizer.Result{
		Analysis: summarizer.Analysis{
			Summary:       fmt.Sprintf("%d rows", len(req.Rows)),
			Opportunities: []string{"restock produce"},
			Actions:       []string{},
			Risks:         []string{},
		},
		Model:   "fake-model",
		Latency: 25 * time.Millisecond,
	}, nil
}

var baseTime = time.Date(2030, 1, 7, 12, 0, 0, 0, time.UTC)

func newTestWorker(db *gorm.DB, s summarizer.Summarizer, now time.Time) *ReportWorker {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return &ReportWorker{
		DB:                db,
		Logger:            logger,
		Summarizer:        s,
		WorkerID:          "test-worker",
		PollInterval:      10 * time.Millisecond,
		Lease:             time.Minute,
		MaxAttempts:       2,
		MaxRows:           50,
		SummarizerTimeout: time.Second,
		ClaimBatch:        5,
		Now:               func() time.Time { return now },
		nudge:             make(chan struct{}, 1),
	}
}

func enqueue(t *testing.T, db *gorm.DB, scopeType, scopeKey string) *models.ReportJob {
	t.Helper()
	job, err := models.EnqueueReportJob(context.Background(), db, &models.NewReportJob{
		ScopeType: scopeType,
		ScopeKey:  scopeKey,
		IsoWeek:   "2024-W10",
		CreatedBy: "exec@example.com",
	})
	if err != nil {
		t.Fatalf("EnqueueReportJob: %v", err)
	}
	return job
}

func loadJob(t *testing.T, db *gorm.DB, id string) *models.ReportJob {
	t.Helper()
	job, err := models.GetReportJob(context.Background(), db, id)
	if err != nil || job == nil {
		t.Fatalf("GetReportJob(%s) = %v, %v", id, job, err)
	}
	return job
}

func countSnapshots(t *testing.T, db *gorm.DB, jobId string) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.ReportSnapshot{}).Where("job_id = ?", jobId).Count(&n).Error; err != nil {
		t.Fatalf("count snapshots: %v", err)
	}
	return n
}

func TestRunOnceSucceedsAndStoresSnapshot(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	testutil.SeedStore(t, db, "S01", "NE")
	testutil.SeedStore(t, db, "S02", "NE")
	testutil.SeedFeedback(t, db, "S01", "2024-W10", models.MoodNegative, "produce", 40)
	testutil.SeedFeedback(t, db, "S02", "2024-W10", models.MoodPositive, "", 0)
	job := enqueue(t, db, "region", "ne")

	fake := &fakeSummarizer{}
	w := newTestWorker(db, fake, baseTime)
	processed, err := w.RunOnce(ctx)
	if err != nil || !processed {
		t.Fatalf("RunOnce = %v, %v", processed, err)
	}

	got := loadJob(t, db, job.ID)
	if got.Status != models.JobStatusSucceeded || got.ReasonKind != models.FailureNone {
		t.Fatalf("job = %s/%s", got.Status, got.ReasonKind)
	}
	if got.Attempts != 1 || got.StartedAt == nil || got.FinishedAt == nil || got.LeaseExpiresAt != nil {
		t.Fatalf("job bookkeeping = %+v", got)
	}

	snap, err := models.LatestSnapshot(ctx, db, models.SnapshotFilter{ScopeType: models.ScopeRegion, ScopeKey: "NE", IsoWeek: "2024-W10"})
	if err != nil || snap == nil {
		t.Fatalf("LatestSnapshot = %v, %v", snap, err)
	}
	if snap.JobId != job.ID || snap.RowCount != 2 || snap.Model != "fake-model" || snap.LatencyMs != 25 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Analysis.Data().Summary != "2 rows" {
		t.Fatalf("analysis = %+v", snap.Analysis.Data())
	}

	processed, err = w.RunOnce(ctx)
	if err != nil || processed {
		t.Fatalf("second RunOnce = %v, %v; want idle", processed, err)
	}
	if fake.calls != 1 {
		t.Fatalf("summarizer calls = %d", fake.calls)
	}
}

func TestRunOnceFailsWithoutRows(t *testing.T) {
	db := testutil.NewDB(t)
	testutil.SeedStore(t, db, "S01", "NE")
	job := enqueue(t, db, "store", "S01")

	fake := &fakeSummarizer{}
	w := newTestWorker(db, fake, baseTime)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	got := loadJob(t, db, job.ID)
	if got.Status != models.JobStatusFailed || got.ReasonKind != models.FailureNoData || got.Reason == nil {
		t.Fatalf("job = %+v", got)
	}
	if fake.calls != 0 {
		t.Fatalf("summarizer should not be called without rows")
	}
	if countSnapshots(t, db, job.ID) != 0 {
		t.Fatalf("failed job left a snapshot")
	}
}

func TestRunOnceRecordsSummarizerFailureKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want models.FailureKind
	}{
		{"timeout", fmt.Errorf("call: %w", context.DeadlineExceeded), models.FailureSummarizerTimeout},
		{"bad response", &summarizer.Error{Kind: summarizer.KindBadResponse, Err: errors.New("not json")}, models.FailureBadResponse},
		{"http", &summarizer.Error{Kind: summarizer.KindHTTP, Err: errors.New("502")}, models.FailureSummarizerError},
		{"unclassified", errors.New("boom"), models.FailureSummarizerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := testutil.NewDB(t)
			testutil.SeedStore(t, db, "S01", "NE")
			testutil.SeedFeedback(t, db, "S01", "2024-W10", models.MoodNeutral, "", 5)
			job := enqueue(t, db, "network", "")

			w := newTestWorker(db, &fakeSummarizer{err: tc.err}, baseTime)
			if _, err := w.RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce: %v", err)
			}
			got := loadJob(t, db, job.ID)
			if got.Status != models.JobStatusFailed || got.ReasonKind != tc.want {
				t.Fatalf("job = %s/%s, want failed/%s", got.Status, got.ReasonKind, tc.want)
			}
			if countSnapshots(t, db, job.ID) != 0 {
				t.Fatalf("failed job left a snapshot")
			}
		})
	}
}

func TestClaimReclaimsExpiredLeaseThenGivesUp(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	job := enqueue(t, db, "network", "")

	first, err := newTestWorker(db, &fakeSummarizer{}, baseTime).claim(ctx)
	if err != nil || first == nil || first.ID != job.ID {
		t.Fatalf("first claim = %v, %v", first, err)
	}

	// Lease still valid: nothing to claim.
	again, err := newTestWorker(db, &fakeSummarizer{}, baseTime.Add(30*time.Second)).claim(ctx)
	if err != nil || again != nil {
		t.Fatalf("claim during lease = %v, %v", again, err)
	}

	second, err := newTestWorker(db, &fakeSummarizer{}, baseTime.Add(2*time.Minute)).claim(ctx)
	if err != nil || second == nil {
		t.Fatalf("reclaim = %v, %v", second, err)
	}
	if second.Attempts != 2 || *second.ClaimToken == *first.ClaimToken {
		t.Fatalf("reclaimed job = attempts %d, token reused %v", second.Attempts, *second.ClaimToken == *first.ClaimToken)
	}

	// The first worker's result must not land after the reclaim.
	w1 := newTestWorker(db, &fakeSummarizer{}, baseTime)
	req := &summarizer.Request{Rows: []summarizer.Row{{StoreId: "S01"}}}
	res := &summarizer.Result{Analysis: summarizer.Analysis{Summary: "late"}, Model: "fake-model"}
	if err := w1.succeed(ctx, first, *first.ClaimToken, req, res); !errors.Is(err, errClaimLost) {
		t.Fatalf("succeed with stale token = %v, want errClaimLost", err)
	}
	if countSnapshots(t, db, job.ID) != 0 {
		t.Fatalf("snapshot from a lost claim was kept")
	}

	none, err := newTestWorker(db, &fakeSummarizer{}, baseTime.Add(5*time.Minute)).claim(ctx)
	if err != nil || none != nil {
		t.Fatalf("claim after max attempts = %v, %v", none, err)
	}
	got := loadJob(t, db, job.ID)
	if got.Status != models.JobStatusFailed || got.ReasonKind != models.FailureLeaseExpired {
		t.Fatalf("job = %s/%s, want failed/lease_expired", got.Status, got.ReasonKind)
	}
}

func TestTerminalJobsAreNeverReclaimed(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	job := enqueue(t, db, "network", "")
	w := newTestWorker(db, &fakeSummarizer{}, baseTime)
	claimed, err := w.claim(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim = %v, %v", claimed, err)
	}
	req := &summarizer.Request{Rows: []summarizer.Row{{StoreId: "S01"}}}
	res := &summarizer.Result{Analysis: summarizer.Analysis{Summary: "ok"}, Model: "fake-model"}
	if err := w.succeed(ctx, claimed, *claimed.ClaimToken, req, res); err != nil {
		t.Fatalf("succeed: %v", err)
	}

	// A late failure write from the same claim must not move the job backward.
	w.fail(ctx, trace.SpanFromContext(ctx), claimed, *claimed.ClaimToken, models.FailureDBError, errors.New("late"))
	later, err := newTestWorker(db, &fakeSummarizer{}, baseTime.Add(time.Hour)).claim(ctx)
	if err != nil || later != nil {
		t.Fatalf("claim of succeeded job = %v, %v", later, err)
	}
	if got := loadJob(t, db, job.ID); got.Status != models.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got.Status)
	}
}

func TestFailureKindFor(t *testing.T) {
	if got := failureKindFor(context.DeadlineExceeded); got != models.FailureSummarizerTimeout {
		t.Fatalf("deadline = %s", got)
	}
	if got := failureKindFor(&summarizer.Error{Kind: summarizer.KindTimeout, Err: errors.New("slow")}); got != models.FailureSummarizerTimeout {
		t.Fatalf("timeout kind = %s", got)
	}
	if got := failureKindFor(&summarizer.Error{Kind: summarizer.KindConfig, Err: errors.New("no key")}); got != models.FailureSummarizerError {
		t.Fatalf("config kind = %s", got)
	}
}

func TestNudgeNeverBlocks(t *testing.T) {
	w := &ReportWorker{nudge: make(chan struct{}, 1)}
	done := make(chan struct{})
	go func() {
		w.Nudge()
		w.Nudge()
		w.Nudge()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Nudge blocked")
	}
	(&ReportWorker{}).Nudge()
}

func TestRunDrainsQueueAndStopsOnCancel(t *testing.T) {
	db := testutil.NewDB(t)
	testutil.SeedStore(t, db, "S01", "NE")
	testutil.SeedFeedback(t, db, "S01", "2024-W10", models.MoodNeutral, "", 5)
	a := enqueue(t, db, "network", "")
	b := enqueue(t, db, "store", "S01")

	w := newTestWorker(db, &fakeSummarizer{}, baseTime)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if loadJob(t, db, a.ID).Status.IsTerminal() && loadJob(t, db, b.ID).Status.IsTerminal() {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	for _, id := range []string{a.ID, b.ID} {
		if got := loadJob(t, db, id); got.Status != models.JobStatusSucceeded {
			t.Fatalf("job %s = %s/%s", id, got.Status, got.ReasonKind)
		}
	}
}

func TestConcurrentClaimsSkipLockedRows(t *testing.T) {
	db := testutil.NewMySQL(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		enqueue(t, db, "network", "")
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := newTestWorker(db, &fakeSummarizer{}, time.Now().UTC())
			job, err := w.claim(ctx)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if job != nil {
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for id, n := range seen {
		if n > 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

// blockingSummarizer waits for the call context to end.
type blockingSummarizer struct {
	started chan struct{}
}

func (b *blockingSummarizer) Model() string { return "blocking-model" }

func (b *blockingSummarizer) Summarize(ctx context.Context, _ summarizer.Request) (*summarizer.Result, error) {
	close(b.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestShutdownMidSummarizeRequeuesJob(t *testing.T) {
	db := testutil.NewDB(t)
	testutil.SeedStore(t, db, "S01", "NE")
	testutil.SeedFeedback(t, db, "S01", "2024-W10", models.MoodNeutral, "", 5)
	job := enqueue(t, db, "network", "")

	blocking := &blockingSummarizer{started: make(chan struct{})}
	w := newTestWorker(db, blocking, baseTime)
	w.SummarizerTimeout = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-blocking.started
		cancel()
	}()
	processed, err := w.RunOnce(ctx)
	if err != nil || !processed {
		t.Fatalf("RunOnce = %v, %v", processed, err)
	}

	got := loadJob(t, db, job.ID)
	if got.Status != models.JobStatusQueued || got.ClaimToken != nil || got.LeaseExpiresAt != nil {
		t.Fatalf("job after shutdown = %s/%s token=%v", got.Status, got.ReasonKind, got.ClaimToken)
	}
	if got.FinishedAt != nil || got.Reason != nil {
		t.Fatalf("interrupted job was finished: %+v", got)
	}
	if countSnapshots(t, db, job.ID) != 0 {
		t.Fatalf("interrupted job left a snapshot")
	}

	next := newTestWorker(db, &fakeSummarizer{}, baseTime.Add(time.Second))
	if processed, err := next.RunOnce(context.Background()); err != nil || !processed {
		t.Fatalf("RunOnce after restart = %v, %v", processed, err)
	}
	got = loadJob(t, db, job.ID)
	if got.Status != models.JobStatusSucceeded || got.Attempts != 2 {
		t.Fatalf("job after restart = %s attempts %d", got.Status, got.Attempts)
	}
}

func TestRunOnceReportsProgressWhenOnlyExpiringJobs(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	job := enqueue(t, db, "network", "")
	// Two claims without completion use up MaxAttempts.
	if c, err := newTestWorker(db, &fakeSummarizer{}, baseTime).claim(ctx); err != nil || c == nil {
		t.Fatalf("first claim = %v, %v", c, err)
	}
	if c, err := newTestWorker(db, &fakeSummarizer{}, baseTime.Add(2*time.Minute)).claim(ctx); err != nil || c == nil {
		t.Fatalf("second claim = %v, %v", c, err)
	}

	w := newTestWorker(db, &fakeSummarizer{}, baseTime.Add(5*time.Minute))
	processed, err := w.RunOnce(ctx)
	if err != nil || !processed {
		t.Fatalf("RunOnce = %v, %v; want progress after expiring a job", processed, err)
	}
	if got := loadJob(t, db, job.ID); got.ReasonKind != models.FailureLeaseExpired {
		t.Fatalf("job = %s/%s", got.Status, got.ReasonKind)
	}
	processed, err = w.RunOnce(ctx)
	if err != nil || processed {
		t.Fatalf("idle RunOnce = %v, %v", processed, err)
	}
}
