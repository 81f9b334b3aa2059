package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/models/reports"
	"github.com/mmdatafocus/opsfeedback_backend/summarizer"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// errClaimLost means the job's claim token or status changed under us.
var errClaimLost = errors.New("report job claim lost")

// ReportWorker claims queued report jobs, summarizes their feedback rows and
// stores a snapshot. Several workers may share one database.
type ReportWorker struct {
	DB         *gorm.DB
	Logger     *logrus.Logger
	Summarizer summarizer.Summarizer
	Tracer     trace.Tracer
	WorkerID   string

	PollInterval      time.Duration
	Lease             time.Duration
	MaxAttempts       int
	MaxRows           int
	SummarizerTimeout time.Duration
	ClaimBatch        int

	Now   func() time.Time
	nudge chan struct{}
}

func NewReportWorker(db *gorm.DB, logger *logrus.Logger, s summarizer.Summarizer) *ReportWorker {
	timeout := summarizer.Timeout()
	lease := time.Duration(config.IntFromEnv("REPORT_LEASE_SECONDS", 0)) * time.Second
	if lease <= timeout {
		lease = timeout + time.Minute
	}
	return &ReportWorker{
		DB:                db,
		Logger:            logger,
		Summarizer:        s,
		Tracer:            otel.Tracer("opsfeedback-report-worker"),
		WorkerID:          uuid.NewString(),
		PollInterval:      time.Duration(config.IntFromEnv("REPORT_WORKER_POLL_SECONDS", 5)) * time.Second,
		Lease:             lease,
		MaxAttempts:       config.IntFromEnv("REPORT_MAX_ATTEMPTS", 3),
		MaxRows:           config.ReportMaxRows(),
		SummarizerTimeout: timeout,
		ClaimBatch:        10,
		Now:               func() time.Time { return time.Now().UTC() },
		nudge:             make(chan struct{}, 1),
	}
}

// Nudge wakes the poll loop early. It never blocks.
func (w *ReportWorker) Nudge() {
	if w.nudge == nil {
		return
	}
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

func (w *ReportWorker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

// Run polls until ctx is cancelled. Jobs are drained back to back; the loop
// only sleeps when the queue is empty.
func (w *ReportWorker) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if w.PollInterval <= 0 {
		w.PollInterval = 5 * time.Second
	}
	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"field":     "ReportWorker",
			"worker_id": w.WorkerID,
			"model":     w.Summarizer.Model(),
		}).Info("report worker started")
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		processed, err := w.RunOnce(ctx)
		if err != nil {
			config.LogError(w.Logger, "ReportWorker", "Run", "run once", nil, err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.nudge:
		case <-time.After(w.PollInterval):
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether the queue
// moved: a job was executed or stale jobs were failed.
func (w *ReportWorker) RunOnce(ctx context.Context) (bool, error) {
	job, expired, err := w.claimNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return expired > 0, nil
	}
	w.execute(ctx, job)
	return true, nil
}

func (w *ReportWorker) claim(ctx context.Context) (*models.ReportJob, error) {
	job, _, err := w.claimNext(ctx)
	return job, err
}

// claim locks candidate rows with SKIP LOCKED so concurrent workers never
// pick the same job. Queued jobs are eligible, as are running jobs whose lease
// expired. Expired jobs out of attempts are failed with lease_expired and
// counted in expired.
func (w *ReportWorker) claimNext(ctx context.Context) (*models.ReportJob, int, error) {
	if w.DB == nil {
		return nil, 0, errors.New("report worker has no database")
	}
	now := w.now()
	batch := w.ClaimBatch
	if batch <= 0 {
		batch = 10
	}

	var claimed *models.ReportJob
	expired := 0
	err := w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var candidates []models.ReportJob
		if err := tx.
			Where("status = ? OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)",
				models.JobStatusQueued, models.JobStatusRunning, now).
			Order("created_at ASC").
			Order("id ASC").
			Limit(batch).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Find(&candidates).Error; err != nil {
			return err
		}

		for i := range candidates {
			job := candidates[i]
			stale := job.Status == models.JobStatusRunning
			if stale && w.MaxAttempts > 0 && job.Attempts >= w.MaxAttempts {
				reason := fmt.Sprintf("lease expired after %d attempts", job.Attempts)
				res := tx.Model(&models.ReportJob{}).
					Where("id = ? AND status = ? AND lease_expires_at <= ?", job.ID, models.JobStatusRunning, now).
					Updates(map[string]interface{}{
						"status":           models.JobStatusFailed,
						"reason_kind":      models.FailureLeaseExpired,
						"reason":           &reason,
						"finished_at":      &now,
						"claim_token":      nil,
						"lease_expires_at": nil,
					})
				if res.Error != nil {
					return res.Error
				}
				expired += int(res.RowsAffected)
				if w.Logger != nil && res.RowsAffected > 0 {
					w.Logger.WithFields(logrus.Fields{
						"field":    "ReportWorker",
						"job_id":   job.ID,
						"attempts": job.Attempts,
					}).Warn("report job failed: " + reason)
				}
				continue
			}

			token := uuid.NewString()
			lease := now.Add(w.Lease)
			res := tx.Model(&models.ReportJob{}).
				Where("id = ? AND status = ?", job.ID, job.Status).
				Updates(map[string]interface{}{
					"status":           models.JobStatusRunning,
					"claim_token":      token,
					"lease_expires_at": lease,
					"started_at":       gorm.Expr("COALESCE(started_at, ?)", now),
					"attempts":         gorm.Expr("attempts + 1"),
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			if stale && w.Logger != nil {
				w.Logger.WithFields(logrus.Fields{
					"field":    "ReportWorker",
					"job_id":   job.ID,
					"attempts": job.Attempts + 1,
				}).Warn("reclaimed report job with expired lease")
			}
			job.Status = models.JobStatusRunning
			job.ClaimToken = &token
			job.LeaseExpiresAt = &lease
			if job.StartedAt == nil {
				job.StartedAt = &now
			}
			job.Attempts++
			claimed = &job
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return claimed, expired, nil
}

func (w *ReportWorker) execute(ctx context.Context, job *models.ReportJob) {
	tracer := w.Tracer
	if tracer == nil {
		tracer = otel.Tracer("opsfeedback-report-worker")
	}
	ctx, span := tracer.Start(ctx, "report_job.execute", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.scope_type", string(job.ScopeType)),
		attribute.String("job.scope_key", job.ScopeKey),
		attribute.Int("job.attempts", job.Attempts),
	))
	defer span.End()

	release, err := utils.ObtainLock(ctx, "report_job", job.ID, w.Lease)
	switch {
	case errors.Is(err, utils.ErrLockNotObtained):
		// Another worker is executing this job.
		span.AddEvent("lock held elsewhere")
		return
	case err != nil && !errors.Is(err, utils.ErrLockUnavailable):
		config.LogError(w.Logger, "ReportWorker", "execute", "obtain lock", job.ID, err)
	}
	defer release()

	token := utils.DereferencePtr(job.ClaimToken)
	window := models.ReportWindow{IsoWeek: job.IsoWeek, MonthKey: job.MonthKey, RangeKey: job.RangeKey}

	req, err := reports.BuildSummaryRequest(ctx, w.DB, job.ScopeType, job.ScopeKey, window, w.MaxRows)
	if err != nil && ctx.Err() != nil {
		w.requeue(ctx, span, job, token, err)
		return
	}
	if err != nil {
		kind := models.FailureDBError
		if utils.IsValidationError(err) {
			kind = models.FailureInternal
		}
		w.fail(ctx, span, job, token, kind, err)
		return
	}
	if len(req.Rows) == 0 {
		w.fail(ctx, span, job, token, models.FailureNoData, fmt.Errorf("no feedback rows for %s %s (%s)", job.ScopeType, job.ScopeKey, req.Window))
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, w.SummarizerTimeout)
	result, err := w.Summarizer.Summarize(callCtx, *req)
	cancel()
	if err != nil && ctx.Err() != nil {
		w.requeue(ctx, span, job, token, err)
		return
	}
	if err != nil {
		w.fail(ctx, span, job, token, failureKindFor(err), err)
		return
	}
	if result.Model == "" {
		result.Model = w.Summarizer.Model()
	}

	if err := w.succeed(ctx, job, token, req, result); err != nil {
		if errors.Is(err, errClaimLost) {
			span.AddEvent("claim lost before commit")
			if w.Logger != nil {
				w.Logger.WithFields(logrus.Fields{
					"field":  "ReportWorker",
					"job_id": job.ID,
				}).Warn("discarding report result; job was reclaimed or finished elsewhere")
			}
			return
		}
		if ctx.Err() != nil {
			w.requeue(ctx, span, job, token, err)
			return
		}
		w.fail(ctx, span, job, token, models.FailureDBError, err)
		return
	}
	span.SetStatus(codes.Ok, "")
	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"field":      "ReportWorker",
			"job_id":     job.ID,
			"rows":       len(req.Rows),
			"model":      result.Model,
			"latency_ms": result.Latency.Milliseconds(),
		}).Info("report job succeeded")
	}
}

func failureKindFor(err error) models.FailureKind {
	switch summarizer.KindOf(err) {
	case summarizer.KindTimeout:
		return models.FailureSummarizerTimeout
	case summarizer.KindBadResponse:
		return models.FailureBadResponse
	default:
		return models.FailureSummarizerError
	}
}

// succeed inserts the snapshot and flips the job in one transaction. The
// snapshot is rolled back when the claim no longer holds.
func (w *ReportWorker) succeed(ctx context.Context, job *models.ReportJob, token string, req *summarizer.Request, result *summarizer.Result) error {
	now := w.now()
	return w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		snap := models.ReportSnapshot{
			JobId:     job.ID,
			ScopeType: job.ScopeType,
			ScopeKey:  job.ScopeKey,
			IsoWeek:   job.IsoWeek,
			MonthKey:  job.MonthKey,
			RangeKey:  job.RangeKey,
			RowCount:  len(req.Rows),
			Model:     result.Model,
			LatencyMs: result.Latency.Milliseconds(),
		}
		snap.Analysis = datatypes.NewJSONType(result.Analysis)
		if err := tx.Create(&snap).Error; err != nil {
			return err
		}
		res := tx.Model(&models.ReportJob{}).
			Where("id = ? AND status = ? AND claim_token = ?", job.ID, models.JobStatusRunning, token).
			Updates(map[string]interface{}{
				"status":           models.JobStatusSucceeded,
				"reason_kind":      models.FailureNone,
				"reason":           nil,
				"finished_at":      &now,
				"lease_expires_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errClaimLost
		}
		return nil
	})
}

func (w *ReportWorker) fail(ctx context.Context, span trace.Span, job *models.ReportJob, token string, kind models.FailureKind, cause error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, string(kind))

	reason := utils.Truncate(cause.Error(), 1000)
	now := w.now()
	// The job context may already be cancelled; the terminal write must still land.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	res := w.DB.WithContext(writeCtx).Model(&models.ReportJob{}).
		Where("id = ? AND status = ? AND claim_token = ?", job.ID, models.JobStatusRunning, token).
		Updates(map[string]interface{}{
			"status":           models.JobStatusFailed,
			"reason_kind":      kind,
			"reason":           &reason,
			"finished_at":      &now,
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		config.LogError(w.Logger, "ReportWorker", "fail", "mark job failed", job.ID, res.Error)
		return
	}
	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"field":       "ReportWorker",
			"job_id":      job.ID,
			"reason_kind": kind,
			"applied":     res.RowsAffected > 0,
		}).Warn("report job failed: " + reason)
	}
}

// requeue hands a job interrupted by shutdown back to the queue so the next
// worker picks it up without waiting for the lease. Attempts are kept.
func (w *ReportWorker) requeue(ctx context.Context, span trace.Span, job *models.ReportJob, token string, cause error) {
	span.AddEvent("released on shutdown")
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	res := w.DB.WithContext(writeCtx).Model(&models.ReportJob{}).
		Where("id = ? AND status = ? AND claim_token = ?", job.ID, models.JobStatusRunning, token).
		Updates(map[string]interface{}{
			"status":           models.JobStatusQueued,
			"claim_token":      nil,
			"lease_expires_at": nil,
		})
	if res.Error != nil {
		// The lease still expires, so another worker reclaims the job.
		config.LogError(w.Logger, "ReportWorker", "requeue", "release job", job.ID, res.Error)
		return
	}
	if w.Logger != nil {
		w.Logger.WithFields(logrus.Fields{
			"field":    "ReportWorker",
			"job_id":   job.ID,
			"released": res.RowsAffected > 0,
			"cause":    cause.Error(),
		}).Warn("report job interrupted by shutdown")
	}
}
