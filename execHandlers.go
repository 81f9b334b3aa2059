package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/models/reports"
	"github.com/mmdatafocus/opsfeedback_backend/summarizer"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"github.com/sirupsen/logrus"
)

func (a *app) enqueueJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewReportJob
		if !a.bindJSON(c, "enqueue report job", &input) {
			return
		}
		ctx := c.Request.Context()
		input.CreatedBy = utils.ActorFromContext(ctx)
		job, err := models.EnqueueReportJob(ctx, a.db, &input)
		if err != nil {
			a.respondModelError(c, "enqueue report job", err)
			return
		}
		a.announceJob(ctx, job)
		c.JSON(http.StatusCreated, gin.H{"ok": true, "job": job})
	}
}

// announceJob wakes workers. The job row is the source of truth, so a failed
// publish only delays pickup until the next poll.
func (a *app) announceJob(ctx context.Context, job *models.ReportJob) {
	if a.worker != nil {
		a.worker.Nudge()
	}
	if a.publishJob == nil {
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	msg := config.ReportJobMessage{
		JobId:         job.ID,
		ScopeType:     string(job.ScopeType),
		ScopeKey:      job.ScopeKey,
		IsoWeek:       job.IsoWeek,
		MonthKey:      job.MonthKey,
		QueuedAt:      job.CreatedAt,
		CorrelationId: cid,
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	id, err := a.publishJob(pubCtx, msg)
	if errors.Is(err, config.ErrPubSubDisabled) {
		return
	}
	if err != nil {
		config.LogError(a.logger, "execHandlers", "announceJob", "publish report job", job.ID, err)
		return
	}
	if a.logger != nil {
		a.logger.WithFields(logrus.Fields{
			"field":          "report_job",
			"job_id":         job.ID,
			"message_id":     id,
			"correlation_id": cid,
		}).Debug("published report job")
	}
}

func (a *app) getJobHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Query("job_id")
		if id == "" {
			id = c.Query("id")
		}
		if id == "" {
			a.respondError(c, http.StatusBadRequest, "load report job", utils.NewValidationError("job_id", "is required"))
			return
		}
		job, err := models.GetReportJob(c.Request.Context(), a.db, id)
		if err != nil {
			a.respondModelError(c, "load report job", err)
			return
		}
		if job == nil {
			a.respondError(c, http.StatusNotFound, "load report job", utils.ErrorRecordNotFound)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "job": job})
	}
}

func (a *app) listJobsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := models.JobStatus(strings.ToLower(c.Query("status")))
		switch status {
		case "", models.JobStatusQueued, models.JobStatusRunning, models.JobStatusSucceeded, models.JobStatusFailed:
		default:
			a.respondError(c, http.StatusBadRequest, "list report jobs", utils.NewValidationError("status", "unknown status %q", status))
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		jobs, err := models.ListReportJobs(c.Request.Context(), a.db, status, limit)
		if err != nil {
			a.respondModelError(c, "list report jobs", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "jobs": jobs})
	}
}

type scopeQuery struct {
	ScopeType models.ScopeType
	ScopeKey  string
	Window    models.ReportWindow
	// HasWindow is false when no week, month or range was given.
	HasWindow bool
}

func scopeFromQuery(c *gin.Context) (scopeQuery, error) {
	var q scopeQuery
	st, key, err := models.NormalizeScope(c.Query("scope_type"), c.Query("scope_key"))
	if err != nil {
		return q, err
	}
	q.ScopeType, q.ScopeKey = st, key
	week, month, rng := c.Query("iso_week"), c.Query("month_key"), c.Query("range")
	q.HasWindow = week != "" || month != "" || rng != ""
	q.Window, err = models.NormalizeReportWindow(week, month, rng, time.Now())
	return q, err
}

func (a *app) snapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		q, err := scopeFromQuery(c)
		if err != nil {
			a.respondModelError(c, "load snapshot", err)
			return
		}
		f := models.SnapshotFilter{ScopeType: q.ScopeType, ScopeKey: q.ScopeKey}
		if q.HasWindow {
			f.IsoWeek, f.MonthKey, f.RangeKey = q.Window.IsoWeek, q.Window.MonthKey, q.Window.RangeKey
		}
		snap, err := models.LatestSnapshot(c.Request.Context(), a.db, f)
		if err != nil {
			a.respondModelError(c, "load snapshot", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "snapshot": snap})
	}
}

// insightsHandler serves the latest snapshot, or generates an analysis on the
// spot. Summarizer failures fall back to a placeholder analysis.
func (a *app) insightsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		q, err := scopeFromQuery(c)
		if err != nil {
			a.respondModelError(c, "load insights", err)
			return
		}
		ctx := c.Request.Context()
		f := models.SnapshotFilter{
			ScopeType: q.ScopeType,
			ScopeKey:  q.ScopeKey,
			IsoWeek:   q.Window.IsoWeek,
			MonthKey:  q.Window.MonthKey,
			RangeKey:  q.Window.RangeKey,
		}
		snap, err := models.LatestSnapshot(ctx, a.db, f)
		if err != nil {
			a.respondModelError(c, "load insights", err)
			return
		}
		if snap != nil {
			c.JSON(http.StatusOK, gin.H{
				"ok":         true,
				"source":     "snapshot",
				"analysis":   snap.Analysis.Data(),
				"model":      snap.Model,
				"row_count":  snap.RowCount,
				"created_at": snap.CreatedAt,
			})
			return
		}

		req, err := reports.BuildSummaryRequest(ctx, a.db, q.ScopeType, q.ScopeKey, q.Window, config.ReportMaxRows())
		if err != nil {
			a.respondModelError(c, "load insights", err)
			return
		}
		analysis, model, source := a.liveAnalysis(ctx, req)
		c.JSON(http.StatusOK, gin.H{
			"ok":        true,
			"source":    source,
			"analysis":  analysis,
			"model":     model,
			"row_count": len(req.Rows),
		})
	}
}

func (a *app) liveAnalysis(ctx context.Context, req *summarizer.Request) (summarizer.Analysis, string, string) {
	if len(req.Rows) == 0 || a.summarizer == nil {
		return summarizer.FallbackAnalysis(*req), summarizer.PlaceholderModel, "fallback"
	}
	callCtx, cancel := context.WithTimeout(ctx, summarizer.Timeout())
	defer cancel()
	result, err := a.summarizer.Summarize(callCtx, *req)
	if err != nil {
		config.LogError(a.logger, "execHandlers", "liveAnalysis", string(summarizer.KindOf(err)), req.Window, err)
		return summarizer.FallbackAnalysis(*req), summarizer.PlaceholderModel, "fallback"
	}
	source := "live"
	if result.Analysis.Fallback {
		source = "fallback"
	}
	return result.Analysis, result.Model, source
}

func (a *app) kpisHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := filterFromQuery(c)
		if err != nil {
			a.respondModelError(c, "load kpis", err)
			return
		}
		kpis, err := reports.KPIs(c.Request.Context(), a.db, f)
		if err != nil {
			a.respondModelError(c, "load kpis", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "kpis": kpis})
	}
}

func (a *app) themesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := filterFromQuery(c)
		if err != nil {
			a.respondModelError(c, "load themes", err)
			return
		}
		topN, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(reports.DefaultThemeTopN)))
		themes, err := reports.Themes(c.Request.Context(), a.db, f, topN)
		if err != nil {
			config.LogError(a.logger, "execHandlers", "themesHandler", "reports.Themes", f, err)
			c.JSON(http.StatusOK, gin.H{"ok": true, "themes": []reports.ThemeStat{}, "degraded": true})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "themes": themes, "degraded": false})
	}
}

func (a *app) coverageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := filterFromQuery(c)
		if err != nil {
			a.respondModelError(c, "load coverage", err)
			return
		}
		coverage, err := reports.Coverage(c.Request.Context(), a.db, f)
		if err != nil {
			a.respondModelError(c, "load coverage", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "coverage": coverage})
	}
}
