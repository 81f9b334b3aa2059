package main

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/summarizer"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"github.com/mmdatafocus/opsfeedback_backend/workflow"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/idtoken"
	"gorm.io/gorm"
)

// app holds the dependencies handlers share. db is set once before ready flips.
type app struct {
	db         *gorm.DB
	logger     *logrus.Logger
	summarizer summarizer.Summarizer
	worker     *workflow.ReportWorker
	ready      atomic.Bool

	// Side channels; both may return a "disabled" error when unconfigured.
	publishJob func(ctx context.Context, msg config.ReportJobMessage) (string, error)
	archive    func(ctx context.Context, objectName string, data []byte) (string, error)

	verifyIDToken func(ctx context.Context, token, audience string) (*idtoken.Payload, error)
}

func newApp(db *gorm.DB, logger *logrus.Logger, s summarizer.Summarizer) *app {
	a := &app{
		db:         db,
		logger:     logger,
		summarizer: s,
		publishJob: config.PublishReportJobQueued,
		archive:    utils.ArchiveUploadToGCS,

		verifyIDToken: idtoken.Validate,
	}
	if db != nil {
		a.ready.Store(true)
	}
	return a
}

// respondError writes {ok:false, error, details}. details is omitted in production.
func (a *app) respondError(c *gin.Context, status int, action string, err error) {
	body := gin.H{"ok": false, "error": "failed to " + action}
	var ve *utils.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
		body["message"] = ve.Message
	}
	if err != nil && !config.IsProduction() {
		body["details"] = err.Error()
	}
	if status >= http.StatusInternalServerError {
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		config.LogError(a.logger, "server", c.FullPath(), action, gin.H{"correlation_id": cid}, err)
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}

// respondModelError maps model-layer errors onto HTTP status codes.
func (a *app) respondModelError(c *gin.Context, action string, err error) {
	switch {
	case utils.IsValidationError(err):
		a.respondError(c, http.StatusBadRequest, action, err)
	case errors.Is(err, utils.ErrorRecordNotFound):
		a.respondError(c, http.StatusNotFound, action, err)
	case errors.Is(err, utils.ErrUnauthorized), errors.Is(err, models.ErrInvalidCredentials):
		a.respondError(c, http.StatusUnauthorized, action, err)
	case errors.Is(err, utils.ErrForbidden), errors.Is(err, models.ErrUserDisabled):
		a.respondError(c, http.StatusForbidden, action, err)
	default:
		a.respondError(c, http.StatusInternalServerError, action, err)
	}
}

func (a *app) bindJSON(c *gin.Context, action string, dest any) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		a.respondError(c, http.StatusBadRequest, action, utils.NewValidationError("body", "%v", err))
		return false
	}
	return true
}

// readinessGate answers 503 until the database is connected.
func (a *app) readinessGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if !a.ready.Load() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "service starting"})
			return
		}
		c.Next()
	}
}
