package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opsfeedback_backend/middlewares"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/models/reports"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
)

const maxExportRows = 10000

// filterFromQuery reads week, month, days (or range), region, store_id, q and sentiment.
func filterFromQuery(c *gin.Context) (reports.Filter, error) {
	f := reports.Filter{
		Week:      c.Query("week"),
		Month:     c.Query("month"),
		Region:    c.Query("region"),
		StoreId:   c.Query("store_id"),
		Query:     c.Query("q"),
		Sentiment: models.Mood(c.Query("sentiment")),
	}
	if f.Week == "" {
		f.Week = c.Query("iso_week")
	}
	if f.Month == "" {
		f.Month = c.Query("month_key")
	}
	days := c.Query("days")
	if days == "" {
		days = c.Query("range")
	}
	n, err := reports.ParseDays(days)
	if err != nil {
		return f, err
	}
	f.Days = n
	if storeId, ok := utils.GetStoreIdFromContext(c.Request.Context()); ok && isStoreManager(c) {
		f.StoreId = storeId
	}
	return f, f.Normalize()
}

func isStoreManager(c *gin.Context) bool {
	claim := middlewares.CtxValue(c.Request.Context())
	return claim != nil && models.UserRole(claim.Role) == models.UserRoleStoreManager
}

func (a *app) submitFeedbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewFeedback
		if !a.bindJSON(c, "submit feedback", &input) {
			return
		}
		ctx := c.Request.Context()
		if isStoreManager(c) {
			storeId, _ := utils.GetStoreIdFromContext(ctx)
			if input.StoreId == "" {
				input.StoreId = storeId
			} else if input.StoreId != storeId {
				a.respondError(c, http.StatusForbidden, "submit feedback", utils.ErrForbidden)
				return
			}
		}
		if input.SubmittedBy == "" {
			if claim := middlewares.CtxValue(ctx); claim != nil {
				input.SubmittedBy = claim.Name
			}
		}
		result, err := models.SubmitFeedback(ctx, a.db, &input, c.GetHeader("Idempotency-Key"))
		if err != nil {
			a.respondModelError(c, "submit feedback", err)
			return
		}
		if result.Duplicate {
			c.JSON(http.StatusOK, gin.H{"ok": true, "duplicate": true, "idempotency_key": result.IdempotencyKey, "id": result.ID})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"ok": true, "idempotency_key": result.IdempotencyKey, "id": result.ID})
	}
}

func (a *app) rawFeedbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := filterFromQuery(c)
		if err != nil {
			a.respondModelError(c, "load feedback", err)
			return
		}
		page, pageSize := models.ParsePage(c.Query("page"), c.Query("pageSize"))
		result, err := reports.RawFeedback(c.Request.Context(), a.db, f, page, pageSize, c.Query("sort"))
		if err != nil {
			a.respondModelError(c, "load feedback", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func (a *app) exportFeedbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f, err := filterFromQuery(c)
		if err != nil {
			a.respondModelError(c, "export feedback", err)
			return
		}
		rows, err := reports.FeedbackRows(c.Request.Context(), a.db, f, maxExportRows)
		if err != nil {
			a.respondModelError(c, "export feedback", err)
			return
		}
		buf, err := reports.ExportFeedbackXlsx(rows)
		if err != nil {
			a.respondError(c, http.StatusInternalServerError, "export feedback", err)
			return
		}
		filename := fmt.Sprintf("feedback-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
}
