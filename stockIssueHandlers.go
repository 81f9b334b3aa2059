package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opsfeedback_backend/middlewares"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
)

func (a *app) createStockIssueHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStockIssue
		if !a.bindJSON(c, "submit stock issue", &input) {
			return
		}
		ctx := c.Request.Context()
		if isStoreManager(c) {
			storeId, _ := utils.GetStoreIdFromContext(ctx)
			if input.StoreId == "" {
				input.StoreId = storeId
			} else if input.StoreId != storeId {
				a.respondError(c, http.StatusForbidden, "submit stock issue", utils.ErrForbidden)
				return
			}
		}
		if claim := middlewares.CtxValue(ctx); claim != nil {
			input.SubmittedBy = claim.Name
		}
		issue, err := models.CreateStockIssue(ctx, a.db, &input)
		if err != nil {
			a.respondModelError(c, "submit stock issue", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"ok": true, "issue": issue})
	}
}

func (a *app) listStockIssuesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		issues, err := models.ListStockIssues(c.Request.Context(), a.db, models.StockIssueFilter{
			StoreId:    c.Query("store_id"),
			RegionCode: c.Query("region"),
			IsoWeek:    c.Query("iso_week"),
			Limit:      limit,
		})
		if err != nil {
			a.respondModelError(c, "list stock issues", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "issues": issues})
	}
}
