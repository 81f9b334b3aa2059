package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opsfeedback_backend/middlewares"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
)

func userIdParam(c *gin.Context) (int, error) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		return 0, utils.NewValidationError("id", "must be a positive integer")
	}
	return id, nil
}

func (a *app) listUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := models.ListUsers(c.Request.Context(), a.db)
		if err != nil {
			a.respondModelError(c, "list users", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "users": users})
	}
}

func (a *app) createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewAppUser
		if !a.bindJSON(c, "create user", &input) {
			return
		}
		user, err := models.CreateUser(c.Request.Context(), a.db, &input)
		if err != nil {
			a.respondModelError(c, "create user", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"ok": true, "user": user})
	}
}

func (a *app) setUserRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := userIdParam(c)
		if err != nil {
			a.respondModelError(c, "update user role", err)
			return
		}
		var req struct {
			Role string `json:"role"`
		}
		if !a.bindJSON(c, "update user role", &req) {
			return
		}
		user, err := models.SetUserRole(c.Request.Context(), a.db, id, req.Role)
		if err != nil {
			a.respondModelError(c, "update user role", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "user": user})
	}
}

func (a *app) setUserActiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := userIdParam(c)
		if err != nil {
			a.respondModelError(c, "update user status", err)
			return
		}
		var req struct {
			IsActive *bool `json:"is_active"`
		}
		if !a.bindJSON(c, "update user status", &req) {
			return
		}
		if req.IsActive == nil {
			a.respondError(c, http.StatusBadRequest, "update user status", utils.NewValidationError("is_active", "is required"))
			return
		}
		if claim := middlewares.CtxValue(c.Request.Context()); claim != nil && claim.ID == id && !*req.IsActive {
			a.respondError(c, http.StatusBadRequest, "update user status", utils.NewValidationError("is_active", "cannot deactivate yourself"))
			return
		}
		user, err := models.SetUserActive(c.Request.Context(), a.db, id, *req.IsActive)
		if err != nil {
			a.respondModelError(c, "update user status", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "user": user})
	}
}

func (a *app) resetPasswordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := userIdParam(c)
		if err != nil {
			a.respondModelError(c, "reset password", err)
			return
		}
		var req struct {
			Password string `json:"password"`
		}
		if !a.bindJSON(c, "reset password", &req) {
			return
		}
		if _, err := models.ResetUserPassword(c.Request.Context(), a.db, id, req.Password); err != nil {
			a.respondModelError(c, "reset password", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
