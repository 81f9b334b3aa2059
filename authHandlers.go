package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/middlewares"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
)

type loginRequest struct {
	Email    string `json:"email"`
	UserId   string `json:"user_id"`
	Password string `json:"password"`
}

func setSessionCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middlewares.SessionCookieName, token, maxAge, "/", "", config.IsProduction(), true)
}

func (a *app) loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if !a.bindJSON(c, "login", &req) {
			return
		}
		identifier := req.Email
		if identifier == "" {
			identifier = req.UserId
		}
		info, err := models.Login(c.Request.Context(), a.db, identifier, req.Password)
		if err != nil {
			a.respondModelError(c, "login", err)
			return
		}
		setSessionCookie(c, info.Token, config.SessionDays()*24*60*60)
		c.JSON(http.StatusOK, gin.H{"ok": true, "token": info.Token, "expires_at": info.ExpiresAt, "user": info.User})
	}
}

func (a *app) logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		setSessionCookie(c, "", -1)
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

func (a *app) verifyTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Token string `json:"token"`
		}
		if !a.bindJSON(c, "verify token", &req) {
			return
		}
		claim, err := utils.SessionValidate(req.Token)
		if err != nil {
			c.JSON(http.StatusOK, gin.H{"ok": true, "valid": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "valid": true, "claims": claim})
	}
}

func (a *app) meHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		claim := middlewares.CtxValue(c.Request.Context())
		user, err := models.GetAppUser(c.Request.Context(), a.db, claim.ID)
		if err != nil {
			a.respondModelError(c, "load user", err)
			return
		}
		if !user.Active() {
			a.respondError(c, http.StatusForbidden, "load user", models.ErrUserDisabled)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "user": user})
	}
}
