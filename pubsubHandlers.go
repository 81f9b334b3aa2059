package main

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/sirupsen/logrus"
)

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// reportJobPushHandler receives Pub/Sub push deliveries and wakes the local
// worker. Malformed messages are acked with 204 so they are not redelivered.
func (a *app) reportJobPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := a.logger
		if !a.pushAuthorized(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthorized"})
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			config.LogError(logger, "pubsubHandlers", "reportJobPushHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		var msg PubSubMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "pubsubHandlers", "reportJobPushHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}
		var m config.ReportJobMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil || m.JobId == "" {
			if err != nil {
				config.LogError(logger, "pubsubHandlers", "reportJobPushHandler", "Unmarshal pubsub message", msg.Message.ID, err)
			} else if logger != nil {
				logger.WithFields(logrus.Fields{"field": "report_job_push", "message_id": msg.Message.ID}).Warn("report job message without job_id")
			}
			c.Status(http.StatusNoContent)
			return
		}

		if a.worker != nil {
			a.worker.Nudge()
		}
		if logger != nil {
			logger.WithFields(logrus.Fields{
				"field":          "report_job_push",
				"job_id":         m.JobId,
				"message_id":     msg.Message.ID,
				"correlation_id": m.CorrelationId,
			}).Debug("report job notification received")
		}
		c.Status(http.StatusNoContent)
	}
}

// pushAuthorized checks a push delivery.
//
// Env:
// - PUBSUB_PUSH_AUDIENCE: require a Google-signed OIDC bearer token for this audience
// - PUBSUB_PUSH_SERVICE_ACCOUNT: the token's verified email must match
// - PUBSUB_PUSH_TOKEN: shared secret in ?token= or the X-Push-Token header
//
// Production rejects every delivery when neither check is configured.
func (a *app) pushAuthorized(c *gin.Context) bool {
	audience := config.StringFromEnv("PUBSUB_PUSH_AUDIENCE", "")
	secret := config.StringFromEnv("PUBSUB_PUSH_TOKEN", "")
	if audience == "" && secret == "" {
		return !config.IsProduction()
	}

	if audience != "" {
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" || a.verifyIDToken == nil {
			return false
		}
		payload, err := a.verifyIDToken(c.Request.Context(), strings.TrimSpace(raw), audience)
		if err != nil {
			if a.logger != nil {
				a.logger.WithFields(logrus.Fields{"field": "report_job_push"}).Warn("rejected push token: " + err.Error())
			}
			return false
		}
		if sa := config.StringFromEnv("PUBSUB_PUSH_SERVICE_ACCOUNT", ""); sa != "" {
			email, _ := payload.Claims["email"].(string)
			verified, _ := payload.Claims["email_verified"].(bool)
			if !verified || !strings.EqualFold(email, sa) {
				return false
			}
		}
	}

	if secret != "" {
		got := c.Query("token")
		if got == "" {
			got = c.GetHeader("X-Push-Token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return false
		}
	}
	return true
}
