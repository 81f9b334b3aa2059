package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/middlewares"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/summarizer"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"github.com/mmdatafocus/opsfeedback_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultPort = "8080"

var tracer = otel.Tracer("opsfeedback-api")

type RateLimiter struct {
	client func() *redis.Client
	limit  int64
	window time.Duration
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": "route not found"})
}

// correlationIdMiddleware generates an id once per request and attaches it to the context.
func correlationIdMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	}
}

func tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(
			attribute.String("http.route", c.FullPath()),
			attribute.Int("http.status_code", c.Writer.Status()),
		)
	}
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	// Production requires an explicit allowlist; everything else allows all origins.
	if config.IsProduction() {
		cfg.AllowOrigins = utils.SplitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS"))
		if len(cfg.AllowOrigins) == 0 {
			cfg.AllowOriginFunc = func(string) bool { return false }
		}
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	cfg.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization", "Idempotency-Key", "x-correlation-id")
	cfg.AddExposeHeaders("Content-Length", "Content-Disposition", "x-correlation-id")
	cfg.AllowCredentials = true
	return cfg
}

func newRouter(a *app) *gin.Engine {
	r := gin.New()
	r.Use(correlationIdMiddleware())
	r.Use(a.readinessGate())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.Use(cors.New(corsConfig()))
	r.Use(tracingMiddleware())

	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if config.BoolFromEnv("RATE_LIMIT_ENABLED", false) {
		limit := int64(config.IntFromEnv("RATE_LIMIT_MAX_REQUESTS", 600))
		windowSec := config.IntFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)
		rateLimiter := NewRateLimiter(config.GetRedisDB, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(customErrorLogger(a.logger))
	r.Use(gin.Recovery())

	// Push deliveries carry their own OIDC bearer token, so this route is
	// registered ahead of the session middleware.
	r.POST("/internal/pubsub/report-jobs", a.reportJobPushHandler())

	r.Use(middlewares.SessionMiddleware())

	auth := r.Group("/auth")
	auth.POST("/login", a.loginHandler())
	auth.POST("/logout", a.logoutHandler())
	auth.POST("/verify-token", a.verifyTokenHandler())
	auth.GET("/me", middlewares.RequireSession(), a.meHandler())

	session := r.Group("/", middlewares.RequireSession())
	session.POST("/feedback/submit", a.submitFeedbackHandler())
	session.GET("/feedback/raw", a.rawFeedbackHandler())
	session.GET("/feedback/export.xlsx", a.exportFeedbackHandler())
	session.POST("/stock-issues", a.createStockIssueHandler())
	session.GET("/stock-issues", a.listStockIssuesHandler())
	session.GET("/stores", a.activeStoresHandler())

	exec := r.Group("/", middlewares.RequireRole(models.UserRoleAdmin, models.UserRoleELT))
	exec.POST("/exec/job", a.enqueueJobHandler())
	exec.GET("/exec/job", a.getJobHandler())
	exec.GET("/exec/jobs", a.listJobsHandler())
	exec.GET("/exec/snapshot", a.snapshotHandler())
	exec.GET("/exec/insights", a.insightsHandler())
	exec.GET("/exec/kpis", a.kpisHandler())
	exec.GET("/exec/themes", a.themesHandler())
	exec.GET("/coverage", a.coverageHandler())

	admin := r.Group("/admin", middlewares.RequireRole(models.UserRoleAdmin))
	admin.GET("/stores", a.listStoresHandler())
	admin.POST("/stores", a.createStoreHandler())
	admin.GET("/stores/export", a.exportStoresHandler())
	admin.POST("/stores/import", a.importStoresHandler())
	admin.POST("/stores/merge", a.mergeStoresHandler())
	admin.PUT("/stores/:id", a.updateStoreHandler())
	admin.GET("/stores/:id/audit", a.storeAuditHandler())
	admin.GET("/users", a.listUsersHandler())
	admin.POST("/users", a.createUserHandler())
	admin.PUT("/users/:id/role", a.setUserRoleHandler())
	admin.PUT("/users/:id/active", a.setUserActiveHandler())
	admin.POST("/users/:id/reset-password", a.resetPasswordHandler())

	r.NoRoute(customNotFoundHandler)
	return r
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	if err := utils.CheckSessionSecret(config.IsProduction()); err != nil {
		logger.WithFields(logrus.Fields{"field": "session"}).Fatal(err.Error())
	}

	// Cloud Run sends SIGTERM on revision shutdown.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	s, err := summarizer.New(sigCtx, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "summarizer"}).Warn("summarizer unavailable, using placeholder analysis: " + err.Error())
		s = summarizer.Placeholder{}
	}

	// Start the HTTP server first; app endpoints return 503 until the database is ready.
	a := newApp(nil, logger, s)
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           newRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	db, err := config.ConnectDatabaseWithRetry()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "database"}).Fatal(err.Error())
	}
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	config.ConnectRedisWithRetry(sigCtx)

	// AutoMigrate can block tables; SKIP_MIGRATIONS=true leaves it to a separate job.
	if !config.BoolFromEnv("SKIP_MIGRATIONS", false) {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	defer cancelWorker()
	a.db = db
	if config.BoolFromEnv("RUN_REPORT_WORKER", true) {
		worker := workflow.NewReportWorker(db, logger, s)
		a.worker = worker
		go worker.Run(workerCtx)
		go func() {
			err := config.ReceiveReportJobs(workerCtx, func(config.ReportJobMessage) { worker.Nudge() })
			if err != nil && !errors.Is(err, config.ErrPubSubDisabled) && !errors.Is(err, context.Canceled) {
				config.LogError(logger, "server", "main", "ReceiveReportJobs", config.ReportSubscriptionName(), err)
			}
		}()
	}
	a.ready.Store(true)

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info(fmt.Sprintf("listening on :%s", port))
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background work before draining requests.
	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	config.ClosePubSubClient()
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger logs only requests that recorded errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 && logger != nil {
			logger.Error(c.Errors.String())
		}
	}
}

// NewRateLimiter counts requests per client IP in redis. client is looked up
// per request so the limiter works once redis connects after startup.
func NewRateLimiter(client func() *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	client := rl.client()
	if client == nil {
		c.Next()
		return
	}
	key := "ratelimit:" + c.ClientIP()
	ctx := c.Request.Context()

	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		// Redis is optional; fail open.
		_ = c.Error(err)
		c.Next()
		return
	}
	if count == 1 {
		if err := client.Expire(ctx, key, rl.window).Err(); err != nil {
			_ = c.Error(err)
		}
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"ok":    false,
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}
	c.Next()
}
