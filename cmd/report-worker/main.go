// report-worker runs the report job queue without the HTTP API.
// Several instances may run against one database; claims use SKIP LOCKED.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/summarizer"
	"github.com/mmdatafocus/opsfeedback_backend/workflow"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

func main() {
	port := os.Getenv("REPORT_WORKER_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Cloud Run needs a listening port even for background workers.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("health server stopped: " + err.Error())
		}
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

	s, err := summarizer.New(sigCtx, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "summarizer"}).Fatal(err.Error())
	}

	worker := workflow.NewReportWorker(db, logger, s)
	go func() {
		err := config.ReceiveReportJobs(sigCtx, func(config.ReportJobMessage) { worker.Nudge() })
		if err != nil && !errors.Is(err, config.ErrPubSubDisabled) && !errors.Is(err, context.Canceled) {
			config.LogError(logger, "report-worker", "main", "ReceiveReportJobs", config.ReportSubscriptionName(), err)
		}
	}()
	worker.Run(sigCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	config.ClosePubSubClient()
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
