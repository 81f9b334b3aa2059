package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/opsfeedback_backend/config"
	"github.com/mmdatafocus/opsfeedback_backend/models"
	"github.com/mmdatafocus/opsfeedback_backend/utils"
	"github.com/sirupsen/logrus"
)

const maxImportBytes = 10 << 20

// activeStoresHandler lists active stores for the submission form.
func (a *app) activeStoresHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stores, err := models.ListStores(c.Request.Context(), a.db, models.StoreListFilter{
			Region:     c.Query("region"),
			ActiveOnly: true,
		})
		if err != nil {
			a.respondModelError(c, "list stores", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "stores": stores})
	}
}

func (a *app) listStoresHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		activeOnly, _ := strconv.ParseBool(c.DefaultQuery("active", "false"))
		stores, err := models.ListStores(c.Request.Context(), a.db, models.StoreListFilter{
			Region:     c.Query("region"),
			ActiveOnly: activeOnly,
			Query:      c.Query("q"),
		})
		if err != nil {
			a.respondModelError(c, "list stores", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "stores": stores})
	}
}

func (a *app) createStoreHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewStore
		if !a.bindJSON(c, "create store", &input) {
			return
		}
		ctx := c.Request.Context()
		store, err := models.CreateStore(ctx, a.db, &input, utils.ActorFromContext(ctx))
		if err != nil {
			a.respondModelError(c, "create store", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"ok": true, "store": store})
	}
}

type updateStoreRequest struct {
	Field  string         `json:"field"`
	Value  any            `json:"value"`
	Fields map[string]any `json:"fields"`
}

func (a *app) updateStoreHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateStoreRequest
		if !a.bindJSON(c, "update store", &req) {
			return
		}
		fields := req.Fields
		if req.Field != "" {
			if fields == nil {
				fields = map[string]any{}
			}
			fields[strings.TrimSpace(req.Field)] = req.Value
		}
		ctx := c.Request.Context()
		store, audits, err := models.UpdateStore(ctx, a.db, c.Param("id"), fields, utils.ActorFromContext(ctx))
		if err != nil {
			a.respondModelError(c, "update store", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "store": store, "changes": audits})
	}
}

func (a *app) storeAuditHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		audits, err := models.ListStoreAudit(c.Request.Context(), a.db, c.Param("id"), limit)
		if err != nil {
			a.respondModelError(c, "load store audit", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "audit": audits})
	}
}

func (a *app) exportStoresHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stores, err := models.ListStores(c.Request.Context(), a.db, models.StoreListFilter{Region: c.Query("region")})
		if err != nil {
			a.respondModelError(c, "export stores", err)
			return
		}
		var buf bytes.Buffer
		if err := models.ExportStoresCSV(&buf, stores); err != nil {
			a.respondError(c, http.StatusInternalServerError, "export stores", err)
			return
		}
		filename := fmt.Sprintf("stores-%s.csv", time.Now().UTC().Format("20060102"))
		c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
		c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
	}
}

func (a *app) importStoresHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		mode, err := models.ParseImportMode(c.PostForm("mode"))
		if err != nil {
			a.respondError(c, http.StatusBadRequest, "import stores", utils.NewValidationError("mode", "%v", err))
			return
		}
		fh, err := c.FormFile("file")
		if err != nil {
			a.respondError(c, http.StatusBadRequest, "import stores", utils.NewValidationError("file", "multipart field file is required"))
			return
		}
		if fh.Size > maxImportBytes {
			a.respondError(c, http.StatusBadRequest, "import stores", utils.NewValidationError("file", "file is larger than %d bytes", maxImportBytes))
			return
		}
		f, err := fh.Open()
		if err != nil {
			a.respondError(c, http.StatusBadRequest, "import stores", err)
			return
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxImportBytes+1))
		if err != nil {
			a.respondError(c, http.StatusBadRequest, "import stores", err)
			return
		}

		rows, err := models.ParseStoreRows(fh.Filename, bytes.NewReader(data))
		if err != nil {
			a.respondModelError(c, "import stores", err)
			return
		}
		ctx := c.Request.Context()
		result, err := models.ImportStores(ctx, a.db, rows, mode, utils.ActorFromContext(ctx))
		if err != nil {
			a.respondModelError(c, "import stores", err)
			return
		}

		archived := a.archiveImport(c, fh.Filename, data)
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": result, "archive": archived})
	}
}

// archiveImport keeps a copy of the uploaded file. Failures only get logged.
func (a *app) archiveImport(c *gin.Context, filename string, data []byte) string {
	if a.archive == nil {
		return ""
	}
	object := fmt.Sprintf("store-imports/%s-%s", time.Now().UTC().Format("20060102T150405Z"), filepath.Base(filename))
	url, err := a.archive(c.Request.Context(), object, data)
	if errors.Is(err, utils.ErrStorageDisabled) {
		return ""
	}
	if err != nil {
		config.LogError(a.logger, "storeHandlers", "archiveImport", "upload to storage", object, err)
		return ""
	}
	if a.logger != nil {
		a.logger.WithFields(logrus.Fields{"field": "store_import", "object": url}).Info("archived store import")
	}
	return url
}

type mergeStoresRequest struct {
	Mode string           `json:"mode"`
	Rows []map[string]any `json:"rows"`
}

func (a *app) mergeStoresHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mergeStoresRequest
		if !a.bindJSON(c, "merge stores", &req) {
			return
		}
		mode, err := models.ParseImportMode(req.Mode)
		if err != nil {
			a.respondError(c, http.StatusBadRequest, "merge stores", utils.NewValidationError("mode", "%v", err))
			return
		}
		if len(req.Rows) == 0 {
			a.respondError(c, http.StatusBadRequest, "merge stores", utils.NewValidationError("rows", "at least one row is required"))
			return
		}
		ctx := c.Request.Context()
		result, err := models.ImportStores(ctx, a.db, models.StoreRowsFromMaps(req.Rows), mode, utils.ActorFromContext(ctx))
		if err != nil {
			a.respondModelError(c, "merge stores", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
	}
}
