package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"soulqueue/internal/domain"
	"soulqueue/internal/downloader"
	"soulqueue/internal/metrics"
	"soulqueue/internal/reconcile"
	"soulqueue/internal/service"
	"soulqueue/internal/storage"
)

// Handler wires HTTP routes to the download engine and its services.
type Handler struct {
	engine    downloader.Engine
	history   service.HistoryService
	storage   storage.Service
	bucket    string
	metrics   *metrics.Metrics
	jwtSecret string

	done      chan struct{}
	closeOnce sync.Once
}

// NewHandler builds the API. history, store and m may be nil; an empty
// jwtSecret disables authentication.
func NewHandler(engine downloader.Engine, history service.HistoryService, store storage.Service, bucket string, m *metrics.Metrics, jwtSecret string) *Handler {
	return &Handler{
		engine:    engine,
		history:   history,
		storage:   store,
		bucket:    bucket,
		metrics:   m,
		jwtSecret: jwtSecret,
		done:      make(chan struct{}),
	}
}

// Close ends open event streams so a graceful server shutdown is not held up
// by them. Register it with http.Server.RegisterOnShutdown.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())
	if h.metrics != nil {
		router.Use(metricsMiddleware(h.metrics))
		router.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}

	router.GET("/api/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})

	api := router.Group("/api")
	if h.jwtSecret != "" {
		api.Use(authMiddleware(h.jwtSecret))
	}
	{
		api.GET("/queue", h.getQueue)
		api.POST("/downloads", h.addDownload)
		api.GET("/downloads/:id", h.getDownload)
		api.POST("/downloads/:id/cancel", h.cancelDownload)
		api.POST("/downloads/:id/retry", h.retryDownload)
		api.DELETE("/finished", h.clearFinished)
		api.POST("/bulk/begin", h.beginBulk)
		api.POST("/bulk/end", h.endBulk)
		api.POST("/refresh", h.refresh)
		api.GET("/history", h.listHistory)
		api.GET("/archive", h.listArchive)
		api.GET("/archive/url", h.archiveURL)
		api.DELETE("/archive", h.deleteArchive)
		api.GET("/events", h.streamEvents)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Disposition")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func metricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.ObserveRequest(c.Request.Method, route, c.Writer.Status(), time.Since(started))
	}
}

// writeError maps engine sentinels to status codes. Anything else is a
// failure talking to the transfer daemon.
func writeError(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, downloader.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, downloader.ErrNotRetryable):
		status = http.StatusConflict
	case errors.Is(err, downloader.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, downloader.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (h *Handler) getQueue(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Snapshot())
}

type addDownloadRequest struct {
	Username    string `json:"username" binding:"required"`
	Filename    string `json:"filename" binding:"required"`
	Size        int64  `json:"size"`
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	Album       string `json:"album"`
	TrackNumber *int   `json:"track_number"`
	PostProcess bool   `json:"post_process"`
}

func (h *Handler) addDownload(c *gin.Context) {
	var req addDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := h.engine.Add(c.Request.Context(), downloader.AddRequest{
		Username:    req.Username,
		Filename:    req.Filename,
		Size:        req.Size,
		Title:       req.Title,
		Artist:      req.Artist,
		Album:       req.Album,
		TrackNumber: req.TrackNumber,
		PostProcess: req.PostProcess,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func (h *Handler) getDownload(c *gin.Context) {
	view, err := h.engine.Find(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) cancelDownload(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()
	view, err := h.engine.Cancel(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) retryDownload(c *gin.Context) {
	view, err := h.engine.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

func (h *Handler) clearFinished(c *gin.Context) {
	statuses, err := parseStatuses(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var cleared int
	if raw := c.Query("before"); raw != "" {
		cutoff, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before timestamp"})
			return
		}
		cleared = h.engine.ClearFinishedBefore(cutoff)
	} else {
		cleared = h.engine.ClearFinished(statuses...)
	}
	c.JSON(http.StatusOK, gin.H{"cleared": cleared})
}

func parseStatuses(raw string) ([]domain.ItemStatus, error) {
	var out []domain.ItemStatus
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		s, err := domain.ParseStatus(part)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (h *Handler) beginBulk(c *gin.Context) {
	h.engine.BeginBulk()
	c.JSON(http.StatusOK, gin.H{"mode": h.engine.Snapshot().Mode})
}

func (h *Handler) endBulk(c *gin.Context) {
	h.engine.EndBulk()
	c.JSON(http.StatusOK, gin.H{"mode": h.engine.Snapshot().Mode})
}

type RefreshResponse struct {
	Skipped     bool     `json:"skipped"`
	Error       string   `json:"error,omitempty"`
	Matched     int      `json:"matched"`
	Missing     int      `json:"missing"`
	Transitions int      `json:"transitions"`
	Terminal    []string `json:"terminal,omitempty"`
	Active      int      `json:"active"`
	Finished    int      `json:"finished"`
}

func resultToResponse(res reconcile.Result) RefreshResponse {
	resp := RefreshResponse{
		Skipped:     res.Skipped,
		Matched:     res.Matched,
		Missing:     res.Missing,
		Transitions: res.Transitions,
		Terminal:    res.Terminal,
		Active:      res.Active,
		Finished:    res.Finished,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return resp
}

func (h *Handler) refresh(c *gin.Context) {
	res, ran := h.engine.Refresh(c.Request.Context())
	if !ran {
		c.JSON(http.StatusConflict, gin.H{"error": "reconciliation already running"})
		return
	}
	status := http.StatusOK
	if res.Err != nil {
		status = http.StatusBadGateway
	}
	c.JSON(status, resultToResponse(res))
}

func (h *Handler) listHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history not configured"})
		return
	}
	statuses, err := parseStatuses(c.Query("status"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	entries, err := h.history.List(c.Request.Context(), domain.HistoryFilter{
		Statuses: statuses,
		Username: c.Query("username"),
		Limit:    limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []domain.HistoryEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

func (h *Handler) archiveConfigured(c *gin.Context) bool {
	if h.storage == nil || h.bucket == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage service not configured"})
		return false
	}
	return true
}

func (h *Handler) listArchive(c *gin.Context) {
	if !h.archiveConfigured(c) {
		return
	}

	prefix := c.Query("prefix")
	objects, err := h.storage.ListObjects(c.Request.Context(), h.bucket, prefix)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) archiveURL(c *gin.Context) {
	if !h.archiveConfigured(c) {
		return
	}
	key := c.Query("key")
	if strings.TrimSpace(key) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key is required"})
		return
	}
	expires := 15 * time.Minute
	if raw := c.Query("expires"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > 7*24*time.Hour {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid expires"})
			return
		}
		expires = d
	}

	url, err := h.storage.GetObjectURL(c.Request.Context(), h.bucket, key, expires)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "expires_in": int(expires.Seconds())})
}

func (h *Handler) deleteArchive(c *gin.Context) {
	if !h.archiveConfigured(c) {
		return
	}
	prefix := strings.TrimSpace(c.Query("prefix"))
	if prefix == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prefix is required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := h.storage.DeletePrefix(ctx, h.bucket, prefix); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": prefix})
}

// streamEvents sends the current snapshot, then one event per engine update
// until the client goes away, the handler is closed or the engine shuts down.
func (h *Handler) streamEvents(c *gin.Context) {
	updates, unsubscribe := h.engine.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("snapshot", h.engine.Snapshot())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-h.done:
			return false
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("update", u)
			return true
		}
	})
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"last_modified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339)
		resp.LastModified = &v
	}
	return resp
}
