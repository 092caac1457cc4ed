// Package api serves the query and control surface over HTTP: backup
// lifecycle, catalog queries, live progress, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snapvault/snapvault/internal/catalog"
	"github.com/snapvault/snapvault/internal/config"
	"github.com/snapvault/snapvault/internal/engine"
	"github.com/snapvault/snapvault/internal/manifest"
	"github.com/snapvault/snapvault/internal/metrics"
	"github.com/snapvault/snapvault/internal/progress"
)

// Server wires the engine and catalog into HTTP handlers.
type Server struct {
	cfg     *config.Config
	store   *catalog.Store
	engine  *engine.Engine
	tracker *progress.Tracker
	metrics *metrics.Metrics
	logger  zerolog.Logger

	upgrader websocket.Upgrader
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, store *catalog.Store, eng *engine.Engine, tracker *progress.Tracker, m *metrics.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		engine:  eng,
		tracker: tracker,
		metrics: m,
		logger:  logger.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/backups", s.handleList)
		v1.POST("/backups", s.handleStart)
		v1.GET("/backups/:id", s.handleDetails)
		v1.DELETE("/backups/:id", s.handleDelete)
		v1.POST("/backups/:id/cancel", s.handleCancel)
		v1.GET("/backups/:id/progress", s.handleBackupProgress)
		v1.GET("/progress", s.handleProgress)
		v1.GET("/progress/ws", s.handleProgressWS)
		v1.GET("/usage", s.handleUsage)
	}
	return r
}

// Run serves until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleList(c *gin.Context) {
	filter := catalog.ListFilter{
		Type:    manifest.BackupType(c.Query("type")),
		SortBy:  c.Query("sort"),
		Reverse: c.Query("order") == "asc",
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		filter.Limit = n
	}

	records, err := s.store.List(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": records})
}

type startRequest struct {
	Type manifest.BackupType `json:"type" binding:"required"`
}

func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Type != manifest.TypeFull && req.Type != manifest.TypeIncremental {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be full or incremental"})
		return
	}

	id, err := s.engine.StartBackup(c.Request.Context(), req.Type)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (s *Server) handleDetails(c *gin.Context) {
	id, ok := s.backupID(c)
	if !ok {
		return
	}
	details, err := s.store.Details(c.Request.Context(), id)
	if errors.Is(err, catalog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, details)
}

func (s *Server) handleDelete(c *gin.Context) {
	id, ok := s.backupID(c)
	if !ok {
		return
	}
	force := c.Query("force") == "true"

	deleted, err := s.engine.RemoveBackup(c.Request.Context(), id, force)
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
	case errors.Is(err, catalog.ErrHasDependents):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		s.internalError(c, err)
	default:
		c.JSON(http.StatusOK, gin.H{"deleted": deleted})
	}
}

func (s *Server) handleCancel(c *gin.Context) {
	id, ok := s.backupID(c)
	if !ok {
		return
	}
	if err := s.engine.Cancel(id); errors.Is(err, catalog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no backup in flight with that id"})
		return
	} else if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
}

func (s *Server) handleBackupProgress(c *gin.Context) {
	id, ok := s.backupID(c)
	if !ok {
		return
	}
	state, found := s.tracker.Snapshot(id)
	if !found {
		// Fall back to the catalog for finished or unknown backups.
		rec, err := s.store.GetBackup(c.Request.Context(), id)
		if errors.Is(err, catalog.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "backup not found"})
			return
		}
		if err != nil {
			s.internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"backup_id": rec.ID, "status": rec.Status})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) handleProgress(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.tracker.SnapshotAll()})
}

// handleProgressWS streams every progress update to the client until it
// disconnects.
func (s *Server) handleProgressWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, cancel := s.tracker.Subscribe()
	defer cancel()

	// Reader loop detects disconnects; the client sends nothing useful.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case state := <-updates:
			if err := conn.WriteJSON(state); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleUsage(c *gin.Context) {
	diskPath := ""
	if s.cfg.Destination == config.DestinationLocal {
		diskPath = s.cfg.BackupDir
	}
	report, err := s.store.Usage(c.Request.Context(), diskPath)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) backupID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid backup id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
