package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"nefit-easy-connector/internal/connector"
	"nefit-easy-connector/internal/logger"
	"nefit-easy-connector/internal/model"
	"nefit-easy-connector/internal/scheduler"
	"nefit-easy-connector/internal/storage"
)

// StateSource reports the thermostat connection state.
type StateSource interface {
	State() connector.State
}

// Journal is the read side of the cycle journal.
type Journal interface {
	RecentCycles(limit int) ([]storage.CycleRecord, error)
	CyclesByRange(from, to time.Time) ([]storage.CycleRecord, error)
	CountByResult() ([]storage.ResultCount, error)
}

type Server struct {
	router  *gin.Engine
	server  *http.Server
	port    int
	state   StateSource
	journal Journal
	log     *logger.Logger

	mu         sync.RWMutex
	lastCycle  *scheduler.Outcome
	lastStatus *model.StatusRecord
	lastOK     time.Time
}

type ServerConfig struct {
	Port    int
	State   StateSource
	Journal Journal      // optional
	Metrics http.Handler // optional
}

func NewServer(cfg ServerConfig, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))

	s := &Server{
		router:  router,
		port:    cfg.Port,
		state:   cfg.State,
		journal: cfg.Journal,
		log:     log,
	}
	s.setupRoutes(cfg.Metrics)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes(metrics http.Handler) {
	s.router.GET("/health", s.healthHandler)
	if metrics != nil {
		s.router.GET("/metrics", gin.WrapH(metrics))
	}

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.statusHandler)
		api.GET("/cycles", s.cyclesHandler)
		api.GET("/cycles/summary", s.cycleSummaryHandler)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Stop. It returns nil at once when Stop already ran.
func (s *Server) Start() error {
	s.log.Infow("API server starting", "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// RecordCycle keeps the latest outcome and status for the API.
func (s *Server) RecordCycle(o scheduler.Outcome) {
	if o.Result == scheduler.ResultSkipped {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycle = &o
	if o.Result == scheduler.ResultOK && o.Status != nil {
		s.lastStatus = o.Status
		s.lastOK = o.Start.Add(o.Duration)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	s.mu.RLock()
	last := s.lastCycle
	lastOK := s.lastOK
	s.mu.RUnlock()

	body := gin.H{
		"status":     "healthy",
		"connection": s.state.State().String(),
		"timestamp":  time.Now(),
	}
	if last != nil {
		body["last_cycle"] = gin.H{
			"index":       last.Index,
			"result":      last.Result,
			"started_at":  last.Start,
			"duration_ms": last.Duration.Milliseconds(),
			"error":       last.Err,
		}
	}
	if !lastOK.IsZero() {
		body["last_success"] = lastOK
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) statusHandler(c *gin.Context) {
	s.mu.RLock()
	status := s.lastStatus
	s.mu.RUnlock()

	if status == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No data available yet",
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) cyclesHandler(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cycle journal is disabled"})
		return
	}

	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr != "" && toStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'from' date format"})
			return
		}
		to, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid 'to' date format"})
			return
		}
		records, err := s.journal.CyclesByRange(from, to)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, records)
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}
	records, err := s.journal.RecentCycles(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) cycleSummaryHandler(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Cycle journal is disabled"})
		return
	}
	counts, err := s.journal.CountByResult()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, counts)
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugw("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
