// Package monitor implements the monitoring plane (component G): a gin HTTP
// server exposing read-only JSON views over the worker registry, the
// persistence store, and the metrics aggregator, grounded on the teacher's
// gin Engine/LoggerMiddleware wiring and nelkinda/health-go readiness
// pattern. The monitoring plane never mutates the broker or the registry,
// per the concurrency model: it only reads.
package monitor

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	health "github.com/nelkinda/health-go"
	log "github.com/sirupsen/logrus"

	ginlog "github.com/geoffjay/tacore/core/http"
	"github.com/geoffjay/tacore/internal/metrics"
	"github.com/geoffjay/tacore/internal/registry"
	"github.com/geoffjay/tacore/internal/store"
)

// BrokerStatus is the subset of broker state the monitoring plane reads.
type BrokerStatus interface {
	Degraded() bool
}

// Server is the monitoring plane's HTTP server.
type Server struct {
	cfg     Config
	engine  *gin.Engine
	http    *http.Server
	startAt time.Time

	reg    *registry.Registry
	st     *store.Store
	agg    *metrics.Aggregator
	broker BrokerStatus

	log *log.Logger
}

// Config is the subset of ambient config the monitoring plane needs.
type Config struct {
	Addr              string
	MaxRecentRequests int
}

// New builds a Server wired to the given components but does not start
// listening; call Run for that.
func New(cfg Config, reg *registry.Registry, st *store.Store, agg *metrics.Aggregator, broker BrokerStatus, logger *log.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), ginlog.LoggerMiddleware())

	s := &Server{
		cfg:     cfg,
		engine:  engine,
		startAt: time.Now(),
		reg:     reg,
		st:      st,
		agg:     agg,
		broker:  broker,
		log:     logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	checker := health.New(health.Health{Version: "1", ReleaseID: "1.0.0"})
	s.engine.GET("/healthz", gin.WrapF(checker.Handler))

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/stats", s.handleStats)
	s.engine.GET("/workers", s.handleWorkers)
	s.engine.GET("/requests/recent", s.handleRecentRequests)
	s.engine.GET("/requests/:id", s.handleRequestByID)
}

// Run starts the HTTP listener and blocks until the context is cancelled,
// at which point it shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type healthResponse struct {
	Status         string         `json:"status"`
	Degraded       bool           `json:"degraded"`
	WorkersByState map[string]int `json:"workers_by_state"`
	Timestamp      time.Time      `json:"timestamp"`
	UptimeSeconds  float64        `json:"uptime_seconds"`
}

// handleHealth reports the liveness status per the spec's status rules:
// healthy = at least one IDLE worker and not degraded; degraded = the
// supervisor tripped the degraded flag, or there are zero IDLE workers but
// at least one BUSY; unhealthy = zero live workers.
func (s *Server) handleHealth(c *gin.Context) {
	counts := s.reg.CountByState()
	byState := make(map[string]int, len(counts))
	for state, n := range counts {
		byState[string(state)] = n
	}

	degradedFlag := s.broker != nil && s.broker.Degraded()
	idle := byState[string(registry.StateIdle)]
	busy := byState[string(registry.StateBusy)]

	status := "healthy"
	code := http.StatusOK
	switch {
	case idle+busy == 0:
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case degradedFlag || idle == 0:
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, healthResponse{
		Status:         status,
		Degraded:       degradedFlag,
		WorkersByState: byState,
		Timestamp:      time.Now().UTC(),
		UptimeSeconds:  time.Since(s.startAt).Seconds(),
	})
}

// handleStats reports the current metrics snapshot.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.agg.Snapshot())
}

// handleWorkers reports the worker registry as a bare array of public views.
func (s *Server) handleWorkers(c *gin.Context) {
	now := time.Now()
	snapshot := s.reg.Snapshot()
	views := make([]registry.PublicView, 0, len(snapshot))
	for _, e := range snapshot {
		views = append(views, e.ToPublicView(now))
	}
	c.JSON(http.StatusOK, views)
}

// handleRecentRequests reports the N most recent requests (N from the limit
// query parameter, capped at MaxRecentRequests, which is also the default),
// filterable by status/method/source_module query parameters, as a bare
// array.
func (s *Server) handleRecentRequests(c *gin.Context) {
	limit := s.cfg.MaxRecentRequests
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		if n < limit {
			limit = n
		}
	}
	filter := store.Filter{
		Status:       store.Status(c.Query("status")),
		Method:       c.Query("method"),
		SourceModule: c.Query("source_module"),
	}

	records, err := s.st.ListRecent(limit, filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list recent requests"})
		return
	}
	views := make([]store.PublicView, 0, len(records))
	for _, r := range records {
		views = append(views, r.ToPublicView())
	}
	c.JSON(http.StatusOK, views)
}

// handleRequestByID reports a single request record by request_id.
func (s *Server) handleRequestByID(c *gin.Context) {
	rec, err := s.st.GetRequest(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read request"})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "request not found"})
		return
	}
	c.JSON(http.StatusOK, rec.ToPublicView())
}
