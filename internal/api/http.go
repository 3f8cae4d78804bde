// Package api exposes the farm over HTTP and gRPC.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gpuminer/internal/farm"
	"gpuminer/internal/log"
	"gpuminer/pkg/mining/core"
	"gpuminer/pkg/mining/gpu"
	"gpuminer/pkg/mining/telemetry"
)

// Farm is the control surface the API serves.
type Farm interface {
	Stats() farm.Stats
	Devices() []gpu.Properties
	HwMon(ctx context.Context, index int) (core.HwSnapshot, error)
	Healthy(index int) bool
	SetWork(wp core.WorkPackage) error
	Pause()
	Resume()
	Solutions() []core.Solution
	Metrics() *telemetry.Registry
}

// Server is the HTTP API.
type Server struct {
	farm Farm
	http *http.Server
}

func NewServer(addr string, f Farm) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{farm: f}
	s.RegisterRoutes(router)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.GET("/health", s.handleHealth)
	v1.GET("/stats", s.handleStats)
	v1.GET("/devices", s.handleDevices)
	v1.GET("/miners/:index/hwmon", s.handleHwMon)
	v1.POST("/work", s.handleWork)
	v1.POST("/pause", s.handlePause)
	v1.POST("/resume", s.handleResume)
	v1.GET("/solutions", s.handleSolutions)
	v1.GET("/metrics", s.handleMetrics)
}

// Run serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.http.ListenAndServe() }()
	log.ApisLog.Infof("HTTP API listening on %s", s.http.Addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type minerHealth struct {
	Index   int    `json:"index"`
	Healthy bool   `json:"healthy"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status string        `json:"status"`
	Miners []minerHealth `json:"miners"`
}

func (s *Server) handleHealth(c *gin.Context) {
	stats := s.farm.Stats()
	resp := HealthResponse{Status: "ok"}
	for _, m := range stats.Miners {
		h := minerHealth{Index: m.Index, Healthy: s.farm.Healthy(m.Index), State: m.State, Error: m.Health.Error}
		if !h.Healthy {
			resp.Status = "degraded"
		}
		resp.Miners = append(resp.Miners, h)
	}
	code := http.StatusOK
	if resp.Status != "ok" || len(resp.Miners) == 0 {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.farm.Stats())
}

func (s *Server) handleDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"devices": s.farm.Devices()})
}

func (s *Server) handleHwMon(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid worker index"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	snap, err := s.farm.HwMon(ctx, index)
	if err != nil {
		status := http.StatusBadGateway
		if core.IsConfigError(err) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// WorkRequest is the body of POST /v1/work. Hashes are 0x-prefixed hex.
type WorkRequest struct {
	JobID      string    `json:"job_id"`
	Header     core.Hash `json:"header"`
	Seed       core.Hash `json:"seed"`
	Boundary   core.Hash `json:"boundary"`
	StartNonce uint64    `json:"start_nonce"`
	ExSizeBits *int      `json:"ex_size_bits,omitempty"`
	Epoch      int       `json:"epoch"`
}

// Package converts the request to a work package. Without ex_size_bits the
// nonce space is not segmented.
func (r WorkRequest) Package() core.WorkPackage {
	wp := core.WorkPackage{
		JobID:      r.JobID,
		Header:     r.Header,
		Seed:       r.Seed,
		Boundary:   r.Boundary,
		StartNonce: r.StartNonce,
		Epoch:      r.Epoch,
	}
	if r.ExSizeBits != nil {
		wp.Extranonce = true
		wp.ExSizeBits = *r.ExSizeBits
	}
	return wp
}

func (s *Server) handleWork(c *gin.Context) {
	var req WorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	wp := req.Package()
	if err := s.farm.SetWork(wp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": wp.JobID, "header": wp.Header})
}

func (s *Server) handlePause(c *gin.Context) {
	s.farm.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	s.farm.Resume()
	c.JSON(http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleSolutions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"solutions": s.farm.Solutions()})
}

func (s *Server) handleMetrics(c *gin.Context) {
	if c.Query("format") == "json" {
		c.JSON(http.StatusOK, s.farm.Metrics().Snapshot())
		return
	}
	c.String(http.StatusOK, s.farm.Metrics().Prometheus())
}
