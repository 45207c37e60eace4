// Package httpd serves the archive's HTTP API: search, browse, stats, and
// uploads for ingestion.
package httpd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/chatvault/archive"
	"github.com/dshills/chatvault/archive/ingest"
	"github.com/dshills/chatvault/archive/query"
)

// Server wires the gin router over the query façade and the ingest runner.
type Server struct {
	svc     *query.Service
	ingest  *ingest.Runner
	log     *slog.Logger
	metrics *Metrics
	engine  *gin.Engine
}

// NewServer builds the router with all routes and middleware attached.
func NewServer(svc *query.Service, runner *ingest.Runner, log *slog.Logger, metrics *Metrics) *Server {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		svc:     svc,
		ingest:  runner,
		log:     log,
		metrics: metrics,
		engine:  engine,
	}

	engine.Use(s.requestMiddleware)

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	api := engine.Group("/api")
	api.GET("/search", s.handleSearch)
	api.GET("/conversations", s.handleListConversations)
	api.GET("/conversations/:id", s.handleGetConversation)
	api.GET("/conversations/:id/messages", s.handleGetMessages)
	api.GET("/stats", s.handleStats)
	api.GET("/imports", s.handleListImports)
	api.POST("/import", s.handleImport)

	return s
}

// Handler returns the http.Handler for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

// requestMiddleware attaches a request id, logs the request, and records its
// latency.
func (s *Server) requestMiddleware(c *gin.Context) {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set("request_id", requestID)
	c.Header("X-Request-ID", requestID)

	start := time.Now()
	c.Next()
	elapsed := time.Since(start)

	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	status := c.Writer.Status()
	s.metrics.ObserveRequest(route, c.Request.Method, strconv.Itoa(status), elapsed)
	s.log.Info("request",
		"request_id", requestID,
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"status", status,
		"elapsed", elapsed)
}

// writeError maps error kinds onto response classes: user errors are 4xx,
// only unrecoverable storage problems surface as 5xx.
func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, archive.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, archive.ErrBadQuery),
		errors.Is(err, archive.ErrUnknownProvider),
		errors.Is(err, archive.ErrBadInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		s.log.Error("internal error", "error", err, "path", c.Request.URL.Path)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
