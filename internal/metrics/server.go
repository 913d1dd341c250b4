package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes a Collector over HTTP: Prometheus text format at
// /metrics, the JSON latency/task-type snapshot at /metrics.json, and a
// liveness probe at /healthz for use by the cluster's own monitoring.
type Server struct {
	collector *Collector
	engine    *gin.Engine
	srv       *http.Server
}

// NewServer builds a Server bound to addr (e.g. ":9090").
func NewServer(collector *Collector, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	s := &Server{collector: collector, engine: engine}

	promHandler := promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})
	engine.GET("/metrics", gin.WrapH(promHandler))
	engine.GET("/metrics.json", s.handleSnapshot)
	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.Snapshot())
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
