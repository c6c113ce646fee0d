// Package admin serves the local status surface of an inner client process.
//
// Routes:
// - GET /health  liveness and uptime
// - GET /status  handler snapshot taken on the reactor goroutine
// - GET /metrics Prometheus exposition
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/RecadoCampbell/fastotv/internal/inner"
	"github.com/RecadoCampbell/fastotv/internal/observability"
)

var ErrStatusUnavailable = errors.New("admin: status unavailable")

// StatusFunc returns the current handler view; false once the loop stopped.
type StatusFunc func() (inner.Status, bool)

type Server struct {
	App     string
	Started time.Time

	router *gin.Engine
	status StatusFunc
	http   *http.Server
}

func New(app string, status StatusFunc) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(app))

	s := &Server{App: app, Started: time.Now(), router: r, status: status}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"app":    s.App,
			"uptime": time.Since(s.Started).String(),
		})
	})

	s.router.GET("/status", func(c *gin.Context) {
		if s.status == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrStatusUnavailable.Error()})
			return
		}
		st, ok := s.status()
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrStatusUnavailable.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	log.Info().Msgf("admin.Server listening addr=%s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
