// Package httpapi serves health, Prometheus metrics and a JSON status view.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/outpost/internal/core"
	"github.com/matheus3301/outpost/internal/observability"
)

// StatusSource reports the engine status.
type StatusSource interface {
	Status(ctx context.Context) (*core.Status, error)
}

// NewRouter builds the gin engine.
func NewRouter(src StatusSource) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), observability.HTTPMetricsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/v1/status", func(c *gin.Context) {
		st, err := src.Status(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	})
	return r
}

// Server runs the router on a TCP address.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(addr string, src StatusSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(src),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Serve blocks until the server is shut down.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("HTTP server starting", zap.String("addr", lis.Addr().String()))
	if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.srv.Addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server stopping")
	return s.srv.Shutdown(ctx)
}
