package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"telegram-media-downloader/utils"
)

type Server struct {
	http   *http.Server
	logger *utils.Logger
}

// NewRouter builds the gin engine with API routes and request logging.
func NewRouter(services Services, token string, logger *utils.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))
	RegisterHandlers(r, services, token, logger)
	return r
}

func New(addr string, services Services, token string, logger *utils.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(services, token, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	s.logger.WithField("addr", s.http.Addr).Info("HTTP API listening")
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP API stopped unexpectedly")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *utils.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithField("method", c.Request.Method).
			WithField("path", c.FullPath()).
			WithField("status", c.Writer.Status()).
			WithField("latency", time.Since(start)).
			Debug("HTTP request")
	}
}
