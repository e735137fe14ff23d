package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/thrillee/smsrouter/internal/config"
)

// Server runs the router's HTTP API.
type Server struct {
	config     config.HttpConfig
	handler    *Handler
	httpServer *http.Server
	mu         sync.Mutex
	stopOnce   sync.Once
}

func NewServer(cfg config.HttpConfig, handler *Handler) *Server {
	if handler == nil {
		panic("handler cannot be nil for HTTP server")
	}
	return &Server{config: cfg, handler: handler}
}

// Engine builds the gin engine with every route mounted.
func (s *Server) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	s.handler.SetupRoutes(engine)
	return engine
}

// ListenAndServe starts the HTTP server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("http server already started")
	}
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Engine(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	srv := s.httpServer
	s.mu.Unlock()

	slog.Info("Starting router HTTP server", slog.String("address", s.config.Addr))
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Router HTTP server ListenAndServe error", slog.Any("error", err))
		return err
	}
	slog.Info("Router HTTP server stopped.")
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		srv := s.httpServer
		s.mu.Unlock()
		if srv != nil {
			srv.SetKeepAlivesEnabled(false)
			err = srv.Shutdown(ctx)
		}
		slog.InfoContext(ctx, "Router HTTP server shutdown complete")
	})
	return err
}

// requestLogger logs one line per request through slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "HTTP request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
		)
	}
}
