// Package server exposes the desk over HTTP: JSON endpoints for every desk
// operation, the broker login callback, and a websocket feed of hub events.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"wysetrade-desk/internal/config"
	"wysetrade-desk/internal/desk"
	apperrors "wysetrade-desk/internal/errors"
	"wysetrade-desk/internal/logging"
	"wysetrade-desk/internal/routes"
)

// Server serves one desk.
type Server struct {
	desk   *desk.Desk
	cfg    config.ServerConfig
	engine *gin.Engine
	logger zerolog.Logger
}

// New builds the router for d.
func New(d *desk.Desk, cfg config.ServerConfig, logger zerolog.Logger) *Server {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	s := &Server{
		desk:   d,
		cfg:    cfg,
		engine: gin.New(),
		logger: logger.With().Str("component", "server").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	r := s.engine

	r.GET("/health", s.health)
	r.GET(routes.Prefix, s.dashboard)
	r.GET(routes.Prefix+"/:tab", s.dashboard)
	r.GET("/zerodha/callback", s.loginCallback)
	r.GET("/ws", s.stream)

	api := r.Group("/api")
	{
		api.GET("/board", s.board)
		api.GET("/breakers", s.breakers)
		api.GET("/scales", s.scales)
		api.PUT("/scale", s.setScale)
		api.POST("/connect", s.connect)
		api.POST("/disconnect", s.disconnect)
		api.GET("/journal", s.journal)

		segments := api.Group("/segments/:id")
		{
			segments.GET("", s.segment)
			segments.PATCH("/query", s.setQuery)
			segments.POST("/refresh", s.refresh)
			segments.POST("/dismiss", s.dismiss)
			segments.POST("/sync", s.sync)
			segments.GET("/syncs", s.syncHistory)
		}

		order := api.Group("/order")
		{
			order.GET("", s.order)
			order.POST("", s.openOrder)
			order.PATCH("", s.editOrder)
			order.POST("/submit", s.submitOrder)
			order.DELETE("", s.closeOrder)
		}
	}
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP server shutdown")
		return err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqLogger := s.logger.With().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Logger()
		c.Request = c.Request.WithContext(logging.WithLogger(c.Request.Context(), reqLogger))
		c.Next()
		var err error
		if len(c.Errors) > 0 {
			err = c.Errors.Last()
		}
		logging.LogAPICall(s.logger, c.Request.Method, c.Request.URL.Path, time.Since(start), err)
	}
}

// statusFor maps a desk error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrUnknownSegment),
		errors.Is(err, apperrors.ErrSymbolNotFound),
		errors.Is(err, apperrors.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrNotConnected),
		errors.Is(err, apperrors.ErrSyncInProgress),
		errors.Is(err, apperrors.ErrConnectInProgress),
		errors.Is(err, apperrors.ErrSubmitInProgress),
		errors.Is(err, apperrors.ErrWorkflowClosed),
		errors.Is(err, apperrors.ErrNotEditable):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	switch apperrors.KindOf(err) {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindUnauthorized:
		return http.StatusUnauthorized
	case apperrors.KindSubmission:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(c.Request.Context())
		logger.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	c.Error(err)
	c.AbortWithStatusJSON(status, gin.H{
		"error": apperrors.Message(err),
		"kind":  apperrors.KindOf(err),
	})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.fail(c, apperrors.NewValidationError("body", nil, "Invalid request body: "+err.Error()))
}
