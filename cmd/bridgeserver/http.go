package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/nixpig/jobbridge/internal/bridge"
	"github.com/nixpig/jobbridge/internal/bridge/event"
	"github.com/nixpig/jobbridge/internal/log"
)

// sseEventName is the SSE event name every outward event is sent under.
const sseEventName = "message"

type httpServer struct {
	submitter  *bridge.Submitter
	controller *bridge.Controller
	logger     *slog.Logger
	server     *http.Server
}

func newHTTPServer(
	baseCtx context.Context,
	submitter *bridge.Submitter,
	controller *bridge.Controller,
	logger *slog.Logger,
	corsOrigins []string,
) *httpServer {
	h := &httpServer{
		submitter:  submitter,
		controller: controller,
		logger:     logger,
	}

	h.server = &http.Server{
		Handler:           h.router(corsOrigins),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return baseCtx
		},
	}

	return h
}

func (h *httpServer) router(corsOrigins []string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	if len(corsOrigins) > 0 {
		r.Use(cors.New(corsConfig(corsOrigins)))
	}

	r.GET("/healthz", h.health)

	jobs := r.Group("/api/jobs")
	jobs.POST("", h.submitJob)
	jobs.GET("/:id/stream", h.streamJob)

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Cache-Control", "Last-Event-ID"},
		MaxAge:       12 * time.Hour,
	}

	if slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}

	return cfg
}

func (h *httpServer) serve(listener net.Listener) error {
	h.logger.Info("http server listening", "addr", listener.Addr().String())

	if err := h.server.Serve(listener); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

func (h *httpServer) shutdown(ctx context.Context) {
	if err := h.server.Shutdown(ctx); err != nil {
		h.logger.Warn("http graceful shutdown", "err", err)
		h.server.Close()
	}
}

func (h *httpServer) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"activeStreams": h.controller.Active(),
	})
}

func (h *httpServer) submitJob(c *gin.Context) {
	ctx := log.ContextAttrs(c.Request.Context(), slog.String("transport", "http"))

	var req bridge.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.DebugContext(ctx, "bind submit request", "err", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})

		return
	}

	id, err := h.submitter.Submit(ctx, req)
	if err != nil {
		code, msg := h.mapError(ctx, "submit job", err)
		c.JSON(code, gin.H{"error": msg})

		return
	}

	c.JSON(http.StatusCreated, gin.H{"jobId": id})
}

func (h *httpServer) streamJob(c *gin.Context) {
	ctx := log.ContextAttrs(c.Request.Context(), slog.String("transport", "sse"))

	_, err := h.controller.Stream(ctx, c.Param("id"), &sseSink{c: c})
	if err == nil {
		return
	}

	// Once the event stream has started only the log can report a failure.
	if c.Writer.Written() {
		h.logger.ErrorContext(ctx, "stream job", "err", err)
		return
	}

	code, msg := h.mapError(ctx, "stream job", err)
	c.JSON(code, gin.H{"error": msg})
}

// mapError translates bridge errors to an HTTP status and client message.
func (h *httpServer) mapError(
	ctx context.Context,
	logMsg string,
	err error,
) (int, string) {
	switch {
	case errors.Is(err, bridge.ErrJobNotFound):
		h.logger.WarnContext(ctx, logMsg, "err", err)
		return http.StatusNotFound, err.Error()

	case errors.Is(err, bridge.ErrTextRequired), errors.Is(err, bridge.ErrInvalidMode):
		h.logger.WarnContext(ctx, logMsg, "err", err)
		return http.StatusBadRequest, err.Error()

	default:
		h.logger.ErrorContext(ctx, logMsg, "err", err)
		return http.StatusInternalServerError, "internal server error"
	}
}

func (h *httpServer) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		h.logger.InfoContext(
			c.Request.Context(),
			"http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// sseSink writes events to an HTTP response as server-sent events.
type sseSink struct {
	c *gin.Context
}

func (s *sseSink) Open() error {
	header := s.c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")

	s.c.Status(http.StatusOK)
	s.c.Writer.WriteHeaderNow()
	s.c.Writer.Flush()

	return s.c.Request.Context().Err()
}

func (s *sseSink) Send(ev event.Event) error {
	if err := sse.Encode(s.c.Writer, sse.Event{
		Event: sseEventName,
		Data:  ev,
	}); err != nil {
		return err
	}

	s.c.Writer.Flush()

	return nil
}

// Close is a no-op; the response ends when the handler returns.
func (s *sseSink) Close() error {
	return nil
}
