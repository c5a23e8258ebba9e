// Package httpapi exposes account health, store counters and the handled
// signal over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tracyhatemice/mailnotify/internal/sink"
	"github.com/tracyhatemice/mailnotify/internal/store"
	"github.com/tracyhatemice/mailnotify/internal/watcher"
)

// HealthSource reports per-account watcher health.
type HealthSource interface {
	Health() []watcher.Health
}

// StatsSource reports store counters.
type StatsSource interface {
	Stats(ctx context.Context) (store.Stats, error)
	StatsByAccount(ctx context.Context) (map[string]store.Stats, error)
}

// HandledMarker applies the handled signal.
type HandledMarker interface {
	MarkHandled(ctx context.Context, key store.Key) (bool, error)
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Accounts  []watcher.Health       `json:"accounts"`
	Totals    store.Stats            `json:"totals"`
	ByAccount map[string]store.Stats `json:"by_account"`
}

// HandledRequest is the body of POST /v1/messages/handled.
type HandledRequest struct {
	Account   string `json:"account" binding:"required"`
	MessageID string `json:"message_id" binding:"required"`
}

// HandledResponse reports whether the request performed the transition.
type HandledResponse struct {
	Transitioned bool   `json:"transitioned"`
	RetractError string `json:"retract_error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type handler struct {
	health  HealthSource
	stats   StatsSource
	handled HandledMarker
	logger  *slog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(health HealthSource, stats StatsSource, handled HandledMarker, logger *slog.Logger) *gin.Engine {
	h := &handler{health: health, stats: stats, handled: handled, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog())

	r.GET("/healthz", h.healthz)
	v1 := r.Group("/v1")
	v1.GET("/status", h.status)
	v1.POST("/messages/handled", h.markHandled)
	return r
}

func (h *handler) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (h *handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) status(c *gin.Context) {
	ctx := c.Request.Context()
	totals, err := h.stats.Stats(ctx)
	if err != nil {
		h.logger.Error("stats query failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "stats unavailable"})
		return
	}
	byAccount, err := h.stats.StatsByAccount(ctx)
	if err != nil {
		h.logger.Error("stats query failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{
		Accounts:  h.health.Health(),
		Totals:    totals,
		ByAccount: byAccount,
	})
}

func (h *handler) markHandled(c *gin.Context) {
	var req HandledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request: " + err.Error()})
		return
	}

	key := store.Key{AccountID: req.Account, MessageID: req.MessageID}
	transitioned, err := h.handled.MarkHandled(c.Request.Context(), key)

	var de *sink.DeliveryError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, HandledResponse{Transitioned: transitioned})
	case errors.As(err, &de):
		c.JSON(http.StatusOK, HandledResponse{Transitioned: transitioned, RetractError: de.Error()})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse{Error: "unknown message"})
	default:
		h.logger.Error("mark handled failed", "account", req.Account, "msg_id", req.MessageID, "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "mark handled failed"})
	}
}

// Server wraps the router in an http.Server bound to ctx.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a server listening on addr.
func NewServer(addr string, router http.Handler, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}
