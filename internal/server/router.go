package server

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/workerpanel/internal/config"
	"github.com/loykin/workerpanel/internal/display"
	"github.com/loykin/workerpanel/internal/eventloop"
	"github.com/loykin/workerpanel/internal/metrics"
	"github.com/loykin/workerpanel/internal/panel"
	"github.com/loykin/workerpanel/internal/supervisor"
)

const requestTimeout = 30 * time.Second

// Controller is the panel surface exposed over HTTP. *panel.Session implements it.
type Controller interface {
	StartWorker(ctx context.Context) error
	StopWorker(ctx context.Context) error
	Status(ctx context.Context) (panel.Status, error)
	Reap(ctx context.Context) (supervisor.ReapReport, error)
	LogSince(seq uint64) ([]display.Chunk, uint64)
	Settings() (map[string]string, error)
	UpdateSettings(values map[string]string) error
}

// Router provides embeddable HTTP handlers for the panel.
// Endpoints:
//
//	GET  {basePath}/status
//	POST {basePath}/start
//	POST {basePath}/stop
//	POST {basePath}/reap
//	GET  {basePath}/log?since=N
//	GET  {basePath}/settings
//	PUT  {basePath}/settings     body: {"KEY": "value", ...}
//	GET  /metrics                when enabled
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctrl     Controller
	basePath string
	metrics  bool
}

// NewRouter constructs a Router. Example basePath "/api" serves /api/status.
func NewRouter(ctrl Controller, basePath string, withMetrics bool) *Router {
	return &Router{ctrl: ctrl, basePath: sanitizeBase(basePath), metrics: withMetrics}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/reap", r.handleReap)
	group.GET("/log", r.handleLog)
	group.GET("/settings", r.handleGetSettings)
	group.PUT("/settings", r.handlePutSettings)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer starts a standalone server on addr serving ctrl, over HTTPS when
// tlsCfg is non-nil. Shut it down with http.Server's Shutdown or Close.
func NewServer(addr, basePath string, withMetrics bool, ctrl Controller, tlsCfg *tls.Config) *http.Server {
	r := NewRouter(ctrl, basePath, withMetrics)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      requestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
		TLSConfig:         tlsCfg,
	}
	go func() {
		slog.Info("Control API listening", "addr", addr, "base", r.basePath, "tls", tlsCfg != nil)
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Control API stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

// --- Handlers ---

type logResp struct {
	Chunks []display.Chunk `json:"chunks"`
	Next   uint64          `json:"next"`
}

func requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), requestTimeout)
}

func (r *Router) handleStatus(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	st, err := r.ctrl.Status(ctx)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	if err := r.ctrl.StartWorker(ctx); err != nil {
		writeFailure(c, err)
		return
	}
	writeOK(c)
}

func (r *Router) handleStop(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	if err := r.ctrl.StopWorker(ctx); err != nil {
		writeFailure(c, err)
		return
	}
	writeOK(c)
}

func (r *Router) handleReap(c *gin.Context) {
	ctx, cancel := requestContext(c)
	defer cancel()
	rep, err := r.ctrl.Reap(ctx)
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusOK, rep)
}

func (r *Router) handleLog(c *gin.Context) {
	var since uint64
	if s := c.Query("since"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = v
	}
	chunks, next := r.ctrl.LogSince(since)
	if chunks == nil {
		chunks = []display.Chunk{}
	}
	writeJSON(c, http.StatusOK, logResp{Chunks: chunks, Next: next})
}

func (r *Router) handleGetSettings(c *gin.Context) {
	vals, err := r.ctrl.Settings()
	if err != nil {
		writeFailure(c, err)
		return
	}
	writeJSON(c, http.StatusOK, vals)
}

func (r *Router) handlePutSettings(c *gin.Context) {
	var vals map[string]string
	if err := c.ShouldBindJSON(&vals); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(vals) == 0 {
		writeError(c, http.StatusBadRequest, "no settings given")
		return
	}
	if err := r.ctrl.UpdateSettings(vals); err != nil {
		writeFailure(c, err)
		return
	}
	writeOK(c)
}

// statusFor maps panel errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrPrecondition):
		return http.StatusPreconditionFailed
	case errors.Is(err, config.ErrUnknownSetting), errors.Is(err, config.ErrInvalidSetting):
		return http.StatusBadRequest
	case errors.Is(err, eventloop.ErrClosed), errors.Is(err, panel.ErrNotOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeFailure(c *gin.Context, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		slog.Warn("Control request failed", "path", c.FullPath(), "error", err)
	}
	writeError(c, code, err.Error())
}
