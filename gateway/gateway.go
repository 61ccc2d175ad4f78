// Package gateway is the HTTP control surface: Prometheus metrics, JSON
// endpoints for metric-set and stream management, and a websocket live
// feed of delivered records.
package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/counterstream/config"
	"github.com/c360/counterstream/errors"
	"github.com/c360/counterstream/service"
)

const (
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// Gateway serves the control API. It is a service lifecycle component.
type Gateway struct {
	cfg    config.GatewayConfig
	svc    *service.Service
	logger *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	server      *http.Server
	listener    net.Listener
}

// New constructs a gateway for the service.
func New(cfg config.GatewayConfig, svc *service.Service, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:    cfg,
		svc:    svc,
		logger: logger.With("component", "gateway"),
	}
}

// Name implements service.LifecycleComponent.
func (g *Gateway) Name() string { return "gateway" }

// Initialize builds the route table and the server.
func (g *Gateway) Initialize() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", g.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(
		g.svc.Metrics().Gatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /api/v1/sets", g.handleListSets)
	mux.HandleFunc("POST /api/v1/sets", g.handleAddSet)
	mux.HandleFunc("DELETE /api/v1/sets/{id}", g.handleRemoveSet)
	mux.HandleFunc("GET /api/v1/streams", g.handleListStreams)
	mux.HandleFunc("POST /api/v1/streams", g.handleOpenStream)
	mux.HandleFunc("DELETE /api/v1/streams/{id}", g.handleCloseStream)
	mux.HandleFunc("POST /api/v1/streams/{id}/enable", g.handleEnableStream)
	mux.HandleFunc("POST /api/v1/streams/{id}/disable", g.handleDisableStream)
	mux.HandleFunc("GET /api/v1/streams/{id}/feed", g.handleFeed)

	readTimeout := g.cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = defaultReadTimeout
	}
	writeTimeout := g.cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}

	g.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		// The websocket feed is long-lived; write deadlines are managed
		// per-connection there.
		WriteTimeout: 0,
		IdleTimeout:  writeTimeout,
	}
	return nil
}

// Start binds the listen address and serves until Stop.
func (g *Gateway) Start(_ context.Context) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if g.running {
		return nil
	}

	ln, err := net.Listen("tcp", g.cfg.Listen)
	if err != nil {
		return errors.WrapFatal(err, "Gateway", "Start", "listen")
	}
	g.listener = ln

	go func() {
		if err := g.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.logger.Error("http server failed", "error", err)
		}
	}()

	g.running = true
	g.logger.Info("gateway listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully within the timeout.
func (g *Gateway) Stop(timeout time.Duration) error {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()

	if !g.running {
		return nil
	}
	g.running = false

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := g.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Gateway", "Stop", "server shutdown")
	}
	return nil
}

// Addr returns the bound listen address, for tests using port 0.
func (g *Gateway) Addr() string {
	g.lifecycleMu.Lock()
	defer g.lifecycleMu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"streams": len(g.svc.ListStreams()),
	})
}

func (g *Gateway) handleListSets(w http.ResponseWriter, _ *http.Request) {
	sets := g.svc.ListSets()
	out := make([]map[string]any, 0, len(sets))
	for id, uuid := range sets {
		out = append(out, map[string]any{"id": id, "uuid": uuid})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"sets": out})
}

func (g *Gateway) handleAddSet(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	defer body.Close()

	doc, err := io.ReadAll(body)
	if err != nil {
		g.writeError(w, errors.WrapInvalid(err, "Gateway", "handleAddSet", "read request body"))
		return
	}

	id, err := g.svc.AddSetDefinition(doc)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (g *Gateway) handleRemoveSet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		g.writeError(w, errors.WrapInvalid(err, "Gateway", "handleRemoveSet", "parse set id"))
		return
	}
	if err := g.svc.RemoveSet(id); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"removed": id})
}

func (g *Gateway) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"streams": g.svc.ListStreams()})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("response encode failed", "error", err)
	}
}

// writeError maps internal errors to HTTP statuses without exposing
// internal detail beyond the validation message.
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal server error"

	switch {
	case stderrors.Is(err, errors.ErrConfigUnknown):
		status = http.StatusNotFound
		message = "metric set not found"
	case errors.IsBusy(err):
		status = http.StatusConflict
		message = "counter group busy"
	case errors.IsInvalid(err):
		status = http.StatusBadRequest
		message = validationMessage(err)
	case errors.IsTransient(err):
		status = http.StatusServiceUnavailable
		message = "service temporarily unavailable"
	}

	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
	}
	g.writeJSON(w, status, map[string]any{"error": message, "status": status})
}

// validationMessage trims the internal wrap prefix from a validation error
// so the client sees what was wrong with the request.
func validationMessage(err error) string {
	msg := err.Error()
	if i := strings.LastIndex(msg, "failed: "); i >= 0 {
		msg = msg[i+len("failed: "):]
	}
	return msg
}
