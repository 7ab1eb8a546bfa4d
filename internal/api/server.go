// Package api exposes the administrative and status surface: health,
// status, recent alerts, registry mutation, flag reset. Mutating and
// alert-reading endpoints require the configured X-API-Key.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iotsentry/internal/config"
	"iotsentry/internal/dispatch"
	"iotsentry/internal/metrics"
	"iotsentry/internal/model"
	"iotsentry/internal/registry"
	"iotsentry/internal/sink"
)

// EngineControl is the slice of engine behaviour the API needs.
type EngineControl interface {
	Reset()
	ClearSuspicious()
	UpdateDetection(det config.DetectionConfig) error
}

type Server struct {
	cfg        *config.Manager
	registry   *registry.Store
	dispatcher *dispatch.Dispatcher
	alerts     *sink.Store
	engine     EngineControl
	metrics    *metrics.Set
	logger     *slog.Logger
	version    string
	started    time.Time
}

func Start(ctx context.Context, cfg *config.Manager, reg *registry.Store, d *dispatch.Dispatcher, alerts *sink.Store, engine EngineControl, m *metrics.Set, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:        cfg,
		registry:   reg,
		dispatcher: d,
		alerts:     alerts,
		engine:     engine,
		metrics:    m,
		logger:     logger,
		version:    version,
		started:    time.Now().UTC(),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.handleHealth)
	mux.HandleFunc("/status", server.handleStatus)
	mux.HandleFunc("/alerts", server.auth(server.handleAlerts))
	mux.HandleFunc("/admin/users", server.auth(server.handleUsers))
	mux.HandleFunc("/admin/devices", server.auth(server.handleDevices))
	mux.HandleFunc("/admin/commands", server.auth(server.handleCommands))
	mux.HandleFunc("/admin/clear_flag", server.auth(server.handleClearFlag))
	mux.HandleFunc("/admin/reset", server.auth(server.handleReset))
	if m != nil && m.Registry() != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	}

	httpServer := &http.Server{Addr: current.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

// auth gates a handler behind the configured API key. An empty configured
// key leaves the endpoint open, which is only sensible on trusted LANs.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := s.cfg.Get().API.AuthToken
		if token != "" {
			got := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid api key"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339Nano),
		"version":        s.version,
		"uptime_seconds": time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	status := s.dispatcher.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"suspicious_activity":    status.SuspiciousActivity,
		"total_events_processed": status.TotalEventsProcessed,
		"queue_sizes":            status.QueueSizes,
		"active_workers":         status.ActiveWorkers,
		"uptime_seconds":         time.Since(s.started).Seconds(),
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	sinceStr := r.URL.Query().Get("since")
	var list []model.AlertRecord
	if sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.alerts.Since(ts)
	} else {
		list = s.alerts.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		UserID       string `json:"user_id"`
		MaxPrivilege string `json:"max_privilege"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	role := model.Role(strings.ToUpper(strings.TrimSpace(req.MaxPrivilege)))
	if strings.TrimSpace(req.UserID) == "" || !role.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "user_id and valid max_privilege required"})
		return
	}
	s.registry.UpsertUser(req.UserID, role)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		SourceID string `json:"source_id"`
		Label    string `json:"label"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SourceID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "source_id required"})
		return
	}
	s.registry.UpsertDevice(req.SourceID, req.Label)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Commands []string `json:"commands"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	s.registry.SetDangerousCommands(req.Commands)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "count": len(req.Commands)})
}

func (s *Server) handleClearFlag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.engine.ClearSuspicious()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.engine.Reset()
	if s.alerts != nil {
		s.alerts.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
