package ingest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"iotsentry/internal/config"
)

type restServer struct {
	sub    Submitter
	logger *slog.Logger
}

// StartREST serves the device-facing event submission endpoint.
func StartREST(ctx context.Context, cfg *config.Manager, sub Submitter, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := &restServer{sub: sub, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", server.handleEvents)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
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
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *restServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil || len(body) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	trim := bytesTrim(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	accepted := 0
	failed := 0
	if trim[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, obj := range list {
			if s.processMap(obj) {
				accepted++
			} else {
				failed++
			}
		}
	} else {
		var obj map[string]any
		if err := json.Unmarshal(trim, &obj); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if s.processMap(obj) {
			accepted++
		} else {
			failed++
		}
	}

	status := http.StatusAccepted
	if accepted == 0 && failed > 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"accepted": accepted,
		"failed":   failed,
	})
}

func (s *restServer) processMap(obj map[string]any) bool {
	ev, err := EventFromMap(obj)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("rest decode error", "err", err)
		}
		return false
	}
	return submit(s.sub, ev, "rest", s.logger)
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
