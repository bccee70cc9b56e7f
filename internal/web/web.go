package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"epdpanel/internal/battery"
	"epdpanel/internal/config"
	appLog "epdpanel/internal/log"
	"epdpanel/internal/panel"
)

const (
	batteryCacheTTL = 30 * time.Second
	refreshTimeout  = 2 * time.Minute
)

// Runner is the part of *panel.Runner the HTTP surface uses.
type Runner interface {
	Refresh(ctx context.Context) error
	Preview() []byte
	Status() panel.Status
}

// Server provides the status and control API.
type Server struct {
	cfg     *config.Config
	runner  Runner
	battery battery.Reader
	mux     *http.ServeMux

	// In-memory cache for battery status so every poll does not hit I2C.
	batteryMu    sync.Mutex
	batteryCache *batteryCache

	// Background refreshes started with ?async=1.
	wg sync.WaitGroup
}

type batteryCache struct {
	status    battery.Status
	updatedAt time.Time
}

type statusResponse struct {
	panel.Status
	Config configSummary `json:"config"`
}

type configSummary struct {
	Source      string             `json:"source"`
	RefreshCron string             `json:"refresh"`
	Timezone    string             `json:"timezone"`
	Panel       config.PanelConfig `json:"panel"`
}

// NewServer constructs a Server. br may be nil when no battery gauge is
// configured.
func NewServer(cfg *config.Config, runner Runner, br battery.Reader) *Server {
	s := &Server{
		cfg:     cfg,
		runner:  runner,
		battery: br,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// Wait blocks until background refreshes have finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured. Empty
// credentials leave it disabled.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="epdpanel", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	s.mux.HandleFunc("GET /api/battery", s.handleBattery)
	s.mux.HandleFunc("GET /preview.png", s.handlePreview)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{Status: s.runner.Status()}
	if s.cfg != nil {
		resp.Config = configSummary{
			Source:      s.cfg.Source,
			RefreshCron: s.cfg.RefreshCron,
			Timezone:    s.cfg.Timezone,
			Panel:       s.cfg.Panel,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh runs a refresh. The panel cycle must not be cut short by a
// client going away, so the request context only contributes its values.
// With ?async=1 the refresh runs in the background and 202 is returned.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), refreshTimeout)

	if r.URL.Query().Get("async") == "1" {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer cancel()
			_ = s.runner.Refresh(ctx)
		}()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
		return
	}
	defer cancel()

	appLog.Info("manual refresh requested", "remote", r.RemoteAddr)
	if err := s.runner.Refresh(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Status())
}

func (s *Server) handlePreview(w http.ResponseWriter, _ *http.Request) {
	buf := s.runner.Preview()
	if len(buf) == 0 {
		writeError(w, http.StatusNotFound, "no frame rendered yet")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf)
}

// handleBattery exposes the battery status with a short cache.
func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	if s.battery == nil {
		writeError(w, http.StatusNotFound, "battery gauge not configured")
		return
	}

	s.batteryMu.Lock()
	defer s.batteryMu.Unlock()

	if bc := s.batteryCache; bc != nil && time.Since(bc.updatedAt) < batteryCacheTTL {
		writeJSON(w, http.StatusOK, bc.status)
		return
	}

	st, err := s.battery.Read(r.Context())
	if err != nil {
		appLog.Error("battery read failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read battery")
		return
	}
	s.batteryCache = &batteryCache{status: st, updatedAt: time.Now()}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		appLog.Error("write json failed", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
