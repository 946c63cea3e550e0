// Package httpapi is the admin surface: live state reads, weather ingestion,
// pause/resume/stop actions and the dashboard websocket feed.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"evcentral/internal/service"
)

type Server struct {
	log       *zap.Logger
	orch      *service.Orchestrator
	registry  *prometheus.Registry
	jwtSecret string
	wsPeriod  time.Duration
}

func NewServer(log *zap.Logger, orch *service.Orchestrator, registry *prometheus.Registry, jwtSecret string) *Server {
	return &Server{
		log:       log,
		orch:      orch,
		registry:  registry,
		jwtSecret: jwtSecret,
		wsPeriod:  time.Second,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/status", s.GetStatus)
	r.Get("/api/sessions", s.GetSessions)
	r.Get("/api/drivers", s.GetDrivers)
	r.Post("/api/weather", s.PostWeather)

	r.Route("/api/cps/{cp}", func(r chi.Router) {
		r.Use(RequireAdmin(s.jwtSecret))
		r.Post("/pause", s.PauseCP)
		r.Post("/resume", s.ResumeCP)
		r.Post("/stop", s.StopCP)
	})

	if s.registry != nil {
		r.Get("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	r.Get("/ws/status", s.StatusFeed)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orch.CPs().Snapshot())
}

func (s *Server) GetSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.orch.Sessions().Snapshot())
}

func (s *Server) GetDrivers(w http.ResponseWriter, r *http.Request) {
	drivers := s.orch.Drivers()
	sort.Strings(drivers)
	writeJSON(w, drivers)
}

type weatherReq struct {
	CP    string  `json:"cp"`
	Loc   string  `json:"loc,omitempty"`
	TempC float64 `json:"tempC"`
	Alert bool    `json:"alert"`
}

func (s *Server) PostWeather(w http.ResponseWriter, r *http.Request) {
	var req weatherReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CP == "" {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	if err := s.orch.ApplyWeather(r.Context(), req.CP, req.TempC, req.Alert); err != nil {
		s.writeActionError(w, r, req.CP, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) PauseCP(w http.ResponseWriter, r *http.Request) {
	cp := chi.URLParam(r, "cp")
	if err := s.orch.Pause(r.Context(), cp); err != nil {
		s.writeActionError(w, r, cp, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) ResumeCP(w http.ResponseWriter, r *http.Request) {
	cp := chi.URLParam(r, "cp")
	if err := s.orch.Resume(r.Context(), cp); err != nil {
		s.writeActionError(w, r, cp, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) StopCP(w http.ResponseWriter, r *http.Request) {
	cp := chi.URLParam(r, "cp")
	if err := s.orch.RequestStop(r.Context(), cp, "admin"); err != nil {
		s.writeActionError(w, r, cp, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) writeActionError(w http.ResponseWriter, r *http.Request, cp string, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownCP):
		http.NotFound(w, r)
	case errors.Is(err, service.ErrNoActiveSession):
		http.Error(w, "no active session", http.StatusConflict)
	default:
		s.log.Error("admin action failed", zap.String("cp", cp), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
