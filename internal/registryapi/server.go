// Package registryapi is the device-registration service: it issues the
// shared secret a monitor later presents on its AUTH_CP handshake. Only the
// secret's hash is stored; the plaintext is returned exactly once.
package registryapi

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"evcentral/internal/models"
	"evcentral/internal/repository"
	"evcentral/internal/security"
)

const secretBytes = 24

type Server struct {
	log   *zap.Logger
	store repository.Store
}

func NewServer(log *zap.Logger, store repository.Store) *Server {
	return &Server{log: log, store: store}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/registry/register", s.Register)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

type registerReq struct {
	CPID     string  `json:"cpId"`
	Location string  `json:"location"`
	Price    float64 `json:"price,omitempty"`
}

type registerResp struct {
	CPID     string `json:"cpId"`
	Location string `json:"location"`
	Secret   string `json:"secret"`
}

// Register issues a fresh secret for a CP. Re-registering rotates the
// secret: the previous one stops working immediately.
func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CPID == "" {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	cpID := models.CanonicalCPID(req.CPID)

	secret, err := newSecret()
	if err != nil {
		s.log.Error("secret generation failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.store.RegisterDeviceSecret(r.Context(), cpID, req.Location, security.HashSecret(secret)); err != nil {
		s.log.Error("device registration failed", zap.String("cp", cpID), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.store.UpsertCP(r.Context(), cpID, req.Location, req.Price); err != nil {
		s.log.Error("cp upsert failed", zap.String("cp", cpID), zap.Error(err))
	}
	s.log.Info("device registered", zap.String("cp", cpID), zap.String("loc", req.Location))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(registerResp{CPID: cpID, Location: req.Location, Secret: secret})
}

func newSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("registry: secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
