package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"fleetmap/internal/ingestor"
	"fleetmap/internal/store"
)

// PollerStatus reports the ingestion loop's health
type PollerStatus interface {
	IsReady() bool
	Status() ingestor.Status
}

type HealthHandler struct {
	poller PollerStatus
	store  *store.Store
}

func NewHealthHandler(p PollerStatus, s *store.Store) *HealthHandler {
	return &HealthHandler{
		poller: p,
		store:  s,
	}
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type ReadyResponse struct {
	Ready      bool      `json:"ready"`
	AgentCount int       `json:"agentCount"`
	LastUpdate time.Time `json:"lastUpdate"`
	LastError  string    `json:"lastError,omitempty"`
	ServerTime time.Time `json:"serverTime"`
}

// Readyz reports ready once a poll cycle has succeeded. A later failing
// cycle keeps the service ready since the previous set is still served.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ready := h.poller.IsReady()
	st := h.poller.Status()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ReadyResponse{
		Ready:      ready,
		AgentCount: h.store.Count(),
		LastUpdate: st.LastUpdate,
		LastError:  st.LastError,
		ServerTime: time.Now(),
	})
}
