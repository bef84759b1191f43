package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"fleetmap/internal/cache"
	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
	"fleetmap/internal/maplib"
	"fleetmap/internal/status"
	"fleetmap/internal/store"
)

// Refresher triggers an out-of-band poll cycle
type Refresher interface {
	RefreshNow(ctx context.Context) bool
}

// NearbyFinder answers proximity queries from the GEO index
type NearbyFinder interface {
	Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]cache.GeoMatch, error)
}

// StylesheetSource returns the loaded map library's stylesheet
type StylesheetSource interface {
	EnsureLoaded(ctx context.Context) (*maplib.Handle, error)
}

// MapSettings is what a client needs to render the map itself
type MapSettings struct {
	TileLayer maplib.TileLayer `json:"tileLayer"`
	Center    geo.Point        `json:"center"`
	Zoom      int              `json:"zoom"`
	Icons     maplib.IconSet   `json:"icons"`
}

type HTTPHandler struct {
	store     *store.Store
	refresher Refresher
	nearby    NearbyFinder
	styles    StylesheetSource
	settings  MapSettings
}

// NewHTTPHandler builds the REST handler. nearby may be nil, in which case
// proximity queries scan the in-memory store.
func NewHTTPHandler(s *store.Store, refresher Refresher, nearby NearbyFinder, styles StylesheetSource, settings MapSettings) *HTTPHandler {
	return &HTTPHandler{
		store:     s,
		refresher: refresher,
		nearby:    nearby,
		styles:    styles,
		settings:  settings,
	}
}

type AgentsResponse struct {
	Agents     []domain.AgentSnapshot `json:"agents"`
	Count      int                    `json:"count"`
	UpdatedAt  time.Time              `json:"updatedAt"`
	ServerTime time.Time              `json:"serverTime"`
}

func (h *HTTPHandler) ListAgents(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{}

	if statusStr := r.URL.Query().Get("status"); statusStr != "" {
		st, ok := domain.ParseDisplayStatus(statusStr)
		if !ok {
			respondError(w, http.StatusBadRequest, "invalid status parameter: must be one of in_progress, assigned, available, inactive")
			return
		}
		opts.Status = &st
	}

	if bboxStr := r.URL.Query().Get("bbox"); bboxStr != "" {
		parts := strings.Split(bboxStr, ",")
		if len(parts) != 4 {
			respondError(w, http.StatusBadRequest, "invalid bbox format: expected minLat,minLon,maxLat,maxLon")
			return
		}
		bbox, err := parseBBox(parts)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid bbox values: "+err.Error())
			return
		}
		opts.BBox = bbox
	}

	agents := h.store.List(opts)

	respondJSON(w, http.StatusOK, AgentsResponse{
		Agents:     agents,
		Count:      len(agents),
		UpdatedAt:  h.store.UpdatedAt(),
		ServerTime: time.Now(),
	})
}

func (h *HTTPHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		respondError(w, http.StatusBadRequest, "missing agent id")
		return
	}

	agent, ok := h.store.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "agent not found")
		return
	}

	respondJSON(w, http.StatusOK, agent)
}

type ETAResponse struct {
	AgentID    string               `json:"agentId"`
	Status     domain.DisplayStatus `json:"status"`
	From       geo.Point            `json:"from"`
	To         geo.Point            `json:"to"`
	DistanceKm float64              `json:"distanceKm"`
	ETAMinutes int                  `json:"etaMinutes"`
}

// AgentETA estimates the straight-line distance and travel time from an
// agent to the given point.
func (h *HTTPHandler) AgentETA(w http.ResponseWriter, r *http.Request) {
	agent, ok := h.store.Get(r.PathValue("id"))
	if !ok {
		respondError(w, http.StatusNotFound, "agent not found")
		return
	}

	to, err := geo.Parse(r.URL.Query().Get("lat"), r.URL.Query().Get("lng"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	from := geo.Point{Lat: agent.Location.Latitude, Lng: agent.Location.Longitude}
	km := geo.DistanceKm(from, to)
	respondJSON(w, http.StatusOK, ETAResponse{
		AgentID:    agent.Key(),
		Status:     agent.Status,
		From:       from,
		To:         to,
		DistanceKm: km,
		ETAMinutes: geo.ETAMinutes(km),
	})
}

type NearbyAgent struct {
	Agent      domain.AgentSnapshot `json:"agent"`
	DistanceKm float64              `json:"distanceKm"`
}

type NearbyResponse struct {
	Agents []NearbyAgent `json:"agents"`
	Count  int           `json:"count"`
}

const (
	defaultNearbyRadiusKm = 5.0
	maxNearbyRadiusKm     = 100.0
	defaultNearbyLimit    = 20
)

// NearbyAgents lists agents within radiusKm of a point, nearest first
func (h *HTTPHandler) NearbyAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	center, err := geo.Parse(q.Get("lat"), q.Get("lng"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	radius := defaultNearbyRadiusKm
	if v := q.Get("radiusKm"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 || radius > maxNearbyRadiusKm {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid radiusKm: must be in (0, %g]", maxNearbyRadiusKm))
			return
		}
	}
	limit := defaultNearbyLimit
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}

	var result []NearbyAgent
	if h.nearby != nil {
		result, err = h.nearbyFromIndex(r.Context(), center, radius, limit)
		if err != nil {
			ServerStats.IncCacheMisses()
			result = h.nearbyFromStore(center, radius, limit)
		} else {
			ServerStats.IncCacheHits()
		}
	} else {
		result = h.nearbyFromStore(center, radius, limit)
	}

	respondJSON(w, http.StatusOK, NearbyResponse{Agents: result, Count: len(result)})
}

func (h *HTTPHandler) nearbyFromIndex(ctx context.Context, center geo.Point, radius float64, limit int) ([]NearbyAgent, error) {
	matches, err := h.nearby.Nearby(ctx, center.Lat, center.Lng, radius, limit)
	if err != nil {
		return nil, err
	}
	out := make([]NearbyAgent, 0, len(matches))
	for _, m := range matches {
		agent, ok := h.store.Get(m.Name)
		if !ok {
			continue
		}
		out = append(out, NearbyAgent{Agent: agent, DistanceKm: m.DistanceKm})
	}
	return out, nil
}

func (h *HTTPHandler) nearbyFromStore(center geo.Point, radius float64, limit int) []NearbyAgent {
	out := make([]NearbyAgent, 0)
	for _, agent := range h.store.Snapshot() {
		d := geo.DistanceKm(center, geo.Point{Lat: agent.Location.Latitude, Lng: agent.Location.Longitude})
		if d <= radius {
			out = append(out, NearbyAgent{Agent: agent, DistanceKm: d})
		}
	}
	sortNearby(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func sortNearby(agents []NearbyAgent) {
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].DistanceKm != agents[j].DistanceKm {
			return agents[i].DistanceKm < agents[j].DistanceKm
		}
		return agents[i].Agent.Key() < agents[j].Agent.Key()
	})
}

type RefreshResponse struct {
	Started bool `json:"started"`
}

// Refresh runs a poll cycle now. A cycle already in flight is not doubled.
func (h *HTTPHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	started := h.refresher.RefreshNow(r.Context())
	status := http.StatusOK
	if !started {
		status = http.StatusAccepted
	}
	respondJSON(w, status, RefreshResponse{Started: started})
}

type StatusStyle struct {
	Status domain.DisplayStatus `json:"status"`
	status.Style
}

type MapConfigResponse struct {
	MapSettings
	Statuses []StatusStyle `json:"statuses"`
}

func (h *HTTPHandler) MapConfig(w http.ResponseWriter, r *http.Request) {
	resp := MapConfigResponse{MapSettings: h.settings}
	for _, st := range domain.AllStatuses {
		resp.Statuses = append(resp.Statuses, StatusStyle{Status: st, Style: status.StyleOf(st)})
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	respondJSON(w, http.StatusOK, resp)
}

// Stylesheet serves the map library stylesheet followed by the marker
// status rules.
func (h *HTTPHandler) Stylesheet(w http.ResponseWriter, r *http.Request) {
	handle, err := h.styles.EnsureLoaded(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	var b strings.Builder
	b.Write(handle.Stylesheet)
	b.WriteString("\n")
	for _, st := range domain.AllStatuses {
		style := status.StyleOf(st)
		fmt.Fprintf(&b, ".status-%s { color: %s; }\n", st, style.Color)
		if style.Pulse {
			fmt.Fprintf(&b, ".marker-%s { animation: fleetmap-pulse 1.5s ease-in-out infinite; }\n", st)
		}
	}
	b.WriteString("@keyframes fleetmap-pulse { 0%, 100% { opacity: 1; } 50% { opacity: 0.55; } }\n")

	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(b.String()))
}

func parseBBox(parts []string) (*geo.Bounds, error) {
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	if err := geo.Validate(vals[0], vals[1]); err != nil {
		return nil, err
	}
	if err := geo.Validate(vals[2], vals[3]); err != nil {
		return nil, err
	}
	if vals[0] > vals[2] || vals[1] > vals[3] {
		return nil, fmt.Errorf("min corner must not exceed max corner")
	}
	return &geo.Bounds{
		MinLat: vals[0], MinLon: vals[1],
		MaxLat: vals[2], MaxLon: vals[3],
	}, nil
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, errorResponse{Error: message})
}
