package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fleetmap/internal/cache"
	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
	"fleetmap/internal/ingestor"
	"fleetmap/internal/maplib"
	"fleetmap/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSnapshots() []domain.AgentSnapshot {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assigned := "a2"
	return []domain.AgentSnapshot{
		{
			Location: domain.AgentLocation{AgentID: "a1", Latitude: 41.0082, Longitude: 28.9784, Timestamp: ts},
			Profile:  domain.AgentProfile{ID: "a1", Name: "Ayse", Active: true},
			Status:   domain.StatusAvailable,
		},
		{
			Location:   domain.AgentLocation{AgentID: "a2", Latitude: 41.0422, Longitude: 29.0083, Timestamp: ts},
			Profile:    domain.AgentProfile{ID: "a2", Name: "Mehmet", Active: true},
			Assignment: &domain.Assignment{ID: "t1", AgentID: &assigned, Status: domain.AssignmentAssigned, Destination: "Airport"},
			Status:     domain.StatusAssigned,
		},
		{
			Location: domain.AgentLocation{AgentID: "a3", Latitude: 36.8969, Longitude: 30.7133, Timestamp: ts},
			Profile:  domain.AgentProfile{ID: "a3", Name: "Deniz"},
			Status:   domain.StatusInactive,
		},
	}
}

type fakeRefresher struct {
	calls  int
	result bool
}

func (f *fakeRefresher) RefreshNow(context.Context) bool {
	f.calls++
	return f.result
}

type fakeNearby struct {
	matches []cache.GeoMatch
	err     error
}

func (f *fakeNearby) Nearby(context.Context, float64, float64, float64, int) ([]cache.GeoMatch, error) {
	return f.matches, f.err
}

type fakeStyles struct {
	css []byte
	err error
}

func (f *fakeStyles) EnsureLoaded(context.Context) (*maplib.Handle, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &maplib.Handle{Stylesheet: f.css}, nil
}

func newTestHTTPHandler(nearby NearbyFinder) (*HTTPHandler, *fakeRefresher) {
	s := store.New(14)
	s.Replace(testSnapshots())
	ref := &fakeRefresher{result: true}
	h := NewHTTPHandler(s, ref, nearby, &fakeStyles{css: []byte(".leaflet-container{}")}, MapSettings{
		TileLayer: maplib.TileLayer{URLTemplate: "https://tiles.example/{z}/{x}/{y}.png", MaxZoom: 19},
		Center:    geo.Point{Lat: 41.0082, Lng: 28.9784},
		Zoom:      12,
		Icons:     maplib.PatchDefaultIcons("https://cdn.example/images/"),
	})
	return h, ref
}

func newMux(h *HTTPHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/agents", h.ListAgents)
	mux.HandleFunc("GET /v1/agents/nearby", h.NearbyAgents)
	mux.HandleFunc("GET /v1/agents/{id}", h.GetAgent)
	mux.HandleFunc("GET /v1/agents/{id}/eta", h.AgentETA)
	mux.HandleFunc("POST /v1/refresh", h.Refresh)
	mux.HandleFunc("GET /v1/map/config", h.MapConfig)
	mux.HandleFunc("GET /v1/map/style.css", h.Stylesheet)
	return mux
}

func get(t *testing.T, mux http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestListAgents(t *testing.T) {
	h, _ := newTestHTTPHandler(nil)
	mux := newMux(h)

	tests := []struct {
		name     string
		target   string
		wantCode int
		wantIDs  []string
	}{
		{"all", "/v1/agents", http.StatusOK, []string{"a1", "a2", "a3"}},
		{"by status", "/v1/agents?status=assigned", http.StatusOK, []string{"a2"}},
		{"by bbox", "/v1/agents?bbox=40.9,28.8,41.1,29.1", http.StatusOK, []string{"a1", "a2"}},
		{"status and bbox", "/v1/agents?status=available&bbox=40.9,28.8,41.1,29.1", http.StatusOK, []string{"a1"}},
		{"bad status", "/v1/agents?status=busy", http.StatusBadRequest, nil},
		{"bad bbox arity", "/v1/agents?bbox=1,2,3", http.StatusBadRequest, nil},
		{"bad bbox order", "/v1/agents?bbox=42,29,41,28", http.StatusBadRequest, nil},
		{"bbox out of range", "/v1/agents?bbox=-95,0,10,10", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, mux, http.MethodGet, tt.target)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body)
			}
			if tt.wantIDs == nil {
				return
			}
			var resp AgentsResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Count != len(tt.wantIDs) {
				t.Fatalf("count = %d, want %d", resp.Count, len(tt.wantIDs))
			}
			for i, id := range tt.wantIDs {
				if resp.Agents[i].Key() != id {
					t.Errorf("agents[%d] = %s, want %s", i, resp.Agents[i].Key(), id)
				}
			}
		})
	}
}

func TestGetAgent(t *testing.T) {
	h, _ := newTestHTTPHandler(nil)
	mux := newMux(h)

	rec := get(t, mux, http.MethodGet, "/v1/agents/a2")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap domain.AgentSnapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Assignment == nil || snap.Assignment.Destination != "Airport" {
		t.Errorf("assignment = %+v", snap.Assignment)
	}

	if rec := get(t, mux, http.MethodGet, "/v1/agents/ghost"); rec.Code != http.StatusNotFound {
		t.Errorf("missing agent status = %d, want 404", rec.Code)
	}
}

func TestAgentETA(t *testing.T) {
	h, _ := newTestHTTPHandler(nil)
	mux := newMux(h)

	rec := get(t, mux, http.MethodGet, "/v1/agents/a1/eta?lat=41.0422&lng=29.0083")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
	}
	var resp ETAResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	want := geo.DistanceKm(geo.Point{Lat: 41.0082, Lng: 28.9784}, geo.Point{Lat: 41.0422, Lng: 29.0083})
	if resp.DistanceKm != want {
		t.Errorf("distance = %v, want %v", resp.DistanceKm, want)
	}
	if resp.ETAMinutes != geo.ETAMinutes(want) {
		t.Errorf("eta = %d, want %d", resp.ETAMinutes, geo.ETAMinutes(want))
	}

	if rec := get(t, mux, http.MethodGet, "/v1/agents/a1/eta?lat=abc&lng=29"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad lat status = %d, want 400", rec.Code)
	}
	if rec := get(t, mux, http.MethodGet, "/v1/agents/ghost/eta?lat=41&lng=29"); rec.Code != http.StatusNotFound {
		t.Errorf("missing agent status = %d, want 404", rec.Code)
	}
}

func TestNearbyAgents(t *testing.T) {
	t.Run("store fallback", func(t *testing.T) {
		h, _ := newTestHTTPHandler(nil)
		rec := get(t, newMux(h), http.MethodGet, "/v1/agents/nearby?lat=41.0082&lng=28.9784&radiusKm=10")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d (%s)", rec.Code, rec.Body)
		}
		var resp NearbyResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Count != 2 || resp.Agents[0].Agent.Key() != "a1" || resp.Agents[1].Agent.Key() != "a2" {
			t.Fatalf("nearby = %+v", resp.Agents)
		}
	})

	t.Run("geo index", func(t *testing.T) {
		h, _ := newTestHTTPHandler(&fakeNearby{matches: []cache.GeoMatch{
			{Name: "a2", DistanceKm: 0.4},
			{Name: "gone", DistanceKm: 0.9},
		}})
		rec := get(t, newMux(h), http.MethodGet, "/v1/agents/nearby?lat=41.04&lng=29.0")
		var resp NearbyResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Count != 1 || resp.Agents[0].Agent.Key() != "a2" || resp.Agents[0].DistanceKm != 0.4 {
			t.Fatalf("nearby = %+v, want only a2 from the index", resp.Agents)
		}
	})

	t.Run("index error falls back", func(t *testing.T) {
		h, _ := newTestHTTPHandler(&fakeNearby{err: errors.New("redis down")})
		rec := get(t, newMux(h), http.MethodGet, "/v1/agents/nearby?lat=36.8969&lng=30.7133&radiusKm=1")
		var resp NearbyResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatal(err)
		}
		if resp.Count != 1 || resp.Agents[0].Agent.Key() != "a3" {
			t.Fatalf("nearby = %+v, want a3", resp.Agents)
		}
	})

	t.Run("validation", func(t *testing.T) {
		h, _ := newTestHTTPHandler(nil)
		mux := newMux(h)
		for _, target := range []string{
			"/v1/agents/nearby?lat=41",
			"/v1/agents/nearby?lat=41&lng=29&radiusKm=0",
			"/v1/agents/nearby?lat=41&lng=29&radiusKm=500",
			"/v1/agents/nearby?lat=41&lng=29&limit=-1",
		} {
			if rec := get(t, mux, http.MethodGet, target); rec.Code != http.StatusBadRequest {
				t.Errorf("%s status = %d, want 400", target, rec.Code)
			}
		}
	})
}

func TestRefresh(t *testing.T) {
	h, ref := newTestHTTPHandler(nil)
	mux := newMux(h)

	if rec := get(t, mux, http.MethodPost, "/v1/refresh"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	ref.result = false
	if rec := get(t, mux, http.MethodPost, "/v1/refresh"); rec.Code != http.StatusAccepted {
		t.Fatalf("in-flight status = %d, want 202", rec.Code)
	}
	if ref.calls != 2 {
		t.Errorf("refresh calls = %d, want 2", ref.calls)
	}
}

func TestMapConfigAndStylesheet(t *testing.T) {
	h, _ := newTestHTTPHandler(nil)
	mux := newMux(h)

	rec := get(t, mux, http.MethodGet, "/v1/map/config")
	var cfg struct {
		TileLayer maplib.TileLayer `json:"tileLayer"`
		Zoom      int              `json:"zoom"`
		Icons     maplib.IconSet   `json:"icons"`
		Statuses  []struct {
			Status string `json:"status"`
			Color  string `json:"color"`
			Pulse  bool   `json:"pulse"`
		} `json:"statuses"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Zoom != 12 || cfg.TileLayer.MaxZoom != 19 {
		t.Errorf("config = %+v", cfg)
	}
	if cfg.Icons.Default.IconURL != "https://cdn.example/images/marker-icon.png" {
		t.Errorf("icon url = %q", cfg.Icons.Default.IconURL)
	}
	if len(cfg.Statuses) != 4 || cfg.Statuses[0].Status != "in_progress" || !cfg.Statuses[0].Pulse {
		t.Errorf("statuses = %+v", cfg.Statuses)
	}

	rec = get(t, mux, http.MethodGet, "/v1/map/style.css")
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/css") {
		t.Errorf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.HasPrefix(body, ".leaflet-container{}") || !strings.Contains(body, ".status-in_progress { color: #f97316; }") {
		t.Errorf("stylesheet = %q", body)
	}

	h.styles = &fakeStyles{err: errors.New("cdn down")}
	if rec := get(t, mux, http.MethodGet, "/v1/map/style.css"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("failed load status = %d, want 503", rec.Code)
	}
}

type fakePollerStatus struct {
	ready bool
	st    ingestor.Status
}

func (f fakePollerStatus) IsReady() bool           { return f.ready }
func (f fakePollerStatus) Status() ingestor.Status { return f.st }

func TestReadyz(t *testing.T) {
	s := store.New(14)
	s.Replace(testSnapshots())

	rec := httptest.NewRecorder()
	NewHealthHandler(fakePollerStatus{}, s).Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("not ready status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	NewHealthHandler(fakePollerStatus{ready: true, st: ingestor.Status{LastError: "ingestion locations: timeout"}}, s).
		Readyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("ready status = %d", rec.Code)
	}
	var resp ReadyResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.AgentCount != 3 || resp.LastError == "" {
		t.Errorf("ready response = %+v", resp)
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	open := CORSMiddleware(nil)(next)
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/agents", nil))
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("open CORS origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}

	restricted := CORSMiddleware([]string{"https://ops.example.com/"})(next)
	req := httptest.NewRequest(http.MethodOptions, "/v1/agents", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec = httptest.NewRecorder()
	restricted.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get("Access-Control-Allow-Origin") != "https://ops.example.com" {
		t.Errorf("preflight = %d %q", rec.Code, rec.Header().Get("Access-Control-Allow-Origin"))
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	restricted.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("unknown origin should not be allowed")
	}
}
