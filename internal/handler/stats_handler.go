package handler

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"fleetmap/internal/domain"
	"fleetmap/internal/hub"
	"fleetmap/internal/ingestor"
	"fleetmap/internal/store"
)

// Stats tracks server-wide metrics
type Stats struct {
	startTime     time.Time
	requestCount  atomic.Int64
	wsConnections atomic.Int64
	wsSessions    atomic.Int64
	wsMessagesIn  atomic.Int64
	cacheHits     atomic.Int64
	cacheMisses   atomic.Int64
}

// Global stats instance
var ServerStats = &Stats{
	startTime: time.Now(),
}

func (s *Stats) IncRequests()      { s.requestCount.Add(1) }
func (s *Stats) IncWSConnections() { s.wsConnections.Add(1) }
func (s *Stats) DecWSConnections() { s.wsConnections.Add(-1) }
func (s *Stats) IncWSSessions()    { s.wsSessions.Add(1) }
func (s *Stats) DecWSSessions()    { s.wsSessions.Add(-1) }
func (s *Stats) IncWSMessagesIn()  { s.wsMessagesIn.Add(1) }
func (s *Stats) IncCacheHits()     { s.cacheHits.Add(1) }
func (s *Stats) IncCacheMisses()   { s.cacheMisses.Add(1) }

// RateLimitStats exposes the limiter's counters
type RateLimitStats interface {
	Stats() map[string]interface{}
}

type StatsHandler struct {
	store   *store.Store
	poller  PollerStatus
	hub     *hub.Hub
	limiter RateLimitStats
}

func NewStatsHandler(s *store.Store, p PollerStatus, h *hub.Hub, limiter RateLimitStats) *StatsHandler {
	return &StatsHandler{
		store:   s,
		poller:  p,
		hub:     h,
		limiter: limiter,
	}
}

type StatsResponse struct {
	Server    ServerStatsResponse    `json:"server"`
	Agents    AgentStatsResponse     `json:"agents"`
	Ingestion ingestor.Status        `json:"ingestion"`
	WebSocket WebSocketStatsResponse `json:"websocket"`
	Cache     CacheStatsResponse     `json:"cache"`
	RateLimit map[string]interface{} `json:"rate_limit,omitempty"`
	Go        GoStatsResponse        `json:"go"`
}

type ServerStatsResponse struct {
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptime_seconds"`
	StartTime     time.Time `json:"start_time"`
	RequestCount  int64     `json:"request_count"`
	Version       string    `json:"version"`
}

type AgentStatsResponse struct {
	Total     int                          `json:"total"`
	ByStatus  map[domain.DisplayStatus]int `json:"by_status"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

type WebSocketStatsResponse struct {
	Connections   int64 `json:"connections"`
	Sessions      int64 `json:"sessions"`
	MessagesIn    int64 `json:"messages_in"`
	MessagesOut   int64 `json:"messages_out"`
	FramesDropped int64 `json:"frames_dropped"`
	TileSubs      int   `json:"tile_subscriptions"`
}

type CacheStatsResponse struct {
	Hits   int64   `json:"hits"`
	Misses int64   `json:"misses"`
	Ratio  float64 `json:"hit_ratio"`
}

type GoStatsResponse struct {
	Goroutines  int     `json:"goroutines"`
	HeapAlloc   uint64  `json:"heap_alloc_bytes"`
	HeapAllocMB float64 `json:"heap_alloc_mb"`
	NumGC       uint32  `json:"num_gc"`
	GoVersion   string  `json:"go_version"`
}

func (h *StatsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(ServerStats.startTime)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	hits := ServerStats.cacheHits.Load()
	misses := ServerStats.cacheMisses.Load()
	var ratio float64
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}

	hubStats := h.hub.Stats()

	response := StatsResponse{
		Server: ServerStatsResponse{
			Uptime:        uptime.Round(time.Second).String(),
			UptimeSeconds: uptime.Seconds(),
			StartTime:     ServerStats.startTime,
			RequestCount:  ServerStats.requestCount.Load(),
			Version:       "1.0.0",
		},
		Agents: AgentStatsResponse{
			Total:     h.store.Count(),
			ByStatus:  h.store.CountByStatus(),
			UpdatedAt: h.store.UpdatedAt(),
		},
		Ingestion: h.poller.Status(),
		WebSocket: WebSocketStatsResponse{
			Connections:   ServerStats.wsConnections.Load(),
			Sessions:      ServerStats.wsSessions.Load(),
			MessagesIn:    ServerStats.wsMessagesIn.Load(),
			MessagesOut:   hubStats.FramesSent,
			FramesDropped: hubStats.FramesDropped,
			TileSubs:      hubStats.Tiles,
		},
		Cache: CacheStatsResponse{
			Hits:   hits,
			Misses: misses,
			Ratio:  ratio,
		},
		Go: GoStatsResponse{
			Goroutines:  runtime.NumGoroutine(),
			HeapAlloc:   mem.HeapAlloc,
			HeapAllocMB: float64(mem.HeapAlloc) / 1024 / 1024,
			NumGC:       mem.NumGC,
			GoVersion:   runtime.Version(),
		},
	}
	if h.limiter != nil {
		response.RateLimit = h.limiter.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	json.NewEncoder(w).Encode(response)
}
