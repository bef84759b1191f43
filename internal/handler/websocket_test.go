package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
	"fleetmap/internal/geowatch"
	"fleetmap/internal/hub"
	"fleetmap/internal/maplib"
	_ "fleetmap/internal/maplib/scene"
	"fleetmap/internal/mapview"
	"fleetmap/internal/store"
	"fleetmap/internal/tracking"
)

type staticFeed struct {
	mu   sync.Mutex
	subs map[int]func([]domain.AgentSnapshot)
	next int
	last []domain.AgentSnapshot
}

func (f *staticFeed) Subscribe(fn func([]domain.AgentSnapshot)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *staticFeed) OnError(func(error)) func() { return func() {} }

func (f *staticFeed) RefreshNow(context.Context) bool { return true }

func (f *staticFeed) Last() []domain.AgentSnapshot { return f.last }

func (f *staticFeed) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func newWSServer(t *testing.T, feed *staticFeed) (*httptest.Server, *hub.Hub) {
	t.Helper()
	h := hub.NewHub(testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)

	s := store.New(14)
	s.Replace(feed.last)

	loader := maplib.NewLoader(maplib.LoaderConfig{
		Module:      "scene",
		IconBaseURL: "https://cdn.example/images",
	}, testLogger())

	viewOpts := mapview.DefaultOptions()
	viewOpts.LayoutTick = 0

	ws := NewWSHandler(h, s, SessionFactory{
		Loader:      loader,
		Feed:        feed,
		View:        viewOpts,
		Geo:         geowatch.DefaultOptions(),
		GeoThrottle: 0,
		Center:      geo.Point{Lat: 41.0082, Lng: 28.9784},
		Zoom:        12,
		Logger:      testLogger(),
	}, nil, testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", ws.ServeWS)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, srv.URL+"/v1/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func send(t *testing.T, c *websocket.Conn, msgType string, payload interface{}) {
	t.Helper()
	msg := map[string]interface{}{"type": msgType}
	if payload != nil {
		msg["payload"] = payload
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// readUntil reads frames until match returns true
func readUntil(t *testing.T, c *websocket.Conn, match func(frame) bool) []frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var seen []frame
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v (seen %d frames)", err, len(seen))
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		seen = append(seen, f)
		if match(f) {
			return seen
		}
	}
}

func summaryOf(f frame) (tracking.Summary, bool) {
	if f.Type != "summary" {
		return tracking.Summary{}, false
	}
	var s tracking.Summary
	if err := json.Unmarshal(f.Payload, &s); err != nil {
		return tracking.Summary{}, false
	}
	return s, true
}

func countOps(frames []frame, op maplib.DrawOp) int {
	n := 0
	for _, f := range frames {
		if f.Type != "draw" {
			continue
		}
		var cmd maplib.DrawCommand
		if json.Unmarshal(f.Payload, &cmd) == nil && cmd.Op == op {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWS_DispatcherSession(t *testing.T) {
	feed := &staticFeed{subs: make(map[int]func([]domain.AgentSnapshot)), last: testSnapshots()}
	srv, h := newWSServer(t, feed)
	c := dial(t, srv)

	send(t, c, "open", OpenPayload{Mode: "dispatcher", Width: 1024, Height: 768})
	frames := readUntil(t, c, func(f frame) bool {
		s, ok := summaryOf(f)
		return ok && s.MapState == "ready" && s.Agents == 3
	})

	if n := countOps(frames, maplib.OpMapInit); n != 1 {
		t.Errorf("map_init frames = %d, want 1", n)
	}
	if n := countOps(frames, maplib.OpMarkerAdd); n != 3 {
		t.Errorf("marker_add frames = %d, want 3", n)
	}

	send(t, c, "open", OpenPayload{Mode: "dispatcher", Width: 1024, Height: 768})
	readUntil(t, c, func(f frame) bool { return f.Type == "error" })

	send(t, c, "ping", nil)
	readUntil(t, c, func(f frame) bool { return f.Type == "pong" })

	c.Close(websocket.StatusNormalClosure, "")
	waitFor(t, func() bool { return h.ClientCount() == 0 && feed.subscribers() == 0 })
}

func TestWS_LargeFleetReachesClient(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	const n = 600
	snaps := make([]domain.AgentSnapshot, n)
	for i := range snaps {
		id := fmt.Sprintf("d%03d", i)
		snaps[i] = domain.AgentSnapshot{
			Location: domain.AgentLocation{AgentID: id, Latitude: 40.9 + float64(i)/2000, Longitude: 29.0, Timestamp: ts},
			Profile:  domain.AgentProfile{ID: id, Active: true},
			Status:   domain.StatusAvailable,
		}
	}
	feed := &staticFeed{subs: make(map[int]func([]domain.AgentSnapshot)), last: snaps}
	srv, _ := newWSServer(t, feed)
	c := dial(t, srv)
	defer c.Close(websocket.StatusNormalClosure, "")

	send(t, c, "open", OpenPayload{Mode: "dispatcher", Width: 1024, Height: 768})
	frames := readUntil(t, c, func(f frame) bool {
		s, ok := summaryOf(f)
		return ok && s.MapState == "ready" && s.Agents == n
	})

	keys := make(map[string]bool)
	for _, f := range frames {
		var cmd maplib.DrawCommand
		if f.Type == "draw" && json.Unmarshal(f.Payload, &cmd) == nil && cmd.Op == maplib.OpMarkerAdd {
			keys[cmd.Key] = true
		}
	}
	if len(keys) != n {
		t.Fatalf("markers delivered = %d, want %d", len(keys), n)
	}
	for _, snap := range snaps {
		if !keys[snap.Key()] {
			t.Errorf("marker %s never reached the client", snap.Key())
		}
	}
}

func TestWS_CustomerNeedsAgent(t *testing.T) {
	feed := &staticFeed{subs: make(map[int]func([]domain.AgentSnapshot)), last: testSnapshots()}
	srv, _ := newWSServer(t, feed)
	c := dial(t, srv)
	defer c.Close(websocket.StatusNormalClosure, "")

	send(t, c, "open", OpenPayload{Mode: "customer", Width: 800, Height: 600})
	frames := readUntil(t, c, func(f frame) bool { return f.Type == "error" })
	var payload ErrorPayload
	if err := json.Unmarshal(frames[len(frames)-1].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Message != tracking.ErrAgentRequired.Error() {
		t.Errorf("error = %q", payload.Message)
	}

	send(t, c, "fit", nil)
	readUntil(t, c, func(f frame) bool { return f.Type == "error" })
}

func TestWS_CustomerSelfLocation(t *testing.T) {
	feed := &staticFeed{subs: make(map[int]func([]domain.AgentSnapshot)), last: testSnapshots()}
	srv, _ := newWSServer(t, feed)
	c := dial(t, srv)
	defer c.Close(websocket.StatusNormalClosure, "")

	send(t, c, "open", OpenPayload{Mode: "customer", AgentID: "a2", Width: 800, Height: 600})
	frames := readUntil(t, c, func(f frame) bool { return f.Type == "geo_request" })
	var req GeoRequestPayload
	if err := json.Unmarshal(frames[len(frames)-1].Payload, &req); err != nil {
		t.Fatal(err)
	}
	if req.Kind != geowatch.RequestWatch || !req.HighAccuracy || req.TimeoutMs != 10000 {
		t.Errorf("geo request = %+v", req)
	}

	send(t, c, "geo_position", geowatch.Position{Latitude: 41.0082, Longitude: 28.9784, Accuracy: 12})
	frames = readUntil(t, c, func(f frame) bool {
		s, ok := summaryOf(f)
		return ok && s.Self != nil && s.Tracked != nil && s.Tracked.DistanceKm != nil
	})
	s, _ := summaryOf(frames[len(frames)-1])
	if s.Agents != 1 || s.Tracked.AgentID != "a2" {
		t.Errorf("summary = %+v", s)
	}
	want := geo.DistanceKm(geo.Point{Lat: 41.0082, Lng: 28.9784}, geo.Point{Lat: 41.0422, Lng: 29.0083})
	if *s.Tracked.DistanceKm != want {
		t.Errorf("distance = %v, want %v", *s.Tracked.DistanceKm, want)
	}

	send(t, c, "geo_error", GeoErrorPayload{Code: geowatch.CodePermissionDenied, Message: "denied"})
	readUntil(t, c, func(f frame) bool {
		s, ok := summaryOf(f)
		return ok && s.GeoError == string(domain.GeoPermissionDenied) && s.Self == nil
	})
}

func TestWS_TileSubscription(t *testing.T) {
	feed := &staticFeed{subs: make(map[int]func([]domain.AgentSnapshot)), last: testSnapshots()}
	srv, h := newWSServer(t, feed)
	c := dial(t, srv)
	defer c.Close(websocket.StatusNormalClosure, "")

	tile := geo.TileID(41.0082, 28.9784, 14)
	send(t, c, "subscribe", TilesPayload{TileIDs: []string{tile}})
	frames := readUntil(t, c, func(f frame) bool { return f.Type == "snapshot" })
	var snap SnapshotPayload
	if err := json.Unmarshal(frames[len(frames)-1].Payload, &snap); err != nil {
		t.Fatal(err)
	}
	if len(snap.Agents) != 1 || snap.Agents[0].Key() != "a1" {
		t.Fatalf("snapshot = %+v", snap.Agents)
	}

	h.Broadcast([]store.Delta{{Type: store.DeltaRemove, Key: "a1", TileID: tile}})
	readUntil(t, c, func(f frame) bool { return f.Type == "delta" })
}
