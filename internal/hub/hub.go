package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"fleetmap/internal/domain"
	"fleetmap/internal/maplib"
	"fleetmap/internal/store"
)

// Message is the envelope for every server to client frame
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// MaxPendingDraws caps the draw backlog of one client. Past it the client
// is flagged as overflowed and its connection is expected to be closed.
const MaxPendingDraws = 1 << 16

// Client is one websocket connection. It doubles as the map surface the
// connection's session draws on, and may subscribe to raw agent deltas by
// tile.
//
// Send carries best-effort frames (summaries, deltas, pongs). Draw commands
// go through a separate ordered queue that never drops.
type Client struct {
	id   string
	Send chan []byte

	mu     sync.RWMutex
	tiles  map[string]struct{}
	width  int
	height int
	bound  string
	closed bool

	drawMu    sync.Mutex
	draws     [][]byte
	drawReady chan struct{}
	overflow  bool
	maxDraws  int

	sent    atomic.Int64
	dropped atomic.Int64
	logger  *slog.Logger
}

func NewClient(id string, bufferSize int, logger *slog.Logger) *Client {
	return &Client{
		id:        id,
		Send:      make(chan []byte, bufferSize),
		tiles:     make(map[string]struct{}),
		drawReady: make(chan struct{}, 1),
		maxDraws:  MaxPendingDraws,
		logger:    logger,
	}
}

func (c *Client) ID() string { return c.id }

// Enqueue marshals and queues a frame. Frames are dropped when the buffer
// is full or the client is gone.
func (c *Client) Enqueue(msgType string, payload interface{}) bool {
	data, err := json.Marshal(Message{Type: msgType, Payload: payload})
	if err != nil {
		c.logger.Debug("marshal failed", "client_id", c.id, "type", msgType, "error", err)
		return false
	}
	return c.enqueueRaw(data)
}

func (c *Client) enqueueRaw(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		c.sent.Add(1)
		return true
	default:
		c.dropped.Add(1)
		c.logger.Debug("client send buffer full", "client_id", c.id)
		return false
	}
}

func (c *Client) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.Send)

	c.drawMu.Lock()
	c.draws = nil
	c.drawMu.Unlock()
	return true
}

// DrawReady is signalled whenever draw frames are waiting in TakeDraws
func (c *Client) DrawReady() <-chan struct{} {
	return c.drawReady
}

// TakeDraws removes and returns the queued draw frames in order. overflowed
// reports that the backlog cap was hit; the queue no longer mirrors the
// scene and the connection should be closed.
func (c *Client) TakeDraws() (frames [][]byte, overflowed bool) {
	c.drawMu.Lock()
	defer c.drawMu.Unlock()
	frames, c.draws = c.draws, nil
	c.sent.Add(int64(len(frames)))
	return frames, c.overflow
}

// PendingDraws returns the number of queued draw frames
func (c *Client) PendingDraws() int {
	c.drawMu.Lock()
	defer c.drawMu.Unlock()
	return len(c.draws)
}

func (c *Client) queueDraw(cmd maplib.DrawCommand) {
	data, err := json.Marshal(Message{Type: "draw", Payload: cmd})
	if err != nil {
		c.logger.Debug("marshal failed", "client_id", c.id, "type", "draw", "error", err)
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}

	c.drawMu.Lock()
	switch {
	case c.overflow:
		c.dropped.Add(1)
	case len(c.draws) >= c.maxDraws:
		c.overflow = true
		c.dropped.Add(int64(len(c.draws)) + 1)
		c.draws = nil
		c.logger.Warn("draw backlog overflow", "client_id", c.id, "limit", c.maxDraws)
	default:
		c.draws = append(c.draws, data)
	}
	c.drawMu.Unlock()

	select {
	case c.drawReady <- struct{}{}:
	default:
	}
}

func (c *Client) HasTile(tileID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tiles[tileID]
	return ok
}

func (c *Client) AddTiles(tileIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range tileIDs {
		c.tiles[id] = struct{}{}
	}
}

func (c *Client) RemoveTiles(tileIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range tileIDs {
		delete(c.tiles, id)
	}
}

func (c *Client) GetTiles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tiles := make([]string, 0, len(c.tiles))
	for id := range c.tiles {
		tiles = append(tiles, id)
	}
	return tiles
}

// SetSize records the viewport size reported by the client
func (c *Client) SetSize(width, height int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.width, c.height = width, height
}

func (c *Client) Size() (int, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.width, c.height
}

func (c *Client) BoundMap() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bound
}

func (c *Client) BindMap(mapID string) {
	c.mu.Lock()
	c.bound = mapID
	c.mu.Unlock()
}

// Reset unbinds the map and tells the client to clear its container
func (c *Client) Reset() {
	c.mu.Lock()
	c.bound = ""
	c.mu.Unlock()
	c.queueDraw(maplib.DrawCommand{Op: maplib.OpReset})
}

func (c *Client) Draw(cmd maplib.DrawCommand) {
	c.queueDraw(cmd)
}

var _ maplib.Surface = (*Client)(nil)

// Stats is a point-in-time view of the hub
type Stats struct {
	Clients       int   `json:"clients"`
	Tiles         int   `json:"tiles"`
	FramesSent    int64 `json:"framesSent"`
	FramesDropped int64 `json:"framesDropped"`
}

type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	tileClients map[string]map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	broadcast  chan []store.Delta

	// counters of clients that have already left
	sentGone    atomic.Int64
	droppedGone atomic.Int64

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		tileClients: make(map[string]map[*Client]struct{}),
		register:    make(chan *Client, 16),
		unregister:  make(chan *Client, 16),
		broadcast:   make(chan []store.Delta, 256),
		logger:      logger.With("component", "hub"),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id, "total", total)

		case client := <-h.unregister:
			h.removeClient(client)

		case deltas := <-h.broadcast:
			h.fanoutDeltas(deltas)
		}
	}
}

func (h *Hub) Subscribe(client *Client, tileIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.AddTiles(tileIDs)

	for _, tileID := range tileIDs {
		if h.tileClients[tileID] == nil {
			h.tileClients[tileID] = make(map[*Client]struct{})
		}
		h.tileClients[tileID][client] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, tileIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client.RemoveTiles(tileIDs)

	for _, tileID := range tileIDs {
		if h.tileClients[tileID] != nil {
			delete(h.tileClients[tileID], client)
			if len(h.tileClients[tileID]) == 0 {
				delete(h.tileClients, tileID)
			}
		}
	}
}

// Broadcast queues store deltas for tile subscribers
func (h *Hub) Broadcast(deltas []store.Delta) {
	if len(deltas) == 0 {
		return
	}
	select {
	case h.broadcast <- deltas:
	default:
		h.logger.Warn("broadcast channel full, dropping deltas", "count", len(deltas))
	}
}

func (h *Hub) Register(client *Client) {
	h.register <- client
}

func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{
		Clients:       len(h.clients),
		Tiles:         len(h.tileClients),
		FramesSent:    h.sentGone.Load(),
		FramesDropped: h.droppedGone.Load(),
	}
	for c := range h.clients {
		st.FramesSent += c.sent.Load()
		st.FramesDropped += c.dropped.Load()
	}
	return st
}

type DeltaPayload struct {
	Updates []*domain.AgentSnapshot `json:"updates,omitempty"`
	Removes []string                `json:"removes,omitempty"`
}

func (h *Hub) fanoutDeltas(deltas []store.Delta) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clientDeltas := make(map[*Client][]store.Delta)

	for _, d := range deltas {
		if clients, ok := h.tileClients[d.TileID]; ok {
			for client := range clients {
				clientDeltas[client] = append(clientDeltas[client], d)
			}
		}
	}

	for client, ds := range clientDeltas {
		client.Enqueue("delta", buildDeltaPayload(ds))
	}
}

func buildDeltaPayload(deltas []store.Delta) DeltaPayload {
	var p DeltaPayload
	for _, d := range deltas {
		switch d.Type {
		case store.DeltaUpdate:
			p.Updates = append(p.Updates, d.Snapshot)
		case store.DeltaRemove:
			p.Removes = append(p.Removes, d.Key)
		}
	}
	return p
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}

	for _, tileID := range client.GetTiles() {
		if h.tileClients[tileID] != nil {
			delete(h.tileClients[tileID], client)
			if len(h.tileClients[tileID]) == 0 {
				delete(h.tileClients, tileID)
			}
		}
	}

	delete(h.clients, client)
	h.sentGone.Add(client.sent.Load())
	h.droppedGone.Add(client.dropped.Load())
	client.close()
	h.logger.Debug("client unregistered", "client_id", client.id, "total", len(h.clients))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.close()
	}
	h.clients = make(map[*Client]struct{})
	h.tileClients = make(map[string]map[*Client]struct{})
}
