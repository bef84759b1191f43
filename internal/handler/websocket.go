package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
	"fleetmap/internal/geowatch"
	"fleetmap/internal/hub"
	"fleetmap/internal/mapview"
	"fleetmap/internal/store"
	"fleetmap/internal/tracking"
)

// SessionFactory holds what every screen session is built from
type SessionFactory struct {
	Loader      mapview.LibraryLoader
	Feed        tracking.Feed
	View        mapview.Options
	Geo         geowatch.Options
	GeoThrottle time.Duration
	Center      geo.Point
	Zoom        int
	Logger      *slog.Logger
}

type WSHandler struct {
	hub      *hub.Hub
	store    *store.Store
	sessions SessionFactory
	origins  []string
	logger   *slog.Logger
}

func NewWSHandler(h *hub.Hub, s *store.Store, sessions SessionFactory, origins []string, logger *slog.Logger) *WSHandler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &WSHandler{
		hub:      h,
		store:    s,
		sessions: sessions,
		origins:  origins,
		logger:   logger.With("component", "ws"),
	}
}

type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type OpenPayload struct {
	Mode    string `json:"mode"`
	AgentID string `json:"agentId,omitempty"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

type ResizePayload struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type TilesPayload struct {
	TileIDs []string `json:"tileIds"`
}

type GeoErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type GeoRequestPayload struct {
	Kind         geowatch.RequestKind `json:"kind"`
	HighAccuracy bool                 `json:"enableHighAccuracy"`
	TimeoutMs    int64                `json:"timeout"`
	MaximumAgeMs int64                `json:"maximumAge"`
}

type SnapshotPayload struct {
	Agents []domain.AgentSnapshot `json:"agents"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// conn is the per-connection state owned by the read loop
type conn struct {
	client  *hub.Client
	session *tracking.Session
	push    *geowatch.PushProvider
}

func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", "error", err)
		return
	}

	clientID := uuid.New().String()
	client := hub.NewClient(clientID, 256, h.logger)

	h.hub.Register(client)
	ServerStats.IncWSConnections()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, ws, client)

	h.readLoop(ctx, ws, &conn{client: client})
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, c *conn) {
	defer func() {
		if c.session != nil {
			c.session.Close()
			ServerStats.DecWSSessions()
		}
		h.hub.Unregister(c.client)
		ServerStats.DecWSConnections()
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.logger.Debug("websocket read error", "client_id", c.client.ID(), "error", err)
			}
			return
		}

		if msgType != websocket.MessageText {
			continue
		}
		ServerStats.IncWSMessagesIn()

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("invalid message format", "client_id", c.client.ID(), "error", err)
			continue
		}

		h.dispatch(ctx, c, msg)
	}
}

func (h *WSHandler) dispatch(ctx context.Context, c *conn, msg WSMessage) {
	switch msg.Type {
	case "open":
		var payload OpenPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.sendError(c.client, "invalid open payload")
			return
		}
		h.openSession(ctx, c, payload)

	case "resize":
		var payload ResizePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		c.client.SetSize(payload.Width, payload.Height)

	case "refresh", "fit", "retry", "locate":
		if c.session == nil {
			h.sendError(c.client, "no open session")
			return
		}
		switch msg.Type {
		case "refresh":
			c.session.Refresh()
		case "fit":
			c.session.Fit()
		case "retry":
			c.session.Retry()
		case "locate":
			c.session.Locate()
		}

	case "geo_position":
		var pos geowatch.Position
		if err := json.Unmarshal(msg.Payload, &pos); err != nil || c.push == nil {
			return
		}
		if pos.Timestamp.IsZero() {
			pos.Timestamp = time.Now()
		}
		c.push.Push(pos)

	case "geo_error":
		var payload GeoErrorPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || c.push == nil {
			return
		}
		c.push.PushError(payload.Code, payload.Message)

	case "subscribe":
		var payload TilesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		if len(payload.TileIDs) > 0 {
			h.hub.Subscribe(c.client, payload.TileIDs)
			c.client.Enqueue("snapshot", SnapshotPayload{Agents: h.store.SnapshotForTiles(payload.TileIDs)})
		}

	case "unsubscribe":
		var payload TilesPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return
		}
		if len(payload.TileIDs) > 0 {
			h.hub.Unsubscribe(c.client, payload.TileIDs)
		}

	case "ping":
		c.client.Enqueue("pong", nil)
	}
}

func (h *WSHandler) openSession(ctx context.Context, c *conn, payload OpenPayload) {
	if c.session != nil {
		h.sendError(c.client, tracking.ErrAlreadyOpen.Error())
		return
	}

	mode, err := tracking.ParseMode(payload.Mode)
	if err != nil {
		h.sendError(c.client, err.Error())
		return
	}
	c.client.SetSize(payload.Width, payload.Height)

	sess, push, err := h.sessions.open(ctx, c.client, tracking.Config{
		Mode:    mode,
		AgentID: payload.AgentID,
		Center:  h.sessions.Center,
		Zoom:    h.sessions.Zoom,
	})
	if err != nil {
		if !errors.Is(err, tracking.ErrAgentRequired) {
			h.logger.Warn("session open failed", "client_id", c.client.ID(), "error", err)
		}
		h.sendError(c.client, err.Error())
		return
	}

	c.session = sess
	c.push = push
	ServerStats.IncWSSessions()
}

func (f SessionFactory) open(ctx context.Context, client *hub.Client, cfg tracking.Config) (*tracking.Session, *geowatch.PushProvider, error) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}

	push := geowatch.NewPushProvider(func(kind geowatch.RequestKind, opts geowatch.Options) {
		client.Enqueue("geo_request", GeoRequestPayload{
			Kind:         kind,
			HighAccuracy: opts.EnableHighAccuracy,
			TimeoutMs:    opts.Timeout.Milliseconds(),
			MaximumAgeMs: opts.MaximumAge.Milliseconds(),
		})
	})
	watcher := geowatch.NewWatcher(push, f.Geo, logger)
	watcher.SetThrottle(f.GeoThrottle)

	view := mapview.New(f.Loader, f.View, logger)

	sess, err := tracking.New(client.ID(), cfg, client, view, f.Feed, watcher, func(s tracking.Summary) {
		client.Enqueue("summary", s)
	}, logger)
	if err != nil {
		watcher.Close()
		view.Destroy()
		return nil, nil, err
	}
	if err := sess.Open(ctx); err != nil {
		sess.Close()
		return nil, nil, err
	}
	return sess, push, nil
}

func (h *WSHandler) writeLoop(ctx context.Context, ws *websocket.Conn, client *hub.Client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-client.Send:
			if !ok {
				return
			}
			// draws queued before this frame go out first
			if !h.flushDraws(ctx, ws, client) {
				return
			}
			if err := h.write(ctx, ws, msg); err != nil {
				return
			}

		case <-client.DrawReady():
			if !h.flushDraws(ctx, ws, client) {
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// flushDraws writes every queued draw frame. It returns false when the
// connection is done.
func (h *WSHandler) flushDraws(ctx context.Context, ws *websocket.Conn, client *hub.Client) bool {
	frames, overflowed := client.TakeDraws()
	for _, msg := range frames {
		if err := h.write(ctx, ws, msg); err != nil {
			return false
		}
	}
	if overflowed {
		h.logger.Warn("closing client with draw backlog overflow", "client_id", client.ID())
		ws.Close(websocket.StatusTryAgainLater, "draw backlog overflow")
		return false
	}
	return true
}

func (h *WSHandler) write(ctx context.Context, ws *websocket.Conn, msg []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, msg)
}

func (h *WSHandler) sendError(client *hub.Client, message string) {
	client.Enqueue("error", ErrorPayload{Message: message})
}
