package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fleetmap/internal/domain"
	"fleetmap/internal/store"
)

// Backend is the subset of RedisCache the snapshot writer needs
type Backend interface {
	SetJSONCompressed(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetJSONCompressed(ctx context.Context, key string, dest interface{}) (bool, error)
	GeoAdd(ctx context.Context, key string, points ...GeoPoint) error
	GeoRemove(ctx context.Context, key string, members ...string) error
	GeoRadius(ctx context.Context, key string, lat, lng, radiusKm float64, limit int) ([]GeoMatch, error)
}

type cachedSnapshot struct {
	Agents    []domain.AgentSnapshot `json:"agents"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// SnapshotCache mirrors the latest snapshot set into redis so a restarted
// process can serve the map before its first poll completes, and keeps a
// GEO index of agent positions for proximity lookups.
type SnapshotCache struct {
	backend Backend
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

func NewSnapshotCache(backend Backend, ttl time.Duration, logger *slog.Logger) *SnapshotCache {
	return &SnapshotCache{
		backend: backend,
		ttl:     ttl,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "snapshot_cache"),
	}
}

// Write stores the full set and applies the deltas to the GEO index
func (c *SnapshotCache) Write(ctx context.Context, snaps []domain.AgentSnapshot, deltas []store.Delta) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	blob := cachedSnapshot{Agents: snaps, UpdatedAt: time.Now().UTC()}
	if err := c.backend.SetJSONCompressed(ctx, KeySnapshot, blob, c.ttl); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	var points []GeoPoint
	var removed []string
	for _, d := range deltas {
		switch d.Type {
		case store.DeltaUpdate:
			if d.Snapshot == nil {
				continue
			}
			points = append(points, GeoPoint{
				Name:      d.Key,
				Latitude:  d.Snapshot.Location.Latitude,
				Longitude: d.Snapshot.Location.Longitude,
			})
		case store.DeltaRemove:
			removed = append(removed, d.Key)
		}
	}
	if err := c.backend.GeoAdd(ctx, KeyAgentGeo, points...); err != nil {
		return fmt.Errorf("updating geo index: %w", err)
	}
	if err := c.backend.GeoRemove(ctx, KeyAgentGeo, removed...); err != nil {
		return fmt.Errorf("pruning geo index: %w", err)
	}

	c.logger.Debug("snapshot cached",
		"agents", len(snaps),
		"geo_updates", len(points),
		"geo_removes", len(removed),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Restore loads the cached set. The second result is false on a miss or when
// the cached set is older than maxAge.
func (c *SnapshotCache) Restore(ctx context.Context, maxAge time.Duration) ([]domain.AgentSnapshot, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var blob cachedSnapshot
	found, err := c.backend.GetJSONCompressed(ctx, KeySnapshot, &blob)
	if err != nil {
		return nil, false, fmt.Errorf("reading snapshot: %w", err)
	}
	if !found {
		return nil, false, nil
	}
	if maxAge > 0 && time.Since(blob.UpdatedAt) > maxAge {
		c.logger.Info("cached snapshot too old", "updated_at", blob.UpdatedAt)
		return nil, false, nil
	}
	c.logger.Info("restored snapshot from cache", "agents", len(blob.Agents), "updated_at", blob.UpdatedAt)
	return blob.Agents, true, nil
}

// Nearby returns agent ids within radiusKm of the point, nearest first
func (c *SnapshotCache) Nearby(ctx context.Context, lat, lng, radiusKm float64, limit int) ([]GeoMatch, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.backend.GeoRadius(ctx, KeyAgentGeo, lat, lng, radiusKm, limit)
}
