package store

import (
	"math"
	"sort"
	"sync"
	"time"

	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
)

// DeltaType is the kind of change Replace reports for an agent
type DeltaType string

const (
	DeltaUpdate DeltaType = "update"
	DeltaRemove DeltaType = "remove"
)

// Delta is one change to the stored snapshot set
type Delta struct {
	Type     DeltaType             `json:"type"`
	Key      string                `json:"key"`
	TileID   string                `json:"tileId,omitempty"`
	Snapshot *domain.AgentSnapshot `json:"snapshot,omitempty"`
}

type ListOptions struct {
	Status *domain.DisplayStatus
	BBox   *geo.Bounds
}

// maxTileScan bounds the tile index lookup; wider boxes scan every agent
const maxTileScan = 4096

// Store holds the latest snapshot set indexed by tile and status
type Store struct {
	mu        sync.RWMutex
	agents    map[string]*entry
	byTile    map[string]map[string]struct{}
	byStatus  map[domain.DisplayStatus]map[string]struct{}
	zoom      int
	updatedAt time.Time
}

type entry struct {
	snap   domain.AgentSnapshot
	tileID string
}

func New(tileZoom int) *Store {
	return &Store{
		agents:   make(map[string]*entry),
		byTile:   make(map[string]map[string]struct{}),
		byStatus: make(map[domain.DisplayStatus]map[string]struct{}),
		zoom:     tileZoom,
	}
}

// Replace swaps in a full snapshot set. Changed or new agents produce
// update deltas, agents absent from snaps produce remove deltas.
func (s *Store) Replace(snaps []domain.AgentSnapshot) []Delta {
	s.mu.Lock()
	defer s.mu.Unlock()

	deltas := make([]Delta, 0, len(snaps))
	seen := make(map[string]struct{}, len(snaps))

	for _, snap := range snaps {
		key := snap.Key()
		if key == "" {
			continue
		}
		seen[key] = struct{}{}
		tileID := geo.TileID(snap.Location.Latitude, snap.Location.Longitude, s.zoom)

		existing, exists := s.agents[key]
		if exists && !hasChanged(&existing.snap, &snap) {
			continue
		}
		if exists {
			s.removeFromIndices(key, existing)
		}

		e := &entry{snap: snap, tileID: tileID}
		s.agents[key] = e
		s.addToIndices(key, e)

		cp := snap
		deltas = append(deltas, Delta{Type: DeltaUpdate, Key: key, TileID: tileID, Snapshot: &cp})
	}

	for key, e := range s.agents {
		if _, ok := seen[key]; ok {
			continue
		}
		deltas = append(deltas, Delta{Type: DeltaRemove, Key: key, TileID: e.tileID})
		s.removeFromIndices(key, e)
		delete(s.agents, key)
	}

	s.updatedAt = time.Now()
	return deltas
}

func (s *Store) Get(key string) (domain.AgentSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.agents[key]
	if !ok {
		return domain.AgentSnapshot{}, false
	}
	return e.snap, true
}

// List returns matching snapshots sorted by agent id
func (s *Store) List(opts ListOptions) []domain.AgentSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates map[string]struct{}
	scanAll := false
	switch {
	case opts.Status != nil:
		candidates = s.byStatus[*opts.Status]
	case opts.BBox != nil && geo.TileCount(*opts.BBox, s.zoom) <= maxTileScan:
		candidates = s.tileCandidates(*opts.BBox)
	default:
		scanAll = true
	}

	result := make([]domain.AgentSnapshot, 0)
	add := func(e *entry) {
		loc := e.snap.Location
		if opts.BBox != nil && !opts.BBox.Contains(loc.Latitude, loc.Longitude) {
			return
		}
		result = append(result, e.snap)
	}

	if scanAll {
		for _, e := range s.agents {
			add(e)
		}
	} else {
		for key := range candidates {
			add(s.agents[key])
		}
	}

	sortSnapshots(result)
	return result
}

// Snapshot returns every stored snapshot sorted by agent id
func (s *Store) Snapshot() []domain.AgentSnapshot {
	return s.List(ListOptions{})
}

// SnapshotForTiles returns the snapshots in the given tiles
func (s *Store) SnapshotForTiles(tileIDs []string) []domain.AgentSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var result []domain.AgentSnapshot
	for _, tileID := range tileIDs {
		for key := range s.byTile[tileID] {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, s.agents[key].snap)
		}
	}
	sortSnapshots(result)
	return result
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents)
}

// CountByStatus returns the number of agents per display status
func (s *Store) CountByStatus() map[domain.DisplayStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.DisplayStatus]int, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		out[st] = len(s.byStatus[st])
	}
	return out
}

func (s *Store) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

func (s *Store) tileCandidates(b geo.Bounds) map[string]struct{} {
	result := make(map[string]struct{})
	for _, tileID := range geo.TilesInBBox(b, s.zoom) {
		for key := range s.byTile[tileID] {
			result[key] = struct{}{}
		}
	}
	return result
}

func (s *Store) addToIndices(key string, e *entry) {
	if s.byTile[e.tileID] == nil {
		s.byTile[e.tileID] = make(map[string]struct{})
	}
	s.byTile[e.tileID][key] = struct{}{}

	st := e.snap.Status
	if s.byStatus[st] == nil {
		s.byStatus[st] = make(map[string]struct{})
	}
	s.byStatus[st][key] = struct{}{}
}

func (s *Store) removeFromIndices(key string, e *entry) {
	if s.byTile[e.tileID] != nil {
		delete(s.byTile[e.tileID], key)
		if len(s.byTile[e.tileID]) == 0 {
			delete(s.byTile, e.tileID)
		}
	}

	st := e.snap.Status
	if s.byStatus[st] != nil {
		delete(s.byStatus[st], key)
		if len(s.byStatus[st]) == 0 {
			delete(s.byStatus, st)
		}
	}
}

func sortSnapshots(snaps []domain.AgentSnapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key() < snaps[j].Key() })
}

func hasChanged(old, new *domain.AgentSnapshot) bool {
	const epsilon = 0.000001

	if old.Status != new.Status || old.Profile != new.Profile {
		return true
	}
	if assignmentID(old.Assignment) != assignmentID(new.Assignment) {
		return true
	}
	if old.Assignment != nil && new.Assignment != nil && old.Assignment.Status != new.Assignment.Status {
		return true
	}

	if math.Abs(old.Location.Latitude-new.Location.Latitude) > epsilon ||
		math.Abs(old.Location.Longitude-new.Location.Longitude) > epsilon {
		return true
	}

	return !old.Location.Timestamp.Equal(new.Location.Timestamp)
}

func assignmentID(a *domain.Assignment) string {
	if a == nil {
		return ""
	}
	return a.ID
}
