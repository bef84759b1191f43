package store

import (
	"testing"
	"time"

	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
)

var ts = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func snap(id string, lat, lng float64, st domain.DisplayStatus) domain.AgentSnapshot {
	return domain.AgentSnapshot{
		Location: domain.AgentLocation{AgentID: id, Latitude: lat, Longitude: lng, Timestamp: ts, RecordedAt: ts},
		Profile:  domain.AgentProfile{ID: id, Active: st != domain.StatusInactive},
		Status:   st,
	}
}

func countDeltas(deltas []Delta, typ DeltaType) int {
	n := 0
	for _, d := range deltas {
		if d.Type == typ {
			n++
		}
	}
	return n
}

func TestReplace_Deltas(t *testing.T) {
	s := New(14)

	deltas := s.Replace([]domain.AgentSnapshot{
		snap("a1", 41.01, 28.97, domain.StatusAvailable),
		snap("a2", 41.02, 28.98, domain.StatusAssigned),
	})
	if countDeltas(deltas, DeltaUpdate) != 2 || s.Count() != 2 {
		t.Fatalf("first Replace deltas = %+v", deltas)
	}

	deltas = s.Replace([]domain.AgentSnapshot{
		snap("a1", 41.01, 28.97, domain.StatusAvailable),
		snap("a2", 41.02, 28.98, domain.StatusAssigned),
	})
	if len(deltas) != 0 {
		t.Errorf("unchanged Replace produced %d deltas", len(deltas))
	}

	moved := snap("a1", 41.05, 28.90, domain.StatusAvailable)
	moved.Location.Timestamp = ts.Add(time.Minute)
	deltas = s.Replace([]domain.AgentSnapshot{moved})
	if countDeltas(deltas, DeltaUpdate) != 1 || countDeltas(deltas, DeltaRemove) != 1 {
		t.Fatalf("deltas = %+v, want one update and one remove", deltas)
	}
	for _, d := range deltas {
		if d.Type == DeltaRemove && d.Key != "a2" {
			t.Errorf("removed %q, want a2", d.Key)
		}
		if d.Type == DeltaUpdate && d.TileID != geo.TileID(41.05, 28.90, 14) {
			t.Errorf("update tile = %q", d.TileID)
		}
	}
	if _, ok := s.Get("a2"); ok {
		t.Error("a2 still stored")
	}
	got, ok := s.Get("a1")
	if !ok || got.Location.Latitude != 41.05 {
		t.Errorf("Get(a1) = %+v, %v", got, ok)
	}
}

func TestReplace_StatusChangeIsDelta(t *testing.T) {
	s := New(14)
	s.Replace([]domain.AgentSnapshot{snap("a1", 41, 29, domain.StatusAvailable)})

	next := snap("a1", 41, 29, domain.StatusInProgress)
	next.Assignment = &domain.Assignment{ID: "t1", Status: domain.AssignmentInProgress}
	deltas := s.Replace([]domain.AgentSnapshot{next})
	if len(deltas) != 1 || deltas[0].Snapshot.Status != domain.StatusInProgress {
		t.Fatalf("deltas = %+v", deltas)
	}

	counts := s.CountByStatus()
	if counts[domain.StatusInProgress] != 1 || counts[domain.StatusAvailable] != 0 {
		t.Errorf("CountByStatus() = %v", counts)
	}
}

func TestList_Filters(t *testing.T) {
	s := New(14)
	s.Replace([]domain.AgentSnapshot{
		snap("a3", 41.03, 28.99, domain.StatusAvailable),
		snap("a1", 41.01, 28.97, domain.StatusAvailable),
		snap("a2", 39.93, 32.86, domain.StatusInProgress),
		snap("a4", 39.94, 32.85, domain.StatusInactive),
	})

	all := s.List(ListOptions{})
	if len(all) != 4 || all[0].Key() != "a1" || all[3].Key() != "a4" {
		t.Errorf("List() = %v, want 4 sorted", keys(all))
	}

	avail := domain.StatusAvailable
	if got := s.List(ListOptions{Status: &avail}); len(got) != 2 {
		t.Errorf("status filter = %v", keys(got))
	}

	istanbul := geo.Bounds{MinLat: 40.9, MaxLat: 41.1, MinLon: 28.8, MaxLon: 29.1}
	if got := s.List(ListOptions{BBox: &istanbul}); len(got) != 2 || got[0].Key() != "a1" {
		t.Errorf("bbox filter = %v", keys(got))
	}

	ankara := geo.Bounds{MinLat: 39.9, MaxLat: 40.0, MinLon: 32.8, MaxLon: 32.9}
	inactive := domain.StatusInactive
	if got := s.List(ListOptions{Status: &inactive, BBox: &ankara}); len(got) != 1 || got[0].Key() != "a4" {
		t.Errorf("status+bbox filter = %v", keys(got))
	}

	turkey := geo.Bounds{MinLat: 35, MaxLat: 43, MinLon: 25, MaxLon: 45}
	if got := s.List(ListOptions{BBox: &turkey}); len(got) != s.Count() {
		t.Errorf("wide bbox = %v, want every agent", keys(got))
	}

	tiles := geo.TilesInBBox(ankara, 14)
	if got := s.SnapshotForTiles(tiles); len(got) != 2 {
		t.Errorf("SnapshotForTiles() = %v", keys(got))
	}
}

func keys(snaps []domain.AgentSnapshot) []string {
	out := make([]string, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s.Key())
	}
	return out
}
