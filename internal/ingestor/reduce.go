package ingestor

import (
	"log/slog"
	"sort"
	"time"

	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
	"fleetmap/internal/status"
)

// Latest keeps the most recent valid row per agent. Rows recorded before
// since or carrying unusable coordinates are dropped. The result is sorted
// by agent id.
func Latest(rows []domain.AgentLocation, since time.Time, logger *slog.Logger) []domain.AgentLocation {
	byAgent := make(map[string]domain.AgentLocation, len(rows))
	for _, row := range rows {
		if row.AgentID == "" {
			continue
		}
		if row.RecordedAt.Before(since) {
			continue
		}
		if err := geo.Validate(row.Latitude, row.Longitude); err != nil {
			logger.Debug("dropping location", "agent_id", row.AgentID, "error", err)
			continue
		}

		existing, ok := byAgent[row.AgentID]
		if !ok || newer(row, existing) {
			byAgent[row.AgentID] = row
		}
	}

	out := make([]domain.AgentLocation, 0, len(byAgent))
	for _, row := range byAgent {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func newer(a, b domain.AgentLocation) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.RecordedAt.After(b.RecordedAt)
}

// Join attaches profiles and the active assignment to each location and
// classifies the result. When an agent has several active assignments the
// first one returned wins.
func Join(locations []domain.AgentLocation, profiles []domain.AgentProfile, assignments []domain.Assignment, logger *slog.Logger) []domain.AgentSnapshot {
	byID := make(map[string]domain.AgentProfile, len(profiles))
	for _, p := range profiles {
		byID[p.ID] = p
	}

	active := make(map[string]*domain.Assignment, len(assignments))
	for i := range assignments {
		a := assignments[i]
		if a.AgentID == nil || !a.IsActive() {
			continue
		}
		if prev, dup := active[*a.AgentID]; dup {
			logger.Debug("agent has several active assignments",
				"agent_id", *a.AgentID,
				"kept", prev.ID,
				"ignored", a.ID,
			)
			continue
		}
		active[*a.AgentID] = &a
	}

	snaps := make([]domain.AgentSnapshot, 0, len(locations))
	for _, loc := range locations {
		profile, ok := byID[loc.AgentID]
		if !ok {
			profile = domain.AgentProfile{ID: loc.AgentID}
		}
		snap := domain.AgentSnapshot{
			Location:   loc,
			Profile:    profile,
			Assignment: active[loc.AgentID],
		}
		snap.Status = status.ClassifySnapshot(snap)
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key() < snaps[j].Key() })
	return snaps
}

func agentIDs(locations []domain.AgentLocation) []string {
	ids := make([]string, 0, len(locations))
	for _, loc := range locations {
		ids = append(ids, loc.AgentID)
	}
	return ids
}
