package tracking

import (
	"time"

	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
	"fleetmap/internal/status"
)

// Summary is the textual state shown next to the map
type Summary struct {
	Mode           Mode                         `json:"mode"`
	MapState       string                       `json:"mapState"`
	Agents         int                          `json:"agents"`
	ByStatus       map[domain.DisplayStatus]int `json:"byStatus"`
	Tracked        *Tracked                     `json:"tracked,omitempty"`
	Self           *domain.SelfLocation         `json:"self,omitempty"`
	LastUpdate     time.Time                    `json:"lastUpdate"`
	IngestionError string                       `json:"ingestionError,omitempty"`
	GeoError       string                       `json:"geoError,omitempty"`
	MapError       string                       `json:"mapError,omitempty"`
	CanRetry       bool                         `json:"canRetry,omitempty"`
}

// Tracked describes the single agent a driver or customer screen follows
type Tracked struct {
	AgentID     string               `json:"agentId"`
	Name        string               `json:"name"`
	Vehicle     string               `json:"vehicle,omitempty"`
	Phone       string               `json:"phone,omitempty"`
	Status      domain.DisplayStatus `json:"status"`
	Label       string               `json:"label"`
	Position    geo.Point            `json:"position"`
	Destination string               `json:"destination,omitempty"`
	DistanceKm  *float64             `json:"distanceKm,omitempty"`
	ETAMinutes  *int                 `json:"etaMinutes,omitempty"`
}

// Build derives a summary from the visible agents and the self location
func Build(cfg Config, visible []domain.AgentSnapshot, self *domain.SelfLocation) Summary {
	sum := Summary{
		Mode:     cfg.Mode,
		Agents:   len(visible),
		ByStatus: make(map[domain.DisplayStatus]int, len(domain.AllStatuses)),
		Self:     self,
	}
	for _, st := range domain.AllStatuses {
		sum.ByStatus[st] = 0
	}
	for _, snap := range visible {
		sum.ByStatus[snap.Status]++
	}

	if cfg.AgentID == "" {
		return sum
	}
	for _, snap := range visible {
		if snap.Key() != cfg.AgentID {
			continue
		}
		sum.Tracked = track(snap, self)
		break
	}
	return sum
}

func track(snap domain.AgentSnapshot, self *domain.SelfLocation) *Tracked {
	pos := geo.Point{Lat: snap.Location.Latitude, Lng: snap.Location.Longitude}
	t := &Tracked{
		AgentID:  snap.Key(),
		Name:     snap.Profile.Name,
		Vehicle:  snap.Profile.VehicleDescriptor(),
		Phone:    snap.Profile.Phone,
		Status:   snap.Status,
		Label:    status.StyleOf(snap.Status).Label,
		Position: pos,
	}
	if snap.Assignment != nil {
		t.Destination = snap.Assignment.Destination
	}
	if self != nil {
		km := geo.DistanceKm(geo.Point{Lat: self.Latitude, Lng: self.Longitude}, pos)
		eta := geo.ETAMinutes(km)
		t.DistanceKm = &km
		t.ETAMinutes = &eta
	}
	return t
}
