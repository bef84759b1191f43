package domain

import (
	"fmt"
	"time"
)

// AgentLocation is a single telemetry row reported by a driver device
type AgentLocation struct {
	AgentID    string    `json:"agentId" db:"driver_id"`
	Latitude   float64   `json:"latitude" db:"latitude"`
	Longitude  float64   `json:"longitude" db:"longitude"`
	Accuracy   *float64  `json:"accuracy,omitempty" db:"accuracy"`
	Heading    *float64  `json:"heading,omitempty" db:"heading"`
	Speed      *float64  `json:"speed,omitempty" db:"speed"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	RecordedAt time.Time `json:"recordedAt" db:"recorded_at"`
}

// AgentProfile is the driver and vehicle data joined onto a location
type AgentProfile struct {
	ID           string `json:"id" db:"id"`
	Name         string `json:"name" db:"name"`
	Phone        string `json:"phone" db:"phone"`
	VehiclePlate string `json:"vehiclePlate" db:"vehicle_plate"`
	VehicleModel string `json:"vehicleModel" db:"vehicle_model"`
	Active       bool   `json:"active" db:"active"`
}

// VehicleDescriptor renders the vehicle as shown in popups and summaries
func (p AgentProfile) VehicleDescriptor() string {
	switch {
	case p.VehicleModel != "" && p.VehiclePlate != "":
		return fmt.Sprintf("%s (%s)", p.VehicleModel, p.VehiclePlate)
	case p.VehiclePlate != "":
		return p.VehiclePlate
	default:
		return p.VehicleModel
	}
}

// AssignmentStatus is the lifecycle state of a job
type AssignmentStatus string

const (
	AssignmentUnassigned AssignmentStatus = "unassigned"
	AssignmentAssigned   AssignmentStatus = "assigned"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
	AssignmentCancelled  AssignmentStatus = "cancelled"
)

// ActiveAssignmentStatuses are the statuses that bind a job to a driver
var ActiveAssignmentStatuses = []AssignmentStatus{AssignmentAssigned, AssignmentInProgress}

// Assignment is a tour or transfer job
type Assignment struct {
	ID              string           `json:"id" db:"id"`
	AgentID         *string          `json:"agentId,omitempty" db:"driver_id"`
	Status          AssignmentStatus `json:"status" db:"status"`
	Origin          string           `json:"origin" db:"origin"`
	Destination     string           `json:"destination" db:"destination"`
	CounterpartName string           `json:"counterpartName" db:"customer_name"`
}

// IsActive reports whether the assignment currently binds its driver
func (a Assignment) IsActive() bool {
	return a.Status == AssignmentAssigned || a.Status == AssignmentInProgress
}

// AgentSnapshot is the per-cycle join of location, profile and active job.
// It is rebuilt on every poll and never shared between cycles.
type AgentSnapshot struct {
	Location   AgentLocation `json:"location"`
	Profile    AgentProfile  `json:"profile"`
	Assignment *Assignment   `json:"assignment,omitempty"`
	Status     DisplayStatus `json:"status"`
}

// Key identifies the snapshot's marker
func (s AgentSnapshot) Key() string {
	return s.Location.AgentID
}

// SelfLocation is the viewer's own device position
type SelfLocation struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}
