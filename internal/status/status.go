// Package status derives the display status of an agent from its profile
// and active assignment.
package status

import "fleetmap/internal/domain"

// Style is how a status is drawn on the map
type Style struct {
	Color string `json:"color"`
	Label string `json:"label"`
	Pulse bool   `json:"pulse"`
}

var styles = map[domain.DisplayStatus]Style{
	domain.StatusInProgress: {Color: "#f97316", Label: "On trip", Pulse: true},
	domain.StatusAssigned:   {Color: "#3b82f6", Label: "Assigned"},
	domain.StatusAvailable:  {Color: "#22c55e", Label: "Available"},
	domain.StatusInactive:   {Color: "#9ca3af", Label: "Inactive"},
}

// Classify maps an agent to its display status. Precedence is fixed:
// in-progress job, assigned job, active profile, otherwise inactive.
func Classify(profile domain.AgentProfile, assignment *domain.Assignment) domain.DisplayStatus {
	if assignment != nil {
		switch assignment.Status {
		case domain.AssignmentInProgress:
			return domain.StatusInProgress
		case domain.AssignmentAssigned:
			return domain.StatusAssigned
		}
	}
	if profile.Active {
		return domain.StatusAvailable
	}
	return domain.StatusInactive
}

// ClassifySnapshot is Classify applied to a joined snapshot
func ClassifySnapshot(s domain.AgentSnapshot) domain.DisplayStatus {
	return Classify(s.Profile, s.Assignment)
}

// StyleOf returns the drawing style of a status; unknown values render as inactive
func StyleOf(s domain.DisplayStatus) Style {
	if st, ok := styles[s]; ok {
		return st
	}
	return styles[domain.StatusInactive]
}
