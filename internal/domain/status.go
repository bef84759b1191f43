package domain

// DisplayStatus is the derived marker status of an agent
type DisplayStatus string

const (
	StatusAvailable  DisplayStatus = "available"
	StatusAssigned   DisplayStatus = "assigned"
	StatusInProgress DisplayStatus = "in_progress"
	StatusInactive   DisplayStatus = "inactive"
)

// AllStatuses lists every display status in precedence order
var AllStatuses = []DisplayStatus{StatusInProgress, StatusAssigned, StatusAvailable, StatusInactive}

// ParseDisplayStatus accepts the wire form of a status
func ParseDisplayStatus(s string) (DisplayStatus, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}
