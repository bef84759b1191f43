package mapview

import (
	"bytes"
	"html/template"
	"time"

	"fleetmap/internal/domain"
	"fleetmap/internal/status"
)

var popupTmpl = template.Must(template.New("popup").Parse(
	`<div class="agent-popup">` +
		`<strong>{{.Name}}</strong>` +
		`{{with .Vehicle}}<div class="vehicle">{{.}}</div>{{end}}` +
		`{{with .Phone}}<div class="phone"><a href="tel:{{.}}">{{.}}</a></div>{{end}}` +
		`<div class="status status-{{.Status}}">{{.Label}}</div>` +
		`{{with .Assignment}}<div class="job">{{.Origin}} &rarr; {{.Destination}}</div>` +
		`{{with .CounterpartName}}<div class="customer">{{.}}</div>{{end}}{{end}}` +
		`<small>{{.Updated}}</small>` +
		`</div>`))

type popupData struct {
	Name       string
	Vehicle    string
	Phone      string
	Status     domain.DisplayStatus
	Label      string
	Assignment *domain.Assignment
	Updated    string
}

// renderPopup renders the marker popup for a snapshot. Output depends only
// on the snapshot so unchanged snapshots produce identical markup.
func renderPopup(s domain.AgentSnapshot) string {
	name := s.Profile.Name
	if name == "" {
		name = s.Location.AgentID
	}
	d := popupData{
		Name:       name,
		Vehicle:    s.Profile.VehicleDescriptor(),
		Phone:      s.Profile.Phone,
		Status:     s.Status,
		Label:      status.StyleOf(s.Status).Label,
		Assignment: s.Assignment,
		Updated:    s.Location.Timestamp.UTC().Format(time.RFC3339),
	}

	var buf bytes.Buffer
	if err := popupTmpl.Execute(&buf, d); err != nil {
		return template.HTMLEscapeString(name)
	}
	return buf.String()
}

const selfPopup = `<div class="self-popup"><strong>You are here</strong></div>`
