// Package backendapi reads fleet data from the managed backend's REST
// interface (PostgREST query syntax).
package backendapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fleetmap/internal/domain"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(baseURL, apiKey string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.With("component", "backend_api"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// flexFloat accepts JSON numbers, numeric strings and null. Anything else
// leaves it invalid with the raw text kept in Bad.
type flexFloat struct {
	Value float64
	Valid bool
	Bad   string
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	*f = flexFloat{}
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			f.Bad = string(b)
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			f.Bad = s
			return nil
		}
		f.Value, f.Valid = v, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		f.Bad = string(b)
		return nil
	}
	f.Value, f.Valid = v, true
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

type apiLocation struct {
	DriverID   string    `json:"driver_id"`
	Latitude   flexFloat `json:"latitude"`
	Longitude  flexFloat `json:"longitude"`
	Accuracy   flexFloat `json:"accuracy"`
	Heading    flexFloat `json:"heading"`
	Speed      flexFloat `json:"speed"`
	Timestamp  time.Time `json:"timestamp"`
	RecordedAt time.Time `json:"recorded_at"`
}

type apiVehicle struct {
	Plate string `json:"plate"`
	Model string `json:"model"`
}

type apiDriver struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Phone    string      `json:"phone"`
	IsActive bool        `json:"is_active"`
	Vehicle  *apiVehicle `json:"vehicles"`
}

type apiTask struct {
	ID              string  `json:"id"`
	DriverID        *string `json:"driver_id"`
	Status          string  `json:"status"`
	PickupLocation  string  `json:"pickup_location"`
	DropoffLocation string  `json:"dropoff_location"`
	CustomerName    string  `json:"customer_name"`
}

// RecentLocations returns telemetry rows recorded at or after since. Rows
// missing a coordinate are skipped; range checks happen downstream.
func (c *Client) RecentLocations(ctx context.Context, since time.Time) ([]domain.AgentLocation, error) {
	params := url.Values{}
	params.Set("select", "driver_id,latitude,longitude,accuracy,heading,speed,timestamp,recorded_at")
	params.Set("recorded_at", "gte."+since.UTC().Format(time.RFC3339))
	params.Set("order", "recorded_at.desc")

	var rows []apiLocation
	if err := c.get(ctx, "driver_locations", params, &rows); err != nil {
		return nil, err
	}

	out := make([]domain.AgentLocation, 0, len(rows))
	for _, r := range rows {
		if r.Latitude.Bad != "" || r.Longitude.Bad != "" {
			c.logger.Debug("dropping location", "agent_id", r.DriverID,
				"latitude", r.Latitude.Bad, "longitude", r.Longitude.Bad)
			continue
		}
		if r.DriverID == "" || !r.Latitude.Valid || !r.Longitude.Valid {
			continue
		}
		out = append(out, domain.AgentLocation{
			AgentID:    r.DriverID,
			Latitude:   r.Latitude.Value,
			Longitude:  r.Longitude.Value,
			Accuracy:   r.Accuracy.ptr(),
			Heading:    r.Heading.ptr(),
			Speed:      r.Speed.ptr(),
			Timestamp:  r.Timestamp,
			RecordedAt: r.RecordedAt,
		})
	}
	return out, nil
}

func (c *Client) AgentsByIDs(ctx context.Context, ids []string) ([]domain.AgentProfile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("select", "id,name,phone,is_active,vehicles(plate,model)")
	params.Set("id", inList(ids))

	var rows []apiDriver
	if err := c.get(ctx, "drivers", params, &rows); err != nil {
		return nil, err
	}

	out := make([]domain.AgentProfile, 0, len(rows))
	for _, r := range rows {
		p := domain.AgentProfile{
			ID:     r.ID,
			Name:   r.Name,
			Phone:  r.Phone,
			Active: r.IsActive,
		}
		if r.Vehicle != nil {
			p.VehiclePlate = r.Vehicle.Plate
			p.VehicleModel = r.Vehicle.Model
		}
		out = append(out, p)
	}
	return out, nil
}

func (c *Client) ActiveAssignments(ctx context.Context, agentIDs []string) ([]domain.Assignment, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	statuses := make([]string, 0, len(domain.ActiveAssignmentStatuses))
	for _, st := range domain.ActiveAssignmentStatuses {
		statuses = append(statuses, string(st))
	}

	params := url.Values{}
	params.Set("select", "id,driver_id,status,pickup_location,dropoff_location,customer_name")
	params.Set("driver_id", inList(agentIDs))
	params.Set("status", inList(statuses))
	params.Set("order", "updated_at.desc")

	var rows []apiTask
	if err := c.get(ctx, "tasks", params, &rows); err != nil {
		return nil, err
	}

	out := make([]domain.Assignment, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.Assignment{
			ID:              r.ID,
			AgentID:         r.DriverID,
			Status:          domain.AssignmentStatus(r.Status),
			Origin:          r.PickupLocation,
			Destination:     r.DropoffLocation,
			CounterpartName: r.CustomerName,
		})
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, table string, params url.Values, out interface{}) error {
	reqURL := fmt.Sprintf("%s/rest/v1/%s?%s", c.baseURL, table, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status code: %d", table, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", table, err)
	}
	return nil
}

// inList renders a PostgREST in.(...) filter with quoted values
func inList(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ReplaceAll(v, `"`, `\"`)
		quoted = append(quoted, `"`+v+`"`)
	}
	return "in.(" + strings.Join(quoted, ",") + ")"
}
