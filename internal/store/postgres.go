package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"fleetmap/internal/domain"
	"fleetmap/internal/geo"
)

// Connect opens and pings a Postgres database
func Connect(ctx context.Context, dbURL string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// PostgresSource reads telemetry, drivers and tasks straight from the
// operations database.
type PostgresSource struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewPostgresSource(db *sqlx.DB, logger *slog.Logger) *PostgresSource {
	return &PostgresSource{
		db:     db,
		logger: logger.With("component", "postgres_source"),
	}
}

const recentLocationsQuery = `
	SELECT
		driver_id,
		latitude,
		longitude,
		accuracy,
		heading,
		speed,
		timestamp,
		recorded_at
	FROM driver_locations
	WHERE recorded_at >= $1
	ORDER BY recorded_at DESC`

type locationRow struct {
	AgentID    string          `db:"driver_id"`
	Latitude   sql.NullFloat64 `db:"latitude"`
	Longitude  sql.NullFloat64 `db:"longitude"`
	Accuracy   sql.NullFloat64 `db:"accuracy"`
	Heading    sql.NullFloat64 `db:"heading"`
	Speed      sql.NullFloat64 `db:"speed"`
	Timestamp  time.Time       `db:"timestamp"`
	RecordedAt time.Time       `db:"recorded_at"`
}

// RecentLocations returns rows recorded at or after since. Rows with missing
// or out-of-range coordinates are dropped here.
func (s *PostgresSource) RecentLocations(ctx context.Context, since time.Time) ([]domain.AgentLocation, error) {
	var rows []locationRow
	if err := s.db.SelectContext(ctx, &rows, recentLocationsQuery, since.UTC()); err != nil {
		return nil, fmt.Errorf("querying driver_locations: %w", err)
	}

	out := make([]domain.AgentLocation, 0, len(rows))
	dropped := 0
	for _, r := range rows {
		if !r.Latitude.Valid || !r.Longitude.Valid {
			dropped++
			continue
		}
		if err := geo.Validate(r.Latitude.Float64, r.Longitude.Float64); err != nil {
			s.logger.Debug("dropping location", "agent_id", r.AgentID, "error", err)
			dropped++
			continue
		}
		out = append(out, domain.AgentLocation{
			AgentID:    r.AgentID,
			Latitude:   r.Latitude.Float64,
			Longitude:  r.Longitude.Float64,
			Accuracy:   nullFloat(r.Accuracy),
			Heading:    nullFloat(r.Heading),
			Speed:      nullFloat(r.Speed),
			Timestamp:  r.Timestamp,
			RecordedAt: r.RecordedAt,
		})
	}

	if dropped > 0 {
		s.logger.Debug("dropped invalid locations", "count", dropped)
	}
	return out, nil
}

const agentsByIDsQuery = `
	SELECT
		d.id,
		COALESCE(d.name, '') AS name,
		COALESCE(d.phone, '') AS phone,
		COALESCE(v.plate, '') AS vehicle_plate,
		COALESCE(v.model, '') AS vehicle_model,
		COALESCE(d.is_active, false) AS active
	FROM drivers d
	LEFT JOIN vehicles v ON v.id = d.vehicle_id
	WHERE d.id = ANY($1)`

func (s *PostgresSource) AgentsByIDs(ctx context.Context, ids []string) ([]domain.AgentProfile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var profiles []domain.AgentProfile
	if err := s.db.SelectContext(ctx, &profiles, agentsByIDsQuery, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("querying drivers: %w", err)
	}
	return profiles, nil
}

const activeAssignmentsQuery = `
	SELECT
		id,
		driver_id,
		status,
		COALESCE(pickup_location, '') AS origin,
		COALESCE(dropoff_location, '') AS destination,
		COALESCE(customer_name, '') AS customer_name
	FROM tasks
	WHERE driver_id = ANY($1)
	  AND status = ANY($2)
	ORDER BY updated_at DESC`

func (s *PostgresSource) ActiveAssignments(ctx context.Context, agentIDs []string) ([]domain.Assignment, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	statuses := make([]string, 0, len(domain.ActiveAssignmentStatuses))
	for _, st := range domain.ActiveAssignmentStatuses {
		statuses = append(statuses, string(st))
	}

	var tasks []domain.Assignment
	if err := s.db.SelectContext(ctx, &tasks, activeAssignmentsQuery, pq.Array(agentIDs), pq.Array(statuses)); err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	return tasks, nil
}

func nullFloat(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
