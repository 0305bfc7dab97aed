// Package passengers is the client for the external passenger source: the
// store of waiting riders the conductors query, board and alight against.
package passengers

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Passenger is one waiting rider as delivered by the source.
type Passenger struct {
	ID                 string
	Lat                float64
	Lon                float64
	RouteID            string
	DestinationSegment int
	SpawnTime          time.Time
	Status             string
}

// DepotCoordinates locates a route's registered depot.
type DepotCoordinates struct {
	Latitude  float64
	Longitude float64
	DepotName string
}

// Source is the passenger source contract consumed by conductors and the
// depot passenger manager.
type Source interface {
	GetEligiblePassengers(ctx context.Context, lat, lon float64, routeID string, radiusKm float64, maxResults int, status string, now time.Time) ([]Passenger, error)
	BoardPassenger(ctx context.Context, passengerID, vehicleID string) (bool, error)
	AlightPassenger(ctx context.Context, passengerID string) (bool, error)
	GetRouteDepotCoordinates(ctx context.Context, routeID string) (*DepotCoordinates, error)
}

// SQLSource serves passengers from the relational store.
type SQLSource struct {
	db *sql.DB
}

func NewSQLSource(db *sql.DB) *SQLSource { return &SQLSource{db: db} }

// GetEligiblePassengers returns up to maxResults waiting passengers on the
// route within radiusKm of the vehicle whose spawn time has elapsed. The
// bounding box prefilter keeps the scan off the full table; the store's
// distance expression confirms.
func (s *SQLSource) GetEligiblePassengers(ctx context.Context, lat, lon float64, routeID string, radiusKm float64, maxResults int, status string, now time.Time) ([]Passenger, error) {
	q := `
SELECT id, latitude, longitude, route_id, destination_segment, spawn_time, status
FROM passengers
WHERE route_id = $1
  AND status = $2
  AND spawn_time <= $3
  AND earth_distance(ll_to_earth(latitude, longitude), ll_to_earth($4, $5)) <= $6
ORDER BY spawn_time
LIMIT $7`
	rows, err := s.db.QueryContext(ctx, q, routeID, status, now, lat, lon, radiusKm*1000, maxResults)
	if err != nil {
		return nil, fmt.Errorf("query eligible passengers: %w", err)
	}
	defer rows.Close()
	var out []Passenger
	for rows.Next() {
		var p Passenger
		if err := rows.Scan(&p.ID, &p.Lat, &p.Lon, &p.RouteID, &p.DestinationSegment, &p.SpawnTime, &p.Status); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLSource) BoardPassenger(ctx context.Context, passengerID, vehicleID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE passengers SET status = 'onboard', vehicle_id = $2, boarded_at = NOW()
		 WHERE id = $1 AND status = 'waiting'`, passengerID, vehicleID)
	if err != nil {
		return false, fmt.Errorf("board passenger %s: %w", passengerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLSource) AlightPassenger(ctx context.Context, passengerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE passengers SET status = 'alighted', vehicle_id = NULL, alighted_at = NOW()
		 WHERE id = $1 AND status = 'onboard'`, passengerID)
	if err != nil {
		return false, fmt.Errorf("alight passenger %s: %w", passengerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLSource) GetRouteDepotCoordinates(ctx context.Context, routeID string) (*DepotCoordinates, error) {
	q := `
SELECT d.latitude, d.longitude, d.name
FROM depots d
JOIN routes r ON r.depot_id = d.id
WHERE r.route_code = $1`
	var dc DepotCoordinates
	err := s.db.QueryRowContext(ctx, q, routeID).Scan(&dc.Latitude, &dc.Longitude, &dc.DepotName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query depot coordinates for %s: %w", routeID, err)
	}
	return &dc, nil
}
