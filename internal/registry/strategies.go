package registry

import (
	"context"
	"database/sql"
	"fmt"
)

// RelationalStrategy reads the current, relationship-normalized schema:
// assignments join vehicles, routes and drivers through explicit link
// tables.
type RelationalStrategy struct {
	db *sql.DB
}

func (s *RelationalStrategy) GetVehicleAssignments(ctx context.Context) ([]VehicleAssignment, error) {
	q := `
SELECT v.id, v.registration, r.route_code, v.capacity, COALESCE(v.depot_id::text, ''),
       COALESCE(d.id::text, ''), COALESCE(d.first_name, ''), COALESCE(d.last_name, ''),
       COALESCE(v.cruise_speed_kmh, 0)
FROM vehicle_assignments va
JOIN vehicles v ON v.id = va.vehicle_id
JOIN routes r ON r.id = va.route_id
LEFT JOIN driver_assignments da ON da.vehicle_id = v.id
LEFT JOIN drivers d ON d.id = da.driver_id
WHERE va.active`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query vehicle assignments: %w", err)
	}
	defer rows.Close()
	var out []VehicleAssignment
	for rows.Next() {
		var a VehicleAssignment
		if err := rows.Scan(&a.VehicleID, &a.VehicleReg, &a.RouteCode, &a.Capacity,
			&a.DepotID, &a.DriverID, &a.DriverFirst, &a.DriverLast, &a.SpeedKmh); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *RelationalStrategy) GetDriverAssignments(ctx context.Context) ([]DriverAssignment, error) {
	q := `
SELECT d.id, d.first_name, d.last_name, da.vehicle_id
FROM driver_assignments da
JOIN drivers d ON d.id = da.driver_id
WHERE da.active`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query driver assignments: %w", err)
	}
	defer rows.Close()
	var out []DriverAssignment
	for rows.Next() {
		var a DriverAssignment
		if err := rows.Scan(&a.DriverID, &a.FirstName, &a.LastName, &a.VehicleID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *RelationalStrategy) GetAllDepotVehicles(ctx context.Context) ([]DepotVehicle, error) {
	q := `
SELECT v.id, v.registration, v.depot_id::text, COALESCE(r.route_code, '')
FROM vehicles v
LEFT JOIN vehicle_assignments va ON va.vehicle_id = v.id AND va.active
LEFT JOIN routes r ON r.id = va.route_id
WHERE v.depot_id IS NOT NULL`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query depot vehicles: %w", err)
	}
	defer rows.Close()
	var out []DepotVehicle
	for rows.Next() {
		var v DepotVehicle
		if err := rows.Scan(&v.VehicleID, &v.VehicleReg, &v.DepotID, &v.RouteCode); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *RelationalStrategy) GetRouteInfo(ctx context.Context, routeCode string) (*RouteInfo, error) {
	q := `
SELECT r.route_code, COALESCE(r.name, ''), COALESCE(r.depot_id::text, ''),
       ST_AsGeoJSON(r.geometry)
FROM routes r
WHERE r.route_code = $1`
	var info RouteInfo
	var raw []byte
	err := s.db.QueryRowContext(ctx, q, routeCode).Scan(&info.RouteCode, &info.Name, &info.DepotID, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query route info %s: %w", routeCode, err)
	}
	ls, err := parseGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("route %s geometry: %w", routeCode, err)
	}
	info.Geometry = ls
	return &info, nil
}

// LegacyStrategy reads the flat legacy schema where assignment columns
// live directly on the vehicles and routes tables.
type LegacyStrategy struct {
	db *sql.DB
}

func (s *LegacyStrategy) GetVehicleAssignments(ctx context.Context) ([]VehicleAssignment, error) {
	q := `
SELECT v.id, v.reg_number, v.route_code, v.seats, COALESCE(v.depot, ''),
       COALESCE(v.driver_id::text, ''), COALESCE(v.driver_first_name, ''),
       COALESCE(v.driver_last_name, ''), COALESCE(v.speed_kmh, 0)
FROM vehicles v
WHERE v.route_code IS NOT NULL AND v.route_code <> ''`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query vehicle assignments (legacy): %w", err)
	}
	defer rows.Close()
	var out []VehicleAssignment
	for rows.Next() {
		var a VehicleAssignment
		if err := rows.Scan(&a.VehicleID, &a.VehicleReg, &a.RouteCode, &a.Capacity,
			&a.DepotID, &a.DriverID, &a.DriverFirst, &a.DriverLast, &a.SpeedKmh); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *LegacyStrategy) GetDriverAssignments(ctx context.Context) ([]DriverAssignment, error) {
	q := `
SELECT v.driver_id::text, COALESCE(v.driver_first_name, ''),
       COALESCE(v.driver_last_name, ''), v.id
FROM vehicles v
WHERE v.driver_id IS NOT NULL`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query driver assignments (legacy): %w", err)
	}
	defer rows.Close()
	var out []DriverAssignment
	for rows.Next() {
		var a DriverAssignment
		if err := rows.Scan(&a.DriverID, &a.FirstName, &a.LastName, &a.VehicleID); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *LegacyStrategy) GetAllDepotVehicles(ctx context.Context) ([]DepotVehicle, error) {
	q := `
SELECT v.id, v.reg_number, COALESCE(v.depot, ''), COALESCE(v.route_code, '')
FROM vehicles v
WHERE v.depot IS NOT NULL AND v.depot <> ''`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query depot vehicles (legacy): %w", err)
	}
	defer rows.Close()
	var out []DepotVehicle
	for rows.Next() {
		var v DepotVehicle
		if err := rows.Scan(&v.VehicleID, &v.VehicleReg, &v.DepotID, &v.RouteCode); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *LegacyStrategy) GetRouteInfo(ctx context.Context, routeCode string) (*RouteInfo, error) {
	q := `
SELECT route_code, COALESCE(route_name, ''), COALESCE(depot, ''), geometry_geojson
FROM route_geometries
WHERE route_code = $1`
	var info RouteInfo
	var raw []byte
	err := s.db.QueryRowContext(ctx, q, routeCode).Scan(&info.RouteCode, &info.Name, &info.DepotID, &raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query route info %s (legacy): %w", routeCode, err)
	}
	ls, err := parseGeometry(raw)
	if err != nil {
		return nil, fmt.Errorf("route %s geometry: %w", routeCode, err)
	}
	info.Geometry = ls
	return &info, nil
}
