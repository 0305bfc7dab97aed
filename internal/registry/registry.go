package registry

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Strategy is the fleet registry contract. Two interchangeable SQL
// strategies are provided so the simulation core never depends on which
// backing schema is in use.
type Strategy interface {
	GetVehicleAssignments(ctx context.Context) ([]VehicleAssignment, error)
	GetDriverAssignments(ctx context.Context) ([]DriverAssignment, error)
	GetAllDepotVehicles(ctx context.Context) ([]DepotVehicle, error)
	GetRouteInfo(ctx context.Context, routeCode string) (*RouteInfo, error)
}

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// WithDBName returns a DSN identical to the input but with the database
// path replaced. Supports postgres:// and postgresql:// schemes.
func WithDBName(dsn, database string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("empty DSN")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		if !strings.Contains(dsn, "://") {
			dsn = "postgres://" + dsn
			u, err = url.Parse(dsn)
			if err != nil {
				return "", err
			}
		}
	}
	if !strings.HasPrefix(database, "/") {
		u.Path = "/" + database
	} else {
		u.Path = database
	}
	return u.String(), nil
}

// NewStrategy selects a strategy by name ("legacy" or "relational").
func NewStrategy(kind string, db *sql.DB) (Strategy, error) {
	switch kind {
	case "legacy":
		return &LegacyStrategy{db: db}, nil
	case "", "relational":
		return &RelationalStrategy{db: db}, nil
	}
	return nil, fmt.Errorf("unknown registry strategy %q", kind)
}
