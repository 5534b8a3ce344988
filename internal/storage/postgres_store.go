package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveOrder(ctx context.Context, o *models.Order) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders(id, client_id, driver_id, origin_lat, origin_lon, dest_lat, dest_lon, driver_type, fare_amount, currency, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO NOTHING`,
		o.ID, o.ClientID, o.DriverID, o.Origin.Lat, o.Origin.Lon, o.Destination.Lat, o.Destination.Lon, o.DriverType, o.FareAmount, o.Currency, o.Status, o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	_, err := p.db.ExecContext(ctx, `UPDATE orders SET driver_id=$1, status=$2, updated_at=$3 WHERE id=$4`,
		o.DriverID, o.Status, time.Now(), o.ID)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
