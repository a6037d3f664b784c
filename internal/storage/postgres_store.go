package storage

import (
	"context"
	"database/sql"

	_ "github.com/lib/pq"
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

func (p *PostgresStore) ArchiveSession(ctx context.Context, s ArchivedSession) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO dispatch_sessions(id, request_id, rider_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, service_type, status, reason, assigned_driver_id, created_at, ended_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (id) DO NOTHING`,
		s.ID, s.RequestID, s.RiderID, s.Pickup.Lat, s.Pickup.Lon, s.Dropoff.Lat, s.Dropoff.Lon,
		string(s.ServiceType), s.Status, s.Reason, s.AssignedDriverID, s.CreatedAt, s.EndedAt)
	if err != nil {
		return err
	}
	for _, o := range s.Offers {
		_, err = tx.ExecContext(ctx, `INSERT INTO dispatch_offers(offer_id, session_id, driver_id, issued_at, expires_at, result)
			VALUES($1,$2,$3,$4,$5,$6)
			ON CONFLICT (offer_id) DO NOTHING`,
			o.OfferID, o.SessionID, o.DriverID, o.IssuedAt, o.ExpiresAt, string(o.Result))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
