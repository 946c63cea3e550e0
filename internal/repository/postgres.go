package repository

import (
	"context"
	"database/sql"
	"time"
)

// Postgres implements Store on a pgx/stdlib pool.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) UpsertCP(ctx context.Context, cpID, location string, price float64) error {
	const query = `
		INSERT INTO charging_points (cp_id, location, price_eur_kwh, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (cp_id) DO UPDATE SET
			location = EXCLUDED.location,
			price_eur_kwh = EXCLUDED.price_eur_kwh,
			updated_at = NOW()
	`
	_, err := p.db.ExecContext(ctx, query, cpID, location, price)
	return err
}

func (p *Postgres) LoadAllCPs(ctx context.Context) ([]CPRecord, error) {
	const query = `SELECT cp_id, location, price_eur_kwh FROM charging_points`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cps []CPRecord
	for rows.Next() {
		var rec CPRecord
		if err := rows.Scan(&rec.CPID, &rec.Location, &rec.Price); err != nil {
			return nil, err
		}
		cps = append(cps, rec)
	}
	return cps, rows.Err()
}

func (p *Postgres) LoadAllDrivers(ctx context.Context) ([]string, error) {
	const query = `SELECT driver_id FROM drivers`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drivers []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		drivers = append(drivers, id)
	}
	return drivers, rows.Err()
}

func (p *Postgres) EnsureDriver(ctx context.Context, driverID string) error {
	const query = `
		INSERT INTO drivers (driver_id, created_at)
		VALUES ($1, NOW())
		ON CONFLICT (driver_id) DO NOTHING
	`
	_, err := p.db.ExecContext(ctx, query, driverID)
	return err
}

func (p *Postgres) OpenSession(ctx context.Context, sessionID, cpID, driverID string, price float64, startedAt time.Time) error {
	const query = `
		INSERT INTO charging_sessions (session_id, cp_id, driver_id, price_eur_kwh, started_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO NOTHING
	`
	_, err := p.db.ExecContext(ctx, query, sessionID, cpID, driverID, price, startedAt.UTC())
	return err
}

// CloseSession writes the terminal record. The ended_at guard keeps the close
// idempotent: a second END for the same session updates nothing.
func (p *Postgres) CloseSession(ctx context.Context, sessionID string, endedAt time.Time, reason string, kwh, eur float64) error {
	const query = `
		UPDATE charging_sessions
		SET ended_at = $2, close_reason = $3, kwh = $4, eur = $5
		WHERE session_id = $1 AND ended_at IS NULL
	`
	_, err := p.db.ExecContext(ctx, query, sessionID, endedAt.UTC(), reason, kwh, eur)
	return err
}

func (p *Postgres) LoadOpenSessions(ctx context.Context) ([]OpenSessionRecord, error) {
	const query = `
		SELECT session_id, cp_id, driver_id, price_eur_kwh, started_at
		FROM charging_sessions
		WHERE ended_at IS NULL
	`
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []OpenSessionRecord
	for rows.Next() {
		var rec OpenSessionRecord
		if err := rows.Scan(&rec.SessionID, &rec.CPID, &rec.DriverID, &rec.Price, &rec.StartedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

func (p *Postgres) LookupDeviceSecretAndStatus(ctx context.Context, cpID string) (*DeviceAuth, error) {
	const query = `SELECT secret_hash, status FROM device_registry WHERE cp_id = $1`
	var auth DeviceAuth
	var status string
	err := p.db.QueryRowContext(ctx, query, cpID).Scan(&auth.SecretHash, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	auth.Active = status == "ACTIVE"
	return &auth, nil
}

func (p *Postgres) GetOrIssueDeviceKey(ctx context.Context, cpID string) ([]byte, error) {
	const selectQuery = `SELECT key_material FROM device_registry WHERE cp_id = $1`
	var key []byte
	err := p.db.QueryRowContext(ctx, selectQuery, cpID).Scan(&key)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if len(key) > 0 {
		return key, nil
	}

	key, err = generateDeviceKey()
	if err != nil {
		return nil, err
	}
	const updateQuery = `
		UPDATE device_registry
		SET key_material = $2, updated_at = NOW()
		WHERE cp_id = $1 AND key_material IS NULL
	`
	if _, err := p.db.ExecContext(ctx, updateQuery, cpID, key); err != nil {
		return nil, err
	}
	// A concurrent issuer may have won; read back the stored key.
	if err := p.db.QueryRowContext(ctx, selectQuery, cpID).Scan(&key); err != nil {
		return nil, err
	}
	return key, nil
}

func (p *Postgres) RegisterDeviceSecret(ctx context.Context, cpID, location, secretHash string) error {
	const query = `
		INSERT INTO device_registry (cp_id, location, secret_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'ACTIVE', NOW(), NOW())
		ON CONFLICT (cp_id) DO UPDATE SET
			location = EXCLUDED.location,
			secret_hash = EXCLUDED.secret_hash,
			status = 'ACTIVE',
			updated_at = NOW()
	`
	_, err := p.db.ExecContext(ctx, query, cpID, location, secretHash)
	return err
}
