package repository

import (
	"context"
	"time"
)

// CPRecord is a charging point row as durable storage knows it.
type CPRecord struct {
	CPID     string
	Location string
	Price    float64
}

// OpenSessionRecord is a session row with no recorded end time.
type OpenSessionRecord struct {
	SessionID string
	CPID      string
	DriverID  string
	Price     float64
	StartedAt time.Time
}

// DeviceAuth is the registered credential state of one device.
type DeviceAuth struct {
	SecretHash string
	Active     bool
}

// Store is the durable-storage contract Central requires. Implementations:
// Postgres for normal operation, Memory when no database is reachable at
// boot. Every call is individually guarded by the caller; a failure never
// rolls back in-memory state.
type Store interface {
	UpsertCP(ctx context.Context, cpID, location string, price float64) error
	LoadAllCPs(ctx context.Context) ([]CPRecord, error)

	LoadAllDrivers(ctx context.Context) ([]string, error)
	EnsureDriver(ctx context.Context, driverID string) error

	OpenSession(ctx context.Context, sessionID, cpID, driverID string, price float64, startedAt time.Time) error
	CloseSession(ctx context.Context, sessionID string, endedAt time.Time, reason string, kwh, eur float64) error
	LoadOpenSessions(ctx context.Context) ([]OpenSessionRecord, error)

	LookupDeviceSecretAndStatus(ctx context.Context, cpID string) (*DeviceAuth, error)
	GetOrIssueDeviceKey(ctx context.Context, cpID string) ([]byte, error)
	RegisterDeviceSecret(ctx context.Context, cpID, location, secretHash string) error
}
