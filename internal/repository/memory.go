package repository

import (
	"context"
	"sync"
	"time"
)

type memorySession struct {
	OpenSessionRecord
	ended  bool
	reason string
	kwh    float64
	eur    float64
}

type memoryDevice struct {
	location   string
	secretHash string
	active     bool
	key        []byte
}

// Memory is the in-process Store used when durable storage is unreachable at
// boot, and as the test double. All operations succeed; nothing survives a
// restart.
type Memory struct {
	mu       sync.Mutex
	cps      map[string]CPRecord
	drivers  map[string]struct{}
	sessions map[string]*memorySession
	devices  map[string]*memoryDevice
}

func NewMemory() *Memory {
	return &Memory{
		cps:      make(map[string]CPRecord),
		drivers:  make(map[string]struct{}),
		sessions: make(map[string]*memorySession),
		devices:  make(map[string]*memoryDevice),
	}
}

func (m *Memory) UpsertCP(_ context.Context, cpID, location string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cps[cpID] = CPRecord{CPID: cpID, Location: location, Price: price}
	return nil
}

func (m *Memory) LoadAllCPs(_ context.Context) ([]CPRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CPRecord, 0, len(m.cps))
	for _, rec := range m.cps {
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) LoadAllDrivers(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.drivers))
	for id := range m.drivers {
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) EnsureDriver(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driverID] = struct{}{}
	return nil
}

func (m *Memory) OpenSession(_ context.Context, sessionID, cpID, driverID string, price float64, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; ok {
		return nil
	}
	m.sessions[sessionID] = &memorySession{
		OpenSessionRecord: OpenSessionRecord{
			SessionID: sessionID,
			CPID:      cpID,
			DriverID:  driverID,
			Price:     price,
			StartedAt: startedAt,
		},
	}
	return nil
}

func (m *Memory) CloseSession(_ context.Context, sessionID string, _ time.Time, reason string, kwh, eur float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok || sess.ended {
		return nil
	}
	sess.ended = true
	sess.reason = reason
	sess.kwh = kwh
	sess.eur = eur
	return nil
}

func (m *Memory) LoadOpenSessions(_ context.Context) ([]OpenSessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OpenSessionRecord
	for _, sess := range m.sessions {
		if !sess.ended {
			out = append(out, sess.OpenSessionRecord)
		}
	}
	return out, nil
}

func (m *Memory) LookupDeviceSecretAndStatus(_ context.Context, cpID string) (*DeviceAuth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[cpID]
	if !ok {
		return nil, nil
	}
	return &DeviceAuth{SecretHash: dev.secretHash, Active: dev.active}, nil
}

func (m *Memory) GetOrIssueDeviceKey(_ context.Context, cpID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[cpID]
	if !ok {
		dev = &memoryDevice{active: true}
		m.devices[cpID] = dev
	}
	if len(dev.key) == 0 {
		key, err := generateDeviceKey()
		if err != nil {
			return nil, err
		}
		dev.key = key
	}
	return dev.key, nil
}

func (m *Memory) RegisterDeviceSecret(_ context.Context, cpID, location, secretHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[cpID]
	if !ok {
		dev = &memoryDevice{}
		m.devices[cpID] = dev
	}
	dev.location = location
	dev.secretHash = secretHash
	dev.active = true
	return nil
}

// CloseRecord is a test hook: it reports the terminal record for a session id.
func (m *Memory) CloseRecord(sessionID string) (reason string, kwh, eur float64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, found := m.sessions[sessionID]
	if !found || !sess.ended {
		return "", 0, 0, false
	}
	return sess.reason, sess.kwh, sess.eur, true
}
