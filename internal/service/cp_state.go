package service

import (
	"sort"
	"sync"
	"time"

	"evcentral/internal/models"
)

// cpRecord is the live state of one charging point. Every mutation happens
// while holding the record's own mutex; two different CPs never contend.
type cpRecord struct {
	mu sync.Mutex

	cpID     string
	location string
	price    float64

	status        models.CPStatus
	lastHeartbeat time.Time

	connected      bool
	healthy        bool
	busy           bool
	supplying      bool
	manuallyPaused bool
	weatherAlert   bool
	lastTempC      *float64
	session        string
}

// recompute derives the display status from the flags. Pause holds win over
// a fault report; a lost connection wins over everything. Caller holds r.mu.
func (r *cpRecord) recompute() {
	switch {
	case !r.connected:
		r.status = models.StatusDisconnected
	case r.manuallyPaused || r.weatherAlert:
		r.status = models.StatusPaused
	case !r.healthy:
		r.status = models.StatusFaulted
	case r.busy && r.supplying:
		r.status = models.StatusSupplying
	case r.busy:
		r.status = models.StatusAwaitingPlug
	default:
		r.status = models.StatusActive
	}
}

// snapshot copies the record for read-only consumers. Caller holds r.mu.
func (r *cpRecord) snapshot() models.ChargingPoint {
	cp := models.ChargingPoint{
		CPID:           r.cpID,
		Location:       r.location,
		PricePerKWh:    r.price,
		Status:         r.status,
		LastHeartbeat:  r.lastHeartbeat,
		Busy:           r.busy,
		ManuallyPaused: r.manuallyPaused,
		WeatherAlert:   r.weatherAlert,
		ActiveSession:  r.session,
	}
	if r.lastTempC != nil {
		temp := *r.lastTempC
		cp.LastKnownTempC = &temp
	}
	return cp
}

// CPState is the directory of known charging points. The outer map is guarded
// by its own RWMutex; records are never removed once created.
type CPState struct {
	mu  sync.RWMutex
	cps map[string]*cpRecord
}

func NewCPState() *CPState {
	return &CPState{cps: make(map[string]*cpRecord)}
}

func (s *CPState) get(cpID string) *cpRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cps[cpID]
}

func (s *CPState) getOrCreate(cpID string) *cpRecord {
	s.mu.RLock()
	rec := s.cps[cpID]
	s.mu.RUnlock()
	if rec != nil {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.cps[cpID]; rec != nil {
		return rec
	}
	rec = &cpRecord{cpID: cpID, healthy: true, status: models.StatusDisconnected}
	s.cps[cpID] = rec
	return rec
}

func (s *CPState) all() []*cpRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*cpRecord, 0, len(s.cps))
	for _, rec := range s.cps {
		out = append(out, rec)
	}
	return out
}

// Snapshot returns a copy of every CP record, ordered by id.
func (s *CPState) Snapshot() []models.ChargingPoint {
	records := s.all()
	out := make([]models.ChargingPoint, 0, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		out = append(out, rec.snapshot())
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CPID < out[j].CPID })
	return out
}
