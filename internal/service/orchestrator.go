// Package service is the coordination core: the per-CP state machine, the
// session lifecycle and the watchdog. The Orchestrator is the single logical
// owner of CP and session state; every other component reads snapshots or
// requests mutations through it.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"evcentral/internal/metrics"
	"evcentral/internal/models"
	"evcentral/internal/repository"
	"evcentral/internal/secure"
	"evcentral/internal/wire"
)

var (
	// ErrUnknownCP reports an operation aimed at a CP Central has never seen.
	ErrUnknownCP = errors.New("service: unknown charging point")
	// ErrNoActiveSession reports a stop request for an idle CP.
	ErrNoActiveSession = errors.New("service: no active session")
)

// Publisher is the outbound half of the bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Recorder receives security-relevant decisions.
type Recorder interface {
	Event(event string, fields map[string]interface{})
}

// Mirror is the best-effort live-session cache. Failures are the caller's to
// log; the in-memory index stays authoritative.
type Mirror interface {
	SetActive(ctx context.Context, sess models.Session) error
	Clear(ctx context.Context, sessionID string) error
}

// Topics names the three logical bus topics.
type Topics struct {
	Commands  string
	Sessions  string
	Telemetry string
}

// AuthResult is the outcome of one start request.
type AuthResult struct {
	OK        bool
	SessionID string
	Price     float64
	Reason    string
}

// Deps carries the orchestrator's collaborators. Audit, Metrics and Mirror
// may be nil.
type Deps struct {
	Log     *zap.Logger
	Store   repository.Store
	Bus     Publisher
	Channel *secure.Channel
	Audit   Recorder
	Metrics *metrics.Metrics
	Mirror  Mirror
	Topics  Topics
}

type Orchestrator struct {
	log     *zap.Logger
	store   repository.Store
	bus     Publisher
	channel *secure.Channel
	audit   Recorder
	metrics *metrics.Metrics
	mirror  Mirror
	topics  Topics

	cps      *CPState
	sessions *SessionStore

	driverMu sync.RWMutex
	drivers  map[string]struct{}

	now func() time.Time
}

func NewOrchestrator(deps Deps) *Orchestrator {
	return &Orchestrator{
		log:      deps.Log,
		store:    deps.Store,
		bus:      deps.Bus,
		channel:  deps.Channel,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		mirror:   deps.Mirror,
		topics:   deps.Topics,
		cps:      NewCPState(),
		sessions: NewSessionStore(),
		drivers:  make(map[string]struct{}),
		now:      time.Now,
	}
}

// CPs exposes the CP directory for snapshot consumers.
func (o *Orchestrator) CPs() *CPState { return o.cps }

// Sessions exposes the live session index for snapshot consumers.
func (o *Orchestrator) Sessions() *SessionStore { return o.sessions }

// Drivers returns the known driver ids.
func (o *Orchestrator) Drivers() []string {
	o.driverMu.RLock()
	defer o.driverMu.RUnlock()
	out := make([]string, 0, len(o.drivers))
	for id := range o.drivers {
		out = append(out, id)
	}
	return out
}

// Recover rehydrates in-memory state from durable storage. It runs before any
// listener opens: CPs come back DISCONNECTED until their monitor reports in,
// sessions without a close record come back live with the CP busy.
func (o *Orchestrator) Recover(ctx context.Context) error {
	cps, err := o.store.LoadAllCPs(ctx)
	if err != nil {
		return fmt.Errorf("load charging points: %w", err)
	}
	for _, row := range cps {
		rec := o.cps.getOrCreate(models.CanonicalCPID(row.CPID))
		rec.mu.Lock()
		rec.location = row.Location
		rec.price = row.Price
		rec.connected = false
		rec.recompute()
		rec.mu.Unlock()

		if key, err := o.store.GetOrIssueDeviceKey(ctx, rec.cpID); err == nil {
			o.channel.Keys().Put(rec.cpID, key)
		} else {
			o.log.Debug("no device key preloaded", zap.String("cp", rec.cpID), zap.Error(err))
		}
	}

	drivers, err := o.store.LoadAllDrivers(ctx)
	if err != nil {
		return fmt.Errorf("load drivers: %w", err)
	}
	o.driverMu.Lock()
	for _, id := range drivers {
		o.drivers[id] = struct{}{}
	}
	o.driverMu.Unlock()

	open, err := o.store.LoadOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("load open sessions: %w", err)
	}
	for _, row := range open {
		cpID := models.CanonicalCPID(row.CPID)
		rec := o.cps.getOrCreate(cpID)
		rec.mu.Lock()
		if rec.price == 0 {
			rec.price = row.Price
		}
		rec.connected = true
		rec.busy = true
		rec.supplying = false
		rec.session = row.SessionID
		rec.recompute()
		rec.mu.Unlock()

		o.sessions.put(models.Session{
			SessionID: row.SessionID,
			CPID:      cpID,
			DriverID:  row.DriverID,
			StartedAt: row.StartedAt,
		})
		if o.metrics != nil {
			o.metrics.ActiveSessions.Inc()
		}
	}
	o.log.Info("state recovered",
		zap.Int("cps", len(cps)),
		zap.Int("drivers", len(drivers)),
		zap.Int("openSessions", len(open)))
	return nil
}

// Register creates or refreshes a CP's static attributes and marks it ready.
func (o *Orchestrator) Register(ctx context.Context, cpID, location string, price float64) models.ChargingPoint {
	cpID = models.CanonicalCPID(cpID)
	rec := o.cps.getOrCreate(cpID)

	rec.mu.Lock()
	rec.location = location
	rec.price = price
	rec.connected = true
	rec.healthy = true
	rec.lastHeartbeat = o.now()
	rec.recompute()
	snap := rec.snapshot()
	rec.mu.Unlock()

	if err := o.store.UpsertCP(ctx, cpID, location, price); err != nil {
		o.log.Error("cp upsert failed", zap.String("cp", cpID), zap.Error(err))
	}
	o.record("cp_registered", map[string]interface{}{"cp": cpID, "loc": location, "price": price})
	return snap
}

// Heartbeat applies one monitor health report. ok=false flags the device
// faulted and requests termination of any session it carries; a pause hold
// still wins the display state.
func (o *Orchestrator) Heartbeat(ctx context.Context, cpID string, ok bool) {
	cpID = models.CanonicalCPID(cpID)
	rec := o.cps.get(cpID)
	if rec == nil {
		o.log.Warn("heartbeat for unknown cp dropped", zap.String("cp", cpID))
		return
	}

	rec.mu.Lock()
	wasHealthy := rec.healthy
	rec.lastHeartbeat = o.now()
	rec.connected = true
	rec.healthy = ok
	rec.recompute()
	hasSession := rec.session != ""
	rec.mu.Unlock()

	if wasHealthy && !ok {
		o.record("cp_faulted", map[string]interface{}{"cp": cpID})
		if hasSession {
			if err := o.RequestStop(ctx, cpID, "fault"); err != nil && !errors.Is(err, ErrNoActiveSession) {
				o.log.Warn("fault stop request failed", zap.String("cp", cpID), zap.Error(err))
			}
		}
	}
}

// Authorize runs the gate and, when it holds, reserves the CP and opens a
// session. The reservation is one critical section on the CP record; the
// start command, the session-start notice and the reply go out after it.
func (o *Orchestrator) Authorize(ctx context.Context, driverID, cpID string) AuthResult {
	driverID = strings.TrimSpace(driverID)
	cpID = models.CanonicalCPID(cpID)

	if driverID == "" {
		return o.deny(ctx, driverID, cpID, models.DenyDriverInvalid)
	}
	o.ensureDriver(ctx, driverID)

	rec := o.cps.get(cpID)
	if rec == nil {
		return o.deny(ctx, driverID, cpID, models.DenyUnknownCP)
	}

	rec.mu.Lock()
	var reason string
	switch {
	case rec.weatherAlert:
		reason = models.DenyWeatherAlert
	case !rec.healthy:
		reason = models.DenyFaulted
	case !rec.connected:
		reason = models.DenyDisconnected
	case rec.manuallyPaused:
		reason = models.DenyPaused
	case rec.busy:
		reason = models.DenyOccupied
	}
	if reason != "" {
		rec.mu.Unlock()
		return o.deny(ctx, driverID, cpID, reason)
	}

	now := o.now()
	sess := models.Session{
		SessionID: newSessionID(now),
		CPID:      cpID,
		DriverID:  driverID,
		StartedAt: now,
	}
	price := rec.price
	rec.busy = true
	rec.supplying = false
	rec.session = sess.SessionID
	rec.recompute()
	o.sessions.put(sess)
	if err := o.store.OpenSession(ctx, sess.SessionID, cpID, driverID, price, now); err != nil {
		o.log.Error("open session not persisted", zap.String("session", sess.SessionID), zap.Error(err))
	}
	rec.mu.Unlock()

	o.sendCommand(ctx, wire.Command{
		Type:    wire.TypeCmd,
		Cmd:     wire.CmdStartSupply,
		CP:      cpID,
		Session: sess.SessionID,
		Price:   price,
		Driver:  driverID,
		Src:     wire.SrcCentral,
		TS:      now.UnixMilli(),
	})
	o.publish(ctx, o.topics.Sessions, wire.SessionEvent{
		Type:    wire.TypeSessionStart,
		Session: sess.SessionID,
		CP:      cpID,
		Driver:  driverID,
		Price:   price,
		Src:     wire.SrcCentral,
		TS:      now.UnixMilli(),
	})
	o.publish(ctx, o.topics.Sessions, wire.AuthReply{
		Type:    wire.TypeAuth,
		OK:      true,
		Driver:  driverID,
		CP:      cpID,
		Session: sess.SessionID,
		Price:   price,
		TS:      now.UnixMilli(),
	})
	if o.mirror != nil {
		if err := o.mirror.SetActive(ctx, sess); err != nil {
			o.log.Warn("session mirror update failed", zap.Error(err))
		}
	}
	o.record("authorization_granted", map[string]interface{}{
		"cp": cpID, "driver": driverID, "session": sess.SessionID,
	})
	if o.metrics != nil {
		o.metrics.AuthorizationsGranted.Inc()
		o.metrics.ActiveSessions.Inc()
	}
	return AuthResult{OK: true, SessionID: sess.SessionID, Price: price}
}

func (o *Orchestrator) deny(ctx context.Context, driverID, cpID, reason string) AuthResult {
	o.publish(ctx, o.topics.Sessions, wire.AuthReply{
		Type:   wire.TypeAuth,
		OK:     false,
		Driver: driverID,
		CP:     cpID,
		Reason: reason,
		TS:     o.now().UnixMilli(),
	})
	o.record("authorization_denied", map[string]interface{}{
		"cp": cpID, "driver": driverID, "reason": reason,
	})
	if o.metrics != nil {
		o.metrics.AuthorizationsDenied.WithLabelValues(reason).Inc()
	}
	return AuthResult{Reason: reason}
}

// HandleTelemetry overwrites a live session's cumulative totals and flips the
// CP to SUPPLYING on the first report.
func (o *Orchestrator) HandleTelemetry(ctx context.Context, t *wire.Telemetry) {
	cpID := models.CanonicalCPID(t.CP)
	rec := o.cps.get(cpID)
	if rec == nil {
		o.log.Debug("telemetry for unknown cp dropped", zap.String("cp", cpID))
		return
	}

	rec.mu.Lock()
	if rec.session != t.Session {
		rec.mu.Unlock()
		o.log.Debug("telemetry for stale session dropped",
			zap.String("cp", cpID), zap.String("session", t.Session))
		return
	}
	sess, accepted := o.sessions.updateTotals(t.Session, t.KWh, t.EUR)
	if !rec.supplying {
		rec.supplying = true
		rec.recompute()
	}
	rec.mu.Unlock()

	if !accepted {
		o.log.Warn("telemetry below accumulated totals dropped",
			zap.String("session", t.Session), zap.Float64("kwh", t.KWh))
		return
	}
	if o.mirror != nil {
		if err := o.mirror.SetActive(ctx, sess); err != nil {
			o.log.Warn("session mirror update failed", zap.Error(err))
		}
	}
}

// HandleEngineEvent applies plug/charging/stop-ack notifications.
func (o *Orchestrator) HandleEngineEvent(ctx context.Context, ev *wire.SessionEvent) {
	cpID := models.CanonicalCPID(ev.CP)
	switch ev.Type {
	case wire.TypeSessionEnd:
		o.HandleSessionEnd(ctx, ev)
	case wire.TypeWaitingPlug, wire.TypeChargingStarted:
		rec := o.cps.get(cpID)
		if rec == nil {
			return
		}
		rec.mu.Lock()
		if rec.session == ev.Session {
			rec.supplying = ev.Type == wire.TypeChargingStarted
			rec.recompute()
		}
		rec.mu.Unlock()
	case wire.TypeStopAck:
		o.log.Info("stop acknowledged", zap.String("cp", cpID), zap.String("session", ev.Session))
	default:
		o.log.Debug("session event ignored", zap.String("type", ev.Type))
	}
}

// HandleSessionEnd closes a session: exactly one close record, exactly one
// ticket. A second end for the same id finds nothing live and does nothing.
func (o *Orchestrator) HandleSessionEnd(ctx context.Context, ev *wire.SessionEvent) {
	sess, ok := o.sessions.Get(ev.Session)
	if !ok {
		o.log.Debug("end for unknown session ignored", zap.String("session", ev.Session))
		return
	}
	rec := o.cps.get(sess.CPID)
	if rec == nil {
		o.log.Warn("session references unknown cp", zap.String("session", ev.Session))
		return
	}

	rec.mu.Lock()
	if rec.session != ev.Session {
		rec.mu.Unlock()
		o.log.Debug("end for stale session ignored", zap.String("session", ev.Session))
		return
	}

	kwh, eur := sess.KWh, sess.EUR
	if ev.KWh > kwh {
		kwh = ev.KWh
	}
	if ev.EUR > eur {
		eur = ev.EUR
	}
	reason := models.CloseReasonOK
	if o.sessions.takeStopRequested(ev.Session) {
		reason = models.CloseReasonStopRequested
	} else if ev.Reason != "" {
		reason = ev.Reason
	}

	endedAt := o.now()
	if err := o.store.CloseSession(ctx, ev.Session, endedAt, reason, kwh, eur); err != nil {
		o.log.Error("close record not persisted", zap.String("session", ev.Session), zap.Error(err))
	}
	o.sessions.remove(ev.Session)
	rec.busy = false
	rec.supplying = false
	rec.session = ""
	rec.recompute()
	rec.mu.Unlock()

	ticket := wire.SessionEvent{
		Type:    wire.TypeTicket,
		Session: ev.Session,
		CP:      sess.CPID,
		Driver:  sess.DriverID,
		KWh:     kwh,
		EUR:     eur,
		Reason:  reason,
		Src:     wire.SrcCentral,
		TS:      endedAt.UnixMilli(),
	}
	o.publish(ctx, o.topics.Sessions, ticket)
	if o.mirror != nil {
		if err := o.mirror.Clear(ctx, ev.Session); err != nil {
			o.log.Warn("session mirror clear failed", zap.Error(err))
		}
	}
	o.record("session_closed", map[string]interface{}{
		"cp": sess.CPID, "session": ev.Session, "reason": reason, "kwh": kwh, "eur": eur,
	})
	if o.metrics != nil {
		o.metrics.ActiveSessions.Dec()
		o.metrics.SessionsClosed.WithLabelValues(reason).Inc()
	}
}

// RequestStop marks the CP's active session as stop-requested and sends an
// encrypted stop command. The stop is advisory: the session leaves the index
// only when the engine reports its end.
func (o *Orchestrator) RequestStop(ctx context.Context, cpID, via string) error {
	cpID = models.CanonicalCPID(cpID)
	rec := o.cps.get(cpID)
	if rec == nil {
		return ErrUnknownCP
	}
	rec.mu.Lock()
	sessionID := rec.session
	rec.mu.Unlock()
	if sessionID == "" {
		return ErrNoActiveSession
	}

	o.sessions.markStopRequested(sessionID)
	o.sendCommand(ctx, wire.Command{
		Type:    wire.TypeCmd,
		Cmd:     wire.CmdStopSupply,
		CP:      cpID,
		Session: sessionID,
		Src:     wire.SrcCentral,
		TS:      o.now().UnixMilli(),
	})
	o.record("stop_requested", map[string]interface{}{"cp": cpID, "session": sessionID, "via": via})
	return nil
}

// Pause places an administrative hold. An active session gets a stop request;
// the hold itself only gates new authorizations.
func (o *Orchestrator) Pause(ctx context.Context, cpID string) error {
	cpID = models.CanonicalCPID(cpID)
	rec := o.cps.get(cpID)
	if rec == nil {
		return ErrUnknownCP
	}
	rec.mu.Lock()
	rec.manuallyPaused = true
	rec.recompute()
	hasSession := rec.session != ""
	rec.mu.Unlock()

	if hasSession {
		if err := o.RequestStop(ctx, cpID, "pause"); err != nil && !errors.Is(err, ErrNoActiveSession) {
			return err
		}
	}
	o.record("cp_paused", map[string]interface{}{"cp": cpID})
	return nil
}

// Resume lifts the administrative hold. ACTIVE comes back only when the CP is
// simultaneously healthy, connected and free of weather alerts.
func (o *Orchestrator) Resume(ctx context.Context, cpID string) error {
	cpID = models.CanonicalCPID(cpID)
	rec := o.cps.get(cpID)
	if rec == nil {
		return ErrUnknownCP
	}
	rec.mu.Lock()
	rec.manuallyPaused = false
	rec.recompute()
	rec.mu.Unlock()

	o.record("cp_resumed", map[string]interface{}{"cp": cpID})
	return nil
}

// ApplyWeather ingests one sample. Setting the alert while a session is
// active requests its termination; clearing it restores ACTIVE under the same
// rule Resume uses.
func (o *Orchestrator) ApplyWeather(ctx context.Context, cpID string, tempC float64, alert bool) error {
	cpID = models.CanonicalCPID(cpID)
	rec := o.cps.get(cpID)
	if rec == nil {
		return ErrUnknownCP
	}
	rec.mu.Lock()
	temp := tempC
	rec.lastTempC = &temp
	wasAlert := rec.weatherAlert
	rec.weatherAlert = alert
	rec.recompute()
	hasSession := rec.session != ""
	rec.mu.Unlock()

	if alert && hasSession {
		if err := o.RequestStop(ctx, cpID, "weather"); err != nil && !errors.Is(err, ErrNoActiveSession) {
			return err
		}
	}
	if alert != wasAlert {
		event := "weather_alert_set"
		if !alert {
			event = "weather_alert_cleared"
		}
		o.record(event, map[string]interface{}{"cp": cpID, "tempC": tempC})
	}
	return nil
}

// RelaySupply forwards a driver's pause/resume toward the CP's engine.
func (o *Orchestrator) RelaySupply(ctx context.Context, cpID, verb string) {
	cpID = models.CanonicalCPID(cpID)
	rec := o.cps.get(cpID)
	if rec == nil {
		o.log.Debug("relay for unknown cp dropped", zap.String("cp", cpID))
		return
	}
	rec.mu.Lock()
	sessionID := rec.session
	rec.mu.Unlock()
	if sessionID == "" {
		o.log.Debug("relay for idle cp dropped", zap.String("cp", cpID), zap.String("cmd", verb))
		return
	}
	o.sendCommand(ctx, wire.Command{
		Type:    wire.TypeCmd,
		Cmd:     verb,
		CP:      cpID,
		Session: sessionID,
		Src:     wire.SrcCentral,
		TS:      o.now().UnixMilli(),
	})
}

func (o *Orchestrator) ensureDriver(ctx context.Context, driverID string) {
	o.driverMu.Lock()
	_, known := o.drivers[driverID]
	o.drivers[driverID] = struct{}{}
	o.driverMu.Unlock()
	if known {
		return
	}
	if err := o.store.EnsureDriver(ctx, driverID); err != nil {
		o.log.Error("driver not persisted", zap.String("driver", driverID), zap.Error(err))
	}
}

// sendCommand encrypts a command for its CP. Without key material the command
// goes out plaintext with a warning: degraded but observable.
func (o *Orchestrator) sendCommand(ctx context.Context, cmd wire.Command) {
	env, err := o.channel.Seal(cmd.CP, cmd)
	if err != nil {
		if errors.Is(err, secure.ErrNoKey) {
			o.log.Warn("no device key, sending plaintext", zap.String("cp", cmd.CP), zap.String("cmd", cmd.Cmd))
			o.publish(ctx, o.topics.Commands, cmd)
			return
		}
		o.log.Error("command not sealed", zap.String("cp", cmd.CP), zap.Error(err))
		return
	}
	o.publish(ctx, o.topics.Commands, env)
}

func (o *Orchestrator) publish(ctx context.Context, topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		o.log.Error("message not serializable", zap.Error(err))
		return
	}
	if err := o.bus.Publish(ctx, topic, payload); err != nil {
		o.log.Error("bus publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (o *Orchestrator) record(event string, fields map[string]interface{}) {
	if o.audit != nil {
		o.audit.Event(event, fields)
	}
}

func newSessionID(now time.Time) string {
	return fmt.Sprintf("S-%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
