package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"evcentral/internal/models"
	"evcentral/internal/repository"
	"evcentral/internal/secure"
	"evcentral/internal/wire"
)

var testTopics = Topics{
	Commands:  "ev.cmd.v1",
	Sessions:  "ev.sessions.v1",
	Telemetry: "ev.telemetry.v1",
}

type fakeBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func newFakeBus() *fakeBus {
	return &fakeBus{msgs: make(map[string][][]byte)}
}

func (b *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	b.msgs[topic] = append(b.msgs[topic], cp)
	return nil
}

func (b *fakeBus) byTopic(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.msgs[topic]...)
}

func (b *fakeBus) decoded(t *testing.T, topic string) []interface{} {
	t.Helper()
	var out []interface{}
	for _, raw := range b.byTopic(topic) {
		msg, err := wire.DecodeBusMessage(raw)
		if err != nil {
			t.Fatalf("decode bus message: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeBus, *repository.Memory) {
	t.Helper()
	bus := newFakeBus()
	store := repository.NewMemory()
	orch := NewOrchestrator(Deps{
		Log:     zap.NewNop(),
		Store:   store,
		Bus:     bus,
		Channel: secure.NewChannel(secure.NewKeyStore(), wire.SrcCentral),
		Topics:  testTopics,
	})
	return orch, bus, store
}

func cpStatus(t *testing.T, o *Orchestrator, cpID string) models.ChargingPoint {
	t.Helper()
	for _, cp := range o.CPs().Snapshot() {
		if cp.CPID == cpID {
			return cp
		}
	}
	t.Fatalf("cp %s not in snapshot", cpID)
	return models.ChargingPoint{}
}

func TestRegisterThenAuthorize(t *testing.T) {
	orch, bus, _ := newTestOrchestrator(t)
	ctx := context.Background()

	orch.Register(ctx, "cp-001", "Valencia", 0.35)
	if got := cpStatus(t, orch, "CP-001"); got.Status != models.StatusActive {
		t.Fatalf("status after register = %s, want ACTIVE", got.Status)
	}

	res := orch.Authorize(ctx, "D-1", "CP-001")
	if !res.OK || res.SessionID == "" || res.Price != 0.35 {
		t.Fatalf("unexpected authorization result %+v", res)
	}
	cp := cpStatus(t, orch, "CP-001")
	if cp.Status != models.StatusAwaitingPlug || !cp.Busy {
		t.Fatalf("cp after grant = %+v, want busy AWAITING_PLUG", cp)
	}

	var sawStart, sawReply bool
	for _, msg := range bus.decoded(t, testTopics.Sessions) {
		switch m := msg.(type) {
		case *wire.SessionEvent:
			if m.Type == wire.TypeSessionStart && m.Session == res.SessionID {
				sawStart = true
			}
		case *wire.AuthReply:
			if m.OK && m.Session == res.SessionID && m.Driver == "D-1" {
				sawReply = true
			}
		}
	}
	if !sawStart || !sawReply {
		t.Fatalf("missing session notices: start=%v reply=%v", sawStart, sawReply)
	}

	cmds := bus.decoded(t, testTopics.Commands)
	if len(cmds) != 1 {
		t.Fatalf("expected one start command, got %d", len(cmds))
	}
	cmd, ok := cmds[0].(*wire.Command)
	if !ok || cmd.Cmd != wire.CmdStartSupply || cmd.Session != res.SessionID {
		t.Fatalf("unexpected start command %+v", cmds[0])
	}
}

func TestAuthorizeEncryptsWithDeviceKey(t *testing.T) {
	orch, bus, _ := newTestOrchestrator(t)
	ctx := context.Background()

	key, err := secure.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	orch.channel.Keys().Put("CP-001", key)

	orch.Register(ctx, "CP-001", "Valencia", 0.35)
	res := orch.Authorize(ctx, "D-1", "CP-001")
	if !res.OK {
		t.Fatalf("authorize denied: %s", res.Reason)
	}

	cmds := bus.decoded(t, testTopics.Commands)
	if len(cmds) != 1 {
		t.Fatalf("expected one command, got %d", len(cmds))
	}
	env, ok := cmds[0].(*wire.Envelope)
	if !ok {
		t.Fatalf("command not encrypted: %+v", cmds[0])
	}
	plain, err := orch.channel.Open(env)
	if err != nil {
		t.Fatalf("open envelope: %v", err)
	}
	var cmd wire.Command
	if err := json.Unmarshal(plain, &cmd); err != nil {
		t.Fatalf("decode inner command: %v", err)
	}
	if cmd.Cmd != wire.CmdStartSupply || cmd.Session != res.SessionID {
		t.Fatalf("unexpected inner command %+v", cmd)
	}
}

func TestAuthorizeDenials(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	orch.Register(ctx, "CP-001", "Valencia", 0.35)

	if res := orch.Authorize(ctx, "  ", "CP-001"); res.OK || res.Reason != models.DenyDriverInvalid {
		t.Fatalf("blank driver: %+v", res)
	}
	if res := orch.Authorize(ctx, "D-1", "CP-404"); res.OK || res.Reason != models.DenyUnknownCP {
		t.Fatalf("unknown cp: %+v", res)
	}

	if res := orch.Authorize(ctx, "D-1", "cp-001"); !res.OK {
		t.Fatalf("first grant failed: %+v", res)
	}
	if res := orch.Authorize(ctx, "D-2", "CP-001"); res.OK || res.Reason != models.DenyOccupied {
		t.Fatalf("occupied cp: %+v", res)
	}
}

func TestConcurrentAuthorizeSingleWinner(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	orch.Register(ctx, "CP-001", "Valencia", 0.35)

	const workers = 32
	var wg sync.WaitGroup
	results := make([]AuthResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = orch.Authorize(ctx, "D-1", "CP-001")
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, res := range results {
		if res.OK {
			granted++
		} else if res.Reason != models.DenyOccupied {
			t.Fatalf("unexpected denial reason %q", res.Reason)
		}
	}
	if granted != 1 {
		t.Fatalf("granted %d sessions for one cp, want 1", granted)
	}
	if got := len(orch.Sessions().Snapshot()); got != 1 {
		t.Fatalf("live sessions = %d, want 1", got)
	}
}

func TestTelemetryMonotonicAndSupplying(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	orch.Register(ctx, "CP-001", "Valencia", 0.35)
	res := orch.Authorize(ctx, "D-1", "CP-001")

	orch.HandleTelemetry(ctx, &wire.Telemetry{Type: wire.TypeTel, Session: res.SessionID, CP: "CP-001", KWh: 1.5, EUR: 0.52})
	if got := cpStatus(t, orch, "CP-001"); got.Status != models.StatusSupplying {
		t.Fatalf("status after telemetry = %s, want SUPPLYING", got.Status)
	}

	// A report below the accumulated totals must not rewind them.
	orch.HandleTelemetry(ctx, &wire.Telemetry{Type: wire.TypeTel, Session: res.SessionID, CP: "CP-001", KWh: 0.9, EUR: 0.31})
	sess, _ := orch.Sessions().Get(res.SessionID)
	if sess.KWh != 1.5 || sess.EUR != 0.52 {
		t.Fatalf("totals rewound to %v/%v", sess.KWh, sess.EUR)
	}

	orch.HandleTelemetry(ctx, &wire.Telemetry{Type: wire.TypeTel, Session: res.SessionID, CP: "CP-001", KWh: 2.1, EUR: 0.73})
	sess, _ = orch.Sessions().Get(res.SessionID)
	if sess.KWh != 2.1 || sess.EUR != 0.73 {
		t.Fatalf("totals not overwritten: %v/%v", sess.KWh, sess.EUR)
	}

	// Telemetry for a session the CP no longer owns is dropped.
	orch.HandleTelemetry(ctx, &wire.Telemetry{Type: wire.TypeTel, Session: "S-stale", CP: "CP-001", KWh: 99, EUR: 99})
	sess, _ = orch.Sessions().Get(res.SessionID)
	if sess.KWh != 2.1 {
		t.Fatalf("stale telemetry applied: %v", sess.KWh)
	}
}

func TestSessionEndIdempotent(t *testing.T) {
	orch, bus, store := newTestOrchestrator(t)
	ctx := context.Background()
	orch.Register(ctx, "CP-001", "Valencia", 0.35)
	res := orch.Authorize(ctx, "D-1", "CP-001")

	end := &wire.SessionEvent{Type: wire.TypeSessionEnd, Session: res.SessionID, CP: "CP-001", KWh: 4.2, EUR: 1.47}
	orch.HandleSessionEnd(ctx, end)
	orch.HandleSessionEnd(ctx, end)

	tickets := 0
	for _, msg := range bus.decoded(t, testTopics.Sessions) {
		if ev, ok := msg.(*wire.SessionEvent); ok && ev.Type == wire.TypeTicket {
			tickets++
			if ev.KWh != 4.2 || ev.EUR != 1.47 || ev.Reason != models.CloseReasonOK {
				t.Fatalf("unexpected ticket %+v", ev)
			}
		}
	}
	if tickets != 1 {
		t.Fatalf("published %d tickets, want 1", tickets)
	}

	reason, kwh, _, ok := store.CloseRecord(res.SessionID)
	if !ok || reason != models.CloseReasonOK || kwh != 4.2 {
		t.Fatalf("close record = %q/%v/%v", reason, kwh, ok)
	}

	cp := cpStatus(t, orch, "CP-001")
	if cp.Busy || cp.Status != models.StatusActive {
		t.Fatalf("cp after close = %+v, want free ACTIVE", cp)
	}
	if _, live := orch.Sessions().Get(res.SessionID); live {
		t.Fatal("session still live after close")
	}
}

func TestStopRequestAttribution(t *testing.T) {
	orch, bus, store := newTestOrchestrator(t)
	ctx := context.Background()
	orch.Register(ctx, "CP-001", "Valencia", 0.35)
	res := orch.Authorize(ctx, "D-1", "CP-001")

	if err := orch.RequestStop(ctx, "CP-001", "admin"); err != nil {
		t.Fatalf("RequestStop: %v", err)
	}

	var sawStop bool
	for _, msg := range bus.decoded(t, testTopics.Commands) {
		if cmd, ok := msg.(*wire.Command); ok && cmd.Cmd == wire.CmdStopSupply && cmd.Session == res.SessionID {
			sawStop = true
		}
	}
	if !sawStop {
		t.Fatal("no stop command published")
	}

	// The session stays live until the engine reports the end.
	if _, live := orch.Sessions().Get(res.SessionID); !live {
		t.Fatal("stop request removed the session from the index")
	}

	orch.HandleSessionEnd(ctx, &wire.SessionEvent{Type: wire.TypeSessionEnd, Session: res.SessionID, CP: "CP-001", KWh: 1.0, EUR: 0.35})
	reason, _, _, ok := store.CloseRecord(res.SessionID)
	if !ok || reason != models.CloseReasonStopRequested {
		t.Fatalf("close reason = %q, want STOP_REQUESTED", reason)
	}

	if err := orch.RequestStop(ctx, "CP-001", "admin"); err != ErrNoActiveSession {
		t.Fatalf("stop after close = %v, want ErrNoActiveSession", err)
	}
}

func TestWeatherAlertStopsAndGates(t *testing.T) {
	orch, bus, _ := newTestOrchestrator(t)
	ctx := context.Background()
	orch.Register(ctx, "CP-001", "Valencia", 0.35)
	res := orch.Authorize(ctx, "D-1", "CP-001")

	if err := orch.ApplyWeather(ctx, "CP-001", -3.0, true); err != nil {
		t.Fatalf("ApplyWeather: %v", err)
	}
	var sawStop bool
	for _, msg := range bus.decoded(t, testTopics.Commands) {
		if cmd, ok := msg.(*wire.Command); ok && cmd.Cmd == wire.CmdStopSupply {
			sawStop = true
		}
	}
	if !sawStop {
		t.Fatal("weather alert did not request a stop")
	}
	if got := orch.Authorize(ctx, "D-2", "CP-001"); got.OK || got.Reason != models.DenyWeatherAlert {
		t.Fatalf("authorization under alert = %+v", got)
	}

	orch.HandleSessionEnd(ctx, &wire.SessionEvent{Type: wire.TypeSessionEnd, Session: res.SessionID, CP: "CP-001"})
	if got := cpStatus(t, orch, "CP-001"); got.Status != models.StatusPaused {
		t.Fatalf("status under alert after close = %s, want PAUSED", got.Status)
	}

	if err := orch.ApplyWeather(ctx, "CP-001", 4.0, false); err != nil {
		t.Fatalf("ApplyWeather clear: %v", err)
	}
	if got := cpStatus(t, orch, "CP-001"); got.Status != models.StatusActive {
		t.Fatalf("status after clear = %s, want ACTIVE", got.Status)
	}
	if got := orch.Authorize(ctx, "D-2", "CP-001"); !got.OK {
		t.Fatalf("authorization after clear denied: %s", got.Reason)
	}
}

func TestPauseResume(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	orch.Register(ctx, "CP-001", "Valencia", 0.35)

	if err := orch.Pause(ctx, "CP-001"); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if got := cpStatus(t, orch, "CP-001"); got.Status != models.StatusPaused {
		t.Fatalf("status after pause = %s", got.Status)
	}
	if res := orch.Authorize(ctx, "D-1", "CP-001"); res.OK || res.Reason != models.DenyPaused {
		t.Fatalf("authorization under pause = %+v", res)
	}

	if err := orch.Resume(ctx, "CP-001"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got := cpStatus(t, orch, "CP-001"); got.Status != models.StatusActive {
		t.Fatalf("status after resume = %s", got.Status)
	}
	if err := orch.Pause(ctx, "CP-404"); err != ErrUnknownCP {
		t.Fatalf("pause unknown cp = %v", err)
	}
}

func TestFaultEscalationStopsActiveSession(t *testing.T) {
	orch, bus, store := newTestOrchestrator(t)
	ctx := context.Background()
	orch.Register(ctx, "CP-001", "Valencia", 0.35)
	res := orch.Authorize(ctx, "D-1", "CP-001")

	orch.Heartbeat(ctx, "CP-001", false)

	var sawStop bool
	for _, msg := range bus.decoded(t, testTopics.Commands) {
		if cmd, ok := msg.(*wire.Command); ok && cmd.Cmd == wire.CmdStopSupply && cmd.Session == res.SessionID {
			sawStop = true
		}
	}
	if !sawStop {
		t.Fatal("fault report did not request a stop")
	}
	if _, live := orch.Sessions().Get(res.SessionID); !live {
		t.Fatal("fault report removed the session before the engine ended it")
	}

	orch.HandleSessionEnd(ctx, &wire.SessionEvent{Type: wire.TypeSessionEnd, Session: res.SessionID, CP: "CP-001"})
	reason, _, _, ok := store.CloseRecord(res.SessionID)
	if !ok || reason != models.CloseReasonStopRequested {
		t.Fatalf("close reason = %q, want STOP_REQUESTED", reason)
	}
}

func TestFaultedHeartbeatGates(t *testing.T) {
	orch, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	orch.Register(ctx, "CP-001", "Valencia", 0.35)

	orch.Heartbeat(ctx, "CP-001", false)
	if got := cpStatus(t, orch, "CP-001"); got.Status != models.StatusFaulted {
		t.Fatalf("status after bad heartbeat = %s", got.Status)
	}
	if res := orch.Authorize(ctx, "D-1", "CP-001"); res.OK || res.Reason != models.DenyFaulted {
		t.Fatalf("authorization on faulted cp = %+v", res)
	}

	orch.Heartbeat(ctx, "CP-001", true)
	if got := cpStatus(t, orch, "CP-001"); got.Status != models.StatusActive {
		t.Fatalf("status after recovery heartbeat = %s", got.Status)
	}
}

func TestRecoverRehydratesOpenSessions(t *testing.T) {
	store := repository.NewMemory()
	ctx := context.Background()
	if err := store.UpsertCP(ctx, "CP-001", "Valencia", 0.35); err != nil {
		t.Fatalf("seed cp: %v", err)
	}
	startedAt := time.Now().Add(-time.Minute)
	if err := store.OpenSession(ctx, "S-recovered", "CP-001", "D-1", 0.35, startedAt); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	orch := NewOrchestrator(Deps{
		Log:     zap.NewNop(),
		Store:   store,
		Bus:     newFakeBus(),
		Channel: secure.NewChannel(secure.NewKeyStore(), wire.SrcCentral),
		Topics:  testTopics,
	})
	if err := orch.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	cp := cpStatus(t, orch, "CP-001")
	if !cp.Busy || cp.Status != models.StatusAwaitingPlug || cp.ActiveSession != "S-recovered" {
		t.Fatalf("recovered cp = %+v", cp)
	}
	sess, live := orch.Sessions().Get("S-recovered")
	if !live || sess.DriverID != "D-1" {
		t.Fatalf("recovered session = %+v live=%v", sess, live)
	}

	// A second grant must still be refused: the recovered session occupies
	// the CP until its engine reports an end.
	if res := orch.Authorize(ctx, "D-2", "CP-001"); res.OK {
		t.Fatal("authorization granted over a recovered session")
	}
}
