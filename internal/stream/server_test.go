package stream

import (
	"context"
	"encoding/base64"
	"net"
	"testing"

	"go.uber.org/zap"

	"evcentral/internal/bus"
	"evcentral/internal/models"
	"evcentral/internal/repository"
	"evcentral/internal/secure"
	"evcentral/internal/security"
	"evcentral/internal/service"
	"evcentral/internal/wire"
)

func newTestServer(t *testing.T, memoryOnly bool) (*Server, *service.Orchestrator, *repository.Memory) {
	t.Helper()
	store := repository.NewMemory()
	keys := secure.NewKeyStore()
	orch := service.NewOrchestrator(service.Deps{
		Log:     zap.NewNop(),
		Store:   store,
		Bus:     bus.Nop{},
		Channel: secure.NewChannel(keys, wire.SrcCentral),
		Topics:  service.Topics{Commands: "c", Sessions: "s", Telemetry: "t"},
	})
	srv := NewServer(Config{Addr: "127.0.0.1:0", MemoryOnly: memoryOnly}, zap.NewNop(), orch, store, keys, nil, nil)
	return srv, orch, store
}

// dial wires a client to a fresh handleConn goroutine over a pipe.
func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go srv.handleConn(context.Background(), server)
	t.Cleanup(func() { client.Close() })
	return client
}

func readFrame(t *testing.T, conn net.Conn) interface{} {
	t.Helper()
	raw, err := wire.ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	msg, err := wire.DecodeStreamFrame(raw)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return msg
}

func TestHandshakeAndRegistration(t *testing.T) {
	srv, orch, store := newTestServer(t, false)
	if err := store.RegisterDeviceSecret(context.Background(), "CP-001", "Valencia", security.HashSecret("s3cret")); err != nil {
		t.Fatalf("seed device: %v", err)
	}

	conn := dial(t, srv)
	if err := wire.WriteFrame(conn, wire.AuthCP{Type: wire.TypeAuthCP, CP: "cp-001", Secret: "s3cret"}); err != nil {
		t.Fatalf("write auth: %v", err)
	}

	reply, ok := readFrame(t, conn).(*wire.AuthOK)
	if !ok {
		t.Fatalf("expected AUTH_OK, got %T", reply)
	}
	if reply.CP != "CP-001" {
		t.Fatalf("auth reply cp = %s", reply.CP)
	}
	key, err := base64.StdEncoding.DecodeString(reply.Key)
	if err != nil || len(key) != secure.KeySize {
		t.Fatalf("bad key material: err=%v len=%d", err, len(key))
	}

	if err := wire.WriteFrame(conn, wire.RegCP{Type: wire.TypeRegCP, CP: "CP-001", Loc: "Valencia", Price: 0.35}); err != nil {
		t.Fatalf("write reg: %v", err)
	}
	if _, ok := readFrame(t, conn).(*wire.Ack); !ok {
		t.Fatal("expected ACK after registration")
	}

	found := false
	for _, cp := range orch.CPs().Snapshot() {
		if cp.CPID == "CP-001" && cp.Status == models.StatusActive {
			found = true
		}
	}
	if !found {
		t.Fatal("registration did not reach the orchestrator")
	}

	if err := wire.WriteFrame(conn, wire.Heartbeat{Type: wire.TypeHB, CP: "CP-001", OK: false}); err != nil {
		t.Fatalf("write hb: %v", err)
	}
	// A registration round trip after the heartbeat guarantees it was applied.
	if err := wire.WriteFrame(conn, wire.RegCP{Type: wire.TypeRegCP, CP: "CP-002", Loc: "Bilbao", Price: 0.41}); err != nil {
		t.Fatalf("write reg: %v", err)
	}
	readFrame(t, conn)
	for _, cp := range orch.CPs().Snapshot() {
		if cp.CPID == "CP-001" && cp.Status != models.StatusFaulted {
			t.Fatalf("status after bad heartbeat = %s, want FAULTED", cp.Status)
		}
	}
}

func TestHandshakeRejectsBadSecret(t *testing.T) {
	srv, orch, store := newTestServer(t, false)
	store.RegisterDeviceSecret(context.Background(), "CP-001", "Valencia", security.HashSecret("s3cret"))

	conn := dial(t, srv)
	wire.WriteFrame(conn, wire.AuthCP{Type: wire.TypeAuthCP, CP: "CP-001", Secret: "wrong"})

	reply, ok := readFrame(t, conn).(*wire.AuthErr)
	if !ok || reply.Reason != rejectBadSecret {
		t.Fatalf("expected BAD_SECRET rejection, got %+v", reply)
	}
	if len(orch.CPs().Snapshot()) != 0 {
		t.Fatal("rejected handshake created cp state")
	}
}

func TestHandshakeRejectsUnknownDevice(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	conn := dial(t, srv)
	wire.WriteFrame(conn, wire.AuthCP{Type: wire.TypeAuthCP, CP: "CP-404", Secret: "s3cret"})

	reply, ok := readFrame(t, conn).(*wire.AuthErr)
	if !ok || reply.Reason != rejectUnknownDevice {
		t.Fatalf("expected UNKNOWN_DEVICE rejection, got %+v", reply)
	}
}

func TestHandshakeRejectsNonAuthFrame(t *testing.T) {
	srv, _, _ := newTestServer(t, false)
	conn := dial(t, srv)
	wire.WriteFrame(conn, wire.Heartbeat{Type: wire.TypeHB, CP: "CP-001", OK: true})

	reply, ok := readFrame(t, conn).(*wire.AuthErr)
	if !ok || reply.Reason != rejectProtocol {
		t.Fatalf("expected PROTOCOL_ERROR rejection, got %+v", reply)
	}
}

func TestMemoryOnlyAcceptsAnySecret(t *testing.T) {
	srv, _, _ := newTestServer(t, true)
	conn := dial(t, srv)
	wire.WriteFrame(conn, wire.AuthCP{Type: wire.TypeAuthCP, CP: "CP-001", Secret: "whatever"})

	if _, ok := readFrame(t, conn).(*wire.AuthOK); !ok {
		t.Fatal("memory-only mode rejected the handshake")
	}
}
