package secure

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"evcentral/internal/wire"
)

func newTestChannel(t *testing.T, cpID string) *Channel {
	t.Helper()
	keys := NewKeyStore()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keys.Put(cpID, key)
	return NewChannel(keys, wire.SrcCentral)
}

func TestSealOpenRoundTrip(t *testing.T) {
	ch := newTestChannel(t, "CP-001")
	in := wire.Command{Type: wire.TypeCmd, Cmd: wire.CmdStartSupply, CP: "CP-001", Session: "S-1", Price: 0.35, Src: wire.SrcCentral}

	env, err := ch.Seal("CP-001", in)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if env.Type != wire.TypeEncrypted || env.CP != "CP-001" {
		t.Fatalf("unexpected envelope %+v", env)
	}

	raw, err := ch.Open(env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var out wire.Command
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v want %+v", out, in)
	}
}

func TestOpenWrongKeyFails(t *testing.T) {
	ch := newTestChannel(t, "CP-001")
	env, err := ch.Seal("CP-001", wire.Command{Type: wire.TypeCmd, Cmd: wire.CmdStopSupply, CP: "CP-001"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	other := newTestChannel(t, "CP-001")
	if _, err := other.Open(env); err == nil {
		t.Fatal("expected decrypt failure with wrong key")
	}
}

func TestOpenTamperedCiphertextFails(t *testing.T) {
	ch := newTestChannel(t, "CP-001")
	env, err := ch.Seal("CP-001", wire.Command{Type: wire.TypeCmd, Cmd: wire.CmdStopSupply, CP: "CP-001"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	sealed, _ := base64.StdEncoding.DecodeString(env.Payload)
	sealed[len(sealed)-1] ^= 0x01
	env.Payload = base64.StdEncoding.EncodeToString(sealed)

	if _, err := ch.Open(env); err == nil {
		t.Fatal("expected decrypt failure for tampered ciphertext")
	}
}

func TestOpenMismatchedCPFails(t *testing.T) {
	keys := NewKeyStore()
	key, _ := GenerateKey()
	keys.Put("CP-001", key)
	keys.Put("CP-002", key)
	ch := NewChannel(keys, wire.SrcCentral)

	env, err := ch.Seal("CP-001", wire.Command{Type: wire.TypeCmd, Cmd: wire.CmdStopSupply, CP: "CP-001"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	// Same key, different CP: associated data must reject it.
	env.CP = "CP-002"
	if _, err := ch.Open(env); err == nil {
		t.Fatal("expected decrypt failure for mismatched cp")
	}
}

func TestOpenGarbledPayload(t *testing.T) {
	ch := newTestChannel(t, "CP-001")

	if _, err := ch.Open(&wire.Envelope{Type: wire.TypeEncrypted, CP: "CP-001", Payload: "%%%not-base64%%%"}); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := ch.Open(&wire.Envelope{Type: wire.TypeEncrypted, CP: "CP-001", Payload: base64.StdEncoding.EncodeToString([]byte("xx"))}); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestSealWithoutKey(t *testing.T) {
	ch := NewChannel(NewKeyStore(), wire.SrcCentral)
	if _, err := ch.Seal("CP-404", wire.Command{}); err != ErrNoKey {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
}

func TestKeyStoreFirstWriteWins(t *testing.T) {
	keys := NewKeyStore()
	k1, _ := GenerateKey()
	k2, _ := GenerateKey()
	first := keys.Put("CP-001", k1)
	second := keys.Put("CP-001", k2)
	if string(first) != string(second) {
		t.Fatal("key was replaced after issuance")
	}
}
