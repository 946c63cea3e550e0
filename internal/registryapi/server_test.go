package registryapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"evcentral/internal/repository"
	"evcentral/internal/security"
)

func TestRegisterIssuesSecret(t *testing.T) {
	store := repository.NewMemory()
	srv := NewServer(zap.NewNop(), store)
	handler := srv.Routes()

	rr := httptest.NewRecorder()
	body := strings.NewReader(`{"cpId":"cp-001","location":"Valencia","price":0.35}`)
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/registry/register", body))
	if rr.Code != http.StatusCreated {
		t.Fatalf("register code = %d", rr.Code)
	}

	var resp registerResp
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.CPID != "CP-001" || resp.Secret == "" {
		t.Fatalf("unexpected response %+v", resp)
	}

	device, err := store.LookupDeviceSecretAndStatus(context.Background(), "CP-001")
	if err != nil || device == nil {
		t.Fatalf("device not stored: %v", err)
	}
	if !device.Active {
		t.Fatal("device not active")
	}
	if !security.ConstantTimeEqualHex(device.SecretHash, security.HashSecret(resp.Secret)) {
		t.Fatal("stored hash does not match issued secret")
	}
	if device.SecretHash == resp.Secret {
		t.Fatal("plaintext secret stored")
	}
}

func TestRegisterRotatesSecret(t *testing.T) {
	store := repository.NewMemory()
	srv := NewServer(zap.NewNop(), store)
	handler := srv.Routes()

	register := func() registerResp {
		rr := httptest.NewRecorder()
		body := strings.NewReader(`{"cpId":"CP-001","location":"Valencia"}`)
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/registry/register", body))
		var resp registerResp
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		return resp
	}
	first := register()
	second := register()
	if first.Secret == second.Secret {
		t.Fatal("re-registration did not rotate the secret")
	}

	device, _ := store.LookupDeviceSecretAndStatus(context.Background(), "CP-001")
	if !security.ConstantTimeEqualHex(device.SecretHash, security.HashSecret(second.Secret)) {
		t.Fatal("stored hash is not the latest secret")
	}
	if security.ConstantTimeEqualHex(device.SecretHash, security.HashSecret(first.Secret)) {
		t.Fatal("old secret still valid")
	}
}

func TestRegisterRejectsBadBody(t *testing.T) {
	srv := NewServer(zap.NewNop(), repository.NewMemory())
	handler := srv.Routes()

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/registry/register", strings.NewReader(`{`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body code = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/registry/register", strings.NewReader(`{"location":"x"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing cp code = %d", rr.Code)
	}
}
