package secure

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"evcentral/internal/wire"
)

// KeySize is the symmetric key length per device.
const KeySize = chacha20poly1305.KeySize

// ErrNoKey reports that no key material exists for a CP. The dispatcher falls
// back to plaintext in that case.
var ErrNoKey = errors.New("secure: no key for device")

// GenerateKey returns fresh random key material for one device.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secure: generate key: %w", err)
	}
	return key, nil
}

// KeyStore holds per-CP symmetric keys. Keys are immutable once issued and
// never exposed outside this package except through the AUTH_OK reply.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

func NewKeyStore() *KeyStore {
	return &KeyStore{keys: make(map[string][]byte)}
}

// Put stores key material for a CP. A key already present wins: issuance is
// first-write.
func (s *KeyStore) Put(cpID string, key []byte) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.keys[cpID]; ok {
		return existing
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	s.keys[cpID] = cp
	return cp
}

func (s *KeyStore) Get(cpID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[cpID]
	return key, ok
}

// Channel seals and opens per-device envelopes. The CP id is bound as
// associated data, so a ciphertext replayed under another CP fails to open.
type Channel struct {
	keys *KeyStore
	src  string
}

func NewChannel(keys *KeyStore, src string) *Channel {
	return &Channel{keys: keys, src: src}
}

func (c *Channel) Keys() *KeyStore { return c.keys }

// Seal encrypts msg for the given CP with a fresh random nonce.
func (c *Channel) Seal(cpID string, msg interface{}) (*wire.Envelope, error) {
	key, ok := c.keys.Get(cpID)
	if !ok {
		return nil, ErrNoKey
	}
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("secure: marshal: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("secure: cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secure: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, []byte(cpID))

	return &wire.Envelope{
		Type:    wire.TypeEncrypted,
		Src:     c.src,
		CP:      cpID,
		Payload: base64.StdEncoding.EncodeToString(sealed),
		TS:      time.Now().UnixMilli(),
	}, nil
}

// Open decrypts an envelope and returns the inner JSON payload. Wrong keys,
// tampered ciphertext, truncated payloads and CP mismatches all fail with an
// error and without touching any state.
func (c *Channel) Open(env *wire.Envelope) ([]byte, error) {
	key, ok := c.keys.Get(env.CP)
	if !ok {
		return nil, ErrNoKey
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("secure: payload encoding: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("secure: cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("secure: payload too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(env.CP))
	if err != nil {
		return nil, fmt.Errorf("secure: open: %w", err)
	}
	return plaintext, nil
}
