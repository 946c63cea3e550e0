// Package redisstore mirrors the live session index into Redis for quick
// external reads. The mirror is best effort: the in-memory index stays
// authoritative and callers only log failures.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"evcentral/internal/models"
)

// Store manages the active session cache.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) key(sessionID string) string {
	return fmt.Sprintf("sessions:active:%s", sessionID)
}

// SetActive caches one live session snapshot.
func (s *Store) SetActive(ctx context.Context, sess models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(sess.SessionID), data, s.ttl).Err()
}

// Get returns one cached session.
func (s *Store) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	result, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(result), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// Clear removes a closed session from the cache.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, s.key(sessionID)).Err()
}
