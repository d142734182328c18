// Package hooksession keeps a moderation Request alive between the separate
// HTTP calls the forum makes for the gate, classify and commit phases of one
// submission. Each Request is stored under a random token returned to the
// forum at gate time and is removed when the commit phase takes it.
package hooksession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whisper/llm-moderator/internal/moderation"
)

const (
	// KeyPrefix is the Redis key prefix for stored requests.
	KeyPrefix = "hooksession:"

	// DefaultTTL bounds how long a submission may take between gate and
	// commit before its state is dropped.
	DefaultTTL = 10 * time.Minute
)

// Store manages in-flight moderation requests in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a store on client. A non-positive ttl selects DefaultTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Create stores req under a new token and returns the token.
func (s *Store) Create(ctx context.Context, req *moderation.Request) (string, error) {
	token := uuid.New().String()
	if err := s.set(ctx, token, req); err != nil {
		return "", err
	}
	return token, nil
}

// Save overwrites the request stored under token and refreshes its TTL.
func (s *Store) Save(ctx context.Context, token string, req *moderation.Request) error {
	return s.set(ctx, token, req)
}

func (s *Store) set(ctx context.Context, token string, req *moderation.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("hooksession: marshal: %w", err)
	}
	if err := s.client.Set(ctx, KeyPrefix+token, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("hooksession: save %s: %w", token, err)
	}
	return nil
}

// Get returns the request stored under token. Returns nil if not found.
func (s *Store) Get(ctx context.Context, token string) (*moderation.Request, error) {
	data, err := s.client.Get(ctx, KeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hooksession: get %s: %w", token, err)
	}
	return decode(data)
}

// Take returns and removes the request stored under token in one step, so a
// request can be committed at most once. Returns nil if not found.
func (s *Store) Take(ctx context.Context, token string) (*moderation.Request, error) {
	data, err := s.client.GetDel(ctx, KeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hooksession: take %s: %w", token, err)
	}
	return decode(data)
}

func decode(data []byte) (*moderation.Request, error) {
	var req moderation.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("hooksession: decode: %w", err)
	}
	return &req, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
