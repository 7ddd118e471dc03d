// Package presence tracks which relay instance each participant is currently
// attached to. Records are ephemeral Redis hashes with a TTL, written on join
// and removed on leave, so operators can see where a participant's live
// connection lives.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all presence hashes.
	KeyPrefix = "presence:"

	// TTL is the time-to-live for presence keys. A crashed instance leaves
	// stale entries behind; the TTL bounds how long they linger.
	TTL = 1 * time.Hour
)

// Entry is a participant's presence record.
type Entry struct {
	UserID    string `redis:"user_id"`
	SessionID string `redis:"session_id"` // session the participant joined
	Server    string `redis:"server"`     // relay instance hosting the connection
	JoinedAt  int64  `redis:"joined_at"`  // unix timestamp
}

// Store manages presence records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Track records that the participant is attached to the given session on
// this instance, with a refreshed TTL.
func (s *Store) Track(ctx context.Context, userID, sessionID string) error {
	key := KeyPrefix + userID

	entry := map[string]interface{}{
		"user_id":    userID,
		"session_id": sessionID,
		"server":     s.serverName,
		"joined_at":  time.Now().Unix(),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, entry)
	pipe.Expire(ctx, key, TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Untrack removes the participant's presence record.
func (s *Store) Untrack(ctx context.Context, userID string) error {
	return s.client.Del(ctx, KeyPrefix+userID).Err()
}

// Get retrieves a participant's presence record. Returns nil if the
// participant has no live connection recorded.
func (s *Store) Get(ctx context.Context, userID string) (*Entry, error) {
	var entry Entry
	err := s.client.HGetAll(ctx, KeyPrefix+userID).Scan(&entry)
	if err != nil {
		return nil, err
	}
	if entry.UserID == "" {
		return nil, nil // not found
	}
	return &entry, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
