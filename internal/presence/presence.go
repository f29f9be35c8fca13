package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// PresencePrefix is the Redis key prefix for presence hashes.
	PresencePrefix = "presence:"

	// OnlineTTL is the lifetime of an online presence record. Connection
	// heartbeats refresh it; a crashed server's users fall offline within
	// this window without an explicit SetOffline.
	OnlineTTL = 90 * time.Second

	// OfflineTTL keeps last-seen timestamps around long enough for the
	// member list to render "last seen" after a user disconnects.
	OfflineTTL = 30 * 24 * time.Hour
)

// State is a user's current presence as rendered by the member list.
type State struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen"` // unix seconds, 0 = never seen
}

// Store manages presence state in Redis, shared across server instances.
type Store struct {
	client     *redis.Client
	serverName string // which gateway instance owns the connection
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// SetOnline marks the user online with a fresh TTL.
func (s *Store) SetOnline(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"online":    "true",
		"last_seen": time.Now().Unix(),
		"server":    s.serverName,
	})
	pipe.Expire(ctx, key, OnlineTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set online: %w", err)
	}
	return nil
}

// Heartbeat refreshes the online record's TTL and last-seen timestamp.
func (s *Store) Heartbeat(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "true", "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, OnlineTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: heartbeat: %w", err)
	}
	return nil
}

// SetOffline marks the user offline, preserving last-seen for the roster.
func (s *Store) SetOffline(ctx context.Context, userID string) error {
	key := PresencePrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", "false", "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, OfflineTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set offline: %w", err)
	}
	return nil
}

// Get returns the presence state for each requested user. Users with no
// record at all come back offline with LastSeen zero.
func (s *Store) Get(ctx context.Context, userIDs []string) (map[string]State, error) {
	states := make(map[string]State, len(userIDs))
	if len(userIDs) == 0 {
		return states, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	for i, userID := range userIDs {
		cmds[i] = pipe.HGetAll(ctx, PresencePrefix+userID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: get: %w", err)
	}

	for i, userID := range userIDs {
		result := cmds[i].Val()
		state := State{UserID: userID}
		if len(result) > 0 {
			state.Online = result["online"] == "true"
			state.LastSeen, _ = strconv.ParseInt(result["last_seen"], 10, 64)
		}
		states[userID] = state
	}
	return states, nil
}

// IsOnline reports whether a single user is currently online.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	online, err := s.client.HGet(ctx, PresencePrefix+userID, "online").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("presence: is online: %w", err)
	}
	return online == "true", nil
}
