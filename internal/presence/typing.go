// Package presence tracks ephemeral per-user state: typing indicators
// (in-process, TTL-expired) and online/last-seen presence (Redis, shared
// across server instances). Nothing here is persisted; a process restart
// clears typing state, which is reconstructable from live connections.
package presence

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// DefaultTypingTTL is how long a typing signal stays visible without being
// refreshed. Clients heartbeat "still typing" roughly every 2 seconds.
const DefaultTypingTTL = 2500 * time.Millisecond

const typingShardCount = 16

// TypingTracker holds conversation-scoped typing entries with lazy TTL
// expiry. Reads and writes for different conversations never contend on
// the same lock; entries are keyed (conversationID, userID) and any read
// first discards entries whose deadline has passed.
type TypingTracker struct {
	ttl    time.Duration
	now    func() time.Time // injectable for tests
	shards [typingShardCount]typingShard
}

type typingShard struct {
	mu     sync.Mutex
	byConv map[string]map[string]time.Time // conversationID -> userID -> expiresAt
}

// NewTypingTracker creates a tracker with the given TTL. ttl <= 0 selects
// DefaultTypingTTL.
func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	t := &TypingTracker{ttl: ttl, now: time.Now}
	for i := range t.shards {
		t.shards[i].byConv = make(map[string]map[string]time.Time)
	}
	return t
}

// SetTyping records or clears a user's typing state in a conversation.
// A true signal (re)sets the entry's deadline to now + TTL; the server
// tolerates signals arriving at any rate. A false signal deletes the entry
// immediately (sent by clients on blur or message send).
func (t *TypingTracker) SetTyping(conversationID, userID string, isTyping bool) {
	shard := t.shard(conversationID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	users, ok := shard.byConv[conversationID]
	if !isTyping {
		if ok {
			delete(users, userID)
			if len(users) == 0 {
				delete(shard.byConv, conversationID)
			}
		}
		return
	}

	if !ok {
		users = make(map[string]time.Time)
		shard.byConv[conversationID] = users
	}
	users[userID] = t.now().Add(t.ttl)
}

// TypingUsers returns the users currently typing in a conversation, sorted
// for deterministic output. The requesting user is excluded from their own
// result. Expired entries are discarded as a side effect.
func (t *TypingTracker) TypingUsers(conversationID, excludeUserID string) []string {
	shard := t.shard(conversationID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	users, ok := shard.byConv[conversationID]
	if !ok {
		return nil
	}

	now := t.now()
	var typing []string
	for userID, expiresAt := range users {
		if !expiresAt.After(now) {
			delete(users, userID)
			continue
		}
		if userID == excludeUserID {
			continue
		}
		typing = append(typing, userID)
	}
	if len(users) == 0 {
		delete(shard.byConv, conversationID)
	}

	sort.Strings(typing)
	return typing
}

// ClearUser removes a user's typing entries everywhere, used on disconnect.
func (t *TypingTracker) ClearUser(userID string) {
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.Lock()
		for conversationID, users := range shard.byConv {
			delete(users, userID)
			if len(users) == 0 {
				delete(shard.byConv, conversationID)
			}
		}
		shard.mu.Unlock()
	}
}

func (t *TypingTracker) shard(conversationID string) *typingShard {
	h := fnv.New32a()
	h.Write([]byte(conversationID))
	return &t.shards[h.Sum32()%typingShardCount]
}
