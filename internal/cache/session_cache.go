package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"

	"alphachat/internal/model"
	"alphachat/internal/store"
)

var _ store.SessionListCache = (*SessionCache)(nil)

// fillScript refuses to cache a list while a write to the same user is in progress.
var fillScript = redisv9.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// SessionCache keeps each user's session summaries under {prefix}user:{id}:sessions. A write marks
// the user dirty for a short while; reads skip the cache and fills are refused until it expires.
type SessionCache struct {
	client   redisv9.UniversalClient
	prefix   string
	listTTL  time.Duration
	dirtyTTL time.Duration
}

func NewSessionCache(client redisv9.UniversalClient, prefix string, listTTL, dirtyTTL time.Duration) *SessionCache {
	if listTTL <= 0 {
		listTTL = 60 * time.Second
	}
	if dirtyTTL <= 0 {
		dirtyTTL = 5 * time.Second
	}
	return &SessionCache{
		client:   client,
		prefix:   prefix,
		listTTL:  listTTL,
		dirtyTTL: dirtyTTL,
	}
}

// Cached reads the list and the dirty marker in one round trip. It misses when either the list is
// absent or the user is being written.
func (c *SessionCache) Cached(ctx context.Context, userID uint) ([]model.SessionSummary, bool, error) {
	listKey, dirtyKey := c.keys(userID)

	var (
		list  *redisv9.StringCmd
		dirty *redisv9.IntCmd
	)
	_, err := c.client.Pipelined(ctx, func(pipe redisv9.Pipeliner) error {
		list = pipe.Get(ctx, listKey)
		dirty = pipe.Exists(ctx, dirtyKey)
		return nil
	})
	if err != nil && !errors.Is(err, redisv9.Nil) {
		return nil, false, fmt.Errorf("redis read sessions failed: %w", err)
	}
	if dirty.Val() > 0 {
		return nil, false, nil
	}
	raw, err := list.Bytes()
	if errors.Is(err, redisv9.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get sessions failed: %w", err)
	}

	var sessions []model.SessionSummary
	if err := json.Unmarshal(raw, &sessions); err != nil {
		return nil, false, fmt.Errorf("unmarshal cached sessions failed: %w", err)
	}
	return sessions, true, nil
}

// Fill stores the list unless the user is marked dirty.
func (c *SessionCache) Fill(ctx context.Context, userID uint, sessions []model.SessionSummary) error {
	payload, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("marshal sessions cache failed: %w", err)
	}
	listKey, dirtyKey := c.keys(userID)
	if err := fillScript.Run(ctx, c.client, []string{listKey, dirtyKey}, payload, c.listTTL.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis fill sessions failed: %w", err)
	}
	return nil
}

// BeginWrite marks the user dirty and drops the cached list atomically.
func (c *SessionCache) BeginWrite(ctx context.Context, userID uint) error {
	listKey, dirtyKey := c.keys(userID)
	_, err := c.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		pipe.Set(ctx, dirtyKey, "1", c.dirtyTTL)
		pipe.Del(ctx, listKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis begin session write failed: %w", err)
	}
	return nil
}

// EndWrite drops any list cached while the write was in flight. The marker is left to expire so
// that readers on other instances do not refill from a replica that has not seen the write.
func (c *SessionCache) EndWrite(ctx context.Context, userID uint) error {
	listKey, _ := c.keys(userID)
	if err := c.client.Del(ctx, listKey).Err(); err != nil {
		return fmt.Errorf("redis end session write failed: %w", err)
	}
	return nil
}

func (c *SessionCache) keys(userID uint) (list, dirty string) {
	base := fmt.Sprintf("%suser:%d:sessions", c.prefix, userID)
	return base, base + ":dirty"
}
