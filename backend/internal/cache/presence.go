// Package cache holds the Redis backed presence membership shared by every
// node serving a document.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"collabcore/backend/internal/entity"
)

// cleanupScript drops members whose expireAt score is at or before now and
// their state entries, returning how many were removed.
var cleanupScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = stateKey(docID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

type PresenceCache struct {
	rdb redis.UniversalClient
	now func() time.Time
}

func NewPresenceCache(rdb redis.UniversalClient) *PresenceCache {
	return &PresenceCache{rdb: rdb, now: time.Now}
}

// Track adds or refreshes a member. Calling it again extends the lease.
func (p *PresenceCache) Track(ctx context.Context, docID string, presence entity.UserPresence, ttl time.Duration) error {
	if presence.UserID == "" {
		return errors.New("cache: presence without user id")
	}
	b, err := json.Marshal(presence)
	if err != nil {
		return err
	}
	expireAt := p.now().Add(ttl).Unix()

	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: presence.UserID})
	tx.HSet(ctx, stateKey(docID), presence.UserID, b)
	tx.SAdd(ctx, docsKey(), docID)
	// hard expiry so abandoned rooms do not linger
	tx.Expire(ctx, roomKey(docID), 2*ttl)
	tx.Expire(ctx, stateKey(docID), 2*ttl)
	_, err = tx.Exec(ctx)
	return err
}

func (p *PresenceCache) Untrack(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, stateKey(docID), userID)
	_, err := tx.Exec(ctx)
	return err
}

// Alive removes expired members and returns the presence of the rest,
// ordered by expiry.
func (p *PresenceCache) Alive(ctx context.Context, docID string) ([]entity.UserPresence, error) {
	now := p.now().Unix()
	err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(docID), stateKey(docID)}, now).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence cleanup %s: %w", docID, err)
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	states, err := p.rdb.HMGet(ctx, stateKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]entity.UserPresence, 0, len(aliveIDs))
	for i, v := range states {
		m := entity.UserPresence{UserID: aliveIDs[i], Status: entity.StatusActive}
		if s, ok := v.(string); ok {
			if err := json.Unmarshal([]byte(s), &m); err != nil {
				return nil, fmt.Errorf("decode presence of %s: %w", aliveIDs[i], err)
			}
		}
		members = append(members, m)
	}
	return members, nil
}

func (p *PresenceCache) Documents(ctx context.Context) ([]string, error) {
	return p.rdb.SMembers(ctx, docsKey()).Result()
}
