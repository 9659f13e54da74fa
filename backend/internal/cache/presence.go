package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache is the distributed presence record shared by every instance
// serving a flow. The in-process session registry stays authoritative; this
// copy lets other instances and tools see who is editing.
type PresenceCache interface {
	AddMember(ctx context.Context, docID, userID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, userID string) error
	GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error)
	GetDocuments(ctx context.Context) ([]string, error)
	SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, userID string) ([]byte, error)
	SetSelection(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error
	PurgeDocument(ctx context.Context, docID string) error
}

type PresenceMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

// redisPresence works against a single node or a cluster through
// redis.UniversalClient.
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// AddMember also refreshes the TTL of an existing member.
func (p *redisPresence) AddMember(ctx context.Context, docID, userID, displayName string, ttl time.Duration) error {
	// score is the logical expiry (unix seconds)
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(docID), userID, displayName)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	// docsKey lives in another slot, so it cannot join the transaction
	return p.rdb.SAdd(ctx, docsKey(), docID).Err()
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), userID)
	tx.HDel(ctx, namesKey(docID), userID)
	tx.Del(ctx, cursorKey(docID, userID), selectionKey(docID, userID))
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) GetDocuments(ctx context.Context) ([]string, error) {
	docs, err := p.rdb.SMembers(ctx, docsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return docs, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID, userID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(docID, userID)).Bytes()
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (p *redisPresence) SetSelection(ctx context.Context, docID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, selectionKey(docID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) PurgeDocument(ctx context.Context, docID string) error {
	if err := p.rdb.Del(ctx, roomKey(docID), namesKey(docID)).Err(); err != nil {
		return err
	}
	return p.rdb.SRem(ctx, docsKey(), docID).Err()
}

// expireScript drops members whose logical expiry has passed, together with
// their names.
var expireScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = namesKey(docID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := time.Now().Unix()
	_, err := expireScript.Run(ctx, p.rdb, []string{roomKey(docID), namesKey(docID)}, now).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(docID), aliveIDs...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name, _ := v.(string)
		members = append(members, PresenceMember{UserID: aliveIDs[i], DisplayName: name})
	}
	return members, nil
}
