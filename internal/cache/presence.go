// Package cache mirrors room presence into Redis so other processes can
// see who is online.
package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const DefaultTTL = 2 * time.Minute

type Member struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Presence is a Redis backed presence table. A member's ZSET score is the
// unix second after which the entry is considered gone, so a crashed
// process does not leave members behind forever.
type Presence struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

func NewPresence(rdb redis.UniversalClient, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Presence{rdb: rdb, ttl: ttl, now: time.Now}
}

// AddMember adds or refreshes a member.
func (p *Presence) AddMember(ctx context.Context, roomID, userID, userName string) error {
	expireAt := p.now().Add(p.ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(roomID), userID, userName)
	tx.SAdd(ctx, roomsKey(), roomID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *Presence) RemoveMember(ctx context.Context, roomID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), userID)
	tx.HDel(ctx, namesKey(roomID), userID)
	tx.Del(ctx, cursorKey(roomID, userID))
	_, err := tx.Exec(ctx)
	return err
}

// SetCursor stores the member's last presence payload and refreshes its
// expiry.
func (p *Presence) SetCursor(ctx context.Context, roomID, userID string, presence []byte) error {
	expireAt := p.now().Add(p.ttl).Unix()
	tx := p.rdb.TxPipeline()
	tx.Set(ctx, cursorKey(roomID, userID), presence, p.ttl)
	tx.ZAddXX(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: userID})
	_, err := tx.Exec(ctx)
	return err
}

// GetCursor returns nil, nil when no presence is stored.
func (p *Presence) GetCursor(ctx context.Context, roomID, userID string) ([]byte, error) {
	b, err := p.rdb.Get(ctx, cursorKey(roomID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

// KEYS[1] = roomKey, KEYS[2] = namesKey, ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// AliveMembers drops expired members and returns the rest ordered by
// expiry.
func (p *Presence) AliveMembers(ctx context.Context, roomID string) ([]Member, error) {
	now := p.now().Unix()
	if err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(roomID), namesKey(roomID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	ids, err := p.rdb.ZRangeByScore(ctx, roomKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return []Member{}, nil
	}

	names, err := p.rdb.HMGet(ctx, namesKey(roomID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, Member{UserID: id, UserName: name})
	}
	return members, nil
}

// Rooms lists rooms that have had members, pruning ones that are now empty.
func (p *Presence) Rooms(ctx context.Context) ([]string, error) {
	ids, err := p.rdb.SMembers(ctx, roomsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := p.rdb.ZCard(ctx, roomKey(id)).Result()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			p.rdb.SRem(ctx, roomsKey(), id)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}
