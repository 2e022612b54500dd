package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/slichti/studio-chat/logger"
)

// Presence bookkeeping is best-effort: the coordinator's session set is
// authoritative, Redis only mirrors it for dashboards and the rest of the
// product. Key: chat:presence:<tenant>:<room> (set of user ids, TTL'd).

const presenceTTL = 2 * time.Hour

type RedisPresence struct {
	rdb *redis.Client
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisPresence(c RedisConfig) (*RedisPresence, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisPresence{rdb: rdb}, nil
}

func presenceKey(tenantID, roomID string) string {
	return "chat:presence:" + tenantID + ":" + roomID
}

func (p *RedisPresence) Joined(ctx context.Context, tenantID, roomID, userID string) {
	key := presenceKey(tenantID, roomID)
	pipe := p.rdb.Pipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warnf("[presence] join mirror failed room=%s: %v", roomID, err)
	}
}

func (p *RedisPresence) Left(ctx context.Context, tenantID, roomID, userID string) {
	if err := p.rdb.SRem(ctx, presenceKey(tenantID, roomID), userID).Err(); err != nil {
		logger.Warnf("[presence] leave mirror failed room=%s: %v", roomID, err)
	}
}

// Members lists the mirrored occupants of a room.
func (p *RedisPresence) Members(ctx context.Context, tenantID, roomID string) ([]string, error) {
	return p.rdb.SMembers(ctx, presenceKey(tenantID, roomID)).Result()
}

func (p *RedisPresence) Close() error { return p.rdb.Close() }
