/**
 * @description
 * Redis-backed webhook replay guard. The gateway redelivers events until they
 * are acknowledged, and a busy endpoint can see the same event id many times
 * in a short window. A SET NX with a TTL per event id lets the service
 * acknowledge obvious replays without opening a database transaction. The
 * guard is strictly an optimization: Redis being down or the key expiring
 * early just routes the event to the database idempotency anchors.
 */

package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const eventGuardPrefix = "settlement:webhook_event:"

// RedisEventGuard implements ReplayGuard on a shared Redis instance.
type RedisEventGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisEventGuard creates a guard remembering event ids for ttl.
func NewRedisEventGuard(client *redis.Client, ttl time.Duration) *RedisEventGuard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisEventGuard{client: client, ttl: ttl}
}

// Seen records the event id and reports whether it was already present. The
// check and the write are one atomic SET NX so concurrent deliveries of the
// same event agree on a single winner.
func (g *RedisEventGuard) Seen(ctx context.Context, eventID string) (bool, error) {
	ok, err := g.client.SetNX(ctx, eventGuardPrefix+eventID, "1", g.ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// Forget releases an event id claimed by Seen. Called when applying the
// event failed, so the redelivery is processed instead of short-circuited.
func (g *RedisEventGuard) Forget(ctx context.Context, eventID string) error {
	return g.client.Del(ctx, eventGuardPrefix+eventID).Err()
}
