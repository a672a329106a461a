package returner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flotilla-sh/flotilla/pkg/types"
)

// retTTL bounds how long returns stay queryable in Redis.
const retTTL = 24 * time.Hour

// Redis stores returns in a Redis instance: the serialized result under
// ret:<jid>:<minion>, plus index sets so upstream tooling can enumerate
// jids and minions that have reported.
type Redis struct {
	client *redis.Client
}

// NewRedis builds the redis sink.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (r *Redis) Name() string { return "redis" }

func (r *Redis) Save(ctx context.Context, ret types.ExecutionResult) error {
	raw, err := json.Marshal(ret)
	if err != nil {
		return fmt.Errorf("marshal return: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, sinkKey(ret), raw, retTTL)
	pipe.SAdd(ctx, "minions", ret.MinionID)
	pipe.SAdd(ctx, "jids", ret.JID)
	pipe.Expire(ctx, "jids", retTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis save: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
