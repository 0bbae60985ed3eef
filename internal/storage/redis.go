package storage

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/milkywaybrain/tickhub/internal/config"
	"github.com/redis/go-redis/v9"
)

// Redis mirrors the latest tick of every symbol and publishes each committed tick,
// so other processes can read a snapshot without querying the time series store.
type Redis struct {
	Client *redis.Client
	Cfg    *config.Redis
}

// NewRedis initializes redis connection with configured values.
func NewRedis(appCtx context.Context, cfg *config.Redis) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := requestCtx(appCtx, cfg.ReqTimeoutSec)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return &Redis{Client: rdb, Cfg: cfg}, nil
}

// Name returns the storage name used in config.
func (r *Redis) Name() string { return "redis" }

// CommitTicks sets the latest tick per symbol and publishes every tick in one pipeline.
// Ticks of a batch are in arrival order, so the last write per key wins.
func (r *Redis) CommitTicks(appCtx context.Context, data []MarketTick) error {
	if len(data) == 0 {
		return nil
	}
	ctx, cancel := requestCtx(appCtx, r.Cfg.ReqTimeoutSec)
	defer cancel()

	ttl := time.Duration(r.Cfg.TTLSec) * time.Second
	pipe := r.Client.Pipeline()
	for _, tick := range data {
		payload, err := jsoniter.Marshal(tick)
		if err != nil {
			return err
		}
		pipe.Set(ctx, r.Cfg.KeyPrefix+tick.Symbol, payload, ttl)
		pipe.Publish(ctx, r.Cfg.ChannelPrefix+tick.Symbol, payload)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Latest returns the last committed tick of a symbol.
func (r *Redis) Latest(ctx context.Context, symbol string) (MarketTick, error) {
	var tick MarketTick
	payload, err := r.Client.Get(ctx, r.Cfg.KeyPrefix+symbol).Bytes()
	if err != nil {
		return tick, err
	}
	err = jsoniter.Unmarshal(payload, &tick)
	return tick, err
}

// Close closes the redis client.
func (r *Redis) Close() error {
	return r.Client.Close()
}
