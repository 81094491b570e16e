package redis

import (
	"context"
	"errors"
	"time"

	"appforge/internal/config"
	"appforge/internal/domain"

	"github.com/go-redis/redis/v8"
)

// RedisClient is the slice of Redis this service depends on: plain keys for
// cancellation flags, lists/zsets/hashes for the durable queues, pub/sub for
// queue event notifications. Keeping it an interface lets tests run against
// an in-memory fake.
type RedisClient interface {
	Ping(ctx context.Context) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, expiration time.Duration) error

	LPush(ctx context.Context, key string, values ...interface{}) error
	BRPopLPush(ctx context.Context, source, destination string, timeout time.Duration) (string, error)
	LRem(ctx context.Context, key string, count int64, value interface{}) (int64, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LTrim(ctx context.Context, key string, start, stop int64) error
	LLen(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key string, values ...interface{}) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error)
	ZRem(ctx context.Context, key string, members ...interface{}) (int64, error)

	Publish(ctx context.Context, channel string, message interface{}) error
	// Subscribe returns a channel of raw message payloads and a stop
	// function releasing the underlying subscription.
	Subscribe(ctx context.Context, channel string) (<-chan string, func() error)

	Close() error
}

var _ RedisClient = (*redClient)(nil)

type redClient struct {
	cli *redis.Client
}

// NewClient connects and pings; a durable broker is a hard requirement, so
// an unreachable Redis fails construction instead of degrading silently.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redClient, error) {
	opts := &redis.Options{
		Addr:     cfg.URL,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	c := redis.NewClient(opts)
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, domain.ErrQueueUnavailable
	}
	return &redClient{cli: c}, nil
}

// translate maps the driver's miss sentinel to our domain error so callers
// never import go-redis just to check redis.Nil.
func translate(err error) error {
	if errors.Is(err, redis.Nil) {
		return domain.ErrNotFound
	}
	return err
}

func (c *redClient) Ping(ctx context.Context) error { return c.cli.Ping(ctx).Err() }

func (c *redClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return c.cli.Set(ctx, key, value, expiration).Err()
}

func (c *redClient) Get(ctx context.Context, key string) (string, error) {
	v, err := c.cli.Get(ctx, key).Result()
	return v, translate(err)
}

func (c *redClient) Del(ctx context.Context, keys ...string) error {
	return c.cli.Del(ctx, keys...).Err()
}

func (c *redClient) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return c.cli.Expire(ctx, key, expiration).Err()
}

func (c *redClient) LPush(ctx context.Context, key string, values ...interface{}) error {
	return c.cli.LPush(ctx, key, values...).Err()
}

func (c *redClient) BRPopLPush(ctx context.Context, source, destination string, timeout time.Duration) (string, error) {
	v, err := c.cli.BRPopLPush(ctx, source, destination, timeout).Result()
	return v, translate(err)
}

func (c *redClient) LRem(ctx context.Context, key string, count int64, value interface{}) (int64, error) {
	return c.cli.LRem(ctx, key, count, value).Result()
}

func (c *redClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.cli.LRange(ctx, key, start, stop).Result()
}

func (c *redClient) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.cli.LTrim(ctx, key, start, stop).Err()
}

func (c *redClient) LLen(ctx context.Context, key string) (int64, error) {
	return c.cli.LLen(ctx, key).Result()
}

func (c *redClient) HSet(ctx context.Context, key string, values ...interface{}) error {
	return c.cli.HSet(ctx, key, values...).Err()
}

func (c *redClient) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.cli.HGet(ctx, key, field).Result()
	return v, translate(err)
}

func (c *redClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.cli.HGetAll(ctx, key).Result()
}

func (c *redClient) HDel(ctx context.Context, key string, fields ...string) error {
	return c.cli.HDel(ctx, key, fields...).Err()
}

func (c *redClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.cli.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

func (c *redClient) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	return c.cli.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

func (c *redClient) ZRem(ctx context.Context, key string, members ...interface{}) (int64, error) {
	return c.cli.ZRem(ctx, key, members...).Result()
}

func (c *redClient) Publish(ctx context.Context, channel string, message interface{}) error {
	return c.cli.Publish(ctx, channel, message).Err()
}

func (c *redClient) Subscribe(ctx context.Context, channel string) (<-chan string, func() error) {
	ps := c.cli.Subscribe(ctx, channel)
	out := make(chan string)
	go func() {
		defer close(out)
		for msg := range ps.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, ps.Close
}

func (c *redClient) Close() error { return c.cli.Close() }
