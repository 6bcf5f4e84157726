package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"storyforge/api/internal/util"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease never frees a lock that another holder has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX leases in Redis.
type RedisLocker struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	maxWait  time.Duration
	interval time.Duration
}

type RedisOptions struct {
	TTL      time.Duration
	MaxWait  time.Duration
	Interval time.Duration
}

// NewRedisLocker connects to redisURL and verifies it with a ping.
func NewRedisLocker(redisURL string, opts RedisOptions) (*RedisLocker, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisLockerWithClient(client, opts), nil
}

func NewRedisLockerWithClient(client *redis.Client, opts RedisOptions) *RedisLocker {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 5 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 25 * time.Millisecond
	}
	return &RedisLocker{
		client:   client,
		prefix:   "storyforge:lock:",
		ttl:      opts.TTL,
		maxWait:  opts.MaxWait,
		interval: opts.Interval,
	}
}

func (l *RedisLocker) key(name string) string {
	return l.prefix + name
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (Release, error) {
	key := l.key(name)
	token := util.NewID("lease")
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
					return fmt.Errorf("release lock %s: %w", name, err)
				}
				return nil
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, name)
		}
		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}
