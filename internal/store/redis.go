package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pulse/config"
	"pulse/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const scanBatch = 500

// Redis is the production KV backend.
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
	log       *zap.Logger
}

// NewRedis connects and pings the server; failure here is fatal at startup.
func NewRedis(ctx context.Context, cfg *config.RedisConfig, log *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
		MaxRetries:  3,
	})
	r := NewRedisFromClient(client, cfg.OpTimeout, log)
	if err := r.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info("redis connection established", zap.String("addr", cfg.Addr()), zap.Int("db", cfg.DB))
	return r, nil
}

func NewRedisFromClient(client *redis.Client, opTimeout time.Duration, log *zap.Logger) *Redis {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &Redis{client: client, opTimeout: opTimeout, log: log}
}

func (r *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *Redis) unavailable(op string, err error) error {
	r.log.Warn("redis operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", r.unavailable("get", err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return r.unavailable("set", err)
	}
	return nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var (
		ok  bool
		err error
	)
	if ttl > 0 {
		ok, err = r.client.Expire(ctx, key, ttl).Result()
	} else {
		ok, err = r.client.Persist(ctx, key).Result()
	}
	if err != nil {
		return false, r.unavailable("expire", err)
	}
	return ok, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return r.unavailable("del", err)
	}
	return nil
}

// Keys walks the keyspace with SCAN so a large keyspace never blocks the server.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var (
		out    []string
		cursor uint64
	)
	seen := make(map[string]struct{})
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, r.unavailable("scan", err)
		}
		for _, k := range keys {
			if _, dup := seen[k]; !dup {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.SAdd(ctx, key, toArgs(members)...).Err(); err != nil {
		return r.unavailable("sadd", err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.SRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return r.unavailable("srem", err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	out, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, r.unavailable("smembers", err)
	}
	return out, nil
}

func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Publish(ctx, channel, message).Err(); err != nil {
		return r.unavailable("publish", err)
	}
	return nil
}

// Subscribe confirms the subscription before returning so that messages
// published after the call are not lost.
func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	rctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if _, err := ps.Receive(rctx); err != nil {
		_ = ps.Close()
		return nil, r.unavailable("subscribe", err)
	}
	sub := &redisSub{ps: ps, ch: make(chan string, 256), done: make(chan struct{})}
	go sub.forward()
	return sub, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return r.unavailable("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan string
	done chan struct{}
	once sync.Once
}

func (s *redisSub) forward() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- msg.Payload:
		case <-s.done:
			return
		}
	}
}

func (s *redisSub) Messages() <-chan string {
	return s.ch
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}
