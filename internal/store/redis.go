package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the production Store: durable across restarts, the same
// get/set/hash/TTL/pipeline primitives backed by an actual Redis server.
type Redis struct {
	client *redis.Client
}

// NewRedis dials addr (host:port) and returns a Store. It does not verify
// connectivity eagerly; the first operation will surface a dial error.
func NewRedis(addr, password string, db int) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

// NewRedisFromClient wraps an already-constructed client, used by tests
// that dial a miniredis instance.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

// Keys enumerates keys matching prefix+"*" using a non-blocking SCAN
// cursor rather than KEYS, so enumeration never stalls the server.
func (r *Redis) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	var cursor uint64
	pattern := prefix + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 0).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	return r.client.HSet(ctx, key, field, value).Err()
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	return r.client.HDel(ctx, key, fields...).Err()
}

// Pipeline commits every queued write inside a Redis MULTI/EXEC block, so
// the Config Loader's reload is atomic from any reader's perspective.
func (r *Redis) Pipeline(ctx context.Context, fn func(p Pipeliner)) error {
	_, err := r.client.TxPipelined(ctx, func(tx redis.Pipeliner) error {
		p := &redisPipeliner{ctx: ctx, tx: tx}
		fn(p)
		return p.err
	})
	return err
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisPipeliner struct {
	ctx context.Context
	tx  redis.Pipeliner
	err error
}

func (p *redisPipeliner) Set(key, value string, ttl time.Duration) {
	p.tx.Set(p.ctx, key, value, ttl)
}

func (p *redisPipeliner) Delete(keys ...string) {
	if len(keys) == 0 {
		return
	}
	p.tx.Del(p.ctx, keys...)
}

func (p *redisPipeliner) HSet(key, field, value string) {
	p.tx.HSet(p.ctx, key, field, value)
}

func (p *redisPipeliner) HDel(key string, fields ...string) {
	if len(fields) == 0 {
		return
	}
	p.tx.HDel(p.ctx, key, fields...)
}

func (p *redisPipeliner) Expire(key string, ttl time.Duration) {
	p.tx.Expire(p.ctx, key, ttl)
}

var _ Store = (*Redis)(nil)
