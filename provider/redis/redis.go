package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	pr "github.com/unkn0wn-root/leasecache/provider"
)

var ErrNilClient = errors.New("redis provider: nil client")

// Redis is a byte provider over a shared Redis. Use it when the framed entries should
// be visible to every instance but the local index (listing, sweeping) may stay local;
// store.Redis keeps the index in Redis too.
type Redis struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

var _ pr.Provider = (*Redis)(nil)

type Config struct {
	Client      goredis.UniversalClient
	Prefix      string // optional, prepended as "<prefix>:"
	CloseClient bool   // set true only if this provider exclusively owns the client
}

func New(cfg Config) (*Redis, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Redis{rdb: cfg.Client, prefix: cfg.Prefix, closeClient: cfg.CloseClient}, nil
}

func (p *Redis) key(k string) string {
	if p.prefix == "" {
		return k
	}
	return p.prefix + ":" + k
}

func (p *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := p.rdb.Get(ctx, p.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Redis) Set(ctx context.Context, key string, value []byte, _ int64, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	if err := p.rdb.Set(ctx, p.key(key), value, ttl).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Redis) Del(ctx context.Context, key string) error {
	return p.rdb.Del(ctx, p.key(key)).Err()
}

// Close releases the client only when this provider owns it. Repeated calls are no-ops.
func (p *Redis) Close(context.Context) error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
