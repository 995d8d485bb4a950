package main

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/leasecache"
	"github.com/unkn0wn-root/leasecache/config"
	"github.com/unkn0wn-root/leasecache/lock"
	"github.com/unkn0wn-root/leasecache/provider/bigcache"
	redisprovider "github.com/unkn0wn-root/leasecache/provider/redis"
	"github.com/unkn0wn-root/leasecache/provider/ristretto"
	"github.com/unkn0wn-root/leasecache/store"
)

// opener builds a Coordinator for one command invocation; closeFn releases it.
type opener func(ctx context.Context, cfg config.Config, log leasecache.Logger) (c *leasecache.Coordinator, closeFn func() error, err error)

func openBackends(ctx context.Context, cfg config.Config, log leasecache.Logger) (*leasecache.Coordinator, func() error, error) {
	var rdb *goredis.Client
	if cfg.RequiresRedis() {
		opt, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis.url: %w", err)
		}
		rdb = goredis.NewClient(opt)
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
	}
	closeRedis := func() error {
		if rdb == nil {
			return nil
		}
		return rdb.Close()
	}

	st, err := openStore(cfg, rdb)
	if err != nil {
		return nil, nil, errors.Join(err, closeRedis())
	}
	locks, err := openLocks(cfg, rdb)
	if err != nil {
		return nil, nil, errors.Join(err, st.Close(ctx), closeRedis())
	}

	c, err := leasecache.New(leasecache.Options{
		Store:         st,
		Locks:         locks,
		Logger:        log,
		Owner:         cfg.Owner,
		LeaseTTL:      cfg.Lease.TTL,
		MaxWait:       cfg.Populate.MaxWait,
		SweepInterval: cfg.Reaper.Interval,
		// one-shot commands sweep explicitly
		DisableReaper: true,
	})
	if err != nil {
		return nil, nil, errors.Join(err, locks.Close(ctx), st.Close(ctx), closeRedis())
	}
	return c, func() error {
		return errors.Join(c.Close(context.Background()), closeRedis())
	}, nil
}

func openStore(cfg config.Config, rdb *goredis.Client) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return store.NewMemory(store.MemoryConfig{Shards: cfg.Store.Shards}), nil
	case config.StoreRistretto:
		p, err := ristretto.New(ristretto.DefaultConfig(cfg.Ristretto.MaxCost))
		if err != nil {
			return nil, fmt.Errorf("ristretto: %w", err)
		}
		return store.NewProviderStore(store.ProviderConfig{Provider: p, Shards: cfg.Store.Shards})
	case config.StoreBigcache:
		p, err := bigcache.New(bigcache.Config{LifeWindow: cfg.Bigcache.LifeWindow})
		if err != nil {
			return nil, fmt.Errorf("bigcache: %w", err)
		}
		return store.NewProviderStore(store.ProviderConfig{Provider: p, Shards: cfg.Store.Shards})
	case config.StoreRedis:
		return store.NewRedis(store.RedisConfig{
			Client:           rdb,
			Prefix:           cfg.Redis.Prefix,
			OperationTimeout: cfg.Redis.OperationTimeout,
		})
	case config.StoreRedisKV:
		p, err := redisprovider.New(redisprovider.Config{Client: rdb, Prefix: cfg.Redis.Prefix + ":kv"})
		if err != nil {
			return nil, err
		}
		return store.NewProviderStore(store.ProviderConfig{Provider: p, Shards: cfg.Store.Shards})
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func openLocks(cfg config.Config, rdb *goredis.Client) (lock.Manager, error) {
	switch cfg.Locks.Backend {
	case config.LocksMemory:
		return lock.NewMemory(lock.MemoryConfig{Shards: cfg.Store.Shards}), nil
	case config.LocksRedis:
		return lock.NewRedis(lock.RedisConfig{
			Client:           rdb,
			Prefix:           cfg.Redis.Prefix + ":lock",
			OperationTimeout: cfg.Redis.OperationTimeout,
		})
	case config.LocksPostgres:
		return lock.NewPostgres(lock.PostgresConfig{
			URL:              cfg.Postgres.URL,
			Table:            cfg.Postgres.Table,
			OperationTimeout: cfg.Postgres.OperationTimeout,
		})
	}
	return nil, fmt.Errorf("unknown locks backend %q", cfg.Locks.Backend)
}
