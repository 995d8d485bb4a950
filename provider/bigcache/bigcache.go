package bigcache

import (
	"context"
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"

	pr "github.com/unkn0wn-root/leasecache/provider"
)

// Provider keeps framed entries in bigcache's sharded byte arena.
// bigcache evicts by a global LifeWindow, not per key; entry expiry is still exact
// because every framed entry carries its own deadline.
type Provider struct {
	c *bc.BigCache
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	LifeWindow         time.Duration // should exceed the longest entry TTL you use
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // 0 = unlimited
}

func New(cfg Config) (*Provider, error) {
	if cfg.LifeWindow <= 0 {
		cfg.LifeWindow = 24 * time.Hour
	}
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := p.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (p *Provider) Set(_ context.Context, key string, value []byte, _ int64, _ time.Duration) (bool, error) {
	if err := p.c.Set(key, value); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	err := p.c.Delete(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil
	}
	return err
}

func (p *Provider) Close(_ context.Context) error {
	return p.c.Close()
}
