package ristretto

import (
	"context"
	"errors"
	"time"

	rc "github.com/dgraph-io/ristretto"

	pr "github.com/unkn0wn-root/leasecache/provider"
)

var ErrInvalidConfig = errors.New("ristretto provider: NumCounters, MaxCost and BufferItems must be > 0")

// Provider keeps framed entries in a cost-bounded ristretto cache.
type Provider struct {
	c *rc.Cache
}

var _ pr.Provider = (*Provider)(nil)

type Config struct {
	NumCounters int64 // ~10x expected item count
	MaxCost     int64 // budget in the unit returned by the store's cost func (bytes by default)
	BufferItems int64 // 64 is the upstream recommendation
	Metrics     bool
}

// DefaultConfig sizes the cache for roughly maxBytes of payload.
func DefaultConfig(maxBytes int64) Config {
	return Config{NumCounters: 1e6, MaxCost: maxBytes, BufferItems: 64}
}

func New(cfg Config) (*Provider, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, ErrInvalidConfig
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Provider{c: c}, nil
}

func (p *Provider) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := p.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		p.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set waits for ristretto's write buffer to drain so the value is readable as soon
// as Set returns. A put must be immediately visible to the next get.
func (p *Provider) Set(_ context.Context, key string, value []byte, cost int64, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	ok := p.c.SetWithTTL(key, value, cost, ttl)
	p.c.Wait()
	return ok, nil
}

func (p *Provider) Del(_ context.Context, key string) error {
	p.c.Del(key)
	return nil
}

func (p *Provider) Close(_ context.Context) error {
	p.c.Wait()
	p.c.Close()
	return nil
}

// Metrics exposes ristretto's counters when Config.Metrics is set.
func (p *Provider) Metrics() *rc.Metrics { return p.c.Metrics }
