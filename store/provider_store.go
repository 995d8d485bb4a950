package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/leasecache/clock"
	"github.com/unkn0wn-root/leasecache/internal/shard"
	"github.com/unkn0wn-root/leasecache/internal/wire"
	pr "github.com/unkn0wn-root/leasecache/provider"
)

// CostFunc weighs a framed entry for cost-aware providers.
type CostFunc func(storageKey string, raw []byte) int64

type ProviderConfig struct {
	Provider pr.Provider // required
	Clock    clock.Clock
	Shards   int
	Cost     CostFunc // nil => len(raw)
}

// ProviderStore frames entries into a byte Provider. The provider owns the bytes;
// a local sharded index (region/key -> deadline) backs ListRegion and Sweep, since
// providers cannot enumerate their keys.
type ProviderStore struct {
	p      pr.Provider
	clk    clock.Clock
	cost   CostFunc
	index  *shard.Map[time.Time]
	closed atomic.Bool
}

var _ Store = (*ProviderStore)(nil)

func NewProviderStore(cfg ProviderConfig) (*ProviderStore, error) {
	if cfg.Provider == nil {
		return nil, errors.New("leasecache: provider is required")
	}
	cost := cfg.Cost
	if cost == nil {
		cost = func(_ string, raw []byte) int64 { return int64(len(raw)) }
	}
	return &ProviderStore{
		p:     cfg.Provider,
		clk:   clock.Or(cfg.Clock),
		cost:  cost,
		index: shard.New[time.Time](cfg.Shards),
	}, nil
}

// storageKey length-prefixes the region so "a:b"/"c" and "a"/"b:c" never collide.
func storageKey(region, key string) string {
	return "entry:" + strconv.Itoa(len(region)) + ":" + region + ":" + key
}

// Put holds the key's index shard across the provider write, so a reader or sweeper
// deleting an expired value cannot interleave with it and undo the new one.
func (s *ProviderStore) Put(ctx context.Context, key, region string, p Payload, ttl time.Duration) error {
	if s.closed.Load() {
		return ErrClosed
	}
	e, err := newEntry(s.clk, key, region, p, ttl)
	if err != nil {
		return err
	}
	raw, err := encodeEntry(e)
	if err != nil {
		return err
	}
	sk := storageKey(e.Region, e.Key)
	tk := tableKey(e.Region, e.Key)
	sh := s.index.For(tk)
	sh.Lock()
	defer sh.Unlock()
	ok, err := s.p.Set(ctx, sk, raw, s.cost(sk, raw), ttl)
	if err != nil {
		delete(sh.Items, tk)
		return fmt.Errorf("leasecache: provider set %q: %w", sk, err)
	}
	if !ok {
		delete(sh.Items, tk)
		return ErrRejected
	}
	sh.Items[tk] = e.ExpiresAt
	return nil
}

func (s *ProviderStore) Get(ctx context.Context, key, region string) (Entry, error) {
	if s.closed.Load() {
		return Entry{}, ErrClosed
	}
	if err := checkRegion(region); err != nil {
		return Entry{}, err
	}
	region = Region(region)
	sk := storageKey(region, key)
	raw, ok, err := s.p.Get(ctx, sk)
	if err != nil {
		return Entry{}, fmt.Errorf("leasecache: provider get %q: %w", sk, err)
	}
	if !ok {
		s.evictIf(ctx, region, key, func(time.Time, bool) bool { return false })
		return Entry{}, ErrNotFound
	}
	e, err := decodeEntry(raw)
	if err != nil || e.Key != key || e.Region != region {
		// self-heal: foreign or corrupt bytes under our key
		s.evictIf(ctx, region, key, func(time.Time, bool) bool { return true })
		return Entry{}, ErrNotFound
	}
	if !e.Live(s.clk.Now()) {
		s.evictIf(ctx, region, key, func(exp time.Time, present bool) bool {
			return present && exp.Equal(e.ExpiresAt)
		})
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// evictIf deletes the provider value when del approves the indexed deadline, and
// always drops a stale index slot for a value the provider no longer has.
func (s *ProviderStore) evictIf(ctx context.Context, region, key string, del func(exp time.Time, present bool) bool) {
	tk := tableKey(region, key)
	sh := s.index.For(tk)
	sh.Lock()
	defer sh.Unlock()
	exp, present := sh.Items[tk]
	if del(exp, present) {
		_ = s.p.Del(ctx, storageKey(region, key))
		delete(sh.Items, tk)
		return
	}
	if present {
		if _, ok, err := s.p.Get(ctx, storageKey(region, key)); err == nil && !ok {
			delete(sh.Items, tk)
		}
	}
}

func (s *ProviderStore) Invalidate(ctx context.Context, key, region string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := checkRegion(region); err != nil {
		return err
	}
	region = Region(region)
	sk := storageKey(region, key)
	tk := tableKey(region, key)
	sh := s.index.For(tk)
	sh.Lock()
	defer sh.Unlock()
	if err := s.p.Del(ctx, sk); err != nil {
		return fmt.Errorf("leasecache: provider del %q: %w", sk, err)
	}
	delete(sh.Items, tk)
	return nil
}

func (s *ProviderStore) ListRegion(_ context.Context, region string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkRegion(region); err != nil {
		return nil, err
	}
	region = Region(region)
	now := s.clk.Now()
	var keys []string
	for _, sh := range s.index.Shards() {
		sh.RLock()
		for tk, exp := range sh.Items {
			r, k := splitTableKey(tk)
			if r == region && (exp.IsZero() || exp.After(now)) {
				keys = append(keys, k)
			}
		}
		sh.RUnlock()
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *ProviderStore) Sweep(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	now := s.clk.Now()
	removed := 0
	var errs []error
	var candidates []string
	for _, sh := range s.index.Shards() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		candidates = candidates[:0]
		sh.RLock()
		for tk, exp := range sh.Items {
			if !exp.IsZero() && !exp.After(now) {
				candidates = append(candidates, tk)
			}
		}
		sh.RUnlock()

		for _, tk := range candidates {
			region, key := splitTableKey(tk)
			sh.Lock()
			exp, ok := sh.Items[tk]
			if !ok || exp.IsZero() || exp.After(now) {
				sh.Unlock()
				continue
			}
			if err := s.p.Del(ctx, storageKey(region, key)); err != nil {
				sh.Unlock()
				errs = append(errs, fmt.Errorf("sweep %s/%s: %w", region, key, err))
				continue
			}
			delete(sh.Items, tk)
			removed++
			sh.Unlock()
		}
	}
	return removed, errors.Join(errs...)
}

func (s *ProviderStore) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.index.Clear()
	return s.p.Close(ctx)
}

func encodeEntry(e Entry) ([]byte, error) {
	r := wire.Record{Region: e.Region, Key: e.Key, Data: e.Payload.raw()}
	switch e.Payload.Kind() {
	case KindBlob:
		r.Kind = wire.KindBlob
	case KindURI:
		r.Kind = wire.KindURI
	default:
		return nil, ErrInvalidPayload
	}
	if !e.ExpiresAt.IsZero() {
		r.ExpiresAt = e.ExpiresAt.UnixNano()
	}
	return wire.Encode(r)
}

func decodeEntry(raw []byte) (Entry, error) {
	r, err := wire.Decode(raw)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Key: r.Key, Region: r.Region}
	switch r.Kind {
	case wire.KindBlob:
		e.Payload = Blob(r.Data)
	case wire.KindURI:
		e.Payload = URIRef(string(r.Data))
	}
	if r.ExpiresAt != 0 {
		e.ExpiresAt = time.Unix(0, r.ExpiresAt)
	}
	return e, nil
}
