package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/leasecache/clock"
)

const (
	defaultRedisPrefix           = "leasecache"
	defaultRedisOperationTimeout = 3 * time.Second
)

type RedisConfig struct {
	Client           redis.UniversalClient // required
	Prefix           string                // default "leasecache"
	OperationTimeout time.Duration         // per call; default 3s
	Clock            clock.Clock
	CloseClient      bool // set true only if this store exclusively owns the client
}

func (c *RedisConfig) normalize() {
	if strings.TrimSpace(c.Prefix) == "" {
		c.Prefix = defaultRedisPrefix
	}
	c.Prefix = strings.TrimRight(c.Prefix, ":")
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultRedisOperationTimeout
	}
}

// Redis keeps entries in a shared Redis so every instance sees the same table.
//
// Keys:
//
//	<prefix>:entry:<len(region)>:<region>:<key>  framed entry, PX = ttl
//	<prefix>:region:<region>                     set of keys written to region
//	<prefix>:regions                             set of regions ever written
//
// Redis expires entry keys on its own; Sweep prunes index members whose entry is
// gone or expired.
type Redis struct {
	rdb    redis.UniversalClient
	clk    clock.Clock
	cfg    RedisConfig
	closed atomic.Bool
}

var _ Store = (*Redis)(nil)

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, errors.New("leasecache: redis client is required")
	}
	cfg.normalize()
	return &Redis{rdb: cfg.Client, clk: clock.Or(cfg.Clock), cfg: cfg}, nil
}

func (s *Redis) entryKey(region, key string) string {
	return s.cfg.Prefix + ":" + storageKey(region, key)
}

func (s *Redis) regionKey(region string) string { return s.cfg.Prefix + ":region:" + region }

func (s *Redis) regionsKey() string { return s.cfg.Prefix + ":regions" }

func (s *Redis) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.OperationTimeout)
}

func (s *Redis) Put(ctx context.Context, key, region string, p Payload, ttl time.Duration) error {
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
	opCtx, cancel := s.op(ctx)
	defer cancel()
	_, err = s.rdb.TxPipelined(opCtx, func(pipe redis.Pipeliner) error {
		pipe.Set(opCtx, s.entryKey(e.Region, e.Key), raw, ttl)
		pipe.SAdd(opCtx, s.regionKey(e.Region), e.Key)
		pipe.SAdd(opCtx, s.regionsKey(), e.Region)
		return nil
	})
	if err != nil {
		return fmt.Errorf("leasecache: redis put %s/%s: %w", e.Region, e.Key, err)
	}
	return nil
}

func (s *Redis) Get(ctx context.Context, key, region string) (Entry, error) {
	if s.closed.Load() {
		return Entry{}, ErrClosed
	}
	if err := checkRegion(region); err != nil {
		return Entry{}, err
	}
	region = Region(region)
	opCtx, cancel := s.op(ctx)
	defer cancel()
	raw, err := s.rdb.Get(opCtx, s.entryKey(region, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("leasecache: redis get %s/%s: %w", region, key, err)
	}
	e, err := decodeEntry(raw)
	if err != nil || e.Key != key || e.Region != region || !e.Live(s.clk.Now()) {
		_, _ = s.prune(opCtx, region, deadMember{key: key, raw: raw})
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *Redis) Invalidate(ctx context.Context, key, region string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := checkRegion(region); err != nil {
		return err
	}
	region = Region(region)
	opCtx, cancel := s.op(ctx)
	defer cancel()
	if err := s.remove(opCtx, region, key); err != nil {
		return fmt.Errorf("leasecache: redis invalidate %s/%s: %w", region, key, err)
	}
	return nil
}

func (s *Redis) remove(ctx context.Context, region, key string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.entryKey(region, key))
		pipe.SRem(ctx, s.regionKey(region), key)
		return nil
	})
	return err
}

func (s *Redis) ListRegion(ctx context.Context, region string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkRegion(region); err != nil {
		return nil, err
	}
	region = Region(region)
	opCtx, cancel := s.op(ctx)
	defer cancel()
	live, _, err := s.classify(opCtx, region)
	if err != nil {
		return nil, err
	}
	sort.Strings(live)
	return live, nil
}

// pruneMissing drops an index member only if its entry is still absent.
var pruneMissing = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return redis.call("SREM", KEYS[2], ARGV[1])
end
return 0
`)

// pruneExact deletes an entry only if it still holds the exact bytes the sweep
// judged expired, so a concurrent Put is never undone.
var pruneExact = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[2] then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// dropEmptyRegion forgets a region whose index set has emptied, atomically with
// respect to a Put re-adding keys.
var dropEmptyRegion = redis.NewScript(`
if redis.call("SCARD", KEYS[1]) == 0 then
  return redis.call("SREM", KEYS[2], ARGV[1])
end
return 0
`)

type deadMember struct {
	key string
	raw []byte // nil when the entry key was missing
}

// classify splits a region's index members into live keys and dead ones
// (missing, corrupt or expired).
func (s *Redis) classify(ctx context.Context, region string) (live []string, dead []deadMember, err error) {
	members, err := s.rdb.SMembers(ctx, s.regionKey(region)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("leasecache: redis members %s: %w", region, err)
	}
	if len(members) == 0 {
		return nil, nil, nil
	}
	cmds := make([]*redis.StringCmd, len(members))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, k := range members {
			cmds[i] = pipe.Get(ctx, s.entryKey(region, k))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("leasecache: redis scan %s: %w", region, err)
	}
	now := s.clk.Now()
	for i, k := range members {
		raw, err := cmds[i].Bytes()
		if errors.Is(err, redis.Nil) {
			dead = append(dead, deadMember{key: k})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("leasecache: redis get %s/%s: %w", region, k, err)
		}
		e, err := decodeEntry(raw)
		if err != nil || !e.Live(now) {
			dead = append(dead, deadMember{key: k, raw: raw})
			continue
		}
		live = append(live, k)
	}
	return live, dead, nil
}

func (s *Redis) prune(ctx context.Context, region string, m deadMember) (bool, error) {
	keys := []string{s.entryKey(region, m.key), s.regionKey(region)}
	var (
		n   int64
		err error
	)
	if m.raw == nil {
		n, err = pruneMissing.Run(ctx, s.rdb, keys, m.key).Int64()
	} else {
		n, err = pruneExact.Run(ctx, s.rdb, keys, m.key, m.raw).Int64()
	}
	return n > 0, err
}

// Sweep walks one region at a time and prunes dead members one by one; a failure
// on a key or region is recorded and the walk moves on.
func (s *Redis) Sweep(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	opCtx, cancel := s.op(ctx)
	regions, err := s.rdb.SMembers(opCtx, s.regionsKey()).Result()
	cancel()
	if err != nil {
		return 0, fmt.Errorf("leasecache: redis regions: %w", err)
	}

	removed := 0
	var errs []error
	for _, region := range regions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		n, err := s.sweepRegion(ctx, region)
		removed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}

func (s *Redis) sweepRegion(ctx context.Context, region string) (int, error) {
	opCtx, cancel := s.op(ctx)
	defer cancel()
	live, dead, err := s.classify(opCtx, region)
	if err != nil {
		return 0, err
	}
	removed := 0
	var errs []error
	for _, m := range dead {
		ok, err := s.prune(opCtx, region, m)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep %s/%s: %w", region, m.key, err))
			continue
		}
		if ok && m.raw != nil {
			removed++
		}
	}
	if len(live) == 0 && len(errs) == 0 {
		err := dropEmptyRegion.Run(opCtx, s.rdb, []string{s.regionKey(region), s.regionsKey()}, region).Err()
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep region %s: %w", region, err))
		}
	}
	return removed, errors.Join(errs...)
}

// Close releases the client only when this store owns it.
func (s *Redis) Close(context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.cfg.CloseClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}
