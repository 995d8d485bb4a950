package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/leasecache/clock"
)

const (
	defaultRedisPrefix           = "leasecache:lock"
	defaultRedisOperationTimeout = 3 * time.Second
)

// Each lease is a hash {owner, fence} whose key expiry is the lease deadline, so
// Redis itself forgets expired leases. The fence counter is one key per prefix.
var (
	// KEYS: lease, fence counter. ARGV: owner, ttl ms.
	// Returns {1, fence} on grant, {0, holder, pttl} on denial.
	acquireScript = redis.NewScript(`
local holder = redis.call("HGET", KEYS[1], "owner")
if holder and holder ~= ARGV[1] then
  return {0, holder, redis.call("PTTL", KEYS[1])}
end
local fence
if holder then
  fence = tonumber(redis.call("HGET", KEYS[1], "fence"))
else
  fence = redis.call("INCR", KEYS[2])
end
redis.call("HSET", KEYS[1], "owner", ARGV[1], "fence", fence)
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return {1, fence}
`)

	renewScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
  return tonumber(redis.call("HGET", KEYS[1], "fence"))
end
return -1
`)

	releaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

	holderScript = redis.NewScript(`
local v = redis.call("HMGET", KEYS[1], "owner", "fence")
if not v[1] then
  return false
end
return {v[1], tonumber(v[2]), redis.call("PTTL", KEYS[1])}
`)
)

type RedisConfig struct {
	// Client is used as is. When nil, URL is dialed and the manager owns the client.
	Client           redis.UniversalClient
	URL              string
	Prefix           string
	OperationTimeout time.Duration
	Clock            clock.Clock
	CloseClient      bool
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

// Redis shares leases between instances through one Redis. Every transition is a
// Lua script, so the check-and-set is atomic on the server.
type Redis struct {
	client redis.UniversalClient
	clk    clock.Clock
	config RedisConfig
	closed atomic.Bool
}

var _ Manager = (*Redis)(nil)

func NewRedis(cfg RedisConfig) (*Redis, error) {
	cfg.normalize()
	if cfg.Client == nil {
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, lockError(ErrInvalidArgument, "redis client or url is required")
		}
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, errors.Join(lockError(ErrInvalidArgument, "parse redis url failed"), err)
		}
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis failed: %w", err)
		}
		cfg.Client = client
		cfg.CloseClient = true
	}
	return &Redis{client: cfg.Client, clk: clock.Or(cfg.Clock), config: cfg}, nil
}

func (r *Redis) leaseKey(uid string) string { return r.config.Prefix + ":lease:" + uid }

func (r *Redis) fenceKey() string { return r.config.Prefix + ":fence" }

func (r *Redis) Acquire(ctx context.Context, uid, owner string, ttl time.Duration) (Lease, error) {
	if r.closed.Load() {
		return Lease{}, ErrClosed
	}
	if err := validateIDs(uid, owner); err != nil {
		return Lease{}, err
	}
	d, err := Duration(ttl)
	if err != nil {
		return Lease{}, err
	}

	opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()
	now := r.clk.Now()
	res, err := acquireScript.Run(opCtx, r.client, []string{r.leaseKey(uid), r.fenceKey()}, owner, d.Milliseconds()).Slice()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lock %q failed: %w", uid, err)
	}
	if len(res) < 2 {
		return Lease{}, fmt.Errorf("acquire lock %q: unexpected reply %v", uid, res)
	}
	if granted, _ := res[0].(int64); granted == 1 {
		fence, _ := res[1].(int64)
		return Lease{UID: uid, Owner: owner, ExpiresAt: now.Add(d), Fence: uint64(fence)}, nil
	}
	holder, _ := res[1].(string)
	var pttl int64
	if len(res) > 2 {
		pttl, _ = res[2].(int64)
	}
	return Lease{}, &DeniedError{UID: uid, Owner: holder, ExpiresAt: now.Add(time.Duration(pttl) * time.Millisecond)}
}

func (r *Redis) Renew(ctx context.Context, uid, owner string, ttl time.Duration) (Lease, error) {
	if r.closed.Load() {
		return Lease{}, ErrClosed
	}
	if err := validateIDs(uid, owner); err != nil {
		return Lease{}, err
	}
	d, err := Duration(ttl)
	if err != nil {
		return Lease{}, err
	}

	opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()
	now := r.clk.Now()
	fence, err := renewScript.Run(opCtx, r.client, []string{r.leaseKey(uid)}, owner, d.Milliseconds()).Int64()
	if err != nil {
		return Lease{}, fmt.Errorf("renew lock %q failed: %w", uid, err)
	}
	if fence < 0 {
		return Lease{}, notHeld(uid, owner)
	}
	return Lease{UID: uid, Owner: owner, ExpiresAt: now.Add(d), Fence: uint64(fence)}, nil
}

func (r *Redis) Release(ctx context.Context, uid, owner string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := validateIDs(uid, owner); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()
	n, err := releaseScript.Run(opCtx, r.client, []string{r.leaseKey(uid)}, owner).Int64()
	if err != nil {
		return fmt.Errorf("release lock %q failed: %w", uid, err)
	}
	if n == 0 {
		return notHeld(uid, owner)
	}
	return nil
}

func (r *Redis) Holder(ctx context.Context, uid string) (Lease, bool, error) {
	if r.closed.Load() {
		return Lease{}, false, ErrClosed
	}
	opCtx, cancel := context.WithTimeout(ctx, r.config.OperationTimeout)
	defer cancel()
	now := r.clk.Now()
	res, err := holderScript.Run(opCtx, r.client, []string{r.leaseKey(uid)}).Slice()
	if errors.Is(err, redis.Nil) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("lock holder %q failed: %w", uid, err)
	}
	if len(res) < 3 {
		return Lease{}, false, fmt.Errorf("lock holder %q: unexpected reply %v", uid, res)
	}
	owner, _ := res[0].(string)
	fence, _ := res[1].(int64)
	pttl, _ := res[2].(int64)
	if pttl <= 0 {
		return Lease{}, false, nil
	}
	return Lease{
		UID:       uid,
		Owner:     owner,
		ExpiresAt: now.Add(time.Duration(pttl) * time.Millisecond),
		Fence:     uint64(fence),
	}, true, nil
}

// Sweep is a no-op: lease keys carry their own expiry.
func (r *Redis) Sweep(context.Context) (int, error) {
	if r.closed.Load() {
		return 0, ErrClosed
	}
	return 0, nil
}

func (r *Redis) Close(context.Context) error {
	if r.closed.Swap(true) {
		return nil
	}
	if r.config.CloseClient {
		if err := r.client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			return err
		}
	}
	return nil
}
