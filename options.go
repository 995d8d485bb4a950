package leasecache

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/unkn0wn-root/leasecache/clock"
	"github.com/unkn0wn-root/leasecache/lock"
	"github.com/unkn0wn-root/leasecache/store"
)

// Policy decides what GetOrPopulate does when another owner holds the lease.
type Policy uint8

const (
	// PolicyDefault defers to Options.Policy (Block if that is unset too).
	PolicyDefault Policy = iota
	// Block retries with backoff until the lease frees, the winner's entry appears,
	// or MaxWait elapses (then ErrBusy).
	Block
	// BestEffort returns ErrBusy on the first denial.
	BestEffort
)

func (p Policy) String() string {
	switch p {
	case Block:
		return "block"
	case BestEffort:
		return "best_effort"
	default:
		return "default"
	}
}

// UIDFunc maps a cache entry to the lease that guards it.
type UIDFunc func(region, key string) string

// KeyUID guards every entry by its key alone, regardless of region.
func KeyUID(_, key string) string { return key }

// Options configure a Coordinator. Store and Locks are required.
type Options struct {
	Store store.Store
	Locks lock.Manager

	Clock  clock.Clock // nil => clock.Real; resolves absolute expirations in records
	Logger Logger      // nil => NopLogger
	Hooks  Hooks       // nil => NopHooks

	Owner    string        // default owner identity; "" => random uuid per Coordinator
	LeaseTTL time.Duration // 0 => lock.DefaultTTL; must be <= lock.MaxTTL
	Policy   Policy        // PolicyDefault => Block
	MaxWait  time.Duration // Block budget; 0 => 10s; negative is invalid
	UID      UIDFunc       // nil => KeyUID

	BackoffInitial time.Duration // 0 => 25ms
	BackoffMax     time.Duration // 0 => 1s

	SweepInterval time.Duration // 0 => 1m; negative is invalid
	DisableReaper bool          // sweep only via Sweep()
}

// Coordinator sequences calls into the store and the lease table. It owns no
// table state of its own.
type Coordinator struct {
	store  store.Store
	locks  lock.Manager
	clk    clock.Clock
	log    Logger
	hooks  Hooks
	reaper *Reaper
	group  singleflight.Group

	owner          string
	leaseTTL       time.Duration
	policy         Policy
	maxWait        time.Duration
	uid            UIDFunc
	backoffInitial time.Duration
	backoffMax     time.Duration
}

func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("leasecache: store is required")
	}
	if opts.Locks == nil {
		return nil, errors.New("leasecache: lock manager is required")
	}
	leaseTTL, err := lock.Duration(opts.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if opts.MaxWait < 0 {
		return nil, ErrInvalidWait
	}

	c := &Coordinator{
		store:    opts.Store,
		locks:    opts.Locks,
		leaseTTL: leaseTTL,
	}

	// defaults
	c.clk = clock.Or(opts.Clock)
	c.log = coalesce[Logger](opts.Logger, NopLogger{})
	c.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	c.owner = coalesce(opts.Owner, "leasecache-"+uuid.NewString())
	c.policy = coalesce(opts.Policy, Block)
	c.maxWait = coalesce(opts.MaxWait, defaultMaxWait)
	c.backoffInitial = coalesce(opts.BackoffInitial, defaultBackoffInitial)
	c.backoffMax = coalesce(opts.BackoffMax, defaultBackoffMax)
	if opts.UID != nil {
		c.uid = opts.UID
	} else {
		c.uid = KeyUID
	}

	c.reaper, err = NewReaper(c.store, c.locks, ReaperOptions{
		Interval: opts.SweepInterval,
		Logger:   c.log,
		Hooks:    c.hooks,
	})
	if err != nil {
		return nil, err
	}
	if !opts.DisableReaper {
		c.reaper.Start()
	}
	return c, nil
}

// Owner is the identity used when a call does not name one.
func (c *Coordinator) Owner() string { return c.owner }

// Store exposes the entry table for diagnostics.
func (c *Coordinator) Store() store.Store { return c.store }

// Locks exposes the lease table for diagnostics.
func (c *Coordinator) Locks() lock.Manager { return c.locks }
