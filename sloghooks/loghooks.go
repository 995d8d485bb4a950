package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/leasecache"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	HitEvery  uint64
	MissEvery uint64
	// Optional key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	hitCtr  atomic.Uint64
	missCtr atomic.Uint64
}

var _ leasecache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) CacheHit(region, key string) {
	if h.l == nil || !sample(h.opts.HitEvery, &h.hitCtr) {
		return
	}
	h.l.Debug("leasecache.cache_hit",
		"region", region,
		"key", h.redact(key))
}

func (h *Hooks) CacheMiss(region, key string) {
	if h.l == nil || !sample(h.opts.MissEvery, &h.missCtr) {
		return
	}
	h.l.Debug("leasecache.cache_miss",
		"region", region,
		"key", h.redact(key))
}

func (h *Hooks) LeaseDenied(uid, holder string) {
	if h.l == nil {
		return
	}
	h.l.Debug("leasecache.lease_denied",
		"uid", h.redact(uid),
		"holder", holder)
}

func (h *Hooks) PopulateWaited(region, key string, waited time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Info("leasecache.populate_waited",
		"region", region,
		"key", h.redact(key),
		"waited", waited)
}

func (h *Hooks) PopulateBusy(region, key, holder string) {
	if h.l == nil {
		return
	}
	h.l.Warn("leasecache.populate_busy",
		"region", region,
		"key", h.redact(key),
		"holder", holder)
}

func (h *Hooks) ProducerFailed(region, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("leasecache.producer_failed",
		"region", region,
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) LeaseLost(uid string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("leasecache.lease_lost",
		"uid", h.redact(uid),
		"err", err)
}

func (h *Hooks) SweepCompleted(entries, leases int, took time.Duration) {
	if h.l == nil || entries+leases == 0 {
		return
	}
	h.l.Debug("leasecache.sweep_completed",
		"entries", entries,
		"leases", leases,
		"took", took)
}

func (h *Hooks) SweepFailed(err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("leasecache.sweep_failed", "err", err)
}
