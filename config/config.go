// Package config loads the settings of the leasecache binary: defaults, then an
// optional file, then LEASECACHE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/unkn0wn-root/leasecache/lock"
)

const EnvPrefix = "LEASECACHE"

// Store backends.
const (
	StoreMemory    = "memory"
	StoreRistretto = "ristretto"
	StoreBigcache  = "bigcache"
	StoreRedis     = "redis"
	// entries framed into plain Redis string keys through provider/redis
	StoreRedisKV   = "redis-kv"
)

// Lock backends.
const (
	LocksMemory   = "memory"
	LocksRedis    = "redis"
	LocksPostgres = "postgres"
)

type Config struct {
	Owner     string          `mapstructure:"owner"`
	Store     StoreConfig     `mapstructure:"store"`
	Locks     LocksConfig     `mapstructure:"locks"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Populate  PopulateConfig  `mapstructure:"populate"`
	Log       LogConfig       `mapstructure:"log"`
	Ristretto RistrettoConfig `mapstructure:"ristretto"`
	Bigcache  BigcacheConfig  `mapstructure:"bigcache"`
}

type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Shards  int    `mapstructure:"shards"`
}

type LocksConfig struct {
	Backend string `mapstructure:"backend"`
}

type RedisConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type PostgresConfig struct {
	URL              string        `mapstructure:"url"`
	Table            string        `mapstructure:"table"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

type ReaperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type LeaseConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type PopulateConfig struct {
	MaxWait time.Duration `mapstructure:"max_wait"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RistrettoConfig struct {
	MaxCost int64 `mapstructure:"max_cost"`
}

type BigcacheConfig struct {
	LifeWindow time.Duration `mapstructure:"life_window"`
}

func Default() Config {
	return Config{
		Store:     StoreConfig{Backend: StoreMemory, Shards: 64},
		Locks:     LocksConfig{Backend: LocksMemory},
		Redis:     RedisConfig{URL: "redis://localhost:6379/0", Prefix: "leasecache", OperationTimeout: 3 * time.Second},
		Postgres:  PostgresConfig{Table: "leasecache_locks", OperationTimeout: 3 * time.Second},
		Reaper:    ReaperConfig{Interval: time.Minute},
		Lease:     LeaseConfig{TTL: lock.DefaultTTL},
		Populate:  PopulateConfig{MaxWait: 10 * time.Second},
		Log:       LogConfig{Level: "info", Format: "json"},
		Ristretto: RistrettoConfig{MaxCost: 64 << 20},
		Bigcache:  BigcacheConfig{LifeWindow: 24 * time.Hour},
	}
}

// Load reads path (optional) and the environment. Precedence: env > file > defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	if err := bindEnv(v); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("owner", d.Owner)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.shards", d.Store.Shards)
	v.SetDefault("locks.backend", d.Locks.Backend)
	v.SetDefault("redis.url", d.Redis.URL)
	v.SetDefault("redis.prefix", d.Redis.Prefix)
	v.SetDefault("redis.operation_timeout", d.Redis.OperationTimeout)
	v.SetDefault("postgres.url", d.Postgres.URL)
	v.SetDefault("postgres.table", d.Postgres.Table)
	v.SetDefault("postgres.operation_timeout", d.Postgres.OperationTimeout)
	v.SetDefault("reaper.interval", d.Reaper.Interval)
	v.SetDefault("lease.ttl", d.Lease.TTL)
	v.SetDefault("populate.max_wait", d.Populate.MaxWait)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("ristretto.max_cost", d.Ristretto.MaxCost)
	v.SetDefault("bigcache.life_window", d.Bigcache.LifeWindow)
}

// bindEnv binds every key explicitly; AutomaticEnv does not reach nested keys
// during Unmarshal.
func bindEnv(v *viper.Viper) error {
	var errs []error
	for _, key := range v.AllKeys() {
		env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		errs = append(errs, v.BindEnv(key, env))
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case StoreMemory, StoreRistretto, StoreBigcache, StoreRedis, StoreRedisKV:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want memory, ristretto, bigcache, redis or redis-kv", c.Store.Backend))
	}
	switch c.Locks.Backend {
	case LocksMemory, LocksRedis:
	case LocksPostgres:
		if strings.TrimSpace(c.Postgres.URL) == "" {
			errs = append(errs, errors.New("postgres.url is required for locks.backend=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("locks.backend %q: want memory, redis or postgres", c.Locks.Backend))
	}
	if c.RequiresRedis() && strings.TrimSpace(c.Redis.URL) == "" {
		errs = append(errs, errors.New("redis.url is required for redis backends"))
	}
	if _, err := lock.Duration(c.Lease.TTL); err != nil {
		errs = append(errs, fmt.Errorf("lease.ttl: %w", err))
	}
	if c.Populate.MaxWait < 0 {
		errs = append(errs, errors.New("populate.max_wait must not be negative"))
	}
	if c.Reaper.Interval <= 0 {
		errs = append(errs, errors.New("reaper.interval must be positive"))
	}
	if c.Store.Shards < 0 {
		errs = append(errs, errors.New("store.shards must not be negative"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// RequiresRedis reports whether any configured backend talks to Redis.
func (c Config) RequiresRedis() bool {
	switch {
	case c.Store.Backend == StoreRedis, c.Store.Backend == StoreRedisKV:
		return true
	default:
		return c.Locks.Backend == LocksRedis
	}
}
