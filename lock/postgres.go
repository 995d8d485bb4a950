package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	"github.com/unkn0wn-root/leasecache/clock"
)

const (
	defaultPostgresTable           = "leasecache_locks"
	defaultPostgresOperationTimout = 3 * time.Second
	postgresAcquireAttempts        = 3
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

type PostgresConfig struct {
	URL              string
	Table            string
	OperationTimeout time.Duration
	Clock            clock.Clock
}

func (c *PostgresConfig) normalize() {
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultPostgresTable
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultPostgresOperationTimout
	}
}

// Postgres keeps one row per UID. Acquire is a single upsert whose conflict branch
// only fires when the existing row is expired or already ours, so the row lock
// Postgres takes for the upsert is the per-UID critical section.
//
// Deadlines are computed from the manager's clock and compared against it, not
// against the server's NOW(), so all instances must run reasonably synced clocks.
type Postgres struct {
	db     *sql.DB
	clk    clock.Clock
	config PostgresConfig
	closed atomic.Bool

	acquireQuery string
	holderQuery  string
	renewQuery   string
	releaseQuery string
	sweepQuery   string
}

var _ Manager = (*Postgres)(nil)

func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, lockError(ErrInvalidArgument, "postgres url is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrInvalidArgument, fmt.Sprintf("invalid postgres table name %q", cfg.Table))
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres failed: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.OperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres failed: %w", err)
	}
	p := newPostgres(db, cfg)
	if err := p.ensureTable(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func newPostgresWithDB(db *sql.DB, cfg PostgresConfig) (*Postgres, error) {
	if db == nil {
		return nil, lockError(ErrInvalidArgument, "db is required")
	}
	cfg.normalize()
	if !validTableName.MatchString(cfg.Table) {
		return nil, lockError(ErrInvalidArgument, fmt.Sprintf("invalid postgres table name %q", cfg.Table))
	}
	return newPostgres(db, cfg), nil
}

func newPostgres(db *sql.DB, cfg PostgresConfig) *Postgres {
	t := cfg.Table
	return &Postgres{
		db:     db,
		clk:    clock.Or(cfg.Clock),
		config: cfg,
		acquireQuery: fmt.Sprintf(`
INSERT INTO %[1]s AS l (uid, owner, fence, expires_at, updated_at)
VALUES ($1, $2, nextval('%[1]s_fence_seq'), $3, NOW())
ON CONFLICT (uid) DO UPDATE
SET fence = CASE WHEN l.owner = EXCLUDED.owner AND l.expires_at > $4 THEN l.fence ELSE EXCLUDED.fence END,
    owner = EXCLUDED.owner,
    expires_at = EXCLUDED.expires_at,
    updated_at = NOW()
WHERE l.expires_at <= $4 OR l.owner = EXCLUDED.owner
RETURNING fence`, t),
		holderQuery:  fmt.Sprintf(`SELECT owner, fence, expires_at FROM %s WHERE uid=$1 AND expires_at > $2`, t),
		renewQuery:   fmt.Sprintf(`UPDATE %s SET expires_at=$3, updated_at=NOW() WHERE uid=$1 AND owner=$2 AND expires_at > $4 RETURNING fence`, t),
		releaseQuery: fmt.Sprintf(`DELETE FROM %s WHERE uid=$1 AND owner=$2 AND expires_at > $3`, t),
		sweepQuery:   fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= $1`, t),
	}
}

func (p *Postgres) Acquire(ctx context.Context, uid, owner string, ttl time.Duration) (Lease, error) {
	if p.closed.Load() {
		return Lease{}, ErrClosed
	}
	if err := validateIDs(uid, owner); err != nil {
		return Lease{}, err
	}
	d, err := Duration(ttl)
	if err != nil {
		return Lease{}, err
	}

	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	// A denial is reported with the holder read right after; if that holder is
	// already gone the upsert is simply retried.
	for attempt := 0; attempt < postgresAcquireAttempts; attempt++ {
		now := p.clk.Now()
		expiresAt := now.Add(d)
		var fence int64
		err := p.db.QueryRowContext(opCtx, p.acquireQuery, uid, owner, expiresAt, now).Scan(&fence)
		if err == nil {
			return Lease{UID: uid, Owner: owner, ExpiresAt: expiresAt, Fence: uint64(fence)}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Lease{}, fmt.Errorf("acquire lock %q failed: %w", uid, err)
		}
		holder, ok, err := p.holder(opCtx, uid, now)
		if err != nil {
			return Lease{}, err
		}
		if ok {
			return Lease{}, &DeniedError{UID: uid, Owner: holder.Owner, ExpiresAt: holder.ExpiresAt}
		}
	}
	return Lease{}, lockError(ErrDenied, fmt.Sprintf("%q is contended", uid))
}

func (p *Postgres) Renew(ctx context.Context, uid, owner string, ttl time.Duration) (Lease, error) {
	if p.closed.Load() {
		return Lease{}, ErrClosed
	}
	if err := validateIDs(uid, owner); err != nil {
		return Lease{}, err
	}
	d, err := Duration(ttl)
	if err != nil {
		return Lease{}, err
	}

	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	now := p.clk.Now()
	expiresAt := now.Add(d)
	var fence int64
	err = p.db.QueryRowContext(opCtx, p.renewQuery, uid, owner, expiresAt, now).Scan(&fence)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, notHeld(uid, owner)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("renew lock %q failed: %w", uid, err)
	}
	return Lease{UID: uid, Owner: owner, ExpiresAt: expiresAt, Fence: uint64(fence)}, nil
}

func (p *Postgres) Release(ctx context.Context, uid, owner string) error {
	if p.closed.Load() {
		return ErrClosed
	}
	if err := validateIDs(uid, owner); err != nil {
		return err
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	result, err := p.db.ExecContext(opCtx, p.releaseQuery, uid, owner, p.clk.Now())
	if err != nil {
		return fmt.Errorf("release lock %q failed: %w", uid, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return notHeld(uid, owner)
	}
	return nil
}

func (p *Postgres) Holder(ctx context.Context, uid string) (Lease, bool, error) {
	if p.closed.Load() {
		return Lease{}, false, ErrClosed
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	return p.holder(opCtx, uid, p.clk.Now())
}

func (p *Postgres) holder(ctx context.Context, uid string, now time.Time) (Lease, bool, error) {
	l := Lease{UID: uid}
	var fence int64
	err := p.db.QueryRowContext(ctx, p.holderQuery, uid, now).Scan(&l.Owner, &fence, &l.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, fmt.Errorf("lock holder %q failed: %w", uid, err)
	}
	l.Fence = uint64(fence)
	return l, true, nil
}

// Sweep deletes expired rows in one statement; Postgres locks only the rows it deletes.
func (p *Postgres) Sweep(ctx context.Context) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	opCtx, cancel := p.operationContext(ctx)
	defer cancel()
	result, err := p.db.ExecContext(opCtx, p.sweepQuery, p.clk.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep locks failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (p *Postgres) Close(context.Context) error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) ensureTable(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s_fence_seq`, p.config.Table),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	uid TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	fence BIGINT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, p.config.Table),
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure lock table failed: %w", err)
		}
	}
	return nil
}

func (p *Postgres) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, p.config.OperationTimeout)
}
