package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unkn0wn-root/leasecache/internal/testenv"
)

// exerciseManager runs the backend-independent lease contract against m.
func exerciseManager(t *testing.T, m Manager) {
	t.Helper()
	ctx := context.Background()

	t.Run("DefaultAndCap", func(t *testing.T) {
		before := time.Now()
		l, err := m.Acquire(ctx, "it-default", "a", 0)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if d := l.ExpiresAt.Sub(before); d < DefaultTTL-time.Second || d > DefaultTTL+5*time.Second {
			t.Fatalf("expiry %v not ~30m", d)
		}
		if _, err := m.Acquire(ctx, "it-cap", "a", 9*time.Hour); !errors.Is(err, ErrInvalidDuration) {
			t.Fatalf("9h: %v", err)
		}
	})

	t.Run("Exclusivity", func(t *testing.T) {
		var wg sync.WaitGroup
		results := make([]error, 8)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = m.Acquire(ctx, "it-race", string(rune('a'+i)), time.Minute)
			}(i)
		}
		wg.Wait()
		granted := 0
		for _, err := range results {
			switch {
			case err == nil:
				granted++
			case !errors.Is(err, ErrDenied):
				t.Fatalf("unexpected: %v", err)
			}
		}
		if granted != 1 {
			t.Fatalf("granted=%d want 1", granted)
		}
	})

	t.Run("StaleTakeover", func(t *testing.T) {
		a, err := m.Acquire(ctx, "it-stale", "a", time.Second)
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		time.Sleep(1100 * time.Millisecond)
		b, err := m.Acquire(ctx, "it-stale", "b", 0)
		if err != nil {
			t.Fatalf("takeover: %v", err)
		}
		if b.Fence <= a.Fence {
			t.Fatalf("fence did not advance: %d -> %d", a.Fence, b.Fence)
		}
	})

	t.Run("ReleaseAuthorization", func(t *testing.T) {
		if _, err := m.Acquire(ctx, "it-release", "a", 0); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		if err := m.Release(ctx, "it-release", "b"); !errors.Is(err, ErrNotHeld) {
			t.Fatalf("foreign release: %v", err)
		}
		h, ok, err := m.Holder(ctx, "it-release")
		if err != nil || !ok || h.Owner != "a" {
			t.Fatalf("holder=%+v ok=%v err=%v", h, ok, err)
		}
		if _, err := m.Renew(ctx, "it-release", "a", time.Hour); err != nil {
			t.Fatalf("Renew: %v", err)
		}
		if err := m.Release(ctx, "it-release", "a"); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if _, ok, _ := m.Holder(ctx, "it-release"); ok {
			t.Fatalf("lease should be gone")
		}
	})
}

func TestRedisManager_Integration(t *testing.T) {
	rdb := testenv.Redis(t)
	m, err := NewRedis(RedisConfig{Client: rdb, Prefix: "it:lock"})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	defer m.Close(context.Background())
	exerciseManager(t, m)
}

func TestPostgresManager_Integration(t *testing.T) {
	dsn := testenv.PostgresURL(t)
	m, err := NewPostgres(PostgresConfig{URL: dsn, OperationTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer m.Close(context.Background())
	exerciseManager(t, m)

	n, err := m.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n < 0 {
		t.Fatalf("n=%d", n)
	}
}
