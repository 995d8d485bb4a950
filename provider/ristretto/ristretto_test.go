package ristretto

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSetIsImmediatelyVisible(t *testing.T) {
	ctx := context.Background()
	p, err := New(DefaultConfig(1 << 20))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	for i := 0; i < 100; i++ {
		ok, err := p.Set(ctx, "k", []byte("v"), 1, 0)
		if err != nil || !ok {
			t.Fatalf("Set: ok=%v err=%v", ok, err)
		}
		b, hit, _ := p.Get(ctx, "k")
		if !hit || string(b) != "v" {
			t.Fatalf("round %d: hit=%v b=%q", i, hit, b)
		}
		_ = p.Del(ctx, "k")
		if _, hit, _ := p.Get(ctx, "k"); hit {
			t.Fatalf("round %d: deleted key still readable", i)
		}
	}
}

func TestTTL(t *testing.T) {
	ctx := context.Background()
	p, _ := New(DefaultConfig(1 << 20))
	defer p.Close(ctx)

	_, _ = p.Set(ctx, "short", []byte("v"), 1, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	if _, hit, _ := p.Get(ctx, "short"); hit {
		t.Fatalf("expired value still readable")
	}
}

func TestInvalidConfig(t *testing.T) {
	if _, err := New(Config{MaxCost: 1}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err=%v", err)
	}
}
