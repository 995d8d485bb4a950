package lock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAcquireWaitSucceedsAfterRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	defer m.Close(ctx)

	if _, err := m.Acquire(ctx, "uid", "a", time.Minute); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = m.Release(ctx, "uid", "a")
	}()

	l, err := AcquireWait(ctx, m, "uid", "b", time.Minute, WaitPolicy{
		MaxWait:         5 * time.Second,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("AcquireWait: %v", err)
	}
	if l.Owner != "b" {
		t.Fatalf("owner=%s", l.Owner)
	}
}

func TestAcquireWaitTimesOutWithDenied(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	defer m.Close(ctx)

	_, _ = m.Acquire(ctx, "uid", "a", time.Minute)
	start := time.Now()
	_, err := AcquireWait(ctx, m, "uid", "b", 0, WaitPolicy{
		MaxWait:         100 * time.Millisecond,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	})
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Owner != "a" {
		t.Fatalf("err=%v want *DeniedError held by a", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("wait was not bounded")
	}
}

func TestAcquireWaitStopsOnPermanentError(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	defer m.Close(ctx)

	_, err := AcquireWait(ctx, m, "uid", "b", 9*time.Hour, WaitPolicy{MaxWait: time.Minute})
	if !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("err=%v want ErrInvalidDuration", err)
	}
}

func TestAcquireWaitZeroMaxWaitIsSingleAttempt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryConfig{})
	defer m.Close(ctx)

	_, _ = m.Acquire(ctx, "uid", "a", time.Minute)
	if _, err := AcquireWait(ctx, m, "uid", "b", 0, WaitPolicy{}); !errors.Is(err, ErrDenied) {
		t.Fatalf("err=%v", err)
	}
}
