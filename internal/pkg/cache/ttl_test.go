package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTTL_ReadThrough(t *testing.T) {
	var loads atomic.Int64
	c := NewTTL(time.Minute, func(ctx context.Context, key string) (string, error) {
		loads.Add(1)
		return "value-" + key, nil
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := c.Get(ctx, "a")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if v != "value-a" {
			t.Fatalf("Get = %q", v)
		}
	}
	if n := loads.Load(); n != 1 {
		t.Fatalf("loader ran %d times, want 1", n)
	}
}

func TestTTL_Invalidate(t *testing.T) {
	var loads atomic.Int64
	c := NewTTL(time.Minute, func(ctx context.Context, key string) (string, error) {
		loads.Add(1)
		return key, nil
	})

	ctx := context.Background()
	c.Get(ctx, "a")
	c.Invalidate("a")
	c.Get(ctx, "a")
	if n := loads.Load(); n != 2 {
		t.Fatalf("loader ran %d times after invalidate, want 2", n)
	}
}

func TestTTL_Expiry(t *testing.T) {
	var loads atomic.Int64
	c := NewTTL(20*time.Millisecond, func(ctx context.Context, key string) (string, error) {
		loads.Add(1)
		return key, nil
	})

	ctx := context.Background()
	c.Get(ctx, "a")
	time.Sleep(30 * time.Millisecond)
	c.Get(ctx, "a")
	if n := loads.Load(); n != 2 {
		t.Fatalf("loader ran %d times after expiry, want 2", n)
	}
}

func TestTTL_LoaderError(t *testing.T) {
	boom := errors.New("boom")
	c := NewTTL(time.Minute, func(ctx context.Context, key string) (int, error) {
		return 0, boom
	})
	if _, err := c.Get(context.Background(), "a"); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
