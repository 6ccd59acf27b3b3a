package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Config{KeyPrefix: "test", TTL: time.Minute}), mr
}

type report struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func TestCache_SetGet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	var got report
	if err := c.Get(ctx, "a", &got); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}

	if err := c.Set(ctx, "a", report{Name: "oee", Value: 72.3}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := c.Get(ctx, "a", &got); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "oee" || got.Value != 72.3 {
		t.Errorf("unexpected value %+v", got)
	}

	if !mr.Exists("test:a") {
		t.Error("expected prefixed key in redis")
	}
	mr.FastForward(2 * time.Minute)
	if err := c.Get(ctx, "a", &got); !errors.Is(err, ErrMiss) {
		t.Errorf("expected expiry, got %v", err)
	}
}

func TestCache_InvalidateReports(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, ReportKey(0, "pareto", "m1", ""), []int{1})
	_ = c.Set(ctx, ReportKey(0, "trend", "daily"), []int{2})
	_ = c.Set(ctx, "other", 3)

	if err := c.InvalidateReports(ctx); err != nil {
		t.Fatalf("InvalidateReports failed: %v", err)
	}
	if mr.Exists("test:report:0:pareto:m1:-") || mr.Exists("test:report:0:trend:daily") {
		t.Error("report keys survived invalidation")
	}
	if !mr.Exists("test:other") {
		t.Error("non-report key was removed")
	}
}

func TestCache_Generation(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	gen, err := c.Generation(ctx)
	if err != nil || gen != 0 {
		t.Fatalf("expected generation 0, got %d (%v)", gen, err)
	}

	// a report computed before invalidation is written after it
	_ = c.InvalidateReports(ctx)
	_ = c.Set(ctx, ReportKey(gen, "pareto"), []int{1})

	next, err := c.Generation(ctx)
	if err != nil || next != 1 {
		t.Fatalf("expected generation 1, got %d (%v)", next, err)
	}
	var v []int
	if err := c.Get(ctx, ReportKey(next, "pareto"), &v); !errors.Is(err, ErrMiss) {
		t.Errorf("late write under a retired generation must not be served, got %v", err)
	}
}

func TestCache_Disabled(t *testing.T) {
	c := Disabled()
	ctx := context.Background()

	if c.IsEnabled() {
		t.Fatal("expected disabled cache")
	}
	if err := c.Set(ctx, "a", 1); err != nil {
		t.Errorf("Set on disabled cache failed: %v", err)
	}
	var v int
	if err := c.Get(ctx, "a", &v); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss, got %v", err)
	}
	if err := c.InvalidateReports(ctx); err != nil {
		t.Errorf("InvalidateReports on disabled cache failed: %v", err)
	}
	if gen, err := c.Generation(ctx); gen != 0 || err != nil {
		t.Errorf("expected generation 0 on disabled cache, got %d (%v)", gen, err)
	}
}

func TestReportKey(t *testing.T) {
	if got := ReportKey(3, "trend", "weekly", "", "m1"); got != "report:3:trend:weekly:-:m1" {
		t.Errorf("ReportKey = %q", got)
	}
}
