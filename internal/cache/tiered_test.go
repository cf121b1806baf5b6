package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestTieredCache_WriteThroughHitsL1(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	defer l1.Close()
	defer l2.Close()

	tc := NewTieredCache(l1, l2, 10*time.Second)
	defer tc.Close()

	ctx := context.Background()
	key := stubKey("fn-1", "latest")

	// This mirrors the loader's writeThrough: a Set through the tiered
	// cache lands in both layers, so the next load is an L1 hit.
	if err := tc.Set(ctx, key, marshalStub(t, "fn-1", "v1"), time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := tc.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var rec stubRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		t.Fatalf("cached stub didn't round-trip: %v", err)
	}
	if rec.Version != "v1" {
		t.Fatalf("expected v1, got %s", rec.Version)
	}
}

func TestTieredCache_L2FallthroughRepopulatesL1(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	defer l1.Close()
	defer l2.Close()

	tc := NewTieredCache(l1, l2, 10*time.Second)
	defer tc.Close()

	ctx := context.Background()
	key := stubKey("fn-2", "latest")

	// Simulates a second instance's load reaching the durable L2 (Redis)
	// after the first instance's L1 entry has expired or never existed
	// locally — the durable record is still there, only this instance's
	// hot copy is missing.
	if err := l2.Set(ctx, key, marshalStub(t, "fn-2", "v4"), time.Minute); err != nil {
		t.Fatalf("L2 Set failed: %v", err)
	}

	val, err := tc.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var rec stubRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		t.Fatalf("cached stub didn't round-trip: %v", err)
	}
	if rec.Version != "v4" {
		t.Fatalf("expected v4, got %s", rec.Version)
	}

	if _, err := l1.Get(ctx, key); err != nil {
		t.Fatalf("L1 should now hold the promoted entry: %v", err)
	}
}

func TestTieredCache_BothMiss(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	defer l1.Close()
	defer l2.Close()

	tc := NewTieredCache(l1, l2, 10*time.Second)
	defer tc.Close()

	_, err := tc.Get(context.Background(), stubKey("fn-never-deployed", "latest"))
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestTieredCache_RollbackDeleteClearsBothLayers(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	defer l1.Close()
	defer l2.Close()

	tc := NewTieredCache(l1, l2, 10*time.Second)
	defer tc.Close()

	ctx := context.Background()
	key := stubKey("fn-3", "latest")
	tc.Set(ctx, key, marshalStub(t, "fn-3", "v2"), time.Minute)

	// A rollback deletes the latest pointer from the shared cache before
	// re-publishing the target version; that delete must reach both
	// layers, or the stale L2 record would resurface via fallthrough on
	// the next miss.
	if err := tc.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := l1.Get(ctx, key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound in L1 after delete, got: %v", err)
	}
	if _, err := l2.Get(ctx, key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound in L2 after delete, got: %v", err)
	}
}

func TestTieredCache_Exists(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	defer l1.Close()
	defer l2.Close()

	tc := NewTieredCache(l1, l2, 10*time.Second)
	defer tc.Close()

	ctx := context.Background()
	key := stubKey("fn-4", "v1")

	exists, err := tc.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Fatal("expected undeployed function's stub key to not exist")
	}

	tc.Set(ctx, key, marshalStub(t, "fn-4", "v1"), time.Minute)
	exists, err = tc.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Fatal("expected cached stub key to exist")
	}
}

func TestTieredCache_Ping(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	defer l1.Close()
	defer l2.Close()

	tc := NewTieredCache(l1, l2, 10*time.Second)
	defer tc.Close()

	if err := tc.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestTieredCache_DefaultL1TTL(t *testing.T) {
	l1 := NewInMemoryCache()
	l2 := NewInMemoryCache()
	defer l1.Close()
	defer l2.Close()

	// Zero TTL passed through from an unset loader.CacheTTL should default
	// to 10s rather than caching L1 entries forever.
	tc := NewTieredCache(l1, l2, 0)
	defer tc.Close()

	ctx := context.Background()
	key := stubKey("fn-5", "latest")
	tc.Set(ctx, key, marshalStub(t, "fn-5", "v1"), time.Minute)

	val, err := tc.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var rec stubRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		t.Fatalf("cached stub didn't round-trip: %v", err)
	}
	if rec.Version != "v1" {
		t.Fatalf("expected v1, got %s", rec.Version)
	}
}
