package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loadstub/gateway/internal/domain"
)

// stubKey and stubRecord mirror the shape the loader actually writes
// through to the shared cache (internal/loader's stubCacheKey/cachedRecord)
// without importing that package, which would cycle back into this one.
func stubKey(id, versionOrLatest string) string {
	return "loader-cache.internal/stubs/" + id + "/" + versionOrLatest
}

type stubRecord struct {
	Metadata *domain.FunctionMetadata `json:"metadata"`
	Version  string                   `json:"version"`
	LoadedAt time.Time                `json:"loadedAt"`
}

func marshalStub(t *testing.T, id, version string) []byte {
	t.Helper()
	raw, err := json.Marshal(stubRecord{
		Metadata: &domain.FunctionMetadata{ID: id, Version: version, Kind: domain.KindCode},
		Version:  version,
		LoadedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("marshal stub record: %v", err)
	}
	return raw
}

func TestInMemoryCache_SetAndGet(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	ctx := context.Background()
	raw := marshalStub(t, "fn-1", "v1")

	if err := c.Set(ctx, stubKey("fn-1", "v1"), raw, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	val, err := c.Get(ctx, stubKey("fn-1", "v1"))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	var rec stubRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		t.Fatalf("cached stub record didn't round-trip: %v", err)
	}
	if rec.Metadata.ID != "fn-1" || rec.Version != "v1" {
		t.Fatalf("expected fn-1/v1, got %s/%s", rec.Metadata.ID, rec.Version)
	}
}

func TestInMemoryCache_GetMissing(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	_, err := c.Get(context.Background(), stubKey("fn-unknown", "latest"))
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

func TestInMemoryCache_Expiry(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	ctx := context.Background()
	key := stubKey("fn-2", "latest")
	raw := marshalStub(t, "fn-2", "v3")

	// The loader's CacheTTL is typically seconds; use a short one here so
	// the expiry path runs without slowing the suite down.
	if err := c.Set(ctx, key, raw, 10*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if _, err := c.Get(ctx, key); err != nil {
		t.Fatalf("Get failed immediately after set: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := c.Get(ctx, key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after expiry, got: %v", err)
	}
}

func TestInMemoryCache_Delete(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	ctx := context.Background()
	key := stubKey("fn-3", "latest")
	c.Set(ctx, key, marshalStub(t, "fn-3", "v1"), time.Minute)

	// This is the exact call a rollback makes against the latest pointer.
	if err := c.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := c.Get(ctx, key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got: %v", err)
	}

	if err := c.Delete(ctx, stubKey("fn-never-deployed", "latest")); err != nil {
		t.Fatalf("Delete of a never-cached key should not fail: %v", err)
	}
}

func TestInMemoryCache_Exists(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	ctx := context.Background()
	key := stubKey("fn-4", "v1")

	exists, err := c.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Fatal("expected undeployed function's stub key to not exist")
	}

	c.Set(ctx, key, marshalStub(t, "fn-4", "v1"), time.Minute)
	exists, err = c.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Fatal("expected cached stub key to exist")
	}
}

func TestInMemoryCache_Ping(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestInMemoryCache_VersionAndLatestAreIndependentEntries(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	ctx := context.Background()
	versionKey := stubKey("fn-5", "v2")
	latestKey := stubKey("fn-5", "latest")

	// writeThrough populates both the version-pinned and latest entries on
	// an unpinned load; deleting the latest pointer (a rollback) must not
	// disturb the pinned-version record still cached alongside it.
	c.Set(ctx, versionKey, marshalStub(t, "fn-5", "v2"), time.Minute)
	c.Set(ctx, latestKey, marshalStub(t, "fn-5", "v2"), time.Minute)

	if err := c.Delete(ctx, latestKey); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := c.Get(ctx, latestKey); err != ErrNotFound {
		t.Fatalf("expected latest pointer to be gone, got: %v", err)
	}
	if _, err := c.Get(ctx, versionKey); err != nil {
		t.Fatalf("pinned-version record should survive a latest-pointer delete: %v", err)
	}
}

func TestInMemoryCache_ZeroTTLNeverExpires(t *testing.T) {
	c := NewInMemoryCache()
	defer c.Close()

	ctx := context.Background()
	key := stubKey("fn-6", "v1")

	// Registry/code-store records are immutable once deployed, so
	// CacheStore writes them with ttl=0; the loader's stub cache instead
	// always passes a positive CacheTTL, but the underlying Cache must
	// still honor a zero TTL as "no expiration" for that caller.
	if err := c.Set(ctx, key, marshalStub(t, "fn-6", "v1"), 0); err != nil {
		t.Fatalf("Set with zero TTL failed: %v", err)
	}

	if _, err := c.Get(ctx, key); err != nil {
		t.Fatalf("Get with zero TTL failed: %v", err)
	}
}
