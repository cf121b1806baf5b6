package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/loadstub/gateway/internal/cache"
	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
)

// indexKey holds the sorted set of known function ids so ListMetadata can
// enumerate without the underlying cache.Cache needing a native scan
// operation (in-memory and Redis implementations both lack one).
const indexKey = "registry:index"

// CacheStore implements Registry and CodeStore on top of the shared
// cache.Cache abstraction, using the exact key layout from spec §6:
// registry:<id> / registry:<id>:<version> for metadata, code:<id> /
// code:<id>:<version> for artifacts, with sibling code:<id>:compiled and
// code:<id>:sourcemap keys populated for text blobs that carry a compiled
// form or a source map. Entries never expire (ttl=0): metadata/code are
// immutable per spec §3 and only removed by explicit delete.
type CacheStore struct {
	backend cache.Cache

	// idxMu serializes index read-modify-write; the index itself lives in
	// the cache so ListMetadata works across process restarts too, but a
	// local mutex avoids lost updates from concurrent deploys within this
	// instance.
	idxMu sync.Mutex
}

// NewCacheStore wraps backend (typically a cache.TieredCache or
// cache.RedisCache) as a durable Registry+CodeStore.
func NewCacheStore(backend cache.Cache) *CacheStore {
	return &CacheStore{backend: backend}
}

func (c *CacheStore) GetMetadata(ctx context.Context, id string) (*domain.FunctionMetadata, error) {
	return c.readMetadata(ctx, metadataLatestKey(id), id, "")
}

func (c *CacheStore) GetMetadataVersion(ctx context.Context, id, version string) (*domain.FunctionMetadata, error) {
	return c.readMetadata(ctx, metadataVersionKey(id, version), id, version)
}

func (c *CacheStore) readMetadata(ctx context.Context, key, id, version string) (*domain.FunctionMetadata, error) {
	raw, err := c.backend.Get(ctx, key)
	if err == cache.ErrNotFound {
		if version == "" {
			return nil, errs.New(errs.KindNotFound, "function not found").WithContext("functionId", id)
		}
		return nil, errs.New(errs.KindNotFound, "function version not found").
			WithContext("functionId", id, "version", version)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindServiceUnavailable, "registry backend error", err)
	}
	var meta domain.FunctionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "corrupt metadata record", err).WithContext("functionId", id)
	}
	return &meta, nil
}

func (c *CacheStore) SaveMetadata(ctx context.Context, meta *domain.FunctionMetadata) error {
	if meta == nil || meta.ID == "" || meta.Version == "" {
		return errs.New(errs.KindValidation, "metadata must carry a non-empty id and version")
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "metadata not serializable", err)
	}
	if err := c.backend.Set(ctx, metadataLatestKey(meta.ID), raw, 0); err != nil {
		return errs.Wrap(errs.KindServiceUnavailable, "registry backend error", err)
	}
	if err := c.backend.Set(ctx, metadataVersionKey(meta.ID, meta.Version), raw, 0); err != nil {
		return errs.Wrap(errs.KindServiceUnavailable, "registry backend error", err)
	}
	return c.addToIndex(ctx, meta.ID)
}

// DeleteMetadata removes id's latest metadata and latest code keys and drops
// id from the index. The per-version metadata and code records are not
// removed: GetMetadataVersion and GetCodeVersion still return them.
func (c *CacheStore) DeleteMetadata(ctx context.Context, id string) error {
	_ = c.backend.Delete(ctx, metadataLatestKey(id))
	_ = c.backend.Delete(ctx, codeLatestKey(id))
	_ = c.backend.Delete(ctx, codeCompiledKey(id))
	_ = c.backend.Delete(ctx, codeSourceMapKey(id))
	return c.removeFromIndex(ctx, id)
}

func (c *CacheStore) ListMetadata(ctx context.Context) ([]*domain.FunctionMetadata, error) {
	ids, err := c.readIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.FunctionMetadata, 0, len(ids))
	for _, id := range ids {
		meta, err := c.GetMetadata(ctx, id)
		if err != nil {
			continue // deleted since index read; skip rather than fail the whole list
		}
		out = append(out, meta)
	}
	return out, nil
}

func (c *CacheStore) GetCode(ctx context.Context, id string) (*domain.CodeArtifact, error) {
	return c.readCode(ctx, codeLatestKey(id), id, "")
}

func (c *CacheStore) GetCodeVersion(ctx context.Context, id, version string) (*domain.CodeArtifact, error) {
	return c.readCode(ctx, codeVersionKey(id, version), id, version)
}

func (c *CacheStore) readCode(ctx context.Context, key, id, version string) (*domain.CodeArtifact, error) {
	raw, err := c.backend.Get(ctx, key)
	if err == cache.ErrNotFound {
		if version == "" {
			return nil, errs.New(errs.KindNotFound, "code artifact not found").WithContext("functionId", id)
		}
		return nil, errs.New(errs.KindNotFound, "code artifact version not found").
			WithContext("functionId", id, "version", version)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindServiceUnavailable, "code store backend error", err)
	}
	var art domain.CodeArtifact
	if err := json.Unmarshal(raw, &art); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "corrupt code artifact record", err).WithContext("functionId", id)
	}
	return &art, nil
}

func (c *CacheStore) SaveCode(ctx context.Context, id, version string, artifact *domain.CodeArtifact) error {
	if id == "" || version == "" || artifact == nil {
		return errs.New(errs.KindValidation, "code artifact must carry a non-empty id, version and body")
	}
	raw, err := json.Marshal(artifact)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "code artifact not serializable", err)
	}
	if err := c.backend.Set(ctx, codeLatestKey(id), raw, 0); err != nil {
		return errs.Wrap(errs.KindServiceUnavailable, "code store backend error", err)
	}
	if err := c.backend.Set(ctx, codeVersionKey(id, version), raw, 0); err != nil {
		return errs.Wrap(errs.KindServiceUnavailable, "code store backend error", err)
	}
	if artifact.Text != nil {
		if artifact.Text.Compiled != "" {
			_ = c.backend.Set(ctx, codeCompiledKey(id), []byte(artifact.Text.Compiled), 0)
		}
		if artifact.Text.SourceMap != "" {
			_ = c.backend.Set(ctx, codeSourceMapKey(id), []byte(artifact.Text.SourceMap), 0)
		}
	}
	return nil
}

func (c *CacheStore) DeleteCode(ctx context.Context, id string) error {
	_ = c.backend.Delete(ctx, codeLatestKey(id))
	_ = c.backend.Delete(ctx, codeCompiledKey(id))
	_ = c.backend.Delete(ctx, codeSourceMapKey(id))
	return nil
}

func (c *CacheStore) addToIndex(ctx context.Context, id string) error {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()

	ids, err := c.readIndex(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return nil
		}
	}
	ids = append(ids, id)
	sort.Strings(ids)
	return c.writeIndex(ctx, ids)
}

func (c *CacheStore) removeFromIndex(ctx context.Context, id string) error {
	c.idxMu.Lock()
	defer c.idxMu.Unlock()

	ids, err := c.readIndex(ctx)
	if err != nil {
		return err
	}
	filtered := ids[:0]
	for _, existing := range ids {
		if existing != id {
			filtered = append(filtered, existing)
		}
	}
	return c.writeIndex(ctx, filtered)
}

func (c *CacheStore) readIndex(ctx context.Context) ([]string, error) {
	raw, err := c.backend.Get(ctx, indexKey)
	if err == cache.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindServiceUnavailable, "registry index backend error", err)
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "corrupt registry index", err)
	}
	return ids, nil
}

func (c *CacheStore) writeIndex(ctx context.Context, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return errs.Wrap(errs.KindValidation, "registry index not serializable", err)
	}
	if err := c.backend.Set(ctx, indexKey, raw, 0); err != nil {
		return errs.Wrap(errs.KindServiceUnavailable, "registry index backend error", err)
	}
	return nil
}

var (
	_ Registry  = (*CacheStore)(nil)
	_ CodeStore = (*CacheStore)(nil)
)

// staleIndexSweepInterval documents the expectation that callers periodically
// reconcile the index against authoritative storage if entries are ever
// written to the backend out of band (e.g. a direct Redis restore). The
// in-process CacheStore itself never drifts since every write goes through
// addToIndex/removeFromIndex.
const staleIndexSweepInterval = time.Hour
