// Package registry defines the Registry/CodeStore adapters (C1): narrow
// contracts the loader consumes to fetch function metadata and code
// artifacts by id, optionally pinned to a version. Per spec §1 these are
// external collaborators — an injected key-value registry and blob store —
// so this package specifies the interfaces plus two concrete adapters: an
// in-memory one for tests/standalone operation, and one backed by the
// shared cache.Cache abstraction for a durable deployment.
package registry

import (
	"context"

	"github.com/loadstub/gateway/internal/domain"
)

// Registry fetches and persists function metadata, keyed by id with an
// implicit "latest" pointer plus explicit per-version records.
type Registry interface {
	// GetMetadata returns the latest metadata for id.
	GetMetadata(ctx context.Context, id string) (*domain.FunctionMetadata, error)
	// GetMetadataVersion returns metadata pinned to a specific version.
	GetMetadataVersion(ctx context.Context, id, version string) (*domain.FunctionMetadata, error)
	// SaveMetadata stores meta as both the latest pointer and the
	// version-qualified record for (meta.ID, meta.Version).
	SaveMetadata(ctx context.Context, meta *domain.FunctionMetadata) error
	// DeleteMetadata removes the latest pointer for id, so GetMetadata and
	// ListMetadata no longer find it. MemoryStore also removes every version
	// record; CacheStore leaves the version records in place.
	DeleteMetadata(ctx context.Context, id string) error
	// ListMetadata returns the latest record for every known id.
	ListMetadata(ctx context.Context) ([]*domain.FunctionMetadata, error)
}

// CodeStore fetches and persists code-kind artifacts, keyed the same way
// as Registry metadata.
type CodeStore interface {
	GetCode(ctx context.Context, id string) (*domain.CodeArtifact, error)
	GetCodeVersion(ctx context.Context, id, version string) (*domain.CodeArtifact, error)
	SaveCode(ctx context.Context, id, version string, artifact *domain.CodeArtifact) error
	DeleteCode(ctx context.Context, id string) error
}

// keys mirrors the persisted state layout in spec §6: metadata under
// registry:<id> (latest) / registry:<id>:<version>; code under code:<id> /
// code:<id>:<version>, with sibling code:<id>:compiled and
// code:<id>:sourcemap keys for compiled text blobs.
func metadataLatestKey(id string) string      { return "registry:" + id }
func metadataVersionKey(id, v string) string  { return "registry:" + id + ":" + v }
func codeLatestKey(id string) string          { return "code:" + id }
func codeVersionKey(id, v string) string       { return "code:" + id + ":" + v }
func codeCompiledKey(id string) string        { return "code:" + id + ":compiled" }
func codeSourceMapKey(id string) string       { return "code:" + id + ":sourcemap" }
