package registry

import (
	"context"
	"sync"

	"github.com/loadstub/gateway/internal/domain"
	"github.com/loadstub/gateway/internal/errs"
)

// MemoryStore implements Registry and CodeStore over plain maps guarded by
// a single RWMutex. It is the default for standalone/test operation and
// for the fallback path when no durable registry is configured.
type MemoryStore struct {
	mu sync.RWMutex

	latest   map[string]*domain.FunctionMetadata            // id -> latest
	versions map[string]map[string]*domain.FunctionMetadata  // id -> version -> metadata

	codeLatest   map[string]*domain.CodeArtifact
	codeVersions map[string]map[string]*domain.CodeArtifact

	// RejectRedeploy, when true, makes SaveMetadata/SaveCode return a
	// validation error for an (id, version) pair that already exists
	// instead of idempotently overwriting it — the two policy choices
	// spec §3's immutability invariant leaves open.
	RejectRedeploy bool
}

// NewMemoryStore constructs an empty in-memory Registry+CodeStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		latest:       make(map[string]*domain.FunctionMetadata),
		versions:     make(map[string]map[string]*domain.FunctionMetadata),
		codeLatest:   make(map[string]*domain.CodeArtifact),
		codeVersions: make(map[string]map[string]*domain.CodeArtifact),
	}
}

func (m *MemoryStore) GetMetadata(_ context.Context, id string) (*domain.FunctionMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.latest[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "function not found").WithContext("functionId", id)
	}
	return meta.Clone(), nil
}

func (m *MemoryStore) GetMetadataVersion(_ context.Context, id, version string) (*domain.FunctionMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byVersion, ok := m.versions[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "function not found").WithContext("functionId", id)
	}
	meta, ok := byVersion[version]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "function version not found").
			WithContext("functionId", id, "version", version)
	}
	return meta.Clone(), nil
}

func (m *MemoryStore) SaveMetadata(_ context.Context, meta *domain.FunctionMetadata) error {
	if meta == nil || meta.ID == "" || meta.Version == "" {
		return errs.New(errs.KindValidation, "metadata must carry a non-empty id and version")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RejectRedeploy {
		if byVersion, ok := m.versions[meta.ID]; ok {
			if _, exists := byVersion[meta.Version]; exists {
				return errs.New(errs.KindValidation, "function version already deployed").
					WithContext("functionId", meta.ID, "version", meta.Version)
			}
		}
	}

	cp := meta.Clone()
	m.latest[meta.ID] = cp
	if m.versions[meta.ID] == nil {
		m.versions[meta.ID] = make(map[string]*domain.FunctionMetadata)
	}
	m.versions[meta.ID][meta.Version] = cp.Clone()
	return nil
}

func (m *MemoryStore) DeleteMetadata(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.latest, id)
	delete(m.versions, id)
	delete(m.codeLatest, id)
	delete(m.codeVersions, id)
	return nil
}

func (m *MemoryStore) ListMetadata(_ context.Context) ([]*domain.FunctionMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.FunctionMetadata, 0, len(m.latest))
	for _, meta := range m.latest {
		out = append(out, meta.Clone())
	}
	return out, nil
}

func (m *MemoryStore) GetCode(_ context.Context, id string) (*domain.CodeArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	art, ok := m.codeLatest[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "code artifact not found").WithContext("functionId", id)
	}
	return art, nil
}

func (m *MemoryStore) GetCodeVersion(_ context.Context, id, version string) (*domain.CodeArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byVersion, ok := m.codeVersions[id]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "code artifact not found").WithContext("functionId", id)
	}
	art, ok := byVersion[version]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "code artifact version not found").
			WithContext("functionId", id, "version", version)
	}
	return art, nil
}

func (m *MemoryStore) SaveCode(_ context.Context, id, version string, artifact *domain.CodeArtifact) error {
	if id == "" || version == "" || artifact == nil {
		return errs.New(errs.KindValidation, "code artifact must carry a non-empty id, version and body")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RejectRedeploy {
		if byVersion, ok := m.codeVersions[id]; ok {
			if _, exists := byVersion[version]; exists {
				return errs.New(errs.KindValidation, "code artifact version already deployed").
					WithContext("functionId", id, "version", version)
			}
		}
	}

	m.codeLatest[id] = artifact
	if m.codeVersions[id] == nil {
		m.codeVersions[id] = make(map[string]*domain.CodeArtifact)
	}
	m.codeVersions[id][version] = artifact
	return nil
}

func (m *MemoryStore) DeleteCode(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.codeLatest, id)
	delete(m.codeVersions, id)
	return nil
}

var (
	_ Registry  = (*MemoryStore)(nil)
	_ CodeStore = (*MemoryStore)(nil)
)
