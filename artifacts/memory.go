package artifacts

import (
	"context"
	"strings"
	"sync"

	"github.com/reeveci/reeve-pipeline/schema"
)

type memoryEntry struct {
	ref     schema.ArtifactRef
	content []byte
}

// MemoryStore keeps artifacts in process memory.
type MemoryStore struct {
	entries map[string]memoryEntry
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Put(ctx context.Context, namespace, name string, content []byte) (schema.ArtifactRef, error) {
	if err := validate(namespace, name); err != nil {
		return schema.ArtifactRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return schema.ArtifactRef{}, err
	}

	ref := Ref(namespace, name, content)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[ref.Key()]; ok {
		if existing.ref.Digest != ref.Digest {
			return schema.ArtifactRef{}, immutable(existing.ref)
		}
		return existing.ref, nil
	}

	s.entries[ref.Key()] = memoryEntry{ref: ref, content: append([]byte(nil), content...)}
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref schema.ArtifactRef) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[ref.Key()]
	if !ok || entry.ref.Digest != ref.Digest {
		return nil, notFound(ref)
	}
	return append([]byte(nil), entry.content...), nil
}

func (s *MemoryStore) Exists(ctx context.Context, ref schema.ArtifactRef) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[ref.Key()]
	return ok && entry.ref.Digest == ref.Digest, nil
}

func (s *MemoryStore) Discard(ctx context.Context, namespace string) error {
	if namespace == "" {
		return validate(namespace, "-")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := namespace + "/"
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			delete(s.entries, key)
		}
	}
	return nil
}

// Len is the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.entries)
}
