package artifact

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
)

// Store is an abstraction for accessing immutable analysis-product artifacts.
type Store interface {
	// Exists reports whether an artifact is present under name.
	Exists(ctx context.Context, name string) (bool, error)
	// Load reads and decodes an artifact. Returns an error satisfying
	// errors.Is(err, ErrNotFound) if absent.
	Load(ctx context.Context, name string) (*Artifact, error)
	// Store atomically persists an artifact under name, replacing any
	// previous version.
	Store(ctx context.Context, name string, a *Artifact) error
	// List returns artifact names under the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Sub returns a view of s rooted under prefix. Component caches use this so
// that each component exclusively owns its own subtree.
func Sub(s Store, prefix string) Store {
	return &subStore{inner: s, prefix: prefix}
}

type subStore struct {
	inner  Store
	prefix string
}

func (s *subStore) key(name string) string { return path.Join(s.prefix, name) }

func (s *subStore) Exists(ctx context.Context, name string) (bool, error) {
	return s.inner.Exists(ctx, s.key(name))
}

func (s *subStore) Load(ctx context.Context, name string) (*Artifact, error) {
	return s.inner.Load(ctx, s.key(name))
}

func (s *subStore) Store(ctx context.Context, name string, a *Artifact) error {
	return s.inner.Store(ctx, s.key(name), a)
}

func (s *subStore) List(ctx context.Context, prefix string) ([]string, error) {
	names, err := s.inner.List(ctx, s.key(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, strings.TrimPrefix(strings.TrimPrefix(n, s.prefix), "/"))
	}
	return out, nil
}

// Memory is an in-memory Store for tests and ephemeral runs.
type Memory struct {
	mu   sync.RWMutex
	data map[string]*Artifact
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]*Artifact)}
}

// Exists implements Store.
func (m *Memory) Exists(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[name]
	return ok, nil
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, name string) (*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.data[name]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

// Store implements Store.
func (m *Memory) Store(_ context.Context, name string, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = a
	return nil
}

// List implements Store.
func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var names []string
	for name := range m.data {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
