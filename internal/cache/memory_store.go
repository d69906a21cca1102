package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// NewMemoryStore 返回进程内的 Storage，用于测试与不落盘的运行模式。
func NewMemoryStore() Storage {
	return &memoryStore{namespaces: make(map[string]map[Key]*Snapshot)}
}

type memoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[Key]*Snapshot
}

func (s *memoryStore) Open(ctx context.Context, name string) (Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateNamespace(name); err != nil {
		return nil, err
	}
	return &memoryNamespace{store: s, name: name}, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.namespaces[name]
	delete(s.namespaces, name)
	return existed, nil
}

type memoryNamespace struct {
	store *memoryStore
	name  string
}

func (n *memoryNamespace) Name() string {
	return n.name
}

func (n *memoryNamespace) Match(ctx context.Context, key Key) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.store.mu.RLock()
	defer n.store.mu.RUnlock()

	snap, ok := n.store.namespaces[n.name][key]
	if !ok {
		return nil, ErrNotFound
	}
	return snap.clone(), nil
}

func (n *memoryNamespace) Put(ctx context.Context, key Key, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap == nil {
		return errors.New("nil snapshot")
	}
	stored := snap.clone()
	stored.stamp()

	n.store.mu.Lock()
	defer n.store.mu.Unlock()

	entries := n.store.namespaces[n.name]
	if entries == nil {
		entries = make(map[Key]*Snapshot)
		n.store.namespaces[n.name] = entries
	}
	entries[key] = stored
	return nil
}
