package coord

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memNode struct {
	value   []byte
	version uint64
}

// MemStore is an in-process Store. It backs tests and single-node
// development setups; it offers the same versioning and watch semantics as
// the Consul and etcd backends.
type MemStore struct {
	mu      sync.Mutex
	index   uint64
	nodes   map[string]memNode
	changed map[string]uint64
	notify  chan struct{}
	fault   func(op, path string) error
}

func NewMemStore() *MemStore {
	return &MemStore{
		index:   1,
		nodes:   make(map[string]memNode),
		changed: make(map[string]uint64),
		notify:  make(chan struct{}),
	}
}

// InjectFault makes every operation consult fn first; a non-nil error is
// returned instead of performing the operation. Pass nil to clear.
func (m *MemStore) InjectFault(fn func(op, path string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

func (m *MemStore) check(op, path string) error {
	if m.fault == nil {
		return nil
	}
	return m.fault(op, path)
}

func (m *MemStore) Get(ctx context.Context, path string) ([]byte, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("get", path); err != nil {
		return nil, 0, err
	}
	n, ok := m.nodes[path]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return append([]byte(nil), n.value...), n.version, nil
}

func (m *MemStore) CompareAndSet(ctx context.Context, path string, expected uint64, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("cas", path); err != nil {
		return err
	}
	n, ok := m.nodes[path]
	switch {
	case expected == 0 && ok:
		return ErrConflict
	case expected != 0 && !ok:
		return ErrNotFound
	case ok && n.version != expected:
		return ErrConflict
	}
	m.index++
	m.nodes[path] = memNode{value: append([]byte(nil), value...), version: m.index}
	m.touch(path)
	return nil
}

func (m *MemStore) Children(ctx context.Context, path string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("children", path); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(path, "/") + "/"
	seen := make(map[string]bool)
	var names []string
	for k := range m.nodes {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		name := strings.SplitN(strings.TrimPrefix(k, prefix), "/", 2)[0]
		if name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStore) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete", path); err != nil {
		return err
	}
	if _, ok := m.nodes[path]; !ok {
		return nil
	}
	delete(m.nodes, path)
	m.index++
	m.touch(path)
	return nil
}

func (m *MemStore) DeleteTree(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check("delete", path); err != nil {
		return err
	}
	removed := false
	for k := range m.nodes {
		if underPrefix(k, path) {
			delete(m.nodes, k)
			removed = true
		}
	}
	if removed {
		m.index++
		m.touch(path)
	}
	return nil
}

func (m *MemStore) Watch(ctx context.Context, prefix string, index uint64) (uint64, error) {
	for {
		m.mu.Lock()
		if index == 0 || m.lastChange(prefix) > index {
			current := m.index
			m.mu.Unlock()
			return current, nil
		}
		ch := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return index, ctx.Err()
		case <-ch:
		}
	}
}

// touch records a change at path under the current index and wakes watchers.
// Callers hold m.mu.
func (m *MemStore) touch(path string) {
	m.changed[path] = m.index
	close(m.notify)
	m.notify = make(chan struct{})
}

func (m *MemStore) lastChange(prefix string) uint64 {
	var last uint64
	for k, idx := range m.changed {
		// A change to a parent (DeleteTree) affects everything below it.
		if (underPrefix(k, prefix) || underPrefix(prefix, k)) && idx > last {
			last = idx
		}
	}
	return last
}

func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}
