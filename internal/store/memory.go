package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Memory is an in-process Store used by tests and single-node setups. Each
// document update replaces the whole value under the key, matching the
// atomic single-document semantics the postgres implementation provides.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[string]struct{}
	// namespace -> collection -> id -> document
	data map[string]map[string]map[string][]byte
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		namespaces: make(map[string]struct{}),
		data:       make(map[string]map[string]map[string][]byte),
	}
}

func (m *Memory) EnsureNamespace(_ context.Context, namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.namespaces[namespace] = struct{}{}
	return nil
}

func (m *Memory) NamespaceExists(_ context.Context, namespace string) (bool, error) {
	if namespace == GlobalNamespace {
		return true, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.namespaces[namespace]
	return ok, nil
}

func (m *Memory) checkNamespaceLocked(namespace string) error {
	if namespace == GlobalNamespace {
		return nil
	}
	if _, ok := m.namespaces[namespace]; !ok {
		return ErrNamespaceNotFound
	}
	return nil
}

func (m *Memory) Get(_ context.Context, namespace, collection, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkNamespaceLocked(namespace); err != nil {
		return nil, err
	}
	doc, ok := m.data[namespace][collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

func (m *Memory) Put(_ context.Context, namespace, collection, id string, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkNamespaceLocked(namespace); err != nil {
		return err
	}
	cols, ok := m.data[namespace]
	if !ok {
		cols = make(map[string]map[string][]byte)
		m.data[namespace] = cols
	}
	docs, ok := cols[collection]
	if !ok {
		docs = make(map[string][]byte)
		cols[collection] = docs
	}
	stored := make([]byte, len(doc))
	copy(stored, doc)
	docs[id] = stored
	return nil
}

func (m *Memory) PutIfVersion(_ context.Context, namespace, collection, id string, doc []byte, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkNamespaceLocked(namespace); err != nil {
		return err
	}
	existing, ok := m.data[namespace][collection][id]
	switch {
	case expected < 0 && ok:
		return ErrVersionConflict
	case expected >= 0 && !ok:
		return ErrNotFound
	case expected >= 0 && docVersion(existing) != expected:
		return ErrVersionConflict
	}
	cols, ok := m.data[namespace]
	if !ok {
		cols = make(map[string]map[string][]byte)
		m.data[namespace] = cols
	}
	docs, ok := cols[collection]
	if !ok {
		docs = make(map[string][]byte)
		cols[collection] = docs
	}
	stored := make([]byte, len(doc))
	copy(stored, doc)
	docs[id] = stored
	return nil
}

func docVersion(doc []byte) int64 {
	var v struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(doc, &v); err != nil {
		return -1
	}
	return v.Version
}

func (m *Memory) Delete(_ context.Context, namespace, collection, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkNamespaceLocked(namespace); err != nil {
		return false, err
	}
	docs := m.data[namespace][collection]
	if _, ok := docs[id]; !ok {
		return false, nil
	}
	delete(docs, id)
	return true, nil
}

func (m *Memory) List(_ context.Context, namespace, collection string, limit, offset int) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkNamespaceLocked(namespace); err != nil {
		return nil, err
	}
	docs := m.data[namespace][collection]
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if offset > len(keys) {
		offset = len(keys)
	}
	keys = keys[offset:]
	if limit > 0 && limit < len(keys) {
		keys = keys[:limit]
	}
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		doc := docs[k]
		cp := make([]byte, len(doc))
		copy(cp, doc)
		out = append(out, cp)
	}
	return out, nil
}

func (m *Memory) Count(_ context.Context, namespace, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkNamespaceLocked(namespace); err != nil {
		return 0, err
	}
	return int64(len(m.data[namespace][collection])), nil
}

func (m *Memory) FindByField(_ context.Context, namespace, collection string, path []string, value string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkNamespaceLocked(namespace); err != nil {
		return nil, err
	}
	var out [][]byte
	for _, doc := range m.data[namespace][collection] {
		if fieldEquals(doc, path, value) {
			cp := make([]byte, len(doc))
			copy(cp, doc)
			out = append(out, cp)
		}
	}
	return out, nil
}

func (m *Memory) FindAnyNamespace(_ context.Context, collection string, path []string, value string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out [][]byte
	for _, cols := range m.data {
		for _, doc := range cols[collection] {
			if fieldEquals(doc, path, value) {
				cp := make([]byte, len(doc))
				copy(cp, doc)
				out = append(out, cp)
			}
		}
	}
	return out, nil
}

func fieldEquals(doc []byte, path []string, value string) bool {
	var node any
	if err := json.Unmarshal(doc, &node); err != nil {
		return false
	}
	for _, key := range path {
		obj, ok := node.(map[string]any)
		if !ok {
			return false
		}
		node, ok = obj[key]
		if !ok {
			return false
		}
	}
	s, ok := node.(string)
	return ok && s == value
}
