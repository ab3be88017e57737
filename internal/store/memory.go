package store

import (
	"context"
	"fmt"
	"reflect"
	"sync"
)

// MemoryStore is the embedded, in-process Facade backend: a set of
// collections held as plain Go slices behind one RWMutex, with uniqueness
// enforced by reflecting over the key fields declared via CreateIndexes.
// It is the backend selected unless MEM_OR_EXTERNAL=EXTERNAL; its entire content
// is what internal/snapshot persists and restores across restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string][]reflect.Value // each element is a pointer to an entity struct
	uniqueKeys  map[string][][]string
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string][]reflect.Value),
		uniqueKeys:  make(map[string][][]string),
	}
}

func fieldValue(v reflect.Value, name string) (reflect.Value, bool) {
	v = reflect.Indirect(v)
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, false
	}
	fv := v.FieldByName(name)
	if !fv.IsValid() {
		return reflect.Value{}, false
	}
	return fv, true
}

func matches(v reflect.Value, filter Filter) bool {
	for k, want := range filter {
		fv, ok := fieldValue(v, k)
		if !ok {
			return false
		}
		if !reflect.DeepEqual(fv.Interface(), want) {
			return false
		}
	}
	return true
}

func keyOf(v reflect.Value, keys []string) (string, bool) {
	s := ""
	for _, k := range keys {
		fv, ok := fieldValue(v, k)
		if !ok {
			return "", false
		}
		s += fmt.Sprintf("\x00%v", fv.Interface())
	}
	return s, true
}

func (m *MemoryStore) CreateIndexes(ctx context.Context, coll string, uniqueKeys ...[]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uniqueKeys[coll] = uniqueKeys
	if _, ok := m.collections[coll]; !ok {
		m.collections[coll] = nil
	}
	return nil
}

func (m *MemoryStore) FindOne(ctx context.Context, coll string, filter Filter, out any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	outVal := reflect.ValueOf(out)
	for _, v := range m.collections[coll] {
		if matches(v, filter) {
			reflect.Indirect(outVal).Set(reflect.Indirect(cloneValue(v)))
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) FindList(ctx context.Context, coll string, filter Filter, out any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	outVal := reflect.Indirect(reflect.ValueOf(out))
	elemType := outVal.Type().Elem() // e.g. *store.API
	result := reflect.MakeSlice(outVal.Type(), 0, len(m.collections[coll]))
	for _, v := range m.collections[coll] {
		if matches(v, filter) {
			result = reflect.Append(result, reflect.Indirect(cloneValue(v)).Addr().Convert(elemType))
		}
	}
	outVal.Set(result)
	return nil
}

func cloneValue(v reflect.Value) reflect.Value {
	v = reflect.Indirect(v)
	clone := reflect.New(v.Type())
	clone.Elem().Set(v)
	return clone
}

func (m *MemoryStore) InsertOne(ctx context.Context, coll string, doc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docVal := reflect.ValueOf(doc)
	for _, keys := range m.uniqueKeys[coll] {
		newKey, ok := keyOf(docVal, keys)
		if !ok {
			continue
		}
		for _, existing := range m.collections[coll] {
			if exKey, ok := keyOf(existing, keys); ok && exKey == newKey {
				return ErrConflict
			}
		}
	}
	m.collections[coll] = append(m.collections[coll], cloneValue(docVal))
	return nil
}

func (m *MemoryStore) UpdateOne(ctx context.Context, coll string, filter Filter, doc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	docVal := reflect.ValueOf(doc)
	for i, v := range m.collections[coll] {
		if matches(v, filter) {
			m.collections[coll][i] = cloneValue(docVal)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) DeleteOne(ctx context.Context, coll string, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, v := range m.collections[coll] {
		if matches(v, filter) {
			m.collections[coll] = append(m.collections[coll][:i], m.collections[coll][i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) Close(ctx context.Context) error { return nil }

// Snapshot returns a copy of every collection, keyed by collection name,
// each value a slice of pointers to copied entity structs (slice and map
// fields inside a struct still share storage with the store). internal/snapshot AEAD-
// encrypts and persists the result returned here.
func (m *MemoryStore) Snapshot() map[string][]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]any, len(m.collections))
	for coll, vals := range m.collections {
		items := make([]any, 0, len(vals))
		for _, v := range vals {
			items = append(items, cloneValue(v).Interface())
		}
		out[coll] = items
	}
	return out
}

// Restore replaces every collection's contents with data previously returned
// by Snapshot. Used once at startup after decrypting a snapshot file.
func (m *MemoryStore) Restore(data map[string][]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for coll, items := range data {
		vals := make([]reflect.Value, 0, len(items))
		for _, it := range items {
			vals = append(vals, reflect.ValueOf(it))
		}
		m.collections[coll] = vals
	}
}
