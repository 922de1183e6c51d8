package blobstore

import (
	"context"
	"fmt"
	"sync"
)

type memoryObject struct {
	data   []byte
	digest string
}

type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	limit   int64
	objects map[string]memoryObject
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte) error {
	k, err := fullKey(m.prefix, key)
	if err != nil {
		return err
	}
	if err := checkSize(k, len(payload), m.limit); err != nil {
		return err
	}
	obj := memoryObject{data: append([]byte(nil), payload...), digest: digest(payload)}

	m.mu.Lock()
	m.objects[k] = obj
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	k, err := fullKey(m.prefix, key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	obj, ok := m.objects[k]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	if err := verify(k, obj.data, obj.digest); err != nil {
		return nil, err
	}
	return append([]byte(nil), obj.data...), nil
}
