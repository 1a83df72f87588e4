package authflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Storage key namespaces. Every key written by this package carries the
// package prefix so a shared backend can hold unrelated data.
const (
	cacheKeyPrefix   = "authflow::cache::"
	txKeyPrefix      = "authflow::tx::"
	lockKeyPrefix    = "authflow::lock::"
	authenticatedKey = "authflow::authenticated"
)

// Storage is the key-value persistence behind the credential cache, the
// transaction store, the authenticated flag, and the default renewal lock.
// Implementations must be safe for concurrent use.
//
// Get reports ok=false when the key is absent; absence is not an error.
// List returns the keys that start with prefix, in no particular order.
type Storage interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// memoryStorage is a process-local Storage. It is the default backend and
// suits single-process deployments and tests.
type memoryStorage struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStorage creates an empty in-memory Storage.
func NewMemoryStorage() Storage {
	return &memoryStorage{
		values: make(map[string][]byte),
	}
}

func (s *memoryStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}

	// Copy so callers cannot mutate the stored value.
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (s *memoryStorage) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	return nil
}

func (s *memoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}

func (s *memoryStorage) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// authFlag persists the "is authenticated" precheck. The flag never grants
// access by itself; it only records that a session existed so CheckSession
// knows whether a silent renewal attempt is worth making.
type authFlag struct {
	storage Storage
}

func (f *authFlag) get(ctx context.Context) (bool, error) {
	value, ok, err := f.storage.Get(ctx, authenticatedKey)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return ok && string(value) == "true", nil
}

func (f *authFlag) set(ctx context.Context, authenticated bool) error {
	if !authenticated {
		if err := f.storage.Delete(ctx, authenticatedKey); err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		return nil
	}
	if err := f.storage.Set(ctx, authenticatedKey, []byte("true")); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// Compile-time interface checks.
var _ Storage = (*memoryStorage)(nil)
