// Package mem provides a store.Store that keeps data in process memory.
package mem

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/treeverse/quotamgr/pkg/store"
)

// Store is an in-memory store.Store.  It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	values map[string]int64
}

var _ store.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{values: make(map[string]int64)}
}

func (s *Store) Get(_ context.Context, key string) (store.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	size, ok := s.values[key]
	if !ok {
		return store.Value{}, fmt.Errorf("%s: %w", key, store.ErrNotFound)
	}
	return store.Value{SizeBytes: size}, nil
}

func (s *Store) Set(_ context.Context, key string, value store.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value.SizeBytes
	return nil
}

func (s *Store) AddSizeBytes(_ context.Context, key string, numBytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] += numBytes
	return nil
}

func (s *Store) Scan(_ context.Context, prefix string) ([]store.Record, error) {
	s.mu.RLock()
	ret := make([]store.Record, 0, len(s.values))
	for k, v := range s.values {
		if strings.HasPrefix(k, prefix) {
			ret = append(ret, store.Record{Key: k, Value: store.Value{SizeBytes: v}})
		}
	}
	s.mu.RUnlock()
	sort.Slice(ret, func(i, j int) bool { return ret[i].Key < ret[j].Key })
	return ret, nil
}
