package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is the in-process DocumentStore used when no store DSN is
// configured, and by tests. Failure injection mimics an unreachable cloud.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]json.RawMessage

	offline bool
	failing error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]json.RawMessage)}
}

// SetOffline makes every call fail with a timeout-flavored error until
// cleared.
func (s *MemoryStore) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// FailWith makes every call fail with the given error until cleared with
// nil.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = err
}

func (s *MemoryStore) checkUp() error {
	if s.offline {
		return fmt.Errorf("store unreachable: connection timeout")
	}
	return s.failing
}

// Create writes a document with create-only semantics.
func (s *MemoryStore) Create(ctx context.Context, path string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return err
	}
	if _, exists := s.docs[path]; exists {
		return ErrAlreadyExists
	}
	s.docs[path] = data
	return nil
}

// BatchSet writes all documents with overwrite semantics.
func (s *MemoryStore) BatchSet(ctx context.Context, docs map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoded := make(map[string]json.RawMessage, len(docs))
	for path, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal document %s: %w", path, err)
		}
		encoded[path] = data
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkUp(); err != nil {
		return err
	}
	for path, data := range encoded {
		s.docs[path] = data
	}
	return nil
}

// Query scans the collection for field == value matches.
func (s *MemoryStore) Query(ctx context.Context, collection, field string, value any, limit int) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkUp(); err != nil {
		return nil, err
	}

	var out []json.RawMessage
	for path, data := range s.docs {
		if CollectionOf(path) != collection {
			continue
		}
		if field != "" && !matchesField(data, field, value) {
			continue
		}
		out = append(out, data)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Probe reads the liveness collection.
func (s *MemoryStore) Probe(ctx context.Context) error {
	_, err := s.Query(ctx, ProbeCollection, "", nil, 1)
	return err
}

// Close releases nothing; it exists to satisfy DocumentStore.
func (s *MemoryStore) Close() error { return nil }

// Get returns the raw document at path, for tests.
func (s *MemoryStore) Get(path string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.docs[path]
	return data, ok
}

// Len returns the number of stored documents, for tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Paths returns every stored path with the given prefix, for tests.
func (s *MemoryStore) Paths(prefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for path := range s.docs {
		if strings.HasPrefix(path, prefix) {
			out = append(out, path)
		}
	}
	return out
}

func matchesField(data json.RawMessage, field string, value any) bool {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false
	}
	got, present := doc[field]
	if value == nil {
		return present && got != nil && got != ""
	}
	return present && fmt.Sprintf("%v", got) == fmt.Sprintf("%v", value)
}
