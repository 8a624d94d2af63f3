package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemoryFeed is the in-process Feed used by tests and when no feed address
// is configured.
type MemoryFeed struct {
	mu       sync.Mutex
	children map[string]map[string]json.RawMessage // prefix -> key -> doc
	subs     map[int]*memorySub
	nextID   int
	closed   bool
}

type memorySub struct {
	prefix string
	ch     chan ChildEvent
	done   <-chan struct{}
}

// NewMemoryFeed creates an empty in-memory feed.
func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{
		children: make(map[string]map[string]json.RawMessage),
		subs:     make(map[int]*memorySub),
	}
}

// Put sets a child document and notifies subscribers; it is the test-side
// write that mimics the cloud pushing an intent.
func (f *MemoryFeed) Put(prefix, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal child: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.children[prefix] == nil {
		f.children[prefix] = make(map[string]json.RawMessage)
	}
	f.children[prefix][key] = data
	f.notifyLocked(prefix, ChildEvent{Key: key, Data: data})
	return nil
}

// Get returns the child document, for tests.
func (f *MemoryFeed) Get(prefix, key string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.children[prefix][key]
	return data, ok
}

// Subscribe streams existing children (sorted by key for determinism) then
// live updates.
func (f *MemoryFeed) Subscribe(ctx context.Context, prefix string) (<-chan ChildEvent, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, fmt.Errorf("feed is closed")
	}

	ch := make(chan ChildEvent, 256)

	keys := make([]string, 0, len(f.children[prefix]))
	for k := range f.children[prefix] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ch <- ChildEvent{Key: k, Data: f.children[prefix][k], Initial: true}
	}

	id := f.nextID
	f.nextID++
	sub := &memorySub{prefix: prefix, ch: ch, done: ctx.Done()}
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if _, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
		f.mu.Unlock()
	}()

	return ch, nil
}

// Update merges fields into the child and notifies subscribers.
func (f *MemoryFeed) Update(ctx context.Context, prefix, key string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var doc map[string]any
	if existing, ok := f.children[prefix][key]; ok {
		if err := json.Unmarshal(existing, &doc); err != nil {
			return fmt.Errorf("failed to parse child %s/%s: %w", prefix, key, err)
		}
	} else {
		doc = make(map[string]any)
	}
	for k, v := range fields {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal child: %w", err)
	}
	if f.children[prefix] == nil {
		f.children[prefix] = make(map[string]json.RawMessage)
	}
	f.children[prefix][key] = data
	f.notifyLocked(prefix, ChildEvent{Key: key, Data: data})
	return nil
}

// Close ends every subscription.
func (f *MemoryFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, sub := range f.subs {
		delete(f.subs, id)
		close(sub.ch)
	}
	return nil
}

func (f *MemoryFeed) notifyLocked(prefix string, ev ChildEvent) {
	for _, sub := range f.subs {
		if sub.prefix != prefix {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}
