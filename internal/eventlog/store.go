package eventlog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the storage collaborator behind a Log. Implementations must make
// Append atomic, assign strictly increasing positions, keep timestamps
// non-decreasing, and reject a reused non-empty uniqueKey with ErrDuplicateKey.
// Stores expose no update or delete.
type Store interface {
	Append(ctx context.Context, ev Event, uniqueKey string) (Event, error)
	Query(ctx context.Context, f Filter) ([]Event, error)
	Head(ctx context.Context) (int64, error)
	Close() error
}

// MemoryStore keeps events in process with a tag index of key -> value -> offsets.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
	index  map[string]map[string][]int
	unique map[string]struct{}
	closed bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index:  map[string]map[string][]int{},
		unique: map[string]struct{}{},
	}
}

func (s *MemoryStore) Append(ctx context.Context, ev Event, uniqueKey string) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, storageErr("append", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, storageErr("append", errStoreClosed)
	}
	if uniqueKey != "" {
		if _, exists := s.unique[uniqueKey]; exists {
			return Event{}, ErrDuplicateKey
		}
		s.unique[uniqueKey] = struct{}{}
	}
	stored := ev.Clone()
	if n := len(s.events); n > 0 {
		if last := s.events[n-1].Timestamp; stored.Timestamp.Before(last) {
			stored.Timestamp = last
		}
	}
	offset := len(s.events)
	stored.Position = int64(offset + 1)
	s.events = append(s.events, stored)
	for key, value := range stored.Tags {
		values := s.index[key]
		if values == nil {
			values = map[string][]int{}
			s.index[key] = values
		}
		values[value] = append(values[value], offset)
	}
	return stored.Clone(), nil
}

func (s *MemoryStore) Query(ctx context.Context, f Filter) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("query", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storageErr("query", errStoreClosed)
	}
	var out []Event
	for _, offset := range s.candidates(f) {
		ev := s.events[offset]
		if !f.Matches(ev) {
			continue
		}
		out = append(out, ev.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// candidates returns offsets to scan: the shortest posting list among the tag
// constraints, or every offset past AfterPosition when no tags are given.
func (s *MemoryStore) candidates(f Filter) []int {
	var best []int
	haveTags := false
	for key, value := range f.Tags {
		posting := s.index[key][value]
		if !haveTags || len(posting) < len(best) {
			best = posting
			haveTags = true
		}
		if len(best) == 0 {
			return nil
		}
	}
	start := int(f.AfterPosition)
	if start < 0 {
		start = 0
	}
	if !haveTags {
		if start >= len(s.events) {
			return nil
		}
		offsets := make([]int, 0, len(s.events)-start)
		for i := start; i < len(s.events); i++ {
			offsets = append(offsets, i)
		}
		return offsets
	}
	from := sort.SearchInts(best, start)
	return best[from:]
}

func (s *MemoryStore) Head(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, storageErr("head", errStoreClosed)
	}
	return int64(len(s.events)), nil
}

// Close marks the store unavailable. Subsequent calls fail with ErrStorageUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type storeClosedError struct{}

func (storeClosedError) Error() string { return "store closed" }

var errStoreClosed error = storeClosedError{}

func millis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}
