package anomaly

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DecideFunc receives the most recent record for a key (nil if none) and
// returns the record to insert, or nil to insert nothing.
type DecideFunc func(latest *Anomaly) *Anomaly

// Store persists anomalies. CreateIfNeeded is the only write path of the
// engine and must run decide and the insert atomically per key, since batch
// and real-time evaluation race on the same keys.
type Store interface {
	// CreateIfNeeded returns the inserted record, or nil when decide declined
	// or a concurrent writer won the race for the key
	CreateIfNeeded(ctx context.Context, key Key, decide DecideFunc) (*Anomaly, error)

	// Get returns an anomaly by ID, or ErrNotFound
	Get(ctx context.Context, id string) (*Anomaly, error)

	// List returns anomalies matching the filter, newest date first
	List(ctx context.Context, f Filter) ([]*Anomaly, error)

	// SetStatus moves an OPEN anomaly to RESOLVED or IGNORED
	SetStatus(ctx context.Context, id string, status Status) (*Anomaly, error)
}

// InMemoryStore implements Store with maps guarded by a mutex
type InMemoryStore struct {
	byID  map[string]*Anomaly
	byKey map[Key][]*Anomaly // oldest first
	mu    sync.Mutex
}

// NewInMemoryStore creates an empty store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:  make(map[string]*Anomaly),
		byKey: make(map[Key][]*Anomaly),
	}
}

func (s *InMemoryStore) CreateIfNeeded(_ context.Context, key Key, decide DecideFunc) (*Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *Anomaly
	if history := s.byKey[key]; len(history) > 0 {
		cp := *history[len(history)-1]
		latest = &cp
	}

	a := decide(latest)
	if a == nil {
		return nil, nil
	}
	if a.Key() != key {
		return nil, fmt.Errorf("anomaly key %s does not match %s", a.Key(), key)
	}
	// Same rule as the partial unique index: at most one OPEN record per key
	if a.Status == Open {
		for _, h := range s.byKey[key] {
			if h.Status == Open {
				return nil, nil
			}
		}
	}

	stored := *a
	s.byID[stored.ID] = &stored
	s.byKey[key] = append(s.byKey[key], &stored)

	out := stored
	return &out, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *InMemoryStore) List(_ context.Context, f Filter) ([]*Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Anomaly
	for _, a := range s.byID {
		if f.matches(a) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sortAnomalies(out)
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *InMemoryStore) SetStatus(_ context.Context, id string, status Status) (*Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkTransition(a.Status, status); err != nil {
		return nil, err
	}
	a.Status = status
	a.UpdatedAt = time.Now().UTC()
	out := *a
	return &out, nil
}

func checkTransition(from, to Status) error {
	if from != Open || (to != Resolved && to != Ignored) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// sortAnomalies orders by date desc, then creation time desc, then ID
func sortAnomalies(list []*Anomaly) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Date != b.Date {
			return a.Date > b.Date
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
