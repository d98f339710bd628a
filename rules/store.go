package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RulesetStore persists published documents as numbered versions.
// Exactly one version is active at a time once anything has been saved.
type RulesetStore interface {
	// Save stores doc as a new version and makes it the active one
	Save(ctx context.Context, doc *Document, digest string) (*Ruleset, error)

	// Active returns the active version, or ErrNoRuleset
	Active(ctx context.Context) (*Ruleset, error)

	// Get returns a version by number
	Get(ctx context.Context, version int) (*Ruleset, error)

	// List returns every version, newest first
	List(ctx context.Context) ([]*Ruleset, error)

	// Activate makes an existing version the active one
	Activate(ctx context.Context, version int) (*Ruleset, error)
}

// InMemoryRulesetStore implements RulesetStore using an in-memory map.
// Thread-safe with RWMutex.
type InMemoryRulesetStore struct {
	versions map[int]*Ruleset
	active   int
	mu       sync.RWMutex
}

// NewInMemoryRulesetStore creates a new in-memory ruleset store
func NewInMemoryRulesetStore() *InMemoryRulesetStore {
	return &InMemoryRulesetStore{
		versions: make(map[int]*Ruleset),
	}
}

func (s *InMemoryRulesetStore) Save(_ context.Context, doc *Document, digest string) (*Ruleset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := len(s.versions) + 1
	rs := &Ruleset{
		Version:     version,
		Digest:      digest,
		PublishedAt: time.Now().UTC(),
		Document:    *doc,
	}
	s.versions[version] = rs
	s.active = version
	return s.snapshot(rs), nil
}

func (s *InMemoryRulesetStore) Active(_ context.Context) (*Ruleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.active == 0 {
		return nil, ErrNoRuleset
	}
	return s.snapshot(s.versions[s.active]), nil
}

func (s *InMemoryRulesetStore) Get(_ context.Context, version int) (*Ruleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs, ok := s.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	return s.snapshot(rs), nil
}

func (s *InMemoryRulesetStore) List(_ context.Context) ([]*Ruleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Ruleset, 0, len(s.versions))
	for _, rs := range s.versions {
		out = append(out, s.snapshot(rs))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out, nil
}

func (s *InMemoryRulesetStore) Activate(_ context.Context, version int) (*Ruleset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.versions[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrVersionNotFound, version)
	}
	s.active = version
	return s.snapshot(rs), nil
}

// snapshot returns a copy carrying the current active flag
func (s *InMemoryRulesetStore) snapshot(rs *Ruleset) *Ruleset {
	out := *rs
	out.Active = rs.Version == s.active
	return &out
}
