// Package ruleset publishes decision trees. The manager validates a document,
// stores it as a new version and swaps the in-memory snapshot that scans read,
// so an in-flight evaluation never observes a half-applied tree.
package ruleset

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/liamcoop/anomalies/internal/logger"
	"github.com/liamcoop/anomalies/rules"
)

// ErrRejected wraps every reason a document is refused publication. The
// previously active ruleset keeps serving.
var ErrRejected = errors.New("ruleset rejected")

// Manager owns the current published ruleset
type Manager struct {
	store    rules.RulesetStore
	registry *rules.Registry
	limits   Limits
	current  atomic.Pointer[rules.Ruleset]
	mu       sync.Mutex // serializes Publish and Activate
}

// NewManager creates a manager over a ruleset store. Call Load before use.
func NewManager(store rules.RulesetStore, registry *rules.Registry) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		limits:   DefaultLimits(),
	}
}

// SetLimits replaces the publication limits. Not safe once the manager is shared.
func (m *Manager) SetLimits(limits Limits) {
	m.limits = limits
}

// Load reads the active version from the store. When nothing has been
// published yet the built-in default tree is served as version 0.
func (m *Manager) Load(ctx context.Context) error {
	rs, err := m.store.Active(ctx)
	if errors.Is(err, rules.ErrNoRuleset) {
		rs, err = defaultRuleset()
		if err != nil {
			return err
		}
		m.current.Store(rs)
		logger.Info("no published ruleset, serving default tree", "digest", rs.Digest)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load active ruleset: %w", err)
	}

	if err := m.check(&rs.Document); err != nil {
		return fmt.Errorf("active ruleset %d is invalid: %w", rs.Version, err)
	}
	m.current.Store(rs)
	logger.Info("ruleset loaded", "version", rs.Version, "digest", rs.Digest)
	return nil
}

// Current returns the snapshot in force. It never changes after being
// returned; a publication swaps in a new one.
func (m *Manager) Current() *rules.Ruleset {
	return m.current.Load()
}

// Validate imports data and checks it against the catalogue and the
// publication limits without storing it
func (m *Manager) Validate(data []byte) (*rules.Document, error) {
	doc, err := rules.Import(data)
	if err != nil {
		return doc, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	if err := m.check(doc); err != nil {
		return doc, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return doc, nil
}

// Publish validates data, stores it as a new version and makes it current.
// Publishing a document identical to the current one is a no-op.
func (m *Manager) Publish(ctx context.Context, data []byte) (*rules.Ruleset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, err := m.Validate(data)
	if err != nil {
		logger.Warn("ruleset rejected", "error", err)
		return nil, err
	}

	digest, err := rules.Digest(doc)
	if err != nil {
		return nil, err
	}
	if cur := m.current.Load(); cur != nil && cur.Version > 0 && cur.Digest == digest {
		return cur, nil
	}

	rs, err := m.store.Save(ctx, doc, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to save ruleset: %w", err)
	}
	m.current.Store(rs)
	logger.Info("ruleset published", "version", rs.Version, "digest", rs.Digest)
	return rs, nil
}

// Activate makes an earlier version current again
func (m *Manager) Activate(ctx context.Context, version int) (*rules.Ruleset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rs, err := m.store.Get(ctx, version)
	if err != nil {
		return nil, err
	}
	if err := m.check(&rs.Document); err != nil {
		return nil, fmt.Errorf("%w: version %d: %w", ErrRejected, version, err)
	}

	rs, err = m.store.Activate(ctx, version)
	if err != nil {
		return nil, fmt.Errorf("failed to activate ruleset %d: %w", version, err)
	}
	m.current.Store(rs)
	logger.Info("ruleset activated", "version", rs.Version, "digest", rs.Digest)
	return rs, nil
}

// Versions lists every stored version, newest first
func (m *Manager) Versions(ctx context.Context) ([]*rules.Ruleset, error) {
	return m.store.List(ctx)
}

// Export encodes a version in the document format. Version 0 exports the
// current ruleset.
func (m *Manager) Export(ctx context.Context, version int) ([]byte, error) {
	var rs *rules.Ruleset
	if version == 0 {
		rs = m.Current()
		if rs == nil {
			return nil, rules.ErrNoRuleset
		}
	} else {
		var err error
		if rs, err = m.store.Get(ctx, version); err != nil {
			return nil, err
		}
	}
	return rules.Export(&rs.Document)
}

// check runs structural validation and the publication limits
func (m *Manager) check(doc *rules.Document) error {
	if err := rules.ValidateDocument(doc); err != nil {
		return err
	}
	return ValidateLimits(doc.Tree, m.limits, m.registry)
}

func defaultRuleset() (*rules.Ruleset, error) {
	doc, err := rules.DefaultDocument()
	if err != nil {
		return nil, err
	}
	digest, err := rules.Digest(doc)
	if err != nil {
		return nil, err
	}
	return &rules.Ruleset{Version: 0, Digest: digest, Active: true, Document: *doc}, nil
}
