package ruleset

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/liamcoop/anomalies/rules"
)

var testRegistry = rules.MustNewRegistry()

func exportDocument(t *testing.T, lateMargin int) []byte {
	t.Helper()
	doc, err := rules.DefaultDocument()
	if err != nil {
		t.Fatalf("DefaultDocument failed: %v", err)
	}
	doc.Config.LateMargin = lateMargin
	data, err := rules.Export(doc)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	return data
}

func newLoadedManager(t *testing.T, store rules.RulesetStore) *Manager {
	t.Helper()
	m := NewManager(store, testRegistry)
	if err := m.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return m
}

func TestLoadServesDefaultTree(t *testing.T) {
	m := newLoadedManager(t, rules.NewInMemoryRulesetStore())

	cur := m.Current()
	if cur == nil {
		t.Fatal("Expected a current ruleset after Load")
	}
	if cur.Version != 0 {
		t.Errorf("Expected version 0 for the default tree, got %d", cur.Version)
	}
	if cur.Document.Tree == nil {
		t.Error("Expected the default tree")
	}

	def, _ := rules.DefaultDocument()
	want, _ := rules.Digest(def)
	if cur.Digest != want {
		t.Errorf("Digest = %s, want %s", cur.Digest, want)
	}
}

func TestLoadActiveVersion(t *testing.T) {
	ctx := context.Background()
	store := rules.NewInMemoryRulesetStore()
	first := NewManager(store, testRegistry)
	if err := first.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := first.Publish(ctx, exportDocument(t, 5)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	// A second process sharing the store picks up the published version
	second := newLoadedManager(t, store)
	if cur := second.Current(); cur.Version != 1 || cur.Document.Config.LateMargin != 5 {
		t.Errorf("Current = v%d (late margin %d), want v1 with 5", cur.Version, cur.Document.Config.LateMargin)
	}
}

type brokenStore struct {
	*rules.InMemoryRulesetStore
}

func (brokenStore) Active(context.Context) (*rules.Ruleset, error) {
	return nil, errors.New("connection refused")
}

func TestLoadStoreError(t *testing.T) {
	m := NewManager(brokenStore{rules.NewInMemoryRulesetStore()}, testRegistry)
	if err := m.Load(context.Background()); err == nil {
		t.Error("Expected Load to fail")
	}
	if m.Current() != nil {
		t.Error("Expected no current ruleset after a failed Load")
	}
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	m := newLoadedManager(t, rules.NewInMemoryRulesetStore())

	rs, err := m.Publish(ctx, exportDocument(t, 10))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if rs.Version != 1 {
		t.Errorf("Expected version 1, got %d", rs.Version)
	}
	if m.Current() != rs {
		t.Error("Expected the published ruleset to become current")
	}

	again, err := m.Publish(ctx, exportDocument(t, 10))
	if err != nil {
		t.Fatalf("Second Publish failed: %v", err)
	}
	if again.Version != 1 {
		t.Errorf("Publishing the same document should be a no-op, got version %d", again.Version)
	}

	versions, err := m.Versions(ctx)
	if err != nil {
		t.Fatalf("Versions failed: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("Expected 1 stored version, got %d", len(versions))
	}
}

func TestPublishDefaultTreeStoresVersionOne(t *testing.T) {
	// The built-in tree is version 0 and lives outside the store; publishing
	// it explicitly must persist it
	ctx := context.Background()
	m := newLoadedManager(t, rules.NewInMemoryRulesetStore())

	def, _ := rules.DefaultDocument()
	data, _ := rules.Export(def)
	rs, err := m.Publish(ctx, data)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if rs.Version != 1 {
		t.Errorf("Expected version 1, got %d", rs.Version)
	}
}

const actionWithChildren = `{
  "version": "1.0",
  "tree": {
    "condition_id": "site_status",
    "branches": [
      {
        "value": "Actif",
        "action_id": "late",
        "children": {
          "condition_id": "employee_linked",
          "branches": [{"value": "Oui", "action_id": "none"}]
        }
      }
    ]
  }
}`

func TestPublishRejectedKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	m := newLoadedManager(t, rules.NewInMemoryRulesetStore())
	before, err := m.Publish(ctx, exportDocument(t, 10))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	_, err = m.Publish(ctx, []byte(actionWithChildren))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", err)
	}
	var verr *rules.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected a ValidationError in the chain, got %v", err)
	}
	if len(verr.Issues) == 0 {
		t.Error("Expected at least one issue")
	}

	if m.Current() != before {
		t.Error("A rejected publication must not replace the current ruleset")
	}
	versions, _ := m.Versions(ctx)
	if len(versions) != 1 {
		t.Errorf("Expected the rejected document not to be stored, got %d versions", len(versions))
	}
}

func TestPublishRejectsInvalidJSON(t *testing.T) {
	m := newLoadedManager(t, rules.NewInMemoryRulesetStore())

	if _, err := m.Publish(context.Background(), []byte("{")); !errors.Is(err, ErrRejected) {
		t.Errorf("Expected ErrRejected, got %v", err)
	}
}

func TestPublishRejectsLimits(t *testing.T) {
	m := newLoadedManager(t, rules.NewInMemoryRulesetStore())
	m.SetLimits(Limits{MaxDepth: 2, MaxNodes: 1000, MaxBranches: 50})

	_, err := m.Publish(context.Background(), exportDocument(t, 15))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Expected ErrRejected for a tree deeper than the limit, got %v", err)
	}
	if m.Current().Version != 0 {
		t.Errorf("Expected the default tree to keep serving, got version %d", m.Current().Version)
	}
}

func TestActivate(t *testing.T) {
	ctx := context.Background()
	m := newLoadedManager(t, rules.NewInMemoryRulesetStore())
	if _, err := m.Publish(ctx, exportDocument(t, 10)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := m.Publish(ctx, exportDocument(t, 20)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	rs, err := m.Activate(ctx, 1)
	if err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	if !rs.Active || rs.Version != 1 {
		t.Errorf("Activate(1) = v%d active=%v", rs.Version, rs.Active)
	}
	if cur := m.Current(); cur.Version != 1 || cur.Document.Config.LateMargin != 10 {
		t.Errorf("Current after rollback = v%d (late margin %d)", cur.Version, cur.Document.Config.LateMargin)
	}

	if _, err := m.Activate(ctx, 7); !errors.Is(err, rules.ErrVersionNotFound) {
		t.Errorf("Expected ErrVersionNotFound, got %v", err)
	}
	if m.Current().Version != 1 {
		t.Error("A failed Activate must not change the current ruleset")
	}
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	m := newLoadedManager(t, rules.NewInMemoryRulesetStore())

	current, err := m.Export(ctx, 0)
	if err != nil {
		t.Fatalf("Export(0) failed: %v", err)
	}
	doc, err := rules.Import(current)
	if err != nil {
		t.Fatalf("Exported default tree does not import: %v", err)
	}
	if digest, _ := rules.Digest(doc); digest != m.Current().Digest {
		t.Errorf("Exported digest = %s, want %s", digest, m.Current().Digest)
	}

	if _, err := m.Publish(ctx, exportDocument(t, 12)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	data, err := m.Export(ctx, 1)
	if err != nil {
		t.Fatalf("Export(1) failed: %v", err)
	}
	doc, _ = rules.Import(data)
	if doc.Config.LateMargin != 12 {
		t.Errorf("Expected late margin 12, got %d", doc.Config.LateMargin)
	}

	if _, err := m.Export(ctx, 9); !errors.Is(err, rules.ErrVersionNotFound) {
		t.Errorf("Expected ErrVersionNotFound, got %v", err)
	}
}

func TestExportBeforeLoad(t *testing.T) {
	m := NewManager(rules.NewInMemoryRulesetStore(), testRegistry)
	if _, err := m.Export(context.Background(), 0); !errors.Is(err, rules.ErrNoRuleset) {
		t.Errorf("Expected ErrNoRuleset, got %v", err)
	}
}

func TestConcurrentPublishAndRead(t *testing.T) {
	ctx := context.Background()
	m := newLoadedManager(t, rules.NewInMemoryRulesetStore())

	var wg sync.WaitGroup
	for i := 1; i <= 10; i++ {
		wg.Add(2)
		go func(margin int) {
			defer wg.Done()
			if _, err := m.Publish(ctx, exportDocument(t, margin)); err != nil {
				t.Errorf("Publish failed: %v", err)
			}
		}(i)
		go func() {
			defer wg.Done()
			cur := m.Current()
			if cur == nil || cur.Document.Tree == nil {
				t.Error("Readers must always see a complete ruleset")
			}
		}()
	}
	wg.Wait()

	versions, _ := m.Versions(ctx)
	if len(versions) != 10 {
		t.Errorf("Expected 10 versions, got %d", len(versions))
	}
	if m.Current().Version != 10 {
		t.Errorf("Expected the last publication to be current, got version %d", m.Current().Version)
	}
}
