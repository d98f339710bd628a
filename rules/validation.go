package rules

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Issue is one structural problem found in a tree or document
type Issue struct {
	Path    string `json:"path"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Field == "" {
		return fmt.Sprintf("%s: %s", i.Path, i.Message)
	}
	return fmt.Sprintf("%s.%s: %s", i.Path, i.Field, i.Message)
}

// ValidationError aggregates every issue found in one validation pass
type ValidationError struct {
	Issues []Issue `json:"issues"`
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.String()
	}
	return "invalid decision tree: " + strings.Join(msgs, "; ")
}

// versionConstraint accepts every 1.x document
var versionConstraint = mustConstraint("^1")

func mustConstraint(c string) *semver.Constraints {
	constraint, err := semver.NewConstraint(c)
	if err != nil {
		panic(err)
	}
	return constraint
}

// ValidateDocument checks the version, the margins and the tree
func ValidateDocument(doc *Document) error {
	if doc == nil {
		return &ValidationError{Issues: []Issue{{Path: "$", Message: "document is empty"}}}
	}

	v := &treeValidator{}
	if doc.Version == "" {
		v.add("$", "version", "missing version")
	} else if ver, err := semver.NewVersion(doc.Version); err != nil {
		v.add("$", "version", fmt.Sprintf("invalid version %q: %v", doc.Version, err))
	} else if !versionConstraint.Check(ver) {
		v.add("$", "version", fmt.Sprintf("unsupported version %q (expected 1.x)", doc.Version))
	}

	if err := doc.Config.Validate(); err != nil {
		v.add("config", "", err.Error())
	}

	v.tree(doc.Tree)
	return v.result()
}

// Validate checks a tree against the catalogue. Nothing is repaired: every
// defect is reported with the path of the offending node or branch.
func Validate(tree *DecisionNode) error {
	v := &treeValidator{}
	v.tree(tree)
	return v.result()
}

type treeValidator struct {
	issues []Issue
}

func (v *treeValidator) add(path, field, msg string) {
	v.issues = append(v.issues, Issue{Path: path, Field: field, Message: msg})
}

func (v *treeValidator) result() error {
	if len(v.issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: v.issues}
}

func (v *treeValidator) tree(tree *DecisionNode) {
	if tree == nil {
		v.add("tree", "", "tree is required")
		return
	}
	v.node(tree, "tree", make(map[*DecisionNode]bool))
}

// node validates n; ancestors holds the nodes on the path from the root so a
// reference back to one of them is reported as a cycle.
func (v *treeValidator) node(n *DecisionNode, path string, ancestors map[*DecisionNode]bool) {
	if ancestors[n] {
		v.add(path, "", "cycle: node references one of its ancestors")
		return
	}
	ancestors[n] = true
	defer delete(ancestors, n)

	var cond Condition
	known := false
	switch {
	case n.ConditionID == "":
		v.add(path, "condition_id", "missing condition_id")
	default:
		cond, known = LookupCondition(n.ConditionID)
		if !known {
			v.add(path, "condition_id", fmt.Sprintf("unknown condition %q", n.ConditionID))
		}
	}

	seen := make(map[string]int, len(n.Branches))
	for i, b := range n.Branches {
		bpath := fmt.Sprintf("%s.branches[%d]", path, i)

		switch {
		case b.Value == "":
			v.add(bpath, "value", "empty branch value")
		case known && !cond.Admits(b.Value):
			v.add(bpath, "value", fmt.Sprintf("value %q is not admissible for %s (allowed: %s)",
				b.Value, cond.ID, strings.Join(cond.Values, ", ")))
		}
		if prev, dup := seen[b.Value]; dup && b.Value != "" {
			v.add(bpath, "value", fmt.Sprintf("duplicate value %q (already used by branches[%d])", b.Value, prev))
		} else {
			seen[b.Value] = i
		}

		if b.ActionID != "" && b.Children != nil {
			v.add(bpath, "", "branch has both action_id and children")
		}
		if b.ActionID == "" && b.Action != "" {
			v.add(bpath, "action_id", fmt.Sprintf("action %q has no action_id", b.Action))
		}
		if b.ActionID != "" {
			if _, ok := LookupAction(b.ActionID); !ok {
				v.add(bpath, "action_id", fmt.Sprintf("unknown action %q", b.ActionID))
			}
		}

		if b.Children != nil {
			v.node(b.Children, bpath+".children", ancestors)
		}
	}
}
