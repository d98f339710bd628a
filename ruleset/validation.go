package ruleset

import (
	"fmt"

	"github.com/liamcoop/anomalies/rules"
)

// Limits bounds the size of a publishable tree
type Limits struct {
	MaxDepth    int
	MaxNodes    int
	MaxBranches int
}

// DefaultLimits returns the publication limits
func DefaultLimits() Limits {
	return Limits{
		MaxDepth:    32,
		MaxNodes:    1000,
		MaxBranches: 50,
	}
}

// ValidateLimits checks a structurally valid tree against the publication
// limits and the conditions the registry can evaluate
func ValidateLimits(tree *rules.DecisionNode, limits Limits, registry *rules.Registry) error {
	if tree == nil {
		return fmt.Errorf("tree cannot be empty")
	}

	nodes, depth := rules.CountNodes(tree)
	if nodes > limits.MaxNodes {
		return fmt.Errorf("tree contains %d nodes, maximum allowed is %d", nodes, limits.MaxNodes)
	}
	if depth > limits.MaxDepth {
		return fmt.Errorf("tree is %d levels deep, maximum allowed is %d", depth, limits.MaxDepth)
	}

	return walkLimits(tree, "tree", limits, registry)
}

func walkLimits(n *rules.DecisionNode, path string, limits Limits, registry *rules.Registry) error {
	if len(n.Branches) > limits.MaxBranches {
		return fmt.Errorf("%s: node has %d branches, maximum allowed is %d", path, len(n.Branches), limits.MaxBranches)
	}
	if registry != nil && !registry.Has(n.ConditionID) {
		return fmt.Errorf("%s: condition %q has no evaluator", path, n.ConditionID)
	}
	for i, b := range n.Branches {
		if b.Children == nil {
			continue
		}
		if err := walkLimits(b.Children, fmt.Sprintf("%s.branches[%d].children", path, i), limits, registry); err != nil {
			return err
		}
	}
	return nil
}
