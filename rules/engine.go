package rules

import (
	"fmt"

	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/internal/logger"
)

// Engine walks decision trees. It holds no mutable state and performs no I/O,
// so one Engine can serve every scan worker.
type Engine struct {
	registry *Registry
}

// NewEngine creates an engine over a condition registry
func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

// Registry returns the condition registry the engine dispatches to
func (en *Engine) Registry() *Registry {
	return en.registry
}

// Evaluate walks tree for the context until an action leaf is reached.
//
// A node with no branch for the computed value, or a branch with neither
// action nor children, ends the walk with ActionNone. An unknown condition is
// an error: a published tree is validated against the catalogue, so this
// means a bug.
func (en *Engine) Evaluate(tree *DecisionNode, ec *EvaluationContext) (Verdict, error) {
	if tree == nil {
		return Verdict{}, ErrNoRuleset
	}
	if err := ec.Validate(); err != nil {
		return Verdict{}, err
	}

	verdict := Verdict{Action: ActionNone}
	node := tree
	for depth := 0; ; depth++ {
		if depth >= MaxDepth {
			return verdict, fmt.Errorf("%w: more than %d nodes on one path", ErrTreeTooDeep, MaxDepth)
		}

		value, err := en.registry.Evaluate(node.ConditionID, ec)
		if err != nil {
			return verdict, err
		}
		verdict.Path = append(verdict.Path, Step{ConditionID: node.ConditionID, Value: value})

		branch := matchBranch(node, value)
		if branch == nil {
			verdict.NoMatch = true
			logger.WarnNoMatch(
				"employee_id", ec.EmployeeID,
				"site_id", ec.SiteID,
				"date", ec.Date.Format(attendance.DateLayout),
				"condition_id", string(node.ConditionID),
				"value", value,
			)
			return verdict, nil
		}

		switch {
		case branch.Children != nil:
			node = branch.Children
		case branch.ActionID != "":
			verdict.Action = branch.ActionID
			return verdict, nil
		default:
			return verdict, nil
		}
	}
}

// matchBranch returns the first branch whose value equals value exactly
func matchBranch(node *DecisionNode, value string) *Branch {
	for i := range node.Branches {
		if node.Branches[i].Value == value {
			return &node.Branches[i]
		}
	}
	return nil
}
