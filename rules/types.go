package rules

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNoRuleset is returned when no decision tree has been published yet
	ErrNoRuleset = errors.New("no ruleset published")

	// ErrUnknownCondition is returned when a tree references a condition outside the catalogue
	ErrUnknownCondition = errors.New("unknown condition")

	// ErrVersionNotFound is returned by RulesetStore for an unknown version number
	ErrVersionNotFound = errors.New("ruleset version not found")

	// ErrTreeTooDeep is returned by the evaluator when a walk exceeds MaxDepth
	ErrTreeTooDeep = errors.New("decision tree too deep")
)

// CurrentVersion is the document format version written on export
const CurrentVersion = "1.0"

// MaxDepth bounds how many condition nodes a single evaluation may visit
const MaxDepth = 64

// DecisionNode is a condition node of the tree. Branch order is display-only;
// matching is by value equality.
type DecisionNode struct {
	ConditionID ConditionID `json:"condition_id"`
	Condition   string      `json:"condition,omitempty"`
	Description string      `json:"description,omitempty"`
	Branches    []Branch    `json:"branches"`
}

// MarshalJSON always writes branches as an array
func (n DecisionNode) MarshalJSON() ([]byte, error) {
	type plain DecisionNode
	if n.Branches == nil {
		n.Branches = []Branch{}
	}
	return json.Marshal(plain(n))
}

// Branch leads either to an action leaf or to a nested node. A branch with
// neither is a no-op.
type Branch struct {
	Value             string        `json:"value"`
	ActionID          ActionID      `json:"action_id,omitempty"`
	Action            string        `json:"action,omitempty"`
	ActionDescription string        `json:"action_description,omitempty"`
	Children          *DecisionNode `json:"children,omitempty"`
}

// Document is the import/export envelope of a tree and its margins
type Document struct {
	Version string        `json:"version"`
	Date    string        `json:"date,omitempty"`
	Config  MarginConfig  `json:"config"`
	Tree    *DecisionNode `json:"tree"`
}

// Ruleset is an immutable published document. The runtime holds a pointer to
// the current one and swaps it on publication; nothing mutates a Ruleset
// once it has been handed out.
type Ruleset struct {
	Version     int       `json:"version"`
	Digest      string    `json:"digest"`
	Active      bool      `json:"active"`
	PublishedAt time.Time `json:"publishedAt"`
	Document    Document  `json:"document"`
}

// Step records one condition visited during an evaluation
type Step struct {
	ConditionID ConditionID `json:"condition_id"`
	Value       string      `json:"value"`
}

// Verdict is the outcome of walking a tree
type Verdict struct {
	Action  ActionID `json:"action_id"`
	Path    []Step   `json:"path"`
	NoMatch bool     `json:"no_match,omitempty"`
}

// IsAnomaly reports whether the verdict asks for an anomaly record
func (v Verdict) IsAnomaly() bool {
	return v.Action != "" && v.Action != ActionNone
}

// CountNodes returns the number of condition nodes and the depth of the tree
func CountNodes(n *DecisionNode) (nodes, depth int) {
	if n == nil {
		return 0, 0
	}
	nodes = 1
	for _, b := range n.Branches {
		cn, cd := CountNodes(b.Children)
		nodes += cn
		if cd > depth {
			depth = cd
		}
	}
	return nodes, depth + 1
}
