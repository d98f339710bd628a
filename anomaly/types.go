// Package anomaly turns evaluation verdicts into anomaly records, one OPEN
// record per (employee, site, date, kind).
package anomaly

import (
	"errors"
	"fmt"
	"time"

	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/rules"
)

var (
	// ErrNotFound is returned when an anomaly ID does not exist
	ErrNotFound = errors.New("anomaly not found")

	// ErrInvalidTransition is returned for status changes other than OPEN -> RESOLVED/IGNORED
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Kind is the anomaly type exposed to downstream consumers
type Kind string

const (
	Late                Kind = "LATE"
	EarlyDeparture      Kind = "EARLY_DEPARTURE"
	MissingArrival      Kind = "MISSING_ARRIVAL"
	MissingDeparture    Kind = "MISSING_DEPARTURE"
	InsufficientHours   Kind = "INSUFFICIENT_HOURS"
	ConsecutiveSameType Kind = "CONSECUTIVE_SAME_TYPE"
	UnlinkedSchedule    Kind = "UNLINKED_SCHEDULE"
	Other               Kind = "OTHER"
)

var kindByAction = map[rules.ActionID]Kind{
	rules.ActionLate:                Late,
	rules.ActionEarlyDeparture:      EarlyDeparture,
	rules.ActionMissingArrival:      MissingArrival,
	rules.ActionMissingDeparture:    MissingDeparture,
	rules.ActionInsufficientHours:   InsufficientHours,
	rules.ActionConsecutiveSameType: ConsecutiveSameType,
	rules.ActionUnlinkedSchedule:    UnlinkedSchedule,
	rules.ActionOther:               Other,
}

// KindFor maps a tree action to an anomaly kind. It returns false for the
// "none" action and for unknown ids.
func KindFor(action rules.ActionID) (Kind, bool) {
	k, ok := kindByAction[action]
	return k, ok
}

// ParseKind validates a kind coming from an API or a database row
func ParseKind(s string) (Kind, error) {
	for _, k := range kindByAction {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown anomaly kind %q", s)
}

// Status is the review state of an anomaly
type Status string

const (
	Open     Status = "OPEN"
	Resolved Status = "RESOLVED"
	Ignored  Status = "IGNORED"
)

// ParseStatus validates a status coming from an API or a database row
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case Open, Resolved, Ignored:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown anomaly status %q", s)
}

// Key is the deduplication key of anomaly records
type Key struct {
	EmployeeID string `json:"employeeId"`
	SiteID     string `json:"siteId"`
	Date       string `json:"date"`
	Kind       Kind   `json:"type"`
}

// NewKey builds a key for a calendar date
func NewKey(employeeID, siteID string, date time.Time, kind Kind) Key {
	return Key{
		EmployeeID: employeeID,
		SiteID:     siteID,
		Date:       date.Format(attendance.DateLayout),
		Kind:       kind,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", k.EmployeeID, k.SiteID, k.Date, k.Kind)
}

// Anomaly is a persisted finding. Once created it is only changed by a
// reviewer moving it to RESOLVED or IGNORED.
type Anomaly struct {
	ID             string               `json:"id"`
	EmployeeID     string               `json:"employeeId"`
	SiteID         string               `json:"siteId"`
	Date           string               `json:"date"`
	Kind           Kind                 `json:"type"`
	Status         Status               `json:"status"`
	Minutes        int                  `json:"minutes"`
	Description    string               `json:"description"`
	PunchDigest    string               `json:"punchDigest"`
	RulesetVersion int                  `json:"rulesetVersion"`
	Mode           rules.ProcessingMode `json:"processingMode"`
	CreatedAt      time.Time            `json:"createdAt"`
	UpdatedAt      time.Time            `json:"updatedAt"`
}

// Key returns the anomaly's dedup key
func (a *Anomaly) Key() Key {
	return Key{EmployeeID: a.EmployeeID, SiteID: a.SiteID, Date: a.Date, Kind: a.Kind}
}

// Filter narrows List results. Zero fields do not filter.
type Filter struct {
	EmployeeID string
	SiteID     string
	From       string // inclusive, YYYY-MM-DD
	To         string // inclusive, YYYY-MM-DD
	Kind       Kind
	Status     Status
	Limit      int
}

// DefaultListLimit caps List when Filter.Limit is zero
const DefaultListLimit = 500

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return DefaultListLimit
	}
	return f.Limit
}

func (f Filter) matches(a *Anomaly) bool {
	switch {
	case f.EmployeeID != "" && a.EmployeeID != f.EmployeeID:
		return false
	case f.SiteID != "" && a.SiteID != f.SiteID:
		return false
	case f.From != "" && a.Date < f.From:
		return false
	case f.To != "" && a.Date > f.To:
		return false
	case f.Kind != "" && a.Kind != f.Kind:
		return false
	case f.Status != "" && a.Status != f.Status:
		return false
	}
	return true
}
