package scan

import (
	"time"

	"github.com/liamcoop/anomalies/anomaly"
	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/rules"
	"github.com/liamcoop/anomalies/schedule"
)

// Outcome classifies one evaluated unit
type Outcome string

const (
	// NoAnomaly: the tree was walked and asked for nothing
	NoAnomaly Outcome = "NO_ANOMALY"
	// AnomalyFound: the tree asked for an anomaly; Emit tells what was recorded
	AnomalyFound Outcome = "ANOMALY"
	// Unresolved: no anomaly, and the unit could not be matched to a schedule day
	Unresolved Outcome = "UNRESOLVED"
	// Failed: the unit could not be evaluated
	Failed Outcome = "ERROR"
)

// Unit is one (employee, site, date) to evaluate
type Unit struct {
	EmployeeID string    `json:"employeeId"`
	SiteID     string    `json:"siteId"`
	Date       time.Time `json:"-"`
}

// Day returns the unit date as YYYY-MM-DD
func (u Unit) Day() string {
	return u.Date.Format(attendance.DateLayout)
}

// UnitReport is the per-unit result of a scan
type UnitReport struct {
	EmployeeID     string          `json:"employeeId"`
	SiteID         string          `json:"siteId"`
	Date           string          `json:"date"`
	Outcome        Outcome         `json:"outcome"`
	Reason         schedule.Reason `json:"reason,omitempty"`
	Action         rules.ActionID  `json:"action,omitempty"`
	Path           []rules.Step    `json:"path,omitempty"`
	NoMatch        bool            `json:"noMatch,omitempty"`
	Emit           anomaly.Outcome `json:"emit,omitempty"`
	AnomalyID      string          `json:"anomalyId,omitempty"`
	RulesetVersion int             `json:"rulesetVersion"`
	Error          string          `json:"error,omitempty"`

	unit Unit
}

// Unit returns the unit this report is about
func (r UnitReport) Unit() Unit {
	return r.unit
}

// Report aggregates the unit reports of one scan
type Report struct {
	Mode       rules.ProcessingMode `json:"mode"`
	From       string               `json:"from,omitempty"`
	To         string               `json:"to,omitempty"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt"`
	Totals     map[Outcome]int      `json:"totals"`
	Units      []UnitReport         `json:"units"`
}

func newReport(mode rules.ProcessingMode) *Report {
	return &Report{
		Mode:      mode,
		StartedAt: time.Now().UTC(),
		Totals:    make(map[Outcome]int),
	}
}

func (r *Report) add(u UnitReport) {
	r.Units = append(r.Units, u)
	r.Totals[u.Outcome]++
}

func (r *Report) finish() *Report {
	r.FinishedAt = time.Now().UTC()
	return r
}

// Failed returns the units that ended in error, for Retry. Site-level
// failures (no employee) are not units and are left out.
func (r *Report) Failed() []Unit {
	var out []Unit
	for _, u := range r.Units {
		if u.Outcome == Failed && u.unit.EmployeeID != "" {
			out = append(out, u.unit)
		}
	}
	return out
}

// Created counts the anomalies this scan inserted
func (r *Report) Created() int {
	n := 0
	for _, u := range r.Units {
		if u.Emit == anomaly.Created {
			n++
		}
	}
	return n
}

// Merge replaces the failed entries of r with their entries in a retry report
func (r *Report) Merge(retry *Report) {
	if retry == nil {
		return
	}
	retried := make(map[string]UnitReport, len(retry.Units))
	for _, u := range retry.Units {
		retried[u.key()] = u
	}

	r.Totals = make(map[Outcome]int)
	for i, u := range r.Units {
		if u.Outcome == Failed {
			if nu, ok := retried[u.key()]; ok {
				r.Units[i] = nu
			}
		}
		r.Totals[r.Units[i].Outcome]++
	}
	if retry.FinishedAt.After(r.FinishedAt) {
		r.FinishedAt = retry.FinishedAt
	}
}

func (u UnitReport) key() string {
	return u.EmployeeID + "|" + u.SiteID + "|" + u.Date
}
