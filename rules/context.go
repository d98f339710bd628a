package rules

import (
	"fmt"
	"time"

	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/schedule"
)

// ProcessingMode tells whether a unit is evaluated right after a punch or by a range scan
type ProcessingMode string

const (
	Realtime ProcessingMode = "REALTIME"
	Batch    ProcessingMode = "BATCH"
)

// Label returns the condition value for the mode
func (m ProcessingMode) Label() string {
	if m == Realtime {
		return ValueRealtime
	}
	return ValueBatch
}

// EvaluationContext is built once per (employee, site, date) and never persisted
type EvaluationContext struct {
	EmployeeID string
	SiteID     string
	Date       time.Time
	Location   *time.Location
	Site       *attendance.Site
	Resolution schedule.Resolution
	Punches    []attendance.Punch
	Margins    MarginConfig
	Mode       ProcessingMode

	facts *Facts
}

// Validate rejects contexts that no condition can be evaluated against.
// An unresolved schedule is legitimate; a missing site or a punch from
// another day is not.
func (ec *EvaluationContext) Validate() error {
	if ec == nil {
		return fmt.Errorf("evaluation context is nil")
	}
	if ec.Site == nil {
		return fmt.Errorf("evaluation context for %s/%s has no site", ec.EmployeeID, ec.SiteID)
	}
	if ec.Date.IsZero() {
		return fmt.Errorf("evaluation context for %s/%s has no date", ec.EmployeeID, ec.SiteID)
	}
	if ec.Mode != Realtime && ec.Mode != Batch {
		return fmt.Errorf("invalid processing mode %q", ec.Mode)
	}

	day := ec.Date.Format(attendance.DateLayout)
	for _, p := range ec.Punches {
		if !p.EntryType.Valid() {
			return fmt.Errorf("malformed punch %s: invalid entry type %q", p.ID, p.EntryType)
		}
		if p.EmployeeID != ec.EmployeeID || p.SiteID != ec.SiteID {
			return fmt.Errorf("malformed punch %s: belongs to %s/%s", p.ID, p.EmployeeID, p.SiteID)
		}
		if got := p.Timestamp.In(ec.location()).Format(attendance.DateLayout); got != day {
			return fmt.Errorf("malformed punch %s: dated %s, evaluating %s", p.ID, got, day)
		}
	}
	return nil
}

// Facts returns the derived measurements, computing them on first use
func (ec *EvaluationContext) Facts() *Facts {
	if ec.facts == nil {
		ec.facts = deriveFacts(ec)
	}
	return ec.facts
}

func (ec *EvaluationContext) location() *time.Location {
	if ec.Location == nil {
		return time.UTC
	}
	return ec.Location
}
