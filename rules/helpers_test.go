package rules

import (
	"context"
	"testing"
	"time"

	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/schedule"
)

// 2026-03-02 is a Monday
var testDay = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

var testRegistry = MustNewRegistry()

func clock(hour, minute int) time.Time {
	return testDay.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type unit struct {
	siteActive bool
	schedule   *attendance.Schedule
	assigned   bool
	punches    []attendance.Punch
	mode       ProcessingMode
	margins    MarginConfig
}

func newUnit() *unit {
	return &unit{siteActive: true, assigned: true, mode: Batch, margins: DefaultMargins()}
}

func (u *unit) fixed(start1, end1 *attendance.TimeOfDay, more ...*attendance.TimeOfDay) *unit {
	d := attendance.ScheduleDetail{DayOfWeek: 0, DayType: attendance.FullDay, Start1: start1, End1: end1}
	if len(more) == 2 {
		d.Start2, d.End2 = more[0], more[1]
	}
	u.schedule = &attendance.Schedule{ID: "sch-1", SiteID: "site-1", Type: attendance.Fixed, IsActive: true,
		Details: []attendance.ScheduleDetail{d}}
	return u
}

func (u *unit) frequency(minutes int) *unit {
	u.schedule = &attendance.Schedule{ID: "sch-1", SiteID: "site-1", Type: attendance.Frequency, IsActive: true,
		Details: []attendance.ScheduleDetail{{DayOfWeek: 0, DayType: attendance.FullDay, FrequencyDurationMinutes: &minutes}}}
	return u
}

func (u *unit) punch(entry attendance.EntryType, hour, minute int) *unit {
	u.punches = append(u.punches, attendance.Punch{
		ID:         "p" + clock(hour, minute).Format("1504"),
		EmployeeID: "emp-1",
		SiteID:     "site-1",
		Timestamp:  clock(hour, minute),
		EntryType:  entry,
	})
	return u
}

// context resolves the unit through the real resolver so conditions see
// exactly what a scan would give them
func (u *unit) context(t *testing.T) *EvaluationContext {
	t.Helper()
	repo := attendance.NewInMemoryRepository()
	site := &attendance.Site{ID: "site-1", Name: "Siège", IsActive: u.siteActive}
	repo.PutSite(site)
	if u.schedule != nil {
		if err := repo.PutSchedule(u.schedule); err != nil {
			t.Fatalf("PutSchedule failed: %v", err)
		}
		if u.assigned {
			repo.Assign(attendance.Assignment{EmployeeID: "emp-1", SiteID: "site-1", ScheduleID: u.schedule.ID,
				IsActive: true, AssignedAt: testDay.AddDate(0, -1, 0)})
		}
	}

	res, err := schedule.NewResolver(repo, nil).Resolve(context.Background(), "emp-1", "site-1", testDay)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	return &EvaluationContext{
		EmployeeID: "emp-1",
		SiteID:     "site-1",
		Date:       testDay,
		Location:   time.UTC,
		Site:       site,
		Resolution: res,
		Punches:    u.punches,
		Margins:    u.margins.ForSchedule(res.Schedule),
		Mode:       u.mode,
	}
}

func defaultTree(t *testing.T) *DecisionNode {
	t.Helper()
	doc, err := DefaultDocument()
	if err != nil {
		t.Fatalf("DefaultDocument failed: %v", err)
	}
	return doc.Tree
}
