// Package schedule finds which schedule, and which day of it, applies to an
// employee at a site on a given date.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/internal/logger"
)

// Reason explains why a resolution did not produce a schedule detail
type Reason string

const (
	Resolved          Reason = ""
	EmployeeNotLinked Reason = "EMPLOYEE_NOT_LINKED"
	NoActiveSchedule  Reason = "NO_ACTIVE_SCHEDULE"
	NoDetailForDay    Reason = "NO_DETAIL_FOR_DAY"
)

// Resolution is the outcome of resolving an (employee, site, date).
//
// Schedule is set whenever the employee has at least one assignment at the
// site, even if that schedule is inactive on the date (so conditions can
// report it as inactive). Detail is only set when Reason is Resolved.
type Resolution struct {
	Schedule   *attendance.Schedule       `json:"schedule,omitempty"`
	Detail     *attendance.ScheduleDetail `json:"detail,omitempty"`
	Reason     Reason                     `json:"reason,omitempty"`
	Candidates []string                   `json:"candidates,omitempty"`
}

// Resolved reports whether a schedule detail was found
func (r Resolution) Resolved() bool {
	return r.Reason == Resolved && r.Schedule != nil && r.Detail != nil
}

// Linked reports whether the employee has an active assignment at the site
func (r Resolution) Linked() bool {
	return r.Reason != EmployeeNotLinked
}

// Resolver implements the schedule lookup for one (employee, site, date)
type Resolver struct {
	repo  attendance.Repository
	cache Cache
}

// NewResolver creates a resolver. cache may be nil to always hit the repository.
func NewResolver(repo attendance.Repository, cache Cache) *Resolver {
	return &Resolver{repo: repo, cache: cache}
}

type candidate struct {
	assignment attendance.Assignment
	schedule   *attendance.Schedule
}

// Resolve returns the schedule and detail for the employee at the site on date.
// A resolution failure is reported through Resolution.Reason; the error is
// only set when the repository itself fails.
func (r *Resolver) Resolve(ctx context.Context, employeeID, siteID string, date time.Time) (Resolution, error) {
	assignments, err := r.repo.ListAssignments(ctx, employeeID, siteID)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to list assignments: %w", err)
	}

	var linked []candidate
	for _, a := range assignments {
		if !a.IsActive {
			continue
		}
		s, err := r.schedule(ctx, a.ScheduleID)
		if errors.Is(err, attendance.ErrNotFound) {
			continue
		}
		if err != nil {
			return Resolution{}, err
		}
		if s.SiteID != siteID {
			continue
		}
		linked = append(linked, candidate{assignment: a, schedule: s})
	}

	if len(linked) == 0 {
		return Resolution{Reason: EmployeeNotLinked}, nil
	}

	// Most recent assignment first, then lowest schedule ID
	sort.SliceStable(linked, func(i, j int) bool {
		ai, aj := linked[i].assignment.AssignedAt, linked[j].assignment.AssignedAt
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return linked[i].schedule.ID < linked[j].schedule.ID
	})

	var active []candidate
	for _, c := range linked {
		if c.schedule.ActiveOn(date) {
			active = append(active, c)
		}
	}

	if len(active) == 0 {
		return Resolution{Schedule: linked[0].schedule, Reason: NoActiveSchedule}, nil
	}

	res := Resolution{Schedule: active[0].schedule}
	if len(active) > 1 {
		for _, c := range active {
			res.Candidates = append(res.Candidates, c.schedule.ID)
		}
		logger.WarnAmbiguousSchedule(
			"employee_id", employeeID,
			"site_id", siteID,
			"date", date.Format(attendance.DateLayout),
			"candidates", res.Candidates,
			"selected", res.Schedule.ID,
		)
	}

	res.Detail = res.Schedule.DetailFor(attendance.Weekday(date))
	if res.Detail == nil {
		res.Reason = NoDetailForDay
	}
	return res, nil
}

// Invalidate drops a schedule from the cache after it was edited
func (r *Resolver) Invalidate(scheduleID string) {
	if r.cache != nil {
		r.cache.Invalidate(scheduleID)
	}
}

func (r *Resolver) schedule(ctx context.Context, id string) (*attendance.Schedule, error) {
	if r.cache != nil {
		if s, ok := r.cache.Get(id); ok {
			return s, nil
		}
	}
	s, err := r.repo.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Set(s)
	}
	return s, nil
}
