package attendance

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by repositories when a record does not exist
var ErrNotFound = errors.New("not found")

// DateLayout is the calendar-date layout used in keys and APIs
const DateLayout = "2006-01-02"

// EntryType is the direction of a punch
type EntryType string

const (
	Arrival   EntryType = "ARRIVAL"
	Departure EntryType = "DEPARTURE"
)

// Valid reports whether the entry type is one of the known directions
func (t EntryType) Valid() bool {
	return t == Arrival || t == Departure
}

// ScheduleType distinguishes explicit time windows from a required duration
type ScheduleType string

const (
	Fixed     ScheduleType = "FIXED"
	Frequency ScheduleType = "FREQUENCY"
)

// DayType tells which part of the day a schedule detail covers
type DayType string

const (
	FullDay   DayType = "FULL"
	Morning   DayType = "AM"
	Afternoon DayType = "PM"
)

// TimeOfDay is a wall-clock time expressed in minutes after midnight
type TimeOfDay int

// ParseTimeOfDay parses "HH:MM" or "HH:MM:SS" (seconds are dropped)
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(t.Hour()*60 + t.Minute()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q (expected HH:MM)", s)
}

// At returns a pointer to the given hour and minute, handy for literals
func At(hour, minute int) *TimeOfDay {
	t := TimeOfDay(hour*60 + minute)
	return &t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Site is a work location
type Site struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	IsActive        bool       `json:"isActive"`
	ActivationStart *time.Time `json:"activationStart,omitempty"`
	ActivationEnd   *time.Time `json:"activationEnd,omitempty"`
}

// ActiveOn reports whether the site is active and inside its activation window on date
func (s *Site) ActiveOn(date time.Time) bool {
	return s.IsActive && withinWindow(date, s.ActivationStart, s.ActivationEnd)
}

// Punch is a single clock-in or clock-out event. Read-only to the engine.
type Punch struct {
	ID         string    `json:"id"`
	EmployeeID string    `json:"employeeId"`
	SiteID     string    `json:"siteId"`
	Timestamp  time.Time `json:"timestamp"`
	EntryType  EntryType `json:"entryType"`
	Latitude   *float64  `json:"latitude,omitempty"`
	Longitude  *float64  `json:"longitude,omitempty"`
}

// Assignment links an employee to a site under a schedule
type Assignment struct {
	EmployeeID string    `json:"employeeId"`
	SiteID     string    `json:"siteId"`
	ScheduleID string    `json:"scheduleId"`
	IsActive   bool      `json:"isActive"`
	AssignedAt time.Time `json:"assignedAt"`
}

// Schedule is the set of expected working windows for a site
type Schedule struct {
	ID              string           `json:"id"`
	SiteID          string           `json:"siteId"`
	Name            string           `json:"name,omitempty"`
	Type            ScheduleType     `json:"type"`
	IsActive        bool             `json:"isActive"`
	ActivationStart *time.Time       `json:"activationStart,omitempty"`
	ActivationEnd   *time.Time       `json:"activationEnd,omitempty"`
	Details         []ScheduleDetail `json:"details"`

	// Optional per-schedule overrides of the published margins
	LateMargin           *int `json:"lateMargin,omitempty"`
	EarlyDepartureMargin *int `json:"earlyDepartureMargin,omitempty"`
	FrequencyTolerance   *int `json:"frequencyTolerance,omitempty"`
}

// ActiveOn reports whether the schedule is active and inside its activation window on date
func (s *Schedule) ActiveOn(date time.Time) bool {
	return s.IsActive && withinWindow(date, s.ActivationStart, s.ActivationEnd)
}

// DetailFor returns the detail covering the given weekday (0 = Monday).
// When several day types exist for the same weekday, FULL wins over AM, and AM over PM.
func (s *Schedule) DetailFor(weekday int) *ScheduleDetail {
	var best *ScheduleDetail
	for i := range s.Details {
		d := &s.Details[i]
		if d.DayOfWeek != weekday {
			continue
		}
		if best == nil || dayTypeRank(d.DayType) < dayTypeRank(best.DayType) {
			best = d
		}
	}
	return best
}

func dayTypeRank(t DayType) int {
	switch t {
	case FullDay:
		return 0
	case Morning:
		return 1
	case Afternoon:
		return 2
	default:
		return 3
	}
}

// ScheduleDetail describes one weekday of a schedule
type ScheduleDetail struct {
	DayOfWeek int        `json:"dayOfWeek"`
	DayType   DayType    `json:"dayType"`
	Start1    *TimeOfDay `json:"start1,omitempty"`
	End1      *TimeOfDay `json:"end1,omitempty"`
	Start2    *TimeOfDay `json:"start2,omitempty"`
	End2      *TimeOfDay `json:"end2,omitempty"`

	FrequencyDurationMinutes *int `json:"frequencyDurationMinutes,omitempty"`
}

// Window is one expected presence interval; either bound may be missing
type Window struct {
	Start *TimeOfDay
	End   *TimeOfDay
}

func (w Window) empty() bool {
	return w.Start == nil && w.End == nil
}

// Windows returns the time windows that apply for the detail's day type.
// AM only uses the first window; PM uses the second one, or the first when
// the second is not filled in.
func (d *ScheduleDetail) Windows() []Window {
	first := Window{Start: d.Start1, End: d.End1}
	second := Window{Start: d.Start2, End: d.End2}

	var out []Window
	switch d.DayType {
	case Morning:
		out = append(out, first)
	case Afternoon:
		if second.empty() {
			out = append(out, first)
		} else {
			out = append(out, second)
		}
	default:
		out = append(out, first, second)
	}

	windows := out[:0]
	for _, w := range out {
		if !w.empty() {
			windows = append(windows, w)
		}
	}
	return windows
}

// Weekday maps a date to 0 = Monday ... 6 = Sunday
func Weekday(date time.Time) int {
	return (int(date.Weekday()) + 6) % 7
}

// DateOf truncates t to midnight in loc
func DateOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// withinWindow checks start <= date < end, ignoring missing bounds
func withinWindow(date time.Time, start, end *time.Time) bool {
	day := date.Format(DateLayout)
	if start != nil && day < start.Format(DateLayout) {
		return false
	}
	if end != nil && day >= end.Format(DateLayout) {
		return false
	}
	return true
}
