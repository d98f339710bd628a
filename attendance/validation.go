package attendance

import "fmt"

// ValidateSchedule checks the structural invariants of a schedule before it is stored
func ValidateSchedule(s *Schedule) error {
	if s.ID == "" {
		return fmt.Errorf("schedule id is required")
	}
	if s.Type != Fixed && s.Type != Frequency {
		return fmt.Errorf("schedule %s has invalid type %q (must be FIXED or FREQUENCY)", s.ID, s.Type)
	}
	if err := validateOverrides(s); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, d := range s.Details {
		if d.DayOfWeek < 0 || d.DayOfWeek > 6 {
			return fmt.Errorf("schedule %s detail %d: dayOfWeek %d out of range 0-6", s.ID, i, d.DayOfWeek)
		}
		switch d.DayType {
		case FullDay, Morning, Afternoon:
		default:
			return fmt.Errorf("schedule %s detail %d: invalid dayType %q", s.ID, i, d.DayType)
		}

		key := fmt.Sprintf("%d/%s", d.DayOfWeek, d.DayType)
		if seen[key] {
			return fmt.Errorf("schedule %s has more than one detail for day %d (%s)", s.ID, d.DayOfWeek, d.DayType)
		}
		seen[key] = true

		hasWindow := d.Start1 != nil || d.End1 != nil || d.Start2 != nil || d.End2 != nil
		hasDuration := d.FrequencyDurationMinutes != nil
		switch s.Type {
		case Fixed:
			if hasDuration {
				return fmt.Errorf("schedule %s detail %d: FIXED schedules cannot carry frequencyDurationMinutes", s.ID, i)
			}
			if err := validateWindows(d); err != nil {
				return fmt.Errorf("schedule %s detail %d: %w", s.ID, i, err)
			}
		case Frequency:
			if hasWindow {
				return fmt.Errorf("schedule %s detail %d: FREQUENCY schedules cannot carry time windows", s.ID, i)
			}
			if !hasDuration {
				return fmt.Errorf("schedule %s detail %d: FREQUENCY schedules need frequencyDurationMinutes", s.ID, i)
			}
			if *d.FrequencyDurationMinutes < 0 {
				return fmt.Errorf("schedule %s detail %d: frequencyDurationMinutes must be non-negative", s.ID, i)
			}
		}
	}
	return nil
}

func validateOverrides(s *Schedule) error {
	if s.LateMargin != nil && *s.LateMargin < 0 {
		return fmt.Errorf("schedule %s: lateMargin must be non-negative (got %d)", s.ID, *s.LateMargin)
	}
	if s.EarlyDepartureMargin != nil && *s.EarlyDepartureMargin < 0 {
		return fmt.Errorf("schedule %s: earlyDepartureMargin must be non-negative (got %d)", s.ID, *s.EarlyDepartureMargin)
	}
	if t := s.FrequencyTolerance; t != nil && (*t < 0 || *t > 100) {
		return fmt.Errorf("schedule %s: frequencyTolerance must be between 0 and 100 (got %d)", s.ID, *t)
	}
	return nil
}

// validateWindows checks the order of the window bounds that are set. Any
// bound may be absent.
func validateWindows(d ScheduleDetail) error {
	if d.Start1 != nil && d.End1 != nil && *d.Start1 >= *d.End1 {
		return fmt.Errorf("start1 %s must be before end1 %s", *d.Start1, *d.End1)
	}
	if d.Start2 != nil && d.End2 != nil && *d.Start2 >= *d.End2 {
		return fmt.Errorf("start2 %s must be before end2 %s", *d.Start2, *d.End2)
	}
	if d.End1 != nil && d.Start2 != nil && *d.Start2 < *d.End1 {
		return fmt.Errorf("start2 %s overlaps the first window ending at %s", *d.Start2, *d.End1)
	}
	return nil
}
