package rules

import (
	"github.com/liamcoop/anomalies/attendance"
	"github.com/shopspring/decimal"
)

// Facts are the measurements the comparator conditions work on, derived once
// per context from the punches and the resolved schedule detail.
type Facts struct {
	ArrivalExists   bool
	DepartureExists bool
	Consecutive     bool

	// FIXED schedules: deviation in minutes from the attributed window bound,
	// positive when late (arrival) or early (departure).
	ArrivalApplicable   bool
	LateMinutes         float64
	DepartureApplicable bool
	EarlyMinutes        float64

	// FREQUENCY schedules
	DurationApplicable bool
	WorkedMinutes      float64
	ExpectedMinutes    int
	RequiredMinutes    decimal.Decimal
}

// ShortfallMinutes is how far the worked time is below the expected duration
func (f *Facts) ShortfallMinutes() int {
	if !f.DurationApplicable {
		return 0
	}
	short := decimal.NewFromInt(int64(f.ExpectedMinutes)).Sub(decimal.NewFromFloat(f.WorkedMinutes))
	if short.IsNegative() {
		return 0
	}
	return int(short.Round(0).IntPart())
}

func deriveFacts(ec *EvaluationContext) *Facts {
	f := &Facts{}
	punches := make([]attendance.Punch, len(ec.Punches))
	copy(punches, ec.Punches)
	attendance.SortPunches(punches)

	var firstArrival, lastDeparture *attendance.Punch
	for i := range punches {
		p := &punches[i]
		switch p.EntryType {
		case attendance.Arrival:
			f.ArrivalExists = true
			if firstArrival == nil {
				firstArrival = p
			}
		case attendance.Departure:
			f.DepartureExists = true
			lastDeparture = p
		}
		if i > 0 && punches[i-1].EntryType == p.EntryType {
			f.Consecutive = true
		}
	}

	res := ec.Resolution
	if !res.Resolved() {
		return f
	}

	loc := ec.location()
	minuteOfDay := func(p *attendance.Punch) float64 {
		t := p.Timestamp.In(loc)
		return float64(t.Hour()*60+t.Minute()) + float64(t.Second())/60
	}

	switch res.Schedule.Type {
	case attendance.Fixed:
		windows := res.Detail.Windows()
		ambiguous := float64(ec.Margins.AmbiguousMargin)

		if firstArrival != nil {
			if start := arrivalReference(windows, minuteOfDay(firstArrival), ambiguous); start != nil {
				f.ArrivalApplicable = true
				f.LateMinutes = minuteOfDay(firstArrival) - float64(*start)
			}
		}
		if lastDeparture != nil {
			if end := departureReference(windows, minuteOfDay(lastDeparture), ambiguous); end != nil {
				f.DepartureApplicable = true
				f.EarlyMinutes = float64(*end) - minuteOfDay(lastDeparture)
			}
		}

	case attendance.Frequency:
		if res.Detail.FrequencyDurationMinutes == nil {
			return f
		}
		f.DurationApplicable = true
		f.ExpectedMinutes = *res.Detail.FrequencyDurationMinutes
		f.WorkedMinutes = workedMinutes(punches)
		f.RequiredMinutes = decimal.NewFromInt(int64(f.ExpectedMinutes)).
			Mul(decimal.NewFromInt(int64(100 - ec.Margins.FrequencyTolerance))).
			Div(decimal.NewFromInt(100))
	}
	return f
}

// arrivalReference picks the window start an arrival is compared to. An
// arrival at or after start2 minus the ambiguous margin belongs to the
// second window of a split shift.
func arrivalReference(windows []attendance.Window, arrival, ambiguous float64) *attendance.TimeOfDay {
	if len(windows) == 0 {
		return nil
	}
	if len(windows) > 1 && windows[1].Start != nil && arrival >= float64(*windows[1].Start)-ambiguous {
		return windows[1].Start
	}
	if windows[0].Start != nil {
		return windows[0].Start
	}
	return windows[len(windows)-1].Start
}

// departureReference picks the window end a departure is compared to. A
// departure at or before end1 plus the ambiguous margin closes the first
// window; anything later is compared to the last window's end.
func departureReference(windows []attendance.Window, departure, ambiguous float64) *attendance.TimeOfDay {
	if len(windows) == 0 {
		return nil
	}
	if len(windows) > 1 && windows[0].End != nil && departure <= float64(*windows[0].End)+ambiguous {
		return windows[0].End
	}
	if end := windows[len(windows)-1].End; end != nil {
		return end
	}
	return windows[0].End
}

// workedMinutes pairs each arrival with the next departure. A repeated
// arrival keeps the first one open; a departure without an open arrival is ignored.
func workedMinutes(punches []attendance.Punch) float64 {
	var total float64
	var open *attendance.Punch
	for i := range punches {
		p := &punches[i]
		switch p.EntryType {
		case attendance.Arrival:
			if open == nil {
				open = p
			}
		case attendance.Departure:
			if open != nil {
				total += p.Timestamp.Sub(open.Timestamp).Minutes()
				open = nil
			}
		}
	}
	return total
}
