package attendance

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		input   string
		want    TimeOfDay
		wantErr bool
	}{
		{"08:00", 480, false},
		{"17:30", 1050, false},
		{"08:15:59", 495, false},
		{"00:00", 0, false},
		{"24:00", 0, true},
		{"8h00", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseTimeOfDay(%q) should fail", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTimeOfDay(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseTimeOfDay(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestTimeOfDayJSON(t *testing.T) {
	var d ScheduleDetail
	if err := json.Unmarshal([]byte(`{"dayOfWeek": 2, "dayType": "AM", "start1": "07:45", "end1": "12:00"}`), &d); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if d.Start1 == nil || *d.Start1 != *At(7, 45) {
		t.Errorf("Start1 = %v, want 07:45", d.Start1)
	}
	if d.Start2 != nil {
		t.Errorf("Start2 = %v, want nil", d.Start2)
	}

	out, err := json.Marshal(d.End1)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(out) != `"12:00"` {
		t.Errorf("Marshal(End1) = %s, want \"12:00\"", out)
	}
}

func TestWindows(t *testing.T) {
	split := ScheduleDetail{Start1: At(8, 0), End1: At(12, 0), Start2: At(13, 0), End2: At(17, 0)}
	single := ScheduleDetail{Start1: At(14, 0), End1: At(18, 0)}

	tests := []struct {
		name      string
		detail    ScheduleDetail
		dayType   DayType
		wantStart []TimeOfDay
	}{
		{"full day keeps both windows", split, FullDay, []TimeOfDay{480, 780}},
		{"morning keeps the first window", split, Morning, []TimeOfDay{480}},
		{"afternoon keeps the second window", split, Afternoon, []TimeOfDay{780}},
		{"afternoon falls back to the first window", single, Afternoon, []TimeOfDay{840}},
		{"full day drops empty windows", single, FullDay, []TimeOfDay{840}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := tt.detail
			d.DayType = tt.dayType
			windows := d.Windows()
			if len(windows) != len(tt.wantStart) {
				t.Fatalf("Expected %d windows, got %d", len(tt.wantStart), len(windows))
			}
			for i, w := range windows {
				if *w.Start != tt.wantStart[i] {
					t.Errorf("window %d start = %s, want %s", i, w.Start, tt.wantStart[i])
				}
			}
		})
	}
}

func TestDetailForPrefersFullDay(t *testing.T) {
	s := &Schedule{
		ID:   "s1",
		Type: Fixed,
		Details: []ScheduleDetail{
			{DayOfWeek: 0, DayType: Afternoon, Start1: At(13, 0)},
			{DayOfWeek: 0, DayType: FullDay, Start1: At(8, 0)},
			{DayOfWeek: 0, DayType: Morning, Start1: At(9, 0)},
			{DayOfWeek: 4, DayType: Morning, Start1: At(7, 0)},
		},
	}

	if d := s.DetailFor(0); d == nil || d.DayType != FullDay {
		t.Errorf("DetailFor(Monday) = %+v, want the FULL detail", d)
	}
	if d := s.DetailFor(4); d == nil || d.DayType != Morning {
		t.Errorf("DetailFor(Friday) = %+v, want the AM detail", d)
	}
	if d := s.DetailFor(6); d != nil {
		t.Errorf("DetailFor(Sunday) = %+v, want nil", d)
	}
}

func TestWeekday(t *testing.T) {
	// 2026-03-02 is a Monday
	monday := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		if got := Weekday(monday.AddDate(0, 0, i)); got != i {
			t.Errorf("Weekday(%s) = %d, want %d", monday.AddDate(0, 0, i).Format(DateLayout), got, i)
		}
	}
}

func TestActiveOnWindow(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)
	site := &Site{ID: "site-1", IsActive: true, ActivationStart: &start, ActivationEnd: &end}

	tests := []struct {
		date string
		want bool
	}{
		{"2026-02-28", false},
		{"2026-03-01", true},
		{"2026-03-30", true},
		{"2026-03-31", false},
	}
	for _, tt := range tests {
		day, _ := time.Parse(DateLayout, tt.date)
		if got := site.ActiveOn(day); got != tt.want {
			t.Errorf("ActiveOn(%s) = %v, want %v", tt.date, got, tt.want)
		}
	}

	site.IsActive = false
	day, _ := time.Parse(DateLayout, "2026-03-10")
	if site.ActiveOn(day) {
		t.Error("An inactive site should never be active")
	}
}

func TestDateOf(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Skipf("tzdata not available: %v", err)
	}

	// 23:30 UTC is already the next day in Paris
	ts := time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC)
	if got := DateOf(ts, paris).Format(DateLayout); got != "2026-03-03" {
		t.Errorf("DateOf in Paris = %s, want 2026-03-03", got)
	}
	if got := DateOf(ts, nil).Format(DateLayout); got != "2026-03-02" {
		t.Errorf("DateOf in UTC = %s, want 2026-03-02", got)
	}
}
