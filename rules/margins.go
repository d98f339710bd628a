package rules

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/internal/logger"
)

// MarginConfig holds the tolerances used by the comparator conditions.
// Minutes for the margins, percent for the frequency tolerance.
type MarginConfig struct {
	LateMargin           int `json:"late_margin" validate:"gte=0"`
	EarlyDepartureMargin int `json:"early_departure_margin" validate:"gte=0"`
	FrequencyTolerance   int `json:"frequency_tolerance" validate:"gte=0,lte=100"`
	AmbiguousMargin      int `json:"ambiguous_margin" validate:"gte=0"`
}

// DefaultMargins returns the tolerances used when nothing is configured
func DefaultMargins() MarginConfig {
	return MarginConfig{
		LateMargin:           15,
		EarlyDepartureMargin: 15,
		FrequencyTolerance:   10,
		AmbiguousMargin:      20,
	}
}

var validate = validator.New()

// Validate checks that every tolerance is in range
func (m MarginConfig) Validate() error {
	if err := validate.Struct(m); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s must be %s %s (got %v)", jsonFieldName(fe.StructField()), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("invalid margin config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid margin config: %w", err)
	}
	return nil
}

func jsonFieldName(field string) string {
	switch field {
	case "LateMargin":
		return "late_margin"
	case "EarlyDepartureMargin":
		return "early_departure_margin"
	case "FrequencyTolerance":
		return "frequency_tolerance"
	case "AmbiguousMargin":
		return "ambiguous_margin"
	}
	return field
}

// MarginPatch is a partial MarginConfig as found in imported documents.
// Missing fields keep their current value.
type MarginPatch struct {
	LateMargin           *int `json:"late_margin,omitempty"`
	EarlyDepartureMargin *int `json:"early_departure_margin,omitempty"`
	FrequencyTolerance   *int `json:"frequency_tolerance,omitempty"`
	AmbiguousMargin      *int `json:"ambiguous_margin,omitempty"`
}

// Apply merges the patch over m field by field
func (m MarginConfig) Apply(p MarginPatch) MarginConfig {
	if p.LateMargin != nil {
		m.LateMargin = *p.LateMargin
	}
	if p.EarlyDepartureMargin != nil {
		m.EarlyDepartureMargin = *p.EarlyDepartureMargin
	}
	if p.FrequencyTolerance != nil {
		m.FrequencyTolerance = *p.FrequencyTolerance
	}
	if p.AmbiguousMargin != nil {
		m.AmbiguousMargin = *p.AmbiguousMargin
	}
	return m
}

// ForSchedule applies the schedule's own overrides, if any. Overrides that
// would put a tolerance out of range are ignored as a whole.
func (m MarginConfig) ForSchedule(s *attendance.Schedule) MarginConfig {
	if s == nil {
		return m
	}
	merged := m.Apply(MarginPatch{
		LateMargin:           s.LateMargin,
		EarlyDepartureMargin: s.EarlyDepartureMargin,
		FrequencyTolerance:   s.FrequencyTolerance,
	})
	if err := merged.Validate(); err != nil {
		logger.Warn("ignoring schedule margin overrides", "schedule_id", s.ID, "error", err)
		return m
	}
	return merged
}

// UnmarshalJSON merges the decoded fields over the defaults rather than zeroing
// the ones that are absent.
func (m *MarginConfig) UnmarshalJSON(data []byte) error {
	var p MarginPatch
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*m = DefaultMargins().Apply(p)
	return nil
}
