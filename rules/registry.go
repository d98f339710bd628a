package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/liamcoop/anomalies/attendance"
)

// evaluatorFunc computes one condition value. It must return a member of the
// condition's admissible values for every context that passed Validate.
type evaluatorFunc func(r *Registry, ec *EvaluationContext) (string, error)

// Comparator expressions over the derived facts. Thresholds: within the
// margin is on time, beyond twice the margin is the "very" value.
var comparatorExpressions = map[ConditionID]string{
	ArrivalTime: fmt.Sprintf(
		`!applicable || deviation <= double(margin) ? %q : deviation <= 2.0 * double(margin) ? %q : %q`,
		ValueOnTime, ValueLate, ValueVeryLate),
	DepartureTime: fmt.Sprintf(
		`!applicable || deviation <= double(margin) ? %q : deviation <= 2.0 * double(margin) ? %q : %q`,
		ValueOnTime, ValueEarly, ValueVeryEarly),
	Duration: fmt.Sprintf(
		`!applicable || worked >= required ? %q : %q`,
		ValueSufficient, ValueInsufficient),
}

// Registry maps every catalogue condition to its evaluator.
// Compiled programs are read-only after construction, so a Registry is safe
// for concurrent use.
type Registry struct {
	env        *cel.Env
	programs   map[ConditionID]cel.Program
	evaluators map[ConditionID]evaluatorFunc
}

// NewRegistry builds the registry and compiles the comparator programs
func NewRegistry() (*Registry, error) {
	env, err := cel.NewEnv(
		cel.Variable("applicable", cel.BoolType),
		cel.Variable("deviation", cel.DoubleType),
		cel.Variable("margin", cel.IntType),
		cel.Variable("worked", cel.DoubleType),
		cel.Variable("required", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	r := &Registry{
		env:      env,
		programs: make(map[ConditionID]cel.Program, len(comparatorExpressions)),
		evaluators: map[ConditionID]evaluatorFunc{
			SiteStatus:         evalSiteStatus,
			ScheduleStatus:     evalScheduleStatus,
			ScheduleTypeCond:   evalScheduleType,
			EmployeeLinked:     evalEmployeeLinked,
			ArrivalExists:      evalArrivalExists,
			DepartureExists:    evalDepartureExists,
			ArrivalTime:        evalArrivalTime,
			DepartureTime:      evalDepartureTime,
			Duration:           evalDuration,
			DayOfWeek:          evalDayOfWeek,
			DayTypeCond:        evalDayType,
			ProcessingModeCond: evalProcessingMode,
			ConsecutivePunches: evalConsecutive,
		},
	}

	for id, expr := range comparatorExpressions {
		if err := r.compile(id, expr); err != nil {
			return nil, fmt.Errorf("failed to compile condition %s: %w", id, err)
		}
	}

	for _, c := range conditions {
		if _, ok := r.evaluators[c.ID]; !ok {
			return nil, fmt.Errorf("condition %s has no evaluator", c.ID)
		}
	}

	return r, nil
}

// MustNewRegistry is like NewRegistry but panics on error. The expressions
// are constants, so a failure is a programming error.
func MustNewRegistry() *Registry {
	r, err := NewRegistry()
	if err != nil {
		panic(err)
	}
	return r
}

// compile turns an expression into a cost-limited CEL program
func (r *Registry) compile(id ConditionID, expression string) error {
	ast, issues := r.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.StringType) {
		return fmt.Errorf("expression must return a string, got %s", ast.OutputType())
	}

	prog, err := r.env.Program(ast, cel.CostLimit(10000))
	if err != nil {
		return fmt.Errorf("program creation error: %w", err)
	}
	r.programs[id] = prog
	return nil
}

// Has reports whether id is a registered condition
func (r *Registry) Has(id ConditionID) bool {
	_, ok := r.evaluators[id]
	return ok
}

// Values returns the admissible values of a condition, nil for free text
func (r *Registry) Values(id ConditionID) ([]string, error) {
	c, ok := LookupCondition(id)
	if !ok || !r.Has(id) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCondition, id)
	}
	return append([]string(nil), c.Values...), nil
}

// Evaluate computes the value of condition id for the context
func (r *Registry) Evaluate(id ConditionID, ec *EvaluationContext) (string, error) {
	fn, ok := r.evaluators[id]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCondition, id)
	}

	value, err := fn(r, ec)
	if err != nil {
		return "", fmt.Errorf("condition %s: %w", id, err)
	}

	if c, ok := LookupCondition(id); ok && !c.Admits(value) {
		return "", fmt.Errorf("condition %s produced inadmissible value %q", id, value)
	}
	return value, nil
}

func (r *Registry) run(id ConditionID, vars map[string]any) (string, error) {
	prog, ok := r.programs[id]
	if !ok {
		return "", fmt.Errorf("condition %s is not compiled", id)
	}
	out, _, err := prog.Eval(vars)
	if err != nil {
		return "", err
	}
	s, ok := out.Value().(string)
	if !ok {
		return "", fmt.Errorf("expression returned %T, want string", out.Value())
	}
	return s, nil
}

func yesNo(b bool) string {
	if b {
		return ValueYes
	}
	return ValueNo
}

func activeInactive(b bool) string {
	if b {
		return ValueActive
	}
	return ValueInactive
}

func evalSiteStatus(_ *Registry, ec *EvaluationContext) (string, error) {
	return activeInactive(ec.Site.ActiveOn(ec.Date)), nil
}

// A schedule is only in force on a day it is active and covers with a detail
func evalScheduleStatus(_ *Registry, ec *EvaluationContext) (string, error) {
	return activeInactive(ec.Resolution.Resolved()), nil
}

func evalScheduleType(_ *Registry, ec *EvaluationContext) (string, error) {
	if s := ec.Resolution.Schedule; s != nil && s.Type == attendance.Frequency {
		return ValueFrequency, nil
	}
	return ValueFixed, nil
}

func evalEmployeeLinked(_ *Registry, ec *EvaluationContext) (string, error) {
	return yesNo(ec.Resolution.Linked()), nil
}

func evalArrivalExists(_ *Registry, ec *EvaluationContext) (string, error) {
	return yesNo(ec.Facts().ArrivalExists), nil
}

func evalDepartureExists(_ *Registry, ec *EvaluationContext) (string, error) {
	return yesNo(ec.Facts().DepartureExists), nil
}

func evalConsecutive(_ *Registry, ec *EvaluationContext) (string, error) {
	return yesNo(ec.Facts().Consecutive), nil
}

func evalArrivalTime(r *Registry, ec *EvaluationContext) (string, error) {
	f := ec.Facts()
	return r.run(ArrivalTime, map[string]any{
		"applicable": f.ArrivalApplicable,
		"deviation":  f.LateMinutes,
		"margin":     int64(ec.Margins.LateMargin),
	})
}

func evalDepartureTime(r *Registry, ec *EvaluationContext) (string, error) {
	f := ec.Facts()
	return r.run(DepartureTime, map[string]any{
		"applicable": f.DepartureApplicable,
		"deviation":  f.EarlyMinutes,
		"margin":     int64(ec.Margins.EarlyDepartureMargin),
	})
}

func evalDuration(r *Registry, ec *EvaluationContext) (string, error) {
	f := ec.Facts()
	return r.run(Duration, map[string]any{
		"applicable": f.DurationApplicable,
		"worked":     f.WorkedMinutes,
		"required":   f.RequiredMinutes.InexactFloat64(),
	})
}

func evalDayOfWeek(_ *Registry, ec *EvaluationContext) (string, error) {
	return Weekdays[attendance.Weekday(ec.Date)], nil
}

func evalDayType(_ *Registry, ec *EvaluationContext) (string, error) {
	if d := ec.Resolution.Detail; d != nil && d.DayType != "" {
		return string(d.DayType), nil
	}
	return ValueFullDay, nil
}

func evalProcessingMode(_ *Registry, ec *EvaluationContext) (string, error) {
	return ec.Mode.Label(), nil
}
