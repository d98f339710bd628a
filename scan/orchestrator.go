// Package scan drives evaluation over (employee, site, date) units, either one
// unit right after a punch or a whole date range in batch.
package scan

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/liamcoop/anomalies/anomaly"
	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/internal/logger"
	"github.com/liamcoop/anomalies/rules"
	"github.com/liamcoop/anomalies/ruleset"
	"github.com/liamcoop/anomalies/schedule"
)

const instrumentationName = "github.com/liamcoop/anomalies/scan"

// MaxBatchDays bounds the length of one batch range
const MaxBatchDays = 93

// ErrInvalidRange is returned for batch ranges that are empty after clamping or too long
var ErrInvalidRange = errors.New("invalid batch range")

// Options tunes an Orchestrator. Zero values pick the defaults.
type Options struct {
	Workers   int            // concurrent units in a batch, default 8
	RateLimit float64        // units per second, 0 = unlimited
	Location  *time.Location // calendar used to cut days, default UTC
	Locker    Locker         // optional cross-instance batch lock
	LockTTL   time.Duration  // default 15m
	Now       func() time.Time
}

// Orchestrator evaluates units against the current ruleset and hands
// anomaly verdicts to the emitter
type Orchestrator struct {
	repo     attendance.Repository
	resolver *schedule.Resolver
	engine   *rules.Engine
	rulesets *ruleset.Manager
	emitter  *anomaly.Emitter
	opts     Options
	limiter  *rate.Limiter

	tracer   trace.Tracer
	units    metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates an orchestrator
func New(
	repo attendance.Repository,
	resolver *schedule.Resolver,
	engine *rules.Engine,
	rulesets *ruleset.Manager,
	emitter *anomaly.Emitter,
	opts Options,
) (*Orchestrator, error) {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	meter := otel.Meter(instrumentationName)
	units, err := meter.Int64Counter("anomalies.scan.units",
		metric.WithDescription("Evaluated scan units by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create units counter: %w", err)
	}
	duration, err := meter.Float64Histogram("anomalies.scan.unit.duration",
		metric.WithDescription("Time spent evaluating one unit"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	o := &Orchestrator{
		repo:     repo,
		resolver: resolver,
		engine:   engine,
		rulesets: rulesets,
		emitter:  emitter,
		opts:     opts,
		tracer:   otel.Tracer(instrumentationName),
		units:    units,
		duration: duration,
	}
	if opts.RateLimit > 0 {
		burst := int(math.Ceil(opts.RateLimit))
		o.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return o, nil
}

// Realtime evaluates the unit a punch belongs to
func (o *Orchestrator) Realtime(ctx context.Context, punch attendance.Punch) UnitReport {
	unit := Unit{
		EmployeeID: punch.EmployeeID,
		SiteID:     punch.SiteID,
		Date:       attendance.DateOf(punch.Timestamp, o.opts.Location),
	}
	return o.evaluate(ctx, unit, rules.Realtime)
}

// BatchRequest selects the units of a batch scan. Zero dates mean yesterday;
// the end date is clamped to yesterday since today is not over.
type BatchRequest struct {
	From            time.Time
	To              time.Time
	SiteIDs         []string
	IncludeInactive bool
}

// Batch evaluates every employee of every selected site for each day of the range
func (o *Orchestrator) Batch(ctx context.Context, req BatchRequest) (*Report, error) {
	from, to, err := o.dateRange(req)
	if err != nil {
		return nil, err
	}

	ctx, span := o.tracer.Start(ctx, "scan.batch", trace.WithAttributes(
		attribute.String("from", from.Format(attendance.DateLayout)),
		attribute.String("to", to.Format(attendance.DateLayout)),
	))
	defer span.End()

	if o.opts.Locker != nil {
		key := fmt.Sprintf("anomalies:batch:%s:%s", from.Format(attendance.DateLayout), to.Format(attendance.DateLayout))
		release, err := o.opts.Locker.Obtain(ctx, key, o.opts.LockTTL)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		defer func() {
			if err := release(context.Background()); err != nil {
				logger.Warn("failed to release batch lock", "key", key, "error", err)
			}
		}()
	}

	sites, err := o.selectSites(ctx, req.SiteIDs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var units []Unit
	var setupFailures []UnitReport
	end := to.AddDate(0, 0, 1)
	for _, site := range sites {
		employees, err := o.repo.ListEmployees(ctx, site.ID, from, end)
		if err != nil {
			// One site failing to list its staff must not stop the others
			u := Unit{SiteID: site.ID, Date: from}
			logger.ErrorUnit(err, "site_id", site.ID)
			setupFailures = append(setupFailures, failedReport(u, fmt.Errorf("failed to list employees: %w", err)))
			continue
		}
		for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
			if !req.IncludeInactive && !site.ActiveOn(day) {
				continue
			}
			for _, emp := range employees {
				units = append(units, Unit{EmployeeID: emp, SiteID: site.ID, Date: day})
			}
		}
	}

	logger.Info("batch scan started",
		"from", from.Format(attendance.DateLayout),
		"to", to.Format(attendance.DateLayout),
		"sites", len(sites),
		"units", len(units),
	)

	report := o.RunUnits(ctx, units, rules.Batch)
	for _, f := range setupFailures {
		report.add(f)
	}
	report.From = from.Format(attendance.DateLayout)
	report.To = to.Format(attendance.DateLayout)
	report.finish()

	span.SetAttributes(attribute.Int("units", len(report.Units)), attribute.Int("created", report.Created()))
	logger.Info("batch scan finished",
		"from", report.From,
		"to", report.To,
		"units", len(report.Units),
		"created", report.Created(),
		"errors", report.Totals[Failed],
	)
	return report, nil
}

// Retry re-runs the failed units of a previous report
func (o *Orchestrator) Retry(ctx context.Context, previous *Report) (*Report, error) {
	if previous == nil {
		return nil, fmt.Errorf("nothing to retry")
	}
	report := o.RunUnits(ctx, previous.Failed(), previous.Mode)
	report.From, report.To = previous.From, previous.To
	return report, nil
}

// RunUnits evaluates units on a bounded worker pool. A failing unit never
// cancels its siblings; each unit gets its own report entry, in input order.
func (o *Orchestrator) RunUnits(ctx context.Context, units []Unit, mode rules.ProcessingMode) *Report {
	report := newReport(mode)
	results := make([]UnitReport, len(units))

	var g errgroup.Group
	g.SetLimit(o.opts.Workers)
	for i, u := range units {
		g.Go(func() error {
			if o.limiter != nil {
				if err := o.limiter.Wait(ctx); err != nil {
					results[i] = failedReport(u, err)
					return nil
				}
			}
			results[i] = o.evaluate(ctx, u, mode)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		report.add(r)
	}
	return report.finish()
}

// evaluate runs one unit end to end: resolve, build context, walk, emit
func (o *Orchestrator) evaluate(ctx context.Context, u Unit, mode rules.ProcessingMode) UnitReport {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, "scan.unit", trace.WithAttributes(
		attribute.String("employee_id", u.EmployeeID),
		attribute.String("site_id", u.SiteID),
		attribute.String("date", u.Day()),
		attribute.String("mode", string(mode)),
	))
	defer span.End()

	report, err := o.evaluateUnit(ctx, u, mode)
	if err != nil {
		report = failedReport(u, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.ErrorUnit(err,
			"employee_id", u.EmployeeID,
			"site_id", u.SiteID,
			"date", u.Day(),
			"mode", string(mode),
		)
	}

	attrs := metric.WithAttributes(
		attribute.String("outcome", string(report.Outcome)),
		attribute.String("mode", string(mode)),
	)
	o.units.Add(ctx, 1, attrs)
	o.duration.Record(ctx, float64(time.Since(started).Microseconds())/1000, attrs)
	return report
}

func (o *Orchestrator) evaluateUnit(ctx context.Context, u Unit, mode rules.ProcessingMode) (UnitReport, error) {
	report := UnitReport{EmployeeID: u.EmployeeID, SiteID: u.SiteID, Date: u.Day(), unit: u}

	// One snapshot for the whole unit, even if a publication lands meanwhile
	rs := o.rulesets.Current()
	if rs == nil {
		return report, rules.ErrNoRuleset
	}
	report.RulesetVersion = rs.Version

	site, err := o.repo.GetSite(ctx, u.SiteID)
	if err != nil {
		return report, fmt.Errorf("failed to load site %s: %w", u.SiteID, err)
	}

	res, err := o.resolver.Resolve(ctx, u.EmployeeID, u.SiteID, u.Date)
	if err != nil {
		return report, err
	}
	report.Reason = res.Reason

	dayStart := attendance.DateOf(u.Date, o.opts.Location)
	punches, err := o.repo.ListPunches(ctx, u.EmployeeID, u.SiteID, dayStart, dayStart.AddDate(0, 0, 1))
	if err != nil {
		return report, fmt.Errorf("failed to list punches: %w", err)
	}

	ec := &rules.EvaluationContext{
		EmployeeID: u.EmployeeID,
		SiteID:     u.SiteID,
		Date:       dayStart,
		Location:   o.opts.Location,
		Site:       site,
		Resolution: res,
		Punches:    punches,
		Margins:    rs.Document.Config.ForSchedule(res.Schedule),
		Mode:       mode,
	}

	verdict, err := o.engine.Evaluate(rs.Document.Tree, ec)
	if err != nil {
		return report, err
	}
	report.Action = verdict.Action
	report.Path = verdict.Path
	report.NoMatch = verdict.NoMatch

	if !verdict.IsAnomaly() {
		report.Outcome = NoAnomaly
		if !res.Resolved() {
			report.Outcome = Unresolved
		}
		return report, nil
	}

	result, err := o.emitter.Emit(ctx, anomaly.Request{
		EmployeeID:     u.EmployeeID,
		SiteID:         u.SiteID,
		Date:           dayStart,
		Action:         verdict.Action,
		Punches:        punches,
		Minutes:        Minutes(verdict.Action, ec.Facts()),
		RulesetVersion: rs.Version,
		Mode:           mode,
	})
	if err != nil {
		return report, err
	}
	report.Outcome = AnomalyFound
	report.Emit = result.Outcome
	if result.Anomaly != nil {
		report.AnomalyID = result.Anomaly.ID
	}
	return report, nil
}

// Minutes is the magnitude recorded on an anomaly: late or early minutes,
// or the shortfall for insufficient hours
func Minutes(action rules.ActionID, f *rules.Facts) int {
	switch action {
	case rules.ActionLate:
		if f.ArrivalApplicable && f.LateMinutes > 0 {
			return int(math.Round(f.LateMinutes))
		}
	case rules.ActionEarlyDeparture:
		if f.DepartureApplicable && f.EarlyMinutes > 0 {
			return int(math.Round(f.EarlyMinutes))
		}
	case rules.ActionInsufficientHours:
		return f.ShortfallMinutes()
	}
	return 0
}

// dateRange applies the batch defaults and bounds in the orchestrator's calendar
func (o *Orchestrator) dateRange(req BatchRequest) (time.Time, time.Time, error) {
	loc := o.opts.Location
	yesterday := attendance.DateOf(o.opts.Now(), loc).AddDate(0, 0, -1)

	to := yesterday
	if !req.To.IsZero() {
		to = localDate(req.To, loc)
	}
	if to.After(yesterday) {
		to = yesterday
	}

	from := to
	if !req.From.IsZero() {
		from = localDate(req.From, loc)
	}

	if from.After(to) {
		return from, to, fmt.Errorf("%w: %s is after %s", ErrInvalidRange,
			from.Format(attendance.DateLayout), to.Format(attendance.DateLayout))
	}
	if days := int(math.Round(to.Sub(from).Hours()/24)) + 1; days > MaxBatchDays {
		return from, to, fmt.Errorf("%w: %d days, maximum is %d", ErrInvalidRange, days, MaxBatchDays)
	}
	return from, to, nil
}

// localDate reinterprets a calendar date (as parsed, usually UTC midnight) in loc
func localDate(t time.Time, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func (o *Orchestrator) selectSites(ctx context.Context, ids []string) ([]*attendance.Site, error) {
	if len(ids) == 0 {
		sites, err := o.repo.ListSites(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list sites: %w", err)
		}
		return sites, nil
	}

	sites := make([]*attendance.Site, 0, len(ids))
	for _, id := range ids {
		site, err := o.repo.GetSite(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load site %s: %w", id, err)
		}
		sites = append(sites, site)
	}
	return sites, nil
}

func failedReport(u Unit, err error) UnitReport {
	return UnitReport{
		EmployeeID: u.EmployeeID,
		SiteID:     u.SiteID,
		Date:       u.Day(),
		Outcome:    Failed,
		Error:      err.Error(),
		unit:       u,
	}
}
