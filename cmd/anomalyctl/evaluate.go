package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/liamcoop/anomalies/anomaly"
	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/rules"
	"github.com/liamcoop/anomalies/scan"
	"github.com/liamcoop/anomalies/schedule"
)

// fixture is a self-contained (employee, site, date) unit for offline evaluation
type fixture struct {
	EmployeeID  string                  `json:"employeeId"`
	Date        string                  `json:"date"`
	Timezone    string                  `json:"timezone,omitempty"`
	Mode        rules.ProcessingMode    `json:"mode,omitempty"`
	Site        attendance.Site         `json:"site"`
	Schedules   []*attendance.Schedule  `json:"schedules,omitempty"`
	Assignments []attendance.Assignment `json:"assignments,omitempty"`
	Punches     []attendance.Punch      `json:"punches,omitempty"`
}

// evaluation is what `anomalyctl evaluate` prints
type evaluation struct {
	EmployeeID string               `json:"employeeId"`
	SiteID     string               `json:"siteId"`
	Date       string               `json:"date"`
	Mode       rules.ProcessingMode `json:"mode"`
	Resolution schedule.Resolution  `json:"resolution"`
	Margins    rules.MarginConfig   `json:"margins"`
	Verdict    rules.Verdict        `json:"verdict"`
	Anomaly    anomaly.Kind         `json:"anomaly,omitempty"`
	Minutes    int                  `json:"minutes,omitempty"`
	Facts      *rules.Facts         `json:"facts"`
}

func loadFixture(path string) (*fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	var fx fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("invalid fixture: %w", err)
	}
	return &fx, nil
}

// evaluateFixture runs doc's tree against the fixture with in-memory stores
func evaluateFixture(ctx context.Context, doc *rules.Document, fx *fixture) (*evaluation, error) {
	if fx.EmployeeID == "" || fx.Site.ID == "" {
		return nil, fmt.Errorf("fixture needs employeeId and site.id")
	}

	loc := time.UTC
	if fx.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(fx.Timezone); err != nil {
			return nil, fmt.Errorf("invalid timezone: %w", err)
		}
	}
	day, err := time.ParseInLocation(attendance.DateLayout, fx.Date, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid date: %w", err)
	}
	mode := fx.Mode
	if mode == "" {
		mode = rules.Batch
	}

	repo := attendance.NewInMemoryRepository()
	site := fx.Site
	repo.PutSite(&site)
	for _, s := range fx.Schedules {
		if s.SiteID == "" {
			s.SiteID = site.ID
		}
		if err := repo.PutSchedule(s); err != nil {
			return nil, err
		}
	}
	for _, a := range fx.Assignments {
		if a.EmployeeID == "" {
			a.EmployeeID = fx.EmployeeID
		}
		if a.SiteID == "" {
			a.SiteID = site.ID
		}
		repo.Assign(a)
	}
	for i, p := range fx.Punches {
		if p.ID == "" {
			p.ID = fmt.Sprintf("p%d", i+1)
		}
		if p.EmployeeID == "" {
			p.EmployeeID = fx.EmployeeID
		}
		if p.SiteID == "" {
			p.SiteID = site.ID
		}
		repo.AddPunch(p)
	}

	res, err := schedule.NewResolver(repo, nil).Resolve(ctx, fx.EmployeeID, site.ID, day)
	if err != nil {
		return nil, err
	}
	punches, err := repo.ListPunches(ctx, fx.EmployeeID, site.ID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	ec := &rules.EvaluationContext{
		EmployeeID: fx.EmployeeID,
		SiteID:     site.ID,
		Date:       day,
		Location:   loc,
		Site:       &site,
		Resolution: res,
		Punches:    punches,
		Margins:    doc.Config.ForSchedule(res.Schedule),
		Mode:       mode,
	}

	registry, err := rules.NewRegistry()
	if err != nil {
		return nil, err
	}
	verdict, err := rules.NewEngine(registry).Evaluate(doc.Tree, ec)
	if err != nil {
		return nil, err
	}

	out := &evaluation{
		EmployeeID: fx.EmployeeID,
		SiteID:     site.ID,
		Date:       fx.Date,
		Mode:       mode,
		Resolution: res,
		Margins:    ec.Margins,
		Verdict:    verdict,
		Facts:      ec.Facts(),
	}
	if kind, ok := anomaly.KindFor(verdict.Action); ok {
		out.Anomaly = kind
		out.Minutes = scan.Minutes(verdict.Action, ec.Facts())
	}
	return out, nil
}
