package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/liamcoop/anomalies/anomaly"
	"github.com/liamcoop/anomalies/attendance"
	"github.com/liamcoop/anomalies/internal/app"
	"github.com/liamcoop/anomalies/internal/config"
	"github.com/liamcoop/anomalies/rules"
)

type testEnv struct {
	server *httptest.Server
	repo   *attendance.InMemoryRepository
	app    *app.App
}

// newTestEnv serves the API over in-memory stores. site-1 is open every day
// 08:00-16:00 and emp-1 is assigned to it.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := attendance.NewInMemoryRepository()
	repo.PutSite(&attendance.Site{ID: "site-1", Name: "Siège", IsActive: true})

	sch := &attendance.Schedule{ID: "sch-1", SiteID: "site-1", Type: attendance.Fixed, IsActive: true}
	for d := 0; d < 7; d++ {
		sch.Details = append(sch.Details, attendance.ScheduleDetail{
			DayOfWeek: d,
			DayType:   attendance.FullDay,
			Start1:    attendance.At(8, 0),
			End1:      attendance.At(16, 0),
		})
	}
	if err := repo.PutSchedule(sch); err != nil {
		t.Fatalf("PutSchedule failed: %v", err)
	}
	repo.Assign(attendance.Assignment{EmployeeID: "emp-1", SiteID: "site-1", ScheduleID: "sch-1",
		IsActive: true, AssignedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)})

	a, err := app.Build(context.Background(), config.Config{Timezone: "UTC", ScanWorkers: 2}, app.Stores{
		Repo:      repo,
		Rulesets:  rules.NewInMemoryRulesetStore(),
		Anomalies: anomaly.NewInMemoryStore(),
	}, nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	srv := httptest.NewServer(NewServer(a))
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, repo: repo, app: a}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("Failed to decode response: %v\n%s", err, data)
	}
}

func exportedDocument(t *testing.T, lateMargin int) []byte {
	t.Helper()
	doc, err := rules.DefaultDocument()
	if err != nil {
		t.Fatalf("DefaultDocument failed: %v", err)
	}
	doc.Config.LateMargin = lateMargin
	data, err := rules.Export(doc)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	return data
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/api/v1/health", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	var health HealthResponse
	decode(t, body, &health)
	if health.Status != "healthy" || health.RulesetVersion != 0 || health.RulesetDigest == "" {
		t.Errorf("Health = %+v", health)
	}
}

func TestCatalogue(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/api/v1/catalogue", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", status)
	}
	var cat CatalogueResponse
	decode(t, body, &cat)
	if len(cat.Conditions) != len(rules.Conditions()) || len(cat.Actions) != len(rules.Actions()) {
		t.Errorf("Catalogue has %d conditions and %d actions", len(cat.Conditions), len(cat.Actions))
	}
	if cat.Defaults != rules.DefaultMargins() {
		t.Errorf("Defaults = %+v", cat.Defaults)
	}
}

func TestRulesetLifecycle(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/ruleset/validate", exportedDocument(t, 10))
	if status != http.StatusOK {
		t.Fatalf("Validate: expected status 200, got %d: %s", status, body)
	}
	var valid ValidateResponse
	decode(t, body, &valid)
	if !valid.Valid || valid.Nodes == 0 {
		t.Errorf("Validate = %+v", valid)
	}

	status, body = env.do(t, http.MethodPost, "/api/v1/ruleset", exportedDocument(t, 10))
	if status != http.StatusCreated {
		t.Fatalf("Publish: expected status 201, got %d: %s", status, body)
	}
	var published rules.Ruleset
	decode(t, body, &published)
	if published.Version != 1 || published.Digest != valid.Digest {
		t.Errorf("Published = v%d %s, want v1 %s", published.Version, published.Digest, valid.Digest)
	}

	if status, _ := env.do(t, http.MethodPost, "/api/v1/ruleset", exportedDocument(t, 20)); status != http.StatusCreated {
		t.Fatalf("Second publish: expected status 201, got %d", status)
	}

	status, body = env.do(t, http.MethodGet, "/api/v1/ruleset/versions", nil)
	if status != http.StatusOK {
		t.Fatalf("Versions: expected status 200, got %d", status)
	}
	var versions VersionsListResponse
	decode(t, body, &versions)
	if len(versions.Versions) != 2 || versions.Versions[0].Version != 2 || !versions.Versions[0].Active {
		t.Errorf("Versions = %+v", versions.Versions)
	}

	status, body = env.do(t, http.MethodPost, "/api/v1/ruleset/versions/1/activate", nil)
	if status != http.StatusOK {
		t.Fatalf("Activate: expected status 200, got %d: %s", status, body)
	}
	if cur := env.app.Rulesets.Current(); cur.Version != 1 {
		t.Errorf("Current after rollback = v%d, want v1", cur.Version)
	}

	status, body = env.do(t, http.MethodGet, "/api/v1/ruleset/export?version=2", nil)
	if status != http.StatusOK {
		t.Fatalf("Export: expected status 200, got %d", status)
	}
	doc, err := rules.Import(body)
	if err != nil {
		t.Fatalf("Exported document does not import: %v", err)
	}
	if doc.Config.LateMargin != 20 {
		t.Errorf("Exported late margin = %d, want 20", doc.Config.LateMargin)
	}
}

func TestRulesetErrors(t *testing.T) {
	env := newTestEnv(t)
	rejected := []byte(`{"version": "1.0", "tree": {"condition_id": "site_status", "branches": [{"value": "Peut-être", "action_id": "none"}]}}`)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"publish rejected", http.MethodPost, "/api/v1/ruleset", rejected, http.StatusUnprocessableEntity},
		{"validate rejected", http.MethodPost, "/api/v1/ruleset/validate", rejected, http.StatusUnprocessableEntity},
		{"publish invalid JSON", http.MethodPost, "/api/v1/ruleset", []byte("{"), http.StatusUnprocessableEntity},
		{"activate unknown", http.MethodPost, "/api/v1/ruleset/versions/9/activate", nil, http.StatusNotFound},
		{"activate bad version", http.MethodPost, "/api/v1/ruleset/versions/zero/activate", nil, http.StatusBadRequest},
		{"export unknown", http.MethodGet, "/api/v1/ruleset/export?version=9", nil, http.StatusNotFound},
		{"export bad version", http.MethodGet, "/api/v1/ruleset/export?version=-1", nil, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, tt.method, tt.path, tt.body)
			if status != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, status, body)
			}
		})
	}

	_, body := env.do(t, http.MethodPost, "/api/v1/ruleset", rejected)
	var resp RejectedResponse
	decode(t, body, &resp)
	if len(resp.Issues) == 0 || resp.Issues[0].Path != "tree.branches[0]" {
		t.Errorf("Rejected response = %+v", resp)
	}
	if cur := env.app.Rulesets.Current(); cur.Version != 0 {
		t.Errorf("A rejected document must not be published, current is v%d", cur.Version)
	}
}

func TestEvaluatePunchAndReview(t *testing.T) {
	env := newTestEnv(t)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	punch := attendance.Punch{ID: "p1", EmployeeID: "emp-1", SiteID: "site-1",
		Timestamp: day.Add(8*time.Hour + 50*time.Minute), EntryType: attendance.Arrival}
	env.repo.AddPunch(punch)

	status, body := env.do(t, http.MethodPost, "/api/v1/punches/evaluate", punch)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, body)
	}
	var unit struct {
		Outcome   string `json:"outcome"`
		Action    string `json:"action"`
		Emit      string `json:"emit"`
		AnomalyID string `json:"anomalyId"`
	}
	decode(t, body, &unit)
	if unit.Action != string(rules.ActionLate) || unit.Emit != string(anomaly.Created) || unit.AnomalyID == "" {
		t.Fatalf("Unit report = %+v", unit)
	}

	status, body = env.do(t, http.MethodGet, "/api/v1/anomalies?siteId=site-1&status=OPEN&type=LATE", nil)
	if status != http.StatusOK {
		t.Fatalf("List: expected status 200, got %d", status)
	}
	var list AnomaliesListResponse
	decode(t, body, &list)
	if list.Count != 1 || list.Anomalies[0].ID != unit.AnomalyID || list.Anomalies[0].Minutes != 50 {
		t.Fatalf("List = %+v", list)
	}

	status, _ = env.do(t, http.MethodGet, "/api/v1/anomalies/"+unit.AnomalyID, nil)
	if status != http.StatusOK {
		t.Errorf("Get: expected status 200, got %d", status)
	}

	status, body = env.do(t, http.MethodPatch, "/api/v1/anomalies/"+unit.AnomalyID, UpdateStatusRequest{Status: "RESOLVED"})
	if status != http.StatusOK {
		t.Fatalf("Resolve: expected status 200, got %d: %s", status, body)
	}
	var resolved anomaly.Anomaly
	decode(t, body, &resolved)
	if resolved.Status != anomaly.Resolved {
		t.Errorf("Status = %s, want %s", resolved.Status, anomaly.Resolved)
	}

	for _, next := range []string{"IGNORED", "OPEN"} {
		status, _ = env.do(t, http.MethodPatch, "/api/v1/anomalies/"+unit.AnomalyID, UpdateStatusRequest{Status: next})
		if status != http.StatusConflict {
			t.Errorf("%s after review: expected status 409, got %d", next, status)
		}
	}

	// Same punches after review: no new anomaly
	_, body = env.do(t, http.MethodPost, "/api/v1/punches/evaluate", punch)
	decode(t, body, &unit)
	if unit.Emit != string(anomaly.Suppressed) {
		t.Errorf("Re-evaluation after review emit = %s, want %s", unit.Emit, anomaly.Suppressed)
	}
}

func TestInvalidateSchedule(t *testing.T) {
	env := newTestEnv(t)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	punch := attendance.Punch{ID: "p1", EmployeeID: "emp-1", SiteID: "site-1",
		Timestamp: day.Add(8*time.Hour + 10*time.Minute), EntryType: attendance.Arrival}
	env.repo.AddPunch(punch)

	evaluate := func() string {
		t.Helper()
		status, body := env.do(t, http.MethodPost, "/api/v1/punches/evaluate", punch)
		if status != http.StatusOK {
			t.Fatalf("Expected status 200, got %d: %s", status, body)
		}
		var unit struct {
			Action string `json:"action"`
		}
		decode(t, body, &unit)
		return unit.Action
	}

	if action := evaluate(); action != string(rules.ActionNone) {
		t.Fatalf("10 minutes within the default margin: action = %s", action)
	}

	// Tighten the margin of sch-1; the resolver still serves its cached copy
	margin := 5
	edited := &attendance.Schedule{ID: "sch-1", SiteID: "site-1", Type: attendance.Fixed, IsActive: true, LateMargin: &margin}
	for d := 0; d < 7; d++ {
		edited.Details = append(edited.Details, attendance.ScheduleDetail{
			DayOfWeek: d, DayType: attendance.FullDay, Start1: attendance.At(8, 0), End1: attendance.At(16, 0),
		})
	}
	if err := env.repo.PutSchedule(edited); err != nil {
		t.Fatalf("PutSchedule failed: %v", err)
	}
	if action := evaluate(); action != string(rules.ActionNone) {
		t.Fatalf("Expected the cached schedule before invalidation, got action %s", action)
	}

	status, _ := env.do(t, http.MethodPost, "/api/v1/schedules/sch-1/invalidate", nil)
	if status != http.StatusNoContent {
		t.Fatalf("Invalidate: expected status 204, got %d", status)
	}
	if action := evaluate(); action != string(rules.ActionLate) {
		t.Errorf("Expected the edited margin after invalidation, got action %s", action)
	}
}

func TestEvaluatePunchValidation(t *testing.T) {
	env := newTestEnv(t)
	ts := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		body any
	}{
		{"malformed", []byte("{")},
		{"missing employee", attendance.Punch{SiteID: "site-1", Timestamp: ts, EntryType: attendance.Arrival}},
		{"missing timestamp", attendance.Punch{EmployeeID: "emp-1", SiteID: "site-1", EntryType: attendance.Arrival}},
		{"bad entry type", attendance.Punch{EmployeeID: "emp-1", SiteID: "site-1", Timestamp: ts, EntryType: "BREAK"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := env.do(t, http.MethodPost, "/api/v1/punches/evaluate", tt.body); status != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d: %s", status, body)
			}
		})
	}
}

func TestBatchScan(t *testing.T) {
	env := newTestEnv(t)
	yesterday := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -1)
	env.repo.AddPunch(attendance.Punch{ID: "p1", EmployeeID: "emp-1", SiteID: "site-1",
		Timestamp: yesterday.Add(8 * time.Hour), EntryType: attendance.Arrival})

	status, body := env.do(t, http.MethodPost, "/api/v1/scans", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, body)
	}
	var report struct {
		From   string         `json:"from"`
		Totals map[string]int `json:"totals"`
		Units  []struct {
			Action string `json:"action"`
			Emit   string `json:"emit"`
		} `json:"units"`
	}
	decode(t, body, &report)
	if report.From != yesterday.Format(attendance.DateLayout) {
		t.Errorf("From = %s, want yesterday", report.From)
	}
	if len(report.Units) != 1 || report.Units[0].Action != string(rules.ActionMissingDeparture) {
		t.Fatalf("Units = %+v", report.Units)
	}

	// Running it again finds the open anomaly
	_, body = env.do(t, http.MethodPost, "/api/v1/scans", BatchScanRequest{})
	decode(t, body, &report)
	if report.Units[0].Emit != string(anomaly.DuplicateOpen) {
		t.Errorf("Second run emit = %s, want %s", report.Units[0].Emit, anomaly.DuplicateOpen)
	}
}

func TestBatchScanErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad date", BatchScanRequest{From: "02/03/2026"}, http.StatusBadRequest},
		{"reversed range", BatchScanRequest{From: "2026-03-05", To: "2026-03-01"}, http.StatusBadRequest},
		{"too long", BatchScanRequest{From: "2025-01-01", To: "2025-12-31"}, http.StatusBadRequest},
		{"unknown site", BatchScanRequest{From: "2026-03-02", To: "2026-03-02", SiteIDs: []string{"nope"}}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := env.do(t, http.MethodPost, "/api/v1/scans", tt.body); status != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, status, body)
			}
		})
	}
}

func TestAnomalyErrors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"get unknown", http.MethodGet, "/api/v1/anomalies/nope", nil, http.StatusNotFound},
		{"patch unknown", http.MethodPatch, "/api/v1/anomalies/nope", UpdateStatusRequest{Status: "RESOLVED"}, http.StatusNotFound},
		{"patch bad status", http.MethodPatch, "/api/v1/anomalies/nope", UpdateStatusRequest{Status: "DONE"}, http.StatusBadRequest},
		{"list bad type", http.MethodGet, "/api/v1/anomalies?type=LUNCH", nil, http.StatusBadRequest},
		{"list bad date", http.MethodGet, "/api/v1/anomalies?from=yesterday", nil, http.StatusBadRequest},
		{"list bad limit", http.MethodGet, "/api/v1/anomalies?limit=0", nil, http.StatusBadRequest},
		{"list empty", http.MethodGet, "/api/v1/anomalies", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := env.do(t, tt.method, tt.path, tt.body); status != tt.want {
				t.Errorf("Expected status %d, got %d: %s", tt.want, status, body)
			}
		})
	}
}
