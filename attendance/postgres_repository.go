package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRepository implements Repository backed by PostgreSQL
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a PostgreSQL-backed Repository
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetSite(ctx context.Context, siteID string) (*Site, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, is_active, activation_start, activation_end
		FROM sites
		WHERE id = $1
	`, siteID)

	site, err := scanSite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("site %s: %w", siteID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	return site, nil
}

func (r *PostgresRepository) ListSites(ctx context.Context) ([]*Site, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, is_active, activation_start, activation_end
		FROM sites
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []*Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sites: %w", err)
	}
	return sites, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSite(row rowScanner) (*Site, error) {
	var s Site
	var start, end sql.NullTime
	if err := row.Scan(&s.ID, &s.Name, &s.IsActive, &start, &end); err != nil {
		return nil, err
	}
	s.ActivationStart = nullTime(start)
	s.ActivationEnd = nullTime(end)
	return &s, nil
}

func (r *PostgresRepository) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	var s Schedule
	var start, end sql.NullTime
	var late, early, tolerance sql.NullInt64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, site_id, name, schedule_type, is_active, activation_start, activation_end,
		       late_margin, early_departure_margin, frequency_tolerance
		FROM schedules
		WHERE id = $1
	`, scheduleID).Scan(&s.ID, &s.SiteID, &s.Name, &s.Type, &s.IsActive, &start, &end,
		&late, &early, &tolerance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	s.ActivationStart = nullTime(start)
	s.ActivationEnd = nullTime(end)
	s.LateMargin = nullInt(late)
	s.EarlyDepartureMargin = nullInt(early)
	s.FrequencyTolerance = nullInt(tolerance)

	rows, err := r.db.QueryContext(ctx, `
		SELECT day_of_week, day_type,
		       to_char(start_time_1, 'HH24:MI'), to_char(end_time_1, 'HH24:MI'),
		       to_char(start_time_2, 'HH24:MI'), to_char(end_time_2, 'HH24:MI'),
		       frequency_duration_minutes
		FROM schedule_details
		WHERE schedule_id = $1
		ORDER BY day_of_week ASC, day_type ASC
	`, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule details: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d ScheduleDetail
		var s1, e1, s2, e2 sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&d.DayOfWeek, &d.DayType, &s1, &e1, &s2, &e2, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan schedule detail: %w", err)
		}
		for _, f := range []struct {
			src sql.NullString
			dst **TimeOfDay
		}{{s1, &d.Start1}, {e1, &d.End1}, {s2, &d.Start2}, {e2, &d.End2}} {
			if !f.src.Valid {
				continue
			}
			t, err := ParseTimeOfDay(f.src.String)
			if err != nil {
				return nil, fmt.Errorf("schedule %s: %w", scheduleID, err)
			}
			*f.dst = &t
		}
		d.FrequencyDurationMinutes = nullInt(duration)
		s.Details = append(s.Details, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedule details: %w", err)
	}

	return &s, nil
}

func (r *PostgresRepository) ListAssignments(ctx context.Context, employeeID, siteID string) ([]Assignment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT employee_id, site_id, schedule_id, is_active, assigned_at
		FROM site_employees
		WHERE employee_id = $1 AND site_id = $2
		ORDER BY assigned_at DESC
	`, employeeID, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.EmployeeID, &a.SiteID, &a.ScheduleID, &a.IsActive, &a.AssignedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assignments: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListPunches(ctx context.Context, employeeID, siteID string, from, to time.Time) ([]Punch, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, employee_id, site_id, "timestamp", entry_type, latitude, longitude
		FROM timesheets
		WHERE employee_id = $1 AND site_id = $2 AND "timestamp" >= $3 AND "timestamp" < $4
		ORDER BY "timestamp" ASC, id ASC
	`, employeeID, siteID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list punches: %w", err)
	}
	defer rows.Close()

	var out []Punch
	for rows.Next() {
		var p Punch
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&p.ID, &p.EmployeeID, &p.SiteID, &p.Timestamp, &p.EntryType, &lat, &lng); err != nil {
			return nil, fmt.Errorf("failed to scan punch: %w", err)
		}
		if lat.Valid {
			p.Latitude = &lat.Float64
		}
		if lng.Valid {
			p.Longitude = &lng.Float64
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating punches: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListEmployees(ctx context.Context, siteID string, from, to time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT employee_id FROM site_employees WHERE site_id = $1 AND is_active = true
		UNION
		SELECT employee_id FROM timesheets WHERE site_id = $1 AND "timestamp" >= $2 AND "timestamp" < $3
		ORDER BY employee_id ASC
	`, siteID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list employees: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan employee: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating employees: %w", err)
	}
	return out, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullInt(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}
