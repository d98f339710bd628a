package anomaly

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/anomalies/rules"
)

var _ Store = (*PostgresStore)(nil)

var anomalyRowColumns = []string{"id", "employee_id", "site_id", "date", "anomaly_type", "status", "minutes",
	"description", "punch_digest", "ruleset_version", "processing_mode", "created_at", "updated_at"}

func anomalyRow(rows *sqlmock.Rows, a *Anomaly) *sqlmock.Rows {
	return rows.AddRow(a.ID, a.EmployeeID, a.SiteID, a.Date, string(a.Kind), string(a.Status), a.Minutes,
		a.Description, a.PunchDigest, a.RulesetVersion, string(a.Mode), a.CreatedAt, a.UpdatedAt)
}

func sampleAnomaly(status Status) *Anomaly {
	now := time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC)
	return &Anomaly{
		ID:             "a-1",
		EmployeeID:     "emp-1",
		SiteID:         "site-1",
		Date:           "2026-03-02",
		Kind:           Late,
		Status:         status,
		Minutes:        25,
		Description:    "Retard de 25 min",
		PunchDigest:    "abc",
		RulesetVersion: 2,
		Mode:           rules.Batch,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStoreCreateIfNeeded(t *testing.T) {
	store, mock := newMockStore(t)
	a := sampleAnomaly(Open)
	key := a.Key()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock($1)")).
		WithArgs(advisoryLockKey(key)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, id DESC")).
		WithArgs("emp-1", "site-1", "2026-03-02", "LATE").
		WillReturnRows(sqlmock.NewRows(anomalyRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (employee_id, site_id, date, anomaly_type) WHERE status = 'OPEN' DO NOTHING")).
		WillReturnRows(anomalyRow(sqlmock.NewRows(anomalyRowColumns), a))
	mock.ExpectCommit()

	var sawLatest *Anomaly
	created, err := store.CreateIfNeeded(context.Background(), key, func(latest *Anomaly) *Anomaly {
		sawLatest = latest
		return a
	})
	require.NoError(t, err)
	assert.Nil(t, sawLatest)
	require.NotNil(t, created)
	assert.Equal(t, "a-1", created.ID)
	assert.Equal(t, Late, created.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCreateLostRace(t *testing.T) {
	store, mock := newMockStore(t)
	a := sampleAnomaly(Open)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("pg_advisory_xact_lock")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).WillReturnRows(sqlmock.NewRows(anomalyRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO anomalies")).WillReturnRows(sqlmock.NewRows(anomalyRowColumns))
	mock.ExpectRollback()

	created, err := store.CreateIfNeeded(context.Background(), a.Key(), func(*Anomaly) *Anomaly { return a })
	require.NoError(t, err)
	assert.Nil(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreCreateDeclined(t *testing.T) {
	store, mock := newMockStore(t)
	existing := sampleAnomaly(Resolved)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("pg_advisory_xact_lock")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC")).
		WillReturnRows(anomalyRow(sqlmock.NewRows(anomalyRowColumns), existing))
	mock.ExpectRollback()

	created, err := store.CreateIfNeeded(context.Background(), existing.Key(), func(latest *Anomaly) *Anomaly {
		if latest == nil || latest.Status != Resolved {
			t.Errorf("decide got %+v, want the resolved record", latest)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Nil(t, created)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreSetStatus(t *testing.T) {
	store, mock := newMockStore(t)
	resolved := sampleAnomaly(Resolved)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE anomalies")).
		WithArgs("RESOLVED", sqlmock.AnyArg(), "a-1").
		WillReturnRows(anomalyRow(sqlmock.NewRows(anomalyRowColumns), resolved))

	a, err := store.SetStatus(context.Background(), "a-1", Resolved)
	require.NoError(t, err)
	assert.Equal(t, Resolved, a.Status)
}

func TestPostgresStoreSetStatusAlreadyClosed(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE anomalies")).
		WillReturnRows(sqlmock.NewRows(anomalyRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).
		WithArgs("a-1").
		WillReturnRows(anomalyRow(sqlmock.NewRows(anomalyRowColumns), sampleAnomaly(Ignored)))

	_, err := store.SetStatus(context.Background(), "a-1", Resolved)
	assert.True(t, errors.Is(err, ErrInvalidTransition), "got %v", err)
}

func TestPostgresStoreSetStatusMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE anomalies")).
		WillReturnRows(sqlmock.NewRows(anomalyRowColumns))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(anomalyRowColumns))

	_, err := store.SetStatus(context.Background(), "a-1", Resolved)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStoreSetStatusRejectsOpen(t *testing.T) {
	store, mock := newMockStore(t)

	_, err := store.SetStatus(context.Background(), "a-1", Open)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListFilters(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE site_id = $1 AND date >= $2 AND status = $3 ORDER BY date DESC, created_at DESC, id ASC LIMIT $4")).
		WithArgs("site-1", "2026-03-01", "OPEN", 50).
		WillReturnRows(anomalyRow(sqlmock.NewRows(anomalyRowColumns), sampleAnomaly(Open)))

	list, err := store.List(context.Background(), Filter{SiteID: "site-1", From: "2026-03-01", Status: Open, Limit: 50})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreListDefaultLimit(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM anomalies ORDER BY date DESC")).
		WithArgs(DefaultListLimit).
		WillReturnRows(sqlmock.NewRows(anomalyRowColumns))

	list, err := store.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAdvisoryLockKeyIsStable(t *testing.T) {
	a := sampleAnomaly(Open)
	b := sampleAnomaly(Resolved)
	assert.Equal(t, advisoryLockKey(a.Key()), advisoryLockKey(b.Key()))

	b.Kind = EarlyDeparture
	assert.NotEqual(t, advisoryLockKey(a.Key()), advisoryLockKey(b.Key()))
}
