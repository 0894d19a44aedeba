package kpijob

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/fleetstream/fleetstream/pkg/store"
)

func newTestJob(t *testing.T, now time.Time) (*Job, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	j := New(Config{JobName: "kpi_5min"}, store.NewWithDB(db, log.NewNopLogger()), log.NewNopLogger())
	j.now = func() time.Time { return now }
	return j, mock
}

func TestJobRunAdvancesWatermark(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
	watermark := now.Add(-5 * time.Minute)
	rowTime := now.Add(-2 * time.Minute)
	j, mock := newTestJob(t, now)

	mock.ExpectQuery(`SELECT last_processed_at FROM job_watermarks`).
		WithArgs("kpi_5min").
		WillReturnRows(sqlmock.NewRows([]string{"last_processed_at"}).AddRow(watermark))

	mock.ExpectQuery(`(?s)SELECT .*FROM telemetry.*WHERE time > \$1 AND time <= \$2`).
		WithArgs(watermark, now).
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "device_type", "sensor_id", "sensor_type", "time", "value"}).
			AddRow("dev-1", "hvac", "s-1", "temperature", rowTime, []byte(`{"value": 21}`)))

	// One sample yields avg, min, max and count.
	for i := 0; i < 4; i++ {
		mock.ExpectExec(`(?s)INSERT INTO kpis`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	// The watermark lands on the newest processed row, not on "now".
	mock.ExpectExec(`(?s)INSERT INTO job_watermarks`).
		WithArgs("kpi_5min", rowTime).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, j.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRunNoRowsLeavesWatermark(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
	j, mock := newTestJob(t, now)

	mock.ExpectQuery(`SELECT last_processed_at FROM job_watermarks`).
		WithArgs("kpi_5min").
		WillReturnRows(sqlmock.NewRows([]string{"last_processed_at"}))

	mock.ExpectQuery(`(?s)SELECT .*FROM telemetry`).
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "device_type", "sensor_id", "sensor_type", "time", "value"}))

	// No upserts, no watermark write.
	require.NoError(t, j.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobRunFailedUpsertLeavesWatermark(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
	watermark := now.Add(-5 * time.Minute)
	j, mock := newTestJob(t, now)

	mock.ExpectQuery(`SELECT last_processed_at FROM job_watermarks`).
		WithArgs("kpi_5min").
		WillReturnRows(sqlmock.NewRows([]string{"last_processed_at"}).AddRow(watermark))

	mock.ExpectQuery(`(?s)SELECT .*FROM telemetry`).
		WillReturnRows(sqlmock.NewRows([]string{"device_id", "device_type", "sensor_id", "sensor_type", "time", "value"}).
			AddRow("dev-1", "hvac", "s-1", "temperature", now.Add(-time.Minute), []byte(`{"value": 21}`)))

	mock.ExpectExec(`(?s)INSERT INTO kpis`).
		WillReturnError(errors.New("connection reset"))

	// The run fails before any watermark write, so the next run
	// reprocesses the same window.
	require.Error(t, j.Run(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
