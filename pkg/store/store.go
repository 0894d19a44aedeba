// Package store is the time-series persistence client. All writes are
// idempotent under their composite natural keys, which is what makes
// at-least-once delivery from the event log safe.
package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-kit/log"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fleetstream/fleetstream/pkg/telemetry"
)

// Store wraps the database handle with the typed operations the workers
// need. Connections are pooled; each operation takes a context.
type Store struct {
	db     *sqlx.DB
	logger log.Logger
}

// New opens a connection pool against the configured database.
func New(cfg Config, logger log.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	return &Store{db: db, logger: logger}, nil
}

// NewWithDB wraps an existing handle. Used by tests with sqlmock.
func NewWithDB(db *sql.DB, logger log.Logger) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx"), logger: logger}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// telemetryRow is the column form of a reading.
type telemetryRow struct {
	Time       time.Time `db:"time"`
	DeviceID   string    `db:"device_id"`
	DeviceType string    `db:"device_type"`
	SensorID   string    `db:"sensor_id"`
	SensorType string    `db:"sensor_type"`
	Unit       string    `db:"unit"`
	Value      []byte    `db:"value"`
}

const insertTelemetrySQL = `INSERT INTO telemetry (time, device_id, device_type, sensor_id, sensor_type, unit, value)
VALUES (:time, :device_id, :device_type, :sensor_id, :sensor_type, :unit, :value)`

// InsertTelemetryBatch writes all records in one transaction. On any
// failure the transaction rolls back and the error surfaces so the
// caller does not commit the batch's offsets.
func (s *Store) InsertTelemetryBatch(ctx context.Context, recs []telemetry.Record) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]telemetryRow, 0, len(recs))
	for _, r := range recs {
		value, err := r.Value.MarshalJSON()
		if err != nil {
			return errors.Wrap(err, "encoding sensor value")
		}
		rows = append(rows, telemetryRow{
			Time:       r.Timestamp,
			DeviceID:   r.DeviceID,
			DeviceType: r.DeviceType,
			SensorID:   r.SensorID,
			SensorType: r.SensorType,
			Unit:       r.Unit,
			Value:      value,
		})
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning telemetry batch transaction")
	}
	if _, err := tx.NamedExecContext(ctx, insertTelemetrySQL, rows); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(err, "inserting telemetry batch")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing telemetry batch")
	}
	return nil
}

const upsertAlertSQL = `INSERT INTO alerts (created_at, alert_id, device_id, device_type, alert_type, severity, message, threshold, value)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (alert_id, created_at) DO UPDATE SET
	device_id = EXCLUDED.device_id,
	device_type = EXCLUDED.device_type,
	alert_type = EXCLUDED.alert_type,
	severity = EXCLUDED.severity,
	message = EXCLUDED.message,
	threshold = EXCLUDED.threshold,
	value = EXCLUDED.value`

// UpsertAlert writes one alert, idempotent on (alert_id, created_at).
func (s *Store) UpsertAlert(ctx context.Context, a telemetry.Alert) error {
	_, err := s.db.ExecContext(ctx, upsertAlertSQL,
		a.CreatedAt, a.AlertID, a.DeviceID, a.DeviceType, a.AlertType, string(a.Severity), a.Message, a.Threshold, a.Value)
	return errors.Wrap(err, "upserting alert")
}

type thresholdRow struct {
	SensorType   string          `db:"sensor_type"`
	DeviceType   sql.NullString  `db:"device_type"`
	WarningLow   sql.NullFloat64 `db:"warning_low"`
	WarningHigh  sql.NullFloat64 `db:"warning_high"`
	CriticalLow  sql.NullFloat64 `db:"critical_low"`
	CriticalHigh sql.NullFloat64 `db:"critical_high"`
}

const selectThresholdsSQL = `SELECT sensor_type, device_type, warning_low, warning_high, critical_low, critical_high FROM thresholds`

// LoadThresholds reads the full threshold table. Called once at worker
// startup; the result is read-mostly after that.
func (s *Store) LoadThresholds(ctx context.Context) ([]telemetry.Threshold, error) {
	var rows []thresholdRow
	if err := s.db.SelectContext(ctx, &rows, selectThresholdsSQL); err != nil {
		return nil, errors.Wrap(err, "loading thresholds")
	}
	out := make([]telemetry.Threshold, 0, len(rows))
	for _, row := range rows {
		out = append(out, telemetry.Threshold{
			SensorType:   row.SensorType,
			DeviceType:   row.DeviceType.String,
			WarningLow:   nullFloat(row.WarningLow),
			WarningHigh:  nullFloat(row.WarningHigh),
			CriticalLow:  nullFloat(row.CriticalLow),
			CriticalHigh: nullFloat(row.CriticalHigh),
		})
	}
	return out, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// TelemetryRow is one persisted reading as read back by the KPI job.
type TelemetryRow struct {
	DeviceID   string    `db:"device_id"`
	DeviceType string    `db:"device_type"`
	SensorID   string    `db:"sensor_id"`
	SensorType string    `db:"sensor_type"`
	Time       time.Time `db:"time"`
	Value      []byte    `db:"value"`
}

const selectTelemetryRangeSQL = `SELECT device_id, device_type, sensor_id, sensor_type, time, value
FROM telemetry
WHERE time > $1 AND time <= $2
ORDER BY device_id, sensor_id, time`

// SelectTelemetryRange returns readings with time in (from, to], ordered
// by (device_id, sensor_id, time).
func (s *Store) SelectTelemetryRange(ctx context.Context, from, to time.Time) ([]TelemetryRow, error) {
	var rows []TelemetryRow
	if err := s.db.SelectContext(ctx, &rows, selectTelemetryRangeSQL, from, to); err != nil {
		return nil, errors.Wrap(err, "selecting telemetry range")
	}
	return rows, nil
}

// KPIRow is one derived KPI value for a device and window.
type KPIRow struct {
	CreatedAt   time.Time `db:"created_at"`
	DeviceID    string    `db:"device_id"`
	DeviceType  string    `db:"device_type"`
	KPIName     string    `db:"kpi_name"`
	KPIValue    float64   `db:"kpi_value"`
	Unit        *string   `db:"unit"`
	WindowStart time.Time `db:"window_start"`
	WindowEnd   time.Time `db:"window_end"`
	SampleCount int       `db:"sample_count"`
}

const upsertKPISQL = `INSERT INTO kpis (created_at, device_id, device_type, kpi_name, kpi_value, unit, window_start, window_end, sample_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (device_id, kpi_name, window_start) DO UPDATE SET
	created_at = EXCLUDED.created_at,
	device_type = EXCLUDED.device_type,
	kpi_value = EXCLUDED.kpi_value,
	unit = EXCLUDED.unit,
	window_end = EXCLUDED.window_end,
	sample_count = EXCLUDED.sample_count`

// UpsertKPI writes one KPI row, idempotent on
// (device_id, kpi_name, window_start).
func (s *Store) UpsertKPI(ctx context.Context, row KPIRow) error {
	_, err := s.db.ExecContext(ctx, upsertKPISQL,
		row.CreatedAt, row.DeviceID, row.DeviceType, row.KPIName, row.KPIValue, row.Unit, row.WindowStart, row.WindowEnd, row.SampleCount)
	return errors.Wrap(err, "upserting kpi")
}

const selectWatermarkSQL = `SELECT last_processed_at FROM job_watermarks WHERE job_name = $1`

// Watermark returns the job's last processed instant, or the epoch when
// the job has never run.
func (s *Store) Watermark(ctx context.Context, jobName string) (time.Time, error) {
	var ts time.Time
	err := s.db.GetContext(ctx, &ts, selectWatermarkSQL, jobName)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Unix(0, 0).UTC(), nil
	}
	if err != nil {
		return time.Time{}, errors.Wrap(err, "reading watermark")
	}
	return ts, nil
}

const upsertWatermarkSQL = `INSERT INTO job_watermarks (job_name, last_processed_at, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (job_name) DO UPDATE SET
	last_processed_at = EXCLUDED.last_processed_at,
	updated_at = NOW()`

// AdvanceWatermark records the job's new last processed instant.
func (s *Store) AdvanceWatermark(ctx context.Context, jobName string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx, upsertWatermarkSQL, jobName, ts)
	return errors.Wrap(err, "advancing watermark")
}
