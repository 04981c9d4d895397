/*
 * Copyright 2025 ViPower Energy.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package timeseries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
)

// nowUTC allows tests to override the timestamp source.
//
//nolint:gochecknoglobals // test hooks need a package-level clock override.
var nowUTC = func() time.Time {
	return time.Now().UTC()
}

const (
	createPartitionSQL = `
CREATE TABLE IF NOT EXISTS %s (
	ts timestamptz NOT NULL,
	current_i1 double precision NOT NULL DEFAULT 0,
	current_i2 double precision NOT NULL DEFAULT 0,
	current_i3 double precision NOT NULL DEFAULT 0,
	voltage_v1n double precision NOT NULL DEFAULT 0,
	voltage_v2n double precision NOT NULL DEFAULT 0,
	voltage_v3n double precision NOT NULL DEFAULT 0,
	voltage_v12 double precision NOT NULL DEFAULT 0,
	voltage_v23 double precision NOT NULL DEFAULT 0,
	voltage_v31 double precision NOT NULL DEFAULT 0,
	power double precision NOT NULL DEFAULT 0,
	netpower double precision NOT NULL DEFAULT 0
)`

	createPartitionIndexSQL = `CREATE INDEX IF NOT EXISTS %s ON %s (ts DESC)`

	insertSampleSQL = `
INSERT INTO %s (
	ts,
	current_i1, current_i2, current_i3,
	voltage_v1n, voltage_v2n, voltage_v3n,
	voltage_v12, voltage_v23, voltage_v31,
	power, netpower
) VALUES (
	$1,
	$2,$3,$4,
	$5,$6,$7,
	$8,$9,$10,
	$11,$12
)`

	selectSampleColumns = `
SELECT ts,
	current_i1, current_i2, current_i3,
	voltage_v1n, voltage_v2n, voltage_v3n,
	voltage_v12, voltage_v23, voltage_v31,
	power, netpower
FROM %s`

	// Sums and averages default to zero on empty ranges instead of NULL so
	// history aggregation never propagates NaN into the dashboard.
	selectStatsSQL = `
SELECT
	COALESCE(AVG(current_i1), 0),
	COALESCE(AVG(current_i2), 0),
	COALESCE(AVG(current_i3), 0),
	COALESCE(AVG(voltage_v1n), 0),
	COALESCE(AVG(voltage_v2n), 0),
	COALESCE(AVG(voltage_v3n), 0),
	COALESCE(MAX(power), 0),
	COALESCE(MIN(power), 0),
	COALESCE(AVG(power), 0),
	COALESCE(SUM(netpower), 0),
	COUNT(*)
FROM %s
WHERE ts >= $1 AND ts <= $2`

	undefinedTableCode = "42P01"
)

// PostgresStore implements Store with one table per device.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, log logger.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: log}
}

// NewPool dials the configured Postgres cluster and returns a pgx pool.
func NewPool(ctx context.Context, cfg *models.DatabaseConfig, log logger.Logger) (*pgxpool.Pool, error) {
	if cfg == nil || cfg.Host == "" {
		return nil, nil
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Username, cfg.Password, cfg.Host, port, cfg.Database, sslMode)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("timeseries: failed to parse connection string: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}

	if cfg.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("timeseries: failed to initialize pool: %w", err)
	}

	if log != nil {
		log.Info().
			Str("host", cfg.Host).
			Int("port", port).
			Str("database", cfg.Database).
			Msg("connected to Postgres")
	}

	return pool, nil
}

// CreatePartition creates the device table if it does not already exist.
// Device creation may be retried, so repeat calls are no-ops.
func (s *PostgresStore) CreatePartition(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}

	name := PartitionName(deviceID)
	table := pgx.Identifier{name}.Sanitize()
	index := pgx.Identifier{name + "_ts_idx"}.Sanitize()

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(createPartitionSQL, table)); err != nil {
		return fmt.Errorf("failed to create partition %s: %w", name, err)
	}

	if _, err := s.pool.Exec(ctx, fmt.Sprintf(createPartitionIndexSQL, index, table)); err != nil {
		return fmt.Errorf("failed to index partition %s: %w", name, err)
	}

	s.logger.Info().Str("partition", name).Str("device_id", deviceID).Msg("Partition ready")

	return nil
}

// RenamePartition migrates a device's samples to a new device id. Renaming
// onto an existing partition fails with ErrPartitionConflict; renaming a
// missing source is a no-op since there is nothing to migrate.
func (s *PostgresStore) RenamePartition(ctx context.Context, oldID, newID string) error {
	if oldID == "" || newID == "" {
		return ErrEmptyDeviceID
	}

	oldName := PartitionName(oldID)
	newName := PartitionName(newID)

	if oldName == newName {
		return nil
	}

	targetExists, err := s.partitionExists(ctx, newName)
	if err != nil {
		return err
	}

	if targetExists {
		return fmt.Errorf("%w: %s", ErrPartitionConflict, newName)
	}

	sourceExists, err := s.partitionExists(ctx, oldName)
	if err != nil {
		return err
	}

	if !sourceExists {
		s.logger.Warn().Str("partition", oldName).Msg("Rename source missing, nothing to migrate")
		return nil
	}

	rename := fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
		pgx.Identifier{oldName}.Sanitize(), pgx.Identifier{newName}.Sanitize())

	if _, err := s.pool.Exec(ctx, rename); err != nil {
		return fmt.Errorf("failed to rename partition %s to %s: %w", oldName, newName, err)
	}

	s.logger.Info().Str("from", oldName).Str("to", newName).Msg("Partition renamed")

	return nil
}

// DropPartition removes the device table. Missing tables are not an error.
func (s *PostgresStore) DropPartition(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}

	name := PartitionName(deviceID)

	drop := fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{name}.Sanitize())
	if _, err := s.pool.Exec(ctx, drop); err != nil {
		return fmt.Errorf("failed to drop partition %s: %w", name, err)
	}

	s.logger.Info().Str("partition", name).Msg("Partition dropped")

	return nil
}

// AppendSample inserts one reading. Samples without a timestamp get the
// current time.
func (s *PostgresStore) AppendSample(ctx context.Context, deviceID string, sample *models.EnergySample) error {
	if deviceID == "" {
		return ErrEmptyDeviceID
	}

	name := PartitionName(deviceID)
	sql := fmt.Sprintf(insertSampleSQL, pgx.Identifier{name}.Sanitize())

	_, err := s.pool.Exec(ctx, sql, buildSampleArgs(sample)...)
	if err != nil {
		return fmt.Errorf("failed to append sample to %s: %w", name, mapTableError(err))
	}

	return nil
}

// Latest returns up to n most recent samples, newest first.
func (s *PostgresStore) Latest(ctx context.Context, deviceID string, n int) ([]models.EnergySample, error) {
	if n <= 0 {
		n = 1
	}

	name := PartitionName(deviceID)
	sql := fmt.Sprintf(selectSampleColumns+" ORDER BY ts DESC LIMIT $1", pgx.Identifier{name}.Sanitize())

	return s.querySamples(ctx, deviceID, sql, n)
}

// Range returns samples between start and end inclusive, newest first.
func (s *PostgresStore) Range(ctx context.Context, deviceID string, start, end time.Time, limit int) ([]models.EnergySample, error) {
	if limit <= 0 {
		limit = 1000
	}

	name := PartitionName(deviceID)
	sql := fmt.Sprintf(selectSampleColumns+" WHERE ts >= $1 AND ts <= $2 ORDER BY ts DESC LIMIT $3",
		pgx.Identifier{name}.Sanitize())

	return s.querySamples(ctx, deviceID, sql, start, end, limit)
}

// Stats aggregates a time range of samples.
func (s *PostgresStore) Stats(ctx context.Context, deviceID string, start, end time.Time) (*models.EnergyStats, error) {
	name := PartitionName(deviceID)
	sql := fmt.Sprintf(selectStatsSQL, pgx.Identifier{name}.Sanitize())

	var st models.EnergyStats

	err := s.pool.QueryRow(ctx, sql, start, end).Scan(
		&st.AvgCurrentI1, &st.AvgCurrentI2, &st.AvgCurrentI3,
		&st.AvgVoltageV1N, &st.AvgVoltageV2N, &st.AvgVoltageV3N,
		&st.MaxPower, &st.MinPower, &st.AvgPower,
		&st.TotalNetPower, &st.Count,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", name, mapTableError(err))
	}

	return &st, nil
}

// DeleteOlderThan is the bulk retention path, the only delete that exists
// for samples. Returns the number of rows removed.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, deviceID string, cutoff time.Time) (int64, error) {
	name := PartitionName(deviceID)
	sql := fmt.Sprintf("DELETE FROM %s WHERE ts < $1", pgx.Identifier{name}.Sanitize())

	tag, err := s.pool.Exec(ctx, sql, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune %s: %w", name, mapTableError(err))
	}

	return tag.RowsAffected(), nil
}

func (s *PostgresStore) querySamples(ctx context.Context, deviceID, sql string, args ...interface{}) ([]models.EnergySample, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapTableError(err)
	}
	defer rows.Close()

	var samples []models.EnergySample

	for rows.Next() {
		sample := models.EnergySample{DeviceID: deviceID}

		err = rows.Scan(
			&sample.Timestamp,
			&sample.CurrentI1, &sample.CurrentI2, &sample.CurrentI3,
			&sample.VoltageV1N, &sample.VoltageV2N, &sample.VoltageV3N,
			&sample.VoltageV12, &sample.VoltageV23, &sample.VoltageV31,
			&sample.Power, &sample.NetPower,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}

		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, mapTableError(err)
	}

	return samples, nil
}

func (s *PostgresStore) partitionExists(ctx context.Context, name string) (bool, error) {
	var regclass *string

	err := s.pool.QueryRow(ctx, "SELECT to_regclass($1)::text", name).Scan(&regclass)
	if err != nil {
		return false, fmt.Errorf("failed to check partition %s: %w", name, err)
	}

	return regclass != nil, nil
}

// buildSampleArgs orders sample fields for insertSampleSQL.
func buildSampleArgs(sample *models.EnergySample) []interface{} {
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = nowUTC()
	}

	return []interface{}{
		ts,
		sample.CurrentI1, sample.CurrentI2, sample.CurrentI3,
		sample.VoltageV1N, sample.VoltageV2N, sample.VoltageV3N,
		sample.VoltageV12, sample.VoltageV23, sample.VoltageV31,
		sample.Power, sample.NetPower,
	}
}

// mapTableError converts Postgres undefined-table failures into
// ErrPartitionNotFound so callers can branch on the named error.
func mapTableError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTableCode {
		return ErrPartitionNotFound
	}

	return err
}
