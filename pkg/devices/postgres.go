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

package devices

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
)

const (
	createDevicesTableSQL = `
		CREATE TABLE IF NOT EXISTS devices (
			device_id        text PRIMARY KEY,
			display_group_id text NOT NULL DEFAULT '',
			name             text NOT NULL DEFAULT '',
			status           text NOT NULL DEFAULT 'active',
			created_at       timestamptz NOT NULL DEFAULT now(),
			updated_at       timestamptz NOT NULL DEFAULT now()
		)`

	createDisplayGroupsTableSQL = `
		CREATE TABLE IF NOT EXISTS display_groups (
			id      text PRIMARY KEY,
			name    text NOT NULL,
			devices text[] NOT NULL DEFAULT '{}'
		)`

	createAlertsTableSQL = `
		CREATE TABLE IF NOT EXISTS alerts (
			id         text PRIMARY KEY,
			device_id  text NOT NULL,
			alert_type text NOT NULL,
			message    text NOT NULL,
			severity   text NOT NULL,
			ts         timestamptz NOT NULL,
			resolved   boolean NOT NULL DEFAULT false
		)`

	createAlertsIndexSQL = `
		CREATE INDEX IF NOT EXISTS alerts_ts_idx ON alerts (ts DESC)`

	insertDeviceSQL = `
		INSERT INTO devices (device_id, display_group_id, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`

	selectDeviceSQL = `
		SELECT device_id, display_group_id, name, status, created_at, updated_at
		FROM devices WHERE device_id = $1`

	listDevicesSQL = `
		SELECT device_id, display_group_id, name, status, created_at, updated_at
		FROM devices ORDER BY device_id`

	updateDeviceSQL = `
		UPDATE devices SET display_group_id = $2, name = $3, status = $4, updated_at = $5
		WHERE device_id = $1`

	renameDeviceSQL = `
		UPDATE devices SET device_id = $2, updated_at = $3 WHERE device_id = $1`

	deleteDeviceSQL = `DELETE FROM devices WHERE device_id = $1`

	insertDisplayGroupSQL = `
		INSERT INTO display_groups (id, name, devices) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, devices = EXCLUDED.devices`

	listDisplayGroupsSQL = `SELECT id, name, devices FROM display_groups ORDER BY name`

	insertAlertSQL = `
		INSERT INTO alerts (id, device_id, alert_type, message, severity, ts, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	listAlertsSQL = `
		SELECT id, device_id, alert_type, message, severity, ts, resolved
		FROM alerts ORDER BY ts DESC LIMIT $1`

	resolveAlertSQL = `UPDATE alerts SET resolved = true WHERE id = $1`

	uniqueViolationCode = "23505"
)

// PostgresRepo is the production device catalog.
type PostgresRepo struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

// NewPostgresRepo wraps an existing pool. EnsureSchema must run before the
// first operation.
func NewPostgresRepo(pool *pgxpool.Pool, log logger.Logger) *PostgresRepo {
	return &PostgresRepo{pool: pool, logger: log}
}

// EnsureSchema creates the catalog tables if they do not exist.
func (r *PostgresRepo) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{
		createDevicesTableSQL,
		createDisplayGroupsTableSQL,
		createAlertsTableSQL,
		createAlertsIndexSQL,
	} {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create catalog schema: %w", err)
		}
	}

	return nil
}

func (r *PostgresRepo) InsertDevice(ctx context.Context, d *models.Device) error {
	now := time.Now().UTC()

	_, err := r.pool.Exec(ctx, insertDeviceSQL,
		d.DeviceID, d.DisplayGroupID, d.Name, string(d.Status), now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDeviceExists, d.DeviceID)
		}

		return fmt.Errorf("failed to insert device: %w", err)
	}

	d.CreatedAt = now
	d.UpdatedAt = now

	return nil
}

func (r *PostgresRepo) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	var d models.Device

	err := r.pool.QueryRow(ctx, selectDeviceSQL, deviceID).Scan(
		&d.DeviceID, &d.DisplayGroupID, &d.Name, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
		}

		return nil, fmt.Errorf("failed to query device: %w", err)
	}

	return &d, nil
}

func (r *PostgresRepo) ListDevices(ctx context.Context) ([]models.Device, error) {
	rows, err := r.pool.Query(ctx, listDevicesSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device

	for rows.Next() {
		var d models.Device

		if err := rows.Scan(&d.DeviceID, &d.DisplayGroupID, &d.Name, &d.Status,
			&d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}

		devices = append(devices, d)
	}

	return devices, rows.Err()
}

func (r *PostgresRepo) UpdateDevice(ctx context.Context, d *models.Device) error {
	tag, err := r.pool.Exec(ctx, updateDeviceSQL,
		d.DeviceID, d.DisplayGroupID, d.Name, string(d.Status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, d.DeviceID)
	}

	return nil
}

func (r *PostgresRepo) RenameDevice(ctx context.Context, oldID, newID string) error {
	tag, err := r.pool.Exec(ctx, renameDeviceSQL, oldID, newID, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDeviceExists, newID)
		}

		return fmt.Errorf("failed to rename device: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, oldID)
	}

	return nil
}

func (r *PostgresRepo) DeleteDevice(ctx context.Context, deviceID string) error {
	tag, err := r.pool.Exec(ctx, deleteDeviceSQL, deviceID)
	if err != nil {
		return fmt.Errorf("failed to delete device: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}

	return nil
}

func (r *PostgresRepo) InsertDisplayGroup(ctx context.Context, g *models.DisplayGroup) error {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}

	if _, err := r.pool.Exec(ctx, insertDisplayGroupSQL, g.ID, g.Name, g.Devices); err != nil {
		return fmt.Errorf("failed to upsert display group: %w", err)
	}

	return nil
}

func (r *PostgresRepo) ListDisplayGroups(ctx context.Context) ([]models.DisplayGroup, error) {
	rows, err := r.pool.Query(ctx, listDisplayGroupsSQL)
	if err != nil {
		return nil, fmt.Errorf("failed to list display groups: %w", err)
	}
	defer rows.Close()

	var groups []models.DisplayGroup

	for rows.Next() {
		var g models.DisplayGroup

		if err := rows.Scan(&g.ID, &g.Name, &g.Devices); err != nil {
			return nil, fmt.Errorf("failed to scan display group: %w", err)
		}

		groups = append(groups, g)
	}

	return groups, rows.Err()
}

func (r *PostgresRepo) InsertAlert(ctx context.Context, a *models.Alert) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx, insertAlertSQL,
		a.ID, a.DeviceID, a.AlertType, a.Message, string(a.Severity), a.Timestamp, a.Resolved)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}

	return nil
}

func (r *PostgresRepo) ListAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	rows, err := r.pool.Query(ctx, listAlertsSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert

	for rows.Next() {
		var a models.Alert

		if err := rows.Scan(&a.ID, &a.DeviceID, &a.AlertType, &a.Message,
			&a.Severity, &a.Timestamp, &a.Resolved); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}

		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

func (r *PostgresRepo) ResolveAlert(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, resolveAlertSQL, id)
	if err != nil {
		return fmt.Errorf("failed to resolve alert: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %q not found", id)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}
