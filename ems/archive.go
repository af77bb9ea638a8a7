package ems

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/gridkeeper/ems-core/devices"
)

// Archive persists EmsStatus snapshots to Postgres. It is optional and
// only constructed when Config.PostgresConnString is non-empty, the same
// gate the teacher applies to its own db connection.
type Archive struct {
	db *sql.DB
}

// NewArchive opens the database connection and ensures the history table
// exists. Returns nil, nil when connStr is empty — callers should treat a
// nil *Archive as "archiving disabled".
func NewArchive(connStr string) (*Archive, error) {
	if connStr == "" {
		return nil, nil
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	a := &Archive{db: db}
	if err := a.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) ensureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ems_status_history (
			timestamp TIMESTAMPTZ PRIMARY KEY,
			total_generation_kw DOUBLE PRECISION,
			total_consumption_kw DOUBLE PRECISION,
			power_balance_kw DOUBLE PRECISION,
			battery_power_kw DOUBLE PRECISION,
			generator_power_kw DOUBLE PRECISION,
			pv_power_kw DOUBLE PRECISION,
			charger_power_kw DOUBLE PRECISION,
			active_chargers INTEGER,
			system_mode TEXT,
			system_healthy BOOLEAN,
			faults JSONB
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create ems_status_history table: %w", err)
	}
	return nil
}

// Append inserts one snapshot, timestamped by the caller (the time-sync
// task's synchronized clock, not wall time), matching the teacher's
// append-only persistence rather than the upsert-by-timestamp pattern it
// uses for MPC decisions — status history has no "replace from here
// forward" concept.
func (a *Archive) Append(ctx context.Context, ts time.Time, status devices.EmsStatus) error {
	faultsJSON, err := json.Marshal(status.Faults)
	if err != nil {
		return fmt.Errorf("failed to marshal faults: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO ems_status_history (
			timestamp, total_generation_kw, total_consumption_kw, power_balance_kw,
			battery_power_kw, generator_power_kw, pv_power_kw, charger_power_kw,
			active_chargers, system_mode, system_healthy, faults
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (timestamp) DO NOTHING
	`,
		ts,
		status.TotalGenerationKW,
		status.TotalConsumptionKW,
		status.PowerBalanceKW,
		status.BatteryPowerKW,
		status.GeneratorPowerKW,
		status.PvPowerKW,
		status.ChargerPowerKW,
		status.ActiveChargers,
		status.SystemMode,
		status.SystemHealthy,
		faultsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to append ems status history: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}
