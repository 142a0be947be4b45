/*
Copyright 2025 Vest Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"log"
	"sync"

	_ "github.com/lib/pq"

	"github.com/vestfi/vest/config"
	"github.com/vestfi/vest/internal/apierror"
	"github.com/vestfi/vest/internal/cache"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	return GetDBConnection(configuration)
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}
	if err := CreateSchema(db); err != nil {
		return nil, err
	}
	return db, nil
}

// WithTransaction runs fn inside a database transaction. Any error from fn
// rolls back every write performed inside it; there is no partial commit.
func (d Datasource) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("rollback error: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}
	return nil
}

// CreateSchema creates the vest schema and every table the engine persists
// to. Statements are idempotent so startup can run them unconditionally.
func CreateSchema(db *sql.DB) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS vest`,
		`CREATE TABLE IF NOT EXISTS vest.purchases (
			id BIGSERIAL PRIMARY KEY,
			purchase_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			package_id TEXT NOT NULL,
			principal NUMERIC(38,8) NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			daily_rate NUMERIC(38,8) NOT NULL,
			days_per_cycle INT NOT NULL,
			total_cycles INT NOT NULL,
			referrer_id TEXT NOT NULL DEFAULT '',
			upline_id TEXT NOT NULL DEFAULT '',
			payment_hash TEXT NOT NULL DEFAULT '',
			current_cycle INT NOT NULL DEFAULT 0,
			current_day INT NOT NULL DEFAULT 0,
			total_paid NUMERIC(38,8) NOT NULL DEFAULT 0,
			activated_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			next_benefit_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			meta_data JSONB NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_purchases_status_activated
			ON vest.purchases (status, activated_at)`,
		`CREATE TABLE IF NOT EXISTS vest.ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			entry_id TEXT NOT NULL UNIQUE,
			purchase_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			cycle INT NOT NULL,
			day INT NOT NULL,
			scheduled_for DATE NOT NULL,
			amount NUMERIC(38,8) NOT NULL,
			rate NUMERIC(38,8) NOT NULL,
			principal NUMERIC(38,8) NOT NULL,
			status TEXT NOT NULL,
			transaction_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (purchase_id, kind, cycle, day, scheduled_for)
		)`,
		`CREATE TABLE IF NOT EXISTS vest.commission_days (
			id BIGSERIAL PRIMARY KEY,
			purchase_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			day_offset INT NOT NULL,
			beneficiary_id TEXT NOT NULL,
			rate NUMERIC(38,8) NOT NULL,
			due_on DATE NOT NULL,
			released BOOLEAN NOT NULL DEFAULT FALSE,
			forfeited BOOLEAN NOT NULL DEFAULT FALSE,
			released_entry_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (purchase_id, kind, day_offset)
		)`,
		`ALTER TABLE vest.commission_days
			ADD COLUMN IF NOT EXISTS forfeited BOOLEAN NOT NULL DEFAULT FALSE`,
		`CREATE INDEX IF NOT EXISTS idx_commission_days_due
			ON vest.commission_days (due_on, released, forfeited)`,
		`CREATE TABLE IF NOT EXISTS vest.balances (
			id BIGSERIAL PRIMARY KEY,
			user_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			available NUMERIC(38,8) NOT NULL DEFAULT 0,
			pending NUMERIC(38,8) NOT NULL DEFAULT 0,
			total_earned NUMERIC(38,8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, currency)
		)`,
		`CREATE TABLE IF NOT EXISTS vest.daily_runs (
			id BIGSERIAL PRIMARY KEY,
			run_date DATE NOT NULL UNIQUE,
			status TEXT NOT NULL,
			trigger_source TEXT NOT NULL DEFAULT 'automatic',
			processed INT NOT NULL DEFAULT 0,
			skipped INT NOT NULL DEFAULT 0,
			errors INT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS vest.job_states (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			processed INT NOT NULL DEFAULT 0,
			skipped INT NOT NULL DEFAULT 0,
			errors INT NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			last_run_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_success_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS vest.outbox_events (
			id BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'PENDING',
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 5,
			next_retry_at TIMESTAMPTZ,
			claimed_at TIMESTAMPTZ,
			error_history JSONB NOT NULL DEFAULT '[]',
			transaction_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			published_at TIMESTAMPTZ
		)`,
		`ALTER TABLE vest.outbox_events
			ADD COLUMN IF NOT EXISTS claimed_at TIMESTAMPTZ`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_claim
			ON vest.outbox_events (status, next_retry_at, created_at)`,
		`CREATE TABLE IF NOT EXISTS vest.withdrawals (
			id BIGSERIAL PRIMARY KEY,
			withdrawal_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			currency TEXT NOT NULL,
			amount NUMERIC(38,8) NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS vest.licenses (
			id BIGSERIAL PRIMARY KEY,
			license_id TEXT NOT NULL UNIQUE,
			user_id TEXT NOT NULL,
			purchase_id TEXT NOT NULL UNIQUE,
			package_id TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
