// Package db opens the configuration store and keeps its schema current.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// DB is a configuration store connection.
type DB struct {
	*sql.DB
	Driver string
}

// Open connects to the store and creates the schema. For mysql the database
// itself is created when missing; for sqlite dsn is a file path or ":memory:".
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	switch driver {
	case "mysql":
		if err := createDatabase(ctx, dsn); err != nil {
			return nil, err
		}
	case "sqlite":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == "sqlite" {
		// An in-memory database exists per connection.
		conn.SetMaxOpenConns(1)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	d := &DB{DB: conn, Driver: driver}
	if err := d.Migrate(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return d, nil
}

func createDatabase(ctx context.Context, dsn string) error {
	slash := strings.LastIndex(dsn, "/")
	if slash < 0 {
		return fmt.Errorf("invalid DSN format")
	}
	rest := dsn[slash+1:]
	name, params, _ := strings.Cut(rest, "?")
	if name == "" {
		return fmt.Errorf("DSN has no database name")
	}

	base := dsn[:slash+1]
	if params != "" {
		base += "?" + params
	}

	tmp, err := sql.Open("mysql", base)
	if err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}
	defer tmp.Close()

	if _, err := tmp.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", name)); err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	return nil
}

// Migrate creates missing tables. It is idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	stmts := mysqlSchema
	if d.Driver == "sqlite" {
		stmts = sqliteSchema
	}
	for _, stmt := range stmts {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// IsUniqueViolation reports whether err came from a unique index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "UNIQUE constraint failed")
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS carriers (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		name VARCHAR(100) NOT NULL,
		code VARCHAR(50) UNIQUE NOT NULL,
		enabled BOOLEAN DEFAULT TRUE,
		cli_override BOOLEAN DEFAULT FALSE,
		fax BOOLEAN DEFAULT FALSE,
		sms BOOLEAN DEFAULT FALSE,
		max_channels INT DEFAULT 0,
		failover_threshold INT DEFAULT 5,
		failover_window_seconds INT DEFAULT 60,
		failover_causes TEXT,
		busy_is_congestion BOOLEAN DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		INDEX idx_enabled (enabled)
	)`,

	`CREATE TABLE IF NOT EXISTS gateways (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		carrier_id BIGINT NOT NULL,
		name VARCHAR(100) UNIQUE NOT NULL,
		host VARCHAR(255) NOT NULL,
		port INT DEFAULT 5060,
		transport VARCHAR(10) DEFAULT 'udp',
		tech_prefix VARCHAR(20) DEFAULT '',
		codecs TEXT,
		max_channels INT DEFAULT 0,
		current_channels INT DEFAULT 0,
		status VARCHAR(20) DEFAULT 'active',
		last_health_check TIMESTAMP NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		INDEX idx_carrier (carrier_id),
		INDEX idx_status (status),
		FOREIGN KEY (carrier_id) REFERENCES carriers(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS profiles (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		organization_id VARCHAR(64) NOT NULL,
		name VARCHAR(100) NOT NULL,
		routing_strategy VARCHAR(20) NOT NULL,
		quality_threshold DOUBLE DEFAULT 0,
		max_retries INT DEFAULT 0,
		enabled BOOLEAN DEFAULT TRUE,
		selection_priority INT DEFAULT 0,
		created_at TIMESTAMP(6) DEFAULT CURRENT_TIMESTAMP(6),
		updated_at TIMESTAMP(6) DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
		INDEX idx_org (organization_id, enabled)
	)`,

	`CREATE TABLE IF NOT EXISTS routes (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		profile_id BIGINT NOT NULL,
		carrier_id BIGINT NOT NULL,
		gateway_id BIGINT NOT NULL,
		prefix VARCHAR(20) NOT NULL,
		priority INT DEFAULT 0,
		weight INT DEFAULT 1,
		rate_per_minute DECIMAL(12,6) DEFAULT 0,
		connection_fee DECIMAL(12,6) DEFAULT 0,
		currency CHAR(3) DEFAULT 'USD',
		billing_increment INT DEFAULT 60,
		enabled BOOLEAN DEFAULT TRUE,
		constraints TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		UNIQUE KEY unique_route (profile_id, carrier_id, gateway_id, prefix),
		INDEX idx_profile_prefix (profile_id, prefix),
		FOREIGN KEY (profile_id) REFERENCES profiles(id) ON DELETE CASCADE,
		FOREIGN KEY (carrier_id) REFERENCES carriers(id) ON DELETE CASCADE,
		FOREIGN KEY (gateway_id) REFERENCES gateways(id) ON DELETE CASCADE
	)`,

	`CREATE TABLE IF NOT EXISTS gateway_status_log (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		gateway_id BIGINT NOT NULL,
		previous_status VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		score INT DEFAULT 0,
		changed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_gateway (gateway_id, changed_at)
	)`,

	`CREATE TABLE IF NOT EXISTS call_records (
		call_id VARCHAR(100) PRIMARY KEY,
		organization_id VARCHAR(64) NOT NULL,
		destination VARCHAR(20) NOT NULL,
		profile_id BIGINT DEFAULT 0,
		attempts TEXT,
		outcome VARCHAR(20) NOT NULL,
		final_cause INT DEFAULT 0,
		started_at TIMESTAMP(3) NOT NULL,
		ended_at TIMESTAMP(3) NULL,
		INDEX idx_org_started (organization_id, started_at)
	)`,
}

var sqliteSchema = []string{
	`PRAGMA foreign_keys = ON`,

	`CREATE TABLE IF NOT EXISTS carriers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		code TEXT UNIQUE NOT NULL,
		enabled BOOLEAN DEFAULT 1,
		cli_override BOOLEAN DEFAULT 0,
		fax BOOLEAN DEFAULT 0,
		sms BOOLEAN DEFAULT 0,
		max_channels INTEGER DEFAULT 0,
		failover_threshold INTEGER DEFAULT 5,
		failover_window_seconds INTEGER DEFAULT 60,
		failover_causes TEXT,
		busy_is_congestion BOOLEAN DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS gateways (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		carrier_id INTEGER NOT NULL REFERENCES carriers(id) ON DELETE CASCADE,
		name TEXT UNIQUE NOT NULL,
		host TEXT NOT NULL,
		port INTEGER DEFAULT 5060,
		transport TEXT DEFAULT 'udp',
		tech_prefix TEXT DEFAULT '',
		codecs TEXT,
		max_channels INTEGER DEFAULT 0,
		current_channels INTEGER DEFAULT 0,
		status TEXT DEFAULT 'active',
		last_health_check DATETIME NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		routing_strategy TEXT NOT NULL,
		quality_threshold REAL DEFAULT 0,
		max_retries INTEGER DEFAULT 0,
		enabled BOOLEAN DEFAULT 1,
		selection_priority INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_profiles_org ON profiles (organization_id, enabled)`,

	`CREATE TABLE IF NOT EXISTS routes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		profile_id INTEGER NOT NULL REFERENCES profiles(id) ON DELETE CASCADE,
		carrier_id INTEGER NOT NULL REFERENCES carriers(id) ON DELETE CASCADE,
		gateway_id INTEGER NOT NULL REFERENCES gateways(id) ON DELETE CASCADE,
		prefix TEXT NOT NULL,
		priority INTEGER DEFAULT 0,
		weight INTEGER DEFAULT 1,
		rate_per_minute REAL DEFAULT 0,
		connection_fee REAL DEFAULT 0,
		currency TEXT DEFAULT 'USD',
		billing_increment INTEGER DEFAULT 60,
		enabled BOOLEAN DEFAULT 1,
		constraints TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (profile_id, carrier_id, gateway_id, prefix)
	)`,

	`CREATE TABLE IF NOT EXISTS gateway_status_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		gateway_id INTEGER NOT NULL,
		previous_status TEXT NOT NULL,
		status TEXT NOT NULL,
		score INTEGER DEFAULT 0,
		changed_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS call_records (
		call_id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		destination TEXT NOT NULL,
		profile_id INTEGER DEFAULT 0,
		attempts TEXT,
		outcome TEXT NOT NULL,
		final_cause INTEGER DEFAULT 0,
		started_at DATETIME NOT NULL,
		ended_at DATETIME NULL
	)`,
}
