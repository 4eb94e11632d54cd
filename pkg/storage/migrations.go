package storage

import (
	"context"
	"fmt"
	"strings"
)

// Schema is written once with type tokens that are replaced per dialect:
// TS_T (timestamps), BOOL_T and FLOAT_T.
var migrations = []string{
	// Migration 1: endpoints, deliveries and rate limiting
	`CREATE TABLE IF NOT EXISTS endpoints (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		url                TEXT NOT NULL,
		service_type       TEXT NOT NULL CHECK(service_type IN ('slack', 'discord', 'teams', 'custom')),
		channel            TEXT,
		secret             TEXT NOT NULL,
		enabled            BOOL_T NOT NULL DEFAULT TRUE,
		event_types        TEXT NOT NULL DEFAULT '[]',
		retry_enabled      BOOL_T NOT NULL DEFAULT TRUE,
		retry_max_attempts INTEGER NOT NULL DEFAULT 3,
		ip_allowlist       TEXT NOT NULL DEFAULT '[]',
		created_at         TS_T NOT NULL,
		updated_at         TS_T NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rate_limit_windows (
		endpoint_id  TEXT NOT NULL REFERENCES endpoints(id),
		period       TEXT NOT NULL CHECK(period IN ('minute', 'hour', 'day', 'week')),
		max_requests INTEGER NOT NULL CHECK(max_requests > 0),
		enabled      BOOL_T NOT NULL DEFAULT TRUE,
		PRIMARY KEY (endpoint_id, period)
	);

	CREATE TABLE IF NOT EXISTS rate_limit_hits (
		hit_key         TEXT NOT NULL,
		attempted_at_ms BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rate_limit_hits_key ON rate_limit_hits(hit_key, attempted_at_ms);

	CREATE TABLE IF NOT EXISTS rate_limit_violations (
		id             TEXT PRIMARY KEY,
		endpoint_id    TEXT NOT NULL,
		period         TEXT NOT NULL,
		limit_value    INTEGER NOT NULL,
		observed_count BIGINT NOT NULL,
		attempted_at   TS_T NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_violations_endpoint ON rate_limit_violations(endpoint_id, attempted_at);

	CREATE TABLE IF NOT EXISTS deliveries (
		id               TEXT PRIMARY KEY,
		endpoint_id      TEXT NOT NULL REFERENCES endpoints(id),
		event_type       TEXT NOT NULL,
		payload          TEXT NOT NULL DEFAULT '{}',
		status           TEXT NOT NULL CHECK(status IN ('pending', 'success', 'failed', 'retrying', 'cancelled')),
		attempt_count    INTEGER NOT NULL DEFAULT 0 CHECK(attempt_count >= 0),
		max_attempts     INTEGER NOT NULL CHECK(max_attempts >= 1),
		http_status      INTEGER NOT NULL DEFAULT 0,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		error_message    TEXT,
		error_kind       TEXT,
		next_retry_at    TS_T,
		retry_of         TEXT,
		created_at       TS_T NOT NULL,
		updated_at       TS_T NOT NULL,
		completed_at     TS_T,
		CHECK(attempt_count <= max_attempts)
	);

	CREATE INDEX IF NOT EXISTS idx_deliveries_endpoint ON deliveries(endpoint_id);
	CREATE INDEX IF NOT EXISTS idx_deliveries_status_retry ON deliveries(status, next_retry_at);
	CREATE INDEX IF NOT EXISTS idx_deliveries_completed ON deliveries(completed_at);

	CREATE TABLE IF NOT EXISTS delivery_attempts (
		id               TEXT PRIMARY KEY,
		delivery_id      TEXT NOT NULL REFERENCES deliveries(id),
		attempt_number   INTEGER NOT NULL,
		http_status      INTEGER NOT NULL DEFAULT 0,
		response_time_ms BIGINT NOT NULL DEFAULT 0,
		error_message    TEXT,
		error_kind       TEXT,
		attempted_at     TS_T NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_delivery ON delivery_attempts(delivery_id, attempt_number);`,

	// Migration 2: alert rules and events
	`CREATE TABLE IF NOT EXISTS alert_rules (
		id                    TEXT PRIMARY KEY,
		name                  TEXT NOT NULL,
		endpoint_id           TEXT,
		condition_type        TEXT NOT NULL CHECK(condition_type IN ('failure_rate', 'response_time', 'consecutive_failures', 'total_failures')),
		threshold_value       FLOAT_T NOT NULL,
		time_window_minutes   INTEGER NOT NULL CHECK(time_window_minutes > 0),
		is_critical           BOOL_T NOT NULL DEFAULT FALSE,
		is_enabled            BOOL_T NOT NULL DEFAULT TRUE,
		notification_channels TEXT NOT NULL DEFAULT '[]',
		created_at            TS_T NOT NULL,
		updated_at            TS_T NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alert_events (
		id               TEXT PRIMARY KEY,
		rule_id          TEXT NOT NULL REFERENCES alert_rules(id),
		triggered_at     TS_T NOT NULL,
		condition_met    TEXT NOT NULL,
		actual_value     FLOAT_T NOT NULL,
		threshold_value  FLOAT_T NOT NULL,
		resolved_at      TS_T,
		resolved_by      TEXT,
		resolution_notes TEXT
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_alert_events_open ON alert_events(rule_id) WHERE resolved_at IS NULL;
	CREATE INDEX IF NOT EXISTS idx_alert_events_triggered ON alert_events(triggered_at);`,

	// Migration 3: budgets, recipients and notification records
	`CREATE TABLE IF NOT EXISTS budgets (
		budget_type            TEXT PRIMARY KEY CHECK(budget_type IN ('daily', 'monthly')),
		limit_usd              FLOAT_T NOT NULL CHECK(limit_usd > 0),
		current_spend          FLOAT_T NOT NULL DEFAULT 0 CHECK(current_spend >= 0),
		warning_threshold_pct  FLOAT_T NOT NULL DEFAULT 80,
		critical_threshold_pct FLOAT_T NOT NULL DEFAULT 95,
		last_reset_at          TS_T NOT NULL,
		created_at             TS_T NOT NULL,
		updated_at             TS_T NOT NULL
	);

	CREATE TABLE IF NOT EXISTS budget_alerts (
		id           TEXT PRIMARY KEY,
		budget_type  TEXT NOT NULL,
		level        TEXT NOT NULL CHECK(level IN ('warning', 'critical', 'exceeded')),
		spend        FLOAT_T NOT NULL,
		limit_usd    FLOAT_T NOT NULL,
		period_start TS_T NOT NULL,
		created_at   TS_T NOT NULL,
		UNIQUE (budget_type, level, period_start)
	);

	CREATE TABLE IF NOT EXISTS recipient_rate_state (
		recipient          TEXT PRIMARY KEY,
		message_count_hour INTEGER NOT NULL DEFAULT 0 CHECK(message_count_hour >= 0),
		message_count_day  INTEGER NOT NULL DEFAULT 0 CHECK(message_count_day >= 0),
		last_message_at    TS_T,
		is_blocked         BOOL_T NOT NULL DEFAULT FALSE,
		blocked_until      TS_T,
		blocked_reason     TEXT
	);

	CREATE TABLE IF NOT EXISTS recipient_sends (
		recipient  TEXT NOT NULL,
		sent_at_ms BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_recipient_sends ON recipient_sends(recipient, sent_at_ms);

	CREATE TABLE IF NOT EXISTS notification_records (
		id              TEXT PRIMARY KEY,
		channel         TEXT NOT NULL,
		recipient       TEXT,
		subject         TEXT NOT NULL,
		status          TEXT NOT NULL CHECK(status IN ('sent', 'failed', 'suppressed')),
		reason          TEXT,
		cost_usd        FLOAT_T NOT NULL DEFAULT 0,
		alert_event_id  TEXT,
		budget_alert_id TEXT,
		created_at      TS_T NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notifications_created ON notification_records(created_at);`,
}

func (s *SQL) ddl(stmt string) string {
	var r *strings.Replacer
	if s.dialect == DriverPostgres {
		r = strings.NewReplacer("TS_T", "TIMESTAMPTZ", "BOOL_T", "BOOLEAN", "FLOAT_T", "DOUBLE PRECISION")
	} else {
		r = strings.NewReplacer("TS_T", "DATETIME", "BOOL_T", "INTEGER", "FLOAT_T", "REAL")
	}
	return r.Replace(stmt)
}

// SchemaVersion is the schema version this build migrates to.
func SchemaVersion() int { return len(migrations) }

// AppliedVersion returns the highest migration recorded in the database.
func (s *SQL) AppliedVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// migrate applies pending schema migrations.
func (s *SQL) migrate() error {
	// Ensure migration tracking table exists
	_, err := s.db.Exec(s.ddl(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TS_T NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`))
	if err != nil {
		return fmt.Errorf("create migration table: %w", err)
	}

	var currentVersion int
	row := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("check migration version: %w", err)
	}

	for i := currentVersion; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec(s.ddl(migrations[i])); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("run migration %d: %w", i+1, err)
		}

		if _, err := tx.Exec(s.q("INSERT INTO schema_migrations (version) VALUES (?)"), i+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
