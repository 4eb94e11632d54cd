package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

func (s *SQL) Acquire(ctx context.Context, key string, windows []time.Duration, limits []int64, now time.Time) ([]int64, bool, error) {
	if len(windows) != len(limits) {
		return nil, false, fmt.Errorf("acquire %s: %d windows but %d limits", key, len(windows), len(limits))
	}
	nowMs := now.UnixMilli()
	counts := make([]int64, len(windows))
	allowed := true

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if s.dialect == DriverPostgres {
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", key); err != nil {
				return fmt.Errorf("lock rate limit key: %w", err)
			}
		}

		var longest time.Duration
		for i, w := range windows {
			if w > longest {
				longest = w
			}
			err := tx.QueryRowContext(ctx,
				s.q("SELECT COUNT(*) FROM rate_limit_hits WHERE hit_key = ? AND attempted_at_ms >= ?"),
				key, nowMs-w.Milliseconds(),
			).Scan(&counts[i])
			if err != nil {
				return fmt.Errorf("count rate limit hits: %w", err)
			}
			if counts[i] >= limits[i] {
				allowed = false
			}
		}
		if !allowed {
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			s.q("INSERT INTO rate_limit_hits (hit_key, attempted_at_ms) VALUES (?, ?)"), key, nowMs); err != nil {
			return fmt.Errorf("record rate limit hit: %w", err)
		}
		// Hits older than the longest window can never be counted again.
		if _, err := tx.ExecContext(ctx,
			s.q("DELETE FROM rate_limit_hits WHERE hit_key = ? AND attempted_at_ms < ?"),
			key, nowMs-longest.Milliseconds()); err != nil {
			return fmt.Errorf("prune rate limit hits: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return counts, allowed, nil
}

func (s *SQL) Release(ctx context.Context, key string, at time.Time) error {
	row := "rowid"
	if s.dialect == DriverPostgres {
		row = "ctid"
	}
	_, err := s.exec(ctx, `DELETE FROM rate_limit_hits WHERE `+row+` IN (
		SELECT `+row+` FROM rate_limit_hits WHERE hit_key = ? AND attempted_at_ms = ? LIMIT 1)`,
		key, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("release rate limit hit: %w", err)
	}
	return nil
}

func (s *SQL) RecordViolation(ctx context.Context, v *model.RateLimitViolation) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	if v.AttemptedAt.IsZero() {
		v.AttemptedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO rate_limit_violations
		(id, endpoint_id, period, limit_value, observed_count, attempted_at) VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.EndpointID, string(v.Period), v.Limit, v.Count, v.AttemptedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert rate limit violation: %w", err)
	}
	return nil
}

func (s *SQL) ListViolations(ctx context.Context, endpointID string, limit int) ([]model.RateLimitViolation, error) {
	query := "SELECT id, endpoint_id, period, limit_value, observed_count, attempted_at FROM rate_limit_violations"
	var args []any
	if endpointID != "" {
		query += " WHERE endpoint_id = ?"
		args = append(args, endpointID)
	}
	query += " ORDER BY attempted_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rate limit violations: %w", err)
	}
	defer rows.Close()

	var out []model.RateLimitViolation
	for rows.Next() {
		var v model.RateLimitViolation
		if err := rows.Scan(&v.ID, &v.EndpointID, &v.Period, &v.Limit, &v.Count, &v.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan violation row: %w", err)
		}
		v.AttemptedAt = v.AttemptedAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}
