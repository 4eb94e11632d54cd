package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

const endpointColumns = `id, name, url, service_type, channel, secret, enabled, event_types,
	retry_enabled, retry_max_attempts, ip_allowlist, created_at, updated_at`

func (s *SQL) CreateEndpoint(ctx context.Context, e *model.Endpoint) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	eventTypes, err := encodeJSON(nonNil(e.EventTypes))
	if err != nil {
		return fmt.Errorf("encode event types: %w", err)
	}
	allowlist, err := encodeJSON(nonNil(e.IPAllowlist))
	if err != nil {
		return fmt.Errorf("encode ip allowlist: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO endpoints (`+endpointColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			e.ID, e.Name, e.URL, string(e.ServiceType), nullString(e.Channel), e.Secret, e.Enabled, eventTypes,
			e.Retry.Enabled, e.Retry.MaxAttempts, allowlist, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert endpoint: %w", err)
		}
		return s.replaceWindows(ctx, tx, e.ID, e.RateLimits)
	})
}

func (s *SQL) UpdateEndpoint(ctx context.Context, e *model.Endpoint) error {
	e.UpdatedAt = time.Now().UTC()
	eventTypes, err := encodeJSON(nonNil(e.EventTypes))
	if err != nil {
		return fmt.Errorf("encode event types: %w", err)
	}
	allowlist, err := encodeJSON(nonNil(e.IPAllowlist))
	if err != nil {
		return fmt.Errorf("encode ip allowlist: %w", err)
	}

	res, err := s.exec(ctx, `UPDATE endpoints SET name = ?, url = ?, service_type = ?, channel = ?, secret = ?,
		enabled = ?, event_types = ?, retry_enabled = ?, retry_max_attempts = ?, ip_allowlist = ?, updated_at = ?
		WHERE id = ?`,
		e.Name, e.URL, string(e.ServiceType), nullString(e.Channel), e.Secret,
		e.Enabled, eventTypes, e.Retry.Enabled, e.Retry.MaxAttempts, allowlist, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("endpoint %q: %w", e.ID, model.ErrNotFound)
	}
	return nil
}

func (s *SQL) SetRateLimits(ctx context.Context, endpointID string, windows []model.RateLimitWindow) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.q("SELECT COUNT(*) FROM endpoints WHERE id = ?"), endpointID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check endpoint: %w", err)
		}
		if exists == 0 {
			return fmt.Errorf("endpoint %q: %w", endpointID, model.ErrNotFound)
		}
		return s.replaceWindows(ctx, tx, endpointID, windows)
	})
}

func (s *SQL) replaceWindows(ctx context.Context, tx *sql.Tx, endpointID string, windows []model.RateLimitWindow) error {
	if _, err := tx.ExecContext(ctx, s.q("DELETE FROM rate_limit_windows WHERE endpoint_id = ?"), endpointID); err != nil {
		return fmt.Errorf("clear rate limits: %w", err)
	}
	for _, w := range windows {
		_, err := tx.ExecContext(ctx,
			s.q("INSERT INTO rate_limit_windows (endpoint_id, period, max_requests, enabled) VALUES (?, ?, ?, ?)"),
			endpointID, string(w.Period), w.MaxRequests, w.Enabled,
		)
		if err != nil {
			return fmt.Errorf("insert rate limit %s: %w", w.Period, err)
		}
	}
	return nil
}

func (s *SQL) GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error) {
	e, err := scanEndpoint(s.queryRow(ctx, "SELECT "+endpointColumns+" FROM endpoints WHERE id = ?", id))
	if isNoRows(err) {
		return nil, fmt.Errorf("endpoint %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}

	windows, err := s.loadWindows(ctx, id)
	if err != nil {
		return nil, err
	}
	e.RateLimits = windows[id]
	return e, nil
}

func (s *SQL) ListEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	rows, err := s.query(ctx, "SELECT "+endpointColumns+" FROM endpoints ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	var endpoints []model.Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan endpoint row: %w", err)
		}
		endpoints = append(endpoints, *e)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	windows, err := s.loadWindows(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range endpoints {
		endpoints[i].RateLimits = windows[endpoints[i].ID]
	}
	return endpoints, nil
}

// loadWindows returns rate-limit windows keyed by endpoint. An empty id loads all of them.
func (s *SQL) loadWindows(ctx context.Context, endpointID string) (map[string][]model.RateLimitWindow, error) {
	query := "SELECT endpoint_id, period, max_requests, enabled FROM rate_limit_windows"
	var args []any
	if endpointID != "" {
		query += " WHERE endpoint_id = ?"
		args = append(args, endpointID)
	}
	query += ` ORDER BY endpoint_id, CASE period
		WHEN 'minute' THEN 1 WHEN 'hour' THEN 2 WHEN 'day' THEN 3 ELSE 4 END`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rate limits: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.RateLimitWindow)
	for rows.Next() {
		var id string
		var w model.RateLimitWindow
		if err := rows.Scan(&id, &w.Period, &w.MaxRequests, &w.Enabled); err != nil {
			return nil, fmt.Errorf("scan rate limit row: %w", err)
		}
		out[id] = append(out[id], w)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scanner) (*model.Endpoint, error) {
	var e model.Endpoint
	var channel, eventTypes, allowlist sql.NullString
	if err := row.Scan(&e.ID, &e.Name, &e.URL, &e.ServiceType, &channel, &e.Secret, &e.Enabled, &eventTypes,
		&e.Retry.Enabled, &e.Retry.MaxAttempts, &allowlist, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Channel = channel.String
	if err := decodeJSON(eventTypes, &e.EventTypes); err != nil {
		return nil, fmt.Errorf("decode event types: %w", err)
	}
	if err := decodeJSON(allowlist, &e.IPAllowlist); err != nil {
		return nil, fmt.Errorf("decode ip allowlist: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return &e, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
