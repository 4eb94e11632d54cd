package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

const deliveryColumns = `id, endpoint_id, event_type, payload, status, attempt_count, max_attempts,
	http_status, response_time_ms, error_message, error_kind, next_retry_at, retry_of,
	created_at, updated_at, completed_at`

func (s *SQL) CreateDelivery(ctx context.Context, d *model.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = d.CreatedAt
	if d.Status == "" {
		d.Status = model.StatusPending
	}
	if d.MaxAttempts < 1 {
		d.MaxAttempts = 1
	}
	payload := string(d.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := s.exec(ctx, `INSERT INTO deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.EndpointID, d.EventType, payload, string(d.Status), d.AttemptCount, d.MaxAttempts,
		d.HTTPStatus, d.ResponseTimeMs, nullString(d.ErrorMessage), nullString(string(d.ErrorKind)),
		nullTime(d.NextRetryAt), nullString(d.RetryOf), d.CreatedAt.UTC(), d.UpdatedAt.UTC(), nullTime(d.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *SQL) GetDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	d, err := scanDelivery(s.queryRow(ctx, "SELECT "+deliveryColumns+" FROM deliveries WHERE id = ?", id))
	if isNoRows(err) {
		return nil, fmt.Errorf("delivery %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

func (s *SQL) ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]model.Delivery, error) {
	query := "SELECT " + deliveryColumns + " FROM deliveries"
	where, args := buildDeliveryWhere(filter)
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY COALESCE(completed_at, created_at) DESC, created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.listDeliveries(ctx, query, args...)
}

func (s *SQL) listDeliveries(ctx context.Context, query string, args ...any) ([]model.Delivery, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery row: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}

func (s *SQL) BeginAttempt(ctx context.Context, id string, at time.Time) (int, error) {
	// next_retry_at is cleared so a concurrent poller cannot claim the same retry.
	var count int
	err := s.queryRow(ctx, `UPDATE deliveries
		SET attempt_count = attempt_count + 1, next_retry_at = NULL, updated_at = ?
		WHERE id = ?
		  AND attempt_count < max_attempts
		  AND (status = 'pending' OR (status = 'retrying' AND next_retry_at IS NOT NULL))
		RETURNING attempt_count`,
		at.UTC(), id,
	).Scan(&count)
	if err == nil {
		return count, nil
	}
	if !isNoRows(err) {
		return 0, fmt.Errorf("begin attempt: %w", err)
	}
	if _, err := s.GetDelivery(ctx, id); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("delivery %q not eligible for another attempt: %w", id, model.ErrInvalidState)
}

func (s *SQL) FinishDelivery(ctx context.Context, id string, res model.DeliveryResult) (bool, error) {
	from := model.Sources(res.Status)
	if len(from) == 0 {
		return false, fmt.Errorf("cannot settle delivery %q as %s: %w", id, res.Status, model.ErrInvalidState)
	}
	at := res.At.UTC()
	var completed any
	if res.Status != model.StatusRetrying {
		completed = at
	}
	args := []any{
		string(res.Status), res.HTTPStatus, res.ResponseTimeMs, nullString(res.ErrorMessage),
		nullString(string(res.ErrorKind)), nullTime(res.NextRetryAt), at, completed, id,
	}
	result, err := s.exec(ctx, `UPDATE deliveries
		SET status = ?, http_status = ?, response_time_ms = ?, error_message = ?, error_kind = ?,
		    next_retry_at = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		append(args, statusArgs(from)...)...,
	)
	if err != nil {
		return false, fmt.Errorf("finish delivery: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQL) CancelDelivery(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	from := model.Sources(model.StatusCancelled)
	result, err := s.exec(ctx, `UPDATE deliveries
		SET status = 'cancelled', next_retry_at = NULL, updated_at = ?, completed_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`,
		append([]any{at, at, id}, statusArgs(from)...)...,
	)
	if err != nil {
		return fmt.Errorf("cancel delivery: %w", err)
	}
	n, err := affected(result)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	d, err := s.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("cannot cancel %s delivery %q: %w", d.Status, id, model.ErrInvalidState)
}

// ReclaimStalled settles deliveries an interrupted attempt left behind: pending
// or retrying with no next_retry_at and not updated since staleBefore. Those
// with attempts left become due at now; the rest fail as transient.
func (s *SQL) ReclaimStalled(ctx context.Context, staleBefore, now time.Time) (int64, error) {
	now = now.UTC()
	var total int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE deliveries
			SET status = 'failed', error_kind = 'transient',
			    error_message = COALESCE(error_message, 'attempt interrupted'),
			    updated_at = ?, completed_at = ?
			WHERE status IN ('pending', 'retrying') AND next_retry_at IS NULL
			  AND updated_at < ? AND attempt_count >= max_attempts`),
			now, now, staleBefore.UTC(),
		)
		if err != nil {
			return fmt.Errorf("fail stalled deliveries: %w", err)
		}
		failed, err := affected(res)
		if err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, s.q(`UPDATE deliveries
			SET status = 'retrying', next_retry_at = ?, updated_at = ?
			WHERE status IN ('pending', 'retrying') AND next_retry_at IS NULL
			  AND updated_at < ? AND attempt_count < max_attempts`),
			now, now, staleBefore.UTC(),
		)
		if err != nil {
			return fmt.Errorf("requeue stalled deliveries: %w", err)
		}
		requeued, err := affected(res)
		if err != nil {
			return err
		}
		total = failed + requeued
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQL) DueRetries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listDeliveries(ctx, "SELECT "+deliveryColumns+` FROM deliveries
		WHERE status = 'retrying' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at LIMIT ?`,
		now.UTC(), limit,
	)
}

func (s *SQL) RecordAttempt(ctx context.Context, a *model.DeliveryAttempt) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO delivery_attempts
		(id, delivery_id, attempt_number, http_status, response_time_ms, error_message, error_kind, attempted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DeliveryID, a.AttemptNumber, a.HTTPStatus, a.ResponseTimeMs,
		nullString(a.ErrorMessage), nullString(string(a.ErrorKind)), a.AttemptedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert delivery attempt: %w", err)
	}
	return nil
}

func (s *SQL) ListAttempts(ctx context.Context, deliveryID string) ([]model.DeliveryAttempt, error) {
	rows, err := s.query(ctx, `SELECT id, delivery_id, attempt_number, http_status, response_time_ms,
		error_message, error_kind, attempted_at
		FROM delivery_attempts WHERE delivery_id = ? ORDER BY attempt_number`, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.DeliveryAttempt
	for rows.Next() {
		var a model.DeliveryAttempt
		var msg, kind sql.NullString
		if err := rows.Scan(&a.ID, &a.DeliveryID, &a.AttemptNumber, &a.HTTPStatus, &a.ResponseTimeMs,
			&msg, &kind, &a.AttemptedAt); err != nil {
			return nil, fmt.Errorf("scan delivery attempt row: %w", err)
		}
		a.ErrorMessage = msg.String
		a.ErrorKind = model.ErrorKind(kind.String)
		a.AttemptedAt = a.AttemptedAt.UTC()
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanDelivery(row scanner) (*model.Delivery, error) {
	var d model.Delivery
	var payload, msg, kind, retryOf sql.NullString
	var next, completed sql.NullTime
	if err := row.Scan(&d.ID, &d.EndpointID, &d.EventType, &payload, &d.Status, &d.AttemptCount, &d.MaxAttempts,
		&d.HTTPStatus, &d.ResponseTimeMs, &msg, &kind, &next, &retryOf,
		&d.CreatedAt, &d.UpdatedAt, &completed); err != nil {
		return nil, err
	}
	if payload.Valid {
		d.Payload = []byte(payload.String)
	}
	d.ErrorMessage = msg.String
	d.ErrorKind = model.ErrorKind(kind.String)
	d.RetryOf = retryOf.String
	d.NextRetryAt = timePtr(next)
	d.CompletedAt = timePtr(completed)
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func statusArgs(sts []model.DeliveryStatus) []any {
	out := make([]any, len(sts))
	for i, st := range sts {
		out[i] = string(st)
	}
	return out
}

// buildDeliveryWhere constructs a SQL WHERE clause from a DeliveryFilter.
func buildDeliveryWhere(filter model.DeliveryFilter) (string, []any) {
	var conditions []string
	var args []any

	if filter.EndpointID != "" {
		conditions = append(conditions, "endpoint_id = ?")
		args = append(args, filter.EndpointID)
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(filter.Statuses))+")")
		args = append(args, statusArgs(filter.Statuses)...)
	}
	if !filter.CompletedSince.IsZero() {
		conditions = append(conditions, "completed_at >= ?")
		args = append(args, filter.CompletedSince.UTC())
	}
	if len(filter.ExcludeKinds) > 0 {
		conditions = append(conditions, "COALESCE(error_kind, '') NOT IN ("+placeholders(len(filter.ExcludeKinds))+")")
		for _, k := range filter.ExcludeKinds {
			args = append(args, string(k))
		}
	}

	return strings.Join(conditions, " AND "), args
}
