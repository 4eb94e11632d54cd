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

const alertRuleColumns = `id, name, endpoint_id, condition_type, threshold_value, time_window_minutes,
	is_critical, is_enabled, notification_channels, created_at, updated_at`

const alertEventColumns = `id, rule_id, triggered_at, condition_met, actual_value, threshold_value,
	resolved_at, resolved_by, resolution_notes`

func (s *SQL) CreateAlertRule(ctx context.Context, r *model.AlertRule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	channels, err := encodeJSON(nonNil(r.Channels))
	if err != nil {
		return fmt.Errorf("encode notification channels: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO alert_rules (`+alertRuleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, nullString(r.EndpointID), string(r.Condition), r.Threshold, r.WindowMinutes,
		r.Critical, r.Enabled, channels, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert rule: %w", err)
	}
	return nil
}

func (s *SQL) GetAlertRule(ctx context.Context, id string) (*model.AlertRule, error) {
	r, err := scanAlertRule(s.queryRow(ctx, "SELECT "+alertRuleColumns+" FROM alert_rules WHERE id = ?", id))
	if isNoRows(err) {
		return nil, fmt.Errorf("alert rule %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert rule: %w", err)
	}
	return r, nil
}

func (s *SQL) ListAlertRules(ctx context.Context, enabledOnly bool) ([]model.AlertRule, error) {
	query := "SELECT " + alertRuleColumns + " FROM alert_rules"
	var args []any
	if enabledOnly {
		query += " WHERE is_enabled = ?"
		args = append(args, true)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var rules []model.AlertRule
	for rows.Next() {
		r, err := scanAlertRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert rule row: %w", err)
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

func (s *SQL) SetAlertRuleEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.exec(ctx, "UPDATE alert_rules SET is_enabled = ?, updated_at = ? WHERE id = ?",
		enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update alert rule: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("alert rule %q: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *SQL) CreateAlertEvent(ctx context.Context, e *model.AlertEvent) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.TriggeredAt.IsZero() {
		e.TriggeredAt = time.Now().UTC()
	}
	// The partial unique index on open events turns a second insert into a no-op.
	res, err := s.exec(ctx, `INSERT INTO alert_events
		(id, rule_id, triggered_at, condition_met, actual_value, threshold_value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		e.ID, e.RuleID, e.TriggeredAt.UTC(), e.ConditionMet, e.ActualValue, e.ThresholdValue,
	)
	if err != nil {
		return false, fmt.Errorf("insert alert event: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQL) GetAlertEvent(ctx context.Context, id string) (*model.AlertEvent, error) {
	e, err := scanAlertEvent(s.queryRow(ctx, "SELECT "+alertEventColumns+" FROM alert_events WHERE id = ?", id))
	if isNoRows(err) {
		return nil, fmt.Errorf("alert event %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get alert event: %w", err)
	}
	return e, nil
}

func (s *SQL) ListAlertEvents(ctx context.Context, filter model.AlertEventFilter) ([]model.AlertEvent, error) {
	query := "SELECT " + alertEventColumns + " FROM alert_events"
	var conditions []string
	var args []any
	if filter.RuleID != "" {
		conditions = append(conditions, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.UnresolvedOnly {
		conditions = append(conditions, "resolved_at IS NULL")
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY triggered_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert events: %w", err)
	}
	defer rows.Close()

	var events []model.AlertEvent
	for rows.Next() {
		e, err := scanAlertEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert event row: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *SQL) ResolveAlertEvent(ctx context.Context, id, resolvedBy, notes string, at time.Time) error {
	res, err := s.exec(ctx, `UPDATE alert_events SET resolved_at = ?, resolved_by = ?, resolution_notes = ?
		WHERE id = ? AND resolved_at IS NULL`,
		at.UTC(), nullString(resolvedBy), nullString(notes), id,
	)
	if err != nil {
		return fmt.Errorf("resolve alert event: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetAlertEvent(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("alert event %q already resolved: %w", id, model.ErrInvalidState)
}

func scanAlertRule(row scanner) (*model.AlertRule, error) {
	var r model.AlertRule
	var endpointID, channels sql.NullString
	if err := row.Scan(&r.ID, &r.Name, &endpointID, &r.Condition, &r.Threshold, &r.WindowMinutes,
		&r.Critical, &r.Enabled, &channels, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.EndpointID = endpointID.String
	if err := decodeJSON(channels, &r.Channels); err != nil {
		return nil, fmt.Errorf("decode notification channels: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func scanAlertEvent(row scanner) (*model.AlertEvent, error) {
	var e model.AlertEvent
	var resolvedAt sql.NullTime
	var resolvedBy, notes sql.NullString
	if err := row.Scan(&e.ID, &e.RuleID, &e.TriggeredAt, &e.ConditionMet, &e.ActualValue, &e.ThresholdValue,
		&resolvedAt, &resolvedBy, &notes); err != nil {
		return nil, err
	}
	e.TriggeredAt = e.TriggeredAt.UTC()
	e.ResolvedAt = timePtr(resolvedAt)
	e.ResolvedBy = resolvedBy.String
	e.ResolutionNotes = notes.String
	return &e, nil
}
