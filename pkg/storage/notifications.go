package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

func (s *SQL) RecordNotification(ctx context.Context, n *model.NotificationRecord) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `INSERT INTO notification_records
		(id, channel, recipient, subject, status, reason, cost_usd, alert_event_id, budget_alert_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, string(n.Channel), nullString(n.Recipient), n.Subject, string(n.Status), nullString(n.Reason),
		n.CostUSD, nullString(n.AlertEventID), nullString(n.BudgetAlertID), n.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert notification record: %w", err)
	}
	return nil
}

func (s *SQL) ListNotifications(ctx context.Context, limit int) ([]model.NotificationRecord, error) {
	query := `SELECT id, channel, recipient, subject, status, reason, cost_usd, alert_event_id, budget_alert_id, created_at
		FROM notification_records ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []model.NotificationRecord
	for rows.Next() {
		var n model.NotificationRecord
		var recipient, reason, eventID, budgetAlertID sql.NullString
		if err := rows.Scan(&n.ID, &n.Channel, &recipient, &n.Subject, &n.Status, &reason, &n.CostUSD,
			&eventID, &budgetAlertID, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		n.Recipient = recipient.String
		n.Reason = reason.String
		n.AlertEventID = eventID.String
		n.BudgetAlertID = budgetAlertID.String
		n.CreatedAt = n.CreatedAt.UTC()
		out = append(out, n)
	}
	return out, rows.Err()
}
