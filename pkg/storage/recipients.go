package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

const recipientColumns = `recipient, message_count_hour, message_count_day,
	last_message_at, is_blocked, blocked_until, blocked_reason`

func (s *SQL) GetRecipient(ctx context.Context, recipient string) (*model.RecipientRateState, error) {
	st, err := scanRecipient(s.queryRow(ctx, "SELECT "+recipientColumns+" FROM recipient_rate_state WHERE recipient = ?", recipient))
	if isNoRows(err) {
		return nil, fmt.Errorf("recipient %q: %w", recipient, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return st, nil
}

func (s *SQL) ListRecipients(ctx context.Context, blockedOnly bool) ([]model.RecipientRateState, error) {
	query := "SELECT " + recipientColumns + " FROM recipient_rate_state"
	var args []any
	if blockedOnly {
		query += " WHERE is_blocked = ?"
		args = append(args, true)
	}
	query += " ORDER BY recipient"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []model.RecipientRateState
	for rows.Next() {
		st, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient row: %w", err)
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// RecordRecipientSend counts the recipient's sends over the hour and the day
// ending at at. When both counts are below their caps the send is recorded;
// a cap of zero is unlimited. The returned state carries the counts including
// the recorded send.
func (s *SQL) RecordRecipientSend(ctx context.Context, recipient string, at time.Time, maxHour, maxDay int) (*model.RecipientRateState, bool, error) {
	nowMs := at.UnixMilli()
	var st *model.RecipientRateState
	allowed := true

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if s.dialect == DriverPostgres {
			if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", "recipient:"+recipient); err != nil {
				return fmt.Errorf("lock recipient: %w", err)
			}
		}

		var hour, day int
		err := tx.QueryRowContext(ctx, s.q(`SELECT
			COALESCE(SUM(CASE WHEN sent_at_ms >= ? THEN 1 ELSE 0 END), 0), COUNT(*)
			FROM recipient_sends WHERE recipient = ? AND sent_at_ms >= ?`),
			nowMs-time.Hour.Milliseconds(), recipient, nowMs-24*time.Hour.Milliseconds(),
		).Scan(&hour, &day)
		if err != nil {
			return fmt.Errorf("count recipient sends: %w", err)
		}

		var last *time.Time
		if (maxHour > 0 && hour >= maxHour) || (maxDay > 0 && day >= maxDay) {
			allowed = false
		} else {
			if _, err := tx.ExecContext(ctx,
				s.q("INSERT INTO recipient_sends (recipient, sent_at_ms) VALUES (?, ?)"), recipient, nowMs); err != nil {
				return fmt.Errorf("record recipient send: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				s.q("DELETE FROM recipient_sends WHERE recipient = ? AND sent_at_ms < ?"),
				recipient, nowMs-24*time.Hour.Milliseconds()); err != nil {
				return fmt.Errorf("prune recipient sends: %w", err)
			}
			hour++
			day++
			last = &at
		}

		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO recipient_rate_state
			(recipient, message_count_hour, message_count_day, last_message_at, is_blocked)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(recipient) DO UPDATE SET
			  message_count_hour = excluded.message_count_hour,
			  message_count_day = excluded.message_count_day,
			  last_message_at = COALESCE(excluded.last_message_at, recipient_rate_state.last_message_at)`),
			recipient, hour, day, nullTime(last), false,
		)
		if err != nil {
			return fmt.Errorf("update recipient: %w", err)
		}
		st, err = scanRecipient(tx.QueryRowContext(ctx,
			s.q("SELECT "+recipientColumns+" FROM recipient_rate_state WHERE recipient = ?"), recipient))
		if err != nil {
			return fmt.Errorf("reload recipient: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return st, allowed, nil
}

func (s *SQL) BlockRecipient(ctx context.Context, recipient string, until time.Time, reason string) error {
	_, err := s.exec(ctx, `INSERT INTO recipient_rate_state (recipient, is_blocked, blocked_until, blocked_reason)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(recipient) DO UPDATE SET
		  is_blocked = excluded.is_blocked,
		  blocked_until = excluded.blocked_until,
		  blocked_reason = excluded.blocked_reason`,
		recipient, true, until.UTC(), nullString(reason),
	)
	if err != nil {
		return fmt.Errorf("block recipient: %w", err)
	}
	return nil
}

// UnblockRecipient clears the block and the send history so the recipient starts fresh.
func (s *SQL) UnblockRecipient(ctx context.Context, recipient string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE recipient_rate_state
			SET is_blocked = ?, blocked_until = NULL, blocked_reason = NULL, message_count_hour = 0, message_count_day = 0
			WHERE recipient = ?`),
			false, recipient,
		)
		if err != nil {
			return fmt.Errorf("unblock recipient: %w", err)
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("recipient %q: %w", recipient, model.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, s.q("DELETE FROM recipient_sends WHERE recipient = ?"), recipient); err != nil {
			return fmt.Errorf("clear recipient sends: %w", err)
		}
		return nil
	})
}

func scanRecipient(row scanner) (*model.RecipientRateState, error) {
	var st model.RecipientRateState
	var last, until sql.NullTime
	var reason sql.NullString
	if err := row.Scan(&st.Recipient, &st.MessageCountHour, &st.MessageCountDay,
		&last, &st.Blocked, &until, &reason); err != nil {
		return nil, err
	}
	st.LastMessageAt = timePtr(last)
	st.BlockedUntil = timePtr(until)
	st.BlockedReason = reason.String
	return &st, nil
}
