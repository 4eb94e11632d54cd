package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// BudgetExceededError identifies the budget that rejected a charge.
type BudgetExceededError struct {
	Budget model.Budget
	Cost   float64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s budget: spend %.4f + %.4f exceeds limit %.2f",
		e.Budget.Period, e.Budget.CurrentSpend, e.Cost, e.Budget.LimitUSD)
}

func (e *BudgetExceededError) Unwrap() error { return model.ErrBudgetExceeded }

const budgetColumns = `budget_type, limit_usd, current_spend, warning_threshold_pct, critical_threshold_pct,
	last_reset_at, created_at, updated_at`

func (s *SQL) UpsertBudget(ctx context.Context, b *model.Budget) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.LastResetAt.IsZero() {
		b.LastResetAt = now
	}
	b.UpdatedAt = now

	_, err := s.exec(ctx, `INSERT INTO budgets (`+budgetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(budget_type) DO UPDATE SET
		  limit_usd = excluded.limit_usd,
		  warning_threshold_pct = excluded.warning_threshold_pct,
		  critical_threshold_pct = excluded.critical_threshold_pct,
		  updated_at = excluded.updated_at`,
		string(b.Period), b.LimitUSD, b.CurrentSpend, b.WarningThresholdPct, b.CriticalThresholdPct,
		b.LastResetAt.UTC(), b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("set budget: %w", err)
	}
	return nil
}

func (s *SQL) GetBudget(ctx context.Context, period model.BudgetPeriod) (*model.Budget, error) {
	b, err := scanBudget(s.queryRow(ctx, "SELECT "+budgetColumns+" FROM budgets WHERE budget_type = ?", string(period)))
	if isNoRows(err) {
		return nil, fmt.Errorf("%s budget: %w", period, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get budget: %w", err)
	}
	return b, nil
}

func (s *SQL) ListBudgets(ctx context.Context) ([]model.Budget, error) {
	rows, err := s.query(ctx, "SELECT "+budgetColumns+" FROM budgets ORDER BY budget_type")
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	defer rows.Close()
	return collectBudgets(rows)
}

func (s *SQL) ResetBudget(ctx context.Context, period model.BudgetPeriod, periodStart time.Time) (bool, error) {
	periodStart = periodStart.UTC()
	res, err := s.exec(ctx, `UPDATE budgets SET current_spend = 0, last_reset_at = ?, updated_at = ?
		WHERE budget_type = ? AND last_reset_at < ?`,
		periodStart, time.Now().UTC(), string(period), periodStart,
	)
	if err != nil {
		return false, fmt.Errorf("reset budget: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQL) ChargeBudgets(ctx context.Context, cost float64, at time.Time) ([]model.Budget, error) {
	var charged []model.Budget
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, s.q("SELECT "+budgetColumns+" FROM budgets ORDER BY budget_type"))
		if err != nil {
			return fmt.Errorf("list budgets: %w", err)
		}
		budgets, err := collectBudgets(rows)
		rows.Close()
		if err != nil {
			return err
		}

		for _, b := range budgets {
			res, err := tx.ExecContext(ctx, s.q(`UPDATE budgets
				SET current_spend = current_spend + ?, updated_at = ?
				WHERE budget_type = ? AND current_spend + ? <= limit_usd`),
				cost, at.UTC(), string(b.Period), cost,
			)
			if err != nil {
				return fmt.Errorf("charge %s budget: %w", b.Period, err)
			}
			n, err := affected(res)
			if err != nil {
				return err
			}
			if n == 0 {
				return &BudgetExceededError{Budget: b, Cost: cost}
			}
		}

		rows, err = tx.QueryContext(ctx, s.q("SELECT "+budgetColumns+" FROM budgets ORDER BY budget_type"))
		if err != nil {
			return fmt.Errorf("reload budgets: %w", err)
		}
		charged, err = collectBudgets(rows)
		rows.Close()
		return err
	})
	if err != nil {
		return nil, err
	}
	return charged, nil
}

func (s *SQL) CreateBudgetAlert(ctx context.Context, a *model.BudgetAlert) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	res, err := s.exec(ctx, `INSERT INTO budget_alerts (id, budget_type, level, spend, limit_usd, period_start, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		a.ID, string(a.Period), string(a.Level), a.Spend, a.LimitUSD, a.PeriodStart.UTC(), a.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("insert budget alert: %w", err)
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQL) ListBudgetAlerts(ctx context.Context, limit int) ([]model.BudgetAlert, error) {
	query := "SELECT id, budget_type, level, spend, limit_usd, period_start, created_at FROM budget_alerts ORDER BY created_at DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list budget alerts: %w", err)
	}
	defer rows.Close()

	var out []model.BudgetAlert
	for rows.Next() {
		var a model.BudgetAlert
		if err := rows.Scan(&a.ID, &a.Period, &a.Level, &a.Spend, &a.LimitUSD, &a.PeriodStart, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan budget alert row: %w", err)
		}
		a.PeriodStart = a.PeriodStart.UTC()
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanBudget(row scanner) (*model.Budget, error) {
	var b model.Budget
	if err := row.Scan(&b.Period, &b.LimitUSD, &b.CurrentSpend, &b.WarningThresholdPct, &b.CriticalThresholdPct,
		&b.LastResetAt, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.LastResetAt = b.LastResetAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return &b, nil
}

func collectBudgets(rows *sql.Rows) ([]model.Budget, error) {
	var budgets []model.Budget
	for rows.Next() {
		b, err := scanBudget(rows)
		if err != nil {
			return nil, fmt.Errorf("scan budget row: %w", err)
		}
		budgets = append(budgets, *b)
	}
	return budgets, rows.Err()
}
