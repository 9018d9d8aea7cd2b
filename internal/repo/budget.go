package repo

import (
	"context"
	"database/sql"
	"time"

	"aipilot/internal/domain"
)

// GetBudgetSettings reads the singleton budget row.
func (r Repo) GetBudgetSettings(ctx context.Context) (domain.BudgetSettings, error) {
	var s domain.BudgetSettings
	err := r.DB.QueryRowContext(ctx, `SELECT monthly_limit,kill_threshold,updated_at FROM budget_settings WHERE id=1`).
		Scan(&s.MonthlyLimit, &s.KillThreshold, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) UpdateBudgetSettings(ctx context.Context, tx *sql.Tx, s domain.BudgetSettings) error {
	res, err := tx.ExecContext(ctx, `UPDATE budget_settings SET monthly_limit=?, kill_threshold=?, updated_at=? WHERE id=1`,
		s.MonthlyLimit, s.KillThreshold, s.UpdatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertCostLog(ctx context.Context, tx *sql.Tx, e domain.CostLogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cost_log(id,task_id,amount,created_at) VALUES (?,?,?,?)`,
		e.ID, e.TaskID, e.Amount, e.CreatedAt)
	return err
}

// SumCostsBetween totals settled costs for created_at in [from, to).
// Timestamps are stored RFC3339 so lexical comparison matches temporal order.
func (r Repo) SumCostsBetween(ctx context.Context, from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT SUM(amount) FROM cost_log WHERE created_at >= ? AND created_at < ?`,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)).Scan(&total)
	if err != nil {
		return 0, err
	}
	if !total.Valid {
		return 0, nil
	}
	return total.Float64, nil
}
