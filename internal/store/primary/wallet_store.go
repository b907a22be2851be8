package primary

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"drospect/internal/store"
)

// --- Wallet Store Implementation ---

// RefundTask stamps refunded_at and credits the wallet in one transaction.
func (s *StoreImpl) RefundTask(ctx context.Context, taskID string, amount int, reason string) (bool, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin refund for task %s: %w", taskID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var accountID string
	err = tx.QueryRow(ctx, `
		UPDATE orthomosaic_tasks SET refunded_at = now(), updated_at = now()
		WHERE id = $1 AND refunded_at IS NULL
		RETURNING account_id`, taskID).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orthomosaic_tasks WHERE id = $1)`, taskID).Scan(&exists); err != nil {
			return false, fmt.Errorf("check task %s: %w", taskID, err)
		}
		if !exists {
			return false, fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stamp refund marker for task %s: %w", taskID, err)
	}

	if amount > 0 {
		if err := creditWallet(ctx, tx, accountID, amount); err != nil {
			return false, err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO credit_transactions (account_id, task_id, amount, kind, reason)
			 VALUES ($1, $2, $3, 'refund', $4)`, accountID, taskID, amount, reason); err != nil {
			return false, fmt.Errorf("record refund for task %s: %w", taskID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit refund for task %s: %w", taskID, err)
	}
	return true, nil
}

func (s *StoreImpl) Balance(ctx context.Context, accountID string) (int, error) {
	var credits int
	err := s.db.QueryRow(ctx, `SELECT credits FROM wallets WHERE account_id = $1`, accountID).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("wallet %s: %w", accountID, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get balance for %s: %w", accountID, err)
	}
	return credits, nil
}

func (s *StoreImpl) Deposit(ctx context.Context, accountID string, amount int, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin deposit for %s: %w", accountID, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := creditWallet(ctx, tx, accountID, amount); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (account_id, amount, kind, reason) VALUES ($1, $2, 'deposit', $3)`,
		accountID, amount, reason); err != nil {
		return fmt.Errorf("record deposit for %s: %w", accountID, err)
	}
	return tx.Commit(ctx)
}

func creditWallet(ctx context.Context, tx pgx.Tx, accountID string, amount int) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (account_id, credits) VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET credits = wallets.credits + EXCLUDED.credits, updated_at = now()`,
		accountID, amount)
	if err != nil {
		return fmt.Errorf("credit account %s: %w", accountID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
