package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"drospect/internal/store"
)

func (s *Store) RefundTask(ctx context.Context, taskID string, amount int, reason string) (bool, error) {
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		res := tx.Model(&taskRow{}).
			Where("id = ? AND refunded_at IS NULL", taskID).
			Updates(map[string]any{"refunded_at": now, "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("stamp refund marker for task %s: %w", taskID, res.Error)
		}

		var row taskRow
		if err := tx.Select("id", "account_id").First(&row, "id = ?", taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("task %s: %w", taskID, store.ErrNotFound)
			}
			return fmt.Errorf("load task %s: %w", taskID, err)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if amount > 0 {
			if err := creditWallet(tx, row.AccountID, amount, now); err != nil {
				return err
			}
			id := taskID
			if err := tx.Create(&creditTxRow{
				AccountID: row.AccountID, TaskID: &id, Amount: amount, Kind: "refund", Reason: reason,
			}).Error; err != nil {
				return fmt.Errorf("record refund for task %s: %w", taskID, err)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *Store) Balance(ctx context.Context, accountID string) (int, error) {
	var w walletRow
	err := s.db.WithContext(ctx).First(&w, "account_id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("wallet %s: %w", accountID, store.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("get balance for %s: %w", accountID, err)
	}
	return w.Credits, nil
}

func (s *Store) Deposit(ctx context.Context, accountID string, amount int, reason string) error {
	if amount <= 0 {
		return fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := creditWallet(tx, accountID, amount, time.Now().UTC()); err != nil {
			return err
		}
		if err := tx.Create(&creditTxRow{AccountID: accountID, Amount: amount, Kind: "deposit", Reason: reason}).Error; err != nil {
			return fmt.Errorf("record deposit for %s: %w", accountID, err)
		}
		return nil
	})
}

func creditWallet(tx *gorm.DB, accountID string, amount int, now time.Time) error {
	res := tx.Model(&walletRow{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{"credits": gorm.Expr("credits + ?", amount), "updated_at": now})
	if res.Error != nil {
		return fmt.Errorf("credit account %s: %w", accountID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	if err := tx.Create(&walletRow{AccountID: accountID, Credits: amount, UpdatedAt: now}).Error; err != nil {
		return fmt.Errorf("create wallet %s: %w", accountID, err)
	}
	return nil
}
