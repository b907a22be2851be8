package services

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"drospect/internal/metrics"
	"drospect/internal/models"
	"drospect/internal/store"
)

// DefaultCreditsPerImage is charged at start and returned on refund.
const DefaultCreditsPerImage = 2

// RefundCoordinator returns a task's credits at most once.
type RefundCoordinator struct {
	wallets  store.WalletStore
	perImage int
	timeout  time.Duration
}

func NewRefundCoordinator(wallets store.WalletStore, perImage int) *RefundCoordinator {
	if perImage <= 0 {
		perImage = DefaultCreditsPerImage
	}
	return &RefundCoordinator{wallets: wallets, perImage: perImage, timeout: 30 * time.Second}
}

// Charge is the credit cost of processing imagesCount images.
func (r *RefundCoordinator) Charge(imagesCount int) int {
	return imagesCount * r.perImage
}

// Refund credits the task's account and stamps its refund marker. It reports
// whether this call applied the refund. Errors are logged, never returned, so
// they cannot mask the failure that triggered the refund.
func (r *RefundCoordinator) Refund(ctx context.Context, task *models.Task, reason string) bool {
	// the refund must land even when the triggering request was cancelled
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	amount := r.Charge(task.ImagesCount)
	logger := log.WithFields(log.Fields{
		"component":  "refund",
		"task_id":    task.ID,
		"account_id": task.AccountID,
		"amount":     amount,
	})

	applied, err := r.wallets.RefundTask(ctx, task.ID, amount, reason)
	if err != nil {
		logger.WithError(err).Warn("refund failed")
		return false
	}
	if !applied {
		logger.Debug("refund already applied")
		return false
	}
	metrics.RefundsIssued.Inc()
	metrics.CreditsRefunded.Add(float64(amount))
	logger.WithField("reason", reason).Info("credits refunded")
	return true
}

// failTask moves a non-terminal task to failed and refunds it. Only the caller
// whose write lands issues the refund, so a task that completed or was
// cancelled meanwhile is left alone.
func failTask(ctx context.Context, tasks store.TaskStore, refunds *RefundCoordinator, task *models.Task, msg string) bool {
	ctx = context.WithoutCancel(ctx)
	written, err := tasks.UpdateTask(ctx, task.ID, models.Transition(models.TaskStatusFailed).WithError(msg))
	logger := log.WithFields(log.Fields{"task_id": task.ID, "project_id": task.ProjectID})
	if err != nil {
		logger.WithError(err).Error("failed to record task failure")
		return false
	}
	if !written {
		logger.Debug("task already terminal, failure not recorded")
		return false
	}
	metrics.TasksFinished.WithLabelValues(string(models.TaskStatusFailed)).Inc()
	logger.WithField("error", msg).Error("task failed")
	refunds.Refund(ctx, task, msg)
	return true
}
