package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storystudio/domain"
	"storystudio/mq"
)

// deadLetter fails the item named by a message that ran out of attempts.
// A no-op when the item is already terminal.
func (w *Worker) deadLetter(ctx context.Context, m mq.Message, t domain.TaskMessage) error {
	msg := "重试次数耗尽"
	if m.LastError != "" {
		msg = "重试次数耗尽: " + lastErrorMessage(m.LastError)
	}
	res, err := w.Registry.CompleteItem(ctx, t.JobItemID, domain.Failure(msg))
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return mq.Terminal(err)
		}
		return err
	}
	w.log.Warn("dead-lettered job item", "jobId", t.JobID, "jobItemId", t.JobItemID, "origin", m.Origin, "applied", res.Applied, "lastError", m.LastError)
	return w.undo(ctx, res)
}

// undo reverses what a handler left behind for an item that ended FAILED or
// CANCELED without the handler finishing: the charge recorded under the item,
// and the current pointer if it still points at the version the item wrote.
// Both steps are idempotent.
func (w *Worker) undo(ctx context.Context, res domain.CompleteResult) error {
	it := res.Item
	if it.Status != domain.StatusFailed && it.Status != domain.StatusCanceled {
		return nil
	}
	// toolbox jobs are charged once per job rather than per item
	bizType, key := domain.BizJobItem, bizID(it.ID)
	if res.Job.JobType == domain.JobToolboxText || res.Job.JobType == domain.JobToolboxImage {
		bizType, key = domain.BizToolbox, bizID(res.Job.ID)
	}
	tx, refunded, err := w.Ledger.Refund(ctx, res.Job.UserID, 0, bizType, key, "任务失败，退回积分")
	if err != nil {
		return fmt.Errorf("refund item %d: %w", it.ID, err)
	}
	if refunded {
		w.log.Warn("refunded charge of failed job item", "jobId", it.JobID, "jobItemId", it.ID, "points", tx.Amount)
	}
	v, ok, err := w.Assets.VersionForItem(ctx, it.ID)
	if err != nil {
		return err
	}
	if ok && v.IsCurrent {
		if _, err := w.Assets.RollbackCurrent(ctx, v.AssetID, v.ID, v.PreviousCurrentID); err != nil {
			return fmt.Errorf("rollback current of item %d: %w", it.ID, err)
		}
	}
	return nil
}

func lastErrorMessage(raw string) string {
	low := strings.ToLower(raw)
	if strings.Contains(low, "deadline exceeded") || strings.Contains(low, "timeout") {
		return "生成超时"
	}
	return domain.CodeJobGenerationFailed.Message()
}

// RunWatchdog sweeps stale items until ctx is done.
func (w *Worker) RunWatchdog(ctx context.Context) error {
	t := time.NewTicker(w.cfg.WatchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n, err := w.Sweep(ctx); err != nil {
				w.log.Error("watchdog sweep failed", "err", err)
			} else if n > 0 {
				w.log.Warn("watchdog failed stale job items", "count", n)
			}
		}
	}
}

// Sweep fails RUNNING items older than ItemTimeout and PENDING items older
// than PendingTimeout. Only one process sweeps at a time.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	release, ok, err := w.Locker.Hold(ctx, "watchdog", w.cfg.WatchdogInterval, w.cfg.WatchdogInterval/3)
	if err != nil || !ok {
		return 0, err
	}
	defer release()

	stale, err := w.Registry.Stale(ctx, w.cfg.ItemTimeout, w.cfg.PendingTimeout, 200)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range stale {
		reason := "执行超时"
		if it.Status == domain.StatusPending {
			reason = "排队超时"
		}
		res, err := w.Registry.CompleteItem(ctx, it.ID, domain.Failure(reason))
		if err != nil {
			return n, err
		}
		if res.Applied {
			n++
			w.log.Warn("watchdog failed job item", "jobId", it.JobID, "jobItemId", it.ID, "status", it.Status)
		}
		if err := w.undo(ctx, res); err != nil {
			return n, err
		}
	}
	return n, nil
}
