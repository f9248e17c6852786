package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"storystudio/domain"
)

const (
	jobColumns = `id, user_id, project_id, job_type, status, total_items, done_items, succeeded_items,
        cost_points, started_at, finished_at, error_message, result_url, meta, created_at, updated_at`
	itemColumns = `id, job_id, target_type, target_id, seq, status, input, output_asset_version_id,
        cost_points, result_url, error_message, attempts, started_at, finished_at, created_at`

	insertJobQuery = `
        INSERT INTO jobs (` + jobColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`
	insertItemQuery = `
        INSERT INTO job_items (` + itemColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7::text, '')::jsonb, $8, $9, $10, $11, $12, $13, $14, $15)`
	updateJobQuery = `
        UPDATE jobs SET status = $2, done_items = $3, succeeded_items = $4, cost_points = $5,
            started_at = $6, finished_at = $7, error_message = $8, result_url = $9, updated_at = $10
        WHERE id = $1`
	updateItemQuery = `
        UPDATE job_items SET status = $2, output_asset_version_id = $3, cost_points = $4, result_url = $5,
            error_message = $6, attempts = $7, started_at = $8, finished_at = $9
        WHERE id = $1`
	cancelOpenItemsQuery = `
        UPDATE job_items SET status = 'CANCELED', finished_at = $2
        WHERE job_id = $1 AND status IN ('PENDING', 'RUNNING')`
	staleItemsQuery = `
        SELECT ` + itemColumns + ` FROM job_items
        WHERE (status = 'RUNNING' AND started_at < $1) OR (status = 'PENDING' AND created_at < $2)
        ORDER BY id LIMIT $3`
)

func (s *Store) CreateJob(ctx context.Context, job *domain.Job, items []domain.JobItem) error {
	if job == nil || job.ID == 0 {
		return domain.Errorf(domain.CodeParamInvalid, "job/id 为空")
	}
	meta, err := json.Marshal(job.Meta)
	if err != nil {
		return fmt.Errorf("marshal job meta: %w", err)
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertJobQuery,
			job.ID, job.UserID, job.ProjectID, job.JobType, job.Status, job.TotalItems, job.DoneItems,
			job.SucceededItems, job.CostPoints, job.StartedAt, job.FinishedAt, job.ErrorMessage,
			job.ResultURL, meta, job.CreatedAt, job.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.Errorf(domain.CodeDuplicate, "job 已存在: %d", job.ID)
			}
			return fmt.Errorf("insert job %d: %w", job.ID, err)
		}
		batch := &pgx.Batch{}
		for _, it := range items {
			batch.Queue(insertItemQuery,
				it.ID, job.ID, it.TargetType, it.TargetID, it.Seq, it.Status, string(it.Input),
				it.OutputAssetVersionID, it.CostPoints, it.ResultURL, it.ErrorMessage, it.Attempts,
				it.StartedAt, it.FinishedAt, it.CreatedAt)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			if isUniqueViolation(err) {
				return domain.Errorf(domain.CodeDuplicate, "重复的子任务目标")
			}
			return fmt.Errorf("insert job items: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteJob(ctx context.Context, jobID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("delete job %d: %w", jobID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID int64) (*domain.Job, bool, error) {
	return getJob(ctx, s.pool, jobID, false)
}

func getJob(ctx context.Context, db DBTX, jobID int64, forUpdate bool) (*domain.Job, bool, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var j domain.Job
	if err := pgxscan.Get(ctx, db, &j, q, jobID); err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get job %d: %w", jobID, err)
	}
	return &j, true, nil
}

func (s *Store) GetItem(ctx context.Context, itemID int64) (*domain.JobItem, bool, error) {
	return getItem(ctx, s.pool, itemID, false)
}

func getItem(ctx context.Context, db DBTX, itemID int64, forUpdate bool) (*domain.JobItem, bool, error) {
	q := `SELECT ` + itemColumns + ` FROM job_items WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var it domain.JobItem
	if err := pgxscan.Get(ctx, db, &it, q, itemID); err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get job item %d: %w", itemID, err)
	}
	return &it, true, nil
}

func (s *Store) ListItems(ctx context.Context, jobID int64) ([]domain.JobItem, error) {
	items := make([]domain.JobItem, 0)
	q := `SELECT ` + itemColumns + ` FROM job_items WHERE job_id = $1 ORDER BY id`
	if err := pgxscan.Select(ctx, s.pool, &items, q, jobID); err != nil {
		return nil, fmt.Errorf("list job items %d: %w", jobID, err)
	}
	return items, nil
}

func (s *Store) ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != 0 {
		add("user_id = $%d", f.UserID)
	}
	if f.ProjectID != 0 {
		add("project_id = $%d", f.ProjectID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.JobType != "" {
		add("job_type = $%d", f.JobType)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	offset, limit := f.Window()
	q := fmt.Sprintf(`SELECT %s FROM jobs%s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		jobColumns, clause, limit, offset)
	jobs := make([]domain.Job, 0)
	if err := pgxscan.Select(ctx, s.pool, &jobs, q, args...); err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, total, nil
}

// lockItem locks the job row before the item row; CancelJob takes the same order.
func lockItem(ctx context.Context, tx pgx.Tx, itemID int64) (*domain.JobItem, *domain.Job, error) {
	var jobID int64
	if err := tx.QueryRow(ctx, `SELECT job_id FROM job_items WHERE id = $1`, itemID).Scan(&jobID); err != nil {
		if noRows(err) {
			return nil, nil, domain.ErrJobNotFound
		}
		return nil, nil, fmt.Errorf("lookup job item %d: %w", itemID, err)
	}
	j, ok, err := getJob(ctx, tx, jobID, true)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, domain.ErrJobNotFound
	}
	it, ok, err := getItem(ctx, tx, itemID, true)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, domain.ErrJobNotFound
	}
	return it, j, nil
}

func writeJob(ctx context.Context, tx pgx.Tx, j *domain.Job) error {
	_, err := tx.Exec(ctx, updateJobQuery, j.ID, j.Status, j.DoneItems, j.SucceededItems, j.CostPoints,
		j.StartedAt, j.FinishedAt, j.ErrorMessage, j.ResultURL, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update job %d: %w", j.ID, err)
	}
	return nil
}

func writeItem(ctx context.Context, tx pgx.Tx, it *domain.JobItem) error {
	_, err := tx.Exec(ctx, updateItemQuery, it.ID, it.Status, it.OutputAssetVersionID, it.CostPoints,
		it.ResultURL, it.ErrorMessage, it.Attempts, it.StartedAt, it.FinishedAt)
	if err != nil {
		return fmt.Errorf("update job item %d: %w", it.ID, err)
	}
	return nil
}

func (s *Store) StartItem(ctx context.Context, itemID int64, now time.Time) (domain.StartResult, error) {
	var res domain.StartResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		it, j, err := lockItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if it.Status.Terminal() || j.Status.Terminal() {
			res = domain.StartResult{Item: *it, Job: *j}
			return nil
		}
		it.Status = domain.StatusRunning
		it.Attempts++
		if it.StartedAt == nil {
			t := now
			it.StartedAt = &t
		}
		if err := writeItem(ctx, tx, it); err != nil {
			return err
		}
		if j.Status == domain.StatusPending {
			t := now
			j.Status = domain.StatusRunning
			j.StartedAt = &t
			j.UpdatedAt = now
			if err := writeJob(ctx, tx, j); err != nil {
				return err
			}
		}
		res = domain.StartResult{Started: true, Item: *it, Job: *j}
		return nil
	})
	return res, err
}

func (s *Store) CompleteItem(ctx context.Context, itemID int64, o domain.ItemOutcome, now time.Time) (domain.CompleteResult, error) {
	var res domain.CompleteResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		it, j, err := lockItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if it.Status.Terminal() {
			res = domain.CompleteResult{Item: *it, Job: *j}
			return nil
		}
		it.ApplyOutcome(o, now)
		if err := writeItem(ctx, tx, it); err != nil {
			return err
		}
		finalized := j.ApplyOutcome(o, now)
		if err := writeJob(ctx, tx, j); err != nil {
			return err
		}
		res = domain.CompleteResult{Applied: true, Finalized: finalized, Item: *it, Job: *j}
		return nil
	})
	return res, err
}

func (s *Store) CancelJob(ctx context.Context, jobID int64, now time.Time) (*domain.Job, error) {
	var out *domain.Job
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		j, ok, err := getJob(ctx, tx, jobID, true)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrJobNotFound
		}
		switch j.Status {
		case domain.StatusCanceled:
			return domain.ErrJobCanceled
		case domain.StatusSucceeded, domain.StatusFailed:
			return domain.ErrJobCompleted
		}
		t := now
		j.Status = domain.StatusCanceled
		j.FinishedAt = &t
		j.UpdatedAt = now
		if err := writeJob(ctx, tx, j); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, cancelOpenItemsQuery, jobID, now); err != nil {
			return fmt.Errorf("cancel job items %d: %w", jobID, err)
		}
		out = j
		return nil
	})
	return out, err
}

func (s *Store) ListStaleItems(ctx context.Context, runningBefore, pendingBefore time.Time, limit int) ([]domain.JobItem, error) {
	if limit <= 0 {
		limit = 1000
	}
	items := make([]domain.JobItem, 0)
	if err := pgxscan.Select(ctx, s.pool, &items, staleItemsQuery, runningBefore, pendingBefore, limit); err != nil {
		return nil, fmt.Errorf("list stale items: %w", err)
	}
	return items, nil
}
