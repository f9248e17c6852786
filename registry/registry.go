// Package registry owns the Job / JobItem state machine on top of a
// store.JobStore. Every transition goes through one atomic store call.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"storystudio/domain"
	"storystudio/idgen"
	"storystudio/obs"
	"storystudio/store"
)

type Registry struct {
	st  store.JobStore
	ids idgen.Generator
	log *slog.Logger
	now func() time.Time
}

func New(st store.JobStore, ids idgen.Generator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{st: st, ids: ids, log: logger.With("component", "registry"), now: time.Now}
}

// NewJob is the input to CreateJob. Inputs, when set, is indexed like Targets.
type NewJob struct {
	UserID    int64
	ProjectID int64
	JobType   domain.JobType
	Targets   []domain.Target
	Inputs    []json.RawMessage
	Meta      domain.JobMeta
}

// CreateJob persists a PENDING job with one PENDING item per target and
// returns immediately.
func (r *Registry) CreateJob(ctx context.Context, in NewJob) (*domain.Job, []domain.JobItem, error) {
	if !in.JobType.Valid() {
		return nil, nil, domain.Errorf(domain.CodeParamInvalid, "未知任务类型: %s", in.JobType)
	}
	if err := ValidateTargets(in.Targets); err != nil {
		return nil, nil, err
	}
	if len(in.Inputs) != 0 && len(in.Inputs) != len(in.Targets) {
		return nil, nil, fmt.Errorf("inputs length %d != targets %d", len(in.Inputs), len(in.Targets))
	}

	now := r.now()
	job := &domain.Job{
		ID:         r.ids.Next(),
		UserID:     in.UserID,
		ProjectID:  in.ProjectID,
		JobType:    in.JobType,
		Status:     domain.StatusPending,
		TotalItems: len(in.Targets),
		Meta:       in.Meta,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	items := make([]domain.JobItem, 0, len(in.Targets))
	for i, t := range in.Targets {
		it := domain.JobItem{
			ID:         r.ids.Next(),
			JobID:      job.ID,
			TargetType: t.Type,
			TargetID:   t.ID,
			Seq:        t.Seq,
			Status:     domain.StatusPending,
			CreatedAt:  now,
		}
		if len(in.Inputs) != 0 {
			it.Input = in.Inputs[i]
		}
		items = append(items, it)
	}
	if err := r.st.CreateJob(ctx, job, items); err != nil {
		return nil, nil, err
	}
	obs.RecordJobCreated(string(job.JobType))
	r.log.Info("job created", "jobId", job.ID, "userId", job.UserID, "jobType", job.JobType, "items", job.TotalItems)
	return job, items, nil
}

// ValidateTargets rejects an empty list and duplicate (type, id, seq) keys.
func ValidateTargets(targets []domain.Target) error {
	if len(targets) == 0 {
		return domain.Errorf(domain.CodeParamInvalid, "目标列表不能为空")
	}
	seen := make(map[domain.Target]struct{}, len(targets))
	for _, t := range targets {
		if t.Type == "" || t.ID <= 0 || t.Seq < 0 {
			return domain.Errorf(domain.CodeParamInvalid, "非法目标: %s/%d", t.Type, t.ID)
		}
		if _, dup := seen[t]; dup {
			return domain.Errorf(domain.CodeParamInvalid, "重复目标: %s/%d#%d", t.Type, t.ID, t.Seq)
		}
		seen[t] = struct{}{}
	}
	return nil
}

// Delete removes a job that never ran. Used when publishing its messages failed.
func (r *Registry) Delete(ctx context.Context, jobID int64) error {
	if err := r.st.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	r.log.Warn("job rolled back", "jobId", jobID)
	return nil
}

func (r *Registry) Get(ctx context.Context, jobID int64) (*domain.Job, error) {
	j, ok, err := r.st.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return j, nil
}

func (r *Registry) Item(ctx context.Context, itemID int64) (*domain.JobItem, error) {
	it, ok, err := r.st.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return it, nil
}

func (r *Registry) Items(ctx context.Context, jobID int64) ([]domain.JobItem, error) {
	return r.st.ListItems(ctx, jobID)
}

func (r *Registry) List(ctx context.Context, f domain.JobFilter) ([]domain.Job, int, error) {
	return r.st.ListJobs(ctx, f)
}

// StartItem claims an item. Started is false when the item or its job is
// already terminal; callers then ack without doing work.
func (r *Registry) StartItem(ctx context.Context, itemID int64) (domain.StartResult, error) {
	res, err := r.st.StartItem(ctx, itemID, r.now())
	if err != nil {
		return res, err
	}
	if res.Started {
		r.log.Debug("job item started", "jobId", res.Job.ID, "jobItemId", itemID, "attempt", res.Item.Attempts)
	}
	return res, nil
}

// CompleteItem is the only place doneItems moves. A completion for an item
// that is already terminal returns Applied=false and changes nothing.
func (r *Registry) CompleteItem(ctx context.Context, itemID int64, o domain.ItemOutcome) (domain.CompleteResult, error) {
	res, err := r.st.CompleteItem(ctx, itemID, o, r.now())
	if err != nil {
		return res, err
	}
	if !res.Applied {
		r.log.Info("job item already terminal", "jobId", res.Job.ID, "jobItemId", itemID, "status", res.Item.Status)
		return res, nil
	}
	if res.Finalized {
		obs.RecordJobFinalized(string(res.Job.JobType), string(res.Job.Status))
		r.log.Info("job finalized", "jobId", res.Job.ID, "status", res.Job.Status,
			"succeeded", res.Job.SucceededItems, "total", res.Job.TotalItems, "costPoints", res.Job.CostPoints)
	}
	return res, nil
}

func (r *Registry) Cancel(ctx context.Context, jobID int64) (*domain.Job, error) {
	j, err := r.st.CancelJob(ctx, jobID, r.now())
	if err != nil {
		return nil, err
	}
	obs.RecordJobFinalized(string(j.JobType), string(j.Status))
	r.log.Info("job canceled", "jobId", jobID, "done", j.DoneItems, "total", j.TotalItems)
	return j, nil
}

// Stale lists non-terminal items that outlived the watchdog windows.
func (r *Registry) Stale(ctx context.Context, runningFor, pendingFor time.Duration, limit int) ([]domain.JobItem, error) {
	now := r.now()
	return r.st.ListStaleItems(ctx, now.Add(-runningFor), now.Add(-pendingFor), limit)
}
