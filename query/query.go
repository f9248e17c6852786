// Package query is the read facade used by the polling surface.
package query

import (
	"context"
	"time"

	"storystudio/domain"
	"storystudio/registry"
)

// ItemView is one JobItem as shown to clients.
type ItemView struct {
	ID                   int64             `json:"id,string"`
	TargetType           domain.TargetType `json:"targetType"`
	TargetID             int64             `json:"targetId,string"`
	Seq                  int               `json:"seq"`
	Status               domain.JobStatus  `json:"status"`
	OutputAssetVersionID *int64            `json:"outputAssetVersionId,string,omitempty"`
	CostPoints           int64             `json:"costPoints"`
	ResultURL            string            `json:"resultUrl,omitempty"`
	ErrorMessage         string            `json:"errorMessage,omitempty"`
	Attempts             int               `json:"attempts"`
}

type JobView struct {
	ID             int64            `json:"id,string"`
	ProjectID      int64            `json:"projectId,string"`
	JobType        domain.JobType   `json:"jobType"`
	Status         domain.JobStatus `json:"status"`
	Progress       int              `json:"progress"`
	TotalItems     int              `json:"totalItems"`
	DoneItems      int              `json:"doneItems"`
	SucceededItems int              `json:"succeededItems"`
	CostPoints     int64            `json:"costPoints"`
	ElapsedSeconds int64            `json:"elapsedSeconds"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	ResultURL      string           `json:"resultUrl,omitempty"`
	AllImageURLs   []string         `json:"allImageUrls"`
	CreatedAt      time.Time        `json:"createdAt"`
	FinishedAt     *time.Time       `json:"finishedAt,omitempty"`
	Items          []ItemView       `json:"items,omitempty"`
}

type Page[T any] struct {
	List     []T `json:"list"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

type Facade struct {
	reg *registry.Registry
	now func() time.Time
}

func New(reg *registry.Registry) *Facade {
	return &Facade{reg: reg, now: time.Now}
}

// Job returns the job with its items. Jobs of other users are ACCESS_DENIED.
func (f *Facade) Job(ctx context.Context, userID, jobID int64) (*JobView, error) {
	job, err := f.owned(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}
	items, err := f.reg.Items(ctx, jobID)
	if err != nil {
		return nil, err
	}
	v := f.view(job)
	v.Items = make([]ItemView, 0, len(items))
	for _, it := range items {
		v.Items = append(v.Items, ItemView{
			ID:                   it.ID,
			TargetType:           it.TargetType,
			TargetID:             it.TargetID,
			Seq:                  it.Seq,
			Status:               it.Status,
			OutputAssetVersionID: it.OutputAssetVersionID,
			CostPoints:           it.CostPoints,
			ResultURL:            it.ResultURL,
			ErrorMessage:         it.ErrorMessage,
			Attempts:             it.Attempts,
		})
		if it.Status == domain.StatusSucceeded && it.ResultURL != "" {
			v.AllImageURLs = append(v.AllImageURLs, it.ResultURL)
		}
	}
	return v, nil
}

// ListJobs returns the caller's jobs newest first, without items.
func (f *Facade) ListJobs(ctx context.Context, filter domain.JobFilter) (Page[JobView], error) {
	jobs, total, err := f.reg.List(ctx, filter)
	if err != nil {
		return Page[JobView]{}, err
	}
	offset, limit := filter.Window()
	out := Page[JobView]{List: make([]JobView, 0, len(jobs)), Total: total, Page: offset/limit + 1, PageSize: limit}
	for i := range jobs {
		out.List = append(out.List, *f.view(&jobs[i]))
	}
	return out, nil
}

// Cancel cancels a job owned by userID.
func (f *Facade) Cancel(ctx context.Context, userID, jobID int64) (*JobView, error) {
	if _, err := f.owned(ctx, userID, jobID); err != nil {
		return nil, err
	}
	job, err := f.reg.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return f.view(job), nil
}

func (f *Facade) owned(ctx context.Context, userID, jobID int64) (*domain.Job, error) {
	job, err := f.reg.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, domain.NewError(domain.CodeAccessDenied)
	}
	return job, nil
}

func (f *Facade) view(j *domain.Job) *JobView {
	return &JobView{
		ID:             j.ID,
		ProjectID:      j.ProjectID,
		JobType:        j.JobType,
		Status:         j.Status,
		Progress:       j.Progress(),
		TotalItems:     j.TotalItems,
		DoneItems:      j.DoneItems,
		SucceededItems: j.SucceededItems,
		CostPoints:     j.CostPoints,
		ElapsedSeconds: j.ElapsedSeconds(f.now()),
		ErrorMessage:   j.ErrorMessage,
		ResultURL:      j.ResultURL,
		AllImageURLs:   []string{},
		CreatedAt:      j.CreatedAt,
		FinishedAt:     j.FinishedAt,
	}
}
