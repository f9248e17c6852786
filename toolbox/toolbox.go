// Package toolbox runs the synchronous text and image tools. They are charged
// up front and refunded when generation fails.
package toolbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"storystudio/assets"
	"storystudio/domain"
	"storystudio/ledger"
	"storystudio/provider"
	"storystudio/registry"
)

type TextRequest struct {
	UserID    int64  `json:"-"`
	ProjectID int64  `json:"projectId,string,omitempty"`
	Prompt    string `json:"prompt" validate:"required,max=8000"`
	System    string `json:"system,omitempty" validate:"omitempty,max=4000"`
	Model     string `json:"model,omitempty" validate:"omitempty,max=64"`
}

type ImageRequest struct {
	UserID      int64  `json:"-"`
	ProjectID   int64  `json:"projectId,string,omitempty"`
	Prompt      string `json:"prompt" validate:"required,max=4000"`
	Model       string `json:"model,omitempty" validate:"omitempty,max=64"`
	AspectRatio string `json:"aspectRatio,omitempty" validate:"omitempty,max=16"`
}

type Result struct {
	JobID       int64            `json:"jobId,string"`
	Status      domain.JobStatus `json:"status"`
	JobType     domain.JobType   `json:"jobType"`
	Model       string           `json:"model,omitempty"`
	Text        string           `json:"text,omitempty"`
	ResultURL   string           `json:"resultUrl,omitempty"`
	AspectRatio string           `json:"aspectRatio,omitempty"`
	CostPoints  int64            `json:"costPoints"`
}

type Service struct {
	reg     *registry.Registry
	ledger  *ledger.Ledger
	assets  *assets.Service
	text    provider.TextGenerator
	image   provider.ImageGenerator
	timeout time.Duration
	log     *slog.Logger
}

func New(reg *registry.Registry, l *ledger.Ledger, as *assets.Service, text provider.TextGenerator, image provider.ImageGenerator, timeout time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	return &Service{reg: reg, ledger: l, assets: as, text: text, image: image, timeout: timeout, log: logger.With("component", "toolbox")}
}

func (s *Service) GenerateText(ctx context.Context, req TextRequest) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, domain.Errorf(domain.CodeParamInvalid, "prompt 不能为空")
	}
	if s.text == nil {
		return nil, domain.Errorf(domain.CodeJobGenerationFailed, "文本生成未启用")
	}
	input, _ := json.Marshal(map[string]any{"prompt": req.Prompt, "model": req.Model})
	run, err := s.begin(ctx, req.UserID, req.ProjectID, domain.JobToolboxText, req.Model, "", input)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	out, err := s.text.GenerateText(pctx, provider.TextRequest{System: req.System, Prompt: req.Prompt, Model: req.Model})
	cancel()
	// the caller may be gone by now; bookkeeping must still land
	ctx = context.WithoutCancel(ctx)
	if err == nil && strings.TrimSpace(out) == "" {
		err = provider.Permanent(errors.New("模型返回为空"))
	}
	if err != nil {
		return nil, s.abort(ctx, run, err)
	}
	if err := s.finish(ctx, run, 0, ""); err != nil {
		return nil, err
	}
	return &Result{JobID: run.job.ID, Status: domain.StatusSucceeded, JobType: domain.JobToolboxText, Model: req.Model, Text: out, CostPoints: run.price}, nil
}

func (s *Service) GenerateImage(ctx context.Context, req ImageRequest) (*Result, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, domain.Errorf(domain.CodeParamInvalid, "prompt 不能为空")
	}
	if s.image == nil {
		return nil, domain.Errorf(domain.CodeJobGenerationFailed, "图片生成未启用")
	}
	input, _ := json.Marshal(map[string]any{"prompt": req.Prompt, "model": req.Model, "aspectRatio": req.AspectRatio})
	run, err := s.begin(ctx, req.UserID, req.ProjectID, domain.JobToolboxImage, req.Model, req.AspectRatio, input)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.timeout)
	art, err := s.image.GenerateImage(pctx, provider.ImageRequest{Prompt: req.Prompt, Model: req.Model, AspectRatio: req.AspectRatio})
	cancel()
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		return nil, s.abort(ctx, run, err)
	}
	_, url, err := s.assets.Store(ctx, req.ProjectID, domain.AssetShotImage, art.Data, art.ContentType)
	if err != nil {
		return nil, s.abort(ctx, run, err)
	}
	if err := s.finish(ctx, run, 0, url); err != nil {
		return nil, err
	}
	return &Result{JobID: run.job.ID, Status: domain.StatusSucceeded, JobType: domain.JobToolboxImage, Model: req.Model, ResultURL: url, AspectRatio: req.AspectRatio, CostPoints: run.price}, nil
}

type run struct {
	job    *domain.Job
	itemID int64
	userID int64
	price  int64
}

// begin records a one-item job and charges it. On insufficient balance the
// job is removed again and the error is returned as is.
func (s *Service) begin(ctx context.Context, userID, projectID int64, jt domain.JobType, model, aspect string, input json.RawMessage) (*run, error) {
	if userID <= 0 {
		return nil, domain.NewError(domain.CodeUnauthorized)
	}
	price, err := s.ledger.Price(ctx, string(jt), model, 1)
	if err != nil {
		return nil, err
	}
	target := domain.Target{Type: domain.TargetUser, ID: userID}
	if projectID > 0 {
		target = domain.Target{Type: domain.TargetProject, ID: projectID}
	}
	job, items, err := s.reg.CreateJob(ctx, registry.NewJob{
		UserID:    userID,
		ProjectID: projectID,
		JobType:   jt,
		Targets:   []domain.Target{target},
		Inputs:    []json.RawMessage{input},
		Meta:      domain.JobMeta{Model: model, AspectRatio: aspect},
	})
	if err != nil {
		return nil, err
	}
	r := &run{job: job, itemID: items[0].ID, userID: userID, price: price}
	if _, err := s.ledger.Charge(ctx, userID, price, domain.BizToolbox, bizID(job.ID)); err != nil {
		if derr := s.reg.Delete(ctx, job.ID); derr != nil {
			s.log.Error("remove uncharged toolbox job failed", "jobId", job.ID, "err", derr)
		}
		return nil, err
	}
	if _, err := s.reg.StartItem(ctx, r.itemID); err != nil {
		s.refund(ctx, r, "任务启动失败，退回积分")
		return nil, err
	}
	return r, nil
}

// finish completes the item. An item that was canceled meanwhile keeps no
// charge and the caller gets ErrJobCanceled instead of the result.
func (s *Service) finish(ctx context.Context, r *run, versionID int64, url string) error {
	res, err := s.reg.CompleteItem(ctx, r.itemID, domain.Success(versionID, r.price, url))
	if err != nil {
		return err
	}
	if !res.Applied && res.Item.Status != domain.StatusSucceeded {
		s.log.Info("toolbox job ended before completion", "jobId", r.job.ID, "itemStatus", res.Item.Status)
		s.refund(ctx, r, "任务已取消，退回积分")
		return domain.ErrJobCanceled
	}
	s.log.Info("toolbox job succeeded", "jobId", r.job.ID, "userId", r.userID, "jobType", r.job.JobType, "costPoints", r.price)
	return nil
}

// abort refunds the charge, fails the item and maps cause for the client.
func (s *Service) abort(ctx context.Context, r *run, cause error) error {
	s.log.Warn("toolbox generation failed", "jobId", r.job.ID, "userId", r.userID, "err", cause)
	s.refund(ctx, r, "生成失败，退回积分")
	msg := domain.CodeJobGenerationFailed.Message()
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		msg = "生成超时"
	case domain.CodeOf(cause) == domain.CodeAssetUploadFailed:
		msg = domain.CodeAssetUploadFailed.Message()
	}
	if _, err := s.reg.CompleteItem(ctx, r.itemID, domain.Failure(msg)); err != nil {
		s.log.Error("complete failed toolbox item", "jobId", r.job.ID, "err", err)
	}
	if domain.CodeOf(cause) == domain.CodeAssetUploadFailed {
		return domain.Wrap(domain.CodeAssetUploadFailed, cause)
	}
	return &domain.Error{Code: domain.CodeJobGenerationFailed, Msg: msg, Err: cause}
}

func (s *Service) refund(ctx context.Context, r *run, remark string) {
	if _, _, err := s.ledger.Refund(ctx, r.userID, r.price, domain.BizToolbox, bizID(r.job.ID), remark); err != nil {
		s.log.Error("toolbox refund failed", "jobId", r.job.ID, "userId", r.userID, "points", r.price, "err", err)
	}
}

func bizID(jobID int64) string { return strconv.FormatInt(jobID, 10) }
