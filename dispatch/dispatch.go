// Package dispatch accepts generation requests, turns them into jobs and
// publishes one queue message per job item.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"storystudio/assets"
	"storystudio/catalog"
	"storystudio/domain"
	"storystudio/mq"
	"storystudio/registry"
)

type Dispatcher struct {
	reg      *registry.Registry
	cat      catalog.Catalog
	assets   *assets.Service
	pub      mq.Publisher
	validate *validator.Validate
	log      *slog.Logger
}

func New(reg *registry.Registry, cat catalog.Catalog, as *assets.Service, pub mq.Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		reg:      reg,
		cat:      cat,
		assets:   as,
		pub:      pub,
		validate: newValidator(),
		log:      logger.With("component", "dispatch"),
	}
}

// SubmitBatch creates one item per surviving target and copy. MISSING mode
// drops targets whose slot already has a READY current version.
func (d *Dispatcher) SubmitBatch(ctx context.Context, msg domain.BatchTaskMessage) (*domain.Job, error) {
	if err := d.validate.Struct(msg); err != nil {
		return nil, validationError(err)
	}
	targetType, _ := msg.JobType.BatchTarget()
	if msg.Mode == "" {
		msg.Mode = domain.ModeAll
	}
	if msg.CountPerItem <= 0 {
		msg.CountPerItem = 1
	}
	if err := uniqueIDs(msg.TargetIDs); err != nil {
		return nil, err
	}
	project, err := d.ownedProject(ctx, msg.UserID, msg.ProjectID)
	if err != nil {
		return nil, err
	}
	entities, err := d.cat.Entities(ctx, msg.ProjectID, targetType, msg.TargetIDs)
	if err != nil {
		return nil, fmt.Errorf("load targets: %w", err)
	}
	if len(entities) != len(msg.TargetIDs) {
		return nil, missingTargets(targetType, msg.TargetIDs, entities)
	}

	ids := append([]int64(nil), msg.TargetIDs...)
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	if msg.Mode == domain.ModeMissing {
		ids, err = d.filterMissing(ctx, msg.ProjectID, msg.JobType, targetType, ids)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, domain.Errorf(domain.CodeParamInvalid, "所选目标均已有可用的当前版本")
		}
	}

	targets := make([]domain.Target, 0, len(ids)*msg.CountPerItem)
	for _, id := range ids {
		for seq := 0; seq < msg.CountPerItem; seq++ {
			targets = append(targets, domain.Target{Type: targetType, ID: id, Seq: seq})
		}
	}
	aspect := strings.TrimSpace(msg.AspectRatio)
	if aspect == "" {
		aspect = project.AspectRatio
	}
	job, items, err := d.reg.CreateJob(ctx, registry.NewJob{
		UserID:    msg.UserID,
		ProjectID: msg.ProjectID,
		JobType:   msg.JobType,
		Targets:   targets,
		Meta: domain.JobMeta{
			Mode:         msg.Mode,
			CountPerItem: msg.CountPerItem,
			AspectRatio:  aspect,
			Model:        msg.Model,
		},
	})
	if err != nil {
		return nil, err
	}
	base := domain.TaskMessage{
		JobID:       job.ID,
		UserID:      job.UserID,
		ProjectID:   job.ProjectID,
		JobType:     job.JobType,
		AspectRatio: aspect,
		Model:       msg.Model,
	}
	if err := d.publish(ctx, job, items, base); err != nil {
		return nil, err
	}
	return job, nil
}

// SubmitParseText creates a single PARSE_TEXT item targeting the project.
func (d *Dispatcher) SubmitParseText(ctx context.Context, msg domain.TextParsingMessage) (*domain.Job, error) {
	if err := d.validate.Struct(msg); err != nil {
		return nil, validationError(err)
	}
	if strings.TrimSpace(msg.RawText) == "" {
		return nil, domain.Errorf(domain.CodeParamInvalid, "剧本内容不能为空")
	}
	if _, err := d.ownedProject(ctx, msg.UserID, msg.ProjectID); err != nil {
		return nil, err
	}
	input, _ := json.Marshal(map[string]any{"textLength": len([]rune(msg.RawText))})
	job, items, err := d.reg.CreateJob(ctx, registry.NewJob{
		UserID:    msg.UserID,
		ProjectID: msg.ProjectID,
		JobType:   domain.JobParseText,
		Targets:   []domain.Target{{Type: domain.TargetProject, ID: msg.ProjectID}},
		Inputs:    []json.RawMessage{input},
		Meta:      domain.JobMeta{Model: msg.Model},
	})
	if err != nil {
		return nil, err
	}
	base := domain.TaskMessage{
		JobID:     job.ID,
		UserID:    job.UserID,
		ProjectID: job.ProjectID,
		JobType:   job.JobType,
		Model:     msg.Model,
		RawText:   msg.RawText,
		APIKey:    msg.APIKey,
	}
	if err := d.publish(ctx, job, items, base); err != nil {
		return nil, err
	}
	return job, nil
}

// SubmitExport creates a single EXPORT_ZIP item targeting the project.
func (d *Dispatcher) SubmitExport(ctx context.Context, msg domain.ExportMessage) (*domain.Job, error) {
	if err := d.validate.Struct(msg); err != nil {
		return nil, validationError(err)
	}
	if !msg.ExportCharacters && !msg.ExportScenes && !msg.ExportShotImages && !msg.ExportVideos {
		return nil, domain.Errorf(domain.CodeParamInvalid, "至少选择一类导出内容")
	}
	if _, err := d.ownedProject(ctx, msg.UserID, msg.ProjectID); err != nil {
		return nil, err
	}
	input, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	job, items, err := d.reg.CreateJob(ctx, registry.NewJob{
		UserID:    msg.UserID,
		ProjectID: msg.ProjectID,
		JobType:   domain.JobExportZip,
		Targets:   []domain.Target{{Type: domain.TargetProject, ID: msg.ProjectID}},
		Inputs:    []json.RawMessage{input},
		Meta:      domain.JobMeta{Extra: msg},
	})
	if err != nil {
		return nil, err
	}
	export := msg
	base := domain.TaskMessage{
		JobID:     job.ID,
		UserID:    job.UserID,
		ProjectID: job.ProjectID,
		JobType:   job.JobType,
		Export:    &export,
	}
	if err := d.publish(ctx, job, items, base); err != nil {
		return nil, err
	}
	return job, nil
}

// publish sends one message per item. A failure before the first message
// deletes the job. Once a message is out a worker may already be charging
// for it, so the job stays and the unsent items are failed instead.
func (d *Dispatcher) publish(ctx context.Context, job *domain.Job, items []domain.JobItem, base domain.TaskMessage) error {
	route, err := mq.RouteFor(job.JobType)
	if err != nil {
		d.rollback(job.ID)
		return err
	}
	for i, it := range items {
		m := base
		m.JobItemID = it.ID
		m.TargetType = it.TargetType
		m.TargetID = it.TargetID
		m.Seq = it.Seq
		body, err := json.Marshal(m)
		if err == nil {
			err = d.pub.Publish(ctx, route.Queue, body)
		}
		if err == nil {
			continue
		}
		d.log.Error("publish task failed", "jobId", job.ID, "jobItemId", it.ID, "queue", route.Queue, "published", i, "err", err)
		if i == 0 {
			d.rollback(job.ID)
			return domain.Wrap(domain.CodeSystem, err)
		}
		d.failUnsent(ctx, job, items[i:])
		return nil
	}
	d.log.Info("job dispatched", "jobId", job.ID, "queue", route.Queue, "items", len(items))
	return nil
}

func (d *Dispatcher) failUnsent(ctx context.Context, job *domain.Job, items []domain.JobItem) {
	ctx = context.WithoutCancel(ctx)
	for _, it := range items {
		res, err := d.reg.CompleteItem(ctx, it.ID, domain.Failure("任务投递失败"))
		if err != nil {
			d.log.Error("fail unsent job item", "jobId", job.ID, "jobItemId", it.ID, "err", err)
			continue
		}
		*job = res.Job
	}
}

func (d *Dispatcher) rollback(jobID int64) {
	if err := d.reg.Delete(context.Background(), jobID); err != nil {
		d.log.Error("rollback job failed", "jobId", jobID, "err", err)
	}
}

func (d *Dispatcher) ownedProject(ctx context.Context, userID, projectID int64) (*catalog.Project, error) {
	p, ok, err := d.cat.Project(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if !ok {
		return nil, domain.NewError(domain.CodeProjectNotFound)
	}
	if p.UserID != userID {
		return nil, domain.ErrAccessDenied
	}
	return p, nil
}

func (d *Dispatcher) filterMissing(ctx context.Context, projectID int64, jobType domain.JobType, tt domain.TargetType, ids []int64) ([]int64, error) {
	out := ids[:0]
	for _, id := range ids {
		key, ok := assets.KeyFor(projectID, jobType, tt, id)
		if !ok {
			out = append(out, id)
			continue
		}
		ready, err := d.assets.HasReadyCurrent(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check current asset: %w", err)
		}
		if !ready {
			out = append(out, id)
		}
	}
	return out, nil
}

func uniqueIDs(ids []int64) error {
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return domain.Errorf(domain.CodeParamInvalid, "非法目标 id: %d", id)
		}
		if _, dup := seen[id]; dup {
			return domain.Errorf(domain.CodeParamInvalid, "目标 id 重复: %d", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func missingTargets(tt domain.TargetType, want []int64, got []catalog.Entity) error {
	have := make(map[int64]struct{}, len(got))
	for _, e := range got {
		have[e.ID] = struct{}{}
	}
	for _, id := range want {
		if _, ok := have[id]; !ok {
			if tt == domain.TargetShot {
				return domain.Errorf(domain.CodeShotNotFound, "分镜不存在: %d", id)
			}
			return domain.Errorf(domain.CodeNotFound, "%s 不存在: %d", tt, id)
		}
	}
	return domain.NewError(domain.CodeNotFound)
}
