package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"storystudio/assets"
	"storystudio/catalog"
	"storystudio/domain"
	"storystudio/mq"
	"storystudio/provider"
)

// generate runs one image or video item:
// claim -> provider -> object store -> new current version -> charge -> complete.
func (w *Worker) generate(ctx context.Context, m mq.Message, t domain.TaskMessage) error {
	release, _, err := w.claim(ctx, m, t)
	if err != nil || release == nil {
		return err
	}
	defer release()

	key, ok := assets.KeyFor(t.ProjectID, t.JobType, t.TargetType, t.TargetID)
	if !ok {
		return mq.Terminal(w.fail(ctx, t, "不支持的生成类型"))
	}
	asset, err := w.Assets.EnsureAsset(ctx, key)
	if err != nil {
		return err
	}

	version, prev, err := w.reuseVersion(ctx, t)
	if err != nil {
		return err
	}
	if version == nil {
		art, prompt, err := w.produce(ctx, t)
		if err != nil {
			if provider.IsPermanent(err) {
				return mq.Terminal(w.fail(ctx, t, userMessage(err)))
			}
			w.log.Warn("provider call failed", "jobId", t.JobID, "jobItemId", t.JobItemID, "attempt", m.Attempt, "err", err)
			return err
		}
		if ok, err := w.stillRunning(ctx, t.JobItemID); err != nil {
			return err
		} else if !ok {
			w.log.Info("discard result of canceled job item", "jobId", t.JobID, "jobItemId", t.JobItemID)
			return nil
		}
		objKey, url, err := w.Assets.Store(ctx, t.ProjectID, key.AssetType, art.Data, art.ContentType)
		if err != nil {
			w.log.Error("store artifact failed", "jobId", t.JobID, "jobItemId", t.JobItemID, "err", err)
			return mq.Terminal(w.fail(ctx, t, domain.CodeAssetUploadFailed.Message()))
		}
		params, _ := json.Marshal(map[string]any{"aspectRatio": t.AspectRatio, "model": t.Model, "seq": t.Seq})
		res, err := w.Assets.AppendVersion(ctx, asset.ID, domain.NewVersion{
			Source:          domain.SourceAI,
			Provider:        art.Provider,
			URL:             url,
			ObjectKey:       objKey,
			Prompt:          prompt,
			Params:          params,
			Status:          domain.VersionReady,
			SourceJobItemID: t.JobItemID,
			CreatedBy:       t.UserID,
			MakeCurrent:     true,
		})
		if err != nil {
			return err
		}
		version, prev = &res.Version, res.PreviousCurrentID
	}

	price, err := w.Ledger.Price(ctx, string(t.JobType), t.Model, 1)
	if err != nil {
		w.rollback(ctx, t, asset.ID, version.ID, prev)
		return mq.Terminal(w.fail(ctx, t, "计费规则不可用"))
	}
	if _, err := w.Ledger.Charge(ctx, t.UserID, price, domain.BizJobItem, bizID(t.JobItemID)); err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			w.rollback(ctx, t, asset.ID, version.ID, prev)
			return mq.Terminal(w.fail(ctx, t, domain.CodeInsufficientBalance.Message()))
		}
		return err
	}

	done, err := w.Registry.CompleteItem(ctx, t.JobItemID, domain.Success(version.ID, price, version.URL))
	if err != nil {
		return err
	}
	if !done.Applied {
		// canceled or timed out while we were working
		if done.Item.Status == domain.StatusSucceeded && done.Item.OutputAssetVersionID != nil && *done.Item.OutputAssetVersionID == version.ID {
			return nil
		}
		if _, _, err := w.Ledger.Refund(ctx, t.UserID, price, domain.BizJobItem, bizID(t.JobItemID), "任务已终止，退回积分"); err != nil {
			return fmt.Errorf("refund item %d: %w", t.JobItemID, err)
		}
		w.rollback(ctx, t, asset.ID, version.ID, prev)
		return nil
	}
	w.log.Info("job item succeeded", "jobId", t.JobID, "jobItemId", t.JobItemID, "versionId", version.ID, "costPoints", price)
	return nil
}

// reuseVersion finds a version an earlier attempt of the same item already
// wrote, so a redelivery does not call the provider twice.
func (w *Worker) reuseVersion(ctx context.Context, t domain.TaskMessage) (*domain.AssetVersion, *int64, error) {
	v, ok, err := w.Assets.VersionForItem(ctx, t.JobItemID)
	if err != nil || !ok {
		return nil, nil, err
	}
	w.log.Info("reuse asset version", "jobItemId", t.JobItemID, "versionId", v.ID)
	return v, v.PreviousCurrentID, nil
}

func (w *Worker) rollback(ctx context.Context, t domain.TaskMessage, assetID, versionID int64, prev *int64) {
	if _, err := w.Assets.RollbackCurrent(ctx, assetID, versionID, prev); err != nil {
		w.log.Error("rollback current version failed", "jobItemId", t.JobItemID, "assetId", assetID, "versionId", versionID, "err", err)
	}
}

// produce builds the prompt from the catalog and calls the provider.
func (w *Worker) produce(ctx context.Context, t domain.TaskMessage) (*provider.Artifact, string, error) {
	project, ok, err := w.Catalog.Project(ctx, t.ProjectID)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", provider.Permanent(errors.New("项目不存在"))
	}
	entity, ok, err := w.Catalog.Entity(ctx, t.TargetType, t.TargetID)
	if err != nil {
		return nil, "", err
	}
	if !ok || entity.ProjectID != t.ProjectID {
		return nil, "", provider.Permanent(fmt.Errorf("目标不存在: %s/%d", t.TargetType, t.TargetID))
	}
	prompt, err := catalog.BuildPrompt(ctx, w.Catalog, project, entity)
	if err != nil {
		return nil, "", provider.Permanent(err)
	}

	if err := w.acquireInflight(ctx); err != nil {
		return nil, "", err
	}
	defer w.releaseInflight()
	pctx, cancel := context.WithTimeout(ctx, w.cfg.ProviderTimeout)
	defer cancel()

	if t.JobType == domain.JobGenVideo {
		if w.Video == nil {
			return nil, "", provider.Permanent(errors.New("视频生成未启用"))
		}
		req := provider.VideoRequest{Prompt: prompt, Model: t.Model, AspectRatio: t.AspectRatio}
		frameKey := domain.AssetKey{ProjectID: t.ProjectID, AssetType: domain.AssetShotImage, OwnerType: domain.TargetShot, OwnerID: t.TargetID}
		if frame, ok, err := w.Assets.CurrentByKey(ctx, frameKey); err == nil && ok && frame.Status == domain.VersionReady {
			req.ImageURL = frame.URL
		}
		art, err := w.Video.GenerateVideo(pctx, req)
		return art, prompt, err
	}
	if w.Image == nil {
		return nil, "", provider.Permanent(errors.New("图片生成未启用"))
	}
	art, err := w.Image.GenerateImage(pctx, provider.ImageRequest{Prompt: prompt, Model: t.Model, AspectRatio: t.AspectRatio})
	return art, prompt, err
}
