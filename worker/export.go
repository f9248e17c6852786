package worker

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"storystudio/domain"
	"storystudio/mq"
	"storystudio/ossstore"
)

type exportFolder struct {
	assetType domain.AssetType
	dir       string
}

var exportFolders = []exportFolder{
	{domain.AssetCharImage, "01-角色"},
	{domain.AssetSceneImage, "02-场景"},
	{domain.AssetShotImage, "03-分镜图"},
	{domain.AssetVideo, "04-视频"},
}

// export zips the project's assets, uploads the archive and completes the
// item with a signed download link.
func (w *Worker) export(ctx context.Context, m mq.Message, t domain.TaskMessage) error {
	release, _, err := w.claim(ctx, m, t)
	if err != nil || release == nil {
		return err
	}
	defer release()

	opts := t.Export
	if opts == nil {
		return mq.Terminal(w.fail(ctx, t, "导出参数缺失"))
	}
	if w.Objects == nil {
		return mq.Terminal(w.fail(ctx, t, "对象存储未启用"))
	}
	types := exportTypes(*opts)
	versions, err := w.Assets.ProjectVersions(ctx, t.ProjectID, types, opts.Mode != "ALL")
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return mq.Terminal(w.fail(ctx, t, "没有可导出的资产"))
	}

	if w.cfg.TmpRoot != "" {
		if err := os.MkdirAll(w.cfg.TmpRoot, 0o755); err != nil {
			return fmt.Errorf("create tmp root: %w", err)
		}
	}
	f, err := os.CreateTemp(w.cfg.TmpRoot, "export-*.zip")
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	written, err := w.writeZip(ctx, f, versions)
	if err != nil {
		return err
	}
	if written == 0 {
		return mq.Terminal(w.fail(ctx, t, "没有可导出的资产"))
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if ok, err := w.stillRunning(ctx, t.JobItemID); err != nil {
		return err
	} else if !ok {
		return nil
	}
	objKey := ossstore.ExportObjectKey(w.cfg.ObjectPrefix, t.ProjectID, t.JobID)
	if err := w.Objects.Put(ctx, objKey, f, "application/zip"); err != nil {
		w.log.Error("upload export failed", "jobId", t.JobID, "err", err)
		return mq.Terminal(w.fail(ctx, t, domain.CodeAssetUploadFailed.Message()))
	}
	name := fmt.Sprintf("project-%d-export.zip", t.ProjectID)
	if p, ok, _ := w.Catalog.Project(ctx, t.ProjectID); ok && strings.TrimSpace(p.Name) != "" {
		name = safeName(p.Name) + "_导出.zip"
	}
	url, err := w.Objects.Sign(objKey, name)
	if err != nil {
		url = w.Objects.URL(objKey)
	}

	price, err := w.Ledger.Price(ctx, string(t.JobType), "", 1)
	if err != nil {
		return mq.Terminal(w.fail(ctx, t, "计费规则不可用"))
	}
	if _, err := w.Ledger.Charge(ctx, t.UserID, price, domain.BizJobItem, bizID(t.JobItemID)); err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			return mq.Terminal(w.fail(ctx, t, domain.CodeInsufficientBalance.Message()))
		}
		return err
	}
	done, err := w.Registry.CompleteItem(ctx, t.JobItemID, domain.Success(0, price, url))
	if err != nil {
		return err
	}
	if !done.Applied && done.Item.Status != domain.StatusSucceeded {
		if _, _, err := w.Ledger.Refund(ctx, t.UserID, price, domain.BizJobItem, bizID(t.JobItemID), "任务已终止，退回积分"); err != nil {
			return err
		}
	}
	w.log.Info("export finished", "jobId", t.JobID, "files", written, "objectKey", objKey)
	return nil
}

func exportTypes(o domain.ExportMessage) []domain.AssetType {
	var out []domain.AssetType
	if o.ExportCharacters {
		out = append(out, domain.AssetCharImage)
	}
	if o.ExportScenes {
		out = append(out, domain.AssetSceneImage)
	}
	if o.ExportShotImages {
		out = append(out, domain.AssetShotImage)
	}
	if o.ExportVideos {
		out = append(out, domain.AssetVideo)
	}
	return out
}

func (w *Worker) writeZip(ctx context.Context, out io.Writer, versions []domain.ProjectVersion) (int, error) {
	zw := zip.NewWriter(out)
	used := make(map[string]int)
	written := 0
	var rows []manifestRow
	for _, pv := range versions {
		if pv.Version.ObjectKey == "" {
			w.log.Warn("skip version without object key", "versionId", pv.Version.ID)
			continue
		}
		dir := folderFor(pv.Asset.AssetType)
		base := w.entryBase(ctx, pv)
		ext := strings.TrimPrefix(path.Ext(pv.Version.ObjectKey), ".")
		if ext == "" {
			ext = "bin"
		}
		name := fmt.Sprintf("%s/%s_v%d.%s", dir, base, pv.Version.VersionNo, ext)
		if n := used[name]; n > 0 {
			name = fmt.Sprintf("%s/%s_v%d_%d.%s", dir, base, pv.Version.VersionNo, n, ext)
		}
		used[name]++

		rc, err := w.Objects.Get(ctx, pv.Version.ObjectKey)
		if err != nil {
			w.log.Warn("skip missing object", "versionId", pv.Version.ID, "objectKey", pv.Version.ObjectKey, "err", err)
			continue
		}
		entry, err := zw.Create(name)
		if err != nil {
			_ = rc.Close()
			return 0, err
		}
		_, err = io.Copy(entry, rc)
		_ = rc.Close()
		if err != nil {
			return 0, fmt.Errorf("copy %s: %w", pv.Version.ObjectKey, err)
		}
		written++
		rows = append(rows, manifestRow{
			folder:    dir,
			file:      name,
			target:    base,
			versionNo: pv.Version.VersionNo,
			source:    pv.Version.Source,
			url:       pv.Version.URL,
			createdAt: pv.Version.CreatedAt,
		})
	}
	if written > 0 {
		if err := writeManifest(zw, rows); err != nil {
			return 0, fmt.Errorf("write manifest: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, err
	}
	return written, nil
}

func (w *Worker) entryBase(ctx context.Context, pv domain.ProjectVersion) string {
	e, ok, err := w.Catalog.Entity(ctx, pv.Asset.OwnerType, pv.Asset.OwnerID)
	if err != nil || !ok {
		return fmt.Sprintf("%d", pv.Asset.OwnerID)
	}
	if pv.Asset.OwnerType == domain.TargetShot {
		return fmt.Sprintf("分镜%03d", e.No)
	}
	if n := safeName(e.Name); n != "" {
		return n
	}
	return fmt.Sprintf("%d", e.ID)
}

func folderFor(t domain.AssetType) string {
	for _, f := range exportFolders {
		if f.assetType == t {
			return f.dir
		}
	}
	return "99-其他"
}

func safeName(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		if r < 0x20 {
			return -1
		}
		return r
	}, s)
}
