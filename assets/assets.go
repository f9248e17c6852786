// Package assets manages asset identities and their immutable version
// history. Version numbering and the current pointer are serialized per
// asset by the store.
package assets

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"storystudio/domain"
	"storystudio/idgen"
	"storystudio/ossstore"
	"storystudio/store"
)

// MaxUploadBytes bounds user uploads.
const MaxUploadBytes = 10 << 20

type Service struct {
	st     store.AssetStore
	oss    ossstore.ObjectStore
	ids    idgen.Generator
	prefix string
	log    *slog.Logger
	now    func() time.Time
}

func New(st store.AssetStore, oss ossstore.ObjectStore, ids idgen.Generator, prefix string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "story"
	}
	return &Service{st: st, oss: oss, ids: ids, prefix: prefix, log: logger.With("component", "assets"), now: time.Now}
}

// KeyFor maps a generation target to the asset slot it fills.
func KeyFor(projectID int64, jobType domain.JobType, target domain.TargetType, targetID int64) (domain.AssetKey, bool) {
	at, ok := jobType.AssetType()
	if !ok {
		return domain.AssetKey{}, false
	}
	return domain.AssetKey{ProjectID: projectID, AssetType: at, OwnerType: target, OwnerID: targetID}, true
}

func (s *Service) EnsureAsset(ctx context.Context, key domain.AssetKey) (domain.Asset, error) {
	if !key.AssetType.Valid() {
		return domain.Asset{}, domain.NewError(domain.CodeAssetTypeUnsupported)
	}
	return s.st.EnsureAsset(ctx, key, s.ids.Next(), s.now())
}

// AppendVersion writes the next version of the asset. The result carries the
// version that was current before, for RollbackCurrent.
func (s *Service) AppendVersion(ctx context.Context, assetID int64, nv domain.NewVersion) (domain.AppendResult, error) {
	res, err := s.st.AppendVersion(ctx, assetID, s.ids.Next(), nv, s.now())
	if err != nil {
		return domain.AppendResult{}, err
	}
	s.log.Info("asset version appended", "assetId", assetID, "versionId", res.Version.ID, "versionNo", res.Version.VersionNo, "source", res.Version.Source, "current", res.Version.IsCurrent)
	return res, nil
}

func (s *Service) SetCurrent(ctx context.Context, assetID, versionID int64) error {
	v, ok, err := s.st.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	if !ok || v.AssetID != assetID {
		return domain.ErrVersionNotFound
	}
	if v.Status != domain.VersionReady {
		return domain.Errorf(domain.CodeParamInvalid, "版本未就绪，不能设为当前版本")
	}
	return s.st.SetCurrent(ctx, assetID, &versionID)
}

// RollbackCurrent moves the pointer off versionID back to previousID, or
// clears it when there was no previous version. The version row stays.
// Returns false when some other writer moved the pointer in between.
func (s *Service) RollbackCurrent(ctx context.Context, assetID, versionID int64, previousID *int64) (bool, error) {
	ok, err := s.st.RestoreCurrent(ctx, assetID, versionID, previousID)
	if err != nil {
		return false, err
	}
	s.log.Info("asset current rolled back", "assetId", assetID, "versionId", versionID, "restored", ok)
	return ok, nil
}

func (s *Service) History(ctx context.Context, assetID int64) ([]domain.AssetVersion, error) {
	return s.st.ListVersions(ctx, assetID)
}

func (s *Service) Asset(ctx context.Context, assetID int64) (*domain.Asset, error) {
	a, ok, err := s.st.GetAsset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrAssetNotFound
	}
	return a, nil
}

func (s *Service) Current(ctx context.Context, assetID int64) (*domain.AssetVersion, bool, error) {
	a, err := s.Asset(ctx, assetID)
	if err != nil {
		return nil, false, err
	}
	if a.CurrentVersionID == nil {
		return nil, false, nil
	}
	return s.st.GetVersion(ctx, *a.CurrentVersionID)
}

// HasReadyCurrent reports whether the slot already has a READY current version.
func (s *Service) HasReadyCurrent(ctx context.Context, key domain.AssetKey) (bool, error) {
	a, ok, err := s.st.FindAsset(ctx, key)
	if err != nil || !ok || a.CurrentVersionID == nil {
		return false, err
	}
	v, ok, err := s.st.GetVersion(ctx, *a.CurrentVersionID)
	if err != nil || !ok {
		return false, err
	}
	return v.Status == domain.VersionReady, nil
}

// CurrentByKey returns the current version of a slot, if any.
func (s *Service) CurrentByKey(ctx context.Context, key domain.AssetKey) (*domain.AssetVersion, bool, error) {
	a, ok, err := s.st.FindAsset(ctx, key)
	if err != nil || !ok || a.CurrentVersionID == nil {
		return nil, false, err
	}
	return s.st.GetVersion(ctx, *a.CurrentVersionID)
}

func (s *Service) VersionForItem(ctx context.Context, jobItemID int64) (*domain.AssetVersion, bool, error) {
	return s.st.FindVersionByJobItem(ctx, jobItemID)
}

func (s *Service) ProjectVersions(ctx context.Context, projectID int64, types []domain.AssetType, currentOnly bool) ([]domain.ProjectVersion, error) {
	return s.st.ListProjectVersions(ctx, projectID, types, currentOnly)
}

// Store writes generated bytes to object storage under the asset's key space
// and returns the object key and stable URL.
func (s *Service) Store(ctx context.Context, projectID int64, at domain.AssetType, data []byte, contentType string) (string, string, error) {
	if s.oss == nil {
		return "", "", domain.Errorf(domain.CodeAssetUploadFailed, "对象存储未启用")
	}
	key := ossstore.AssetObjectKey(s.prefix, projectID, string(at), s.ids.Next(), extFor(contentType, ""))
	if err := s.oss.Put(ctx, key, bytes.NewReader(data), contentType); err != nil {
		return "", "", domain.Wrap(domain.CodeAssetUploadFailed, err)
	}
	return key, s.oss.URL(key), nil
}

// Upload stores a user image as a new current UPLOAD version.
type Upload struct {
	UserID   int64
	Key      domain.AssetKey
	Filename string
	Data     []byte
}

func (s *Service) Upload(ctx context.Context, in Upload) (domain.AssetVersion, error) {
	if !in.Key.AssetType.IsImage() {
		return domain.AssetVersion{}, domain.Errorf(domain.CodeAssetTypeUnsupported, "仅支持上传图片类资产")
	}
	if len(in.Data) == 0 {
		return domain.AssetVersion{}, domain.Errorf(domain.CodeParamInvalid, "文件为空")
	}
	if len(in.Data) > MaxUploadBytes {
		return domain.AssetVersion{}, domain.NewError(domain.CodeAssetSizeExceeded)
	}
	ct := http.DetectContentType(in.Data)
	if !strings.HasPrefix(ct, "image/") {
		return domain.AssetVersion{}, domain.Errorf(domain.CodeAssetTypeUnsupported, "文件不是图片: %s", ct)
	}
	a, err := s.EnsureAsset(ctx, in.Key)
	if err != nil {
		return domain.AssetVersion{}, err
	}
	objKey := ossstore.AssetObjectKey(s.prefix, in.Key.ProjectID, string(in.Key.AssetType), s.ids.Next(), extFor(ct, in.Filename))
	if s.oss == nil {
		return domain.AssetVersion{}, domain.Errorf(domain.CodeAssetUploadFailed, "对象存储未启用")
	}
	if err := s.oss.Put(ctx, objKey, bytes.NewReader(in.Data), ct); err != nil {
		return domain.AssetVersion{}, domain.Wrap(domain.CodeAssetUploadFailed, err)
	}
	res, err := s.AppendVersion(ctx, a.ID, domain.NewVersion{
		Source:      domain.SourceUpload,
		URL:         s.oss.URL(objKey),
		ObjectKey:   objKey,
		Status:      domain.VersionReady,
		CreatedBy:   in.UserID,
		MakeCurrent: true,
	})
	if err != nil {
		return domain.AssetVersion{}, err
	}
	return res.Version, nil
}

func extFor(contentType, filename string) string {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	case "video/mp4":
		return "mp4"
	case "application/zip":
		return "zip"
	}
	if ext := strings.TrimPrefix(path.Ext(filename), "."); ext != "" {
		return strings.ToLower(ext)
	}
	return "bin"
}
