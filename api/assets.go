package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"storystudio/assets"
	"storystudio/domain"
)

// ownedAsset loads the asset and checks the caller owns its project.
func (s *Server) ownedAsset(ctx context.Context, userID, assetID int64) (*domain.Asset, error) {
	a, err := s.Assets.Asset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	p, ok, err := s.Catalog.Project(ctx, a.ProjectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewError(domain.CodeProjectNotFound)
	}
	if p.UserID != userID {
		return nil, domain.ErrAccessDenied
	}
	return a, nil
}

func (s *Server) assetFromPath(w http.ResponseWriter, r *http.Request) (*domain.Asset, bool) {
	assetID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	a, err := s.ownedAsset(r.Context(), caller(r), assetID)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	return a, true
}

func (s *Server) assetHistory(w http.ResponseWriter, r *http.Request) {
	a, ok := s.assetFromPath(w, r)
	if !ok {
		return
	}
	versions, err := s.Assets.History(r.Context(), a.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, versions)
}

func (s *Server) assetCurrent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.assetFromPath(w, r)
	if !ok {
		return
	}
	v, found, err := s.Assets.Current(r.Context(), a.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !found {
		s.writeError(w, r, domain.ErrVersionNotFound)
		return
	}
	writeOK(w, v)
}

type setCurrentRequest struct {
	VersionID int64 `json:"versionId,string" validate:"required"`
}

func (s *Server) setAssetCurrent(w http.ResponseWriter, r *http.Request) {
	a, ok := s.assetFromPath(w, r)
	if !ok {
		return
	}
	var req setCurrentRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Assets.SetCurrent(r.Context(), a.ID, req.VersionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) uploadAsset(w http.ResponseWriter, r *http.Request) {
	a, ok := s.assetFromPath(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+(1<<20))
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, r, domain.NewError(domain.CodeAssetSizeExceeded))
			return
		}
		s.writeError(w, r, domain.Errorf(domain.CodeParamInvalid, "缺少上传文件"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		s.writeError(w, r, domain.Wrap(domain.CodeAssetUploadFailed, err))
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		s.writeError(w, r, domain.NewError(domain.CodeAssetSizeExceeded))
		return
	}
	v, err := s.Assets.Upload(r.Context(), assets.Upload{
		UserID:   caller(r),
		Key:      a.Key(),
		Filename: header.Filename,
		Data:     data,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, v)
}
