package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"storystudio/domain"
)

type InMemoryAssetStore struct {
	mu       sync.Mutex
	assets   map[int64]*domain.Asset
	byKey    map[domain.AssetKey]int64
	versions map[int64]*domain.AssetVersion
	byAsset  map[int64][]int64
	byItem   map[int64]int64
}

func NewInMemoryAssetStore() *InMemoryAssetStore {
	return &InMemoryAssetStore{
		assets:   make(map[int64]*domain.Asset),
		byKey:    make(map[domain.AssetKey]int64),
		versions: make(map[int64]*domain.AssetVersion),
		byAsset:  make(map[int64][]int64),
		byItem:   make(map[int64]int64),
	}
}

func (s *InMemoryAssetStore) EnsureAsset(_ context.Context, key domain.AssetKey, id int64, now time.Time) (domain.Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[key]; ok {
		return *s.assets[existing], nil
	}
	a := &domain.Asset{
		ID:        id,
		ProjectID: key.ProjectID,
		AssetType: key.AssetType,
		OwnerType: key.OwnerType,
		OwnerID:   key.OwnerID,
		CreatedAt: now,
	}
	s.assets[id] = a
	s.byKey[key] = id
	return *a, nil
}

func (s *InMemoryAssetStore) FindAsset(_ context.Context, key domain.AssetKey) (*domain.Asset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, false, nil
	}
	cp := *s.assets[id]
	return &cp, true, nil
}

func (s *InMemoryAssetStore) GetAsset(_ context.Context, assetID int64) (*domain.Asset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok {
		return nil, false, nil
	}
	cp := *a
	return &cp, true, nil
}

func (s *InMemoryAssetStore) AppendVersion(_ context.Context, assetID, versionID int64, nv domain.NewVersion, now time.Time) (domain.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok {
		return domain.AppendResult{}, domain.ErrAssetNotFound
	}
	if nv.SourceJobItemID != 0 {
		if vid, ok := s.byItem[nv.SourceJobItemID]; ok {
			v := s.versions[vid]
			return domain.AppendResult{Version: s.view(a, v), PreviousCurrentID: copyID(v.PreviousCurrentID)}, nil
		}
	}
	status := nv.Status
	if status == "" {
		status = domain.VersionReady
	}
	v := &domain.AssetVersion{
		ID:              versionID,
		AssetID:         assetID,
		VersionNo:       len(s.byAsset[assetID]) + 1,
		Source:          nv.Source,
		Provider:        nv.Provider,
		URL:             nv.URL,
		ObjectKey:       nv.ObjectKey,
		Prompt:          nv.Prompt,
		Params:          nv.Params,
		Status:          status,
		SourceJobItemID: nv.SourceJobItemID,
		CreatedBy:       nv.CreatedBy,
		CreatedAt:       now,
	}
	s.versions[versionID] = v
	s.byAsset[assetID] = append(s.byAsset[assetID], versionID)
	if nv.SourceJobItemID != 0 {
		s.byItem[nv.SourceJobItemID] = versionID
	}
	prev := copyID(a.CurrentVersionID)
	if nv.MakeCurrent {
		v.PreviousCurrentID = copyID(prev)
		a.CurrentVersionID = copyID(&versionID)
	}
	return domain.AppendResult{Version: s.view(a, v), PreviousCurrentID: prev}, nil
}

func (s *InMemoryAssetStore) SetCurrent(_ context.Context, assetID int64, versionID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok {
		return domain.ErrAssetNotFound
	}
	if versionID != nil {
		v, ok := s.versions[*versionID]
		if !ok || v.AssetID != assetID {
			return domain.ErrVersionNotFound
		}
	}
	a.CurrentVersionID = copyID(versionID)
	return nil
}

func (s *InMemoryAssetStore) RestoreCurrent(_ context.Context, assetID, expect int64, restore *int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok {
		return false, domain.ErrAssetNotFound
	}
	if a.CurrentVersionID == nil || *a.CurrentVersionID != expect {
		return false, nil
	}
	a.CurrentVersionID = copyID(restore)
	return true, nil
}

func (s *InMemoryAssetStore) GetVersion(_ context.Context, versionID int64) (*domain.AssetVersion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return nil, false, nil
	}
	out := s.view(s.assets[v.AssetID], v)
	return &out, true, nil
}

func (s *InMemoryAssetStore) ListVersions(_ context.Context, assetID int64) ([]domain.AssetVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[assetID]
	if !ok {
		return nil, domain.ErrAssetNotFound
	}
	ids := s.byAsset[assetID]
	out := make([]domain.AssetVersion, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.view(a, s.versions[ids[i]]))
	}
	return out, nil
}

func (s *InMemoryAssetStore) FindVersionByJobItem(_ context.Context, jobItemID int64) (*domain.AssetVersion, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vid, ok := s.byItem[jobItemID]
	if !ok {
		return nil, false, nil
	}
	v := s.versions[vid]
	out := s.view(s.assets[v.AssetID], v)
	return &out, true, nil
}

func (s *InMemoryAssetStore) ListProjectVersions(_ context.Context, projectID int64, types []domain.AssetType, currentOnly bool) ([]domain.ProjectVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[domain.AssetType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	out := make([]domain.ProjectVersion, 0)
	for _, a := range s.assets {
		if a.ProjectID != projectID || (len(want) > 0 && !want[a.AssetType]) {
			continue
		}
		for _, vid := range s.byAsset[a.ID] {
			v := s.versions[vid]
			if v.Status != domain.VersionReady {
				continue
			}
			view := s.view(a, v)
			if currentOnly && !view.IsCurrent {
				continue
			}
			out = append(out, domain.ProjectVersion{Asset: *a, Version: view})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset.ID != out[j].Asset.ID {
			return out[i].Asset.ID < out[j].Asset.ID
		}
		return out[i].Version.VersionNo < out[j].Version.VersionNo
	})
	return out, nil
}

// view copies a version and derives IsCurrent from the asset pointer.
func (s *InMemoryAssetStore) view(a *domain.Asset, v *domain.AssetVersion) domain.AssetVersion {
	out := *v
	out.IsCurrent = a != nil && a.CurrentVersionID != nil && *a.CurrentVersionID == v.ID
	return out
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
