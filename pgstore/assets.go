package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"storystudio/domain"
)

const (
	assetColumns = `id, project_id, asset_type, owner_type, owner_id, current_version_id, created_at`

	// is_current is derived from the owning asset's pointer.
	versionColumns = `v.id, v.asset_id, v.version_no, v.source, v.provider, v.url, v.object_key, v.prompt,
        v.params, v.status, COALESCE(v.source_job_item_id, 0) AS source_job_item_id, v.created_by, v.created_at,
        v.previous_current_id, COALESCE(a.current_version_id = v.id, FALSE) AS is_current`

	ensureAssetQuery = `
        INSERT INTO assets (id, project_id, asset_type, owner_type, owner_id, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (project_id, asset_type, owner_type, owner_id) DO NOTHING`
	findAssetQuery = `
        SELECT ` + assetColumns + ` FROM assets
        WHERE project_id = $1 AND asset_type = $2 AND owner_type = $3 AND owner_id = $4`
	insertVersionQuery = `
        INSERT INTO asset_versions (id, asset_id, version_no, source, provider, url, object_key, prompt,
            params, status, source_job_item_id, created_by, created_at, previous_current_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9::text, '')::jsonb, $10, NULLIF($11::bigint, 0), $12, $13, $14)`
	projectVersionsQuery = `
        SELECT a.id AS a_id, a.project_id AS a_project_id, a.asset_type AS a_asset_type, a.owner_type AS a_owner_type,
            a.owner_id AS a_owner_id, a.current_version_id AS a_current_version_id, a.created_at AS a_created_at, ` + versionColumns + `
        FROM asset_versions v JOIN assets a ON a.id = v.asset_id
        WHERE a.project_id = $1
            AND ($2::text[] IS NULL OR a.asset_type = ANY($2))
            AND v.status = 'READY'
            AND (NOT $3 OR a.current_version_id = v.id)
        ORDER BY a.id, v.version_no`
)

func (s *Store) EnsureAsset(ctx context.Context, key domain.AssetKey, id int64, now time.Time) (domain.Asset, error) {
	_, err := s.pool.Exec(ctx, ensureAssetQuery, id, key.ProjectID, key.AssetType, key.OwnerType, key.OwnerID, now)
	if err != nil {
		return domain.Asset{}, fmt.Errorf("ensure asset: %w", err)
	}
	a, ok, err := s.FindAsset(ctx, key)
	if err != nil {
		return domain.Asset{}, err
	}
	if !ok {
		return domain.Asset{}, fmt.Errorf("ensure asset: row missing after insert")
	}
	return *a, nil
}

func (s *Store) FindAsset(ctx context.Context, key domain.AssetKey) (*domain.Asset, bool, error) {
	var a domain.Asset
	err := pgxscan.Get(ctx, s.pool, &a, findAssetQuery, key.ProjectID, key.AssetType, key.OwnerType, key.OwnerID)
	if err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("find asset: %w", err)
	}
	return &a, true, nil
}

func (s *Store) GetAsset(ctx context.Context, assetID int64) (*domain.Asset, bool, error) {
	return getAsset(ctx, s.pool, assetID, false)
}

func getAsset(ctx context.Context, db DBTX, assetID int64, forUpdate bool) (*domain.Asset, bool, error) {
	q := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var a domain.Asset
	if err := pgxscan.Get(ctx, db, &a, q, assetID); err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get asset %d: %w", assetID, err)
	}
	return &a, true, nil
}

func getVersion(ctx context.Context, db DBTX, where string, arg any) (*domain.AssetVersion, bool, error) {
	q := `SELECT ` + versionColumns + ` FROM asset_versions v JOIN assets a ON a.id = v.asset_id WHERE ` + where
	var v domain.AssetVersion
	if err := pgxscan.Get(ctx, db, &v, q, arg); err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get asset version: %w", err)
	}
	return &v, true, nil
}

func (s *Store) AppendVersion(ctx context.Context, assetID, versionID int64, nv domain.NewVersion, now time.Time) (domain.AppendResult, error) {
	var res domain.AppendResult
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		a, ok, err := getAsset(ctx, tx, assetID, true)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrAssetNotFound
		}
		if nv.SourceJobItemID != 0 {
			prev, ok, err := getVersion(ctx, tx, `v.source_job_item_id = $1`, nv.SourceJobItemID)
			if err != nil {
				return err
			}
			if ok {
				res = domain.AppendResult{Version: *prev, PreviousCurrentID: prev.PreviousCurrentID}
				return nil
			}
		}
		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM asset_versions WHERE asset_id = $1`, assetID).Scan(&count); err != nil {
			return fmt.Errorf("count asset versions %d: %w", assetID, err)
		}
		status := nv.Status
		if status == "" {
			status = domain.VersionReady
		}
		var prevCurrent *int64
		if nv.MakeCurrent {
			prevCurrent = a.CurrentVersionID
		}
		_, err = tx.Exec(ctx, insertVersionQuery, versionID, assetID, count+1, nv.Source, nv.Provider, nv.URL,
			nv.ObjectKey, nv.Prompt, string(nv.Params), status, nv.SourceJobItemID, nv.CreatedBy, now, prevCurrent)
		if err != nil {
			return fmt.Errorf("insert asset version: %w", err)
		}
		if nv.MakeCurrent {
			if _, err := tx.Exec(ctx, `UPDATE assets SET current_version_id = $2 WHERE id = $1`, assetID, versionID); err != nil {
				return fmt.Errorf("move current version: %w", err)
			}
		}
		v, _, err := getVersion(ctx, tx, `v.id = $1`, versionID)
		if err != nil {
			return err
		}
		res = domain.AppendResult{Version: *v, PreviousCurrentID: a.CurrentVersionID}
		return nil
	})
	return res, err
}

func (s *Store) SetCurrent(ctx context.Context, assetID int64, versionID *int64) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, ok, err := getAsset(ctx, tx, assetID, true)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrAssetNotFound
		}
		if versionID != nil {
			var owner int64
			err := tx.QueryRow(ctx, `SELECT asset_id FROM asset_versions WHERE id = $1`, *versionID).Scan(&owner)
			if noRows(err) || (err == nil && owner != assetID) {
				return domain.ErrVersionNotFound
			}
			if err != nil {
				return fmt.Errorf("lookup asset version: %w", err)
			}
		}
		if _, err := tx.Exec(ctx, `UPDATE assets SET current_version_id = $2 WHERE id = $1`, assetID, versionID); err != nil {
			return fmt.Errorf("set current version: %w", err)
		}
		return nil
	})
}

func (s *Store) RestoreCurrent(ctx context.Context, assetID, expect int64, restore *int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assets SET current_version_id = $3 WHERE id = $1 AND current_version_id = $2`,
		assetID, expect, restore)
	if err != nil {
		return false, fmt.Errorf("restore current version: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, ok, err := s.GetAsset(ctx, assetID); err != nil {
		return false, err
	} else if !ok {
		return false, domain.ErrAssetNotFound
	}
	return false, nil
}

func (s *Store) GetVersion(ctx context.Context, versionID int64) (*domain.AssetVersion, bool, error) {
	return getVersion(ctx, s.pool, `v.id = $1`, versionID)
}

func (s *Store) FindVersionByJobItem(ctx context.Context, jobItemID int64) (*domain.AssetVersion, bool, error) {
	return getVersion(ctx, s.pool, `v.source_job_item_id = $1`, jobItemID)
}

func (s *Store) ListVersions(ctx context.Context, assetID int64) ([]domain.AssetVersion, error) {
	if _, ok, err := s.GetAsset(ctx, assetID); err != nil {
		return nil, err
	} else if !ok {
		return nil, domain.ErrAssetNotFound
	}
	q := `SELECT ` + versionColumns + ` FROM asset_versions v JOIN assets a ON a.id = v.asset_id
        WHERE v.asset_id = $1 ORDER BY v.version_no DESC`
	out := make([]domain.AssetVersion, 0)
	if err := pgxscan.Select(ctx, s.pool, &out, q, assetID); err != nil {
		return nil, fmt.Errorf("list asset versions %d: %w", assetID, err)
	}
	return out, nil
}

// projectVersionRow flattens the asset/version join.
type projectVersionRow struct {
	domain.AssetVersion
	AID               int64             `db:"a_id"`
	AProjectID        int64             `db:"a_project_id"`
	AAssetType        domain.AssetType  `db:"a_asset_type"`
	AOwnerType        domain.TargetType `db:"a_owner_type"`
	AOwnerID          int64             `db:"a_owner_id"`
	ACurrentVersionID *int64            `db:"a_current_version_id"`
	ACreatedAt        time.Time         `db:"a_created_at"`
}

func (s *Store) ListProjectVersions(ctx context.Context, projectID int64, types []domain.AssetType, currentOnly bool) ([]domain.ProjectVersion, error) {
	var typeArg []string
	for _, t := range types {
		typeArg = append(typeArg, string(t))
	}
	rows := make([]projectVersionRow, 0)
	if err := pgxscan.Select(ctx, s.pool, &rows, projectVersionsQuery, projectID, typeArg, currentOnly); err != nil {
		return nil, fmt.Errorf("list project versions %d: %w", projectID, err)
	}
	out := make([]domain.ProjectVersion, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.ProjectVersion{
			Asset: domain.Asset{
				ID:               r.AID,
				ProjectID:        r.AProjectID,
				AssetType:        r.AAssetType,
				OwnerType:        r.AOwnerType,
				OwnerID:          r.AOwnerID,
				CurrentVersionID: r.ACurrentVersionID,
				CreatedAt:        r.ACreatedAt,
			},
			Version: r.AssetVersion,
		})
	}
	return out, nil
}
