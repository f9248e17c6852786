package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"

	"storystudio/catalog"
	"storystudio/domain"
)

var (
	_ catalog.Catalog    = (*Store)(nil)
	_ catalog.ShotWriter = (*Store)(nil)
)

const entityColumns = `target_type, id, project_id, no, name, description, ref_ids`

func (s *Store) Project(ctx context.Context, projectID int64) (*catalog.Project, bool, error) {
	var p catalog.Project
	err := pgxscan.Get(ctx, s.pool, &p,
		`SELECT id, user_id, name, aspect_ratio, style_prompt FROM projects WHERE id = $1`, projectID)
	if err != nil {
		if noRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get project %d: %w", projectID, err)
	}
	return &p, true, nil
}

func scanEntities(rows pgx.Rows) ([]catalog.Entity, error) {
	defer rows.Close()
	out := make([]catalog.Entity, 0)
	for rows.Next() {
		var e catalog.Entity
		if err := rows.Scan(&e.Type, &e.ID, &e.ProjectID, &e.No, &e.Name, &e.Description, &e.RefIDs); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Entities(ctx context.Context, projectID int64, typ domain.TargetType, ids []int64) ([]catalog.Entity, error) {
	if len(ids) == 0 {
		return []catalog.Entity{}, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM project_entities
        WHERE project_id = $1 AND target_type = $2 AND id = ANY($3) ORDER BY id`,
		projectID, typ, ids)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	out, err := scanEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("scan entities: %w", err)
	}
	return out, nil
}

func (s *Store) Entity(ctx context.Context, typ domain.TargetType, id int64) (*catalog.Entity, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM project_entities WHERE target_type = $1 AND id = $2`, typ, id)
	if err != nil {
		return nil, false, fmt.Errorf("get entity: %w", err)
	}
	out, err := scanEntities(rows)
	if err != nil {
		return nil, false, fmt.Errorf("scan entity: %w", err)
	}
	if len(out) == 0 {
		return nil, false, nil
	}
	return &out[0], true, nil
}

// AppendShots locks the project row so concurrent parses number their shots
// without gaps or repeats.
func (s *Store) AppendShots(ctx context.Context, projectID, sourceItemID int64, shots []catalog.ParsedShot) ([]int64, error) {
	var ids []int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var locked int64
		if err := tx.QueryRow(ctx, `SELECT id FROM projects WHERE id = $1 FOR UPDATE`, projectID).Scan(&locked); err != nil {
			if noRows(err) {
				return domain.NewError(domain.CodeProjectNotFound)
			}
			return fmt.Errorf("lock project %d: %w", projectID, err)
		}
		if sourceItemID != 0 {
			var prev []int64
			err := pgxscan.Select(ctx, tx, &prev,
				`SELECT id FROM project_entities WHERE source_item_id = $1 ORDER BY id`, sourceItemID)
			if err != nil {
				return fmt.Errorf("lookup parsed shots: %w", err)
			}
			if len(prev) > 0 {
				ids = prev
				return nil
			}
		}
		var last int
		err := tx.QueryRow(ctx,
			`SELECT COALESCE(MAX(no), 0) FROM project_entities WHERE project_id = $1 AND target_type = $2`,
			projectID, domain.TargetShot).Scan(&last)
		if err != nil {
			return fmt.Errorf("last shot no: %w", err)
		}
		ids = make([]int64, 0, len(shots))
		for _, sh := range shots {
			text := strings.TrimSpace(sh.ScriptText)
			if text == "" {
				continue
			}
			last++
			var id int64
			err := tx.QueryRow(ctx,
				`INSERT INTO project_entities (project_id, target_type, no, description, source_item_id)
                VALUES ($1, $2, $3, $4, NULLIF($5::bigint, 0)) RETURNING id`,
				projectID, domain.TargetShot, last, text, sourceItemID).Scan(&id)
			if err != nil {
				return fmt.Errorf("insert shot: %w", err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// PutProject upserts a project row. The project CRUD lives outside this
// service; this is used for seeding and tests.
func (s *Store) PutProject(ctx context.Context, p catalog.Project) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO projects (id, user_id, name, aspect_ratio, style_prompt) VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO UPDATE SET user_id = EXCLUDED.user_id, name = EXCLUDED.name,
            aspect_ratio = EXCLUDED.aspect_ratio, style_prompt = EXCLUDED.style_prompt`,
		p.ID, p.UserID, p.Name, p.AspectRatio, p.StylePrompt)
	if err != nil {
		return fmt.Errorf("put project %d: %w", p.ID, err)
	}
	return nil
}

// PutEntity upserts a target row under its given id.
func (s *Store) PutEntity(ctx context.Context, e catalog.Entity) error {
	refs := e.RefIDs
	if refs == nil {
		refs = []int64{}
	}
	_, err := s.pool.Exec(ctx, `
        INSERT INTO project_entities (id, project_id, target_type, no, name, description, ref_ids)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET project_id = EXCLUDED.project_id, target_type = EXCLUDED.target_type,
            no = EXCLUDED.no, name = EXCLUDED.name, description = EXCLUDED.description, ref_ids = EXCLUDED.ref_ids`,
		e.ID, e.ProjectID, e.Type, e.No, e.Name, e.Description, refs)
	if err != nil {
		return fmt.Errorf("put entity %d: %w", e.ID, err)
	}
	return nil
}
