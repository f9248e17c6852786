// Package catalog is the read side of the project CRUD tables the engine
// depends on: projects, shots, characters, scenes and props.
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"storystudio/domain"
)

type Project struct {
	ID          int64  `json:"id,string"`
	UserID      int64  `json:"userId,string"`
	Name        string `json:"name"`
	AspectRatio string `json:"aspectRatio,omitempty"`
	StylePrompt string `json:"stylePrompt,omitempty"`
}

// Entity is one generation target inside a project.
type Entity struct {
	Type        domain.TargetType `json:"type"`
	ID          int64             `json:"id,string"`
	ProjectID   int64             `json:"projectId,string"`
	No          int               `json:"no"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	// RefIDs are the characters/scenes/props bound to a shot.
	RefIDs []int64 `json:"refIds,omitempty"`
}

type Catalog interface {
	Project(ctx context.Context, projectID int64) (*Project, bool, error)
	// Entities returns the requested targets that exist in the project, in id order.
	Entities(ctx context.Context, projectID int64, typ domain.TargetType, ids []int64) ([]Entity, error)
	Entity(ctx context.Context, typ domain.TargetType, id int64) (*Entity, bool, error)
}

// ParsedShot is one storyboard segment produced by text parsing.
type ParsedShot struct {
	ScriptText string `json:"scriptText"`
}

type ShotWriter interface {
	// AppendShots adds shots after the project's last shot and returns their ids.
	// A second call with the same sourceItemID returns the ids written by the first.
	AppendShots(ctx context.Context, projectID, sourceItemID int64, shots []ParsedShot) ([]int64, error)
}

type Memory struct {
	mu       sync.RWMutex
	projects map[int64]Project
	entities map[domain.TargetType]map[int64]Entity
	bySource map[int64][]int64
	nextID   int64
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		projects: make(map[int64]Project),
		entities: make(map[domain.TargetType]map[int64]Entity),
		bySource: make(map[int64][]int64),
		nextID:   1_000_000,
		now:      time.Now,
	}
}

func (m *Memory) PutProject(p Project) {
	m.mu.Lock()
	m.projects[p.ID] = p
	m.mu.Unlock()
}

func (m *Memory) PutEntity(e Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID, ok := m.entities[e.Type]
	if !ok {
		byID = make(map[int64]Entity)
		m.entities[e.Type] = byID
	}
	byID[e.ID] = e
}

func (m *Memory) Project(_ context.Context, projectID int64) (*Project, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return nil, false, nil
	}
	return &p, true, nil
}

func (m *Memory) Entities(_ context.Context, projectID int64, typ domain.TargetType, ids []int64) ([]Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entity, 0, len(ids))
	for _, id := range ids {
		e, ok := m.entities[typ][id]
		if ok && e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Entity(_ context.Context, typ domain.TargetType, id int64) (*Entity, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[typ][id]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (m *Memory) AppendShots(_ context.Context, projectID, sourceItemID int64, shots []ParsedShot) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[projectID]; !ok {
		return nil, domain.NewError(domain.CodeProjectNotFound)
	}
	if ids, ok := m.bySource[sourceItemID]; ok && sourceItemID != 0 {
		return append([]int64(nil), ids...), nil
	}
	byID, ok := m.entities[domain.TargetShot]
	if !ok {
		byID = make(map[int64]Entity)
		m.entities[domain.TargetShot] = byID
	}
	last := 0
	for _, e := range byID {
		if e.ProjectID == projectID && e.No > last {
			last = e.No
		}
	}
	ids := make([]int64, 0, len(shots))
	for _, s := range shots {
		text := strings.TrimSpace(s.ScriptText)
		if text == "" {
			continue
		}
		m.nextID++
		last++
		byID[m.nextID] = Entity{Type: domain.TargetShot, ID: m.nextID, ProjectID: projectID, No: last, Description: text}
		ids = append(ids, m.nextID)
	}
	if sourceItemID != 0 {
		m.bySource[sourceItemID] = ids
	}
	return ids, nil
}

// Shots lists a project's shots ordered by shot number.
func (m *Memory) Shots(projectID int64) []Entity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entity, 0)
	for _, e := range m.entities[domain.TargetShot] {
		if e.ProjectID == projectID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].No < out[j].No })
	return out
}
