package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/domain"
)

func fixture() *Memory {
	m := NewMemory()
	m.PutProject(Project{ID: 1, UserID: 7, Name: "p", StylePrompt: "水墨"})
	m.PutEntity(Entity{Type: domain.TargetCharacter, ID: 10, ProjectID: 1, Name: "林辰", Description: "黑发少年"})
	m.PutEntity(Entity{Type: domain.TargetScene, ID: 20, ProjectID: 1, Name: "咖啡厅", Description: "午后"})
	m.PutEntity(Entity{Type: domain.TargetShot, ID: 30, ProjectID: 1, No: 1, Description: "林辰推门而入", RefIDs: []int64{10, 20}})
	m.PutEntity(Entity{Type: domain.TargetShot, ID: 31, ProjectID: 2, No: 1, Description: "other"})
	return m
}

func TestEntitiesFiltersProject(t *testing.T) {
	m := fixture()
	got, err := m.Entities(context.Background(), 1, domain.TargetShot, []int64{31, 30, 99})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 30, got[0].ID)
}

func TestBuildPromptShot(t *testing.T) {
	m := fixture()
	ctx := context.Background()
	p, _, _ := m.Project(ctx, 1)
	e, ok, _ := m.Entity(ctx, domain.TargetShot, 30)
	require.True(t, ok)

	prompt, err := BuildPrompt(ctx, m, p, e)
	require.NoError(t, err)
	assert.Contains(t, prompt, "画面风格：水墨")
	assert.Contains(t, prompt, "分镜画面：林辰推门而入")
	assert.Contains(t, prompt, "角色：林辰，黑发少年")
	assert.Contains(t, prompt, "场景：咖啡厅，午后")
}

func TestAppendShotsContinuesNumbering(t *testing.T) {
	m := fixture()
	ids, err := m.AppendShots(context.Background(), 1, 500, []ParsedShot{{ScriptText: "a"}, {ScriptText: "  "}, {ScriptText: "b"}})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	again, err := m.AppendShots(context.Background(), 1, 500, []ParsedShot{{ScriptText: "a"}, {ScriptText: "b"}})
	require.NoError(t, err)
	assert.Equal(t, ids, again)

	shots := m.Shots(1)
	require.Len(t, shots, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{shots[0].No, shots[1].No, shots[2].No})
	assert.Equal(t, "b", shots[2].Description)

	_, err = m.AppendShots(context.Background(), 404, 0, nil)
	assert.Equal(t, domain.CodeProjectNotFound, domain.CodeOf(err))
}
