package catalog

import (
	"context"
	"fmt"
	"strings"

	"storystudio/domain"
)

// BuildPrompt renders the generation prompt for a target. Shots pull in the
// names and descriptions of their bound characters, scenes and props.
func BuildPrompt(ctx context.Context, c Catalog, p *Project, e *Entity) (string, error) {
	var b strings.Builder
	if p != nil && strings.TrimSpace(p.StylePrompt) != "" {
		b.WriteString("画面风格：")
		b.WriteString(strings.TrimSpace(p.StylePrompt))
		b.WriteString("\n")
	}
	switch e.Type {
	case domain.TargetCharacter:
		fmt.Fprintf(&b, "角色设定图，纯色背景，全身正面。角色：%s。%s", e.Name, e.Description)
	case domain.TargetScene:
		fmt.Fprintf(&b, "场景概念图，无人物。场景：%s。%s", e.Name, e.Description)
	case domain.TargetProp:
		fmt.Fprintf(&b, "道具设定图，纯色背景。道具：%s。%s", e.Name, e.Description)
	case domain.TargetShot:
		b.WriteString("分镜画面：")
		b.WriteString(e.Description)
		for _, typ := range []domain.TargetType{domain.TargetCharacter, domain.TargetScene, domain.TargetProp} {
			refs, err := c.Entities(ctx, e.ProjectID, typ, e.RefIDs)
			if err != nil {
				return "", err
			}
			for _, r := range refs {
				fmt.Fprintf(&b, "\n%s：%s，%s", refLabel(typ), r.Name, r.Description)
			}
		}
	default:
		return "", fmt.Errorf("unsupported target type %q", e.Type)
	}
	return b.String(), nil
}

func refLabel(t domain.TargetType) string {
	switch t {
	case domain.TargetCharacter:
		return "角色"
	case domain.TargetScene:
		return "场景"
	case domain.TargetProp:
		return "道具"
	}
	return string(t)
}
