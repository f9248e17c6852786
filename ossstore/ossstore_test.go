package ossstore

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectKeys(t *testing.T) {
	assert.Equal(t, "story/projects/3/shot_img/99.png", AssetObjectKey("story", 3, "SHOT_IMG", 99, ".png"))
	assert.Equal(t, "story/projects/3/video/5.bin", AssetObjectKey("story", 3, "VIDEO", 5, ""))
	assert.Equal(t, "story/exports/3/77.zip", ExportObjectKey("story", 3, 77))
}

func TestContentDisposition(t *testing.T) {
	d := contentDisposition("项目导出.zip")
	assert.True(t, strings.HasPrefix(d, `attachment; filename="download.zip"`))
	assert.Contains(t, d, "UTF-8''%E9%A1%B9")
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("")
	require.NoError(t, m.Put(ctx, "/a/b.png", strings.NewReader("png"), "image/png"))

	rc, err := m.Get(ctx, "a/b.png")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "png", string(b))
	assert.Equal(t, "memory://oss/a/b.png", m.URL("a/b.png"))

	u, err := m.Sign("a/b.png", "x.png")
	require.NoError(t, err)
	assert.Contains(t, u, "signed=1")

	_, err = m.Sign("missing", "")
	assert.Error(t, err)

	m.FailPut = true
	assert.Error(t, m.Put(ctx, "c", strings.NewReader(""), ""))
}
