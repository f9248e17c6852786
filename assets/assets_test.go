package assets

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storystudio/domain"
	"storystudio/idgen"
	"storystudio/ossstore"
	"storystudio/store"
)

func newService() (*Service, *ossstore.Memory) {
	oss := ossstore.NewMemory("")
	return New(store.NewInMemoryAssetStore(), oss, idgen.NewSequence(100), "t", nil), oss
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestKeyFor(t *testing.T) {
	k, ok := KeyFor(1, domain.JobGenCharImage, domain.TargetCharacter, 9)
	require.True(t, ok)
	assert.Equal(t, domain.AssetCharImage, k.AssetType)
	_, ok = KeyFor(1, domain.JobParseText, domain.TargetProject, 1)
	assert.False(t, ok)
}

func TestRollbackRestoresPrevious(t *testing.T) {
	ctx := context.Background()
	s, _ := newService()
	key := domain.AssetKey{ProjectID: 1, AssetType: domain.AssetShotImage, OwnerType: domain.TargetShot, OwnerID: 5}
	a, err := s.EnsureAsset(ctx, key)
	require.NoError(t, err)

	ready, err := s.HasReadyCurrent(ctx, key)
	require.NoError(t, err)
	assert.False(t, ready)

	v1, err := s.AppendVersion(ctx, a.ID, domain.NewVersion{Source: domain.SourceAI, URL: "1", MakeCurrent: true})
	require.NoError(t, err)
	v2, err := s.AppendVersion(ctx, a.ID, domain.NewVersion{Source: domain.SourceAI, URL: "2", MakeCurrent: true})
	require.NoError(t, err)

	ok, err := s.RollbackCurrent(ctx, a.ID, v2.Version.ID, v2.PreviousCurrentID)
	require.NoError(t, err)
	assert.True(t, ok)
	cur, ok, err := s.Current(ctx, a.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v1.Version.ID, cur.ID)

	// rolling back the first version clears the pointer
	ok, err = s.RollbackCurrent(ctx, a.ID, v1.Version.ID, v1.PreviousCurrentID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = s.Current(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	hist, err := s.History(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, hist, 2, "versions are never deleted")
}

func TestSetCurrentRejectsForeignVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := newService()
	a, _ := s.EnsureAsset(ctx, domain.AssetKey{ProjectID: 1, AssetType: domain.AssetShotImage, OwnerType: domain.TargetShot, OwnerID: 1})
	b, _ := s.EnsureAsset(ctx, domain.AssetKey{ProjectID: 1, AssetType: domain.AssetShotImage, OwnerType: domain.TargetShot, OwnerID: 2})
	vb, err := s.AppendVersion(ctx, b.ID, domain.NewVersion{Source: domain.SourceAI, URL: "b"})
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetCurrent(ctx, a.ID, vb.Version.ID), domain.ErrVersionNotFound)
	require.NoError(t, s.SetCurrent(ctx, b.ID, vb.Version.ID))

	failed, _ := s.AppendVersion(ctx, b.ID, domain.NewVersion{Source: domain.SourceAI, Status: domain.VersionFailed})
	assert.Error(t, s.SetCurrent(ctx, b.ID, failed.Version.ID))
}

func TestUpload(t *testing.T) {
	ctx := context.Background()
	s, oss := newService()
	key := domain.AssetKey{ProjectID: 2, AssetType: domain.AssetCharImage, OwnerType: domain.TargetCharacter, OwnerID: 3}

	v, err := s.Upload(ctx, Upload{UserID: 7, Key: key, Filename: "a.png", Data: pngBytes(t)})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceUpload, v.Source)
	assert.True(t, v.IsCurrent)
	assert.Equal(t, 1, v.VersionNo)
	assert.Contains(t, oss.Keys(), v.ObjectKey)

	ready, err := s.HasReadyCurrent(ctx, key)
	require.NoError(t, err)
	assert.True(t, ready)

	_, err = s.Upload(ctx, Upload{Key: key, Data: []byte("not an image at all")})
	assert.Equal(t, domain.CodeAssetTypeUnsupported, domain.CodeOf(err))

	_, err = s.Upload(ctx, Upload{Key: key, Data: make([]byte, MaxUploadBytes+1)})
	assert.Equal(t, domain.CodeAssetSizeExceeded, domain.CodeOf(err))

	video := key
	video.AssetType = domain.AssetVideo
	_, err = s.Upload(ctx, Upload{Key: video, Data: pngBytes(t)})
	assert.Equal(t, domain.CodeAssetTypeUnsupported, domain.CodeOf(err))

	oss.FailPut = true
	_, err = s.Upload(ctx, Upload{Key: key, Data: pngBytes(t)})
	assert.Equal(t, domain.CodeAssetUploadFailed, domain.CodeOf(err))
}
