package domain

import (
	"encoding/json"
	"time"
)

type AssetType string

const (
	AssetShotImage  AssetType = "SHOT_IMG"
	AssetCharImage  AssetType = "CHAR_IMG"
	AssetSceneImage AssetType = "SCENE_IMG"
	AssetPropImage  AssetType = "PROP_IMG"
	AssetVideo      AssetType = "VIDEO"
)

func (t AssetType) Valid() bool {
	switch t {
	case AssetShotImage, AssetCharImage, AssetSceneImage, AssetPropImage, AssetVideo:
		return true
	}
	return false
}

func (t AssetType) IsImage() bool { return t.Valid() && t != AssetVideo }

type VersionSource string

const (
	SourceAI     VersionSource = "AI"
	SourceUpload VersionSource = "UPLOAD"
	SourceImport VersionSource = "IMPORT"
)

type VersionStatus string

const (
	VersionReady  VersionStatus = "READY"
	VersionFailed VersionStatus = "FAILED"
)

// Asset is the stable identity of one artifact slot, e.g. the image of one shot.
type Asset struct {
	ID               int64      `json:"id,string"`
	ProjectID        int64      `json:"projectId,string"`
	AssetType        AssetType  `json:"assetType"`
	OwnerType        TargetType `json:"ownerType"`
	OwnerID          int64      `json:"ownerId,string"`
	CurrentVersionID *int64     `json:"currentVersionId,string,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// AssetKey addresses an asset without knowing its id.
type AssetKey struct {
	ProjectID int64
	AssetType AssetType
	OwnerType TargetType
	OwnerID   int64
}

func (a *Asset) Key() AssetKey {
	return AssetKey{ProjectID: a.ProjectID, AssetType: a.AssetType, OwnerType: a.OwnerType, OwnerID: a.OwnerID}
}

// AssetVersion rows are immutable except for the current marker, which is derived from Asset.CurrentVersionID.
// PreviousCurrentID records what the asset pointed at when this version was made current.
type AssetVersion struct {
	ID                int64           `json:"id,string"`
	AssetID           int64           `json:"assetId,string"`
	VersionNo         int             `json:"versionNo"`
	Source            VersionSource   `json:"source"`
	Provider          string          `json:"provider,omitempty"`
	URL               string          `json:"url"`
	ObjectKey         string          `json:"objectKey,omitempty"`
	Prompt            string          `json:"prompt,omitempty"`
	Params            json.RawMessage `json:"params,omitempty"`
	Status            VersionStatus   `json:"status"`
	IsCurrent         bool            `json:"isCurrent"`
	SourceJobItemID   int64           `json:"sourceJobItemId,string,omitempty"`
	CreatedBy         int64           `json:"createdBy,string"`
	CreatedAt         time.Time       `json:"createdAt"`
	PreviousCurrentID *int64          `json:"-"`
}

// NewVersion is the input to an append; versionNo and id are assigned by the store.
type NewVersion struct {
	Source          VersionSource
	Provider        string
	URL             string
	ObjectKey       string
	Prompt          string
	Params          json.RawMessage
	Status          VersionStatus
	SourceJobItemID int64
	CreatedBy       int64
	MakeCurrent     bool
}

// AppendResult carries the previous current version so callers can roll the flag back.
type AppendResult struct {
	Version           AssetVersion
	PreviousCurrentID *int64
}

// ProjectVersion is an asset version together with its owning asset, used by exports.
type ProjectVersion struct {
	Asset   Asset
	Version AssetVersion
}
