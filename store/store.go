package store

import (
	"context"
	"time"

	"storystudio/domain"
)

// JobStore owns Job and JobItem rows. StartItem, CompleteItem and CancelJob
// are atomic read-modify-write operations on the job row.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job, items []domain.JobItem) error
	// DeleteJob removes a job that never left PENDING. Used to roll back a failed dispatch.
	DeleteJob(ctx context.Context, jobID int64) error
	GetJob(ctx context.Context, jobID int64) (*domain.Job, bool, error)
	GetItem(ctx context.Context, itemID int64) (*domain.JobItem, bool, error)
	ListItems(ctx context.Context, jobID int64) ([]domain.JobItem, error)
	ListJobs(ctx context.Context, f domain.JobFilter) ([]domain.Job, int, error)

	StartItem(ctx context.Context, itemID int64, now time.Time) (domain.StartResult, error)
	CompleteItem(ctx context.Context, itemID int64, o domain.ItemOutcome, now time.Time) (domain.CompleteResult, error)
	CancelJob(ctx context.Context, jobID int64, now time.Time) (*domain.Job, error)
	ListStaleItems(ctx context.Context, runningBefore, pendingBefore time.Time, limit int) ([]domain.JobItem, error)
}

// AssetStore serializes version numbering and current-pointer moves per asset.
type AssetStore interface {
	EnsureAsset(ctx context.Context, key domain.AssetKey, id int64, now time.Time) (domain.Asset, error)
	FindAsset(ctx context.Context, key domain.AssetKey) (*domain.Asset, bool, error)
	GetAsset(ctx context.Context, assetID int64) (*domain.Asset, bool, error)
	AppendVersion(ctx context.Context, assetID, versionID int64, nv domain.NewVersion, now time.Time) (domain.AppendResult, error)
	// SetCurrent points the asset at versionID; nil clears it.
	SetCurrent(ctx context.Context, assetID int64, versionID *int64) error
	// RestoreCurrent moves the pointer to restore only while it still points at expect.
	RestoreCurrent(ctx context.Context, assetID, expect int64, restore *int64) (bool, error)
	GetVersion(ctx context.Context, versionID int64) (*domain.AssetVersion, bool, error)
	ListVersions(ctx context.Context, assetID int64) ([]domain.AssetVersion, error)
	FindVersionByJobItem(ctx context.Context, jobItemID int64) (*domain.AssetVersion, bool, error)
	ListProjectVersions(ctx context.Context, projectID int64, types []domain.AssetType, currentOnly bool) ([]domain.ProjectVersion, error)
}

// WalletStore serializes balance mutation per user.
type WalletStore interface {
	GetWallet(ctx context.Context, userID int64) (domain.Wallet, error)
	// Apply writes one transaction. A transaction already recorded under the same
	// (type, bizType, bizId) is returned with Duplicate set and no balance change.
	Apply(ctx context.Context, m domain.Mutation, txID int64, now time.Time) (domain.MutationResult, error)
	FindTransaction(ctx context.Context, userID int64, typ domain.TxType, bizType, bizID string) (*domain.WalletTransaction, bool, error)
	ListTransactions(ctx context.Context, userID int64, f domain.TxFilter) ([]domain.WalletTransaction, int, error)
	// AllTransactions returns every transaction in creation order.
	AllTransactions(ctx context.Context, userID int64) ([]domain.WalletTransaction, error)
}

type PricingStore interface {
	PricingRule(ctx context.Context, bizType, modelCode string) (*domain.PricingRule, bool, error)
	UpsertPricingRule(ctx context.Context, r domain.PricingRule) error
}

// PaymentStore keeps recharge orders and dedups gateway events.
type PaymentStore interface {
	CreateOrder(ctx context.Context, o *domain.PayOrder) error
	GetOrder(ctx context.Context, orderNo string) (*domain.PayOrder, bool, error)
	UpdateOrder(ctx context.Context, orderNo string, fn func(o *domain.PayOrder) error) (*domain.PayOrder, bool, error)
	// RecordEvent returns false when the event was seen before.
	RecordEvent(ctx context.Context, ev domain.PayEvent) (bool, error)
}

// DefaultPricing seeds the pricing table of a fresh store.
var DefaultPricing = []domain.PricingRule{
	{BizType: string(domain.JobGenShotImage), ModelCode: domain.DefaultModel, Unit: "IMAGE", Price: 10, Enabled: true},
	{BizType: string(domain.JobGenCharImage), ModelCode: domain.DefaultModel, Unit: "IMAGE", Price: 10, Enabled: true},
	{BizType: string(domain.JobGenSceneImage), ModelCode: domain.DefaultModel, Unit: "IMAGE", Price: 10, Enabled: true},
	{BizType: string(domain.JobGenPropImage), ModelCode: domain.DefaultModel, Unit: "IMAGE", Price: 10, Enabled: true},
	{BizType: string(domain.JobGenVideo), ModelCode: domain.DefaultModel, Unit: "VIDEO", Price: 50, Enabled: true},
	{BizType: string(domain.JobParseText), ModelCode: domain.DefaultModel, Unit: "CALL", Price: 5, Enabled: true},
	{BizType: string(domain.JobExportZip), ModelCode: domain.DefaultModel, Unit: "CALL", Price: 0, Enabled: true},
	{BizType: string(domain.JobToolboxText), ModelCode: domain.DefaultModel, Unit: "CALL", Price: 2, Enabled: true},
	{BizType: string(domain.JobToolboxImage), ModelCode: domain.DefaultModel, Unit: "IMAGE", Price: 10, Enabled: true},
}
