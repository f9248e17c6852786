package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is shared by Job and JobItem.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
	StatusCanceled  JobStatus = "CANCELED"
)

func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

func ParseJobStatus(raw string) (JobStatus, error) {
	s := JobStatus(raw)
	if !s.Valid() {
		return "", Errorf(CodeParamInvalid, "未知任务状态: %s", raw)
	}
	return s, nil
}

type JobType string

const (
	JobParseText     JobType = "PARSE_TEXT"
	JobGenCharImage  JobType = "GEN_CHAR_IMG"
	JobGenSceneImage JobType = "GEN_SCENE_IMG"
	JobGenShotImage  JobType = "GEN_SHOT_IMG"
	JobGenPropImage  JobType = "GEN_PROP_IMG"
	JobGenVideo      JobType = "GEN_VIDEO"
	JobExportZip     JobType = "EXPORT_ZIP"
	JobToolboxText   JobType = "TOOLBOX_TEXT_GENERATION"
	JobToolboxImage  JobType = "TOOLBOX_IMAGE_GENERATION"
)

func (t JobType) Valid() bool {
	switch t {
	case JobParseText, JobGenCharImage, JobGenSceneImage, JobGenShotImage, JobGenPropImage,
		JobGenVideo, JobExportZip, JobToolboxText, JobToolboxImage:
		return true
	}
	return false
}

func ParseJobType(raw string) (JobType, error) {
	t := JobType(raw)
	if !t.Valid() {
		return "", Errorf(CodeParamInvalid, "未知任务类型: %s", raw)
	}
	return t, nil
}

// BatchTarget is the target kind a batch generation type works on.
// ok is false for types that are not per-target batches.
func (t JobType) BatchTarget() (TargetType, bool) {
	switch t {
	case JobGenShotImage, JobGenVideo:
		return TargetShot, true
	case JobGenCharImage:
		return TargetCharacter, true
	case JobGenSceneImage:
		return TargetScene, true
	case JobGenPropImage:
		return TargetProp, true
	}
	return "", false
}

// AssetType is the kind of artifact a generation type writes.
func (t JobType) AssetType() (AssetType, bool) {
	switch t {
	case JobGenShotImage:
		return AssetShotImage, true
	case JobGenVideo:
		return AssetVideo, true
	case JobGenCharImage:
		return AssetCharImage, true
	case JobGenSceneImage:
		return AssetSceneImage, true
	case JobGenPropImage:
		return AssetPropImage, true
	}
	return "", false
}

type TargetType string

const (
	TargetShot      TargetType = "SHOT"
	TargetCharacter TargetType = "CHARACTER"
	TargetScene     TargetType = "SCENE"
	TargetProp      TargetType = "PROP"
	TargetProject   TargetType = "PROJECT"

	// TargetUser is used by toolbox jobs that are not bound to a project.
	TargetUser TargetType = "USER"
)

type GenerateMode string

const (
	ModeAll     GenerateMode = "ALL"
	ModeMissing GenerateMode = "MISSING"
)

// JobMeta is persisted as meta_json.
type JobMeta struct {
	Mode         GenerateMode `json:"mode,omitempty"`
	CountPerItem int          `json:"countPerItem,omitempty"`
	AspectRatio  string       `json:"aspectRatio,omitempty"`
	Model        string       `json:"model,omitempty"`
	Extra        any          `json:"extra,omitempty"`
}

type Job struct {
	ID             int64      `json:"id,string"`
	UserID         int64      `json:"userId,string"`
	ProjectID      int64      `json:"projectId,string"`
	JobType        JobType    `json:"jobType"`
	Status         JobStatus  `json:"status"`
	TotalItems     int        `json:"totalItems"`
	DoneItems      int        `json:"doneItems"`
	SucceededItems int        `json:"succeededItems"`
	CostPoints     int64      `json:"costPoints"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	ResultURL      string     `json:"resultUrl,omitempty"`
	Meta           JobMeta    `json:"meta"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Progress is doneItems*100/totalItems.
func (j *Job) Progress() int {
	if j == nil || j.TotalItems <= 0 {
		return 0
	}
	return j.DoneItems * 100 / j.TotalItems
}

// ElapsedSeconds is measured from startedAt until finishedAt, or until now while running.
func (j *Job) ElapsedSeconds(now time.Time) int64 {
	if j == nil || j.StartedAt == nil {
		return 0
	}
	end := now
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	d := end.Sub(*j.StartedAt)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

type JobItem struct {
	ID                   int64           `json:"id,string"`
	JobID                int64           `json:"jobId,string"`
	TargetType           TargetType      `json:"targetType"`
	TargetID             int64           `json:"targetId,string"`
	Seq                  int             `json:"seq"`
	Status               JobStatus       `json:"status"`
	Input                json.RawMessage `json:"input,omitempty"`
	OutputAssetVersionID *int64          `json:"outputAssetVersionId,string,omitempty"`
	CostPoints           int64           `json:"costPoints"`
	ResultURL            string          `json:"resultUrl,omitempty"`
	ErrorMessage         string          `json:"errorMessage,omitempty"`
	Attempts             int             `json:"attempts"`
	StartedAt            *time.Time      `json:"startedAt,omitempty"`
	FinishedAt           *time.Time      `json:"finishedAt,omitempty"`
	CreatedAt            time.Time       `json:"createdAt"`
}

// Target identifies what a JobItem works on.
type Target struct {
	Type TargetType `json:"targetType"`
	ID   int64      `json:"targetId,string"`
	Seq  int        `json:"seq"`
}

// ItemOutcome is what a worker reports for a JobItem.
type ItemOutcome struct {
	Succeeded      bool
	AssetVersionID int64
	CostPoints     int64
	ResultURL      string
	ErrorMessage   string
}

func Success(assetVersionID, costPoints int64, resultURL string) ItemOutcome {
	return ItemOutcome{Succeeded: true, AssetVersionID: assetVersionID, CostPoints: costPoints, ResultURL: resultURL}
}

func Failure(msg string) ItemOutcome {
	return ItemOutcome{ErrorMessage: msg}
}

// CompleteResult is returned by the atomic completion of a JobItem.
// Applied is false when the item was already terminal.
type CompleteResult struct {
	Applied   bool
	Finalized bool
	Item      JobItem
	Job       Job
}

// StartResult is returned by a claim. Started is false when the item or its job is no longer runnable.
type StartResult struct {
	Started bool
	Item    JobItem
	Job     Job
}

type JobFilter struct {
	UserID    int64
	ProjectID int64
	Status    JobStatus
	JobType   JobType
	Page      int
	PageSize  int
}

func (f JobFilter) Window() (offset, limit int) {
	return pageWindow(f.Page, f.PageSize)
}

func pageWindow(page, size int) (int, int) {
	if size <= 0 || size > 100 {
		size = 20
	}
	if page <= 0 {
		page = 1
	}
	return (page - 1) * size, size
}

// ApplyOutcome moves a non-terminal item to SUCCEEDED or FAILED.
func (it *JobItem) ApplyOutcome(o ItemOutcome, now time.Time) {
	t := now
	it.FinishedAt = &t
	if it.StartedAt == nil {
		it.StartedAt = &t
	}
	if o.Succeeded {
		it.Status = StatusSucceeded
		if o.AssetVersionID != 0 {
			v := o.AssetVersionID
			it.OutputAssetVersionID = &v
		}
		it.CostPoints = o.CostPoints
		it.ResultURL = o.ResultURL
		it.ErrorMessage = ""
		return
	}
	it.Status = StatusFailed
	it.ErrorMessage = o.ErrorMessage
}

// ApplyOutcome records one item completion on the job and finalizes it when
// every item is done. It reports whether the job became terminal.
func (j *Job) ApplyOutcome(o ItemOutcome, now time.Time) bool {
	if j.Status.Terminal() || j.DoneItems >= j.TotalItems {
		return false
	}
	j.DoneItems++
	if o.Succeeded {
		j.SucceededItems++
		j.CostPoints += o.CostPoints
		if j.ResultURL == "" {
			j.ResultURL = o.ResultURL
		}
	}
	j.UpdatedAt = now
	if j.DoneItems < j.TotalItems {
		return false
	}
	j.finalize(o, now)
	return true
}

func (j *Job) finalize(last ItemOutcome, now time.Time) {
	failed := j.TotalItems - j.SucceededItems
	switch {
	case j.SucceededItems > 0 && failed == 0:
		j.Status = StatusSucceeded
	case j.SucceededItems > 0:
		j.Status = StatusSucceeded
		j.ErrorMessage = FailedSummary(failed, j.TotalItems)
	case j.TotalItems == 1 && last.ErrorMessage != "":
		j.Status = StatusFailed
		j.ErrorMessage = last.ErrorMessage
	default:
		j.Status = StatusFailed
		j.ErrorMessage = FailedSummary(failed, j.TotalItems)
	}
	j.FinishedAt = &now
}

// FailedSummary is the job-level message for failed items.
func FailedSummary(failed, total int) string {
	if failed >= total {
		return fmt.Sprintf("全部 %d 个子任务失败", total)
	}
	return fmt.Sprintf("%d/%d 个子任务失败", failed, total)
}
