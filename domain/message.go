package domain

// BatchTaskMessage is the accepted batch generation request.
type BatchTaskMessage struct {
	JobType      JobType      `json:"jobType" validate:"required,batch_job_type"`
	UserID       int64        `json:"userId,string" validate:"required"`
	ProjectID    int64        `json:"projectId,string" validate:"required"`
	TargetIDs    []int64      `json:"targetIds" validate:"required,min=1,max=100"`
	Mode         GenerateMode `json:"mode" validate:"omitempty,oneof=ALL MISSING"`
	CountPerItem int          `json:"countPerItem" validate:"omitempty,min=1,max=4"`
	AspectRatio  string       `json:"aspectRatio,omitempty" validate:"omitempty,max=16"`
	Model        string       `json:"model,omitempty" validate:"omitempty,max=64"`
}

// TextParsingMessage is the accepted script-parsing request.
type TextParsingMessage struct {
	UserID    int64  `json:"userId,string" validate:"required"`
	ProjectID int64  `json:"projectId,string" validate:"required"`
	RawText   string `json:"rawText" validate:"required,max=50000"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty" validate:"omitempty,max=64"`
}

// ExportMessage is the accepted project export request.
type ExportMessage struct {
	UserID           int64  `json:"userId,string" validate:"required"`
	ProjectID        int64  `json:"projectId,string" validate:"required"`
	ExportCharacters bool   `json:"exportCharacters"`
	ExportScenes     bool   `json:"exportScenes"`
	ExportShotImages bool   `json:"exportShotImages"`
	ExportVideos     bool   `json:"exportVideos"`
	Mode             string `json:"mode" validate:"required,oneof=CURRENT ALL"`
}

// TaskMessage is published once per JobItem.
type TaskMessage struct {
	JobID       int64          `json:"jobId,string"`
	JobItemID   int64          `json:"jobItemId,string"`
	UserID      int64          `json:"userId,string"`
	ProjectID   int64          `json:"projectId,string"`
	JobType     JobType        `json:"jobType"`
	TargetType  TargetType     `json:"targetType"`
	TargetID    int64          `json:"targetId,string"`
	Seq         int            `json:"seq"`
	AspectRatio string         `json:"aspectRatio,omitempty"`
	Model       string         `json:"model,omitempty"`
	RawText     string         `json:"rawText,omitempty"`
	APIKey      string         `json:"apiKey,omitempty"`
	Export      *ExportMessage `json:"export,omitempty"`
}
