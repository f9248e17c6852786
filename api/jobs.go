package api

import (
	"context"
	"net/http"
	"strconv"

	"storystudio/domain"
	"storystudio/query"
)

var categoryJobTypes = map[string]domain.JobType{
	"shots":      domain.JobGenShotImage,
	"videos":     domain.JobGenVideo,
	"characters": domain.JobGenCharImage,
	"scenes":     domain.JobGenSceneImage,
	"props":      domain.JobGenPropImage,
}

type batchRequest struct {
	TargetIDs    []string            `json:"targetIds"`
	Mode         domain.GenerateMode `json:"mode"`
	CountPerItem int                 `json:"countPerItem"`
	AspectRatio  string              `json:"aspectRatio"`
	Model        string              `json:"model"`
}

// submitted is the reply to every job submission.
type submitted struct {
	JobID      int64            `json:"jobId,string"`
	JobType    domain.JobType   `json:"jobType"`
	Status     domain.JobStatus `json:"status"`
	TotalItems int              `json:"totalItems"`
}

func submittedFrom(j *domain.Job) submitted {
	return submitted{JobID: j.ID, JobType: j.JobType, Status: j.Status, TotalItems: j.TotalItems}
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	jt, ok := categoryJobTypes[chiParam(r, "category")]
	if !ok {
		s.writeError(w, r, domain.Errorf(domain.CodeParamInvalid, "未知生成类别: %s", chiParam(r, "category")))
		return
	}
	var req batchRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	// ids arrive as strings so 64-bit snowflakes survive JavaScript clients
	ids := make([]int64, 0, len(req.TargetIDs))
	for _, raw := range req.TargetIDs {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, r, domain.Errorf(domain.CodeParamInvalid, "无效的目标 id: %s", raw))
			return
		}
		ids = append(ids, id)
	}
	job, err := s.Dispatcher.SubmitBatch(r.Context(), domain.BatchTaskMessage{
		JobType:      jt,
		UserID:       caller(r),
		ProjectID:    projectID,
		TargetIDs:    ids,
		Mode:         req.Mode,
		CountPerItem: req.CountPerItem,
		AspectRatio:  req.AspectRatio,
		Model:        req.Model,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, submittedFrom(job))
}

type parseTextRequest struct {
	RawText string `json:"rawText"`
	Model   string `json:"model"`
	APIKey  string `json:"apiKey"`
}

func (s *Server) submitParseText(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req parseTextRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.Dispatcher.SubmitParseText(r.Context(), domain.TextParsingMessage{
		UserID:    caller(r),
		ProjectID: projectID,
		RawText:   req.RawText,
		APIKey:    req.APIKey,
		Model:     req.Model,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, submittedFrom(job))
}

func (s *Server) submitExport(w http.ResponseWriter, r *http.Request) {
	projectID, err := pathID(r, "projectId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req domain.ExportMessage
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.UserID = caller(r)
	req.ProjectID = projectID
	if req.Mode == "" {
		req.Mode = "CURRENT"
	}
	job, err := s.Dispatcher.SubmitExport(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, submittedFrom(job))
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.JobFilter{
		UserID:   caller(r),
		Page:     queryInt(r, "page", 1),
		PageSize: queryInt(r, "size", 20),
	}
	if raw := q.Get("projectId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, domain.Errorf(domain.CodeParamInvalid, "无效的 projectId"))
			return
		}
		f.ProjectID = id
	}
	if raw := q.Get("status"); raw != "" {
		st, err := domain.ParseJobStatus(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Status = st
	}
	if raw := q.Get("jobType"); raw != "" {
		jt, err := domain.ParseJobType(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.JobType = jt
	}
	page, err := s.Query.ListJobs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, page)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.Query.Job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.Query.Cancel)
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, userID, jobID int64) (*query.JobView, error)) {
	jobID, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view, err := fn(r.Context(), caller(r), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, view)
}
