package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"storystudio/obs"
)

type VideoConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	Aspect    string
	Duration  int
	PollEvery time.Duration
	MaxPolls  int
	Timeout   time.Duration
}

// Video drives an asynchronous video proxy: submit a task, then poll it until
// it reports a result URL.
type Video struct {
	cfg  VideoConfig
	http *http.Client
}

func NewVideo(cfg VideoConfig) (*Video, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, errors.New("video: base url is required")
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 120
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Video{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}, nil
}

type videoSubmit struct {
	Model       string `json:"model"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type videoTask struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	VideoURL string `json:"video_url"`
	Error    string `json:"error"`
}

func (v *Video) GenerateVideo(ctx context.Context, req VideoRequest) (out *Artifact, err error) {
	start := time.Now()
	defer func() { obs.RecordProviderCall("video", start, err) }()

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, Permanent(errors.New("video: prompt is required"))
	}
	body := videoSubmit{
		Model:       firstNonEmpty(req.Model, v.cfg.Model),
		Prompt:      req.Prompt,
		AspectRatio: firstNonEmpty(req.AspectRatio, v.cfg.Aspect),
		Duration:    req.Duration,
		ImageURL:    req.ImageURL,
	}
	if body.Duration <= 0 {
		body.Duration = v.cfg.Duration
	}
	var task videoTask
	if err := v.do(ctx, http.MethodPost, "/v1/videos", body, &task); err != nil {
		return nil, err
	}
	if task.ID == "" {
		return nil, errors.New("video: submit returned no task id")
	}

	for i := 0; ; i++ {
		switch strings.ToLower(task.Status) {
		case "completed", "succeeded", "success":
			if task.VideoURL == "" {
				return nil, errors.New("video: task completed without url")
			}
			data, ct, err := Fetch(ctx, v.http, task.VideoURL)
			if err != nil {
				return nil, err
			}
			if !strings.HasPrefix(ct, "video/") {
				ct = "video/mp4"
			}
			return &Artifact{Data: data, ContentType: ct, SourceURL: task.VideoURL, Provider: body.Model}, nil
		case "failed", "error":
			return nil, Permanent(fmt.Errorf("video task %s failed: %s", task.ID, task.Error))
		}
		if i >= v.cfg.MaxPolls {
			return nil, fmt.Errorf("video task %s: %w", task.ID, context.DeadlineExceeded)
		}
		t := time.NewTimer(v.cfg.PollEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		if err := v.do(ctx, http.MethodGet, "/v1/videos/"+task.ID, nil, &task); err != nil {
			return nil, err
		}
	}
}

func (v *Video) do(ctx context.Context, method, path string, in, out any) error {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("video: encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, v.cfg.BaseURL+path, rd)
	if err != nil {
		return fmt.Errorf("video: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if v.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+v.cfg.APIKey)
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return fmt.Errorf("video: http request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("video: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("video: decode response: %w", err)
	}
	return nil
}
